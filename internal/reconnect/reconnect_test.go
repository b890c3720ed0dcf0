package reconnect

import (
	"testing"
	"time"
)

func TestDefaultDelay(t *testing.T) {
	expected := []int{1, 2, 4, 8, 16, 30, 30, 30}
	for i, exp := range expected {
		d := Delay(i)
		if int(d.Seconds()) != exp {
			t.Errorf("attempt %d: expected %d got %v", i, exp, d)
		}
	}
}

func TestDelayMonotonic(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond, Max: 300 * time.Millisecond}
	prev := time.Duration(0)
	for k := 0; k < 64; k++ {
		d := b.Delay(k)
		want := b.Base << uint(k)
		if k >= 5 || want > b.Max {
			want = b.Max
		}
		if d != want {
			t.Fatalf("attempt %d: got %v want %v", k, d, want)
		}
		if d < prev {
			t.Fatalf("attempt %d: delay decreased %v < %v", k, d, prev)
		}
		prev = d
	}
}

func TestZeroBackoffUsesDefaults(t *testing.T) {
	var b Backoff
	if d := b.Delay(0); d != DefaultBase {
		t.Fatalf("expected %v got %v", DefaultBase, d)
	}
	if d := b.Delay(100); d != DefaultMax {
		t.Fatalf("expected %v got %v", DefaultMax, d)
	}
}
