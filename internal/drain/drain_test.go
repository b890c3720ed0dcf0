package drain

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGateWaitsForActive(t *testing.T) {
	var g Gate
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("idle wait: %v", err)
	}
	if !g.Enter() || !g.Enter() {
		t.Fatal("enter refused before draining")
	}
	g.Start()
	if g.Enter() {
		t.Fatal("enter admitted while draining")
	}
	if !g.IsDraining() || g.Active() != 2 {
		t.Fatalf("draining=%v active=%d", g.IsDraining(), g.Active())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait with active items = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()
	g.Leave()
	g.Leave()
	g.Leave() // extra leave is ignored
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return after last leave")
	}
	if g.Active() != 0 {
		t.Fatalf("active = %d", g.Active())
	}
}
