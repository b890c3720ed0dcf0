package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeShapes(t *testing.T) {
	cases := []struct {
		name string
		in   string
		kind Kind
	}{
		{"response", `{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`, KindResponse},
		{"error response", `{"jsonrpc":"2.0","id":"a","error":{"code":-32601,"message":"nope"}}`, KindResponse},
		{"notification", `{"jsonrpc":"2.0","method":"session/update","params":{}}`, KindNotification},
		{"null id notification", `{"jsonrpc":"2.0","id":null,"method":"x"}`, KindNotification},
		{"request", `{"jsonrpc":"2.0","id":7,"method":"session/request_permission"}`, KindRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.in))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.Kind != tc.kind {
				t.Fatalf("kind = %s; want %s", msg.Kind, tc.kind)
			}
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, in := range []string{`not json`, `{"jsonrpc":"2.0"}`, `{"id":null,"result":1}`, `{"id":{"x":1},"result":1}`} {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("%s: expected ErrInvalidMessage, got %v", in, err)
		}
	}
}

func TestIDKeysMatchAcrossWire(t *testing.T) {
	req := NewRequest(NewID(int64(42)), "initialize", nil)
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"jsonrpc":"2.0","id":42,"method":"initialize"}` {
		t.Fatalf("unexpected wire form: %s", b)
	}
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":42,"result":null}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if Key(msg.Response.ID) != Key(req.ID) {
		t.Fatalf("key mismatch: %s != %s", Key(msg.Response.ID), Key(req.ID))
	}
}

func TestErrorResponse(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32603,"message":"boom","data":{"x":1}}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	e := msg.Response.Error
	if e == nil || e.Code != CodeInternalError || e.Message != "boom" || string(e.Data) != `{"x":1}` {
		t.Fatalf("unexpected error: %+v", e)
	}
	if e.Error() != "jsonrpc error -32603: boom" {
		t.Fatalf("unexpected message: %s", e.Error())
	}
}
