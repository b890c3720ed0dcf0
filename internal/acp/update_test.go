package acp

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeUpdateTagFallback(t *testing.T) {
	u, err := DecodeUpdate(json.RawMessage(`{"type":"tool_call_update","toolCallId":"c1","status":"completed"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tu, ok := u.(ToolCallUpdate)
	if !ok || tu.ToolCallID != "c1" || tu.Status != "completed" {
		t.Fatalf("got %#v", u)
	}

	if _, err := DecodeUpdate(json.RawMessage(`{"content":{}}`)); !errors.Is(err, errMissingTag) {
		t.Fatalf("missing tag err = %v", err)
	}
	if _, err := DecodeUpdate(json.RawMessage(`{"sessionUpdate":"plan","entries":"nope"}`)); err == nil {
		t.Fatal("expected error for malformed plan")
	}
}

func TestUpdateMarshalCarriesTag(t *testing.T) {
	b, err := json.Marshal(Resource{URI: "file:///a.txt"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"sessionUpdate":"resource","uri":"file:///a.txt"}` {
		t.Fatalf("got %s", b)
	}
	b, _ = json.Marshal(Plan{})
	if string(b) != `{"sessionUpdate":"plan","entries":null}` {
		t.Fatalf("got %s", b)
	}
}

func TestProtocolVersionAcceptsNumberOrString(t *testing.T) {
	var v ProtocolVersion
	if err := json.Unmarshal([]byte(`1`), &v); err != nil || v != "1" {
		t.Fatalf("number: %q %v", v, err)
	}
	if err := json.Unmarshal([]byte(`"2025-01"`), &v); err != nil || v != "2025-01" {
		t.Fatalf("string: %q %v", v, err)
	}
	b, _ := json.Marshal(ProtocolVersion("1"))
	if string(b) != "1" {
		t.Fatalf("marshal int version = %s", b)
	}
	b, _ = json.Marshal(ProtocolVersion("X"))
	if string(b) != `"X"` {
		t.Fatalf("marshal text version = %s", b)
	}
}
