package codec

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestJSONRoundTrip(t *testing.T) {
	c := JSON()
	b, err := c.Marshal(map[string]any{"kind": "ping", "n": 7})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["kind"].(string) != "ping" || out["n"].(float64) != 7 {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestCBORRoundTrip(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	b, err := c.Marshal(map[string]any{"n": 42})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	switch n := out["n"].(type) {
	case uint64:
		if n != 42 {
			t.Fatalf("roundtrip mismatch: %#v", out)
		}
	case int64:
		if n != 42 {
			t.Fatalf("roundtrip mismatch: %#v", out)
		}
	default:
		t.Fatalf("unexpected number type: %#v", out)
	}
}

func TestCBORCanonicalStable(t *testing.T) {
	c := MustCBOR()
	in := map[string]any{"b": 2, "a": 1, "c": 3}
	first, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("canonical encoding not stable")
	}
}

func TestProtoRoundTrip(t *testing.T) {
	c := Proto()
	s, err := structpb.NewStruct(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	b, err := c.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out structpb.Struct
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Fields["k"].GetStringValue() != "v" {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestProtoRejectsNonMessage(t *testing.T) {
	c := Proto()
	if _, err := c.Marshal("not a message"); err == nil {
		t.Fatalf("expected marshal error for non-proto value")
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	if r.Get("application/json") == nil || r.Get("json") == nil {
		t.Fatalf("json not registered")
	}
	if r.Get("proto") == nil {
		t.Fatalf("proto not registered")
	}
	if r.Get("cbor") != nil {
		t.Fatalf("cbor should not be preloaded")
	}
	r.Register(MustCBOR(), "cbor")
	if r.Get("cbor") == nil || r.Get("application/cbor") == nil {
		t.Fatalf("cbor lookup failed after register")
	}
	if _, err := r.Resolve("msgpack"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
