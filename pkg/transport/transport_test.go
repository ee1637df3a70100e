package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"tcp":   KindTCP,
		" UDP ": KindUDP,
		"Quic":  KindQUIC,
	}
	for in, want := range cases {
		k, err := ParseKind(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if k != want {
			t.Fatalf("parse %q = %v, want %v", in, k, want)
		}
	}
	if _, err := ParseKind("sctp"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestOnlyDatagramsSequenced(t *testing.T) {
	if KindTCP.Sequenced() || KindQUIC.Sequenced() {
		t.Fatalf("stream kinds must not be sequenced")
	}
	if !KindUDP.Sequenced() {
		t.Fatalf("udp must be sequenced")
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.WithDefaults()
	if o.ReadBufferSize != 16*1024 {
		t.Fatalf("read buffer = %d", o.ReadBufferSize)
	}
	if o.SendBufferSize != 8*1024 {
		t.Fatalf("send buffer = %d", o.SendBufferSize)
	}
	if o.HandshakeTimeout != 10*time.Second {
		t.Fatalf("handshake timeout = %v", o.HandshakeTimeout)
	}
	if o.PeerIdleTTL != 0 {
		t.Fatalf("idle ttl should stay zero")
	}

	o = Options{ReadBufferSize: 4096, HandshakeTimeout: time.Second}.WithDefaults()
	if o.ReadBufferSize != 4096 || o.HandshakeTimeout != time.Second {
		t.Fatalf("explicit values overwritten: %+v", o)
	}
}

type fakeSender struct {
	got  [][]byte
	fail error
}

func (f *fakeSender) SendPayload(_ context.Context, p []byte) error {
	if f.fail != nil {
		return f.fail
	}
	f.got = append(f.got, append([]byte(nil), p...))
	return nil
}

func (f *fakeSender) Close() error { return nil }

func TestRegistryFanOutIsolatesFailures(t *testing.T) {
	r := NewSessionRegistry()
	good := &fakeSender{}
	bad := &fakeSender{fail: errors.New("broken pipe")}
	r.Add("1.1.1.1:1", good)
	r.Add("2.2.2.2:2", bad)

	if err := r.FanOut(context.Background(), []byte("hi")); err != nil {
		t.Fatalf("fan-out: %v", err)
	}
	if len(good.got) != 1 || string(good.got[0]) != "hi" {
		t.Fatalf("good peer did not receive: %v", good.got)
	}
}

func TestRegistryFanOutExcept(t *testing.T) {
	r := NewSessionRegistry()
	a := &fakeSender{}
	b := &fakeSender{}
	r.Add("a:1", a)
	r.Add("b:2", b)

	if err := r.FanOut(context.Background(), []byte("x"), "a:1"); err != nil {
		t.Fatalf("fan-out: %v", err)
	}
	if len(a.got) != 0 {
		t.Fatalf("excluded peer received %d messages", len(a.got))
	}
	if len(b.got) != 1 {
		t.Fatalf("included peer received %d messages", len(b.got))
	}
}

func TestRegistryRemoveOnlyCurrent(t *testing.T) {
	r := NewSessionRegistry()
	first := &fakeSender{}
	second := &fakeSender{}
	r.Add("peer:1", first)
	r.Add("peer:1", second) // replaces first

	r.Remove("peer:1", first) // stale removal must not drop the successor
	if r.Get("peer:1") != second {
		t.Fatalf("successor was removed by stale session")
	}
	r.Remove("peer:1", second)
	if r.Len() != 0 {
		t.Fatalf("len = %d after removal", r.Len())
	}
}

func TestRegistrySendToUnknownPeer(t *testing.T) {
	r := NewSessionRegistry()
	err := r.SendTo(context.Background(), "nobody:9", []byte("x"))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
