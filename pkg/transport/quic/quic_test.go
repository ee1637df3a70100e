package quic

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"framewire/pkg/protocol"
	"framewire/pkg/transport"
)

func waitSignal[T any](t *testing.T, ch <-chan T, d time.Duration, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(d):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func noSignal[T any](t *testing.T, ch <-chan T, d time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(d):
	}
}

func startServer(t *testing.T, capacity int, ev *transport.Events) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", capacity, ev, transport.Options{})
	if err := srv.StartListening(context.Background()); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func connectClient(t *testing.T, remote string, ev *transport.Events) *Client {
	t.Helper()
	cli := NewClient(remote, ev, transport.Options{})
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = cli.Disconnect() })
	return cli
}

func TestClientServerExchange(t *testing.T) {
	srvEv := transport.NewEvents()
	srvUp := make(chan string, 4)
	srvGot := make(chan string, 4)
	srvEv.OnConnected(func(peer net.Addr, _ time.Time) { srvUp <- peer.String() })
	srvEv.OnMessage(func(p []byte, _ net.Addr) { srvGot <- string(p) })
	srv := startServer(t, 1, srvEv)

	cliEv := transport.NewEvents()
	cliUp := make(chan struct{}, 1)
	cliGot := make(chan string, 4)
	cliEv.OnConnected(func(net.Addr, time.Time) { cliUp <- struct{}{} })
	cliEv.OnMessage(func(p []byte, _ net.Addr) { cliGot <- string(p) })

	cli := connectClient(t, srv.Addr().String(), cliEv)
	// The connected callback only fires once the greeting stream has been
	// accepted and its first read discarded.
	waitSignal(t, cliUp, 5*time.Second, "client connected callback")
	peer := waitSignal(t, srvUp, 5*time.Second, "server connected callback")

	if err := cli.Send([]byte("Hello, World!")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := waitSignal(t, srvGot, 5*time.Second, "server message"); got != "Hello, World!" {
		t.Fatalf("server got %q", got)
	}

	if err := srv.SendTo(peer, []byte("ack")); err != nil {
		t.Fatalf("send to: %v", err)
	}
	if got := waitSignal(t, cliGot, 5*time.Second, "client message"); got != "ack" {
		t.Fatalf("client got %q", got)
	}
	// The greeting must never surface as an application message.
	noSignal(t, cliGot, 200*time.Millisecond, "stray client message")
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	srvUp := make(chan string, 4)
	srvEv := transport.NewEvents()
	srvEv.OnConnected(func(peer net.Addr, _ time.Time) { srvUp <- peer.String() })
	srv := startServer(t, 2, srvEv)

	mkClient := func() chan string {
		ev := transport.NewEvents()
		up := make(chan struct{}, 1)
		got := make(chan string, 8)
		ev.OnConnected(func(net.Addr, time.Time) { up <- struct{}{} })
		ev.OnMessage(func(p []byte, _ net.Addr) { got <- string(p) })
		connectClient(t, srv.Addr().String(), ev)
		waitSignal(t, up, 5*time.Second, "client connected")
		return got
	}

	aGot := mkClient()
	bGot := mkClient()
	waitSignal(t, srvUp, 5*time.Second, "server saw first peer")
	waitSignal(t, srvUp, 5*time.Second, "server saw second peer")

	if err := srv.SendToAll([]byte("everyone")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if got := waitSignal(t, aGot, 5*time.Second, "broadcast at a"); got != "everyone" {
		t.Fatalf("a got %q", got)
	}
	if got := waitSignal(t, bGot, 5*time.Second, "broadcast at b"); got != "everyone" {
		t.Fatalf("b got %q", got)
	}
}

func TestOversizePayloadRejected(t *testing.T) {
	srv := startServer(t, 1, transport.NewEvents())

	ev := transport.NewEvents()
	up := make(chan struct{}, 1)
	ev.OnConnected(func(net.Addr, time.Time) { up <- struct{}{} })
	cli := connectClient(t, srv.Addr().String(), ev)
	waitSignal(t, up, 5*time.Second, "client connected")

	err := cli.Send(make([]byte, 64*1024))
	var oe *protocol.OversizeError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %v, want OversizeError", err)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	cli := NewClient("127.0.0.1:1", transport.NewEvents(), transport.Options{})
	if err := cli.Send([]byte("x")); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectFiresOnce(t *testing.T) {
	srv := startServer(t, 1, transport.NewEvents())

	ev := transport.NewEvents()
	up := make(chan struct{}, 1)
	down := make(chan string, 4)
	ev.OnConnected(func(net.Addr, time.Time) { up <- struct{}{} })
	ev.OnDisconnected(func(_ net.Addr, _ time.Time, reason string) { down <- reason })
	cli := connectClient(t, srv.Addr().String(), ev)
	waitSignal(t, up, 5*time.Second, "client connected")

	if err := cli.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitSignal(t, down, 5*time.Second, "disconnected callback")
	if err := cli.Disconnect(); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("second disconnect err = %v", err)
	}
	noSignal(t, down, 300*time.Millisecond, "second disconnected callback")
}
