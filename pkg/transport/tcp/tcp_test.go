package tcp

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

type received struct {
	payload string
	sender  string
}

func TestClientServerExchange(t *testing.T) {
	srvEv := transport.NewEvents()
	gotMsg := make(chan received, 4)
	srvEv.OnMessage(func(p []byte, sender net.Addr) {
		gotMsg <- received{string(p), sender.String()}
	})
	srv := startServer(t, 1, srvEv)

	cliEv := transport.NewEvents()
	cliUp := make(chan struct{}, 1)
	cliGot := make(chan string, 4)
	cliEv.OnConnected(func(net.Addr, time.Time) { cliUp <- struct{}{} })
	cliEv.OnMessage(func(p []byte, _ net.Addr) { cliGot <- string(p) })

	cli := connectClient(t, srv.Addr().String(), cliEv)
	waitSignal(t, cliUp, 3*time.Second, "client connected callback")

	if err := cli.Send([]byte("Hello, World!")); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := waitSignal(t, gotMsg, 3*time.Second, "server message")
	if msg.payload != "Hello, World!" {
		t.Fatalf("payload = %q", msg.payload)
	}
	if want := cli.LocalAddr().String(); msg.sender != want {
		t.Fatalf("sender = %q, want %q", msg.sender, want)
	}

	if err := srv.SendTo(msg.sender, []byte("ack")); err != nil {
		t.Fatalf("send to: %v", err)
	}
	if got := waitSignal(t, cliGot, 3*time.Second, "client message"); got != "ack" {
		t.Fatalf("client got %q", got)
	}
}

func TestCapacityAdmitsNextAfterDisconnect(t *testing.T) {
	srv := startServer(t, 1, transport.NewEvents())

	aEv := transport.NewEvents()
	aUp := make(chan struct{}, 1)
	aEv.OnConnected(func(net.Addr, time.Time) { aUp <- struct{}{} })
	a := connectClient(t, srv.Addr().String(), aEv)
	waitSignal(t, aUp, 3*time.Second, "first client connected")

	// The second dial lands in the accept backlog: no greeting arrives while
	// the only permit is held.
	bEv := transport.NewEvents()
	bUp := make(chan struct{}, 1)
	bEv.OnConnected(func(net.Addr, time.Time) { bUp <- struct{}{} })
	connectClient(t, srv.Addr().String(), bEv)
	noSignal(t, bUp, 300*time.Millisecond, "second client connected while at capacity")

	if err := a.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitSignal(t, bUp, 3*time.Second, "second client connected after permit release")
}

func TestBroadcastAndExcept(t *testing.T) {
	srvEv := transport.NewEvents()
	srvUp := make(chan string, 4)
	srvEv.OnConnected(func(peer net.Addr, _ time.Time) { srvUp <- peer.String() })
	srv := startServer(t, 2, srvEv)

	mkClient := func() (*Client, chan string) {
		ev := transport.NewEvents()
		up := make(chan struct{}, 1)
		got := make(chan string, 8)
		ev.OnConnected(func(net.Addr, time.Time) { up <- struct{}{} })
		ev.OnMessage(func(p []byte, _ net.Addr) { got <- string(p) })
		c := connectClient(t, srv.Addr().String(), ev)
		waitSignal(t, up, 3*time.Second, "client connected")
		return c, got
	}

	a, aGot := mkClient()
	_, bGot := mkClient()
	waitSignal(t, srvUp, 3*time.Second, "server saw first peer")
	waitSignal(t, srvUp, 3*time.Second, "server saw second peer")

	if err := srv.SendToAll([]byte("everyone")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if got := waitSignal(t, aGot, 3*time.Second, "broadcast at a"); got != "everyone" {
		t.Fatalf("a got %q", got)
	}
	if got := waitSignal(t, bGot, 3*time.Second, "broadcast at b"); got != "everyone" {
		t.Fatalf("b got %q", got)
	}

	if err := srv.SendToAllExcept([]byte("not for a"), a.LocalAddr().String()); err != nil {
		t.Fatalf("except: %v", err)
	}
	if got := waitSignal(t, bGot, 3*time.Second, "except at b"); got != "not for a" {
		t.Fatalf("b got %q", got)
	}
	noSignal(t, aGot, 300*time.Millisecond, "message at excluded peer")
}

func TestOversizePayloadRejected(t *testing.T) {
	srv := startServer(t, 1, transport.NewEvents())

	ev := transport.NewEvents()
	up := make(chan struct{}, 1)
	ev.OnConnected(func(net.Addr, time.Time) { up <- struct{}{} })
	cli := connectClient(t, srv.Addr().String(), ev)
	waitSignal(t, up, 3*time.Second, "client connected")

	err := cli.Send(make([]byte, 64*1024))
	var oe *protocol.OversizeError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %v, want OversizeError", err)
	}
	if oe.Excess() <= 0 {
		t.Fatalf("excess = %d", oe.Excess())
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
	waitSignal(t, up, 3*time.Second, "client connected")

	if err := cli.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitSignal(t, down, 3*time.Second, "disconnected callback")
	if err := cli.Disconnect(); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("second disconnect err = %v", err)
	}
	noSignal(t, down, 300*time.Millisecond, "second disconnected callback")
}
