package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"framewire/pkg/codec"
	"framewire/pkg/transport"
	"framewire/pkg/transport/quic"
	"framewire/pkg/transport/tcp"
	"framewire/pkg/transport/udp"
)

func main() {
	kind := flag.String("kind", "tcp", "transport kind: tcp|udp|quic")
	addr := flag.String("addr", "127.0.0.1:7420", "address to connect to")
	msg := flag.String("message", "hello framewire", "message to send once connected")
	format := flag.String("format", "raw", "payload format: raw|json|cbor")
	count := flag.Int("count", 1, "how many times to send the message")
	timeout := flag.Duration("timeout", 5*time.Second, "connect/receive timeout")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	k, err := transport.ParseKind(*kind)
	if err != nil {
		fatalf("bad kind: %v", err)
	}

	ev := transport.NewEvents()
	connected := make(chan struct{}, 1)
	replies := make(chan string, 16)
	ev.OnConnected(func(peer net.Addr, _ time.Time) {
		zap.L().Info("connected", zap.String("peer", peer.String()))
		connected <- struct{}{}
	})
	ev.OnMessage(func(payload []byte, sender net.Addr) {
		replies <- string(payload)
	})
	ev.OnDisconnected(func(_ net.Addr, _ time.Time, reason string) {
		zap.L().Info("disconnected", zap.String("reason", reason))
	})

	var cli transport.Client
	switch k {
	case transport.KindTCP:
		cli = tcp.NewClient(*addr, ev, transport.Options{HandshakeTimeout: *timeout})
	case transport.KindUDP:
		cli = udp.NewClient(*addr, ev, transport.Options{})
	case transport.KindQUIC:
		cli = quic.NewClient(*addr, ev, transport.Options{HandshakeTimeout: *timeout})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cli.Connect(ctx); err != nil {
		fatalf("connect: %v", err)
	}
	defer cli.Disconnect()

	select {
	case <-connected:
	case <-time.After(*timeout):
		fatalf("no connection within %v", *timeout)
	}

	payload := []byte(*msg)
	if *format != "raw" {
		reg := codec.NewRegistry()
		reg.Register(codec.MustCBOR(), "cbor")
		c, err := reg.Resolve(*format)
		if err != nil {
			fatalf("bad format: %v", err)
		}
		payload, err = c.Marshal(map[string]any{
			"text": *msg,
			"sent": time.Now().UnixMilli(),
		})
		if err != nil {
			fatalf("marshal: %v", err)
		}
	}

	for i := 0; i < *count; i++ {
		if err := cli.Send(payload); err != nil {
			fatalf("send: %v", err)
		}
	}
	for i := 0; i < *count; i++ {
		select {
		case r := <-replies:
			zap.L().Info("reply", zap.String("payload", r))
		case <-time.After(*timeout):
			fatalf("no reply within %v", *timeout)
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
