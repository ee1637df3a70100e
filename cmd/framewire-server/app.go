package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"framewire/pkg/config"
	"framewire/pkg/observability"
	"framewire/pkg/transport"
	"framewire/pkg/transport/quic"
	"framewire/pkg/transport/tcp"
	"framewire/pkg/transport/udp"
)

// run is the main entry point after CLI parsing. It starts one listener of
// the configured kind and echoes every received message back to its sender.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.Listen != "" {
		cfg.Transport.Listen = opts.Listen
	}
	if opts.Kind != "" {
		cfg.Transport.Kind = opts.Kind
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("framewire-server started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	kind, err := transport.ParseKind(cfg.Transport.Kind)
	if err != nil {
		zap.L().Error("bad transport kind", zap.Error(err))
		return 1
	}

	topts := transport.Options{
		ReadBufferSize:   cfg.Transport.ReadBufferSize,
		SendBufferSize:   cfg.Transport.SendBufferSize,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		PeerIdleTTL:      cfg.Transport.PeerIdleTTL,
	}

	ev := transport.NewEvents()
	ev.OnConnected(func(peer net.Addr, at time.Time) {
		zap.L().Info("peer connected", zap.String("peer", peer.String()))
	})
	ev.OnDisconnected(func(peer net.Addr, _ time.Time, reason string) {
		addr := "<unknown>"
		if peer != nil {
			addr = peer.String()
		}
		zap.L().Info("peer gone", zap.String("peer", addr), zap.String("reason", reason))
	})

	var srv transport.Server
	switch kind {
	case transport.KindTCP:
		srv = tcp.NewServer(cfg.Transport.Listen, cfg.Transport.Capacity, ev, topts)
	case transport.KindUDP:
		srv = udp.NewServer(cfg.Transport.Listen, cfg.Transport.Capacity, ev, topts)
	case transport.KindQUIC:
		srv = quic.NewServer(cfg.Transport.Listen, cfg.Transport.Capacity, ev, topts)
	}

	ev.OnMessage(func(payload []byte, sender net.Addr) {
		zap.L().Info("message", zap.String("from", sender.String()), zap.Int("bytes", len(payload)))
		if err := srv.SendTo(sender.String(), payload); err != nil {
			zap.L().Warn("echo failed", zap.String("peer", sender.String()), zap.Error(err))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.StartListening(ctx); err != nil {
		zap.L().Error("failed to start listener", zap.Error(err))
		return 1
	}

	zap.L().Info("server is running; press Ctrl+C to exit",
		zap.String("kind", kind.String()), zap.String("addr", srv.Addr().String()))
	<-ctx.Done()
	_ = srv.Close()
	return 0
}
