package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"framewire/pkg/bufpool"
	"framewire/pkg/protocol"
	"framewire/pkg/transport"
)

// Server is a capacity-bounded QUIC listener. Each accepted connection gets
// one control stream, opened by the server's greeting write; admission uses
// the same counting-semaphore gate as the TCP listener.
type Server struct {
	bind     string
	capacity int
	opts     transport.Options
	ev       *transport.Events
	codec    protocol.Codec
	pool     *bufpool.Pool
	sem      *semaphore.Weighted
	reg      *transport.SessionRegistry

	mu     sync.Mutex
	l      *quicgo.Listener
	cancel context.CancelFunc
	closed bool
}

var _ transport.Server = (*Server)(nil)

func NewServer(bind string, capacity int, ev *transport.Events, opts transport.Options) *Server {
	opts = opts.WithDefaults()
	return &Server{
		bind:     bind,
		capacity: capacity,
		opts:     opts,
		ev:       ev,
		codec:    opts.Codec(transport.KindQUIC),
		pool:     bufpool.New(opts.ReadBufferSize),
		sem:      semaphore.NewWeighted(int64(capacity)),
		reg:      transport.NewSessionRegistry(),
	}
}

func (s *Server) StartListening(ctx context.Context) error {
	cert, err := selfSignedCert()
	if err != nil {
		return err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}
	l, err := quicgo.ListenAddr(s.bind, tlsConf, &quicgo.Config{})
	if err != nil {
		return err
	}
	serveCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.l = l
	s.cancel = cancel
	s.mu.Unlock()

	zap.L().Info("listening", zap.String("transport", "quic"),
		zap.String("addr", l.Addr().String()), zap.Int("capacity", s.capacity))
	go s.acceptLoop(serveCtx)
	go func() { <-serveCtx.Done(); _ = l.Close() }()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		conn, err := s.l.Accept(ctx)
		if err != nil {
			s.sem.Release(1)
			return
		}
		go s.startSession(ctx, conn)
	}
}

// startSession opens the control stream, sends the greeting, and registers
// the peer. Stream setup failures release the permit without ever exposing
// the session.
func (s *Server) startSession(ctx context.Context, conn quicgo.Connection) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		s.sem.Release(1)
		return
	}
	sess := &session{srv: s, conn: conn, stream: stream, addr: conn.RemoteAddr().String()}

	greeting, _ := s.codec.Encode(transport.Greeting, 0)
	if err := writeStreamFrame(ctx, stream, &sess.wmu, greeting); err != nil {
		zap.L().Warn("greeting write failed", zap.String("peer", sess.addr), zap.Error(err))
		_ = conn.CloseWithError(0, "")
		s.sem.Release(1)
		return
	}

	s.reg.Add(sess.addr, sess)
	s.ev.EmitConnected(conn.RemoteAddr(), time.Now())
	sess.receiveLoop(ctx)
}

type session struct {
	srv    *Server
	conn   quicgo.Connection
	stream quicgo.Stream
	addr   string
	wmu    sync.Mutex
	once   sync.Once
}

func (p *session) SendPayload(ctx context.Context, payload []byte) error {
	frame, err := p.srv.codec.Encode(payload, 0)
	if err != nil {
		return err
	}
	return writeStreamFrame(ctx, p.stream, &p.wmu, frame)
}

func (p *session) Close() error { return p.conn.CloseWithError(0, "") }

func (p *session) receiveLoop(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = p.conn.CloseWithError(0, "")
		case <-done:
		}
	}()

	reasm := protocol.NewReassembler(p.srv.codec)
	for {
		lease := p.srv.pool.Acquire()
		n, err := p.stream.Read(lease.Bytes())
		if err != nil || n == 0 {
			lease.Release()
			p.finish(streamReason(ctx, err))
			return
		}
		reasm.Feed(lease.Bytes()[:n], func(f protocol.Frame) {
			msg := append([]byte(nil), f.Payload...)
			p.srv.ev.EmitMessage(msg, p.conn.RemoteAddr())
		})
		lease.Release()
	}
}

func (p *session) finish(reason string) {
	p.once.Do(func() {
		remote := p.conn.RemoteAddr()
		p.srv.reg.Remove(p.addr, p)
		_ = p.conn.CloseWithError(0, "")
		p.srv.sem.Release(1)
		zap.L().Info("peer disconnected", zap.String("transport", "quic"),
			zap.String("peer", p.addr), zap.String("reason", reason))
		p.srv.ev.EmitDisconnected(remote, time.Now(), reason)
	})
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

func (s *Server) Peers() []string { return s.reg.Addrs() }

func (s *Server) SendTo(peer string, payload []byte) error {
	return s.reg.SendTo(context.Background(), peer, payload)
}

func (s *Server) SendToContext(ctx context.Context, peer string, payload []byte) error {
	return s.reg.SendTo(ctx, peer, payload)
}

func (s *Server) SendToAll(payload []byte) error {
	return s.reg.FanOut(context.Background(), payload)
}

func (s *Server) SendToAllContext(ctx context.Context, payload []byte) error {
	return s.reg.FanOut(ctx, payload)
}

func (s *Server) SendToAllExcept(payload []byte, except ...string) error {
	return s.reg.FanOut(context.Background(), payload, except...)
}

func (s *Server) SendToAllExceptContext(ctx context.Context, payload []byte, except ...string) error {
	return s.reg.FanOut(ctx, payload, except...)
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, l := s.cancel, s.l
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var err error
	if l != nil {
		err = l.Close()
	}
	s.reg.CloseAll()
	return err
}

// selfSignedCert generates a short-lived self-signed certificate for the
// listener's TLS handshake.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
