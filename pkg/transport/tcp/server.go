package tcp

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"framewire/pkg/bufpool"
	"framewire/pkg/protocol"
	"framewire/pkg/transport"
)

// Server is a capacity-bounded TCP listener. Admission is gated by a
// counting semaphore: when capacity peers are connected, further accepts
// wait until a session terminates and releases its permit.
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
	l      net.Listener
	cancel context.CancelFunc
	closed bool
}

var _ transport.Server = (*Server)(nil)

// NewServer builds a listener on bind (host:port; empty host binds all
// interfaces) admitting at most capacity concurrent peers.
func NewServer(bind string, capacity int, ev *transport.Events, opts transport.Options) *Server {
	opts = opts.WithDefaults()
	return &Server{
		bind:     bind,
		capacity: capacity,
		opts:     opts,
		ev:       ev,
		codec:    opts.Codec(transport.KindTCP),
		pool:     bufpool.New(opts.ReadBufferSize),
		sem:      semaphore.NewWeighted(int64(capacity)),
		reg:      transport.NewSessionRegistry(),
	}
}

// StartListening binds the socket and launches the accept loop. It returns
// once the listener is live; serving stops when ctx is cancelled or Close is
// called.
func (s *Server) StartListening(ctx context.Context) error {
	l, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	serveCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.l = l
	s.cancel = cancel
	s.mu.Unlock()

	zap.L().Info("listening", zap.String("transport", "tcp"),
		zap.String("addr", l.Addr().String()), zap.Int("capacity", s.capacity))
	go s.acceptLoop(serveCtx)
	go func() { <-serveCtx.Done(); _ = l.Close() }()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		// Admission gate: blocks while capacity peers are connected.
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		conn, err := s.l.Accept()
		if err != nil {
			s.sem.Release(1)
			return
		}
		sess := &session{srv: s, conn: conn, addr: conn.RemoteAddr().String()}

		// The implicit handshake: the client discards one read before it
		// starts sending, which lets this accept path settle first.
		greeting, _ := s.codec.Encode(transport.Greeting, 0)
		if err := writeFrame(ctx, conn, &sess.wmu, greeting); err != nil {
			zap.L().Warn("greeting write failed", zap.String("peer", sess.addr), zap.Error(err))
			_ = conn.Close()
			s.sem.Release(1)
			continue
		}

		s.reg.Add(sess.addr, sess)
		s.ev.EmitConnected(conn.RemoteAddr(), time.Now())
		go sess.receiveLoop(ctx)
	}
}

// session is one accepted peer connection.
type session struct {
	srv  *Server
	conn net.Conn
	addr string
	wmu  sync.Mutex
	once sync.Once
}

// SendPayload frames and writes one payload to this peer.
func (p *session) SendPayload(ctx context.Context, payload []byte) error {
	frame, err := p.srv.codec.Encode(payload, 0)
	if err != nil {
		return err
	}
	return writeFrame(ctx, p.conn, &p.wmu, frame)
}

func (p *session) Close() error { return p.conn.Close() }

func (p *session) receiveLoop(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = p.conn.Close()
		case <-done:
		}
	}()

	reasm := protocol.NewReassembler(p.srv.codec)
	for {
		lease := p.srv.pool.Acquire()
		n, err := p.conn.Read(lease.Bytes())
		if err != nil || n == 0 {
			lease.Release()
			p.finish(readReason(ctx, err))
			return
		}
		reasm.Feed(lease.Bytes()[:n], func(f protocol.Frame) {
			msg := append([]byte(nil), f.Payload...)
			p.srv.ev.EmitMessage(msg, p.conn.RemoteAddr())
		})
		lease.Release()
	}
}

// finish releases everything a session holds: its registry entry, its
// admission permit (exactly once), and the disconnected event.
func (p *session) finish(reason string) {
	p.once.Do(func() {
		remote := p.conn.RemoteAddr()
		p.srv.reg.Remove(p.addr, p)
		_ = p.conn.Close()
		p.srv.sem.Release(1)
		zap.L().Info("peer disconnected", zap.String("transport", "tcp"),
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

// Close stops accepting and tears down every live session.
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
