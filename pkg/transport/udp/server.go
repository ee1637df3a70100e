package udp

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"framewire/pkg/bufpool"
	"framewire/pkg/memstore"
	"framewire/pkg/peers"
	"framewire/pkg/protocol"
	"framewire/pkg/transport"
)

// Server is a shared-socket datagram listener. A single receive goroutine
// demultiplexes datagrams by source address; unseen sources are registered
// up to the configured capacity and sources beyond it are silently ignored.
// A registered peer is never evicted unless Options.PeerIdleTTL is set.
type Server struct {
	bind     string
	capacity int
	opts     transport.Options
	ev       *transport.Events
	codec    protocol.Codec
	pool     *bufpool.Pool

	kv  *memstore.Store
	reg *peers.Registry
	sr  *transport.SessionRegistry

	mu     sync.Mutex
	conn   *net.UDPConn
	cancel context.CancelFunc
	closed bool
}

var _ transport.Server = (*Server)(nil)

func NewServer(bind string, capacity int, ev *transport.Events, opts transport.Options) *Server {
	opts = opts.WithDefaults()
	kv := memstore.New(memstore.Options{})
	return &Server{
		bind:     bind,
		capacity: capacity,
		opts:     opts,
		ev:       ev,
		codec:    opts.Codec(transport.KindUDP),
		pool:     bufpool.New(opts.ReadBufferSize),
		kv:       kv,
		reg:      peers.New(kv, capacity, opts.PeerIdleTTL),
		sr:       transport.NewSessionRegistry(),
	}
}

func (s *Server) StartListening(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp", s.bind)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	serveCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	zap.L().Info("listening", zap.String("transport", "udp"),
		zap.String("addr", conn.LocalAddr().String()), zap.Int("capacity", s.capacity))
	go s.readLoop(serveCtx)
	go func() { <-serveCtx.Done(); _ = conn.Close() }()
	return nil
}

// peerState is the per-source demux state: reassembly, loss tracking, and a
// send counter. Only the shared read loop touches reasm and tracker.
type peerState struct {
	srv     *Server
	raddr   *net.UDPAddr
	reasm   *protocol.Reassembler
	tracker protocol.SeqTracker

	wmu   sync.Mutex
	txSeq protocol.SeqCounter
}

// SendPayload frames payload with this peer's next sequence number and
// writes one datagram to it.
func (p *peerState) SendPayload(ctx context.Context, payload []byte) error {
	if err := p.srv.codec.CheckSize(len(payload)); err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	frame, err := p.srv.codec.Encode(payload, p.txSeq.Next())
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = p.srv.conn.SetWriteDeadline(dl)
		defer func() { _ = p.srv.conn.SetWriteDeadline(time.Time{}) }()
	}
	n, err := p.srv.conn.WriteToUDP(frame, p.raddr)
	if err == nil {
		p.srv.reg.RecordExchange(p.raddr.String(), 0, uint64(n), 0, 1)
	}
	return err
}

// Close is a no-op: datagram peers share the listener socket.
func (p *peerState) Close() error { return nil }

func (s *Server) readLoop(ctx context.Context) {
	states := make(map[string]*peerState)
	for {
		lease := s.pool.Acquire()
		n, raddr, err := s.conn.ReadFromUDP(lease.Bytes())
		if err != nil {
			lease.Release()
			if ctx.Err() == nil {
				zap.L().Warn("udp read failed", zap.Error(err))
			}
			return
		}
		key := raddr.String()
		ps := states[key]
		if ps != nil && s.opts.PeerIdleTTL > 0 && !s.reg.Known(key) {
			// reaped while idle; require re-admission with fresh state
			s.sr.Remove(key, ps)
			delete(states, key)
			ps = nil
		}
		if ps == nil {
			registered, created := s.reg.Admit(key)
			if !registered {
				// over capacity: the datagram is dropped, not queued
				lease.Release()
				continue
			}
			ps = &peerState{srv: s, raddr: raddr, reasm: protocol.NewReassembler(s.codec)}
			states[key] = ps
			s.sr.Add(key, ps)
			if created {
				s.ev.EmitConnected(raddr, time.Now())
			}
		}
		s.reg.RecordExchange(key, uint64(n), 0, 0, 0)
		ps.reasm.Feed(lease.Bytes()[:n], func(f protocol.Frame) {
			if !ps.tracker.Accept(f.Seq) {
				return
			}
			s.reg.RecordSeq(key, f.Seq)
			s.reg.RecordExchange(key, 0, 0, 1, 0)
			msg := append([]byte(nil), f.Payload...)
			s.ev.EmitMessage(msg, raddr)
		})
		lease.Release()
	}
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Peers lists the registered sources straight from the peer registry, so an
// idle-expired peer disappears from the listing as soon as its entry lapses.
func (s *Server) Peers() []string { return s.reg.List() }

// PeerMeta exposes stored metadata for one registered peer.
func (s *Server) PeerMeta(addr string) (peers.Meta, bool) { return s.reg.Meta(addr) }

func (s *Server) SendTo(peer string, payload []byte) error {
	return s.sr.SendTo(context.Background(), peer, payload)
}

func (s *Server) SendToContext(ctx context.Context, peer string, payload []byte) error {
	return s.sr.SendTo(ctx, peer, payload)
}

func (s *Server) SendToAll(payload []byte) error {
	return s.sr.FanOut(context.Background(), payload)
}

func (s *Server) SendToAllContext(ctx context.Context, payload []byte) error {
	return s.sr.FanOut(ctx, payload)
}

func (s *Server) SendToAllExcept(payload []byte, except ...string) error {
	return s.sr.FanOut(context.Background(), payload, except...)
}

func (s *Server) SendToAllExceptContext(ctx context.Context, payload []byte, except ...string) error {
	return s.sr.FanOut(ctx, payload, except...)
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, conn := s.cancel, s.conn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.sr.CloseAll()
	s.kv.Close()
	return err
}
