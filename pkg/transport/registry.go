package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// PeerSender is the per-peer send surface a server keeps registered while a
// session is live.
type PeerSender interface {
	// SendPayload frames and writes one payload to this peer.
	SendPayload(ctx context.Context, payload []byte) error
	Close() error
}

// SessionRegistry maps remote address strings to live peer senders. It is
// the only state shared between a server's accept and receive goroutines,
// so every mutation is mutex-guarded and fan-out iterates a snapshot.
type SessionRegistry struct {
	mu sync.RWMutex
	m  map[string]PeerSender
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{m: make(map[string]PeerSender)}
}

// Add registers s under addr, replacing (and closing) any previous entry for
// the same address.
func (r *SessionRegistry) Add(addr string, s PeerSender) {
	r.mu.Lock()
	old := r.m[addr]
	r.m[addr] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// Remove drops addr if it is still mapped to s. A session that was already
// replaced does not remove its successor.
func (r *SessionRegistry) Remove(addr string, s PeerSender) {
	r.mu.Lock()
	if cur, ok := r.m[addr]; ok && cur == s {
		delete(r.m, addr)
	}
	r.mu.Unlock()
}

// Get returns the sender for addr, or nil.
func (r *SessionRegistry) Get(addr string) PeerSender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[addr]
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// Addrs returns a sorted snapshot of registered addresses.
func (r *SessionRegistry) Addrs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for addr := range r.m {
		out = append(out, addr)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Snapshot returns a point-in-time copy of the registry for fan-out.
func (r *SessionRegistry) Snapshot() map[string]PeerSender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]PeerSender, len(r.m))
	for addr, s := range r.m {
		out[addr] = s
	}
	return out
}

// CloseAll closes every registered sender and clears the registry.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	senders := make([]PeerSender, 0, len(r.m))
	for _, s := range r.m {
		senders = append(senders, s)
	}
	r.m = make(map[string]PeerSender)
	r.mu.Unlock()
	for _, s := range senders {
		_ = s.Close()
	}
}

// SendTo delivers payload to one registered peer.
func (r *SessionRegistry) SendTo(ctx context.Context, peer string, payload []byte) error {
	s := r.Get(peer)
	if s == nil {
		return fmt.Errorf("peer %s: %w", peer, ErrNotConnected)
	}
	return s.SendPayload(ctx, payload)
}

// FanOut delivers payload to every registered peer not listed in except. A
// peer closing mid-iteration only fails its own delivery: individual send
// errors are logged and counted, never propagated.
func (r *SessionRegistry) FanOut(ctx context.Context, payload []byte, except ...string) error {
	var skip map[string]struct{}
	if len(except) > 0 {
		skip = make(map[string]struct{}, len(except))
		for _, addr := range except {
			skip[addr] = struct{}{}
		}
	}
	failed := 0
	for addr, s := range r.Snapshot() {
		if _, ok := skip[addr]; ok {
			continue
		}
		if err := s.SendPayload(ctx, payload); err != nil {
			failed++
			zap.L().Warn("fan-out send failed", zap.String("peer", addr), zap.Error(err))
		}
	}
	if failed > 0 {
		zap.L().Debug("fan-out finished with failures", zap.Int("failed", failed))
	}
	return nil
}
