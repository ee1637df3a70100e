// Package peers tracks the remote endpoints registered with a datagram
// listener: admission up to a fixed capacity, registration order, and
// per-peer traffic counters persisted in the in-memory KV.
package peers

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"framewire/pkg/memstore"
)

// Meta is the stored metadata for one registered peer.
type Meta struct {
	Addr      string `json:"addr"`
	Order     int    `json:"order"` // registration order, 0-based
	FirstSeen int64  `json:"first_seen_unix_ms"`
	LastSeen  int64  `json:"last_seen_unix_ms"`
	LastSeq   uint8  `json:"last_seq"`
	MsgsIn    uint64 `json:"msgs_in"`
	MsgsOut   uint64 `json:"msgs_out"`
	BytesIn   uint64 `json:"bytes_in"`
	BytesOut  uint64 `json:"bytes_out"`
}

// Registry is a capacity-bounded peer table. A registered peer is never
// evicted unless an idle TTL is configured; by default peers stay until the
// registry (or the listener owning it) is torn down.
type Registry struct {
	kv       *memstore.Store
	capacity int
	idleTTL  time.Duration

	mu       sync.Mutex
	admitted map[string]struct{}
	nextOrd  int
}

// New builds a registry over kv. idleTTL <= 0 disables eviction.
func New(kv *memstore.Store, capacity int, idleTTL time.Duration) *Registry {
	return &Registry{
		kv:       kv,
		capacity: capacity,
		idleTTL:  idleTTL,
		admitted: make(map[string]struct{}),
	}
}

const peerPrefix = "peer:"

func keyPeer(addr string) string { return peerPrefix + addr }

// Admit registers addr if it is new and capacity allows, returning whether
// the address is registered (pre-existing or newly admitted) and whether this
// call created the registration. Addresses past capacity are ignored, not
// queued.
func (r *Registry) Admit(addr string) (registered, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.admitted[addr]; ok {
		return true, false
	}
	if len(r.admitted) >= r.capacity {
		r.reapExpiredLocked()
		if len(r.admitted) >= r.capacity {
			zap.L().Warn("peer registry full, ignoring source",
				zap.String("addr", addr), zap.Int("capacity", r.capacity))
			return false, false
		}
	}
	r.admitted[addr] = struct{}{}
	ord := r.nextOrd
	r.nextOrd++
	now := time.Now().UnixMilli()
	b, _ := json.Marshal(Meta{Addr: addr, Order: ord, FirstSeen: now, LastSeen: now})
	r.kv.Set(keyPeer(addr), b, r.idleTTL)
	zap.L().Info("peer registered", zap.String("addr", addr), zap.Int("order", ord))
	return true, true
}

// reapExpiredLocked drops admissions whose KV entry was idle-expired. Only
// meaningful when an idle TTL is configured.
func (r *Registry) reapExpiredLocked() {
	if r.idleTTL <= 0 {
		return
	}
	for addr := range r.admitted {
		if !r.kv.Exists(keyPeer(addr)) {
			delete(r.admitted, addr)
			zap.L().Info("idle peer reaped", zap.String("addr", addr))
		}
	}
}

// Known reports whether addr is currently registered.
func (r *Registry) Known(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.admitted[addr]
	return ok
}

// Remove unregisters addr explicitly.
func (r *Registry) Remove(addr string) {
	r.mu.Lock()
	delete(r.admitted, addr)
	r.mu.Unlock()
	r.kv.Delete(keyPeer(addr))
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.admitted)
}

// List returns the registered addresses in sorted order, as stored in the
// KV — an idle-expired entry drops out of the listing even before the
// admission set notices it.
func (r *Registry) List() []string {
	keys := r.kv.Keys(peerPrefix)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, peerPrefix))
	}
	sort.Strings(out)
	return out
}

// Meta returns the stored metadata for addr.
func (r *Registry) Meta(addr string) (Meta, bool) {
	b, ok := r.kv.Get(keyPeer(addr))
	if !ok {
		return Meta{}, false
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, false
	}
	return m, true
}

// RecordExchange bumps traffic counters and last-seen, refreshing the idle
// TTL when one is configured.
func (r *Registry) RecordExchange(addr string, inBytes, outBytes, inMsgs, outMsgs uint64) {
	r.kv.Update(keyPeer(addr), func(old []byte) []byte {
		var m Meta
		_ = json.Unmarshal(old, &m)
		m.Addr = addr
		m.LastSeen = time.Now().UnixMilli()
		m.MsgsIn += inMsgs
		m.MsgsOut += outMsgs
		m.BytesIn += inBytes
		m.BytesOut += outBytes
		b, _ := json.Marshal(m)
		return b
	})
	if r.idleTTL > 0 {
		r.kv.Expire(keyPeer(addr), r.idleTTL)
	}
}

// RecordSeq stores the last accepted sequence number for addr.
func (r *Registry) RecordSeq(addr string, seq uint8) {
	r.kv.Update(keyPeer(addr), func(old []byte) []byte {
		var m Meta
		_ = json.Unmarshal(old, &m)
		m.Addr = addr
		m.LastSeq = seq
		b, _ := json.Marshal(m)
		return b
	})
}
