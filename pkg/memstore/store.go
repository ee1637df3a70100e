// Package memstore is a sharded in-memory key/value store with optional
// per-key TTL. It backs the peer metadata registry: entries default to no
// expiry, and a TTL can be attached per key when an idle timeout is wanted.
package memstore

import (
	"container/heap"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// Options tunes a Store. The zero value is usable.
type Options struct {
	Shards int // shard count, default 64
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 64
	}
	return o
}

type entry struct {
	val      []byte
	expireAt int64 // unix nanos, 0 = never
}

type shard struct {
	mu sync.RWMutex
	m  map[string]entry
}

// Store is safe for concurrent use.
type Store struct {
	opts    Options
	shards  []shard
	closeCh chan struct{}
	wg      sync.WaitGroup

	expMu sync.Mutex
	expq  expQueue
	kick  chan struct{}

	mKeys    atomic.Int64
	mHits    atomic.Uint64
	mMisses  atomic.Uint64
	mExpired atomic.Uint64
}

func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:    opts,
		shards:  make([]shard, opts.Shards),
		closeCh: make(chan struct{}),
		kick:    make(chan struct{}, 1),
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]entry)
	}
	s.wg.Add(1)
	go s.expirer()
	return s
}

// Close stops the background expirer. The store stays readable.
func (s *Store) Close() {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Set stores a copy of val under key. ttl <= 0 means no expiry. Returns true
// when the key was created rather than overwritten.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
	e := entry{val: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl).UnixNano()
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	_, existed := sh.m[key]
	sh.m[key] = e
	sh.mu.Unlock()
	if !existed {
		s.mKeys.Add(1)
	}
	if e.expireAt != 0 {
		s.enqueueExpire(key, e.expireAt)
	}
	return !existed
}

// Get returns a copy of the value, honoring expiry lazily.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	sh.mu.RUnlock()
	if !ok || expired(e) {
		s.mMisses.Add(1)
		return nil, false
	}
	s.mHits.Add(1)
	return append([]byte(nil), e.val...), true
}

// Exists reports whether key holds a live value.
func (s *Store) Exists(key string) bool {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	sh.mu.RUnlock()
	return ok && !expired(e)
}

// Update applies fn to the current value (nil if absent) under the shard
// lock and stores the result, preserving any existing expiry. Returns false
// when fn returns nil, which deletes the key.
func (s *Store) Update(key string, fn func(old []byte) []byte) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if ok && expired(e) {
		ok = false
		e = entry{}
	}
	var old []byte
	if ok {
		old = e.val
	}
	next := fn(old)
	if next == nil {
		if ok {
			delete(sh.m, key)
			s.mKeys.Add(-1)
		}
		return false
	}
	e.val = append([]byte(nil), next...)
	sh.m[key] = e
	if !ok {
		s.mKeys.Add(1)
	}
	return true
}

// Delete removes key, reporting whether it was present.
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	_, ok := sh.m[key]
	delete(sh.m, key)
	sh.mu.Unlock()
	if ok {
		s.mKeys.Add(-1)
	}
	return ok
}

// Expire attaches or refreshes a TTL on an existing key. ttl <= 0 clears the
// expiry.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if !ok || expired(e) {
		sh.mu.Unlock()
		return false
	}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl).UnixNano()
	} else {
		e.expireAt = 0
	}
	sh.m[key] = e
	sh.mu.Unlock()
	if e.expireAt != 0 {
		s.enqueueExpire(key, e.expireAt)
	}
	return true
}

// Keys returns a snapshot of live keys with the given prefix.
func (s *Store) Keys(prefix string) []string {
	var out []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, e := range sh.m {
			if expired(e) {
				continue
			}
			if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				out = append(out, k)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Stats is a point-in-time metrics snapshot.
type Stats struct {
	Keys    int64
	Hits    uint64
	Misses  uint64
	Expired uint64
}

func (s *Store) Metrics() Stats {
	return Stats{
		Keys:    s.mKeys.Load(),
		Hits:    s.mHits.Load(),
		Misses:  s.mMisses.Load(),
		Expired: s.mExpired.Load(),
	}
}

func expired(e entry) bool {
	return e.expireAt != 0 && e.expireAt <= time.Now().UnixNano()
}

// ---- background expiry ----

type expItem struct {
	key  string
	when int64
}

type expQueue []expItem

func (q expQueue) Len() int            { return len(q) }
func (q expQueue) Less(i, j int) bool  { return q[i].when < q[j].when }
func (q expQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *expQueue) Push(x any)         { *q = append(*q, x.(expItem)) }
func (q *expQueue) Pop() any           { old := *q; n := len(old); it := old[n-1]; *q = old[:n-1]; return it }

func (s *Store) enqueueExpire(key string, when int64) {
	s.expMu.Lock()
	heap.Push(&s.expq, expItem{key: key, when: when})
	s.expMu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Store) expirer() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.expMu.Lock()
		var next int64
		if len(s.expq) > 0 {
			next = s.expq[0].when
		}
		s.expMu.Unlock()

		if next == 0 {
			timer.Reset(time.Hour)
		} else if d := time.Until(time.Unix(0, next)); d > 0 {
			timer.Reset(d)
		} else {
			s.sweep()
			continue
		}

		select {
		case <-s.closeCh:
			return
		case <-s.kick:
		case <-timer.C:
		}
	}
}

// sweep pops due items and deletes keys whose recorded deadline still
// matches; keys refreshed since simply get re-collected at their new time.
func (s *Store) sweep() {
	now := time.Now().UnixNano()
	for {
		s.expMu.Lock()
		if len(s.expq) == 0 || s.expq[0].when > now {
			s.expMu.Unlock()
			return
		}
		it := heap.Pop(&s.expq).(expItem)
		s.expMu.Unlock()

		sh := s.shardFor(it.key)
		sh.mu.Lock()
		if e, ok := sh.m[it.key]; ok && e.expireAt != 0 && e.expireAt <= now {
			delete(sh.m, it.key)
			s.mKeys.Add(-1)
			s.mExpired.Add(1)
		}
		sh.mu.Unlock()
	}
}
