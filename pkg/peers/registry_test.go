package peers

import (
	"testing"
	"time"

	"framewire/pkg/memstore"
)

func newTestRegistry(t *testing.T, capacity int, ttl time.Duration) *Registry {
	t.Helper()
	kv := memstore.New(memstore.Options{})
	t.Cleanup(kv.Close)
	return New(kv, capacity, ttl)
}

func TestAdmitCapacity(t *testing.T) {
	r := newTestRegistry(t, 2, 0)

	for _, addr := range []string{"10.0.0.1:100", "10.0.0.2:200"} {
		if reg, created := r.Admit(addr); !reg || !created {
			t.Fatalf("admit %s: reg=%v created=%v", addr, reg, created)
		}
	}
	// beyond capacity: silently refused
	if reg, _ := r.Admit("10.0.0.3:300"); reg {
		t.Fatal("over-capacity source was admitted")
	}
	// re-admitting a known address is not a new registration
	if reg, created := r.Admit("10.0.0.1:100"); !reg || created {
		t.Fatalf("re-admit: reg=%v created=%v", reg, created)
	}
	if r.Len() != 2 {
		t.Fatalf("len: %d", r.Len())
	}
}

func TestRemoveFreesSlot(t *testing.T) {
	r := newTestRegistry(t, 1, 0)
	r.Admit("a:1")
	if reg, _ := r.Admit("b:2"); reg {
		t.Fatal("admitted past capacity")
	}
	r.Remove("a:1")
	if reg, created := r.Admit("b:2"); !reg || !created {
		t.Fatal("slot not freed by Remove")
	}
}

func TestNoEvictionByDefault(t *testing.T) {
	r := newTestRegistry(t, 4, 0)
	r.Admit("a:1")
	time.Sleep(50 * time.Millisecond)
	if !r.Known("a:1") {
		t.Fatal("peer evicted without idle TTL")
	}
	if _, ok := r.Meta("a:1"); !ok {
		t.Fatal("peer meta expired without idle TTL")
	}
}

func TestIdleTTLReapsOnFullRegistry(t *testing.T) {
	r := newTestRegistry(t, 1, 40*time.Millisecond)
	r.Admit("a:1")
	time.Sleep(100 * time.Millisecond)
	// the expired admission is reaped to make room
	if reg, created := r.Admit("b:2"); !reg || !created {
		t.Fatal("idle peer not reaped when registry was full")
	}
	if r.Known("a:1") {
		t.Fatal("reaped peer still registered")
	}
}

func TestCounters(t *testing.T) {
	r := newTestRegistry(t, 4, 0)
	r.Admit("a:1")
	r.RecordExchange("a:1", 100, 0, 1, 0)
	r.RecordExchange("a:1", 20, 35, 1, 1)
	r.RecordSeq("a:1", 7)

	m, ok := r.Meta("a:1")
	if !ok {
		t.Fatal("meta missing")
	}
	if m.MsgsIn != 2 || m.MsgsOut != 1 || m.BytesIn != 120 || m.BytesOut != 35 {
		t.Fatalf("counters: %+v", m)
	}
	if m.LastSeq != 7 {
		t.Fatalf("last seq: %d", m.LastSeq)
	}
	if m.Order != 0 {
		t.Fatalf("order: %d", m.Order)
	}
}

func TestListSortedAndTTLAware(t *testing.T) {
	r := newTestRegistry(t, 4, 0)
	r.Admit("b:2")
	r.Admit("a:1")
	got := r.List()
	if len(got) != 2 || got[0] != "a:1" || got[1] != "b:2" {
		t.Fatalf("list: %v", got)
	}

	r = newTestRegistry(t, 4, 40*time.Millisecond)
	r.Admit("c:3")
	time.Sleep(100 * time.Millisecond)
	// the stored entry lapses even before the admission set is reaped
	if got := r.List(); len(got) != 0 {
		t.Fatalf("list after idle expiry: %v", got)
	}
}
