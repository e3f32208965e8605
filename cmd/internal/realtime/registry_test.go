package realtime

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_RegisterLookupRemove(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	c1 := NewClient("alice", "s1", 8)
	prev, seq := reg.Register("alice", c1)
	if prev != nil {
		t.Fatalf("first register: expected prev=nil, got %v", prev)
	}
	if seq == 0 {
		t.Fatalf("first register: expected non-zero seq")
	}

	got, ok := reg.Lookup("alice")
	if !ok || got != c1 {
		t.Fatalf("lookup: expected c1, got ok=%v", ok)
	}

	removed, rseq := reg.Remove("alice", c1)
	if !removed {
		t.Fatalf("remove: expected removal")
	}
	if rseq <= seq {
		t.Fatalf("remove: seq not monotonic: register=%d remove=%d", seq, rseq)
	}

	if _, ok := reg.Lookup("alice"); ok {
		t.Fatalf("lookup after remove: expected absent")
	}
}

func TestRegistry_RegisterReplacesHandle(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	c1 := NewClient("alice", "s1", 8)
	c2 := NewClient("alice", "s2", 8)

	if prev, _ := reg.Register("alice", c1); prev != nil {
		t.Fatalf("first register: expected prev=nil")
	}
	prev, seq2 := reg.Register("alice", c2)
	if prev != c1 {
		t.Fatalf("second register: expected prev=c1")
	}
	if seq2 != 2 {
		t.Fatalf("second register: expected seq=2, got %d", seq2)
	}

	got, _ := reg.Lookup("alice")
	if got != c2 {
		t.Fatalf("lookup: expected c2 after replacement")
	}
}

func TestRegistry_StaleRemoveIsNoOp(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	c1 := NewClient("alice", "s1", 8)
	c2 := NewClient("alice", "s2", 8)

	reg.Register("alice", c1)
	reg.Register("alice", c2) // evicts c1

	// The stale disconnect of c1 must not evict c2's mapping.
	removed, seq := reg.Remove("alice", c1)
	if removed || seq != 0 {
		t.Fatalf("stale remove: expected no-op, got removed=%v seq=%d", removed, seq)
	}

	got, ok := reg.Lookup("alice")
	if !ok || got != c2 {
		t.Fatalf("lookup: expected c2 to survive stale remove")
	}
}

func TestRegistry_SnapshotAndLen(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("user-%d", i)
		reg.Register(id, NewClient(id, "s", 8))
	}

	if n := reg.Len(); n != 10 {
		t.Fatalf("len: expected 10, got %d", n)
	}
	if n := len(reg.Snapshot()); n != 10 {
		t.Fatalf("snapshot: expected 10 handles, got %d", n)
	}
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("user-%d", i%4)
			for j := 0; j < 200; j++ {
				c := NewClient(id, "s", 8)
				reg.Register(id, c)
				reg.Lookup(id)
				reg.Remove(id, c)
			}
		}(i)
	}
	wg.Wait()

	// Each user's sequence must have advanced without deadlock or panic.
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("user-%d", i)
		c := NewClient(id, "s", 8)
		_, seq := reg.Register(id, c)
		if seq == 0 {
			t.Fatalf("expected advanced seq for %s", id)
		}
	}
}
