package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	v1 "courier/shared/contracts/chat/v1"
)

type presenceWrite struct {
	userID   string
	online   bool
	lastSeen time.Time
}

type fakePresenceStore struct {
	mu     sync.Mutex
	writes []presenceWrite
	err    error
}

func (f *fakePresenceStore) SetPresence(_ context.Context, userID string, online bool, lastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, presenceWrite{userID: userID, online: online, lastSeen: lastSeen})
	return nil
}

func (f *fakePresenceStore) all() []presenceWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]presenceWrite(nil), f.writes...)
}

func TestTracker_WentOnlineBroadcastsToOthers(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	store := &fakePresenceStore{}
	tr := NewTracker(newTestLogger(), reg, store)

	alice := NewClient("alice", "sa", 8)
	bob := NewClient("bob", "sb", 8)
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	_, seq := reg.Register("carol", NewClient("carol", "sc", 8))
	tr.WentOnline(context.Background(), "carol", seq, false)

	writes := store.all()
	if len(writes) != 1 || !writes[0].online || writes[0].userID != "carol" {
		t.Fatalf("expected one online write for carol, got %+v", writes)
	}

	for _, c := range []*Client{alice, bob} {
		env := recvType(t, c, v1.TypePresence)
		var p v1.PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal presence: %v", err)
		}
		if p.UserID != "carol" || !p.Online {
			t.Fatalf("presence payload mismatch: %+v", p)
		}
	}
}

func TestTracker_OwnHandleGetsNoPresenceEcho(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	tr := NewTracker(newTestLogger(), reg, &fakePresenceStore{})

	alice := NewClient("alice", "sa", 8)
	_, seq := reg.Register("alice", alice)
	tr.WentOnline(context.Background(), "alice", seq, false)

	recvNone(t, alice, v1.TypePresence)
}

func TestTracker_ReplacementDoesNotRebroadcast(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	store := &fakePresenceStore{}
	tr := NewTracker(newTestLogger(), reg, store)

	watcher := NewClient("watcher", "sw", 8)
	reg.Register("watcher", watcher)

	c1 := NewClient("alice", "s1", 8)
	_, seq1 := reg.Register("alice", c1)
	tr.WentOnline(context.Background(), "alice", seq1, false)

	recvType(t, watcher, v1.TypePresence)

	// Reconnect replaces the handle; the user never went offline.
	c2 := NewClient("alice", "s2", 8)
	prev, seq2 := reg.Register("alice", c2)
	tr.WentOnline(context.Background(), "alice", seq2, prev != nil)

	recvNone(t, watcher, v1.TypePresence)
	if n := len(store.all()); n != 1 {
		t.Fatalf("expected single store write, got %d", n)
	}
}

func TestTracker_StaleEventIsDiscarded(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	store := &fakePresenceStore{}
	tr := NewTracker(newTestLogger(), reg, store)

	c1 := NewClient("alice", "s1", 8)
	_, seq1 := reg.Register("alice", c1)

	// Quick reconnect: c2 replaces c1 before c1's disconnect is processed.
	c2 := NewClient("alice", "s2", 8)
	prev, seq2 := reg.Register("alice", c2)

	// Events arrive out of order: the fresher register first.
	tr.WentOnline(context.Background(), "alice", seq2, prev != nil)
	tr.WentOnline(context.Background(), "alice", seq1, false)

	// seq1 lost the race; the user must not be flagged freshly-online again,
	// and the stale event must not write to the store.
	if n := len(store.all()); n != 0 {
		t.Fatalf("stale event wrote to store: %+v", store.all())
	}
}

func TestTracker_WentOfflineWritesLastSeen(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	store := &fakePresenceStore{}
	tr := NewTracker(newTestLogger(), reg, store)

	watcher := NewClient("watcher", "sw", 8)
	reg.Register("watcher", watcher)

	c := NewClient("alice", "s1", 8)
	_, seq := reg.Register("alice", c)
	tr.WentOnline(context.Background(), "alice", seq, false)
	recvType(t, watcher, v1.TypePresence)

	removed, rseq := reg.Remove("alice", c)
	if !removed {
		t.Fatalf("expected removal")
	}
	tr.WentOffline(context.Background(), "alice", rseq)

	writes := store.all()
	last := writes[len(writes)-1]
	if last.online || last.lastSeen.IsZero() {
		t.Fatalf("expected offline write with last-seen, got %+v", last)
	}

	env := recvType(t, watcher, v1.TypePresence)
	var p v1.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if p.Online || p.LastSeen == nil {
		t.Fatalf("offline payload mismatch: %+v", p)
	}
}

func TestTracker_FinalStateWinsUnderChurn(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	store := &fakePresenceStore{}
	tr := NewTracker(newTestLogger(), reg, store)

	ctx := context.Background()

	// Simulate connect/disconnect cycles with concurrent event delivery.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		c := NewClient("alice", "s", 8)
		_, onSeq := reg.Register("alice", c)
		removed, offSeq := reg.Remove("alice", c)
		if !removed {
			t.Fatalf("expected removal in cycle %d", i)
		}

		wg.Add(2)
		go func(seq uint64) {
			defer wg.Done()
			tr.WentOnline(ctx, "alice", seq, false)
		}(onSeq)
		go func(seq uint64) {
			defer wg.Done()
			tr.WentOffline(ctx, "alice", seq)
		}(offSeq)
	}
	wg.Wait()

	writes := store.all()
	if len(writes) == 0 {
		t.Fatalf("expected presence writes")
	}
	// The final registry state is offline; the last applied write must agree.
	if writes[len(writes)-1].online {
		t.Fatalf("final write is online; durable state diverged from registry")
	}
}
