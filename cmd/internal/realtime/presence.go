package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	v1 "courier/shared/contracts/chat/v1"
)

// PresenceStore is the durable-store slice the tracker writes through.
type PresenceStore interface {
	SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error
}

// Tracker derives online/offline transitions from registry events.
//
// Ordering model: every registry mutation carries a per-user sequence. The
// tracker serializes durable writes per user and discards any event older
// than the last applied one, so a rapid reconnect/disconnect always leaves
// the stored flag matching the final registry state. Fan-out is best-effort:
// a failed push is counted, never retried, and never rolls back the write.
type Tracker struct {
	log   *slog.Logger
	reg   *Registry
	store PresenceStore

	mu    sync.Mutex
	users map[string]*presenceState
}

type presenceState struct {
	mu      sync.Mutex
	applied uint64
}

// NewTracker constructs a presence Tracker.
func NewTracker(log *slog.Logger, reg *Registry, store PresenceStore) *Tracker {
	return &Tracker{
		log:   log,
		reg:   reg,
		store: store,
		users: make(map[string]*presenceState),
	}
}

func (t *Tracker) state(userID string) *presenceState {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.users[userID]
	if st == nil {
		st = &presenceState{}
		t.users[userID] = st
	}
	return st
}

// WentOnline handles a register event. replaced is true when the register
// evicted an older handle; the user was already online then, so only the
// sequence is recorded.
func (t *Tracker) WentOnline(ctx context.Context, userID string, seq uint64, replaced bool) {
	if userID == "" || seq == 0 {
		return
	}

	st := t.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if seq <= st.applied {
		return
	}
	st.applied = seq

	if replaced {
		return
	}

	if err := t.store.SetPresence(ctx, userID, true, time.Time{}); err != nil {
		// Presence is advisory; log and keep broadcasting.
		t.log.Warn("presence.store.fail", "user_id", userID, "online", true, "err", err)
	}

	t.broadcast(userID, v1.PresencePayload{UserID: userID, Online: true})
}

// WentOffline handles an effective remove event and records last-seen.
func (t *Tracker) WentOffline(ctx context.Context, userID string, seq uint64) {
	if userID == "" || seq == 0 {
		return
	}

	st := t.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if seq <= st.applied {
		return
	}
	st.applied = seq

	lastSeen := time.Now().UTC()
	if err := t.store.SetPresence(ctx, userID, false, lastSeen); err != nil {
		t.log.Warn("presence.store.fail", "user_id", userID, "online", false, "err", err)
	}

	t.broadcast(userID, v1.PresencePayload{UserID: userID, Online: false, LastSeen: &lastSeen})
}

// broadcast fans the transition out to every other registered handle.
// Non-blocking: full queues and closing clients are skipped.
func (t *Tracker) broadcast(userID string, p v1.PresencePayload) {
	env := mustEnvelope(v1.TypePresence, p, time.Now().UTC())

	for _, c := range t.reg.Snapshot() {
		if c == nil || c.UserID == userID {
			continue
		}
		if !c.TryPush(env) {
			metricPushDropsTotal.Inc()
			continue
		}
		metricPresenceBroadcastsTotal.Inc()
	}
}
