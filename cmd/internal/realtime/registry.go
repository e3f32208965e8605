package realtime

import (
	"hash/fnv"
	"sync"
)

// registryShards spreads unrelated users across locks so one user's churn
// never serializes another's traffic.
const registryShards = 32

// Registry maps a user id to at most one live Client handle.
//
// Contract:
//   - Register installs or replaces the handle for a user (single-device policy).
//   - Lookup returns the current snapshot, non-blocking.
//   - Remove only removes the mapping if the stored handle is the supplied one,
//     so a stale disconnect never evicts a fresher reconnect.
//
// Every effective mutation is stamped with a per-user monotonic sequence,
// taken under the shard lock. Consumers (the presence tracker) use it to keep
// durable writes in registry-event order without holding any registry lock
// across I/O.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu      sync.RWMutex
	handles map[string]*Client
	seqs    map[string]uint64
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].handles = make(map[string]*Client)
		r.shards[i].seqs = make(map[string]uint64)
	}
	return r
}

func (r *Registry) shard(userID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.shards[h.Sum32()%registryShards]
}

// Register installs or replaces the live handle for userID. It returns the
// replaced handle (nil if the user had none) and the mutation sequence.
// Callers own closing the replaced handle.
func (r *Registry) Register(userID string, c *Client) (prev *Client, seq uint64) {
	if userID == "" || c == nil {
		return nil, 0
	}

	s := r.shard(userID)
	s.mu.Lock()
	prev = s.handles[userID]
	s.handles[userID] = c
	s.seqs[userID]++
	seq = s.seqs[userID]
	s.mu.Unlock()

	return prev, seq
}

// Lookup returns the current handle for userID, if any.
func (r *Registry) Lookup(userID string) (*Client, bool) {
	if userID == "" {
		return nil, false
	}

	s := r.shard(userID)
	s.mu.RLock()
	c, ok := s.handles[userID]
	s.mu.RUnlock()
	return c, ok
}

// Remove deletes the mapping only if the stored handle is c. It reports
// whether a removal occurred and, when it did, the mutation sequence.
func (r *Registry) Remove(userID string, c *Client) (removed bool, seq uint64) {
	if userID == "" || c == nil {
		return false, 0
	}

	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.handles[userID]
	if !ok || cur != c {
		return false, 0
	}

	delete(s.handles, userID)
	s.seqs[userID]++
	return true, s.seqs[userID]
}

// Snapshot returns the currently registered handles. The slice is a copy;
// handles may close concurrently and pushes to them simply fail.
func (r *Registry) Snapshot() []*Client {
	out := make([]*Client, 0, 64)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, c := range s.handles {
			out = append(out, c)
		}
		s.mu.RUnlock()
	}
	return out
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.handles)
		s.mu.RUnlock()
	}
	return n
}
