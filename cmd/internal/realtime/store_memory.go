package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a dev/test ChatStore. A single mutex is the serialization
// point, which makes every mutation trivially merge-safe.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]User
	contacts map[string]map[string]struct{} // from -> set of to
	msgs     map[string]*Message
	order    []string // message ids in creation order (ULID ascending)
}

// NewMemoryStore constructs an empty in-memory ChatStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]User),
		contacts: make(map[string]map[string]struct{}),
		msgs:     make(map[string]*Message),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// PutUser installs or replaces a user record.
func (s *MemoryStore) PutUser(u User) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

// PutContactEdge adds a single directed contact edge (pending request shape).
func (s *MemoryStore) PutContactEdge(fromID, toID string) {
	s.mu.Lock()
	s.addEdgeLocked(fromID, toID)
	s.mu.Unlock()
}

// PutContacts adds both directed edges atomically (accepted request shape).
func (s *MemoryStore) PutContacts(a, b string) {
	s.mu.Lock()
	s.addEdgeLocked(a, b)
	s.addEdgeLocked(b, a)
	s.mu.Unlock()
}

func (s *MemoryStore) addEdgeLocked(fromID, toID string) {
	set := s.contacts[fromID]
	if set == nil {
		set = make(map[string]struct{})
		s.contacts[fromID] = set
	}
	set[toID] = struct{}{}
}

func (s *MemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if in.SenderID == "" || in.ReceiverID == "" || !in.Kind.Valid() {
		return Message{}, fmt.Errorf("%w: create message", ErrBadInput)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := &Message{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Kind:       in.Kind,
		Text:       in.Text,
		MediaURL:   in.MediaURL,
		ReplyTo:    in.ReplyTo,
		CreatedAt:  now,
	}
	s.msgs[id] = m
	s.order = append(s.order, id)

	return cloneMessage(m), nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) UpdateContent(ctx context.Context, id, text string, now time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return Message{}, ErrNotFound
	}

	ts := now
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	m.Text = text
	m.IsEdited = true
	m.EditedAt = &ts

	return cloneMessage(m), nil
}

func (s *MemoryStore) ToggleReaction(ctx context.Context, id, userID, emoji string, now time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return Message{}, ErrNotFound
	}

	for i, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return cloneMessage(m), nil
		}
	}

	ts := now
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	m.Reactions = append(m.Reactions, Reaction{UserID: userID, Emoji: emoji, At: ts})

	return cloneMessage(m), nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, senderID, receiverID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.msgs {
		if m.SenderID == senderID && m.ReceiverID == receiverID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.msgs[id]; !ok {
		return ErrNotFound
	}
	delete(s.msgs, id)
	for i, mid := range s.order {
		if mid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if in.UserID == "" || in.PeerID == "" {
		return HistoryResult{}, fmt.Errorf("%w: history", ErrBadInput)
	}
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := make([]*Message, 0, 64)
	for _, id := range s.order {
		if in.BeforeID != "" && id >= in.BeforeID {
			continue
		}
		m := s.msgs[id]
		if (m.SenderID == in.UserID && m.ReceiverID == in.PeerID) ||
			(m.SenderID == in.PeerID && m.ReceiverID == in.UserID) {
			conv = append(conv, m)
		}
	}

	start := len(conv) - limit
	hasMore := start > 0
	if start < 0 {
		start = 0
	}

	out := make([]Message, 0, len(conv)-start)
	for _, m := range conv[start:] {
		out = append(out, cloneMessage(m))
	}

	return HistoryResult{Messages: out, HasMore: hasMore}, nil
}

func (s *MemoryStore) HasContact(ctx context.Context, fromID, toID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.contacts[fromID]
	if set == nil {
		return false, nil
	}
	_, ok := set[toID]
	return ok, nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.IsOnline = online
	if !online {
		ts := lastSeen
		u.LastSeen = &ts
	}
	s.users[userID] = u
	return nil
}

func cloneMessage(m *Message) Message {
	out := *m
	if m.EditedAt != nil {
		ts := *m.EditedAt
		out.EditedAt = &ts
	}
	if len(m.Reactions) > 0 {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	} else {
		out.Reactions = nil
	}
	return out
}
