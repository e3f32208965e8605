package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is an embedded single-node ChatStore backed by Pebble, for
// deployments without a Postgres. Documents are JSON values; conversation
// ordering piggybacks on ULID message ids via index keys.
//
// Key layout:
//
//	user:<id>                 -> User JSON
//	contact:<from>:<to>       -> 1
//	msg:<id>                  -> Message JSON
//	conv:<a>:<b>:<msg id>     -> (empty), a < b lexicographically
//
// Concurrency model: message and user documents are read-modify-write under
// a striped lock keyed by id, which keeps reaction toggles merge-safe within
// the single process that owns the database.
type PebbleStore struct {
	db      *pebble.DB
	stripes [64]sync.Mutex
}

// NewPebbleStore opens (or creates) a Pebble database at dir.
func NewPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PebbleStore) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.stripes[h.Sum32()%uint32(len(s.stripes))]
}

func userKey(id string) []byte { return []byte("user:" + id) }

func contactKey(from, to string) []byte { return []byte("contact:" + from + ":" + to) }

func msgKey(id string) []byte { return []byte("msg:" + id) }

func convPrefix(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "conv:" + a + ":" + b + ":"
}

// PutUser installs or replaces a user record (provisioning helper).
func (s *PebbleStore) PutUser(u User) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.db.Set(userKey(u.ID), b, pebble.Sync)
}

// PutContactEdge adds a single directed contact edge.
func (s *PebbleStore) PutContactEdge(fromID, toID string) error {
	return s.db.Set(contactKey(fromID, toID), []byte("1"), pebble.Sync)
}

// PutContacts adds both directed edges (accepted request shape).
func (s *PebbleStore) PutContacts(a, b string) error {
	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	if err := batch.Set(contactKey(a, b), []byte("1"), nil); err != nil {
		return err
	}
	if err := batch.Set(contactKey(b, a), []byte("1"), nil); err != nil {
		return err
	}
	return s.db.Apply(batch, pebble.Sync)
}

func (s *PebbleStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
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

	m := Message{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Kind:       in.Kind,
		Text:       in.Text,
		MediaURL:   in.MediaURL,
		ReplyTo:    in.ReplyTo,
		CreatedAt:  now,
	}

	data, err := json.Marshal(m)
	if err != nil {
		return Message{}, err
	}

	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	if err := batch.Set(msgKey(id), data, nil); err != nil {
		return Message{}, err
	}
	idx := convPrefix(in.SenderID, in.ReceiverID) + id
	if err := batch.Set([]byte(idx), nil, nil); err != nil {
		return Message{}, err
	}
	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		return Message{}, err
	}

	return m, nil
}

func (s *PebbleStore) getMessage(id string) (Message, error) {
	v, closer, err := s.db.Get(msgKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = closer.Close() }()

	var m Message
	if err := json.Unmarshal(v, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PebbleStore) putMessage(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Set(msgKey(m.ID), data, pebble.Sync)
}

func (s *PebbleStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	return s.getMessage(id)
}

func (s *PebbleStore) UpdateContent(ctx context.Context, id, text string, now time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	m, err := s.getMessage(id)
	if err != nil {
		return Message{}, err
	}

	ts := now
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	m.Text = text
	m.IsEdited = true
	m.EditedAt = &ts

	if err := s.putMessage(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PebbleStore) ToggleReaction(ctx context.Context, id, userID, emoji string, now time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	m, err := s.getMessage(id)
	if err != nil {
		return Message{}, err
	}

	found := false
	for i, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		ts := now
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		m.Reactions = append(m.Reactions, Reaction{UserID: userID, Emoji: emoji, At: ts})
	}

	if err := s.putMessage(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PebbleStore) MarkRead(ctx context.Context, senderID, receiverID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ids, err := s.convMessageIDs(senderID, receiverID, "", 0)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, id := range ids {
		mu := s.lock(id)
		mu.Lock()
		m, err := s.getMessage(id)
		if err != nil {
			mu.Unlock()
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return n, err
		}
		if m.SenderID == senderID && m.ReceiverID == receiverID && !m.IsRead {
			m.IsRead = true
			if err := s.putMessage(m); err != nil {
				mu.Unlock()
				return n, err
			}
			n++
		}
		mu.Unlock()
	}
	return n, nil
}

func (s *PebbleStore) DeleteMessage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	m, err := s.getMessage(id)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	if err := batch.Delete(msgKey(id), nil); err != nil {
		return err
	}
	idx := convPrefix(m.SenderID, m.ReceiverID) + id
	if err := batch.Delete([]byte(idx), nil); err != nil {
		return err
	}
	return s.db.Apply(batch, pebble.Sync)
}

func (s *PebbleStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
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

	ids, err := s.convMessageIDs(in.UserID, in.PeerID, in.BeforeID, limit+1)
	if err != nil {
		return HistoryResult{}, err
	}

	hasMore := len(ids) > limit
	if hasMore {
		ids = ids[1:]
	}

	msgs := make([]Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.getMessage(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return HistoryResult{}, err
		}
		msgs = append(msgs, m)
	}

	return HistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// convMessageIDs returns message ids for the conversation, oldest first.
// When max > 0, only the newest max ids below beforeID are returned.
func (s *PebbleStore) convMessageIDs(a, b, beforeID string, max int) ([]string, error) {
	prefix := convPrefix(a, b)

	upper := prefix + "\xff"
	if beforeID != "" {
		upper = prefix + beforeID // exclusive bound pages strictly older
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(upper),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	var ids []string
	if max > 0 {
		for ok := iter.Last(); ok && len(ids) < max; ok = iter.Prev() {
			ids = append(ids, string(iter.Key()[len(prefix):]))
		}
		// Collected newest-first; flip to oldest-first.
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
	} else {
		for ok := iter.First(); ok; ok = iter.Next() {
			ids = append(ids, string(iter.Key()[len(prefix):]))
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PebbleStore) HasContact(ctx context.Context, fromID, toID string) (bool, error) {
	if fromID == "" || toID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, closer, err := s.db.Get(contactKey(fromID, toID))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = closer.Close()
	return true, nil
}

func (s *PebbleStore) GetUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	v, closer, err := s.db.Get(userKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	defer func() { _ = closer.Close() }()

	var u User
	if err := json.Unmarshal(v, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *PebbleStore) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mu := s.lock("user:" + userID)
	mu.Lock()
	defer mu.Unlock()

	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	u.IsOnline = online
	if !online {
		ts := lastSeen
		u.LastSeen = &ts
	}
	return s.PutUser(u)
}
