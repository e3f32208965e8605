package realtime

import (
	"context"
	"time"
)

// MessageKind discriminates the message payload.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindAudio MessageKind = "audio"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio:
		return true
	}
	return false
}

// Reaction is one (reactor, emoji) entry on a message. A message holds at
// most one entry per (UserID, Emoji) pair.
type Reaction struct {
	UserID string
	Emoji  string
	At     time.Time
}

// Message is the canonical persisted message representation.
// Exactly one of Text / MediaURL is populated, matching Kind.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	Kind       MessageKind
	Text       string
	MediaURL   string
	ReplyTo    string
	IsRead     bool
	IsEdited   bool
	EditedAt   *time.Time
	CreatedAt  time.Time
	Reactions  []Reaction
}

// User is the slice of the user record the core needs for resolution and
// presence bookkeeping.
type User struct {
	ID       string
	Username string
	IsOnline bool
	LastSeen *time.Time
}

// CreateMessageInput describes a message create request. The store allocates
// the message id.
type CreateMessageInput struct {
	SenderID   string
	ReceiverID string
	Kind       MessageKind
	Text       string
	MediaURL   string
	ReplyTo    string
	Now        time.Time
}

// HistoryInput describes a history window request for the conversation
// between UserID and PeerID. BeforeID pages backwards (exclusive cursor).
type HistoryInput struct {
	UserID   string
	PeerID   string
	BeforeID string
	Limit    int
}

// HistoryResult contains the retrieved window, ordered oldest first.
type HistoryResult struct {
	Messages []Message
	HasMore  bool
}

// ChatStore is the durable-store slice consumed by the core.
//
// Requirements:
//   - ToggleReaction is merge-safe: concurrent toggles by different
//     (user, emoji) pairs never clobber each other's entries. The toggle is
//     keyed by (messageID, userID, emoji) at the storage boundary, not
//     applied as a blind list overwrite.
//   - Mutating operations re-read current state; the store is the
//     serialization point for concurrent invocations on the same message.
//   - Missing messages/users are reported as ErrNotFound.
type ChatStore interface {
	CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)

	// UpdateContent replaces the text of a message and stamps the edit.
	UpdateContent(ctx context.Context, id, text string, now time.Time) (Message, error)

	// ToggleReaction removes the (userID, emoji) entry if present, otherwise
	// appends one at now. It returns the updated message.
	ToggleReaction(ctx context.Context, id, userID, emoji string, now time.Time) (Message, error)

	// MarkRead flips every unread message from senderID to receiverID and
	// returns how many were flipped. Zero matches is not an error.
	MarkRead(ctx context.Context, senderID, receiverID string) (int64, error)

	DeleteMessage(ctx context.Context, id string) error

	History(ctx context.Context, in HistoryInput) (HistoryResult, error)

	// HasContact reports whether a directed contact edge fromID -> toID exists.
	HasContact(ctx context.Context, fromID, toID string) (bool, error)

	GetUser(ctx context.Context, id string) (User, error)

	// SetPresence updates the durable online flag; lastSeen is recorded on
	// the offline transition.
	SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error

	Close() error
}
