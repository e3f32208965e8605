// Package v1 defines the Courier Chat Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello is the explicit went-online signal sent by the client
	// immediately after the handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges session establishment (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck is the send-confirmation carrying the resolved message
	// (server -> sender).
	TypeMessageAck = "message_ack"
	// TypeMessageNew is the receive-notification for a new message
	// (server -> receiver).
	TypeMessageNew = "message_new"

	// TypeMessageEdit requests editing a text message (client -> server).
	TypeMessageEdit = "message_edit"
	// TypeMessageEdited pushes the updated resolved message after an edit
	// (server -> both participants).
	TypeMessageEdited = "message_edited"

	// TypeReactionToggle toggles an (actor, emoji) reaction (client -> server).
	TypeReactionToggle = "reaction_toggle"
	// TypeReactionUpdated pushes the updated resolved message after a toggle
	// (server -> both participants).
	TypeReactionUpdated = "reaction_updated"

	// TypeReadMark bulk-marks messages from a peer as read (client -> server).
	TypeReadMark = "read_mark"
	// TypeReadReceipt notifies the original sender that their messages were
	// read (server -> sender).
	TypeReadReceipt = "read_receipt"

	// TypeMessageDelete requests deleting an own message (client -> server).
	TypeMessageDelete = "message_delete"
	// TypeMessageDeleted pushes a deletion notice (server -> both participants).
	TypeMessageDeleted = "message_deleted"

	// TypeHistoryFetch requests a history window with a peer (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a window of history (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeTypingStart and TypeTypingStop relay ephemeral typing signals in
	// both directions. Nothing is persisted.
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"

	// TypePresence announces an online/offline transition
	// (server -> all other connected clients).
	TypePresence = "presence"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Message kinds (wire-stable).
const (
	KindText  = "text"
	KindImage = "image"
	KindAudio = "audio"
)

// Error codes carried by ErrorPayload (wire-stable).
const (
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeInvalidState     = "invalid_state"
	CodeInvalidReference = "invalid_reference"
	CodeUnauthorized     = "unauthorized"
	CodeBadEnvelope      = "bad_envelope"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeMessageEdit,
		TypeMessageEdited,
		TypeReactionToggle,
		TypeReactionUpdated,
		TypeReadMark,
		TypeReadReceipt,
		TypeMessageDelete,
		TypeMessageDeleted,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeTypingStart,
		TypeTypingStop,
		TypePresence,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is the explicit went-online signal. Identity is established at
// the HTTP upgrade, so the payload carries nothing today.
type HelloPayload struct{}

// HelloAckPayload confirms registration of the live handle.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// MessageSendPayload requests sending a message to a contact.
// Exactly one of Text / MediaURL must be populated, matching Kind.
type MessageSendPayload struct {
	ClientMsgID string `json:"client_msg_id"`
	ReceiverID  string `json:"receiver_id"`
	Kind        string `json:"kind"`
	Text        string `json:"text,omitempty"`
	MediaURL    string `json:"media_url,omitempty"`
	ReplyTo     string `json:"reply_to,omitempty"`
}

// MessageEditPayload requests replacing the text of an own text message.
type MessageEditPayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// ReactionTogglePayload toggles the (caller, emoji) reaction on a message.
type ReactionTogglePayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// ReadMarkPayload marks every unread message from PeerID to the caller as read.
type ReadMarkPayload struct {
	PeerID string `json:"peer_id"`
}

// MessageDeletePayload requests deleting an own message.
type MessageDeletePayload struct {
	MessageID string `json:"message_id"`
}

// HistoryFetchPayload requests a window of the conversation with PeerID.
// BeforeID pages backwards through ULID-ordered message ids.
type HistoryFetchPayload struct {
	PeerID   string `json:"peer_id"`
	BeforeID string `json:"before_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// TypingPayload carries typing signals. Inbound events set To; outbound
// relays set From.
type TypingPayload struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// PresencePayload announces an online/offline transition.
type PresencePayload struct {
	UserID   string     `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// ReadReceiptPayload tells the original sender who read their messages.
type ReadReceiptPayload struct {
	ReaderID string `json:"reader_id"`
	PeerID   string `json:"peer_id"`
	Count    int64  `json:"count"`
}

// ReactionEntry is one (reactor, emoji) reaction on a message.
type ReactionEntry struct {
	UserID string    `json:"user_id"`
	Emoji  string    `json:"emoji"`
	At     time.Time `json:"at"`
}

// ReplySummary is the display-ready expansion of a reply target.
type ReplySummary struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Kind      string `json:"kind"`
	Preview   string `json:"preview,omitempty"`
}

// MessagePayload is a resolved message: sender, receiver, reply target and
// reactions expanded into display-ready form. It is the payload of
// message_ack, message_new, message_edited and reaction_updated.
type MessagePayload struct {
	MessageID    string          `json:"message_id"`
	ClientMsgID  string          `json:"client_msg_id,omitempty"`
	SenderID     string          `json:"sender_id"`
	SenderName   string          `json:"sender_name,omitempty"`
	ReceiverID   string          `json:"receiver_id"`
	ReceiverName string          `json:"receiver_name,omitempty"`
	Kind         string          `json:"kind"`
	Text         string          `json:"text,omitempty"`
	MediaURL     string          `json:"media_url,omitempty"`
	ReplyTo      *ReplySummary   `json:"reply_to,omitempty"`
	IsRead       bool            `json:"is_read"`
	IsEdited     bool            `json:"is_edited"`
	EditedAt     *time.Time      `json:"edited_at,omitempty"`
	Reactions    []ReactionEntry `json:"reactions,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// MessageDeletedPayload announces a sender-initiated deletion.
type MessageDeletedPayload struct {
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
}

// HistoryChunkPayload returns messages for a history fetch request,
// ordered oldest first.
type HistoryChunkPayload struct {
	PeerID   string           `json:"peer_id"`
	Messages []MessagePayload `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
