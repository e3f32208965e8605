package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "courier/shared/contracts/chat/v1"
)

// Router validates, persists and pushes the four mutating message
// operations plus sender-initiated delete and history retrieval.
//
// Ordering rules:
//   - Persistence always happens before any push; a store failure means no
//     push implying the write succeeded.
//   - Registry lookups are taken immediately before the push step, never
//     held across store I/O, so a slow write cannot stall unrelated traffic.
//   - Pushes are best-effort, non-blocking; drops are counted and logged.
type Router struct {
	log   *slog.Logger
	store ChatStore
	reg   *Registry
}

// NewRouter constructs a message Router.
func NewRouter(log *slog.Logger, store ChatStore, reg *Registry) *Router {
	return &Router{log: log, store: store, reg: reg}
}

// SendInput describes a message send request.
type SendInput struct {
	ClientMsgID string
	ReceiverID  string
	Kind        MessageKind
	Text        string
	MediaURL    string
	ReplyTo     string
}

// Send validates the contact edge and reply target, persists a new message
// and pushes the resolved message to the sender (send-confirmation) and,
// when live, to the receiver (receive-notification). An offline receiver is
// not an error; the message stays durably queryable via History.
func (r *Router) Send(ctx context.Context, senderID string, in SendInput) error {
	if err := validateSendInput(in); err != nil {
		return err
	}
	in.Text = strings.TrimSpace(in.Text)
	in.MediaURL = strings.TrimSpace(in.MediaURL)

	ok, err := r.store.HasContact(ctx, senderID, in.ReceiverID)
	if err != nil {
		return fmt.Errorf("contact lookup: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: no contact edge %s -> %s", ErrForbidden, senderID, in.ReceiverID)
	}

	if in.ReplyTo != "" {
		if _, err := r.store.GetMessage(ctx, in.ReplyTo); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: reply target %s", ErrInvalidReference, in.ReplyTo)
			}
			return fmt.Errorf("reply lookup: %w", err)
		}
	}

	now := time.Now().UTC()
	stored, err := r.store.CreateMessage(ctx, CreateMessageInput{
		SenderID:   senderID,
		ReceiverID: in.ReceiverID,
		Kind:       in.Kind,
		Text:       in.Text,
		MediaURL:   in.MediaURL,
		ReplyTo:    in.ReplyTo,
		Now:        now,
	})
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	resolved := r.resolve(ctx, stored)

	ack := resolved
	ack.ClientMsgID = in.ClientMsgID
	r.push(senderID, mustEnvelope(v1.TypeMessageAck, ack, now))
	r.push(in.ReceiverID, mustEnvelope(v1.TypeMessageNew, resolved, now))
	return nil
}

// Edit replaces the text of an own text message and pushes the updated
// resolved message to both participants.
func (r *Router) Edit(ctx context.Context, actorID, messageID, text string) error {
	text = strings.TrimSpace(text)
	if messageID == "" || text == "" {
		return fmt.Errorf("%w: edit needs message_id and text", ErrBadInput)
	}
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("%w: text too long: max=%d chars", ErrBadInput, maxMessageChars)
	}

	m, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != actorID {
		return fmt.Errorf("%w: only the sender may edit", ErrForbidden)
	}
	if m.Kind != KindText {
		return fmt.Errorf("%w: cannot edit %s message", ErrInvalidState, m.Kind)
	}

	now := time.Now().UTC()
	updated, err := r.store.UpdateContent(ctx, messageID, text, now)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}

	resolved := r.resolve(ctx, updated)
	r.push(updated.SenderID, mustEnvelope(v1.TypeMessageEdited, resolved, now))
	r.push(updated.ReceiverID, mustEnvelope(v1.TypeMessageEdited, resolved, now))
	return nil
}

// ToggleReaction flips the (actor, emoji) reaction on a message and pushes
// the updated resolved message to both participants. The actor is not
// necessarily the sender. Repeated calls alternately add and remove.
func (r *Router) ToggleReaction(ctx context.Context, actorID, messageID, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if messageID == "" || emoji == "" {
		return fmt.Errorf("%w: toggle needs message_id and emoji", ErrBadInput)
	}
	if len([]rune(emoji)) > maxEmojiChars {
		return fmt.Errorf("%w: emoji too long", ErrBadInput)
	}

	now := time.Now().UTC()
	updated, err := r.store.ToggleReaction(ctx, messageID, actorID, emoji, now)
	if err != nil {
		return err
	}

	resolved := r.resolve(ctx, updated)
	r.push(updated.SenderID, mustEnvelope(v1.TypeReactionUpdated, resolved, now))
	r.push(updated.ReceiverID, mustEnvelope(v1.TypeReactionUpdated, resolved, now))
	return nil
}

// MarkRead bulk-transitions every unread message from peerID to readerID and,
// when anything changed and the peer is live, pushes a read receipt to the
// peer. No event goes to the reader.
func (r *Router) MarkRead(ctx context.Context, readerID, peerID string) error {
	if readerID == "" || peerID == "" {
		return fmt.Errorf("%w: mark read needs a peer", ErrBadInput)
	}

	n, err := r.store.MarkRead(ctx, peerID, readerID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n == 0 {
		return nil
	}

	now := time.Now().UTC()
	r.push(peerID, mustEnvelope(v1.TypeReadReceipt, v1.ReadReceiptPayload{
		ReaderID: readerID,
		PeerID:   peerID,
		Count:    n,
	}, now))
	return nil
}

// Delete removes an own message and pushes a deletion notice to both
// participants.
func (r *Router) Delete(ctx context.Context, actorID, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("%w: delete needs message_id", ErrBadInput)
	}

	m, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != actorID {
		return fmt.Errorf("%w: only the sender may delete", ErrForbidden)
	}

	if err := r.store.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	now := time.Now().UTC()
	note := v1.MessageDeletedPayload{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
	}
	r.push(m.SenderID, mustEnvelope(v1.TypeMessageDeleted, note, now))
	r.push(m.ReceiverID, mustEnvelope(v1.TypeMessageDeleted, note, now))
	return nil
}

// History returns a resolved window of the conversation between userID and
// peerID, oldest first, paged backwards by message id.
func (r *Router) History(ctx context.Context, userID, peerID, beforeID string, limit int) (v1.HistoryChunkPayload, error) {
	if userID == "" || peerID == "" {
		return v1.HistoryChunkPayload{}, fmt.Errorf("%w: history needs a peer", ErrBadInput)
	}

	out, err := r.store.History(ctx, HistoryInput{
		UserID:   userID,
		PeerID:   peerID,
		BeforeID: beforeID,
		Limit:    limit,
	})
	if err != nil {
		return v1.HistoryChunkPayload{}, fmt.Errorf("history: %w", err)
	}

	msgs := make([]v1.MessagePayload, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, r.resolve(ctx, m))
	}

	return v1.HistoryChunkPayload{
		PeerID:   peerID,
		Messages: msgs,
		HasMore:  out.HasMore,
	}, nil
}

// ---- resolution ----

// resolve expands a stored message into display-ready form. Name and reply
// lookups are best-effort: a missing row degrades to bare ids rather than
// failing an operation whose write already happened.
func (r *Router) resolve(ctx context.Context, m Message) v1.MessagePayload {
	p := v1.MessagePayload{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Kind:       string(m.Kind),
		Text:       m.Text,
		MediaURL:   m.MediaURL,
		IsRead:     m.IsRead,
		IsEdited:   m.IsEdited,
		EditedAt:   m.EditedAt,
		CreatedAt:  m.CreatedAt,
	}

	if u, err := r.store.GetUser(ctx, m.SenderID); err == nil {
		p.SenderName = u.Username
	}
	if u, err := r.store.GetUser(ctx, m.ReceiverID); err == nil {
		p.ReceiverName = u.Username
	}

	if m.ReplyTo != "" {
		if target, err := r.store.GetMessage(ctx, m.ReplyTo); err == nil {
			p.ReplyTo = &v1.ReplySummary{
				MessageID: target.ID,
				SenderID:  target.SenderID,
				Kind:      string(target.Kind),
				Preview:   previewText(target),
			}
		} else {
			// Deleted reply target: keep the id so clients can render a stub.
			p.ReplyTo = &v1.ReplySummary{MessageID: m.ReplyTo}
		}
	}

	for _, re := range m.Reactions {
		p.Reactions = append(p.Reactions, v1.ReactionEntry{
			UserID: re.UserID,
			Emoji:  re.Emoji,
			At:     re.At,
		})
	}

	return p
}

const replyPreviewChars = 80

func previewText(m Message) string {
	if m.Kind != KindText {
		return ""
	}
	runes := []rune(m.Text)
	if len(runes) <= replyPreviewChars {
		return m.Text
	}
	return string(runes[:replyPreviewChars]) + "…"
}

// push delivers an envelope to userID's live handle, if any. The lookup
// happens here, immediately before delivery.
func (r *Router) push(userID string, env v1.Envelope) {
	c, ok := r.reg.Lookup(userID)
	if !ok {
		return
	}
	if !c.TryPush(env) {
		metricPushDropsTotal.Inc()
		r.log.Warn("router.push.drop", "user_id", userID, "type", env.Type)
	}
}

func validateSendInput(in SendInput) error {
	if in.ReceiverID == "" {
		return fmt.Errorf("%w: missing receiver_id", ErrBadInput)
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrBadInput, in.Kind)
	}

	text := strings.TrimSpace(in.Text)
	media := strings.TrimSpace(in.MediaURL)

	switch in.Kind {
	case KindText:
		if text == "" {
			return fmt.Errorf("%w: empty text", ErrBadInput)
		}
		if media != "" {
			return fmt.Errorf("%w: text message must not carry media_url", ErrBadInput)
		}
		if len([]rune(text)) > maxMessageChars {
			return fmt.Errorf("%w: text too long: max=%d chars", ErrBadInput, maxMessageChars)
		}
	case KindImage, KindAudio:
		if media == "" {
			return fmt.Errorf("%w: %s message needs media_url", ErrBadInput, in.Kind)
		}
		if text != "" {
			return fmt.Errorf("%w: %s message must not carry text", ErrBadInput, in.Kind)
		}
		if len(media) > maxMediaURLBytes {
			return fmt.Errorf("%w: media_url too long", ErrBadInput)
		}
	}

	return nil
}
