// Package realtime contains Courier's realtime delivery core: the session
// registry, presence tracker, message router, typing signaler, the chat
// store implementations and the WebSocket gateway.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a ChatStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Reaction toggles are a transactional conditional delete-else-insert
//     keyed by (message_id, user_id, emoji); concurrent toggles by different
//     pairs merge at the row level instead of overwriting a list.
//   - Read flags flip in a single bulk UPDATE.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "courier").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed ChatStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "courier",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `id, sender_id, receiver_id, kind, text_content, media_url, reply_to, is_read, is_edited, edited_at, created_at`

func (s *PostgresStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("realtime: nil store")
	}
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

	messages := pgIdent(s.schema, "messages")

	var replyTo *string
	if in.ReplyTo != "" {
		replyTo = &in.ReplyTo
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, sender_id, receiver_id, kind, text_content, media_url, reply_to, is_read, is_edited, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, FALSE, $8)`,
		id, in.SenderID, in.ReceiverID, string(in.Kind), in.Text, in.MediaURL, replyTo, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return Message{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Kind:       in.Kind,
		Text:       in.Text,
		MediaURL:   in.MediaURL,
		ReplyTo:    in.ReplyTo,
		CreatedAt:  now,
	}, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	messages := pgIdent(s.schema, "messages")

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}

	reactions, err := s.loadReactions(ctx, []string{id})
	if err != nil {
		return Message{}, err
	}
	m.Reactions = reactions[id]
	return m, nil
}

func (s *PostgresStore) UpdateContent(ctx context.Context, id, text string, now time.Time) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	messages := pgIdent(s.schema, "messages")

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET text_content = $2,
		        is_edited = TRUE,
		        edited_at = $3
		  WHERE id = $1
		RETURNING `+messageColumns,
		id, text, now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}

	reactions, err := s.loadReactions(ctx, []string{id})
	if err != nil {
		return Message{}, err
	}
	m.Reactions = reactions[id]
	return m, nil
}

func (s *PostgresStore) ToggleReaction(ctx context.Context, id, userID, emoji string, now time.Time) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")
	reactions := pgIdent(s.schema, "reactions")

	m, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+reactions+` WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		id, userID, emoji,
	)
	if err != nil {
		return Message{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+reactions+` (message_id, user_id, emoji, created_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (message_id, user_id, emoji) DO NOTHING`,
			id, userID, emoji, now,
		); err != nil {
			return Message{}, err
		}
	}

	rows, err := tx.Query(ctx,
		`SELECT user_id, emoji, created_at FROM `+reactions+`
		  WHERE message_id = $1
		  ORDER BY created_at, emoji`,
		id,
	)
	if err != nil {
		return Message{}, err
	}
	m.Reactions, err = collectReactions(rows)
	if err != nil {
		return Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, senderID, receiverID string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET is_read = TRUE
		  WHERE sender_id = $1 AND receiver_id = $2 AND is_read = FALSE`,
		senderID, receiverID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")
	reactions := pgIdent(s.schema, "reactions")

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+reactions+` WHERE message_id = $1`, id,
	); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM `+messages+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if s == nil || s.pool == nil {
		return HistoryResult{}, errors.New("realtime: nil store")
	}
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
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)

	// ULID ids order chronologically; paging keys off the id itself.
	if in.BeforeID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE (sender_id = $1 AND receiver_id = $2)
			     OR (sender_id = $2 AND receiver_id = $1)
			  ORDER BY id DESC
			  LIMIT $3`,
			in.UserID, in.PeerID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE ((sender_id = $1 AND receiver_id = $2)
			     OR (sender_id = $2 AND receiver_id = $1))
			    AND id < $3
			  ORDER BY id DESC
			  LIMIT $4`,
			in.UserID, in.PeerID, in.BeforeID, fetch,
		)
	}
	if err != nil {
		return HistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return HistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return HistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	// Reverse DESC fetch into oldest-first order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	if len(msgs) > 0 {
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		reactions, err := s.loadReactions(ctx, ids)
		if err != nil {
			return HistoryResult{}, err
		}
		for i := range msgs {
			msgs[i].Reactions = reactions[msgs[i].ID]
		}
	}

	return HistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

func (s *PostgresStore) HasContact(ctx context.Context, fromID, toID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("realtime: nil store")
	}
	if fromID == "" || toID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	contacts := pgIdent(s.schema, "contacts")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+contacts+` WHERE user_id = $1 AND contact_id = $2`,
		fromID, toID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	if s == nil || s.pool == nil {
		return User{}, errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	users := pgIdent(s.schema, "users")

	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, is_online, last_seen FROM `+users+` WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Username, &u.IsOnline, &u.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	users := pgIdent(s.schema, "users")

	if online {
		_, err := s.pool.Exec(ctx,
			`UPDATE `+users+` SET is_online = TRUE WHERE id = $1`, userID)
		return err
	}

	_, err := s.pool.Exec(ctx,
		`UPDATE `+users+` SET is_online = FALSE, last_seen = $2 WHERE id = $1`,
		userID, lastSeen)
	return err
}

// ---- scanning helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m       Message
		kind    string
		replyTo *string
	)
	err := row.Scan(
		&m.ID,
		&m.SenderID,
		&m.ReceiverID,
		&kind,
		&m.Text,
		&m.MediaURL,
		&replyTo,
		&m.IsRead,
		&m.IsEdited,
		&m.EditedAt,
		&m.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	m.Kind = MessageKind(kind)
	if replyTo != nil {
		m.ReplyTo = *replyTo
	}
	return m, nil
}

func (s *PostgresStore) loadReactions(ctx context.Context, messageIDs []string) (map[string][]Reaction, error) {
	reactions := pgIdent(s.schema, "reactions")

	rows, err := s.pool.Query(ctx,
		`SELECT message_id, user_id, emoji, created_at FROM `+reactions+`
		  WHERE message_id = ANY($1)
		  ORDER BY created_at, emoji`,
		messageIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]Reaction)
	for rows.Next() {
		var (
			msgID string
			r     Reaction
		)
		if err := rows.Scan(&msgID, &r.UserID, &r.Emoji, &r.At); err != nil {
			return nil, err
		}
		out[msgID] = append(out[msgID], r)
	}
	return out, rows.Err()
}

func collectReactions(rows pgx.Rows) ([]Reaction, error) {
	defer rows.Close()

	var out []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.UserID, &r.Emoji, &r.At); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
