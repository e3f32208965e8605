package realtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when COURIER_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_MessageLifecycle(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplyTestSchema(t, pool, schema)

	store := mustNewPGStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	alice := "it-alice-" + randomHexT(t, 4)
	bob := "it-bob-" + randomHexT(t, 4)
	mustSeedPGUsers(t, pool, schema, alice, bob)

	ok, err := store.HasContact(ctx, alice, bob)
	if err != nil {
		t.Fatalf("has contact: %v", err)
	}
	if !ok {
		t.Fatalf("expected seeded contact edge")
	}

	m, err := store.CreateMessage(ctx, CreateMessageInput{
		SenderID:   alice,
		ReceiverID: bob,
		Kind:       KindText,
		Text:       "hello",
		Now:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text != "hello" || got.IsRead || got.IsEdited {
		t.Fatalf("get mismatch: %+v", got)
	}

	updated, err := store.UpdateContent(ctx, m.ID, "hello again", time.Now().UTC())
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Text != "hello again" || !updated.IsEdited || updated.EditedAt == nil {
		t.Fatalf("update mismatch: %+v", updated)
	}

	// Toggle on, then off, then on again from a second actor.
	r1, err := store.ToggleReaction(ctx, m.ID, bob, "👍", time.Now().UTC())
	if err != nil {
		t.Fatalf("toggle add: %v", err)
	}
	if len(r1.Reactions) != 1 {
		t.Fatalf("toggle add mismatch: %+v", r1.Reactions)
	}
	r2, err := store.ToggleReaction(ctx, m.ID, bob, "👍", time.Now().UTC())
	if err != nil {
		t.Fatalf("toggle remove: %v", err)
	}
	if len(r2.Reactions) != 0 {
		t.Fatalf("toggle remove mismatch: %+v", r2.Reactions)
	}

	n, err := store.MarkRead(ctx, alice, bob)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n != 1 {
		t.Fatalf("mark read: expected 1 got %d", n)
	}

	if err := store.DeleteMessage(ctx, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetMessage(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPostgresStore_HistoryPaging(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplyTestSchema(t, pool, schema)

	store := mustNewPGStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	alice := "it-alice-" + randomHexT(t, 4)
	bob := "it-bob-" + randomHexT(t, 4)
	mustSeedPGUsers(t, pool, schema, alice, bob)

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := store.CreateMessage(ctx, CreateMessageInput{
			SenderID:   alice,
			ReceiverID: bob,
			Kind:       KindText,
			Text:       fmt.Sprintf("m%d", i),
			Now:        time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, m.ID)
	}

	out1, err := store.History(ctx, HistoryInput{UserID: bob, PeerID: alice, Limit: 3})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(out1.Messages) != 3 || !out1.HasMore {
		t.Fatalf("page 1 mismatch: n=%d has_more=%v", len(out1.Messages), out1.HasMore)
	}
	if out1.Messages[0].ID != ids[2] || out1.Messages[2].ID != ids[4] {
		t.Fatalf("page 1 order mismatch")
	}

	out2, err := store.History(ctx, HistoryInput{
		UserID:   bob,
		PeerID:   alice,
		BeforeID: out1.Messages[0].ID,
		Limit:    3,
	})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(out2.Messages) != 2 || out2.HasMore {
		t.Fatalf("page 2 mismatch: n=%d has_more=%v", len(out2.Messages), out2.HasMore)
	}
	if out2.Messages[0].ID != ids[0] || out2.Messages[1].ID != ids[1] {
		t.Fatalf("page 2 order mismatch")
	}
}

func TestPostgresStore_Presence(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplyTestSchema(t, pool, schema)

	store := mustNewPGStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	alice := "it-alice-" + randomHexT(t, 4)
	bob := "it-bob-" + randomHexT(t, 4)
	mustSeedPGUsers(t, pool, schema, alice, bob)

	if err := store.SetPresence(ctx, alice, true, time.Time{}); err != nil {
		t.Fatalf("set online: %v", err)
	}
	u, err := store.GetUser(ctx, alice)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !u.IsOnline {
		t.Fatalf("expected online")
	}

	seen := time.Now().UTC()
	if err := store.SetPresence(ctx, alice, false, seen); err != nil {
		t.Fatalf("set offline: %v", err)
	}
	u, err = store.GetUser(ctx, alice)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.IsOnline || u.LastSeen == nil {
		t.Fatalf("expected offline with last-seen, got %+v", u)
	}
}

// ---- test helpers ----

func randomHexT(t *testing.T, n int) string {
	t.Helper()

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("random: %v", err)
	}
	return hex.EncodeToString(b)
}

func mustNewPGStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("COURIER_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: COURIER_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse COURIER_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "courier_it_" + randomHexT(t, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplyTestSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	users := pgIdent(schema, "users")
	contacts := pgIdent(schema, "contacts")
	messages := pgIdent(schema, "messages")
	reactions := pgIdent(schema, "reactions")

	// Minimal schema required by PostgresStore.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id        TEXT PRIMARY KEY,
  username  TEXT NOT NULL DEFAULT '',
  is_online BOOLEAN NOT NULL DEFAULT FALSE,
  last_seen TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS %s (
  user_id    TEXT NOT NULL REFERENCES %s(id),
  contact_id TEXT NOT NULL REFERENCES %s(id),
  PRIMARY KEY (user_id, contact_id)
);

CREATE TABLE IF NOT EXISTS %s (
  id           TEXT PRIMARY KEY,
  sender_id    TEXT NOT NULL,
  receiver_id  TEXT NOT NULL,
  kind         TEXT NOT NULL CHECK (kind IN ('text', 'image', 'audio')),
  text_content TEXT NOT NULL DEFAULT '',
  media_url    TEXT NOT NULL DEFAULT '',
  reply_to     TEXT,
  is_read      BOOLEAN NOT NULL DEFAULT FALSE,
  is_edited    BOOLEAN NOT NULL DEFAULT FALSE,
  edited_at    TIMESTAMPTZ,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_pair ON %s (sender_id, receiver_id, id);

CREATE TABLE IF NOT EXISTS %s (
  message_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id    TEXT NOT NULL,
  emoji      TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (message_id, user_id, emoji)
);
`, users, contacts, users, users, messages, messages, reactions, messages)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func mustSeedPGUsers(t *testing.T, pool *pgxpool.Pool, schema string, a, b string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	users := pgIdent(schema, "users")
	contacts := pgIdent(schema, "contacts")

	for _, id := range []string{a, b} {
		if _, err := pool.Exec(ctx,
			`INSERT INTO `+users+` (id, username) VALUES ($1, $2)`, id, id,
		); err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO `+contacts+` (user_id, contact_id) VALUES ($1, $2), ($2, $1)`, a, b,
	); err != nil {
		t.Fatalf("seed contacts: %v", err)
	}
}
