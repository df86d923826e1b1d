package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kindred/cmd/identity/ids"
)

// Integration tests are opt-in and require KINDRED_DATABASE_URL.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func newPGStore(t *testing.T) *PostgresStore {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	s, err := NewPostgresStore(pool, WithStoreSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestPostgresStore_FindOrCreateChatConverges(t *testing.T) {
	t.Parallel()
	s := newPGStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	alice := mustULID(t)
	bob := mustULID(t)

	c1, err := s.FindOrCreateChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("first find-or-create: %v", err)
	}
	c2, err := s.FindOrCreateChat(ctx, bob, alice)
	if err != nil {
		t.Fatalf("reversed find-or-create: %v", err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("pair produced two chats: %q vs %q", c1.ID, c2.ID)
	}
	if !c1.ActiveLow || !c1.ActiveHigh {
		t.Fatalf("new chat not active for both: %+v", c1)
	}

	if _, err := s.FindOrCreateChat(ctx, alice, alice); !errors.Is(err, ErrSelfChat) {
		t.Fatalf("self chat: %v", err)
	}
}

func TestPostgresStore_MessageLifecycle(t *testing.T) {
	t.Parallel()
	s := newPGStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alice := mustULID(t)
	bob := mustULID(t)

	c, err := s.FindOrCreateChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("find-or-create: %v", err)
	}

	m, err := s.Create(ctx, alice, bob, c.ID, "  hello bob  ", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Text != "hello bob" || m.MessageType != MessageTypeText || m.IsRead {
		t.Fatalf("unexpected message: %+v", m)
	}

	if err := s.UpdateActivity(ctx, c.ID, m.ID); err != nil {
		t.Fatalf("update activity: %v", err)
	}
	got, err := s.GetChat(ctx, c.ID)
	if err != nil || got.LastMessageID != m.ID {
		t.Fatalf("activity not recorded: %+v, %v", got, err)
	}

	// Read receipts are idempotent.
	count, readAt, err := s.MarkRead(ctx, c.ID, bob)
	if err != nil || count != 1 || readAt.IsZero() {
		t.Fatalf("mark read: count=%d err=%v", count, err)
	}
	count, _, err = s.MarkRead(ctx, c.ID, bob)
	if err != nil || count != 0 {
		t.Fatalf("second mark read: count=%d err=%v", count, err)
	}

	// First edit snapshots the original text, later edits keep it.
	edited, err := s.Edit(ctx, m.ID, alice, "hello robert")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !edited.Edited || edited.OriginalText != "hello bob" {
		t.Fatalf("first edit: %+v", edited)
	}
	edited, err = s.Edit(ctx, m.ID, alice, "hello rob")
	if err != nil || edited.OriginalText != "hello bob" {
		t.Fatalf("second edit: %+v, %v", edited, err)
	}

	if _, err := s.Edit(ctx, m.ID, bob, "hijack"); !IsForbidden(err) {
		t.Fatalf("receiver edit: %v", err)
	}

	// Soft delete is terminal and masked.
	deletedAt, err := s.SoftDelete(ctx, m.ID, alice)
	if err != nil || deletedAt.IsZero() {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := s.SoftDelete(ctx, m.ID, alice); !errors.Is(err, ErrAlreadyDeleted) {
		t.Fatalf("double delete: %v", err)
	}
	if _, err := s.Edit(ctx, m.ID, alice, "too late"); !errors.Is(err, ErrAlreadyDeleted) {
		t.Fatalf("edit after delete: %v", err)
	}

	back, err := s.GetByID(ctx, m.ID)
	if err != nil || !back.Deleted() {
		t.Fatalf("get deleted: %+v, %v", back, err)
	}
	if back.DisplayText() != DeletedTextMask {
		t.Fatalf("display text = %q", back.DisplayText())
	}
}

func TestPostgresStore_PaginateAndSearch(t *testing.T) {
	t.Parallel()
	s := newPGStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alice := mustULID(t)
	bob := mustULID(t)

	c, err := s.FindOrCreateChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("find-or-create: %v", err)
	}

	texts := []string{"first note", "second note", "unrelated 100% sure", "third NOTE"}
	msgs := make([]Message, 0, len(texts))
	for _, text := range texts {
		m, err := s.Create(ctx, alice, bob, c.ID, text, "text")
		if err != nil {
			t.Fatalf("create %q: %v", text, err)
		}
		msgs = append(msgs, m)
		time.Sleep(5 * time.Millisecond)
	}

	page, err := s.Paginate(ctx, c.ID, 10, time.Time{})
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if len(page) != 4 || page[0].ID != msgs[3].ID || page[3].ID != msgs[0].ID {
		t.Fatalf("not newest-first: %+v", page)
	}

	older, err := s.Paginate(ctx, c.ID, 10, msgs[2].CreatedAt)
	if err != nil || len(older) != 2 {
		t.Fatalf("before bound: len=%d err=%v", len(older), err)
	}

	// Deleted messages drop out of history.
	if _, err := s.SoftDelete(ctx, msgs[0].ID, alice); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	page, err = s.Paginate(ctx, c.ID, 10, time.Time{})
	if err != nil || len(page) != 3 {
		t.Fatalf("paginate after delete: len=%d err=%v", len(page), err)
	}

	hits, err := s.Search(ctx, c.ID, "note", 10)
	if err != nil || len(hits) != 2 {
		t.Fatalf("search note: len=%d err=%v", len(hits), err)
	}

	// SQL wildcards in the query are literals, not patterns.
	hits, err = s.Search(ctx, c.ID, "100%", 10)
	if err != nil || len(hits) != 1 {
		t.Fatalf("search with percent: len=%d err=%v", len(hits), err)
	}
	hits, err = s.Search(ctx, c.ID, "100_", 10)
	if err != nil || len(hits) != 0 {
		t.Fatalf("underscore must not act as wildcard: %+v", hits)
	}
}

func TestPostgresStore_UnreadCountScoping(t *testing.T) {
	t.Parallel()
	s := newPGStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alice := mustULID(t)
	bob := mustULID(t)
	carol := mustULID(t)

	cb, err := s.FindOrCreateChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("chat alice-bob: %v", err)
	}
	cc, err := s.FindOrCreateChat(ctx, alice, carol)
	if err != nil {
		t.Fatalf("chat alice-carol: %v", err)
	}

	if _, err := s.Create(ctx, bob, alice, cb.ID, "one", "text"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, bob, alice, cb.ID, "two", "text"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, carol, alice, cc.ID, "three", "text"); err != nil {
		t.Fatalf("create: %v", err)
	}

	total, err := s.UnreadCount(ctx, alice, "")
	if err != nil || total != 3 {
		t.Fatalf("total unread: %d, %v", total, err)
	}
	scoped, err := s.UnreadCount(ctx, alice, cb.ID)
	if err != nil || scoped != 2 {
		t.Fatalf("scoped unread: %d, %v", scoped, err)
	}
}

func TestPostgresStore_SetActiveAndChatList(t *testing.T) {
	t.Parallel()
	s := newPGStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alice := mustULID(t)
	bob := mustULID(t)
	outsider := mustULID(t)

	c, err := s.FindOrCreateChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("find-or-create: %v", err)
	}
	m, err := s.Create(ctx, bob, alice, c.ID, "ping", "text")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpdateActivity(ctx, c.ID, m.ID); err != nil {
		t.Fatalf("update activity: %v", err)
	}

	sums, err := s.ListUserChats(ctx, alice)
	if err != nil || len(sums) != 1 {
		t.Fatalf("alice chats: %+v, %v", sums, err)
	}
	if sums[0].OtherUserID != bob || sums[0].UnreadCount != 1 || sums[0].Chat.LastMessageID != m.ID {
		t.Fatalf("summary wrong: %+v", sums[0])
	}

	if err := s.SetActive(ctx, c.ID, outsider, false); !IsForbidden(err) {
		t.Fatalf("outsider deactivate: %v", err)
	}
	if err := s.SetActive(ctx, "no-such-chat", alice, false); !IsNotFound(err) {
		t.Fatalf("unknown chat deactivate: %v", err)
	}

	// Deactivation hides the chat for alice only.
	if err := s.SetActive(ctx, c.ID, alice, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	sums, err = s.ListUserChats(ctx, alice)
	if err != nil || len(sums) != 0 {
		t.Fatalf("alice still lists chat: %+v, %v", sums, err)
	}
	sums, err = s.ListUserChats(ctx, bob)
	if err != nil || len(sums) != 1 {
		t.Fatalf("bob lost chat: %+v, %v", sums, err)
	}
}

// ---- helpers ----

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("KINDRED_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: KINDRED_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse KINDRED_DATABASE_URL: %v", err)
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
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (KINDRED_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "kindred_it_" + strings.ToLower(mustULID(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgxIdent1(schema)); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgxIdent1(schema)+` CASCADE`)
}

func mustApplyChatSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	chats := pgIdent(schema, "chats")
	messages := pgIdent(schema, "messages")

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  pair_low TEXT NOT NULL,
  pair_high TEXT NOT NULL,
  last_message_id TEXT,
  last_activity_at TIMESTAMPTZ NOT NULL,
  active_low BOOLEAN NOT NULL DEFAULT TRUE,
  active_high BOOLEAN NOT NULL DEFAULT TRUE,
  blocked_by TEXT,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (pair_low, pair_high)
);

CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  chat_id TEXT NOT NULL REFERENCES %s(id),
  sender_id TEXT NOT NULL,
  receiver_id TEXT NOT NULL,
  text TEXT NOT NULL,
  message_type TEXT NOT NULL DEFAULT 'text',
  is_read BOOLEAN NOT NULL DEFAULT FALSE,
  read_at TIMESTAMPTZ,
  edited BOOLEAN NOT NULL DEFAULT FALSE,
  edited_at TIMESTAMPTZ,
  original_text TEXT,
  deleted_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_chat_idx ON %s (chat_id, created_at DESC);
CREATE INDEX IF NOT EXISTS messages_unread_idx ON %s (receiver_id, is_read) WHERE deleted_at IS NULL;
`, chats, messages, chats, messages, messages)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}

func mustULID(t *testing.T) string {
	t.Helper()

	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	return id
}

func pgxIdent1(ident string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection in dynamic DDL.
	return pgx.Identifier{ident}.Sanitize()
}
