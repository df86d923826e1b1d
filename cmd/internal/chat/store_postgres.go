package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"kindred/cmd/identity/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
// - The unique index on chats(pair_low, pair_high) resolves the concurrent
//   first-message race: a losing INSERT surfaces as SQLSTATE 23505 and is
//   answered by re-reading the winner's row.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore behavior.
type StoreOption func(*PostgresStore) error

// WithStoreSchema sets the DB schema used by this store (default: "kindred").
func WithStoreSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, schema: "kindred"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return s, nil
}

const chatColumns = `id, pair_low, pair_high, last_message_id, last_activity_at, active_low, active_high, blocked_by, created_at`

const messageColumns = `id, chat_id, sender_id, receiver_id, text, message_type, is_read, read_at, edited, edited_at, original_text, deleted_at, created_at`

// FindOrCreateChat returns the chat for the pair, creating it on first use.
func (s *PostgresStore) FindOrCreateChat(ctx context.Context, a, b string) (Chat, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return Chat{}, validation("chat.FindOrCreateChat", "missing user id")
	}
	if a == b {
		return Chat{}, ErrSelfChat
	}

	low, high := orderPair(a, b)

	c, err := s.readChatByPair(ctx, low, high)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, err
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Chat{}, err
	}

	chats := pgIdent(s.schema, "chats")

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+chats+` (id, pair_low, pair_high, last_activity_at, active_low, active_high, created_at)
		 VALUES ($1, $2, $3, $4, true, true, $5)`,
		id, low, high, now, now,
	)
	if isUniqueViolation(err) {
		// Lost the race to a concurrent creator: converge on its row.
		c, rerr := s.readChatByPair(ctx, low, high)
		if rerr != nil {
			return Chat{}, ErrConflict
		}
		return c, nil
	}
	if err != nil {
		return Chat{}, err
	}

	return Chat{
		ID:             id,
		PairLow:        low,
		PairHigh:       high,
		LastActivityAt: now,
		ActiveLow:      true,
		ActiveHigh:     true,
		CreatedAt:      now,
	}, nil
}

// GetChat returns a chat by id.
func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	chats := pgIdent(s.schema, "chats")

	row := s.pool.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM `+chats+` WHERE id = $1`, chatID)
	c, err := scanChat(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	return c, err
}

// UpdateActivity bumps the chat's last-message pointer and activity time.
func (s *PostgresStore) UpdateActivity(ctx context.Context, chatID, messageID string) error {
	chats := pgIdent(s.schema, "chats")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+chats+` SET last_message_id = $2, last_activity_at = $3 WHERE id = $1`,
		chatID, messageID, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUserChats returns the caller's active chats, most recently active
// first, each with the other participant and the caller's unread count.
func (s *PostgresStore) ListUserChats(ctx context.Context, userID string) ([]ChatSummary, error) {
	chats := pgIdent(s.schema, "chats")
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.pair_low, c.pair_high, c.last_message_id, c.last_activity_at,
		        c.active_low, c.active_high, c.blocked_by, c.created_at,
		        (SELECT count(*) FROM `+messages+` m
		          WHERE m.chat_id = c.id AND m.receiver_id = $1
		            AND m.is_read = false AND m.deleted_at IS NULL)
		   FROM `+chats+` c
		  WHERE (c.pair_low = $1 AND c.active_low) OR (c.pair_high = $1 AND c.active_high)
		  ORDER BY c.last_activity_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ChatSummary, 0)
	for rows.Next() {
		var c Chat
		var lastMessageID, blockedBy *string
		var unread int64
		if err := rows.Scan(&c.ID, &c.PairLow, &c.PairHigh, &lastMessageID, &c.LastActivityAt,
			&c.ActiveLow, &c.ActiveHigh, &blockedBy, &c.CreatedAt, &unread); err != nil {
			return nil, err
		}
		if lastMessageID != nil {
			c.LastMessageID = *lastMessageID
		}
		if blockedBy != nil {
			c.BlockedBy = *blockedBy
		}
		out = append(out, ChatSummary{Chat: c, OtherUserID: c.Other(userID), UnreadCount: unread})
	}
	return out, rows.Err()
}

// SetActive flips the caller-side active flag only.
func (s *PostgresStore) SetActive(ctx context.Context, chatID, userID string, active bool) error {
	chats := pgIdent(s.schema, "chats")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+chats+`
		    SET active_low  = CASE WHEN pair_low  = $2 THEN $3 ELSE active_low  END,
		        active_high = CASE WHEN pair_high = $2 THEN $3 ELSE active_high END
		  WHERE id = $1 AND (pair_low = $2 OR pair_high = $2)`,
		chatID, userID, active,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing chat from a non-participant caller.
		if _, gerr := s.GetChat(ctx, chatID); gerr != nil {
			return gerr
		}
		return ErrForbidden
	}
	return nil
}

// Create persists a new unread message after validation.
func (s *PostgresStore) Create(ctx context.Context, senderID, receiverID, chatID, text, messageType string) (Message, error) {
	if senderID == "" || receiverID == "" || chatID == "" {
		return Message{}, validation("chat.Create", "missing id")
	}
	if senderID == receiverID {
		return Message{}, ErrSelfMessage
	}
	text, err := validateText("chat.Create", text)
	if err != nil {
		return Message{}, err
	}
	if messageType == "" {
		messageType = MessageTypeText
	}

	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return Message{}, err
	}
	if !c.IsParticipant(senderID) || !c.IsParticipant(receiverID) {
		return Message{}, ErrForbidden
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	messages := pgIdent(s.schema, "messages")

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (id, chat_id, sender_id, receiver_id, text, message_type, is_read, edited, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, false, $7)`,
		id, chatID, senderID, receiverID, text, messageType, now,
	)
	if err != nil {
		return Message{}, err
	}

	return Message{
		ID:          id,
		ChatID:      chatID,
		SenderID:    senderID,
		ReceiverID:  receiverID,
		Text:        text,
		MessageType: messageType,
		CreatedAt:   now,
	}, nil
}

// MarkRead bulk-transitions the reader's unread messages in the chat.
func (s *PostgresStore) MarkRead(ctx context.Context, chatID, readerID string) (int64, time.Time, error) {
	messages := pgIdent(s.schema, "messages")
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET is_read = true, read_at = $3
		  WHERE chat_id = $1 AND receiver_id = $2 AND is_read = false AND deleted_at IS NULL`,
		chatID, readerID, now,
	)
	if err != nil {
		return 0, now, err
	}
	return tag.RowsAffected(), now, nil
}

// Edit replaces message text for its sender; the first edit retains the
// pre-edit text in original_text.
func (s *PostgresStore) Edit(ctx context.Context, messageID, requesterID, text string) (Message, error) {
	text, err := validateText("chat.Edit", text)
	if err != nil {
		return Message{}, err
	}

	m, err := s.GetByID(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	if m.SenderID != requesterID {
		return Message{}, ErrForbidden
	}
	if m.Deleted() {
		return Message{}, ErrAlreadyDeleted
	}

	messages := pgIdent(s.schema, "messages")
	now := time.Now().UTC()

	// Guarded UPDATE so a delete racing the ownership check still loses.
	row := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET original_text = CASE WHEN edited THEN original_text ELSE text END,
		        text = $3, edited = true, edited_at = $4
		  WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL
		RETURNING `+messageColumns,
		messageID, requesterID, text, now,
	)
	m, err = scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrAlreadyDeleted
	}
	return m, err
}

// SoftDelete marks a message deleted, once, for its sender.
func (s *PostgresStore) SoftDelete(ctx context.Context, messageID, requesterID string) (time.Time, error) {
	messages := pgIdent(s.schema, "messages")
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+` SET deleted_at = $3
		  WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL`,
		messageID, requesterID, now,
	)
	if err != nil {
		return time.Time{}, err
	}
	if tag.RowsAffected() == 1 {
		return now, nil
	}

	m, err := s.GetByID(ctx, messageID)
	if err != nil {
		return time.Time{}, err
	}
	if m.SenderID != requesterID {
		return time.Time{}, ErrForbidden
	}
	return time.Time{}, ErrAlreadyDeleted
}

// Paginate returns non-deleted messages older than before, newest first.
// A zero before means no upper bound.
func (s *PostgresStore) Paginate(ctx context.Context, chatID string, limit int, before time.Time) ([]Message, error) {
	limit = clampPageLimit(limit)

	var beforeArg *time.Time
	if !before.IsZero() {
		beforeArg = &before
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+messages+`
		  WHERE chat_id = $1 AND deleted_at IS NULL
		    AND ($2::timestamptz IS NULL OR created_at < $2)
		  ORDER BY created_at DESC
		  LIMIT $3`,
		chatID, beforeArg, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Search matches non-deleted message text case-insensitively, newest first.
func (s *PostgresStore) Search(ctx context.Context, chatID, query string, limit int) ([]Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, validation("chat.Search", "empty query")
	}
	limit = clampSearchLimit(limit)

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+messages+`
		  WHERE chat_id = $1 AND deleted_at IS NULL
		    AND text ILIKE '%' || `+likeEscapeSQL("$2")+` || '%' ESCAPE '\'
		  ORDER BY created_at DESC
		  LIMIT $3`,
		chatID, query, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// UnreadCount counts unread non-deleted messages addressed to userID,
// optionally scoped to one chat.
func (s *PostgresStore) UnreadCount(ctx context.Context, userID, chatID string) (int64, error) {
	messages := pgIdent(s.schema, "messages")

	var chatArg *string
	if chatID != "" {
		chatArg = &chatID
	}

	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+messages+`
		  WHERE receiver_id = $1 AND is_read = false AND deleted_at IS NULL
		    AND ($2::text IS NULL OR chat_id = $2)`,
		userID, chatArg,
	).Scan(&count)
	return count, err
}

// GetByID returns a message by id, deleted or not.
func (s *PostgresStore) GetByID(ctx context.Context, messageID string) (Message, error) {
	messages := pgIdent(s.schema, "messages")

	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE id = $1`, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) readChatByPair(ctx context.Context, low, high string) (Chat, error) {
	chats := pgIdent(s.schema, "chats")

	row := s.pool.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM `+chats+` WHERE pair_low = $1 AND pair_high = $2`,
		low, high)
	return scanChat(row)
}

func scanChat(row pgx.Row) (Chat, error) {
	var c Chat
	var lastMessageID, blockedBy *string
	err := row.Scan(&c.ID, &c.PairLow, &c.PairHigh, &lastMessageID, &c.LastActivityAt,
		&c.ActiveLow, &c.ActiveHigh, &blockedBy, &c.CreatedAt)
	if err != nil {
		return Chat{}, err
	}
	if lastMessageID != nil {
		c.LastMessageID = *lastMessageID
	}
	if blockedBy != nil {
		c.BlockedBy = *blockedBy
	}
	return c, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	var originalText *string
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.ReceiverID, &m.Text, &m.MessageType,
		&m.IsRead, &m.ReadAt, &m.Edited, &m.EditedAt, &originalText, &m.DeletedAt, &m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	if originalText != nil {
		m.OriginalText = *originalText
	}
	return m, nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// likeEscapeSQL wraps a placeholder so user input cannot smuggle LIKE
// wildcards into the pattern.
func likeEscapeSQL(placeholder string) string {
	return `replace(replace(replace(` + placeholder + `, '\', '\\'), '%', '\%'), '_', '\_')`
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
