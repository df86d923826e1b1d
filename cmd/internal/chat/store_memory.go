package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"kindred/cmd/identity/ids"
)

// InMemoryStore is a dev/test Store implementation. The pair key map enforces
// the one-chat-per-pair invariant under the lock, mirroring the unique index
// the Postgres store relies on.
type InMemoryStore struct {
	mu          sync.Mutex
	chatsByID   map[string]*Chat
	chatsByPair map[string]*Chat
	msgsByID    map[string]*Message
	msgsByChat  map[string][]*Message
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chatsByID:   make(map[string]*Chat),
		chatsByPair: make(map[string]*Chat),
		msgsByID:    make(map[string]*Message),
		msgsByChat:  make(map[string][]*Message),
	}
}

// FindOrCreateChat returns the chat for the pair, creating it on first use.
func (s *InMemoryStore) FindOrCreateChat(ctx context.Context, a, b string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return Chat{}, validation("chat.FindOrCreateChat", "missing user id")
	}
	if a == b {
		return Chat{}, ErrSelfChat
	}

	low, high := orderPair(a, b)
	key := low + ":" + high

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.chatsByPair[key]; ok {
		return *c, nil
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Chat{}, err
	}

	c := &Chat{
		ID:             id,
		PairLow:        low,
		PairHigh:       high,
		LastActivityAt: now,
		ActiveLow:      true,
		ActiveHigh:     true,
		CreatedAt:      now,
	}
	s.chatsByPair[key] = c
	s.chatsByID[id] = c
	return *c, nil
}

// GetChat returns a chat by id.
func (s *InMemoryStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chatsByID[chatID]
	if !ok {
		return Chat{}, ErrNotFound
	}
	return *c, nil
}

// UpdateActivity bumps the chat's last-message pointer and activity time.
func (s *InMemoryStore) UpdateActivity(ctx context.Context, chatID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chatsByID[chatID]
	if !ok {
		return ErrNotFound
	}
	c.LastMessageID = messageID
	c.LastActivityAt = time.Now().UTC()
	return nil
}

// ListUserChats returns the caller's active chats, most recently active
// first, each with the other participant and the caller's unread count.
func (s *InMemoryStore) ListUserChats(ctx context.Context, userID string) ([]ChatSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ChatSummary, 0)
	for _, c := range s.chatsByID {
		if !c.IsParticipant(userID) || !c.ActiveFor(userID) {
			continue
		}
		out = append(out, ChatSummary{
			Chat:        *c,
			OtherUserID: c.Other(userID),
			UnreadCount: s.unreadLocked(userID, c.ID),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Chat.LastActivityAt.After(out[j].Chat.LastActivityAt)
	})
	return out, nil
}

// SetActive flips the caller-side active flag only.
func (s *InMemoryStore) SetActive(ctx context.Context, chatID, userID string, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chatsByID[chatID]
	if !ok {
		return ErrNotFound
	}
	if !c.IsParticipant(userID) {
		return ErrForbidden
	}
	if userID == c.PairLow {
		c.ActiveLow = active
	} else {
		c.ActiveHigh = active
	}
	return nil
}

// Create persists a new unread message after validation.
func (s *InMemoryStore) Create(ctx context.Context, senderID, receiverID, chatID, text, messageType string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
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

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chatsByID[chatID]
	if !ok {
		return Message{}, ErrNotFound
	}
	if !c.IsParticipant(senderID) || !c.IsParticipant(receiverID) {
		return Message{}, ErrForbidden
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	m := &Message{
		ID:          id,
		ChatID:      chatID,
		SenderID:    senderID,
		ReceiverID:  receiverID,
		Text:        text,
		MessageType: messageType,
		CreatedAt:   now,
	}
	s.msgsByID[id] = m
	s.msgsByChat[chatID] = append(s.msgsByChat[chatID], m)
	return *m, nil
}

// MarkRead bulk-transitions the reader's unread messages in the chat.
// Already-read messages are untouched, so re-reads are idempotent.
func (s *InMemoryStore) MarkRead(ctx context.Context, chatID, readerID string) (int64, time.Time, error) {
	now := time.Now().UTC()
	if err := ctx.Err(); err != nil {
		return 0, now, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, m := range s.msgsByChat[chatID] {
		if m.ReceiverID != readerID || m.IsRead || m.Deleted() {
			continue
		}
		readAt := now
		m.IsRead = true
		m.ReadAt = &readAt
		count++
	}
	return count, now, nil
}

// Edit replaces message text for its sender; the first edit retains the
// pre-edit text in OriginalText.
func (s *InMemoryStore) Edit(ctx context.Context, messageID, requesterID, text string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	text, err := validateText("chat.Edit", text)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgsByID[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	if m.SenderID != requesterID {
		return Message{}, ErrForbidden
	}
	if m.Deleted() {
		return Message{}, ErrAlreadyDeleted
	}

	now := time.Now().UTC()
	if !m.Edited {
		m.OriginalText = m.Text
	}
	m.Text = text
	m.Edited = true
	m.EditedAt = &now
	return *m, nil
}

// SoftDelete marks a message deleted, once, for its sender.
func (s *InMemoryStore) SoftDelete(ctx context.Context, messageID, requesterID string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgsByID[messageID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	if m.SenderID != requesterID {
		return time.Time{}, ErrForbidden
	}
	if m.Deleted() {
		return time.Time{}, ErrAlreadyDeleted
	}

	now := time.Now().UTC()
	m.DeletedAt = &now
	return now, nil
}

// Paginate returns non-deleted messages older than before, newest first.
// A zero before means no upper bound.
func (s *InMemoryStore) Paginate(ctx context.Context, chatID string, limit int, before time.Time) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampPageLimit(limit)

	// Copy values while holding the lock; writers mutate the stored structs
	// in place, so sorting must never touch them after unlock.
	s.mu.Lock()
	matched := make([]Message, 0)
	for _, m := range s.msgsByChat[chatID] {
		if m.Deleted() {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		matched = append(matched, *m)
	}
	s.mu.Unlock()

	return newestFirst(matched, limit), nil
}

// Search matches non-deleted message text case-insensitively, newest first.
func (s *InMemoryStore) Search(ctx context.Context, chatID, query string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, validation("chat.Search", "empty query")
	}
	limit = clampSearchLimit(limit)
	needle := strings.ToLower(query)

	s.mu.Lock()
	matched := make([]Message, 0)
	for _, m := range s.msgsByChat[chatID] {
		if m.Deleted() {
			continue
		}
		if strings.Contains(strings.ToLower(m.Text), needle) {
			matched = append(matched, *m)
		}
	}
	s.mu.Unlock()

	return newestFirst(matched, limit), nil
}

// UnreadCount counts unread non-deleted messages addressed to userID,
// optionally scoped to one chat.
func (s *InMemoryStore) UnreadCount(ctx context.Context, userID, chatID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if chatID != "" {
		return s.unreadLocked(userID, chatID), nil
	}
	var count int64
	for id := range s.msgsByChat {
		count += s.unreadLocked(userID, id)
	}
	return count, nil
}

// GetByID returns a message by id, deleted or not.
func (s *InMemoryStore) GetByID(ctx context.Context, messageID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgsByID[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	return *m, nil
}

func (s *InMemoryStore) unreadLocked(userID, chatID string) int64 {
	var count int64
	for _, m := range s.msgsByChat[chatID] {
		if m.ReceiverID == userID && !m.IsRead && !m.Deleted() {
			count++
		}
	}
	return count
}

func newestFirst(ms []Message, limit int) []Message {
	sort.Slice(ms, func(i, j int) bool {
		return ms[i].CreatedAt.After(ms[j].CreatedAt)
	})
	if len(ms) > limit {
		ms = ms[:limit]
	}
	return ms
}
