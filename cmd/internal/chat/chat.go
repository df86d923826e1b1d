// Package chat owns pairwise chat records and the message lifecycle:
// create, bulk read receipts, sender-only edit with original-text retention,
// terminal soft delete, and the paginated/search read paths.
package chat

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageLen bounds message text length after trimming.
const MaxMessageLen = 1000

// DeletedTextMask replaces the text of a soft-deleted message when rendered.
const DeletedTextMask = "This message was deleted"

// MessageTypeText is the default message type.
const MessageTypeText = "text"

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
	maxSearchLimit   = 50
)

// Chat is the single conversation record for an unordered user pair.
// The pair is stored in canonical (low, high) order; the per-slot active
// flags implement per-caller soft deactivation without touching the other
// participant's view.
type Chat struct {
	ID             string
	PairLow        string
	PairHigh       string
	LastMessageID  string
	LastActivityAt time.Time
	ActiveLow      bool
	ActiveHigh     bool
	BlockedBy      string
	CreatedAt      time.Time
}

// IsParticipant reports whether userID is one of the pair.
func (c Chat) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.PairLow || userID == c.PairHigh)
}

// Other returns the participant that is not userID.
func (c Chat) Other(userID string) string {
	if userID == c.PairLow {
		return c.PairHigh
	}
	return c.PairLow
}

// ActiveFor reports the caller-side active flag.
func (c Chat) ActiveFor(userID string) bool {
	if userID == c.PairLow {
		return c.ActiveLow
	}
	return c.ActiveHigh
}

// ChatSummary is one row of a user's chat list.
type ChatSummary struct {
	Chat        Chat
	OtherUserID string
	UnreadCount int64
}

// Message is one direct message.
//
// Lifecycle: created unread and unedited; bulk-read by the receiver;
// edited by the sender (first edit retains the pre-edit text); soft delete
// is terminal and hides the message from all read paths.
type Message struct {
	ID           string
	ChatID       string
	SenderID     string
	ReceiverID   string
	Text         string
	MessageType  string
	IsRead       bool
	ReadAt       *time.Time
	Edited       bool
	EditedAt     *time.Time
	OriginalText string
	DeletedAt    *time.Time
	CreatedAt    time.Time
}

// Deleted reports whether the message has been soft-deleted.
func (m Message) Deleted() bool { return m.DeletedAt != nil }

// DisplayText returns the renderable text, masked for deleted messages.
func (m Message) DisplayText() string {
	if m.Deleted() {
		return DeletedTextMask
	}
	return m.Text
}

// ChatStore is the chat-record store boundary.
//
// FindOrCreateChat must converge on a single record per unordered pair under
// concurrent callers: read, create on absence, and re-read when the create
// loses the uniqueness race.
type ChatStore interface {
	FindOrCreateChat(ctx context.Context, a, b string) (Chat, error)
	GetChat(ctx context.Context, chatID string) (Chat, error)
	UpdateActivity(ctx context.Context, chatID, messageID string) error
	ListUserChats(ctx context.Context, userID string) ([]ChatSummary, error)
	SetActive(ctx context.Context, chatID, userID string, active bool) error
}

// MessageStore is the message-lifecycle store boundary.
//
// Soft-deleted messages are excluded from Paginate, Search and UnreadCount;
// GetByID still returns them so notify paths can render the mask.
type MessageStore interface {
	Create(ctx context.Context, senderID, receiverID, chatID, text, messageType string) (Message, error)
	MarkRead(ctx context.Context, chatID, readerID string) (int64, time.Time, error)
	Edit(ctx context.Context, messageID, requesterID, text string) (Message, error)
	SoftDelete(ctx context.Context, messageID, requesterID string) (time.Time, error)
	Paginate(ctx context.Context, chatID string, limit int, before time.Time) ([]Message, error)
	Search(ctx context.Context, chatID, query string, limit int) ([]Message, error)
	UnreadCount(ctx context.Context, userID, chatID string) (int64, error)
	GetByID(ctx context.Context, messageID string) (Message, error)
}

// Store combines both boundaries; the concrete stores implement it so the
// chat list can fold unread counts in without a second round trip.
type Store interface {
	ChatStore
	MessageStore
}

func clampPageLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

func clampSearchLimit(limit int) int {
	if limit <= 0 || limit > maxSearchLimit {
		return maxSearchLimit
	}
	return limit
}

// orderPair returns the pair in canonical (low, high) order.
func orderPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

func pairKey(a, b string) string {
	low, high := orderPair(a, b)
	return low + ":" + high
}

// validateText trims and bounds message text.
func validateText(op, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", validation(op, "text must not be empty")
	}
	if utf8.RuneCountInString(text) > MaxMessageLen {
		return "", validation(op, "text exceeds 1000 characters")
	}
	return text, nil
}
