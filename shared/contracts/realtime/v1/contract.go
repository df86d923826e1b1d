// Package v1 defines the Kindred Chat Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the protocol version embedded into every envelope.
const Version = 1

// Event types (wire-stable). Client -> server.
const (
	TypeSendMessage   = "sendMessage"
	TypeMarkAsRead    = "markAsRead"
	TypeEditMessage   = "editMessage"
	TypeDeleteMessage = "deleteMessage"
	TypeTyping        = "typing"
	TypeJoinChat      = "joinChat"
	TypeLeaveChat     = "leaveChat"
)

// Event types (wire-stable). Server -> client.
const (
	TypeNewMessage     = "newMessage"
	TypeMessageSent    = "messageSent"
	TypeMessagesRead   = "messagesRead"
	TypeMessageEdited  = "messageEdited"
	TypeMessageDeleted = "messageDeleted"
	TypeUserTyping     = "userTyping"
	TypeUserOnline     = "userOnline"
	TypeUserOffline    = "userOffline"
	TypeOnlineUsers    = "onlineUsers"
	TypeJoinedChat     = "joinedChat"
	TypeLeftChat       = "leftChat"
	TypeErrorMessage   = "errorMessage"
)

// AllowedTypes enumerates every valid envelope type in either direction.
var AllowedTypes = map[string]struct{}{
	TypeSendMessage:    {},
	TypeMarkAsRead:     {},
	TypeEditMessage:    {},
	TypeDeleteMessage:  {},
	TypeTyping:         {},
	TypeJoinChat:       {},
	TypeLeaveChat:      {},
	TypeNewMessage:     {},
	TypeMessageSent:    {},
	TypeMessagesRead:   {},
	TypeMessageEdited:  {},
	TypeMessageDeleted: {},
	TypeUserTyping:     {},
	TypeUserOnline:     {},
	TypeUserOffline:    {},
	TypeOnlineUsers:    {},
	TypeJoinedChat:     {},
	TypeLeftChat:       {},
	TypeErrorMessage:   {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// ---- Client -> server payloads ----

// SendMessagePayload requests persisting and delivering a direct message.
type SendMessagePayload struct {
	ReceiverID  string `json:"receiverId"`
	Text        string `json:"text"`
	MessageType string `json:"messageType,omitempty"`
}

// MarkAsReadPayload marks all unread messages addressed to the caller in a chat.
type MarkAsReadPayload struct {
	ChatID string `json:"chatId"`
}

// EditMessagePayload replaces the text of a message owned by the caller.
type EditMessagePayload struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

// DeleteMessagePayload soft-deletes a message owned by the caller.
type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

// TypingPayload is a transient typing indicator relay.
type TypingPayload struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// JoinChatPayload joins the broadcast room of a chat (participants only).
type JoinChatPayload struct {
	ChatID string `json:"chatId"`
}

// LeaveChatPayload leaves the broadcast room of a chat.
type LeaveChatPayload struct {
	ChatID string `json:"chatId"`
}

// ---- Server -> client payloads ----

// MessageBody is the wire shape of a persisted message.
type MessageBody struct {
	ID          string     `json:"id"`
	ChatID      string     `json:"chatId"`
	SenderID    string     `json:"senderId"`
	ReceiverID  string     `json:"receiverId"`
	Text        string     `json:"text"`
	MessageType string     `json:"messageType"`
	IsRead      bool       `json:"isRead"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	Edited      bool       `json:"edited"`
	EditedAt    *time.Time `json:"editedAt,omitempty"`
	Deleted     bool       `json:"deleted,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// NewMessagePayload is pushed to the receiver when a message arrives.
type NewMessagePayload struct {
	Message MessageBody `json:"message"`
	ChatID  string      `json:"chatId"`
}

// MessageSentPayload acknowledges a sendMessage back to the sender.
type MessageSentPayload struct {
	Message MessageBody `json:"message"`
	ChatID  string      `json:"chatId"`
}

// MessagesReadPayload notifies the original sender about a read receipt.
type MessagesReadPayload struct {
	ChatID string    `json:"chatId"`
	ReadBy string    `json:"readBy"`
	ReadAt time.Time `json:"readAt"`
	Count  int64     `json:"count"`
}

// MessageEditedPayload notifies the other participant about an edit.
type MessageEditedPayload struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	NewText   string    `json:"newText"`
	EditedAt  time.Time `json:"editedAt"`
}

// MessageDeletedPayload notifies chat members about a soft delete.
type MessageDeletedPayload struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	DeletedBy string    `json:"deletedBy"`
	DeletedAt time.Time `json:"deletedAt"`
}

// UserTypingPayload relays a typing indicator to the receiver.
type UserTypingPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// UserOnlinePayload is broadcast when a user's session becomes active.
type UserOnlinePayload struct {
	UserID string    `json:"userId"`
	Since  time.Time `json:"since"`
}

// UserOfflinePayload is broadcast when a user's last session closes.
type UserOfflinePayload struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

// OnlineUser is one entry of the presence snapshot.
type OnlineUser struct {
	UserID string    `json:"userId"`
	Since  time.Time `json:"since"`
}

// OnlineUsersPayload is sent to a freshly connected session.
type OnlineUsersPayload struct {
	Users []OnlineUser `json:"users"`
}

// JoinedChatPayload echoes a successful joinChat.
type JoinedChatPayload struct {
	ChatID string `json:"chatId"`
}

// LeftChatPayload echoes a leaveChat.
type LeftChatPayload struct {
	ChatID string `json:"chatId"`
}

// ErrorMessagePayload is a request-level error event; it never closes the connection.
type ErrorMessagePayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
