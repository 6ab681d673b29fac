package domain

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatMessage is one persisted entry of a conversation log.
// Persisted messages are never rewritten by a correction; corrections are
// stored as separate records and only the in-memory projection changes.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewMessage builds a message with a fresh ID and the current time.
func NewMessage(conversationID string, role Role, content string) ChatMessage {
	return ChatMessage{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      time.Now(),
	}
}

// NewID returns a lexically time-ordered unique identifier.
func NewID() string {
	return ulid.Make().String()
}
