package transcript

import (
	"context"
	"time"
)

// Roles of a transcript message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one utterance of a chat session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Redacted  bool      `json:"redacted"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists chat transcripts.
type Store interface {
	SaveMessage(ctx context.Context, msg Message) error
	// Recent returns up to limit messages of a session, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]Message, error)
	Ping(ctx context.Context) error
	Close() error
}
