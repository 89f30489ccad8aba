package domain

import (
	"time"

	"github.com/google/uuid"
)

// Conversation represents conversation metadata.
// Maps to CockroachDB conversations table. The call registry only needs the
// type and the participant list; message content lives elsewhere.
type Conversation struct {
	ConversationID uuid.UUID `json:"conversation_id" db:"conversation_id"`
	Type           string    `json:"type" db:"type"` // direct, group
	CreatedBy      uuid.UUID `json:"created_by" db:"created_by"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ConversationTypeDirect is the only conversation type calls can be started in.
const ConversationTypeDirect = "direct"

// ConversationParticipant represents a user in a conversation.
// Maps to CockroachDB conversation_participants table.
type ConversationParticipant struct {
	ConversationID uuid.UUID `json:"conversation_id" db:"conversation_id"`
	UserID         uuid.UUID `json:"user_id" db:"user_id"`
	JoinedAt       time.Time `json:"joined_at" db:"joined_at"`
}
