package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType distinguishes audio-only from audio+video sessions
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallStatus is the lifecycle state of a call.
// Transitions are monotonic: ringing -> accepted -> ended, or ringing -> ended.
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusAccepted CallStatus = "accepted"
	CallStatusEnded    CallStatus = "ended"
)

// Call represents one session attempt between two users in one conversation.
// At most one non-ended Call exists per conversation at any time.
type Call struct {
	CallID         uuid.UUID  `json:"call_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	CallerID       uuid.UUID  `json:"caller_id"`
	CalleeID       uuid.UUID  `json:"callee_id"`
	Type           CallType   `json:"type"`
	Status         CallStatus `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// HasParticipant reports whether userID is one of the call's two participants.
func (c *Call) HasParticipant(userID uuid.UUID) bool {
	return c.CallerID == userID || c.CalleeID == userID
}

// CounterpartOf returns the other participant's id, or uuid.Nil if userID
// is not a participant.
func (c *Call) CounterpartOf(userID uuid.UUID) uuid.UUID {
	switch userID {
	case c.CallerID:
		return c.CalleeID
	case c.CalleeID:
		return c.CallerID
	}
	return uuid.Nil
}

// IsEnded reports whether the call reached its terminal status.
func (c *Call) IsEnded() bool {
	return c.Status == CallStatusEnded
}
