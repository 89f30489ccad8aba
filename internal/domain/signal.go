package domain

import (
	"time"

	"github.com/google/uuid"
)

// SignalType identifies the protocol step a signal carries.
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeAccept    SignalType = "accept"
	SignalTypeEnd       SignalType = "end"
)

// Signal is one directed signaling message for a call.
//
// Signals are immutable once created and are never deleted. Delivery is
// "each recipient observes the full history addressed to it", possibly more
// than once across reconnects; consume-once semantics are the negotiation
// engine's responsibility (dedup by SignalID), not the registry's.
type Signal struct {
	SignalID   uuid.UUID  `json:"signal_id"`
	CallID     uuid.UUID  `json:"call_id"`
	FromUserID uuid.UUID  `json:"from_user_id"`
	ToUserID   uuid.UUID  `json:"to_user_id"`
	Type       SignalType `json:"type"`
	// Payload is a JSON-serialized session description (offer/answer) or
	// connectivity candidate (candidate). Empty for accept/end, which are
	// pure notifications.
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
