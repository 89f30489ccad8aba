package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wavelink-backend/internal/domain"
	"wavelink-backend/pkg/constants"
	apperrors "wavelink-backend/pkg/errors"
	"wavelink-backend/pkg/logger"
	"wavelink-backend/pkg/metrics"
)

// CallRepository defines call persistence operations
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	ActiveByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error)
	MarkAccepted(ctx context.Context, callID uuid.UUID, at time.Time) (bool, error)
	MarkEnded(ctx context.Context, callID uuid.UUID, at time.Time) (bool, error)
	EndActiveInConversation(ctx context.Context, conversationID uuid.UUID, at time.Time) ([]uuid.UUID, error)
}

// SignalRepository defines signal mailbox operations
type SignalRepository interface {
	Append(ctx context.Context, signal *domain.Signal) error
	ListForRecipient(ctx context.Context, callID, toUserID uuid.UUID, limit int) ([]*domain.Signal, error)
}

// ConversationRepository defines the conversation reads the registry needs
type ConversationRepository interface {
	GetByID(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error)
	Participants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// SignalNotifier wakes live signal streams after an append. Implementations
// must be best effort; the mailbox remains the source of truth.
type SignalNotifier interface {
	Notify(ctx context.Context, signal *domain.Signal)
}

// AcceptResult reports the outcome of an Accept attempt. Domain-level
// failures (missing call, already ended, wrong participant) are expected
// under racing dialogs and surface here instead of as errors; only
// authentication and infrastructure failures use the error return.
type AcceptResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Service is the call registry: the authority on call lifecycle and the
// append-only signal mailboxes.
type Service struct {
	calls         CallRepository
	signals       SignalRepository
	conversations ConversationRepository
	notifier      SignalNotifier
	metrics       *metrics.Metrics
}

// NewService creates a new call registry service. notifier and m may be nil.
func NewService(
	calls CallRepository,
	signals SignalRepository,
	conversations ConversationRepository,
	notifier SignalNotifier,
	m *metrics.Metrics,
) *Service {
	return &Service{
		calls:         calls,
		signals:       signals,
		conversations: conversations,
		notifier:      notifier,
		metrics:       m,
	}
}

// Start initiates a new call in a direct conversation. Any non-ended call in
// the conversation is force-ended first, keeping at most one active call per
// conversation.
func (s *Service) Start(ctx context.Context, callerID, conversationID uuid.UUID, callType domain.CallType) (*domain.Call, error) {
	if callerID == uuid.Nil {
		return nil, apperrors.NotAuthenticatedError()
	}
	if callType != domain.CallTypeVoice && callType != domain.CallTypeVideo {
		return nil, apperrors.ValidationError("call type must be voice or video")
	}

	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Type != domain.ConversationTypeDirect {
		return nil, apperrors.InvalidTopologyError("calls require a direct conversation")
	}

	participants, err := s.conversations.Participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	// Membership is an authorization question and is settled over the full
	// participant list before any topology verdict.
	callerIsMember := false
	for _, id := range participants {
		if id == callerID {
			callerIsMember = true
		}
	}
	if !callerIsMember {
		return nil, apperrors.NotAuthorizedError("not a conversation participant")
	}

	calleeID := uuid.Nil
	for _, id := range participants {
		if id == callerID {
			continue
		}
		if calleeID != uuid.Nil {
			return nil, apperrors.InvalidTopologyError("conversation must have exactly one counterpart")
		}
		calleeID = id
	}
	if calleeID == uuid.Nil {
		return nil, apperrors.InvalidTopologyError("conversation must have exactly one counterpart")
	}

	now := time.Now().UTC()

	// Supersede whatever was active. The new ringing call is the only
	// non-ended call in the conversation afterwards.
	ended, err := s.calls.EndActiveInConversation(ctx, conversationID, now)
	if err != nil {
		return nil, err
	}
	if len(ended) > 0 {
		logger.Info("superseded active calls on start",
			zap.String("conversation_id", conversationID.String()),
			zap.Int("ended", len(ended)))
	}

	call := &domain.Call{
		CallID:         uuid.New(),
		ConversationID: conversationID,
		CallerID:       callerID,
		CalleeID:       calleeID,
		Type:           callType,
		Status:         domain.CallStatusRinging,
		StartedAt:      now,
	}
	if err := s.calls.Create(ctx, call); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordCallStarted(string(callType))
	}
	logger.Info("call started",
		zap.String("call_id", call.CallID.String()),
		zap.String("conversation_id", conversationID.String()),
		zap.String("type", string(callType)))

	return call, nil
}

// Accept moves a ringing call to accepted on behalf of the callee. On the
// transition it appends an accept signal to the caller so the caller's
// dialog learns the outcome through the same mailbox as everything else.
func (s *Service) Accept(ctx context.Context, userID, callID uuid.UUID) (*AcceptResult, error) {
	if userID == uuid.Nil {
		return nil, apperrors.NotAuthenticatedError()
	}

	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			return &AcceptResult{Success: false, Message: "call not found"}, nil
		}
		return nil, err
	}

	if !call.HasParticipant(userID) {
		return &AcceptResult{Success: false, Message: "not a call participant"}, nil
	}
	if userID == call.CallerID {
		// The caller has nothing to accept; treat as a no-op so a confused
		// dialog does not error out.
		return &AcceptResult{Success: true, Message: "caller does not accept own call"}, nil
	}

	switch call.Status {
	case domain.CallStatusAccepted:
		return &AcceptResult{Success: true, Message: "already accepted"}, nil
	case domain.CallStatusEnded:
		return &AcceptResult{Success: false, Message: "call already ended"}, nil
	}

	now := time.Now().UTC()
	transitioned, err := s.calls.MarkAccepted(ctx, callID, now)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		// Lost a race; report whatever status won.
		current, err := s.calls.GetByID(ctx, callID)
		if err != nil {
			return nil, err
		}
		if current.Status == domain.CallStatusAccepted {
			return &AcceptResult{Success: true, Message: "already accepted"}, nil
		}
		return &AcceptResult{Success: false, Message: "call already ended"}, nil
	}

	if err := s.appendSignal(ctx, call, userID, call.CallerID, domain.SignalTypeAccept, nil, now); err != nil {
		logger.Error("failed to append accept signal",
			zap.String("call_id", callID.String()),
			zap.Error(err))
	}

	logger.Info("call accepted", zap.String("call_id", callID.String()))
	return &AcceptResult{Success: true, Message: "accepted"}, nil
}

// End moves a call to its terminal status on behalf of either participant.
// Ending an already-ended call is a successful no-op, so retries always read
// true; the transition itself happens at most once and only that request
// appends the end signal.
func (s *Service) End(ctx context.Context, userID, callID uuid.UUID) (bool, error) {
	if userID == uuid.Nil {
		return false, apperrors.NotAuthenticatedError()
	}

	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			return false, apperrors.CallNotFoundError()
		}
		return false, err
	}
	if !call.HasParticipant(userID) {
		return false, apperrors.NotAuthorizedError("not a call participant")
	}

	now := time.Now().UTC()
	transitioned, err := s.calls.MarkEnded(ctx, callID, now)
	if err != nil {
		return false, err
	}
	if !transitioned {
		return true, nil
	}

	if err := s.appendSignal(ctx, call, userID, call.CounterpartOf(userID), domain.SignalTypeEnd, nil, now); err != nil {
		logger.Error("failed to append end signal",
			zap.String("call_id", callID.String()),
			zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.RecordCallEnded(string(call.Type), now.Sub(call.StartedAt))
	}
	logger.Info("call ended",
		zap.String("call_id", callID.String()),
		zap.Duration("duration", now.Sub(call.StartedAt)))

	return true, nil
}

// SendSignal appends a negotiation signal from one participant to the other.
func (s *Service) SendSignal(ctx context.Context, fromUserID, callID, toUserID uuid.UUID, signalType domain.SignalType, payload []byte) (*domain.Signal, error) {
	if fromUserID == uuid.Nil {
		return nil, apperrors.NotAuthenticatedError()
	}

	switch signalType {
	case domain.SignalTypeOffer, domain.SignalTypeAnswer, domain.SignalTypeCandidate:
	default:
		return nil, apperrors.ValidationError("signal type must be offer, answer or candidate")
	}

	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, err
	}
	if !call.HasParticipant(fromUserID) {
		return nil, apperrors.NotAuthorizedError("not a call participant")
	}
	if toUserID != call.CounterpartOf(fromUserID) {
		return nil, apperrors.NotAuthorizedError("recipient is not the other call participant")
	}
	if call.IsEnded() {
		return nil, apperrors.CallEndedError()
	}

	signal := &domain.Signal{
		SignalID:   uuid.New(),
		CallID:     callID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Type:       signalType,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.signals.Append(ctx, signal); err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, signal)
	}
	if s.metrics != nil {
		s.metrics.RecordSignal(string(signalType))
	}

	return signal, nil
}

// ActiveCallFor returns the conversation's current non-ended call if the
// requester participates in it, else nil.
func (s *Service) ActiveCallFor(ctx context.Context, userID, conversationID uuid.UUID) (*domain.Call, error) {
	if userID == uuid.Nil {
		return nil, apperrors.NotAuthenticatedError()
	}

	call, err := s.calls.ActiveByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if call == nil || !call.HasParticipant(userID) {
		return nil, nil
	}
	return call, nil
}

// SignalsFor returns the newest signals addressed to the requester for one
// call, newest first, capped at the history limit. Repeated reads return the
// same history; consume-once is the caller's concern.
func (s *Service) SignalsFor(ctx context.Context, userID, callID uuid.UUID) ([]*domain.Signal, error) {
	if userID == uuid.Nil {
		return nil, apperrors.NotAuthenticatedError()
	}

	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, err
	}
	if !call.HasParticipant(userID) {
		return nil, apperrors.NotAuthorizedError("not a call participant")
	}

	return s.signals.ListForRecipient(ctx, callID, userID, constants.SignalHistoryLimit)
}

// appendSignal writes a registry-generated lifecycle signal and wakes the
// recipient.
func (s *Service) appendSignal(ctx context.Context, call *domain.Call, from, to uuid.UUID, signalType domain.SignalType, payload []byte, at time.Time) error {
	signal := &domain.Signal{
		SignalID:   uuid.New(),
		CallID:     call.CallID,
		FromUserID: from,
		ToUserID:   to,
		Type:       signalType,
		Payload:    payload,
		CreatedAt:  at,
	}
	if err := s.signals.Append(ctx, signal); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, signal)
	}
	if s.metrics != nil {
		s.metrics.RecordSignal(string(signalType))
	}
	return nil
}
