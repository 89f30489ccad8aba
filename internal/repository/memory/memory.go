// Package memory provides in-memory repository implementations. They back
// unit tests and the single-node fallback mode when the databases are
// unreachable at startup.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"wavelink-backend/internal/domain"
	apperrors "wavelink-backend/pkg/errors"
)

type InMemoryCallRepository struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]*domain.Call
}

func NewInMemoryCallRepository() *InMemoryCallRepository {
	return &InMemoryCallRepository{
		calls: make(map[uuid.UUID]*domain.Call),
	}
}

func (r *InMemoryCallRepository) Create(ctx context.Context, call *domain.Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *call
	r.calls[call.CallID] = &cp
	return nil
}

func (r *InMemoryCallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[callID]
	if !ok {
		return nil, apperrors.NotFoundError("call")
	}

	cp := *call
	return &cp, nil
}

func (r *InMemoryCallRepository) ActiveByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var active *domain.Call
	for _, call := range r.calls {
		if call.ConversationID != conversationID || call.IsEnded() {
			continue
		}
		if active == nil || call.StartedAt.After(active.StartedAt) {
			active = call
		}
	}

	if active == nil {
		return nil, nil
	}
	cp := *active
	return &cp, nil
}

func (r *InMemoryCallRepository) MarkAccepted(ctx context.Context, callID uuid.UUID, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok || call.Status != domain.CallStatusRinging {
		return false, nil
	}

	call.Status = domain.CallStatusAccepted
	call.AcceptedAt = &at
	return true, nil
}

func (r *InMemoryCallRepository) MarkEnded(ctx context.Context, callID uuid.UUID, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok || call.IsEnded() {
		return false, nil
	}

	call.Status = domain.CallStatusEnded
	call.EndedAt = &at
	return true, nil
}

func (r *InMemoryCallRepository) EndActiveInConversation(ctx context.Context, conversationID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var ended []uuid.UUID
	for _, call := range r.calls {
		if call.ConversationID != conversationID || call.IsEnded() {
			continue
		}
		call.Status = domain.CallStatusEnded
		call.EndedAt = &at
		ended = append(ended, call.CallID)
	}

	return ended, nil
}

type InMemorySignalRepository struct {
	mu sync.RWMutex
	// keyed by (call_id, to_user_id), same shape as the Cassandra partition
	mailboxes map[mailboxKey][]*domain.Signal
}

type mailboxKey struct {
	callID   uuid.UUID
	toUserID uuid.UUID
}

func NewInMemorySignalRepository() *InMemorySignalRepository {
	return &InMemorySignalRepository{
		mailboxes: make(map[mailboxKey][]*domain.Signal),
	}
}

func (r *InMemorySignalRepository) Append(ctx context.Context, signal *domain.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if signal.SignalID == uuid.Nil {
		signal.SignalID = uuid.New()
	}

	cp := *signal
	key := mailboxKey{callID: signal.CallID, toUserID: signal.ToUserID}
	r.mailboxes[key] = append(r.mailboxes[key], &cp)
	return nil
}

func (r *InMemorySignalRepository) ListForRecipient(ctx context.Context, callID, toUserID uuid.UUID, limit int) ([]*domain.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	mailbox := r.mailboxes[mailboxKey{callID: callID, toUserID: toUserID}]

	result := make([]*domain.Signal, 0, len(mailbox))
	for _, signal := range mailbox {
		cp := *signal
		result = append(result, &cp)
	}

	// Newest first, matching the Cassandra clustering order.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

type InMemoryConversationRepository struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]*domain.Conversation
	participants  map[uuid.UUID][]uuid.UUID
}

func NewInMemoryConversationRepository() *InMemoryConversationRepository {
	return &InMemoryConversationRepository{
		conversations: make(map[uuid.UUID]*domain.Conversation),
		participants:  make(map[uuid.UUID][]uuid.UUID),
	}
}

// Seed registers a conversation with its participant list. Used by tests and
// the fallback mode, which has no conversation provisioning surface.
func (r *InMemoryConversationRepository) Seed(conv *domain.Conversation, participants []uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *conv
	r.conversations[conv.ConversationID] = &cp
	r.participants[conv.ConversationID] = append([]uuid.UUID(nil), participants...)
}

func (r *InMemoryConversationRepository) GetByID(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return nil, apperrors.NotFoundError("conversation")
	}

	cp := *conv
	return &cp, nil
}

func (r *InMemoryConversationRepository) Participants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]uuid.UUID(nil), r.participants[conversationID]...), nil
}
