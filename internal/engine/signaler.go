package engine

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wavelink-backend/internal/domain"
	redisrepo "wavelink-backend/internal/repository/redis"
	"wavelink-backend/internal/service/call"
	"wavelink-backend/pkg/logger"
)

// Signaler is the engine's view of the call registry, bound to one user
// identity. The in-process implementation wraps the registry service
// directly; a remote client would implement the same interface over HTTP.
type Signaler interface {
	ActiveCall(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error)
	Accept(ctx context.Context, callID uuid.UUID) (*call.AcceptResult, error)
	End(ctx context.Context, callID uuid.UUID) (bool, error)
	Send(ctx context.Context, callID, toUserID uuid.UUID, signalType domain.SignalType, payload []byte) error
	Signals(ctx context.Context, callID uuid.UUID) ([]*domain.Signal, error)
}

// RegistrySignaler adapts the registry service for one user.
type RegistrySignaler struct {
	svc    *call.Service
	userID uuid.UUID
}

func NewRegistrySignaler(svc *call.Service, userID uuid.UUID) *RegistrySignaler {
	return &RegistrySignaler{svc: svc, userID: userID}
}

func (s *RegistrySignaler) ActiveCall(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error) {
	return s.svc.ActiveCallFor(ctx, s.userID, conversationID)
}

func (s *RegistrySignaler) Accept(ctx context.Context, callID uuid.UUID) (*call.AcceptResult, error) {
	return s.svc.Accept(ctx, s.userID, callID)
}

func (s *RegistrySignaler) End(ctx context.Context, callID uuid.UUID) (bool, error) {
	return s.svc.End(ctx, s.userID, callID)
}

func (s *RegistrySignaler) Send(ctx context.Context, callID, toUserID uuid.UUID, signalType domain.SignalType, payload []byte) error {
	_, err := s.svc.SendSignal(ctx, s.userID, callID, toUserID, signalType, payload)
	return err
}

func (s *RegistrySignaler) Signals(ctx context.Context, callID uuid.UUID) ([]*domain.Signal, error) {
	return s.svc.SignalsFor(ctx, s.userID, callID)
}

// SubscribeWake bridges the Redis signal notifications into an engine wake
// channel. The returned channel closes when ctx is done. Errors degrade to
// poll-only operation.
func SubscribeWake(ctx context.Context, notifier *redisrepo.SignalNotifier, callID, userID uuid.UUID) <-chan struct{} {
	wake := make(chan struct{}, 1)

	sub, err := notifier.Subscribe(ctx, callID.String(), userID.String())
	if err != nil {
		logger.Warn("signal wake subscription unavailable, polling only",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		close(wake)
		return wake
	}

	go func() {
		defer close(wake)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()

	return wake
}
