package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wavelink-backend/internal/domain"
	"wavelink-backend/internal/repository/memory"
	apperrors "wavelink-backend/pkg/errors"
)

type recordingNotifier struct {
	mu      sync.Mutex
	signals []*domain.Signal
}

func (n *recordingNotifier) Notify(_ context.Context, signal *domain.Signal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, signal)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.signals)
}

type testEnv struct {
	svc            *Service
	signals        *memory.InMemorySignalRepository
	notifier       *recordingNotifier
	conversationID uuid.UUID
	callerID       uuid.UUID
	calleeID       uuid.UUID
	outsiderID     uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	calls := memory.NewInMemoryCallRepository()
	signals := memory.NewInMemorySignalRepository()
	conversations := memory.NewInMemoryConversationRepository()
	notifier := &recordingNotifier{}

	env := &testEnv{
		signals:        signals,
		notifier:       notifier,
		conversationID: uuid.New(),
		callerID:       uuid.New(),
		calleeID:       uuid.New(),
		outsiderID:     uuid.New(),
	}

	conversations.Seed(&domain.Conversation{
		ConversationID: env.conversationID,
		Type:           domain.ConversationTypeDirect,
		CreatedBy:      env.callerID,
		CreatedAt:      time.Now().UTC(),
	}, []uuid.UUID{env.callerID, env.calleeID})

	env.svc = NewService(calls, signals, conversations, notifier, nil)
	return env
}

func TestStart_CreatesRingingCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call, err := env.svc.Start(ctx, env.callerID, env.conversationID, domain.CallTypeVideo)
	require.NoError(t, err)

	assert.Equal(t, env.callerID, call.CallerID)
	assert.Equal(t, env.calleeID, call.CalleeID)
	assert.Equal(t, domain.CallTypeVideo, call.Type)
	assert.Equal(t, domain.CallStatusRinging, call.Status)
	assert.Nil(t, call.AcceptedAt)
	assert.Nil(t, call.EndedAt)
}

func TestStart_SupersedesActiveCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.Start(ctx, env.callerID, env.conversationID, domain.CallTypeVoice)
	require.NoError(t, err)

	second, err := env.svc.Start(ctx, env.calleeID, env.conversationID, domain.CallTypeVoice)
	require.NoError(t, err)

	// The old call is terminal and only the new one is active.
	active, err := env.svc.ActiveCallFor(ctx, env.callerID, env.conversationID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.CallID, active.CallID)

	// The superseded call was force-ended; ending it again is a successful
	// no-op and appends no end signal.
	end, err := env.svc.End(ctx, env.callerID, first.CallID)
	require.NoError(t, err)
	assert.True(t, end)

	inbox, err := env.svc.SignalsFor(ctx, env.calleeID, first.CallID)
	require.NoError(t, err)
	for _, s := range inbox {
		assert.NotEqual(t, domain.SignalTypeEnd, s.Type)
	}
}

func TestStart_RequiresIdentity(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Start(context.Background(), uuid.Nil, env.conversationID, domain.CallTypeVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotAuthenticated))
}

func TestStart_RejectsUnknownConversation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Start(context.Background(), env.callerID, uuid.New(), domain.CallTypeVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestStart_RejectsGroupConversation(t *testing.T) {
	calls := memory.NewInMemoryCallRepository()
	signals := memory.NewInMemorySignalRepository()
	conversations := memory.NewInMemoryConversationRepository()
	caller := uuid.New()

	groupID := uuid.New()
	conversations.Seed(&domain.Conversation{
		ConversationID: groupID,
		Type:           "group",
		CreatedBy:      caller,
		CreatedAt:      time.Now().UTC(),
	}, []uuid.UUID{caller, uuid.New(), uuid.New()})

	tooManyID := uuid.New()
	conversations.Seed(&domain.Conversation{
		ConversationID: tooManyID,
		Type:           domain.ConversationTypeDirect,
		CreatedBy:      caller,
		CreatedAt:      time.Now().UTC(),
	}, []uuid.UUID{caller, uuid.New(), uuid.New()})

	svc := NewService(calls, signals, conversations, nil, nil)

	_, err := svc.Start(context.Background(), caller, groupID, domain.CallTypeVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTopology))

	_, err = svc.Start(context.Background(), caller, tooManyID, domain.CallTypeVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTopology))
}

func TestStart_RejectsNonParticipant(t *testing.T) {
	env := newTestEnv(t)

	// A two-person direct conversation: the outsider must be refused as
	// unauthorized, not as a topology problem.
	_, err := env.svc.Start(context.Background(), env.outsiderID, env.conversationID, domain.CallTypeVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotAuthorized))
	assert.False(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTopology))
}

func TestStart_NonParticipantBeatsTopologyVerdict(t *testing.T) {
	calls := memory.NewInMemoryCallRepository()
	signals := memory.NewInMemorySignalRepository()
	conversations := memory.NewInMemoryConversationRepository()

	// Malformed direct conversation with three members: an outsider is still
	// told about authorization, never about the member count.
	convID := uuid.New()
	conversations.Seed(&domain.Conversation{
		ConversationID: convID,
		Type:           domain.ConversationTypeDirect,
		CreatedBy:      uuid.New(),
		CreatedAt:      time.Now().UTC(),
	}, []uuid.UUID{uuid.New(), uuid.New(), uuid.New()})

	svc := NewService(calls, signals, conversations, nil, nil)

	_, err := svc.Start(context.Background(), uuid.New(), convID, domain.CallTypeVoice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotAuthorized))
}

func TestAccept_TransitionsAndSignalsCaller(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call, err := env.svc.Start(ctx, env.callerID, env.conversationID, domain.CallTypeVoice)
	require.NoError(t, err)

	result, err := env.svc.Accept(ctx, env.calleeID, call.CallID)
	require.NoError(t, err)
	assert.True(t, result.Success)

	active, err := env.svc.ActiveCallFor(ctx, env.callerID, env.conversationID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, domain.CallStatusAccepted, active.Status)
	require.NotNil(t, active.AcceptedAt)

	// The caller's mailbox got the accept notification.
	inbox, err := env.svc.SignalsFor(ctx, env.callerID, call.CallID)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, domain.SignalTypeAccept, inbox[0].Type)
	assert.Equal(t, env.calleeID, inbox[0].FromUserID)
}

func TestAccept_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call, err := env.svc.Start(ctx, env.callerID, env.conversationID, domain.CallTypeVoice)
	require.NoError(t, err)

	first, err := env.svc.Accept(ctx, env.calleeID, call.CallID)
	require.NoError(t, err)
	second, err := env.svc.Accept(ctx, env.calleeID, call.CallID)
	require.NoError(t, err)

	assert.True(t, first.Success)
	assert.True(t, second.Success)

	// Only the transition appended an accept signal.
	inbox, err := env.svc.SignalsFor(ctx, env.callerID, call.CallID)
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
}

func TestAccept_SoftFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call, err := env.svc.Start(ctx, env.callerID, env.conversationID, domain.CallTypeVoice)
	require.NoError(t, err)

	// Missing call.
	result, err := env.svc.Accept(ctx, env.calleeID, uuid.New())
	require.NoError(t, err)
	assert.False(t, result.Success)

	// Outsider.
	result, err = env.svc.Accept(ctx, env.outsiderID, call.CallID)
	require.NoError(t, err)
	assert.False(t, result.Success)

	// Caller accepting own call is a tolerated no-op.
	result, err = env.svc.Accept(ctx, env.callerID, call.CallID)
	require.NoError(t, err)
	assert.True(t, result.Success)

	// Ended call.
	_, err = env.svc.End(ctx, env.callerID, call.CallID)
	require.NoError(t, err)
	result, err = env.svc.Accept(ctx, env.calleeID, call.CallID)
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestAccept_RequiresIdentity(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Accept(context.Background(), uuid.Nil, uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotAuthenticated))
}

func TestEnd_AppendsEndSignalOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call, err := env.svc.Start(ctx, env.callerID, env.conversationID, domain.CallTypeVoice)
	require.NoError(t, err)

	first, err := env.svc.End(ctx, env.calleeID, call.CallID)
	require.NoError(t, err)
	second, err := env.svc.End(ctx, env.calleeID, call.CallID)
	require.NoError(t, err)

	// Repeated ends succeed either way; only the first performs the
	// transition.
	assert.True(t, first)
	assert.True(t, second)

	// Exactly one end signal, addressed to the other participant.
	inbox, err := env.svc.SignalsFor(ctx, env.callerID, call.CallID)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, domain.SignalTypeEnd, inbox[0].Type)
	assert.Equal(t, env.callerID, inbox[0].ToUserID)
}

func TestEnd_EitherParticipant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call, err := env.svc.Start(ctx, env.callerID, env.conversationID, domain.CallTypeVoice)
	require.NoError(t, err)

	_, err = env.svc.End(ctx, env.outsiderID, call.CallID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotAuthorized))

	done, err := env.svc.End(ctx, env.callerID, call.CallID)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestSendSignal_AppendsAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call, err := env.svc.Start(ctx, env.callerID, env.conversationID, domain.CallTypeVoice)
	require.NoError(t, err)

	signal, err := env.svc.SendSignal(ctx, env.callerID, call.CallID, env.calleeID, domain.SignalTypeOffer, []byte(`{"type":"offer","sdp":"v=0"}`))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, signal.SignalID)
	assert.Equal(t, 1, env.notifier.count())

	inbox, err := env.svc.SignalsFor(ctx, env.calleeID, call.CallID)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, domain.SignalTypeOffer, inbox[0].Type)
}

func TestSendSignal_Restrictions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call, err := env.svc.Start(ctx, env.callerID, env.conversationID, domain.CallTypeVoice)
	require.NoError(t, err)

	// Sender must participate.
	_, err = env.svc.SendSignal(ctx, env.outsiderID, call.CallID, env.calleeID, domain.SignalTypeCandidate, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotAuthorized))

	// Recipient must be the counterpart.
	_, err = env.svc.SendSignal(ctx, env.callerID, call.CallID, env.outsiderID, domain.SignalTypeCandidate, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotAuthorized))

	// Lifecycle types are registry-generated only.
	_, err = env.svc.SendSignal(ctx, env.callerID, call.CallID, env.calleeID, domain.SignalTypeEnd, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	// Ended calls reject further negotiation traffic.
	_, err = env.svc.End(ctx, env.callerID, call.CallID)
	require.NoError(t, err)
	_, err = env.svc.SendSignal(ctx, env.callerID, call.CallID, env.calleeID, domain.SignalTypeCandidate, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallEnded))
}

func TestActiveCallFor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// No call yet.
	active, err := env.svc.ActiveCallFor(ctx, env.callerID, env.conversationID)
	require.NoError(t, err)
	assert.Nil(t, active)

	call, err := env.svc.Start(ctx, env.callerID, env.conversationID, domain.CallTypeVoice)
	require.NoError(t, err)

	active, err = env.svc.ActiveCallFor(ctx, env.calleeID, env.conversationID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, call.CallID, active.CallID)

	// Outsiders see nothing, not an error.
	active, err = env.svc.ActiveCallFor(ctx, env.outsiderID, env.conversationID)
	require.NoError(t, err)
	assert.Nil(t, active)

	// Ended calls are invisible.
	_, err = env.svc.End(ctx, env.callerID, call.CallID)
	require.NoError(t, err)
	active, err = env.svc.ActiveCallFor(ctx, env.callerID, env.conversationID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestSignalsFor_AddressingOrderAndCap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call, err := env.svc.Start(ctx, env.callerID, env.conversationID, domain.CallTypeVoice)
	require.NoError(t, err)

	// Seed the mailbox past the cap with strictly increasing timestamps.
	base := time.Now().UTC()
	total := 120
	for i := 0; i < total; i++ {
		to, from := env.calleeID, env.callerID
		if i%10 == 0 {
			to, from = env.callerID, env.calleeID
		}
		err := env.signals.Append(ctx, &domain.Signal{
			SignalID:   uuid.New(),
			CallID:     call.CallID,
			FromUserID: from,
			ToUserID:   to,
			Type:       domain.SignalTypeCandidate,
			Payload:    []byte(fmt.Sprintf(`{"candidate":"%d"}`, i)),
			CreatedAt:  base.Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
	}

	inbox, err := env.svc.SignalsFor(ctx, env.calleeID, call.CallID)
	require.NoError(t, err)

	// Only signals addressed to the requester, newest first, capped.
	assert.Len(t, inbox, 100)
	for i := 0; i < len(inbox); i++ {
		assert.Equal(t, env.calleeID, inbox[i].ToUserID)
		if i > 0 {
			assert.False(t, inbox[i].CreatedAt.After(inbox[i-1].CreatedAt))
		}
	}

	_, err = env.svc.SignalsFor(ctx, env.outsiderID, call.CallID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotAuthorized))
}
