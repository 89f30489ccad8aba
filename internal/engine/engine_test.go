package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wavelink-backend/internal/domain"
	"wavelink-backend/internal/repository/memory"
	"wavelink-backend/internal/service/call"
)

type fakeTransport struct {
	mu               sync.Mutex
	localDesc        *webrtc.SessionDescription
	remoteDesc       *webrtc.SessionDescription
	candidates       []webrtc.ICECandidateInit
	offersCreated    int
	answersCreated   int
	setRemoteCalls   int
	failRemoteApply  int
	failCreateAnswer int
	onICE            func(*webrtc.ICECandidate)
	closed           bool
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offersCreated++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failCreateAnswer > 0 {
		t.failCreateAnswer--
		return webrtc.SessionDescription{}, assert.AnError
	}
	t.answersCreated++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localDesc = &desc
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setRemoteCalls++
	if t.failRemoteApply > 0 {
		t.failRemoteApply--
		return assert.AnError
	}
	t.remoteDesc = &desc
	return nil
}

func (t *fakeTransport) LocalDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localDesc
}

func (t *fakeTransport) RemoteDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteDesc
}

func (t *fakeTransport) SignalingState() webrtc.SignalingState {
	return webrtc.SignalingStateStable
}

func (t *fakeTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, candidate)
	return nil
}

func (t *fakeTransport) AddTrack(_ webrtc.TrackLocal) error { return nil }

func (t *fakeTransport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onICE = fn
}

func (t *fakeTransport) OnTrack(_ func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) remoteCandidateCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.candidates)
}

type fakeMedia struct {
	mu       sync.Mutex
	stops    int
	acquired int
}

func (m *fakeMedia) Acquire(_ domain.CallType) (LocalMedia, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
	return m, nil
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func (m *fakeMedia) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

type engineEnv struct {
	svc            *call.Service
	conversationID uuid.UUID
	callerID       uuid.UUID
	calleeID       uuid.UUID
	call           *domain.Call
}

func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()

	calls := memory.NewInMemoryCallRepository()
	signals := memory.NewInMemorySignalRepository()
	conversations := memory.NewInMemoryConversationRepository()

	env := &engineEnv{
		conversationID: uuid.New(),
		callerID:       uuid.New(),
		calleeID:       uuid.New(),
	}
	conversations.Seed(&domain.Conversation{
		ConversationID: env.conversationID,
		Type:           domain.ConversationTypeDirect,
		CreatedBy:      env.callerID,
		CreatedAt:      time.Now().UTC(),
	}, []uuid.UUID{env.callerID, env.calleeID})

	env.svc = call.NewService(calls, signals, conversations, nil, nil)

	started, err := env.svc.Start(context.Background(), env.callerID, env.conversationID, domain.CallTypeVoice)
	require.NoError(t, err)
	env.call = started

	return env
}

// newEngine builds an engine over a fixed fake transport with the poll loop
// effectively disabled; tests drive refresh directly.
func (e *engineEnv) newEngine(t *testing.T, userID uuid.UUID, transport *fakeTransport, opts ...func(*Options)) *Engine {
	t.Helper()

	o := Options{
		Signaler:        NewRegistrySignaler(e.svc, userID),
		ConversationID:  e.conversationID,
		UserID:          userID,
		Factory:         func(webrtc.Configuration) (Transport, error) { return transport, nil },
		Media:           &fakeMedia{},
		RefreshInterval: time.Hour,
	}
	for _, fn := range opts {
		fn(&o)
	}
	eng := New(o)
	t.Cleanup(eng.Close)
	return eng
}

func TestEngine_CallerSendsExactlyOneOffer(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	transport := &fakeTransport{}

	eng := env.newEngine(t, env.callerID, transport)
	require.NoError(t, eng.Open(ctx))
	assert.Equal(t, RoleCaller, eng.Role())
	assert.Equal(t, StateOfferSent, eng.State())

	// Extra refreshes replay the same mailbox; no second offer appears.
	eng.refresh(ctx)
	eng.refresh(ctx)

	inbox, err := env.svc.SignalsFor(ctx, env.calleeID, env.call.CallID)
	require.NoError(t, err)
	offers := 0
	for _, s := range inbox {
		if s.Type == domain.SignalTypeOffer {
			offers++
		}
	}
	assert.Equal(t, 1, offers)
	assert.Equal(t, 1, transport.offersCreated)
}

func TestEngine_CalleeAnswersOnceUnderReplays(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	offer, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	_, err := env.svc.SendSignal(ctx, env.callerID, env.call.CallID, env.calleeID, domain.SignalTypeOffer, offer)
	require.NoError(t, err)

	transport := &fakeTransport{}
	eng := env.newEngine(t, env.calleeID, transport)
	require.NoError(t, eng.Open(ctx))
	assert.Equal(t, RoleCallee, eng.Role())

	// The full history is redelivered every refresh; the state machine and
	// processed-id set keep the outcome single-shot.
	eng.refresh(ctx)
	eng.refresh(ctx)
	eng.refresh(ctx)

	assert.Equal(t, StateAnswered, eng.State())
	assert.Equal(t, 1, transport.answersCreated)

	inbox, err := env.svc.SignalsFor(ctx, env.callerID, env.call.CallID)
	require.NoError(t, err)
	answers, accepts := 0, 0
	for _, s := range inbox {
		switch s.Type {
		case domain.SignalTypeAnswer:
			answers++
		case domain.SignalTypeAccept:
			accepts++
		}
	}
	assert.Equal(t, 1, answers)
	assert.Equal(t, 1, accepts)

	active, err := env.svc.ActiveCallFor(ctx, env.callerID, env.conversationID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, domain.CallStatusAccepted, active.Status)
}

func TestEngine_LateAnswerIgnored(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	transport := &fakeTransport{}

	eng := env.newEngine(t, env.callerID, transport)
	require.NoError(t, eng.Open(ctx))

	answer, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 a1"})
	_, err := env.svc.SendSignal(ctx, env.calleeID, env.call.CallID, env.callerID, domain.SignalTypeAnswer, answer)
	require.NoError(t, err)

	eng.refresh(ctx)
	assert.Equal(t, StateStable, eng.State())
	assert.Equal(t, 1, transport.setRemoteCalls)

	// A second answer after stability is consumed without touching the
	// transport.
	late, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 a2"})
	_, err = env.svc.SendSignal(ctx, env.calleeID, env.call.CallID, env.callerID, domain.SignalTypeAnswer, late)
	require.NoError(t, err)

	eng.refresh(ctx)
	assert.Equal(t, StateStable, eng.State())
	assert.Equal(t, 1, transport.setRemoteCalls)
}

func TestEngine_EarlyCandidatesBufferedThenApplied(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	// Candidates land in the mailbox before the offer.
	for i := 0; i < 3; i++ {
		candidate, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:host"})
		_, err := env.svc.SendSignal(ctx, env.callerID, env.call.CallID, env.calleeID, domain.SignalTypeCandidate, candidate)
		require.NoError(t, err)
	}

	transport := &fakeTransport{}
	eng := env.newEngine(t, env.calleeID, transport)
	require.NoError(t, eng.Open(ctx))

	eng.refresh(ctx)
	assert.Equal(t, 0, transport.remoteCandidateCount(), "candidates must wait for a description")

	offer, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	_, err := env.svc.SendSignal(ctx, env.callerID, env.call.CallID, env.calleeID, domain.SignalTypeOffer, offer)
	require.NoError(t, err)

	eng.refresh(ctx)
	assert.Equal(t, 3, transport.remoteCandidateCount(), "buffered candidates flush after the offer applies")
	assert.Equal(t, StateAnswered, eng.State())
}

func TestEngine_RetriesFailedRemoteApply(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	offer, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	_, err := env.svc.SendSignal(ctx, env.callerID, env.call.CallID, env.calleeID, domain.SignalTypeOffer, offer)
	require.NoError(t, err)

	transport := &fakeTransport{failRemoteApply: 1}
	eng := env.newEngine(t, env.calleeID, transport)
	require.NoError(t, eng.Open(ctx))

	eng.refresh(ctx)
	assert.Equal(t, StateNew, eng.State(), "failed apply leaves the signal unconsumed")

	eng.refresh(ctx)
	assert.Equal(t, StateAnswered, eng.State())
	assert.Equal(t, 2, transport.setRemoteCalls)
}

func TestEngine_RetriesFailedAnswer(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	offer, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	_, err := env.svc.SendSignal(ctx, env.callerID, env.call.CallID, env.calleeID, domain.SignalTypeOffer, offer)
	require.NoError(t, err)

	transport := &fakeTransport{failCreateAnswer: 1}
	eng := env.newEngine(t, env.calleeID, transport)
	require.NoError(t, eng.Open(ctx))

	eng.refresh(ctx)
	assert.Equal(t, StateOfferApplied, eng.State(), "failed answer attempt stays retryable")

	eng.refresh(ctx)
	assert.Equal(t, StateAnswered, eng.State())
	assert.Equal(t, 1, transport.answersCreated)

	// The accept latch held across the retry: one accept signal total.
	inbox, err := env.svc.SignalsFor(ctx, env.callerID, env.call.CallID)
	require.NoError(t, err)
	accepts := 0
	for _, s := range inbox {
		if s.Type == domain.SignalTypeAccept {
			accepts++
		}
	}
	assert.Equal(t, 1, accepts)
}

func TestEngine_RemoteEndTearsDown(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	transport := &fakeTransport{}
	media := &fakeMedia{}
	closed := make(chan struct{})

	eng := env.newEngine(t, env.callerID, transport, func(o *Options) {
		o.Media = media
		o.OnClose = func() { close(closed) }
	})
	require.NoError(t, eng.Open(ctx))

	_, err := env.svc.End(ctx, env.calleeID, env.call.CallID)
	require.NoError(t, err)

	eng.refresh(ctx)

	select {
	case <-closed:
	default:
		t.Fatal("close callback did not fire")
	}
	assert.Equal(t, StateEnded, eng.State())
	assert.True(t, transport.isClosed())
	assert.Equal(t, 1, media.stopCount())
}

func TestEngine_EndCallNotifiesRegistryAndClosesLocally(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	transport := &fakeTransport{}

	eng := env.newEngine(t, env.callerID, transport)
	require.NoError(t, eng.Open(ctx))

	eng.EndCall(ctx)

	assert.Equal(t, StateEnded, eng.State())
	assert.True(t, transport.isClosed())

	active, err := env.svc.ActiveCallFor(ctx, env.calleeID, env.conversationID)
	require.NoError(t, err)
	assert.Nil(t, active)

	// The counterpart's mailbox carries the end notification.
	inbox, err := env.svc.SignalsFor(ctx, env.calleeID, env.call.CallID)
	require.NoError(t, err)
	found := false
	for _, s := range inbox {
		if s.Type == domain.SignalTypeEnd {
			found = true
		}
	}
	assert.True(t, found)
}

func TestEngine_TransportFallbackDropsICEHints(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	transport := &fakeTransport{}

	var configs []webrtc.Configuration
	factory := func(config webrtc.Configuration) (Transport, error) {
		configs = append(configs, config)
		if len(configs) == 1 {
			return nil, assert.AnError
		}
		return transport, nil
	}

	eng := env.newEngine(t, env.callerID, transport, func(o *Options) {
		o.Factory = factory
	})
	require.NoError(t, eng.Open(ctx))

	require.Len(t, configs, 2)
	assert.NotEmpty(t, configs[0].ICEServers)
	assert.Empty(t, configs[1].ICEServers)
	assert.Equal(t, StateOfferSent, eng.State())
}

func TestEngine_TransportFailureAbortsSetup(t *testing.T) {
	env := newEngineEnv(t)
	closed := make(chan struct{})

	factory := func(webrtc.Configuration) (Transport, error) { return nil, assert.AnError }
	eng := env.newEngine(t, env.callerID, nil, func(o *Options) {
		o.Factory = factory
		o.OnClose = func() { close(closed) }
	})

	err := eng.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateEnded, eng.State())

	select {
	case <-closed:
	default:
		t.Fatal("setup abort must still run teardown")
	}
}

func TestEngine_OpenWithoutActiveCallClosesEngine(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	closed := make(chan struct{})

	// The call ends before the dialog opens; the engine must still run its
	// teardown and notify.
	_, err := env.svc.End(ctx, env.callerID, env.call.CallID)
	require.NoError(t, err)

	eng := env.newEngine(t, env.callerID, &fakeTransport{}, func(o *Options) {
		o.OnClose = func() { close(closed) }
	})

	err = eng.Open(ctx)
	require.Error(t, err)
	assert.Equal(t, StateEnded, eng.State())

	select {
	case <-closed:
	default:
		t.Fatal("close callback must fire when open finds no active call")
	}
}

func TestEngine_TwoEngineHappyPath(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	callerTransport := &fakeTransport{}
	calleeTransport := &fakeTransport{}

	caller := env.newEngine(t, env.callerID, callerTransport)
	require.NoError(t, caller.Open(ctx))

	callee := env.newEngine(t, env.calleeID, calleeTransport)
	require.NoError(t, callee.Open(ctx))

	callee.refresh(ctx)
	caller.refresh(ctx)

	assert.Equal(t, StateStable, caller.State())
	assert.Equal(t, StateAnswered, callee.State())

	// Candidates discovered after the exchange flow straight through.
	callerTransport.onICE(&webrtc.ICECandidate{Foundation: "1", Protocol: webrtc.ICEProtocolUDP})
	callee.refresh(ctx)
	assert.Equal(t, 1, calleeTransport.remoteCandidateCount())

	active, err := env.svc.ActiveCallFor(ctx, env.callerID, env.conversationID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, domain.CallStatusAccepted, active.Status)
}

func TestReverseSignals(t *testing.T) {
	a := &domain.Signal{SignalID: uuid.New()}
	b := &domain.Signal{SignalID: uuid.New()}
	c := &domain.Signal{SignalID: uuid.New()}

	reversed := reverseSignals([]*domain.Signal{c, b, a})
	require.Len(t, reversed, 3)
	assert.Equal(t, a, reversed[0])
	assert.Equal(t, b, reversed[1])
	assert.Equal(t, c, reversed[2])

	assert.Empty(t, reverseSignals(nil))
}
