// Package engine implements the client-side negotiation engine: one instance
// drives one user's side of one call dialog, from transport setup through
// offer/answer exchange to teardown.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"wavelink-backend/internal/domain"
	"wavelink-backend/pkg/constants"
	"wavelink-backend/pkg/logger"
)

// State is the engine's negotiation progress. Caller path:
// new -> offer_sent -> stable. Callee path: new -> offer_applied -> answered.
// ended is terminal from anywhere.
type State string

const (
	StateNew          State = "new"
	StateOfferSent    State = "offer_sent"
	StateOfferApplied State = "offer_applied"
	StateAnswered     State = "answered"
	StateStable       State = "stable"
	StateEnded        State = "ended"
)

// Role is the engine's side of the call.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Options configures an Engine.
type Options struct {
	Signaler       Signaler
	ConversationID uuid.UUID
	UserID         uuid.UUID

	// Factory defaults to NewPionTransport.
	Factory TransportFactory
	// Media defaults to NewSampleMediaSource.
	Media MediaSource
	// ICEServers defaults to DefaultICEServers.
	ICEServers []webrtc.ICEServer
	// RefreshInterval defaults to constants.SignalRefreshInterval.
	RefreshInterval time.Duration
	// Wake optionally delivers push notifications of new signals; the engine
	// polls regardless. See SubscribeWake.
	Wake <-chan struct{}

	// OnRemoteTrack fires for each inbound media track.
	OnRemoteTrack func(*webrtc.TrackRemote)
	// OnClose fires exactly once, after teardown completes.
	OnClose func()
}

// Engine drives one side of one call negotiation.
type Engine struct {
	signaler Signaler
	factory  TransportFactory
	media    MediaSource
	servers  []webrtc.ICEServer
	interval time.Duration
	wake     <-chan struct{}

	userID         uuid.UUID
	conversationID uuid.UUID

	onRemoteTrack func(*webrtc.TrackRemote)
	onClose       func()

	mu         sync.Mutex
	state      State
	acceptSent bool
	call       *domain.Call
	role       Role
	peerID     uuid.UUID
	transport  Transport
	localMedia LocalMedia
	processed  map[uuid.UUID]struct{}
	pending    []webrtc.ICECandidateInit

	done      chan struct{}
	closeOnce sync.Once
}

// New creates an engine. Open must be called before the engine does anything.
func New(opts Options) *Engine {
	if opts.Factory == nil {
		opts.Factory = NewPionTransport
	}
	if opts.Media == nil {
		opts.Media = NewSampleMediaSource()
	}
	if opts.ICEServers == nil {
		opts.ICEServers = DefaultICEServers
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = constants.SignalRefreshInterval
	}

	return &Engine{
		signaler:       opts.Signaler,
		factory:        opts.Factory,
		media:          opts.Media,
		servers:        opts.ICEServers,
		interval:       opts.RefreshInterval,
		wake:           opts.Wake,
		userID:         opts.UserID,
		conversationID: opts.ConversationID,
		onRemoteTrack:  opts.OnRemoteTrack,
		onClose:        opts.OnClose,
		state:          StateNew,
		processed:      make(map[uuid.UUID]struct{}),
		done:           make(chan struct{}),
	}
}

// State returns the current negotiation state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Call returns the call this engine is bound to; nil before Open.
func (e *Engine) Call() *domain.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.call
}

// Role returns the engine's side of the call; empty before Open.
func (e *Engine) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Open binds the engine to the conversation's active call, builds the
// transport and local media, and starts the signal processing loop. The
// caller side sends its one offer before Open returns. Any setup failure
// tears the engine down before the error is returned.
func (e *Engine) Open(ctx context.Context) error {
	activeCall, err := e.signaler.ActiveCall(ctx, e.conversationID)
	if err != nil {
		e.Close()
		return err
	}
	if activeCall == nil {
		e.Close()
		return fmt.Errorf("no active call in conversation %s", e.conversationID)
	}

	e.mu.Lock()
	e.call = activeCall
	if activeCall.CallerID == e.userID {
		e.role = RoleCaller
	} else {
		e.role = RoleCallee
	}
	e.peerID = activeCall.CounterpartOf(e.userID)
	e.mu.Unlock()

	transport, err := newTransportWithFallback(e.factory, e.servers)
	if err != nil {
		e.Close()
		return err
	}

	// Peer identity is resolved before any callback can fire, so an early
	// local candidate always has a recipient.
	transport.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if e.onRemoteTrack != nil {
			e.onRemoteTrack(track)
		}
	})
	transport.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		e.sendLocalCandidate(candidate.ToJSON())
	})

	localMedia, err := e.media.Acquire(activeCall.Type)
	if err != nil {
		e.mu.Lock()
		e.transport = transport
		e.mu.Unlock()
		e.Close()
		return fmt.Errorf("failed to acquire local media: %w", err)
	}
	for _, track := range localMedia.Tracks() {
		if err := transport.AddTrack(track); err != nil {
			e.mu.Lock()
			e.transport = transport
			e.localMedia = localMedia
			e.mu.Unlock()
			e.Close()
			return fmt.Errorf("failed to attach local track: %w", err)
		}
	}

	e.mu.Lock()
	e.transport = transport
	e.localMedia = localMedia
	e.mu.Unlock()

	if e.roleIs(RoleCaller) {
		if err := e.sendOffer(ctx); err != nil {
			e.Close()
			return err
		}
	}

	go e.run()
	return nil
}

// sendOffer creates and publishes the caller's single offer.
func (e *Engine) sendOffer(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateNew {
		return nil
	}

	offer, err := e.transport.CreateOffer()
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := e.transport.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	payload, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("failed to encode offer: %w", err)
	}
	if err := e.signaler.Send(ctx, e.call.CallID, e.peerID, domain.SignalTypeOffer, payload); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}

	e.state = StateOfferSent
	return nil
}

func (e *Engine) roleIs(role Role) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role == role
}

// sendLocalCandidate publishes one local connectivity candidate. Best effort:
// a lost candidate degrades connectivity, not correctness.
func (e *Engine) sendLocalCandidate(candidate webrtc.ICECandidateInit) {
	e.mu.Lock()
	if e.state == StateEnded || e.call == nil {
		e.mu.Unlock()
		return
	}
	callID, peerID := e.call.CallID, e.peerID
	e.mu.Unlock()

	payload, err := json.Marshal(candidate)
	if err != nil {
		logger.Error("failed to encode local candidate", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()
	if err := e.signaler.Send(ctx, callID, peerID, domain.SignalTypeCandidate, payload); err != nil {
		logger.Warn("failed to send local candidate",
			zap.String("call_id", callID.String()),
			zap.Error(err))
	}
}

// run polls the signal mailbox until teardown, waking early on push
// notifications.
func (e *Engine) run() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	wake := e.wake
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				// Push channel gone; keep polling.
				wake = nil
				continue
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		e.refresh(ctx)
		cancel()
	}
}

// refresh fetches the newest-first mailbox batch, replays it oldest-first
// through the state machine, then retries the callee's answer if one is
// still owed.
func (e *Engine) refresh(ctx context.Context) {
	e.mu.Lock()
	if e.state == StateEnded || e.call == nil {
		e.mu.Unlock()
		return
	}
	callID := e.call.CallID
	e.mu.Unlock()

	batch, err := e.signaler.Signals(ctx, callID)
	if err != nil {
		logger.Warn("failed to fetch signals",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return
	}

	for _, signal := range reverseSignals(batch) {
		if e.handleSignal(ctx, signal) {
			e.markProcessed(signal.SignalID)
		}
		if e.State() == StateEnded {
			return
		}
	}

	if e.roleIs(RoleCallee) && e.State() == StateOfferApplied {
		e.tryAnswer(ctx)
	}
}

// handleSignal applies one inbound signal. The return value reports whether
// the signal is consumed: unconsumed signals reappear in later batches and
// are retried, which is how a transient remote-description failure heals.
func (e *Engine) handleSignal(ctx context.Context, signal *domain.Signal) bool {
	if e.isProcessed(signal.SignalID) {
		return false
	}

	switch signal.Type {
	case domain.SignalTypeOffer:
		return e.applyOffer(signal)
	case domain.SignalTypeAnswer:
		return e.applyAnswer(signal)
	case domain.SignalTypeCandidate:
		return e.applyCandidate(signal)
	case domain.SignalTypeAccept:
		// Informational; the caller advances on the answer itself.
		return true
	case domain.SignalTypeEnd:
		logger.Info("remote ended call", zap.String("call_id", signal.CallID.String()))
		e.Close()
		return true
	default:
		logger.Warn("unknown signal type",
			zap.String("type", string(signal.Type)),
			zap.String("signal_id", signal.SignalID.String()))
		return true
	}
}

// applyOffer handles the callee's one remote offer. Duplicate offers are
// consumed without effect, which keeps the answer count at one.
func (e *Engine) applyOffer(signal *domain.Signal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != RoleCallee || e.state != StateNew {
		return true
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(signal.Payload, &desc); err != nil {
		logger.Error("malformed offer payload",
			zap.String("signal_id", signal.SignalID.String()),
			zap.Error(err))
		return true
	}

	if err := e.transport.SetRemoteDescription(desc); err != nil {
		logger.Warn("failed to apply remote offer, will retry",
			zap.String("signal_id", signal.SignalID.String()),
			zap.Error(err))
		return false
	}

	e.state = StateOfferApplied
	e.flushPendingLocked()
	return true
}

// applyAnswer handles the caller's one remote answer. Late or duplicate
// answers are consumed without effect.
func (e *Engine) applyAnswer(signal *domain.Signal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != RoleCaller || e.state != StateOfferSent {
		return true
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(signal.Payload, &desc); err != nil {
		logger.Error("malformed answer payload",
			zap.String("signal_id", signal.SignalID.String()),
			zap.Error(err))
		return true
	}

	if err := e.transport.SetRemoteDescription(desc); err != nil {
		logger.Warn("failed to apply remote answer, will retry",
			zap.String("signal_id", signal.SignalID.String()),
			zap.Error(err))
		return false
	}

	e.state = StateStable
	e.flushPendingLocked()
	return true
}

// applyCandidate adds one remote connectivity candidate, buffering it when
// no remote description has been applied yet.
func (e *Engine) applyCandidate(signal *domain.Signal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(signal.Payload, &candidate); err != nil {
		logger.Error("malformed candidate payload",
			zap.String("signal_id", signal.SignalID.String()),
			zap.Error(err))
		return true
	}

	if e.transport.RemoteDescription() == nil {
		e.pending = append(e.pending, candidate)
		return true
	}

	if err := e.transport.AddICECandidate(candidate); err != nil {
		logger.Warn("failed to add remote candidate",
			zap.String("signal_id", signal.SignalID.String()),
			zap.Error(err))
	}
	return true
}

// flushPendingLocked drains candidates that arrived before any description.
// Caller holds e.mu.
func (e *Engine) flushPendingLocked() {
	for _, candidate := range e.pending {
		if err := e.transport.AddICECandidate(candidate); err != nil {
			logger.Warn("failed to add buffered candidate", zap.Error(err))
		}
	}
	e.pending = nil
}

// tryAnswer runs the callee's accept-and-answer step. The accept latch is
// set before the registry round-trip and never reset; a failure after it
// returns the engine to offer_applied so the answer is retried on the next
// batch without accepting twice.
func (e *Engine) tryAnswer(ctx context.Context) {
	e.mu.Lock()
	if e.state != StateOfferApplied {
		e.mu.Unlock()
		return
	}
	callID, peerID := e.call.CallID, e.peerID
	alreadyAccepted := e.acceptSent
	e.acceptSent = true
	e.mu.Unlock()

	if !alreadyAccepted {
		result, err := e.signaler.Accept(ctx, callID)
		if err != nil {
			logger.Warn("accept round-trip failed",
				zap.String("call_id", callID.String()),
				zap.Error(err))
		} else if !result.Success {
			logger.Info("accept refused, ending dialog",
				zap.String("call_id", callID.String()),
				zap.String("reason", result.Message))
			e.Close()
			return
		}
	}

	e.mu.Lock()
	if e.state != StateOfferApplied {
		e.mu.Unlock()
		return
	}

	answer, err := e.transport.CreateAnswer()
	if err == nil {
		err = e.transport.SetLocalDescription(answer)
	}
	var payload []byte
	if err == nil {
		payload, err = json.Marshal(answer)
	}
	if err != nil {
		e.mu.Unlock()
		logger.Warn("failed to build answer, will retry",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return
	}
	e.state = StateAnswered
	e.mu.Unlock()

	if err := e.signaler.Send(ctx, callID, peerID, domain.SignalTypeAnswer, payload); err != nil {
		logger.Warn("failed to send answer, will retry",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		e.mu.Lock()
		if e.state == StateAnswered {
			e.state = StateOfferApplied
		}
		e.mu.Unlock()
	}
}

func (e *Engine) isProcessed(signalID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.processed[signalID]
	return ok
}

func (e *Engine) markProcessed(signalID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processed[signalID] = struct{}{}
}

// EndCall notifies the registry that this side hung up, then tears down
// locally. The registry call is best effort: local teardown happens either
// way.
func (e *Engine) EndCall(ctx context.Context) {
	e.mu.Lock()
	var callID uuid.UUID
	if e.call != nil {
		callID = e.call.CallID
	}
	e.mu.Unlock()

	if callID != uuid.Nil {
		if _, err := e.signaler.End(ctx, callID); err != nil {
			logger.Warn("failed to end call at registry",
				zap.String("call_id", callID.String()),
				zap.Error(err))
		}
	}
	e.Close()
}

// Close tears the engine down: stops the loop, releases local media, closes
// the transport and fires the close callback. Idempotent; every exit path
// funnels through here.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.state = StateEnded
		transport := e.transport
		localMedia := e.localMedia
		e.mu.Unlock()

		close(e.done)

		if localMedia != nil {
			if err := localMedia.Stop(); err != nil {
				logger.Warn("failed to stop local media", zap.Error(err))
			}
		}
		if transport != nil {
			if err := transport.Close(); err != nil {
				logger.Warn("failed to close transport", zap.Error(err))
			}
		}
		if e.onClose != nil {
			e.onClose()
		}
	})
}

// reverseSignals returns the batch in oldest-first order. The registry
// serves newest-first; the state machine consumes chronologically.
func reverseSignals(signals []*domain.Signal) []*domain.Signal {
	out := make([]*domain.Signal, len(signals))
	for i, s := range signals {
		out[len(signals)-1-i] = s
	}
	return out
}
