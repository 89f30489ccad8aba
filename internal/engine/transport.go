package engine

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"wavelink-backend/pkg/logger"
)

// DefaultICEServers are the STUN hints handed to a new transport. Hints are
// an optimization: construction falls back to a hintless transport when the
// hinted one cannot be built.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}},
}

// Transport is one peer-to-peer media session. The production implementation
// wraps a pion PeerConnection; tests substitute a fake.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) error
	OnICECandidate(fn func(*webrtc.ICECandidate))
	OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// TransportFactory builds a Transport for a given configuration.
type TransportFactory func(config webrtc.Configuration) (Transport, error)

// NewPionTransport is the production TransportFactory.
func NewPionTransport(config webrtc.Configuration) (Transport, error) {
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionTransport{pc: pc}, nil
}

type pionTransport struct {
	pc *webrtc.PeerConnection
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) LocalDescription() *webrtc.SessionDescription {
	return t.pc.LocalDescription()
}

func (t *pionTransport) RemoteDescription() *webrtc.SessionDescription {
	return t.pc.RemoteDescription()
}

func (t *pionTransport) SignalingState() webrtc.SignalingState {
	return t.pc.SignalingState()
}

func (t *pionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *pionTransport) AddTrack(track webrtc.TrackLocal) error {
	_, err := t.pc.AddTrack(track)
	return err
}

func (t *pionTransport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

func (t *pionTransport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	t.pc.OnTrack(fn)
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

// newTransportWithFallback builds a transport with the given STUN hints,
// retrying once without hints. A second failure aborts setup.
func newTransportWithFallback(factory TransportFactory, iceServers []webrtc.ICEServer) (Transport, error) {
	transport, err := factory(webrtc.Configuration{ICEServers: iceServers})
	if err == nil {
		return transport, nil
	}

	logger.Warn("transport construction with ICE hints failed, retrying without hints", zap.Error(err))

	transport, retryErr := factory(webrtc.Configuration{})
	if retryErr != nil {
		return nil, fmt.Errorf("failed to create transport: %w", retryErr)
	}
	return transport, nil
}
