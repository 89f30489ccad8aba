package engine

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"wavelink-backend/internal/domain"
)

// LocalMedia is a set of acquired local tracks. Stop releases the underlying
// capture resources and must be safe to call more than once.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Stop() error
}

// MediaSource acquires local media for a call: always audio, plus video for
// video calls.
type MediaSource interface {
	Acquire(callType domain.CallType) (LocalMedia, error)
}

// SampleMediaSource produces sample-fed local tracks (Opus audio, VP8 video)
// that a capture pipeline writes into. It is the default MediaSource; real
// device capture plugs in behind the same interface.
type SampleMediaSource struct {
	StreamID string
}

func NewSampleMediaSource() *SampleMediaSource {
	return &SampleMediaSource{StreamID: "wavelink"}
}

func (s *SampleMediaSource) Acquire(callType domain.CallType) (LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", s.StreamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	tracks := []webrtc.TrackLocal{audio}

	if callType == domain.CallTypeVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", s.StreamID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		tracks = append(tracks, video)
	}

	return &sampleMedia{tracks: tracks}, nil
}

type sampleMedia struct {
	tracks []webrtc.TrackLocal
}

func (m *sampleMedia) Tracks() []webrtc.TrackLocal {
	return m.tracks
}

func (m *sampleMedia) Stop() error {
	// Sample tracks hold no capture device; stopping the writer side is the
	// capture pipeline's job.
	return nil
}
