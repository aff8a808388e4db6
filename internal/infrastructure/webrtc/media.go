package webrtc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// StaticSource is the default media source: one opus audio track and
// one vp8 camera track, plus an on-demand vp8 screen track. Samples
// are written by whatever capture pipeline the embedding application
// wires in; the session layer only cares about track lifecycle.
type StaticSource struct {
	logger *zap.SugaredLogger

	mu     sync.Mutex
	audio  *webrtc.TrackLocalStaticSample
	camera *webrtc.TrackLocalStaticSample
	screen *webrtc.TrackLocalStaticSample
	closed bool
}

// NewStaticSource builds the base tracks. Callers treat an error as
// device denial and run the session with hasMedia=false.
func NewStaticSource(logger *zap.SugaredLogger) (*StaticSource, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio-"+uuid.NewString(),
		"meshspace-audio",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	camera, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"camera-"+uuid.NewString(),
		"meshspace-camera",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create camera track: %w", err)
	}

	return &StaticSource{logger: logger, audio: audio, camera: camera}, nil
}

// Available implements ports.MediaSource.
func (s *StaticSource) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Tracks returns the base audio and camera tracks.
func (s *StaticSource) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return []webrtc.TrackLocal{s.audio, s.camera}
}

// StartScreenShare lazily creates the screen track.
func (s *StaticSource) StartScreenShare() (webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("media source closed")
	}
	if s.screen != nil {
		return s.screen, nil
	}

	screen, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen-"+uuid.NewString(),
		"meshspace-screen",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create screen track: %w", err)
	}
	s.screen = screen
	s.logger.Infow("screen share track created", "track_id", screen.ID())
	return screen, nil
}

// StopScreenShare releases the screen track.
func (s *StaticSource) StopScreenShare() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screen = nil
}

// ScreenTrackIDs lists the ids announced in screen_track_metadata.
func (s *StaticSource) ScreenTrackIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screen == nil {
		return nil
	}
	return []string{s.screen.ID()}
}

// Close stops all owned capture.
func (s *StaticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.audio = nil
	s.camera = nil
	s.screen = nil
	return nil
}
