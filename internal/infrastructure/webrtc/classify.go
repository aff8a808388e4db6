package webrtc

import (
	"strings"

	"meshspace/internal/core/domain"
)

// TrackInfo is the transport-independent description of an inbound
// track, extracted from the pion track and its SDP context so the
// classifier stays a pure function.
type TrackInfo struct {
	ID    string
	Kind  string // "audio" or "video"
	Label string // human-readable stream label, may be empty
	// DisplaySurface is set when the sender exposed a display-surface
	// capability hint for this track.
	DisplaySurface bool
}

// screenLabelIndicators are the label substrings that mark a video
// track as a shared screen when no stronger signal is available.
var screenLabelIndicators = []string{"screen", "monitor", "window", "display"}

// Classify maps one inbound track to audio, camera or screen. The
// rules form a strict priority chain; the first match wins:
//
//  1. audio kind
//  2. id announced in the peer's screen track metadata
//  3. display-surface capability hint
//  4. screen-ish label substring, case-insensitive
//  5. camera
func Classify(track TrackInfo, meta domain.MediaMetadata) domain.TrackKind {
	if track.Kind == "audio" {
		return domain.TrackAudio
	}
	if meta.HasScreenTrack(track.ID) {
		return domain.TrackScreen
	}
	if track.DisplaySurface {
		return domain.TrackScreen
	}
	label := strings.ToLower(track.Label)
	for _, indicator := range screenLabelIndicators {
		if strings.Contains(label, indicator) {
			return domain.TrackScreen
		}
	}
	return domain.TrackCamera
}
