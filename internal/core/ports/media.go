package ports

import "github.com/pion/webrtc/v3"

// MediaSource owns the local capture tracks. Device denial is not an
// error: an unavailable source degrades the session to hasMedia=false.
type MediaSource interface {
	// Available reports whether base media (audio + camera) exists.
	Available() bool
	// Tracks returns the base tracks to attach at offer time.
	Tracks() []webrtc.TrackLocal

	// StartScreenShare creates the screen track; repeated calls return
	// the existing one. StopScreenShare releases it.
	StartScreenShare() (webrtc.TrackLocal, error)
	StopScreenShare()
	// ScreenTrackIDs lists ids to announce in screen_track_metadata.
	ScreenTrackIDs() []string

	Close() error
}
