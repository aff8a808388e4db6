package domain

import "github.com/pion/webrtc/v3"

// EventKind tags an entry in the unified session event feed.
type EventKind string

const (
	EventPeerJoined             EventKind = "peer-joined"
	EventPeerUpdated            EventKind = "peer-updated"
	EventPeerLeft               EventKind = "peer-left"
	EventTrackStreamReady       EventKind = "track-stream-ready"
	EventTrackStreamRemoved     EventKind = "track-stream-removed"
	EventConnected              EventKind = "connected"
	EventDisconnectedPermanent  EventKind = "disconnected-permanent"
)

// TrackStream is the handle collaborators (renderer, audio mixer)
// consume for one classified inbound media track.
type TrackStream struct {
	ID    string
	Kind  TrackKind
	Track *webrtc.TrackRemote
}

// SessionEvent is one entry in the feed the session manager exposes to
// external collaborators. Fields beyond Kind and PeerID are populated
// per kind.
type SessionEvent struct {
	Kind      EventKind
	PeerID    PeerID
	State     *PlayerState // peer-joined, peer-updated
	TrackKind TrackKind    // track-stream-ready, track-stream-removed
	Stream    *TrackStream // track-stream-ready
	Err       error        // disconnected-permanent
}
