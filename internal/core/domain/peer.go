package domain

import "time"

// PeerRecord is one roster entry for a known remote peer. Records are
// owned by the session manager; peer links never mutate them.
type PeerRecord struct {
	ID       PeerID
	State    PlayerState
	LastSeen time.Time
	Media    MediaMetadata
}

// MediaMetadata is the out-of-band media description a peer has
// announced, currently the authoritative set of screen track ids.
type MediaMetadata struct {
	ScreenTrackIDs []string
}

// HasScreenTrack reports whether the peer announced the track id as a
// screen track.
func (m MediaMetadata) HasScreenTrack(id string) bool {
	for _, t := range m.ScreenTrackIDs {
		if t == id {
			return true
		}
	}
	return false
}

// AddScreenTracks merges newly announced ids, ignoring duplicates.
func (m *MediaMetadata) AddScreenTracks(ids []string) {
	for _, id := range ids {
		if !m.HasScreenTrack(id) {
			m.ScreenTrackIDs = append(m.ScreenTrackIDs, id)
		}
	}
}

// TrackKind is the classification of an inbound media track.
type TrackKind string

const (
	TrackAudio  TrackKind = "audio"
	TrackCamera TrackKind = "camera"
	TrackScreen TrackKind = "screen"
)

// NegotiationState is the per-link negotiation machine state.
type NegotiationState int

const (
	NegotiationIdle NegotiationState = iota
	NegotiationOfferSent
	NegotiationOfferReceived
	NegotiationAnswerExchanged
	NegotiationConnected
	NegotiationRenegotiating
	NegotiationClosed
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationIdle:
		return "idle"
	case NegotiationOfferSent:
		return "offer_sent"
	case NegotiationOfferReceived:
		return "offer_received"
	case NegotiationAnswerExchanged:
		return "answer_exchanged"
	case NegotiationConnected:
		return "connected"
	case NegotiationRenegotiating:
		return "renegotiating"
	case NegotiationClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DataChannelState mirrors the auxiliary state channel lifecycle.
type DataChannelState int

const (
	DataChannelConnecting DataChannelState = iota
	DataChannelOpen
	DataChannelClosed
)

func (s DataChannelState) String() string {
	switch s {
	case DataChannelConnecting:
		return "connecting"
	case DataChannelOpen:
		return "open"
	case DataChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Initiates decides which side of a pair opens the media link: the
// lexicographically greater id initiates, the other waits. At most one
// of Initiates(a, b) / Initiates(b, a) holds, which prevents glare.
func Initiates(local, remote PeerID) bool {
	return local > remote
}
