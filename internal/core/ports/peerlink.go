package ports

import (
	"context"

	"meshspace/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// PeerLinkEvents are the callbacks one link raises toward the session
// manager. Callbacks fire from transport goroutines; the manager
// serializes them through its own lock. None fire after the link
// reports closed.
type PeerLinkEvents struct {
	// OnSignal asks the manager to ship a negotiation envelope
	// (offer, answer or ice) through the signaling channel.
	OnSignal func(env *domain.Envelope)
	// OnEnvelope delivers an envelope received over the data channel.
	OnEnvelope func(env *domain.Envelope)
	// OnDataChannelOpen fires when the auxiliary state channel opens.
	OnDataChannelOpen func(peer domain.PeerID)
	// OnTrack fires once per newly classified inbound track.
	OnTrack func(peer domain.PeerID, stream *domain.TrackStream)
	// OnTrackReclassified fires when late metadata moves a track from
	// camera to screen.
	OnTrackReclassified func(peer domain.PeerID, stream *domain.TrackStream)
	// OnClosed fires exactly once when the link dies, with the
	// classification kinds that had streams open at that moment.
	OnClosed func(peer domain.PeerID, openKinds []domain.TrackKind, err error)
}

// PeerLink is one remote peer's direct connection: negotiation state
// machine, queued ICE candidates, the auxiliary data channel and the
// classified track storage.
type PeerLink interface {
	PeerID() domain.PeerID
	Initiator() bool
	NegotiationState() domain.NegotiationState
	DataChannelState() domain.DataChannelState

	// StartOffer begins negotiation as initiator: creates the data
	// channel, the offer, and emits it through OnSignal.
	StartOffer(ctx context.Context) error
	// HandleOffer applies a remote offer, drains queued candidates,
	// and emits the answer through OnSignal.
	HandleOffer(ctx context.Context, offer webrtc.SessionDescription) error
	// HandleAnswer applies a remote answer and drains queued candidates.
	HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error
	// AddICECandidate applies the candidate, queueing it if the remote
	// description is not set yet.
	AddICECandidate(cand webrtc.ICECandidateInit) error

	// SendEnvelope ships an envelope over the data channel.
	SendEnvelope(env *domain.Envelope) error
	// HandleScreenTrackMetadata records announced screen track ids and
	// reclassifies already stored camera tracks.
	HandleScreenTrackMetadata(trackIDs []string)

	// AddScreenTrack attaches a screen track to the connected link and
	// renegotiates. RemoveScreenTrack detaches it, leaving the base
	// media untouched.
	AddScreenTrack(ctx context.Context, track webrtc.TrackLocal) error
	RemoveScreenTrack() error

	// Tracks returns the stored streams for one classification kind,
	// in arrival order.
	Tracks(kind domain.TrackKind) []*domain.TrackStream

	// Close tears the link down: transport, data channel and all track
	// sets released together. Idempotent.
	Close() error
}

// PeerLinkFactory builds links; the session manager owns the mapping
// from peer id to link and guarantees at most one per peer.
type PeerLinkFactory interface {
	NewLink(local, remote domain.PeerID, initiator bool, events PeerLinkEvents) (PeerLink, error)
}
