package domain

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// EnvelopeType tags a signaling envelope. The set is closed: routing
// switches over it exhaustively and unknown tags are dropped with a
// log line, never silently passed through.
type EnvelopeType string

const (
	EnvelopeJoin                EnvelopeType = "join"
	EnvelopeState               EnvelopeType = "state"
	EnvelopeLeave               EnvelopeType = "leave"
	EnvelopeOffer               EnvelopeType = "offer"
	EnvelopeAnswer              EnvelopeType = "answer"
	EnvelopeICE                 EnvelopeType = "ice"
	EnvelopeScreenTrackMetadata EnvelopeType = "screen_track_metadata"
)

// Envelope is the wire message exchanged over both the signaling
// channel and the peer data channels. Unicast envelopes carry
// TargetPeer; the relay broadcasts everything else to all-but-sender.
type Envelope struct {
	Type       EnvelopeType               `json:"type"`
	PeerID     PeerID                     `json:"peerId"`
	TargetPeer PeerID                     `json:"targetPeer,omitempty"`
	Data       *PlayerState               `json:"data,omitempty"`
	Offer      *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer     *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate  *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	TrackIDs   []string                   `json:"trackIds,omitempty"`
}

// Validate checks the envelope for the structural requirements of its
// kind. It returns ErrUnknownEnvelope for tags outside the closed set
// so callers can treat those as a distinct, non-fatal case.
func (e *Envelope) Validate() error {
	if e.PeerID == "" {
		return fmt.Errorf("%w: missing peerId", ErrMalformedEnvelope)
	}
	switch e.Type {
	case EnvelopeJoin, EnvelopeState:
		if e.Data == nil {
			return fmt.Errorf("%w: %s envelope missing data", ErrMalformedEnvelope, e.Type)
		}
	case EnvelopeLeave:
		// peerId is the whole payload
	case EnvelopeOffer:
		if e.Offer == nil {
			return fmt.Errorf("%w: offer envelope missing offer", ErrMalformedEnvelope)
		}
		if e.TargetPeer == "" {
			return fmt.Errorf("%w: offer envelope missing targetPeer", ErrMalformedEnvelope)
		}
	case EnvelopeAnswer:
		if e.Answer == nil {
			return fmt.Errorf("%w: answer envelope missing answer", ErrMalformedEnvelope)
		}
		if e.TargetPeer == "" {
			return fmt.Errorf("%w: answer envelope missing targetPeer", ErrMalformedEnvelope)
		}
	case EnvelopeICE:
		if e.Candidate == nil {
			return fmt.Errorf("%w: ice envelope missing candidate", ErrMalformedEnvelope)
		}
		if e.TargetPeer == "" {
			return fmt.Errorf("%w: ice envelope missing targetPeer", ErrMalformedEnvelope)
		}
	case EnvelopeScreenTrackMetadata:
		if len(e.TrackIDs) == 0 {
			return fmt.Errorf("%w: screen_track_metadata envelope missing trackIds", ErrMalformedEnvelope)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEnvelope, e.Type)
	}
	return nil
}

// Unicast reports whether the relay should route this envelope to a
// single peer instead of broadcasting it.
func (e *Envelope) Unicast() bool {
	return e.TargetPeer != ""
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses and validates an envelope from raw JSON.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
