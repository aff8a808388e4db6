package domain

import "errors"

var (
	ErrPeerNotFound          = errors.New("peer not found")
	ErrLinkNotFound          = errors.New("peer link not found")
	ErrLinkClosed            = errors.New("peer link closed")
	ErrWrongNegotiationState = errors.New("wrong negotiation state")
	ErrMalformedEnvelope     = errors.New("malformed envelope")
	ErrUnknownEnvelope       = errors.New("unknown envelope type")
	ErrNotConnected          = errors.New("signaling channel not connected")
	ErrSignalingClosed       = errors.New("signaling channel closed")
	ErrReconnectExhausted    = errors.New("reconnect attempts exhausted")
)
