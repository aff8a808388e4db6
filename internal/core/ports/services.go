package ports

import (
	"context"

	"meshspace/internal/core/domain"
)

// SessionService is the peer session manager contract consumed by the
// game loop and other external collaborators.
type SessionService interface {
	// Init generates or accepts the local peer id and produces the
	// initial LocalState (color, spawn position, display name).
	Init(localID domain.PeerID) (*domain.PlayerState, error)
	// Update merges a partial mutation into LocalState. It never
	// broadcasts by itself.
	Update(delta domain.StateDelta)
	// Tick runs one change-detection broadcast cycle.
	Tick()
	// ProximityTick re-evaluates which peers deserve a media link.
	ProximityTick()
	// HandleEnvelope routes one inbound signaling envelope.
	HandleEnvelope(env *domain.Envelope)
	// OnEvent subscribes a collaborator to the unified event feed.
	// Must be called before Run.
	OnEvent(handler func(domain.SessionEvent))
	// StartScreenShare / StopScreenShare toggle screen sharing and
	// renegotiate open links.
	StartScreenShare(ctx context.Context) error
	StopScreenShare() error
	// Run connects signaling and drives both periodic tickers until
	// the context is cancelled.
	Run(ctx context.Context) error
	// Shutdown announces leave, closes every link, the signaling
	// channel and owned media capture.
	Shutdown() error
}
