package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"meshspace/internal/core/domain"
	"meshspace/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSignaling struct {
	mu       sync.Mutex
	handlers ports.SignalingHandlers
	sent     []*domain.Envelope
}

func (f *fakeSignaling) SetHandlers(h ports.SignalingHandlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *fakeSignaling) Connect(ctx context.Context) error { return nil }

func (f *fakeSignaling) Send(env *domain.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSignaling) Close() error { return nil }

func (f *fakeSignaling) sentEnvelopes() []*domain.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSignaling) sentOfType(t domain.EnvelopeType) []*domain.Envelope {
	var out []*domain.Envelope
	for _, env := range f.sentEnvelopes() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeSignaling) connect() {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnConnected(false)
}

func (f *fakeSignaling) deliver(env *domain.Envelope) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnEnvelope(env)
}

type fakeLink struct {
	mu        sync.Mutex
	peer      domain.PeerID
	initiator bool
	events    ports.PeerLinkEvents
	openKinds []domain.TrackKind
	// offerErr makes HandleOffer fail until cleared.
	offerErr error

	offerStarted  int
	offersHandled []webrtc.SessionDescription
	sent          []*domain.Envelope
	screenMeta    [][]string
	closed        bool
}

func (f *fakeLink) PeerID() domain.PeerID { return f.peer }
func (f *fakeLink) Initiator() bool       { return f.initiator }

func (f *fakeLink) NegotiationState() domain.NegotiationState { return domain.NegotiationIdle }
func (f *fakeLink) DataChannelState() domain.DataChannelState { return domain.DataChannelOpen }

func (f *fakeLink) StartOffer(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerStarted++
	return nil
}

func (f *fakeLink) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return f.offerErr
	}
	f.offersHandled = append(f.offersHandled, offer)
	return nil
}

func (f *fakeLink) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	return nil
}

func (f *fakeLink) AddICECandidate(cand webrtc.ICECandidateInit) error { return nil }

func (f *fakeLink) SendEnvelope(env *domain.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeLink) HandleScreenTrackMetadata(trackIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screenMeta = append(f.screenMeta, trackIDs)
}

func (f *fakeLink) AddScreenTrack(ctx context.Context, track webrtc.TrackLocal) error { return nil }
func (f *fakeLink) RemoveScreenTrack() error                                          { return nil }

func (f *fakeLink) Tracks(kind domain.TrackKind) []*domain.TrackStream { return nil }

func (f *fakeLink) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	events := f.events
	kinds := f.openKinds
	peer := f.peer
	f.mu.Unlock()

	if events.OnClosed != nil {
		events.OnClosed(peer, kinds, nil)
	}
	return nil
}

func (f *fakeLink) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offerStarted
}

func (f *fakeLink) handledOfferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offersHandled)
}

type fakeFactory struct {
	mu    sync.Mutex
	links map[domain.PeerID]*fakeLink
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{links: make(map[domain.PeerID]*fakeLink)}
}

func (f *fakeFactory) NewLink(local, remote domain.PeerID, initiator bool, events ports.PeerLinkEvents) (ports.PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link := &fakeLink{peer: remote, initiator: initiator, events: events}
	f.links[remote] = link
	return link, nil
}

func (f *fakeFactory) link(peer domain.PeerID) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[peer]
}

type fakeMedia struct {
	available bool
	screenIDs []string
}

func (f *fakeMedia) Available() bool                              { return f.available }
func (f *fakeMedia) Tracks() []webrtc.TrackLocal                  { return nil }
func (f *fakeMedia) StartScreenShare() (webrtc.TrackLocal, error) { return nil, nil }
func (f *fakeMedia) StopScreenShare()                             {}
func (f *fakeMedia) ScreenTrackIDs() []string                     { return f.screenIDs }
func (f *fakeMedia) Close() error                                 { return nil }

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (r *eventRecorder) record(ev domain.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofKind(kind domain.EventKind) []domain.SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SessionEvent
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		DisplayName:       "tester",
		TickInterval:      100 * time.Millisecond,
		ProximityInterval: time.Second,
		MaxMediaDistance:  40,
		SpawnSpread:       20,
		Thresholds:        domain.DefaultThresholds(),
		PeerTimeout:       30 * time.Second,
	}
}

func newTestSession(t *testing.T, localID domain.PeerID) (*sessionService, *fakeSignaling, *fakeFactory, *eventRecorder) {
	t.Helper()
	signaling := &fakeSignaling{}
	factory := newFakeFactory()
	media := &fakeMedia{available: true}
	svc := NewSessionService(testSessionConfig(), signaling, factory, media, nil,
		zaptest.NewLogger(t).Sugar()).(*sessionService)

	recorder := &eventRecorder{}
	svc.OnEvent(recorder.record)

	_, err := svc.Init(localID)
	require.NoError(t, err)
	return svc, signaling, factory, recorder
}

func remotePeer(id domain.PeerID, pos domain.Vec3) *domain.PlayerState {
	return &domain.PlayerState{ID: id, Position: pos, HasMedia: true}
}

func TestSessionInit(t *testing.T) {
	signaling := &fakeSignaling{}
	svc := NewSessionService(testSessionConfig(), signaling, newFakeFactory(), &fakeMedia{available: true}, nil,
		zaptest.NewLogger(t).Sugar())

	state, err := svc.Init("")
	require.NoError(t, err)
	assert.NotEmpty(t, state.ID)
	assert.Equal(t, domain.ColorForID(state.ID), state.Color)
	assert.True(t, state.HasMedia)
	assert.LessOrEqual(t, state.Position.X, 10.0)
	assert.GreaterOrEqual(t, state.Position.X, -10.0)
	assert.Zero(t, state.Position.Y)

	_, err = svc.Init("again")
	assert.Error(t, err)
}

func TestAnnounceOnConnect(t *testing.T) {
	_, signaling, _, recorder := newTestSession(t, "local")

	signaling.connect()

	joins := signaling.sentOfType(domain.EnvelopeJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, domain.PeerID("local"), joins[0].PeerID)
	require.NotNil(t, joins[0].Data)

	states := signaling.sentOfType(domain.EnvelopeState)
	require.Len(t, states, 1)

	assert.Len(t, recorder.ofKind(domain.EventConnected), 1)
}

func TestTickBroadcastsOnlyOnMaterialChange(t *testing.T) {
	svc, signaling, _, _ := newTestSession(t, "local")
	signaling.connect()
	base := len(signaling.sentOfType(domain.EnvelopeState))

	// No change: any number of ticks produces no traffic.
	for i := 0; i < 5; i++ {
		svc.Tick()
	}
	assert.Len(t, signaling.sentOfType(domain.EnvelopeState), base)

	svc.mu.Lock()
	pos := svc.local.Position
	svc.mu.Unlock()

	// Sub-threshold nudge from the spawn position stays silent.
	nudged := pos
	nudged.X += 0.005
	svc.Update(domain.StateDelta{Position: &nudged})
	svc.Tick()
	assert.Len(t, signaling.sentOfType(domain.EnvelopeState), base)

	// A material move broadcasts exactly once, then goes idle again.
	moved := pos
	moved.X += 5
	svc.Update(domain.StateDelta{Position: &moved})
	svc.Tick()
	svc.Tick()
	assert.Len(t, signaling.sentOfType(domain.EnvelopeState), base+1)
}

func TestTickFlagChangeBroadcasts(t *testing.T) {
	svc, signaling, _, _ := newTestSession(t, "local")
	signaling.connect()
	base := len(signaling.sentOfType(domain.EnvelopeState))

	sharing := true
	svc.Update(domain.StateDelta{ScreenSharing: &sharing})
	svc.Tick()
	states := signaling.sentOfType(domain.EnvelopeState)
	require.Len(t, states, base+1)
	assert.True(t, states[len(states)-1].Data.ScreenSharing)
}

func TestProximityTieBreak(t *testing.T) {
	tests := []struct {
		name       string
		localID    domain.PeerID
		remoteID   domain.PeerID
		wantsOffer bool
	}{
		{name: "greater id initiates", localID: "b", remoteID: "a", wantsOffer: true},
		{name: "lesser id waits", localID: "a", remoteID: "b", wantsOffer: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, signaling, factory, _ := newTestSession(t, tt.localID)
			signaling.connect()
			svc.Update(domain.StateDelta{Position: &domain.Vec3{}})

			signaling.deliver(&domain.Envelope{
				Type:   domain.EnvelopeJoin,
				PeerID: tt.remoteID,
				Data:   remotePeer(tt.remoteID, domain.Vec3{X: 5}),
			})
			svc.ProximityTick()

			if tt.wantsOffer {
				require.Eventually(t, func() bool {
					link := factory.link(tt.remoteID)
					return link != nil && link.offerCount() == 1
				}, time.Second, 5*time.Millisecond)
				assert.True(t, factory.link(tt.remoteID).Initiator())
			} else {
				assert.Nil(t, factory.link(tt.remoteID))
			}
		})
	}
}

func TestProximityTeardownBeyondRange(t *testing.T) {
	svc, signaling, factory, recorder := newTestSession(t, "zz")
	signaling.connect()

	signaling.deliver(&domain.Envelope{
		Type:   domain.EnvelopeJoin,
		PeerID: "aa",
		Data:   remotePeer("aa", domain.Vec3{X: 5}),
	})
	svc.ProximityTick()
	require.Eventually(t, func() bool {
		link := factory.link("aa")
		return link != nil && link.offerCount() == 1
	}, time.Second, 5*time.Millisecond)

	link := factory.link("aa")
	link.mu.Lock()
	link.openKinds = []domain.TrackKind{domain.TrackAudio, domain.TrackCamera}
	link.mu.Unlock()

	// Peer walks out of range; the next proximity pass tears the link down.
	signaling.deliver(&domain.Envelope{
		Type:   domain.EnvelopeState,
		PeerID: "aa",
		Data:   remotePeer("aa", domain.Vec3{X: 100}),
	})
	svc.ProximityTick()

	link.mu.Lock()
	closed := link.closed
	link.mu.Unlock()
	assert.True(t, closed)

	removed := recorder.ofKind(domain.EventTrackStreamRemoved)
	require.Len(t, removed, 2)
	kinds := []domain.TrackKind{removed[0].TrackKind, removed[1].TrackKind}
	assert.Contains(t, kinds, domain.TrackAudio)
	assert.Contains(t, kinds, domain.TrackCamera)

	// State sync continues after teardown: the peer stays on the roster.
	signaling.deliver(&domain.Envelope{
		Type:   domain.EnvelopeState,
		PeerID: "aa",
		Data:   remotePeer("aa", domain.Vec3{X: 120}),
	})
	assert.NotEmpty(t, recorder.ofKind(domain.EventPeerUpdated))
}

func TestResponderLinkOnUnknownOffer(t *testing.T) {
	_, signaling, factory, _ := newTestSession(t, "aa")
	signaling.connect()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	signaling.deliver(&domain.Envelope{
		Type:       domain.EnvelopeOffer,
		PeerID:     "zz",
		TargetPeer: "aa",
		Offer:      &offer,
	})

	require.Eventually(t, func() bool {
		link := factory.link("zz")
		return link != nil && link.handledOfferCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, factory.link("zz").Initiator())
}

func TestNegotiationFailureFreesLinkForRetry(t *testing.T) {
	svc, signaling, factory, _ := newTestSession(t, "zz")
	signaling.connect()
	svc.Update(domain.StateDelta{Position: &domain.Vec3{}})

	signaling.deliver(&domain.Envelope{
		Type:   domain.EnvelopeJoin,
		PeerID: "aa",
		Data:   remotePeer("aa", domain.Vec3{X: 5}),
	})
	svc.ProximityTick()
	require.Eventually(t, func() bool {
		link := factory.link("aa")
		return link != nil && link.offerCount() == 1
	}, time.Second, 5*time.Millisecond)

	link := factory.link("aa")
	link.mu.Lock()
	link.offerErr = errors.New("remote description rejected")
	link.mu.Unlock()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	signaling.deliver(&domain.Envelope{
		Type:       domain.EnvelopeOffer,
		PeerID:     "aa",
		TargetPeer: "zz",
		Offer:      &offer,
	})

	// The hard failure tears the link down.
	require.Eventually(t, func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return link.closed
	}, time.Second, 5*time.Millisecond)

	// The next proximity pass starts over with a fresh link.
	svc.ProximityTick()
	require.Eventually(t, func() bool {
		fresh := factory.link("aa")
		return fresh != nil && fresh != link && fresh.offerCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWrongStateEnvelopeKeepsLink(t *testing.T) {
	svc, signaling, factory, _ := newTestSession(t, "zz")
	signaling.connect()
	svc.Update(domain.StateDelta{Position: &domain.Vec3{}})

	signaling.deliver(&domain.Envelope{
		Type:   domain.EnvelopeJoin,
		PeerID: "aa",
		Data:   remotePeer("aa", domain.Vec3{X: 5}),
	})
	svc.ProximityTick()
	require.Eventually(t, func() bool { return factory.link("aa") != nil }, time.Second, 5*time.Millisecond)

	link := factory.link("aa")
	link.mu.Lock()
	link.offerErr = fmt.Errorf("%w: offer received in offer_sent", domain.ErrWrongNegotiationState)
	link.mu.Unlock()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	signaling.deliver(&domain.Envelope{
		Type:       domain.EnvelopeOffer,
		PeerID:     "aa",
		TargetPeer: "zz",
		Offer:      &offer,
	})

	// Clear the failure and deliver a second offer; when that one has
	// been handled the first has been processed too (per-peer order).
	link.mu.Lock()
	link.offerErr = nil
	link.mu.Unlock()
	signaling.deliver(&domain.Envelope{
		Type:       domain.EnvelopeOffer,
		PeerID:     "aa",
		TargetPeer: "zz",
		Offer:      &offer,
	})
	require.Eventually(t, func() bool { return link.handledOfferCount() >= 1 }, time.Second, 5*time.Millisecond)

	link.mu.Lock()
	closed := link.closed
	link.mu.Unlock()
	assert.False(t, closed)
	assert.Same(t, link, factory.link("aa"))
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	_, signaling, _, recorder := newTestSession(t, "local")
	signaling.connect()

	// state without a payload
	signaling.deliver(&domain.Envelope{Type: domain.EnvelopeState, PeerID: "other"})
	// unknown type
	signaling.deliver(&domain.Envelope{Type: "teleport", PeerID: "other"})

	assert.Empty(t, recorder.ofKind(domain.EventPeerJoined))
	assert.Empty(t, recorder.ofKind(domain.EventPeerUpdated))
}

func TestJoinGetsUnicastStateReply(t *testing.T) {
	_, signaling, _, recorder := newTestSession(t, "local")
	signaling.connect()
	base := len(signaling.sentOfType(domain.EnvelopeState))

	signaling.deliver(&domain.Envelope{
		Type:   domain.EnvelopeJoin,
		PeerID: "newcomer",
		Data:   remotePeer("newcomer", domain.Vec3{X: 3}),
	})

	states := signaling.sentOfType(domain.EnvelopeState)
	require.Len(t, states, base+1)
	assert.Equal(t, domain.PeerID("newcomer"), states[len(states)-1].TargetPeer)

	joined := recorder.ofKind(domain.EventPeerJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, domain.PeerID("newcomer"), joined[0].PeerID)
}

func TestLeaveClosesLinkAndRoster(t *testing.T) {
	svc, signaling, factory, recorder := newTestSession(t, "zz")
	signaling.connect()

	signaling.deliver(&domain.Envelope{
		Type:   domain.EnvelopeJoin,
		PeerID: "aa",
		Data:   remotePeer("aa", domain.Vec3{X: 1}),
	})
	svc.ProximityTick()
	require.Eventually(t, func() bool { return factory.link("aa") != nil }, time.Second, 5*time.Millisecond)

	signaling.deliver(&domain.Envelope{Type: domain.EnvelopeLeave, PeerID: "aa"})

	link := factory.link("aa")
	link.mu.Lock()
	closed := link.closed
	link.mu.Unlock()
	assert.True(t, closed)
	require.Len(t, recorder.ofKind(domain.EventPeerLeft), 1)

	// A second leave for the same peer is a no-op.
	signaling.deliver(&domain.Envelope{Type: domain.EnvelopeLeave, PeerID: "aa"})
	assert.Len(t, recorder.ofKind(domain.EventPeerLeft), 1)
}

func TestScreenMetadataForwardedToLink(t *testing.T) {
	svc, signaling, factory, _ := newTestSession(t, "zz")
	signaling.connect()

	signaling.deliver(&domain.Envelope{
		Type:   domain.EnvelopeJoin,
		PeerID: "aa",
		Data:   remotePeer("aa", domain.Vec3{X: 1}),
	})
	svc.ProximityTick()
	require.Eventually(t, func() bool { return factory.link("aa") != nil }, time.Second, 5*time.Millisecond)

	signaling.deliver(&domain.Envelope{
		Type:     domain.EnvelopeScreenTrackMetadata,
		PeerID:   "aa",
		TrackIDs: []string{"scr-1"},
	})

	link := factory.link("aa")
	link.mu.Lock()
	defer link.mu.Unlock()
	require.Len(t, link.screenMeta, 1)
	assert.Equal(t, []string{"scr-1"}, link.screenMeta[0])
}

func TestPeerTimeoutExpiry(t *testing.T) {
	svc, signaling, _, recorder := newTestSession(t, "local")
	signaling.connect()

	signaling.deliver(&domain.Envelope{
		Type:   domain.EnvelopeJoin,
		PeerID: "stale",
		Data:   remotePeer("stale", domain.Vec3{X: 1}),
	})

	svc.mu.Lock()
	svc.roster["stale"].LastSeen = time.Now().Add(-time.Minute)
	svc.mu.Unlock()

	svc.ProximityTick()
	require.Len(t, recorder.ofKind(domain.EventPeerLeft), 1)
	assert.Equal(t, domain.PeerID("stale"), recorder.ofKind(domain.EventPeerLeft)[0].PeerID)
}

func TestTerminalDisconnectEvent(t *testing.T) {
	_, signaling, _, recorder := newTestSession(t, "local")
	signaling.connect()

	signaling.mu.Lock()
	h := signaling.handlers
	signaling.mu.Unlock()
	h.OnTerminal(domain.ErrReconnectExhausted)

	events := recorder.ofKind(domain.EventDisconnectedPermanent)
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, domain.ErrReconnectExhausted)
}

func TestOwnEnvelopesIgnored(t *testing.T) {
	_, signaling, _, recorder := newTestSession(t, "local")
	signaling.connect()

	signaling.deliver(&domain.Envelope{
		Type:   domain.EnvelopeJoin,
		PeerID: "local",
		Data:   remotePeer("local", domain.Vec3{}),
	})
	assert.Empty(t, recorder.ofKind(domain.EventPeerJoined))
}
