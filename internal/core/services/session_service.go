package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"meshspace/internal/core/domain"
	"meshspace/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionMetrics is the slice of the monitoring collector the session
// manager reports into. A nil implementation is allowed.
type SessionMetrics interface {
	BroadcastSent()
	RosterSize(n int)
	LinksOpen(n int)
}

// SessionConfig carries the tunables of one client session.
type SessionConfig struct {
	DisplayName       string
	TickInterval      time.Duration
	ProximityInterval time.Duration
	MaxMediaDistance  float64
	SpawnSpread       float64
	Thresholds        domain.Thresholds
	PeerTimeout       time.Duration
}

// linkEntry pairs a peer link with its envelope mailbox. The mailbox
// goroutine preserves per-peer arrival order while keeping peers'
// negotiations independent of each other.
type linkEntry struct {
	link  ports.PeerLink
	inbox chan *domain.Envelope
	quit  chan struct{}
}

type sessionService struct {
	cfg       SessionConfig
	signaling ports.SignalingChannel
	factory   ports.PeerLinkFactory
	media     ports.MediaSource
	metrics   SessionMetrics
	logger    *zap.SugaredLogger
	rnd       *rand.Rand

	mu            sync.Mutex
	initialized   bool
	connected     bool
	shuttingDown  bool
	local         domain.PlayerState
	lastBroadcast domain.PlayerState
	roster        map[domain.PeerID]*domain.PeerRecord
	links         map[domain.PeerID]*linkEntry
	handlers      []func(domain.SessionEvent)
}

// NewSessionService wires the session manager. The media source may be
// nil; the session then runs with hasMedia=false.
func NewSessionService(
	cfg SessionConfig,
	signaling ports.SignalingChannel,
	factory ports.PeerLinkFactory,
	media ports.MediaSource,
	metrics SessionMetrics,
	logger *zap.SugaredLogger,
) ports.SessionService {
	if cfg.Thresholds == (domain.Thresholds{}) {
		cfg.Thresholds = domain.DefaultThresholds()
	}
	return &sessionService{
		cfg:       cfg,
		signaling: signaling,
		factory:   factory,
		media:     media,
		metrics:   metrics,
		logger:    logger,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		roster:    make(map[domain.PeerID]*domain.PeerRecord),
		links:     make(map[domain.PeerID]*linkEntry),
	}
}

// Init builds the initial LocalState and registers the signaling
// handlers. Spawn placement is uniform over the configured spread;
// spacing from other players is statistical, not checked.
func (s *sessionService) Init(localID domain.PeerID) (*domain.PlayerState, error) {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil, fmt.Errorf("session already initialized")
	}

	if localID == "" {
		localID = domain.PeerID(uuid.NewString())
	}
	displayName := s.cfg.DisplayName
	if displayName == "" {
		displayName = "guest-" + string(localID[:minInt(8, len(localID))])
	}

	s.local = domain.PlayerState{
		ID:          localID,
		Position:    domain.SpawnPosition(s.cfg.SpawnSpread, s.rnd),
		Yaw:         0,
		Color:       domain.ColorForID(localID),
		DisplayName: displayName,
		HasMedia:    s.media != nil && s.media.Available(),
	}
	s.initialized = true
	state := cloneState(s.local)
	s.mu.Unlock()

	s.signaling.SetHandlers(ports.SignalingHandlers{
		OnEnvelope:  s.HandleEnvelope,
		OnConnected: s.announce,
		OnTerminal:  s.handleTerminal,
	})

	s.logger.Infow("session initialized",
		"peer_id", localID,
		"has_media", state.HasMedia,
		"spawn", state.Position,
	)
	return &state, nil
}

// Update merges the delta into LocalState. Broadcast happens on the
// next tick, never here.
func (s *sessionService) Update(delta domain.StateDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return
	}
	s.local.Apply(delta)
}

// Tick compares LocalState against the last broadcast snapshot and, on
// material change, ships the full state over every open data channel
// plus the signaling fallback. The baseline moves on every broadcast,
// so an idle session produces zero wire traffic at any tick rate.
func (s *sessionService) Tick() {
	s.mu.Lock()
	if !s.initialized || !s.connected || s.shuttingDown {
		s.mu.Unlock()
		return
	}
	if !s.local.MateriallyDiffers(s.lastBroadcast, s.cfg.Thresholds) {
		s.mu.Unlock()
		return
	}
	state := cloneState(s.local)
	s.lastBroadcast = state
	links := s.openLinksLocked()
	s.mu.Unlock()

	env := &domain.Envelope{Type: domain.EnvelopeState, PeerID: state.ID, Data: &state}
	for _, link := range links {
		if err := link.SendEnvelope(env); err != nil {
			s.logger.Debugw("state send over data channel failed", "peer_id", link.PeerID(), "error", err)
		}
	}
	if err := s.signaling.Send(env); err != nil {
		s.logger.Warnw("state broadcast over signaling failed", "error", err)
	}
	if s.metrics != nil {
		s.metrics.BroadcastSent()
	}
}

// ProximityTick bounds media links to nearby peers: links beyond the
// max media distance come down, missing links to eligible peers within
// range go up when the local id wins the tie-break. State sync itself
// continues at any distance.
func (s *sessionService) ProximityTick() {
	now := time.Now()

	s.mu.Lock()
	if !s.initialized || s.shuttingDown {
		s.mu.Unlock()
		return
	}

	var (
		toClose []ports.PeerLink
		toOffer []ports.PeerLink
		expired []domain.PeerID
	)
	for id, rec := range s.roster {
		if s.cfg.PeerTimeout > 0 && now.Sub(rec.LastSeen) > s.cfg.PeerTimeout {
			expired = append(expired, id)
			continue
		}

		dist := s.local.Position.PlanarDistance(rec.State.Position)
		entry, linked := s.links[id]

		switch {
		case linked && dist > s.cfg.MaxMediaDistance:
			toClose = append(toClose, entry.link)
		case !linked && dist <= s.cfg.MaxMediaDistance &&
			s.local.HasMedia && rec.State.HasMedia &&
			domain.Initiates(s.local.ID, id):
			link, err := s.createLinkLocked(id, true)
			if err != nil {
				s.logger.Warnw("failed to create peer link", "peer_id", id, "error", err)
				continue
			}
			toOffer = append(toOffer, link)
		}
	}

	var events []domain.SessionEvent
	for _, id := range expired {
		delete(s.roster, id)
		if entry, ok := s.links[id]; ok {
			toClose = append(toClose, entry.link)
		}
		events = append(events, domain.SessionEvent{Kind: domain.EventPeerLeft, PeerID: id})
	}
	s.reportSizesLocked()
	s.mu.Unlock()

	for _, link := range toClose {
		s.logger.Infow("tearing down peer link", "peer_id", link.PeerID())
		link.Close()
	}
	// Offers run concurrently: peer A's setup never waits on peer B's.
	for _, link := range toOffer {
		go func(l ports.PeerLink) {
			if err := l.StartOffer(context.Background()); err != nil {
				s.logger.Warnw("offer failed", "peer_id", l.PeerID(), "error", err)
				l.Close()
			}
		}(link)
	}
	s.emit(events...)
}

// HandleEnvelope routes one inbound envelope. Malformed and unknown
// envelopes are dropped with a log line; nothing here is fatal to the
// manager.
func (s *sessionService) HandleEnvelope(env *domain.Envelope) {
	if env == nil {
		return
	}
	if err := env.Validate(); err != nil {
		s.logger.Warnw("dropping invalid envelope", "type", env.Type, "peer_id", env.PeerID, "error", err)
		return
	}

	s.mu.Lock()
	if !s.initialized || env.PeerID == s.local.ID {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	switch env.Type {
	case domain.EnvelopeJoin:
		s.handleJoin(env)
	case domain.EnvelopeState:
		s.handleState(env)
	case domain.EnvelopeLeave:
		s.handleLeave(env.PeerID)
	case domain.EnvelopeOffer, domain.EnvelopeAnswer, domain.EnvelopeICE:
		s.routeToLink(env)
	case domain.EnvelopeScreenTrackMetadata:
		s.handleScreenMetadata(env)
	}
}

func (s *sessionService) handleJoin(env *domain.Envelope) {
	isNew, events := s.upsertRoster(env.PeerID, env.Data)
	s.emit(events...)

	// A joining peer missed everyone's last broadcast. Answer with a
	// unicast state so idle players are visible to newcomers too.
	if isNew {
		s.mu.Lock()
		state := cloneState(s.local)
		connected := s.connected
		s.mu.Unlock()
		if connected {
			reply := &domain.Envelope{
				Type:       domain.EnvelopeState,
				PeerID:     state.ID,
				TargetPeer: env.PeerID,
				Data:       &state,
			}
			if err := s.signaling.Send(reply); err != nil {
				s.logger.Warnw("state reply to joining peer failed", "peer_id", env.PeerID, "error", err)
			}
		}
	}
}

func (s *sessionService) handleState(env *domain.Envelope) {
	_, events := s.upsertRoster(env.PeerID, env.Data)
	s.emit(events...)
}

func (s *sessionService) handleLeave(peerID domain.PeerID) {
	s.mu.Lock()
	_, known := s.roster[peerID]
	delete(s.roster, peerID)
	entry, linked := s.links[peerID]
	s.reportSizesLocked()
	s.mu.Unlock()

	if linked {
		entry.link.Close()
	}
	if known {
		s.emit(domain.SessionEvent{Kind: domain.EventPeerLeft, PeerID: peerID})
	}
}

func (s *sessionService) handleScreenMetadata(env *domain.Envelope) {
	s.mu.Lock()
	if rec, ok := s.roster[env.PeerID]; ok {
		rec.Media.AddScreenTracks(env.TrackIDs)
		rec.LastSeen = time.Now()
	}
	entry, linked := s.links[env.PeerID]
	s.mu.Unlock()

	if linked {
		entry.link.HandleScreenTrackMetadata(env.TrackIDs)
	}
}

// upsertRoster records the peer's latest state and returns the events
// to publish (outside the lock).
func (s *sessionService) upsertRoster(peerID domain.PeerID, state *domain.PlayerState) (bool, []domain.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, known := s.roster[peerID]
	if !known {
		rec = &domain.PeerRecord{ID: peerID}
		s.roster[peerID] = rec
	}
	if state != nil {
		rec.State = *state
	}
	rec.LastSeen = time.Now()
	s.reportSizesLocked()

	stateCopy := cloneState(rec.State)
	kind := domain.EventPeerUpdated
	if !known {
		kind = domain.EventPeerJoined
	}
	return !known, []domain.SessionEvent{{Kind: kind, PeerID: peerID, State: &stateCopy}}
}

// routeToLink delivers negotiation envelopes into the per-peer mailbox
// so candidates stay ordered relative to the description they follow.
func (s *sessionService) routeToLink(env *domain.Envelope) {
	s.mu.Lock()
	entry, ok := s.links[env.PeerID]
	if !ok {
		if env.Type != domain.EnvelopeOffer {
			s.mu.Unlock()
			s.logger.Warnw("dropping envelope for unknown link", "type", env.Type, "peer_id", env.PeerID)
			return
		}
		if _, err := s.createLinkLocked(env.PeerID, false); err != nil {
			s.mu.Unlock()
			s.logger.Warnw("failed to create responder link", "peer_id", env.PeerID, "error", err)
			return
		}
		entry = s.links[env.PeerID]
	}

	select {
	case entry.inbox <- env:
	default:
		s.logger.Warnw("link mailbox full, dropping envelope", "type", env.Type, "peer_id", env.PeerID)
	}
	s.mu.Unlock()
}

// createLinkLocked enforces the one-link-per-peer invariant and starts
// the mailbox pump.
func (s *sessionService) createLinkLocked(peerID domain.PeerID, initiator bool) (ports.PeerLink, error) {
	if entry, exists := s.links[peerID]; exists {
		return entry.link, nil
	}

	link, err := s.factory.NewLink(s.local.ID, peerID, initiator, ports.PeerLinkEvents{
		OnSignal:            s.sendSignal,
		OnEnvelope:          s.HandleEnvelope,
		OnDataChannelOpen:   s.handleDataChannelOpen,
		OnTrack:             s.handleTrack,
		OnTrackReclassified: s.handleTrackReclassified,
		OnClosed:            s.handleLinkClosed,
	})
	if err != nil {
		return nil, err
	}

	entry := &linkEntry{
		link:  link,
		inbox: make(chan *domain.Envelope, 32),
		quit:  make(chan struct{}),
	}
	s.links[peerID] = entry
	s.reportSizesLocked()
	go s.linkPump(entry)

	s.logger.Infow("peer link created", "peer_id", peerID, "initiator", initiator)
	return link, nil
}

// linkPump applies one peer's negotiation envelopes in arrival order.
func (s *sessionService) linkPump(entry *linkEntry) {
	for {
		select {
		case env := <-entry.inbox:
			s.dispatchToLink(entry.link, env)
		case <-entry.quit:
			return
		}
	}
}

// dispatchToLink applies a negotiation envelope. Wrong-state envelopes
// are dropped and the link keeps going; any other failure tears the
// link down so a later proximity tick can retry with a fresh one.
func (s *sessionService) dispatchToLink(link ports.PeerLink, env *domain.Envelope) {
	ctx := context.Background()
	var err error
	switch env.Type {
	case domain.EnvelopeOffer:
		err = link.HandleOffer(ctx, *env.Offer)
	case domain.EnvelopeAnswer:
		err = link.HandleAnswer(ctx, *env.Answer)
	case domain.EnvelopeICE:
		err = link.AddICECandidate(*env.Candidate)
	}
	if err == nil {
		return
	}

	if errors.Is(err, domain.ErrWrongNegotiationState) || errors.Is(err, domain.ErrLinkClosed) {
		s.logger.Warnw("negotiation envelope dropped",
			"type", env.Type,
			"peer_id", env.PeerID,
			"state", link.NegotiationState(),
			"error", err,
		)
		return
	}

	s.logger.Warnw("negotiation failed, closing link",
		"type", env.Type,
		"peer_id", env.PeerID,
		"error", err,
	)
	if closeErr := link.Close(); closeErr != nil {
		s.logger.Warnw("link close failed", "peer_id", env.PeerID, "error", closeErr)
	}
}

func (s *sessionService) sendSignal(env *domain.Envelope) {
	if err := s.signaling.Send(env); err != nil {
		s.logger.Warnw("signaling send failed", "type", env.Type, "target", env.TargetPeer, "error", err)
	}
}

// handleDataChannelOpen announces screen metadata to a freshly opened
// channel when sharing is already active.
func (s *sessionService) handleDataChannelOpen(peerID domain.PeerID) {
	s.mu.Lock()
	sharing := s.local.ScreenSharing
	entry, linked := s.links[peerID]
	localID := s.local.ID
	s.mu.Unlock()

	s.logger.Infow("data channel open", "peer_id", peerID)
	if !sharing || !linked || s.media == nil {
		return
	}
	ids := s.media.ScreenTrackIDs()
	if len(ids) == 0 {
		return
	}
	env := &domain.Envelope{
		Type:     domain.EnvelopeScreenTrackMetadata,
		PeerID:   localID,
		TrackIDs: ids,
	}
	if err := entry.link.SendEnvelope(env); err != nil {
		s.logger.Warnw("screen metadata send failed", "peer_id", peerID, "error", err)
	}
}

func (s *sessionService) handleTrack(peerID domain.PeerID, stream *domain.TrackStream) {
	s.emit(domain.SessionEvent{
		Kind:      domain.EventTrackStreamReady,
		PeerID:    peerID,
		TrackKind: stream.Kind,
		Stream:    stream,
	})
}

// handleTrackReclassified republishes a moved track: removed from the
// camera feed, ready as a screen feed.
func (s *sessionService) handleTrackReclassified(peerID domain.PeerID, stream *domain.TrackStream) {
	s.emit(
		domain.SessionEvent{Kind: domain.EventTrackStreamRemoved, PeerID: peerID, TrackKind: domain.TrackCamera},
		domain.SessionEvent{Kind: domain.EventTrackStreamReady, PeerID: peerID, TrackKind: stream.Kind, Stream: stream},
	)
}

// handleLinkClosed drops the link entry and fires a removal event per
// classification kind that had streams open.
func (s *sessionService) handleLinkClosed(peerID domain.PeerID, openKinds []domain.TrackKind, cause error) {
	s.mu.Lock()
	if entry, ok := s.links[peerID]; ok {
		delete(s.links, peerID)
		close(entry.quit)
	}
	s.reportSizesLocked()
	s.mu.Unlock()

	if cause != nil {
		s.logger.Warnw("peer link closed", "peer_id", peerID, "error", cause)
	}

	events := make([]domain.SessionEvent, 0, len(openKinds))
	for _, kind := range openKinds {
		events = append(events, domain.SessionEvent{
			Kind:      domain.EventTrackStreamRemoved,
			PeerID:    peerID,
			TrackKind: kind,
		})
	}
	s.emit(events...)
}

// StartScreenShare creates the screen track, renegotiates every
// connected link and announces the track ids over open data channels.
func (s *sessionService) StartScreenShare(ctx context.Context) error {
	if s.media == nil {
		return fmt.Errorf("no media source")
	}
	track, err := s.media.StartScreenShare()
	if err != nil {
		return fmt.Errorf("failed to start screen share: %w", err)
	}

	s.mu.Lock()
	s.local.ScreenSharing = true
	links := s.openLinksLocked()
	localID := s.local.ID
	s.mu.Unlock()

	ids := s.media.ScreenTrackIDs()
	meta := &domain.Envelope{Type: domain.EnvelopeScreenTrackMetadata, PeerID: localID, TrackIDs: ids}
	for _, link := range links {
		if err := link.SendEnvelope(meta); err != nil {
			s.logger.Debugw("screen metadata send failed", "peer_id", link.PeerID(), "error", err)
		}
		go func(l ports.PeerLink) {
			if err := l.AddScreenTrack(ctx, track); err != nil {
				s.logger.Warnw("screen track renegotiation failed", "peer_id", l.PeerID(), "error", err)
			}
		}(link)
	}
	return nil
}

// StopScreenShare removes the screen track everywhere, leaving base
// media untouched.
func (s *sessionService) StopScreenShare() error {
	s.mu.Lock()
	s.local.ScreenSharing = false
	links := s.openLinksLocked()
	s.mu.Unlock()

	for _, link := range links {
		if err := link.RemoveScreenTrack(); err != nil {
			s.logger.Warnw("screen track removal failed", "peer_id", link.PeerID(), "error", err)
		}
	}
	if s.media != nil {
		s.media.StopScreenShare()
	}
	return nil
}

// OnEvent subscribes a collaborator to the unified event feed.
func (s *sessionService) OnEvent(handler func(domain.SessionEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Run connects signaling and drives the broadcast and proximity
// tickers until the context ends.
func (s *sessionService) Run(ctx context.Context) error {
	if err := s.signaling.Connect(ctx); err != nil {
		return fmt.Errorf("signaling connect: %w", err)
	}

	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	proximity := time.NewTicker(s.cfg.ProximityInterval)
	defer proximity.Stop()

	for {
		select {
		case <-tick.C:
			s.Tick()
		case <-proximity.C:
			s.ProximityTick()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown announces leave and releases everything the session owns.
func (s *sessionService) Shutdown() error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	localID := s.local.ID
	connected := s.connected
	var links []ports.PeerLink
	for _, entry := range s.links {
		links = append(links, entry.link)
	}
	s.mu.Unlock()

	if connected {
		leave := &domain.Envelope{Type: domain.EnvelopeLeave, PeerID: localID}
		if err := s.signaling.Send(leave); err != nil {
			s.logger.Debugw("leave announcement failed", "error", err)
		}
	}
	for _, link := range links {
		link.Close()
	}
	if err := s.signaling.Close(); err != nil {
		s.logger.Warnw("signaling close failed", "error", err)
	}
	if s.media != nil {
		if err := s.media.Close(); err != nil {
			s.logger.Warnw("media close failed", "error", err)
		}
	}
	s.logger.Infow("session shut down", "peer_id", localID)
	return nil
}

// announce re-introduces this client after every (re)connect: join
// plus an immediate full state so peers that missed intermediate
// updates resynchronize. The broadcast baseline moves here too.
func (s *sessionService) announce(reconnect bool) {
	s.mu.Lock()
	if !s.initialized || s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.connected = true
	state := cloneState(s.local)
	s.lastBroadcast = state
	s.mu.Unlock()

	join := &domain.Envelope{Type: domain.EnvelopeJoin, PeerID: state.ID, Data: &state}
	if err := s.signaling.Send(join); err != nil {
		s.logger.Warnw("join announcement failed", "error", err)
	}
	full := &domain.Envelope{Type: domain.EnvelopeState, PeerID: state.ID, Data: &state}
	if err := s.signaling.Send(full); err != nil {
		s.logger.Warnw("state announcement failed", "error", err)
	}

	s.logger.Infow("signaling connected", "reconnect", reconnect)
	s.emit(domain.SessionEvent{Kind: domain.EventConnected, PeerID: state.ID})
}

// handleTerminal surfaces exhausted reconnects as a user-visible
// condition; the session keeps local state but stops syncing.
func (s *sessionService) handleTerminal(err error) {
	s.mu.Lock()
	s.connected = false
	localID := s.local.ID
	s.mu.Unlock()

	s.logger.Errorw("signaling permanently disconnected", "error", err)
	s.emit(domain.SessionEvent{Kind: domain.EventDisconnectedPermanent, PeerID: localID, Err: err})
}

func (s *sessionService) openLinksLocked() []ports.PeerLink {
	links := make([]ports.PeerLink, 0, len(s.links))
	for _, entry := range s.links {
		links = append(links, entry.link)
	}
	return links
}

func (s *sessionService) reportSizesLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.RosterSize(len(s.roster))
	s.metrics.LinksOpen(len(s.links))
}

// emit delivers events to subscribers outside the session lock.
func (s *sessionService) emit(events ...domain.SessionEvent) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	handlers := make([]func(domain.SessionEvent), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}

// cloneState copies the state value, detaching the billboard pointer.
func cloneState(s domain.PlayerState) domain.PlayerState {
	out := s
	if s.Billboard != nil {
		b := *s.Billboard
		out.Billboard = &b
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
