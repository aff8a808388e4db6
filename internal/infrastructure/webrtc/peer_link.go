package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"meshspace/internal/core/domain"
	"meshspace/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// dataChannelLabel names the auxiliary low-latency state channel.
const dataChannelLabel = "state"

// LinkMetrics is the slice of the monitoring collector a link reports
// into. A nil implementation is allowed.
type LinkMetrics interface {
	LinkOpened()
	LinkClosed()
	TrackClassified(kind domain.TrackKind)
	ObservePacketLoss(fraction float64)
	AccountRTP(kind domain.TrackKind, payloadBytes int)
}

// EngineConfig carries the WebRTC transport settings shared by all
// links of one session.
type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// LinkFactory builds peerLinks over a shared pion API instance.
type LinkFactory struct {
	api     *webrtc.API
	rtcConf webrtc.Configuration
	media   ports.MediaSource
	metrics LinkMetrics
	logger  *zap.SugaredLogger
}

// NewLinkFactory prepares the pion setting engine once; every link is
// cut from the same configuration.
func NewLinkFactory(cfg EngineConfig, media ports.MediaSource, metrics LinkMetrics, logger *zap.SugaredLogger) *LinkFactory {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max)
	}

	return &LinkFactory{
		api: webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		rtcConf: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
		},
		media:   media,
		metrics: metrics,
		logger:  logger,
	}
}

// NewLink implements ports.PeerLinkFactory.
func (f *LinkFactory) NewLink(local, remote domain.PeerID, initiator bool, events ports.PeerLinkEvents) (ports.PeerLink, error) {
	pc, err := f.api.NewPeerConnection(f.rtcConf)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	l := &peerLink{
		localID:   local,
		peerID:    remote,
		initiator: initiator,
		events:    events,
		pc:        pc,
		state:     domain.NegotiationIdle,
		dcState:   domain.DataChannelConnecting,
		tracks:    newTrackStore(),
		metrics:   f.metrics,
		logger:    f.logger.With("peer_id", remote),
	}

	// Base media goes on before any offer so a single negotiation
	// carries it. An unavailable source means a recv-only link.
	if f.media != nil && f.media.Available() {
		for _, track := range f.media.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add local track: %w", err)
			}
		}
	}

	pc.OnICECandidate(l.handleLocalCandidate)
	pc.OnTrack(l.handleRemoteTrack)
	pc.OnConnectionStateChange(l.handleConnectionState)
	if !initiator {
		pc.OnDataChannel(l.adoptDataChannel)
	}

	if f.metrics != nil {
		f.metrics.LinkOpened()
	}
	return l, nil
}

// peerLink is one remote peer's direct connection. All state behind mu;
// pion callbacks re-acquire it and check closed first so nothing
// mutates the link after teardown.
type peerLink struct {
	localID   domain.PeerID
	peerID    domain.PeerID
	initiator bool
	events    ports.PeerLinkEvents
	metrics   LinkMetrics
	logger    *zap.SugaredLogger

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	dc           *webrtc.DataChannel
	state        domain.NegotiationState
	dcState      domain.DataChannelState
	pending      []webrtc.ICECandidateInit
	remoteSet    bool
	tracks       *trackStore
	meta         domain.MediaMetadata
	screenSender *webrtc.RTPSender
	closed       bool
}

func (l *peerLink) PeerID() domain.PeerID { return l.peerID }
func (l *peerLink) Initiator() bool       { return l.initiator }

func (l *peerLink) NegotiationState() domain.NegotiationState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *peerLink) DataChannelState() domain.DataChannelState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dcState
}

// StartOffer begins negotiation as initiator. The data channel is
// created here so the responder receives it with the first exchange.
func (l *peerLink) StartOffer(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return domain.ErrLinkClosed
	}
	if l.state != domain.NegotiationIdle {
		l.mu.Unlock()
		return fmt.Errorf("%w: start offer in %s", domain.ErrWrongNegotiationState, l.state)
	}

	dc, err := l.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	l.attachDataChannelLocked(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to set local description: %w", err)
	}
	l.state = domain.NegotiationOfferSent
	env := l.signalEnvelopeLocked(domain.EnvelopeOffer)
	l.mu.Unlock()

	l.events.OnSignal(env)
	return nil
}

// HandleOffer applies a remote offer and answers it. From Idle this is
// the responder's first exchange; from Connected it is the remote side
// renegotiating (for example starting a screen share), answered without
// tearing anything down.
func (l *peerLink) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return domain.ErrLinkClosed
	}

	renegotiating := l.state == domain.NegotiationConnected
	if !renegotiating && l.state != domain.NegotiationIdle {
		l.mu.Unlock()
		return fmt.Errorf("%w: offer received in %s", domain.ErrWrongNegotiationState, l.state)
	}
	if !renegotiating {
		l.state = domain.NegotiationOfferReceived
	}

	if err := l.applyRemoteDescriptionLocked(offer); err != nil {
		l.mu.Unlock()
		return err
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if !renegotiating {
		l.state = domain.NegotiationAnswerExchanged
	}
	env := l.signalEnvelopeLocked(domain.EnvelopeAnswer)
	l.mu.Unlock()

	l.events.OnSignal(env)
	return nil
}

// HandleAnswer completes an exchange this side initiated.
func (l *peerLink) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return domain.ErrLinkClosed
	}

	switch l.state {
	case domain.NegotiationOfferSent:
		l.state = domain.NegotiationAnswerExchanged
	case domain.NegotiationRenegotiating:
		l.state = domain.NegotiationConnected
	default:
		l.mu.Unlock()
		return fmt.Errorf("%w: answer received in %s", domain.ErrWrongNegotiationState, l.state)
	}

	err := l.applyRemoteDescriptionLocked(answer)
	l.mu.Unlock()
	return err
}

// AddICECandidate applies the candidate, queueing it while the remote
// description is missing. The queue preserves arrival order.
func (l *peerLink) AddICECandidate(cand webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return domain.ErrLinkClosed
	}
	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		return nil
	}
	if err := l.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

// applyRemoteDescriptionLocked sets the description and drains queued
// candidates in arrival order, leaving the queue empty.
func (l *peerLink) applyRemoteDescriptionLocked(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	l.remoteSet = true

	for _, cand := range l.pending {
		if err := l.pc.AddICECandidate(cand); err != nil {
			l.logger.Warnw("failed to apply queued ice candidate", "error", err)
		}
	}
	l.pending = nil
	return nil
}

// SendEnvelope ships an envelope over the open data channel.
func (l *peerLink) SendEnvelope(env *domain.Envelope) error {
	l.mu.Lock()
	dc := l.dc
	open := l.dcState == domain.DataChannelOpen && !l.closed
	l.mu.Unlock()

	if !open || dc == nil {
		return domain.ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return dc.SendText(string(data))
}

// HandleScreenTrackMetadata records the announced ids and moves any
// already stored camera tracks to the screen set.
func (l *peerLink) HandleScreenTrackMetadata(trackIDs []string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.meta.AddScreenTracks(trackIDs)

	var moved []*domain.TrackStream
	for _, id := range trackIDs {
		if stream := l.tracks.reclassify(id); stream != nil {
			moved = append(moved, stream)
		}
	}
	l.mu.Unlock()

	for _, stream := range moved {
		l.logger.Infow("reclassified track", "track_id", stream.ID, "kind", stream.Kind)
		if l.events.OnTrackReclassified != nil {
			l.events.OnTrackReclassified(l.peerID, stream)
		}
	}
}

// AddScreenTrack attaches a screen track to the connected link and
// kicks off a renegotiation offer.
func (l *peerLink) AddScreenTrack(ctx context.Context, track webrtc.TrackLocal) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return domain.ErrLinkClosed
	}
	if l.state != domain.NegotiationConnected {
		l.mu.Unlock()
		return fmt.Errorf("%w: add screen track in %s", domain.ErrWrongNegotiationState, l.state)
	}

	sender, err := l.pc.AddTrack(track)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to add screen track: %w", err)
	}
	l.screenSender = sender

	env, err := l.renegotiateLocked()
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.events.OnSignal(env)
	return nil
}

// RemoveScreenTrack detaches only the screen track; base media and the
// connection stay up.
func (l *peerLink) RemoveScreenTrack() error {
	l.mu.Lock()
	if l.closed || l.screenSender == nil {
		l.mu.Unlock()
		return nil
	}
	if err := l.pc.RemoveTrack(l.screenSender); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to remove screen track: %w", err)
	}
	l.screenSender = nil

	var env *domain.Envelope
	var err error
	if l.state == domain.NegotiationConnected {
		env, err = l.renegotiateLocked()
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if env != nil {
		l.events.OnSignal(env)
	}
	return nil
}

func (l *peerLink) renegotiateLocked() (*domain.Envelope, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create renegotiation offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	l.state = domain.NegotiationRenegotiating
	l.remoteSet = false
	return l.signalEnvelopeLocked(domain.EnvelopeOffer), nil
}

// signalEnvelopeLocked wraps the current local description into an
// envelope of the given kind, addressed to the remote peer.
func (l *peerLink) signalEnvelopeLocked(kind domain.EnvelopeType) *domain.Envelope {
	env := &domain.Envelope{
		Type:       kind,
		PeerID:     l.localID,
		TargetPeer: l.peerID,
	}
	desc := l.pc.LocalDescription()
	switch kind {
	case domain.EnvelopeOffer:
		env.Offer = desc
	case domain.EnvelopeAnswer:
		env.Answer = desc
	}
	return env
}

func (l *peerLink) Tracks(kind domain.TrackKind) []*domain.TrackStream {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracks.tracks(kind)
}

// handleLocalCandidate forwards gathered candidates to signaling.
func (l *peerLink) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return // gathering finished
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	init := c.ToJSON()
	env := &domain.Envelope{
		Type:       domain.EnvelopeICE,
		PeerID:     l.localID,
		TargetPeer: l.peerID,
		Candidate:  &init,
	}
	l.mu.Unlock()

	l.events.OnSignal(env)
}

// handleRemoteTrack classifies and stores an inbound track, then
// starts its RTP and RTCP pumps.
func (l *peerLink) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}

	info := TrackInfo{
		ID:   track.ID(),
		Kind: track.Kind().String(),
		// pion exposes no display-surface hint; the stream id is the
		// closest thing to a sender-chosen label.
		Label: track.StreamID(),
	}
	kind := Classify(info, l.meta)
	stream := &domain.TrackStream{ID: track.ID(), Kind: kind, Track: track}
	isNew := l.tracks.add(stream)
	l.mu.Unlock()

	if !isNew {
		return
	}

	l.logger.Infow("classified inbound track",
		"track_id", track.ID(),
		"kind", kind,
		"codec", track.Codec().MimeType,
	)
	if l.metrics != nil {
		l.metrics.TrackClassified(kind)
	}

	go l.drainTrack(track, kind)
	go l.readRTCP(receiver)

	if l.events.OnTrack != nil {
		l.events.OnTrack(l.peerID, stream)
	}
}

// drainTrack keeps the receiver flowing and accounts packets. The loop
// ends when the track or the link dies.
func (l *peerLink) drainTrack(track *webrtc.TrackRemote, kind domain.TrackKind) {
	buf := make([]byte, 1500) // MTU size
	pkt := &rtp.Packet{}

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			l.logger.Debugw("dropping unparseable rtp packet", "track_id", track.ID(), "error", err)
			continue
		}
		if l.metrics != nil {
			l.metrics.AccountRTP(kind, len(pkt.Payload))
		}
	}
}

// readRTCP extracts link quality from receiver reports, the same way
// the sender side learns about loss.
func (l *peerLink) readRTCP(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					if l.metrics != nil {
						l.metrics.ObservePacketLoss(float64(report.FractionLost) / 255.0)
					}
				}
			case *rtcp.PictureLossIndication:
				l.logger.Debugw("received pli", "peer_id", l.peerID)
			}
		}
	}
}

// handleConnectionState promotes the link to Connected and tears it
// down on transport failure.
func (l *peerLink) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.mu.Lock()
		if !l.closed && l.state == domain.NegotiationAnswerExchanged {
			l.state = domain.NegotiationConnected
		}
		l.mu.Unlock()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		l.closeWithErr(fmt.Errorf("transport state %s: %w", state, domain.ErrLinkClosed))
	}
}

// adoptDataChannel wires the channel the initiator created.
func (l *peerLink) adoptDataChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	if l.closed || dc.Label() != dataChannelLabel {
		l.mu.Unlock()
		if dc.Label() != dataChannelLabel {
			l.logger.Warnw("ignoring unexpected data channel", "label", dc.Label())
		}
		return
	}
	l.attachDataChannelLocked(dc)
	l.mu.Unlock()
}

func (l *peerLink) attachDataChannelLocked(dc *webrtc.DataChannel) {
	l.dc = dc
	l.dcState = domain.DataChannelConnecting

	dc.OnOpen(func() {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		l.dcState = domain.DataChannelOpen
		l.mu.Unlock()

		if l.events.OnDataChannelOpen != nil {
			l.events.OnDataChannelOpen(l.peerID)
		}
	})

	dc.OnClose(func() {
		l.mu.Lock()
		if !l.closed {
			l.dcState = domain.DataChannelClosed
		}
		l.mu.Unlock()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}

		env, err := domain.DecodeEnvelope(msg.Data)
		if err != nil {
			l.logger.Warnw("dropping malformed data channel message", "error", err)
			return
		}
		if l.events.OnEnvelope != nil {
			l.events.OnEnvelope(env)
		}
	})
}

// Close implements the atomic teardown contract: transport, data
// channel and all track sets released together, once.
func (l *peerLink) Close() error {
	return l.closeWithErr(nil)
}

func (l *peerLink) closeWithErr(cause error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.state = domain.NegotiationClosed
	l.dcState = domain.DataChannelClosed

	openKinds := l.tracks.openKinds()
	l.tracks.clear()
	l.pending = nil

	dc := l.dc
	pc := l.pc
	l.dc = nil
	l.screenSender = nil
	l.mu.Unlock()

	if dc != nil {
		dc.Close()
	}
	if pc != nil {
		pc.Close()
	}
	if l.metrics != nil {
		l.metrics.LinkClosed()
	}

	if l.events.OnClosed != nil {
		l.events.OnClosed(l.peerID, openKinds, cause)
	}
	return nil
}
