package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"meshspace/internal/core/domain"
	"meshspace/internal/core/ports"
	"meshspace/internal/core/services"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// EnvelopeBus bridges envelopes between relay instances. A nil bus
// means this hub runs standalone.
type EnvelopeBus interface {
	Publish(ctx context.Context, env *domain.Envelope) error
}

// ServerMetrics is the relay slice of the monitoring collector.
type ServerMetrics interface {
	PeerConnected()
	PeerDisconnected()
	EnvelopeRelayed(envType string)
	EnvelopeDropped(reason string)
}

// Config tunes one relay hub.
type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	// MessagesPerSecond and Burst bound each connection's inbound
	// envelope rate. Zero disables limiting.
	MessagesPerSecond float64
	Burst             int
	// MaxMessageSize caps a single inbound frame in bytes. Zero
	// disables the cap.
	MaxMessageSize int64
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 50,
		Burst:             100,
		MaxMessageSize:    64 * 1024,
	}
}

type peerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peerConn) write(deadline time.Duration, messageType int, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(deadline))
	return p.conn.WriteMessage(messageType, payload)
}

// Server is the relay hub: it fans every envelope out to all other
// connected peers, or to one peer when targetPeer is set. It inspects
// join/state/leave to keep the roster repository current but never
// rewrites envelope payloads.
type Server struct {
	cfg    Config
	roster ports.RosterRepository
	// tokens is nil when auth is disabled.
	tokens  services.TokenService
	metrics ServerMetrics
	logger  *zap.SugaredLogger
	// bus is nil for a standalone hub.
	bus EnvelopeBus

	mu          sync.RWMutex
	connections map[domain.PeerID]*peerConn
}

func NewServer(cfg Config, roster ports.RosterRepository, tokens services.TokenService, metrics ServerMetrics, logger *zap.SugaredLogger) *Server {
	return &Server{
		cfg:         cfg,
		roster:      roster,
		tokens:      tokens,
		metrics:     metrics,
		logger:      logger,
		connections: make(map[domain.PeerID]*peerConn),
	}
}

// SetBus attaches a cross-instance envelope bus. Call before serving.
func (s *Server) SetBus(bus EnvelopeBus) {
	s.bus = bus
}

// DeliverRemote replays an envelope received from another relay
// instance to the peers attached to this hub.
func (s *Server) DeliverRemote(env *domain.Envelope) {
	payload, err := env.Encode()
	if err != nil {
		s.logger.Warnw("failed to encode remote envelope", "error", err)
		return
	}
	if env.Unicast() {
		s.sendTo(env.TargetPeer, payload)
	} else {
		s.broadcast(env.PeerID, payload)
	}
}

// ConnectedPeers returns the ids currently attached to this hub.
func (s *Server) ConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(s.connections))
	for id := range s.connections {
		out = append(out, id)
	}
	return out
}

// HandleWebSocket upgrades one peer connection and runs its relay loop
// until the peer disconnects.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := domain.PeerID(r.URL.Query().Get("peer_id"))
	if peerID == "" {
		http.Error(w, "peer_id is required", http.StatusBadRequest)
		return
	}

	if s.tokens != nil {
		claims, err := s.tokens.ValidateToken(r.URL.Query().Get("token"))
		if err != nil {
			s.logger.Warnw("rejected unauthenticated peer", "peer_id", peerID, "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if claims.PeerID != "" && claims.PeerID != peerID {
			s.logger.Warnw("token peer mismatch", "peer_id", peerID, "token_peer", claims.PeerID)
			http.Error(w, "token peer mismatch", http.StatusForbidden)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	pc := &peerConn{conn: conn}
	s.mu.Lock()
	existing, isReconnect := s.connections[peerID]
	if isReconnect && existing != nil {
		existing.conn.Close()
		s.logger.Infow("closing old connection for reconnecting peer", "peer_id", peerID)
	}
	s.connections[peerID] = pc
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.PeerConnected()
	}
	s.logger.Infow("peer connected", "peer_id", peerID, "reconnect", isReconnect)

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan []byte, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			messageChan <- payload
		}
	}()

	for {
		select {
		case payload := <-messageChan:
			if limiter != nil && !limiter.Allow() {
				s.logger.Warnw("rate limit exceeded, dropping envelope", "peer_id", peerID)
				if s.metrics != nil {
					s.metrics.EnvelopeDropped("rate_limited")
				}
				continue
			}
			s.handleEnvelope(peerID, payload)

		case <-pingTicker.C:
			if err := pc.write(s.cfg.WriteTimeout, websocket.PingMessage, nil); err != nil {
				s.logger.Infow("ping failed", "peer_id", peerID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("read failed", "peer_id", peerID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.disconnect(peerID, pc)
}

// disconnect unregisters the peer and synthesizes a leave broadcast so
// remaining peers learn about unclean drops.
func (s *Server) disconnect(peerID domain.PeerID, pc *peerConn) {
	s.mu.Lock()
	// A reconnect may already have replaced this connection.
	if current, ok := s.connections[peerID]; !ok || current != pc {
		s.mu.Unlock()
		return
	}
	delete(s.connections, peerID)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.PeerDisconnected()
	}
	if err := s.roster.Remove(context.Background(), peerID); err != nil {
		s.logger.Warnw("roster remove failed", "peer_id", peerID, "error", err)
	}

	leave := &domain.Envelope{Type: domain.EnvelopeLeave, PeerID: peerID}
	if payload, err := leave.Encode(); err == nil {
		s.broadcast(peerID, payload)
	}
	s.publishToBus(leave)
	s.logger.Infow("peer disconnected", "peer_id", peerID)
}

func (s *Server) handleEnvelope(peerID domain.PeerID, payload []byte) {
	env, err := domain.DecodeEnvelope(payload)
	if err != nil {
		s.logger.Warnw("dropping invalid envelope", "peer_id", peerID, "error", err)
		if s.metrics != nil {
			s.metrics.EnvelopeDropped("invalid")
		}
		return
	}
	if env.PeerID != peerID {
		s.logger.Warnw("dropping spoofed envelope", "peer_id", peerID, "claimed", env.PeerID)
		if s.metrics != nil {
			s.metrics.EnvelopeDropped("spoofed")
		}
		return
	}

	s.updateRoster(env)

	if env.Unicast() {
		s.sendTo(env.TargetPeer, payload)
	} else {
		s.broadcast(peerID, payload)
	}
	s.publishToBus(env)
	if s.metrics != nil {
		s.metrics.EnvelopeRelayed(string(env.Type))
	}
}

// publishToBus forwards the envelope to other relay instances off the
// connection loop.
func (s *Server) publishToBus(env *domain.Envelope) {
	if s.bus == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.bus.Publish(ctx, env); err != nil {
			s.logger.Warnw("bus publish failed", "type", env.Type, "error", err)
		}
	}()
}

func (s *Server) updateRoster(env *domain.Envelope) {
	ctx := context.Background()
	switch env.Type {
	case domain.EnvelopeJoin, domain.EnvelopeState:
		rec := &domain.PeerRecord{ID: env.PeerID, State: *env.Data, LastSeen: time.Now()}
		if err := s.roster.Upsert(ctx, rec); err != nil {
			s.logger.Warnw("roster upsert failed", "peer_id", env.PeerID, "error", err)
		}
	case domain.EnvelopeLeave:
		if err := s.roster.Remove(ctx, env.PeerID); err != nil {
			s.logger.Warnw("roster remove failed", "peer_id", env.PeerID, "error", err)
		}
	}
}

func (s *Server) sendTo(target domain.PeerID, payload []byte) {
	s.mu.RLock()
	pc, ok := s.connections[target]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debugw("unicast target not connected", "target", target)
		return
	}
	if err := pc.write(s.cfg.WriteTimeout, websocket.TextMessage, payload); err != nil {
		s.logger.Infow("unicast write failed", "target", target, "error", err)
	}
}

func (s *Server) broadcast(sender domain.PeerID, payload []byte) {
	s.mu.RLock()
	targets := make(map[domain.PeerID]*peerConn, len(s.connections))
	for id, pc := range s.connections {
		if id != sender {
			targets[id] = pc
		}
	}
	s.mu.RUnlock()

	for id, pc := range targets {
		if err := pc.write(s.cfg.WriteTimeout, websocket.TextMessage, payload); err != nil {
			s.logger.Infow("broadcast write failed", "target", id, "error", err)
		}
	}
}
