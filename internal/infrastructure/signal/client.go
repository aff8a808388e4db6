package signal

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"meshspace/internal/core/domain"
	"meshspace/internal/core/ports"
	"meshspace/pkg/backoff"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// ClientConfig configures the relay connection.
type ClientConfig struct {
	URL    string
	PeerID domain.PeerID
	// Token is appended to the dial URL when non-empty. The relay
	// requires it only when auth is enabled.
	Token  string
	Policy backoff.Policy
	// Timer drives the reconnect schedule; nil means real time.
	Timer backoff.Timer
}

// Client is the reconnecting websocket leg of the session. One text
// frame carries one JSON envelope in each direction. Connection drops
// are absorbed by the backoff schedule; the session layer only hears
// OnConnected for each successful (re)dial and OnTerminal once the
// attempt budget runs out.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu          sync.Mutex
	handlers    ports.SignalingHandlers
	conn        *websocket.Conn
	reconnector *backoff.Reconnector
	closed      bool

	writeMu sync.Mutex
}

// NewClient builds a client; Connect starts it.
func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	if cfg.Policy == (backoff.Policy{}) {
		cfg.Policy = backoff.DefaultPolicy()
	}
	return &Client{
		cfg:         cfg,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:      logger,
		reconnector: backoff.NewReconnector(cfg.Policy, cfg.Timer),
	}
}

// SetHandlers must be called before Connect.
func (c *Client) SetHandlers(h ports.SignalingHandlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// Connect performs the initial dial. A failed first dial enters the
// same backoff schedule as a dropped connection, so Connect succeeds
// as soon as the client machinery is running.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSignalingClosed
	}
	c.mu.Unlock()

	if err := c.dial(ctx, false); err != nil {
		c.logger.Warnw("initial dial failed, entering backoff", "url", c.cfg.URL, "error", err)
		c.scheduleReconnect(err)
	}
	return nil
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url: %w", err)
	}
	q := u.Query()
	q.Set("peer_id", string(c.cfg.PeerID))
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context, reconnect bool) error {
	addr, err := c.dialURL()
	if err != nil {
		return err
	}
	conn, _, err := c.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("failed to dial signaling server: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return domain.ErrSignalingClosed
	}
	c.conn = conn
	handlers := c.handlers
	c.mu.Unlock()

	c.reconnector.Reset()

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	go c.readPump(conn)
	go c.pingLoop(conn)

	c.logger.Infow("signaling connected", "url", c.cfg.URL, "reconnect", reconnect)
	if handlers.OnConnected != nil {
		handlers.OnConnected(reconnect)
	}
	return nil
}

// Send marshals the envelope into one text frame. Sends while the
// connection is down fail fast; the session layer re-announces full
// state after reconnect instead of queueing.
func (c *Client) Send(env *domain.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSignalingClosed
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}

	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}

// Close stops the reconnect schedule and drops the connection. No
// handler fires after Close returns settled state.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.reconnector.Stop()
	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		env, err := domain.DecodeEnvelope(payload)
		if err != nil {
			c.logger.Warnw("dropping undecodable frame", "error", err)
			continue
		}

		c.mu.Lock()
		handlers := c.handlers
		c.mu.Unlock()
		if handlers.OnEnvelope != nil {
			handlers.OnEnvelope(env)
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		current := c.conn
		c.mu.Unlock()
		if current != conn {
			return
		}

		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// handleDisconnect tears down the dead connection and arms the next
// backoff attempt. Stale read pumps from an already replaced
// connection return without touching the schedule.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	conn.Close()
	c.logger.Warnw("signaling connection lost", "error", cause)
	c.scheduleReconnect(cause)
}

func (c *Client) scheduleReconnect(cause error) {
	delay, ok := c.reconnector.Schedule(func(attempt int) {
		c.logger.Infow("reconnecting to signaling server", "attempt", attempt)
		if err := c.dial(context.Background(), true); err != nil {
			if err == domain.ErrSignalingClosed {
				return
			}
			c.logger.Warnw("reconnect attempt failed", "attempt", attempt, "error", err)
			c.scheduleReconnect(err)
		}
	})
	if !ok {
		c.mu.Lock()
		handlers := c.handlers
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		err := fmt.Errorf("%w: %v", domain.ErrReconnectExhausted, cause)
		c.logger.Errorw("reconnect attempts exhausted", "error", err)
		if handlers.OnTerminal != nil {
			handlers.OnTerminal(err)
		}
		return
	}
	c.logger.Infow("reconnect scheduled", "delay", delay)
}
