package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"meshspace/internal/core/domain"
	"meshspace/internal/core/ports"
	"meshspace/internal/core/services"
	"meshspace/pkg/cache"
	"meshspace/pkg/errors"
	"meshspace/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RelayHandler exposes the relay's HTTP API: health, the current
// roster, and token issuance when auth is enabled.
type RelayHandler struct {
	roster ports.RosterRepository
	// tokens is nil when auth is disabled; the token endpoint then
	// returns 404 like any unregistered route.
	tokens      services.TokenService
	healthCheck func(c *gin.Context) error
	startedAt   time.Time
	// listCache absorbs roster list load from polling dashboards.
	listCache *cache.Cache
}

func NewRelayHandler(roster ports.RosterRepository, tokens services.TokenService, healthCheck func(c *gin.Context) error) *RelayHandler {
	return &RelayHandler{
		roster:      roster,
		tokens:      tokens,
		healthCheck: healthCheck,
		startedAt:   time.Now(),
		listCache:   cache.New(time.Second),
	}
}

// SetupRoutes registers the API. The token endpoint stays public so
// peers can bootstrap; everything else in the group runs behind the
// given middleware (none for an anonymous relay).
func (h *RelayHandler) SetupRoutes(router *gin.Engine, protect ...gin.HandlerFunc) {
	router.GET("/healthz", h.Health)

	api := router.Group("/api/v1")
	if h.tokens != nil {
		api.POST("/token", h.IssueToken)
	}

	protected := api.Group("")
	protected.Use(protect...)
	protected.GET("/peers", h.ListPeers)
}

func (h *RelayHandler) Health(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

type peerSummary struct {
	ID          domain.PeerID `json:"id"`
	DisplayName string        `json:"displayName"`
	Position    domain.Vec3   `json:"position"`
	HasMedia    bool          `json:"hasMedia"`
	Screen      bool          `json:"screenSharing"`
	LastSeen    time.Time     `json:"lastSeen"`
}

func (h *RelayHandler) ListPeers(c *gin.Context) {
	cached, err := h.listCache.GetOrSet(c.Request.Context(), "peers", func(ctx context.Context) (interface{}, error) {
		records, err := h.roster.List(ctx)
		if err != nil {
			return nil, err
		}
		peers := make([]peerSummary, 0, len(records))
		for _, rec := range records {
			peers = append(peers, peerSummary{
				ID:          rec.ID,
				DisplayName: rec.State.DisplayName,
				Position:    rec.State.Position,
				HasMedia:    rec.State.HasMedia,
				Screen:      rec.State.ScreenSharing,
				LastSeen:    rec.LastSeen,
			})
		}
		return peers, nil
	})
	if err != nil {
		c.Error(errors.Wrap(err, errors.ErrCodeInternal, "failed to list peers", http.StatusInternalServerError))
		return
	}

	peers := cached.([]peerSummary)
	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"count": len(peers),
	})
}

type TokenRequest struct {
	PeerID      string `json:"peerId" binding:"max=100"`
	DisplayName string `json:"displayName" binding:"required,max=50"`
}

func (h *RelayHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.PeerID == "" {
		req.PeerID = uuid.NewString()
	}
	if err := validation.ValidatePeerID(req.PeerID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.tokens.GenerateToken(domain.PeerID(req.PeerID), req.DisplayName)
	if err != nil {
		c.Error(errors.Wrap(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"peerId": req.PeerID,
		"token":  token,
	})
}
