package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meshspace/internal/core/domain"
	"meshspace/internal/core/services"
	"meshspace/internal/infrastructure/middleware"
	"meshspace/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupRouter(t *testing.T, handler *RelayHandler) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	handler.SetupRoutes(router)
	return router
}

func TestHealthEndpoint(t *testing.T) {
	handler := NewRelayHandler(memory.NewMemoryRosterRepository(), nil, nil)
	router := setupRouter(t, handler)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestHealthEndpointDegraded(t *testing.T) {
	check := func(c *gin.Context) error { return fmt.Errorf("redis unreachable") }
	handler := NewRelayHandler(memory.NewMemoryRosterRepository(), nil, check)
	router := setupRouter(t, handler)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListPeers(t *testing.T) {
	roster := memory.NewMemoryRosterRepository()
	require.NoError(t, roster.Upsert(context.Background(), &domain.PeerRecord{
		ID: "p1",
		State: domain.PlayerState{
			ID:          "p1",
			DisplayName: "alice",
			Position:    domain.Vec3{X: 1, Z: 2},
			HasMedia:    true,
		},
		LastSeen: time.Now(),
	}))

	handler := NewRelayHandler(roster, nil, nil)
	router := setupRouter(t, handler)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/v1/peers", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Peers []peerSummary `json:"peers"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, domain.PeerID("p1"), body.Peers[0].ID)
	assert.Equal(t, "alice", body.Peers[0].DisplayName)
	assert.True(t, body.Peers[0].HasMedia)
}

func TestIssueToken(t *testing.T) {
	tokens := services.NewTokenService("test-secret", time.Hour)
	handler := NewRelayHandler(memory.NewMemoryRosterRepository(), tokens, nil)
	router := setupRouter(t, handler)

	body, _ := json.Marshal(TokenRequest{DisplayName: "alice"})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/v1/token", bytes.NewReader(body))
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		PeerID string `json:"peerId"`
		Token  string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.PeerID)

	claims, err := tokens.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID(resp.PeerID), claims.PeerID)
	assert.Equal(t, "alice", claims.DisplayName)
}

func TestIssueTokenValidation(t *testing.T) {
	tokens := services.NewTokenService("test-secret", time.Hour)
	handler := NewRelayHandler(memory.NewMemoryRosterRepository(), tokens, nil)
	router := setupRouter(t, handler)

	tests := []struct {
		name string
		body TokenRequest
	}{
		{"missing display name", TokenRequest{}},
		{"bad peer id", TokenRequest{PeerID: "space here", DisplayName: "alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.body)
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodPost, "/api/v1/token", bytes.NewReader(body))
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestPeersRequireTokenWhenProtected(t *testing.T) {
	tokens := services.NewTokenService("test-secret", time.Hour)
	handler := NewRelayHandler(memory.NewMemoryRosterRepository(), tokens, nil)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	handler.SetupRoutes(router, middleware.AuthMiddleware(tokens))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/v1/peers", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := tokens.GenerateToken("p1", "alice")
	require.NoError(t, err)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/api/v1/peers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Token issuance itself stays open so new peers can bootstrap.
	body, _ := json.Marshal(TokenRequest{DisplayName: "bob"})
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/api/v1/token", bytes.NewReader(body))
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTokenEndpointAbsentWithoutAuth(t *testing.T) {
	handler := NewRelayHandler(memory.NewMemoryRosterRepository(), nil, nil)
	router := setupRouter(t, handler)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/v1/token", bytes.NewReader([]byte(`{}`)))
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
