package services

import (
	"errors"
	"time"

	"meshspace/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// TokenService issues and validates the relay access tokens. The relay
// accepts anonymous peers when auth is disabled; when enabled, the
// websocket upgrade and the HTTP API both require a valid token.
type TokenService interface {
	GenerateToken(peerID domain.PeerID, displayName string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	PeerID      domain.PeerID `json:"peer_id"`
	DisplayName string        `json:"display_name"`
	jwt.RegisteredClaims
}

type tokenService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
}

func NewTokenService(jwtSecret string, accessTokenTTL time.Duration) TokenService {
	return &tokenService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
	}
}

func (s *tokenService) GenerateToken(peerID domain.PeerID, displayName string) (string, error) {
	claims := &Claims{
		PeerID:      peerID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *tokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
