// Package service contains application services consumed by the relay core.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/goph-relay/internal/errs"
	"github.com/and161185/goph-relay/internal/limiter"
	"github.com/and161185/goph-relay/internal/model"
)

// MinKeyLen is the minimum accepted HS256 signing key length.
const MinKeyLen = 32

// Authenticator turns a presented bearer token into a trusted identity.
type Authenticator interface {
	// Authenticate verifies token on behalf of a client at ip, applying rate limiting.
	Authenticate(ctx context.Context, token, ip string) (model.Identity, error)
}

// Claims is the token payload issued by the account service.
type Claims struct {
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// AuthService verifies HS256 tokens issued by the external account service.
type AuthService struct {
	signKey []byte
	leeway  time.Duration
	lim     limiter.Limiter
}

var _ Authenticator = (*AuthService)(nil)

// NewAuthService constructs AuthService. lim may be nil to disable rate limiting.
func NewAuthService(signKey []byte, leeway time.Duration, lim limiter.Limiter) (*AuthService, error) {
	if len(signKey) < MinKeyLen {
		return nil, fmt.Errorf("signing key must be at least %d bytes", MinKeyLen)
	}
	return &AuthService{signKey: signKey, leeway: leeway, lim: lim}, nil
}

// Authenticate applies rate limiting by ip and verifies the token.
func (s *AuthService) Authenticate(ctx context.Context, token, ip string) (model.Identity, error) {
	if s.lim == nil {
		return s.VerifyToken(token)
	}
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, ipHash)
	if err != nil {
		return model.Identity{}, err
	}
	if !allowed {
		return model.Identity{}, errs.ErrRateLimited
	}

	id, err := s.VerifyToken(token)
	if err != nil {
		// Record failure; if threshold reached, return rate-limited.
		if blocked, _, ferr := s.lim.Failure(ctx, ipHash); ferr == nil && blocked {
			return model.Identity{}, errs.ErrRateLimited
		}
		return model.Identity{}, err
	}

	// Success: reset counters (best-effort).
	_ = s.lim.Success(ctx, ipHash)
	return id, nil
}

// VerifyToken checks signature, algorithm and expiry and extracts the identity.
func (s *AuthService) VerifyToken(token string) (model.Identity, error) {
	if token == "" {
		return model.Identity{}, fmt.Errorf("%w: empty token", errs.ErrUnauthorized)
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	}, jwt.WithLeeway(s.leeway), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return model.Identity{}, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}

	id := model.Identity{UserID: claims.UserID, Username: claims.Username}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if id.UserID == "" {
		return model.Identity{}, fmt.Errorf("%w: token has no user id", errs.ErrUnauthorized)
	}
	if id.Username == "" {
		id.Username = id.UserID
	}
	return id, nil
}

// IssueToken creates a signed HS256 token for id. Used by tests and the dev CLI;
// production tokens come from the account service.
func IssueToken(signKey []byte, id model.Identity, ttl time.Duration) (model.Token, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signKey)
	if err != nil {
		return model.Token{}, err
	}
	return model.Token{AccessToken: signed, ExpiresAt: exp}, nil
}
