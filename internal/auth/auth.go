// Package auth stores the user's credentials between runs and hands the
// access token to the real-time connection and the HTTP client.
package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/tradepost/marketchat/internal/models"
)

var (
	ErrNoCredentials = errors.New("auth: no stored credentials")
	ErrTokenExpired  = errors.New("auth: access token expired")
)

// Credentials is what a login leaves behind.
type Credentials struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken,omitempty"`
	User         models.User `json:"user"`
	SavedAt      time.Time   `json:"savedAt"`
}

// Store persists credentials. Load returns ErrNoCredentials when nothing is
// stored.
type Store interface {
	Load(ctx context.Context) (*Credentials, error)
	Save(ctx context.Context, c *Credentials) error
	Clear(ctx context.Context) error
}

// TokenSource reads the access token from a Store on every call, so a new
// login is picked up on the next connect without restarting.
type TokenSource struct {
	store Store
	now   func() time.Time
}

// NewTokenSource creates a token source over store.
func NewTokenSource(store Store) *TokenSource {
	return &TokenSource{store: store, now: time.Now}
}

// Token returns the stored access token. A missing or empty token yields
// ErrNoCredentials; a JWT whose exp has passed yields ErrTokenExpired.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	c, err := s.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if c == nil || c.AccessToken == "" {
		return "", ErrNoCredentials
	}
	exp, err := expiry(c.AccessToken)
	if err != nil {
		// Opaque tokens are passed through; only the server can judge them.
		return c.AccessToken, nil
	}
	if !exp.IsZero() && !s.now().Before(exp) {
		return "", errors.Wrapf(ErrTokenExpired, "expired at %s", exp.Format(time.RFC3339))
	}
	return c.AccessToken, nil
}

// Self returns the authenticated user.
func (s *TokenSource) Self(ctx context.Context) (models.User, error) {
	c, err := s.store.Load(ctx)
	if err != nil {
		return models.User{}, err
	}
	if c == nil || c.User.ID == "" {
		return models.User{}, ErrNoCredentials
	}
	return c.User, nil
}

// expiry reads the exp claim without verifying the signature. The client
// never holds the signing key.
func expiry(token string) (time.Time, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, errors.Wrap(err, "auth: parse token")
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, errors.Wrap(err, "auth: read exp")
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
