// Package auth manages chat server credentials and the access tokens derived from them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rickgao/chatlink/internal/api"
)

// ErrNoExpiry is returned for tokens without an exp claim.
var ErrNoExpiry = errors.New("token has no expiry")

// DefaultRefreshSkew is how long before expiry a cached token is renewed.
const DefaultRefreshSkew = 30 * time.Second

// Credentials holds the username and password used to obtain tokens.
type Credentials struct {
	Username string
	Password string
}

// LoadCredentials builds credentials from a username and either a password or a
// file containing it. The file wins when both are set.
func LoadCredentials(username, password, passwordFile string) (*Credentials, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}

	if passwordFile != "" {
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return nil, fmt.Errorf("read password file: %w", err)
		}
		password = strings.TrimRight(string(data), "\r\n")
	}

	if password == "" {
		return nil, fmt.Errorf("password is required")
	}

	return &Credentials{
		Username: username,
		Password: password,
	}, nil
}

// TokenExpiry returns the exp claim of a JWT access token. The signature is not
// verified; the server does that.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read expiry: %w", err)
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}

// Exchanger obtains and refreshes tokens. *api.Client implements it.
type Exchanger interface {
	ObtainToken(ctx context.Context, username, password string) (api.TokenPair, error)
	RefreshToken(ctx context.Context, refresh string) (string, error)
}

// TokenSource hands out a valid access token, refreshing it when it nears expiry.
type TokenSource struct {
	creds  Credentials
	ex     Exchanger
	skew   time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	access  string
	refresh string
	expiry  time.Time // Zero when the token carries no expiry
}

// NewTokenSource creates a token source. A nil logger uses slog.Default().
func NewTokenSource(creds Credentials, ex Exchanger, logger *slog.Logger) *TokenSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenSource{
		creds:  creds,
		ex:     ex,
		skew:   DefaultRefreshSkew,
		logger: logger,
		now:    time.Now,
	}
}

// Token returns the cached access token, renewing it first when it is missing or
// about to expire. A failed refresh falls back to a full login.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.access != "" && !s.expiringLocked() {
		return s.access, nil
	}

	if s.refresh != "" {
		access, err := s.ex.RefreshToken(ctx, s.refresh)
		if err == nil {
			s.setLocked(access, s.refresh)
			return access, nil
		}
		s.logger.Warn("token refresh failed, logging in again", "error", err)
	}

	pair, err := s.ex.ObtainToken(ctx, s.creds.Username, s.creds.Password)
	if err != nil {
		return "", err
	}
	s.setLocked(pair.Access, pair.Refresh)
	return pair.Access, nil
}

// Expiry returns the expiry of the cached token, zero if unknown.
func (s *TokenSource) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

func (s *TokenSource) expiringLocked() bool {
	if s.expiry.IsZero() {
		return false
	}
	return s.now().Add(s.skew).After(s.expiry)
}

func (s *TokenSource) setLocked(access, refresh string) {
	s.access = access
	s.refresh = refresh
	s.expiry = time.Time{}

	exp, err := TokenExpiry(access)
	switch {
	case err == nil:
		s.expiry = exp
		s.logger.Debug("access token cached", "expires_at", exp)
	case errors.Is(err, ErrNoExpiry):
		s.logger.Debug("access token has no expiry")
	default:
		// Opaque tokens are fine; they are cached until the process exits
		s.logger.Debug("access token is not a JWT", "error", err)
	}
}
