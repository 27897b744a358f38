// Package csrf issues per-session anti-forgery tokens that rotate after every
// accepted state-changing request.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"legiswatch.org/internal/ids"
	"legiswatch.org/internal/obs"
)

var (
	ErrMissingToken  = errors.New("csrf: token missing")
	ErrTokenMismatch = errors.New("csrf: token mismatch")
	ErrNoSession     = errors.New("csrf: unknown session")
)

const (
	tokenBytes     = 32
	defaultTTL     = 12 * time.Hour
	defaultTimeout = time.Second
)

// Store keeps the current token of each CSRF session.
type Store interface {
	// Get returns ErrNoSession when the session has no token.
	Get(ctx context.Context, sessionID string) (string, error)
	Set(ctx context.Context, sessionID, token string, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
}

// Service issues, validates and rotates tokens.
type Service struct {
	store   Store
	ttl     time.Duration
	timeout time.Duration
	random  io.Reader
	log     zerolog.Logger
}

// Option configures Service.
type Option func(*Service)

// WithTTL sets how long an idle session keeps its token.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithTimeout bounds each store call.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRandom replaces the entropy source (tests).
func WithRandom(r io.Reader) Option {
	return func(s *Service) {
		if r != nil {
			s.random = r
		}
	}
}

// New returns a Service backed by store.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		ttl:     defaultTTL,
		timeout: defaultTimeout,
		random:  rand.Reader,
		log:     obs.Component("csrf"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSessionID returns an opaque CSRF session id.
func NewSessionID() string { return ids.NewOpaque() }

// TTL reports the configured session lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue stores a fresh token for the session, replacing any previous one.
func (s *Service) Issue(ctx context.Context, sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", ErrNoSession
	}
	token, err := s.generate()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.Set(ctx, sessionID, token, s.ttl); err != nil {
		return "", fmt.Errorf("csrf: store token: %w", err)
	}
	return token, nil
}

// Validate checks presented against the session's current token.
func (s *Service) Validate(ctx context.Context, sessionID, presented string) error {
	if strings.TrimSpace(sessionID) == "" || presented == "" {
		return ErrMissingToken
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	current, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return ErrTokenMismatch
		}
		return fmt.Errorf("csrf: load token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(current), []byte(presented)) != 1 {
		s.log.Warn().Str("event", "csrf_mismatch").Msg("security: csrf token mismatch")
		return ErrTokenMismatch
	}
	return nil
}

// Rotate replaces the session's token after a successful request.
func (s *Service) Rotate(ctx context.Context, sessionID string) (string, error) {
	return s.Issue(ctx, sessionID)
}

// Revoke drops the session's token.
func (s *Service) Revoke(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("csrf: delete token: %w", err)
	}
	return nil
}

func (s *Service) generate() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.random, b); err != nil {
		return "", fmt.Errorf("csrf: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
