package tokens

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"legiswatch.org/internal/audit"
	"legiswatch.org/internal/ids"
	"legiswatch.org/internal/obs"
)

const (
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 7 * 24 * time.Hour
	defaultStoreTimeout = 3 * time.Second
	revokedRetention    = 30 * 24 * time.Hour
	minSecretLength     = 32
)

// Service issues, verifies, rotates and revokes access/refresh token pairs.
type Service struct {
	store    Store
	subjects SubjectLookup
	secret   []byte

	issuer       string
	audience     string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	storeTimeout time.Duration

	now   func() time.Time
	log   zerolog.Logger
	audit *audit.Recorder
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAudience overrides the aud claim.
func WithAudience(aud string) ServiceOption {
	return func(s *Service) error {
		s.audience = strings.TrimSpace(aud)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithStoreTimeout bounds every store call.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.storeTimeout = d
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) error {
		s.log = l
		return nil
	}
}

// WithAudit records security events such as refresh token reuse.
func WithAudit(r *audit.Recorder) ServiceOption {
	return func(s *Service) error {
		s.audit = r
		return nil
	}
}

// NewService constructs Service. secret signs tokens with HS256.
func NewService(store Store, subjects SubjectLookup, secret string, opts ...ServiceOption) (*Service, error) {
	if store == nil || subjects == nil {
		return nil, errors.New("tokens: store and subject lookup are required")
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("tokens: secret must be at least %d bytes", minSecretLength)
	}
	svc := &Service{
		store:        store,
		subjects:     subjects,
		secret:       []byte(secret),
		issuer:       "legiswatch",
		audience:     "legiswatch-web",
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		storeTimeout: defaultStoreTimeout,
		now:          time.Now,
		log:          obs.Component("tokens"),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// AccessTTL reports the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL reports the configured refresh token lifetime.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// Issue creates a new token pair for the account. A new family starts unless
// opts.FamilyID is set.
func (s *Service) Issue(ctx context.Context, accountID, email string, opts IssueOptions) (*Pair, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, errors.New("tokens: account id is required")
	}
	now := s.now().UTC()
	b := s.newRefresh(ids.New(), accountID, opts, now)
	if err := b.create(ctx); err != nil {
		return nil, err
	}
	return s.finish(ctx, b, email, now)
}

// finish signs and seals a created record and pairs it with an access token.
func (s *Service) finish(ctx context.Context, b *refreshBuilder, email string, now time.Time) (*Pair, error) {
	refresh, err := s.signRefresh(&b.rec)
	if err == nil {
		err = b.seal(ctx, refresh)
	}
	if err != nil {
		b.abandon(ctx)
		return nil, err
	}

	access, accessExp, err := s.signAccess(b.rec.AccountID, email, b.rec.FamilyID, now)
	if err != nil {
		b.abandon(ctx)
		return nil, err
	}
	obs.TokenEvent("issued")
	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: b.rec.ExpiresAt,
		TokenID:          b.rec.ID,
		FamilyID:         b.rec.FamilyID,
	}, nil
}

// refreshBuilder creates a refresh record in two steps: the row is inserted
// first so its id can be the jti, then sealed with the hash of the signed token.
type refreshBuilder struct {
	svc *Service
	rec Record
}

func (s *Service) newRefresh(id, accountID string, opts IssueOptions, now time.Time) *refreshBuilder {
	family := strings.TrimSpace(opts.FamilyID)
	if family == "" {
		family = ids.NewFamily()
	}
	return &refreshBuilder{svc: s, rec: Record{
		ID:        id,
		AccountID: accountID,
		FamilyID:  family,
		UserAgent: opts.UserAgent,
		IPAddress: opts.IPAddress,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}}
}

func (b *refreshBuilder) create(ctx context.Context) error {
	ctx, cancel := b.svc.storeCtx(ctx)
	defer cancel()
	if err := b.svc.store.Create(ctx, &b.rec); err != nil {
		return fmt.Errorf("tokens: create record: %w", err)
	}
	return nil
}

func (b *refreshBuilder) seal(ctx context.Context, signed string) error {
	ctx, cancel := b.svc.storeCtx(ctx)
	defer cancel()
	b.rec.TokenHash = hashToken(signed)
	if err := b.svc.store.SetHash(ctx, b.rec.ID, b.rec.TokenHash); err != nil {
		return fmt.Errorf("tokens: seal record: %w", err)
	}
	return nil
}

// abandon revokes a record whose token was never handed out.
func (b *refreshBuilder) abandon(ctx context.Context) {
	ctx, cancel := b.svc.storeCtx(ctx)
	defer cancel()
	if _, err := b.svc.store.MarkRevoked(ctx, b.rec.ID, b.svc.now().UTC(), ""); err != nil {
		b.svc.log.Error().Err(err).Str("token_id", b.rec.ID).Msg("abandon refresh record")
	}
}

func (s *Service) signAccess(accountID, email, sessionID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.accessTTL)
	claims := AccessClaims{
		Email:     email,
		Type:      typeAccess,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.New(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("tokens: sign access: %w", err)
	}
	return signed, exp, nil
}

func (s *Service) signRefresh(rec *Record) (string, error) {
	claims := RefreshClaims{
		FamilyID: rec.FamilyID,
		Type:     typeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   rec.AccountID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(rec.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(rec.ExpiresAt),
			ID:        rec.ID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("tokens: sign refresh: %w", err)
	}
	return signed, nil
}

func (s *Service) parse(token string, claims jwt.Claims) error {
	if strings.TrimSpace(token) == "" {
		return ErrTokenMalformed
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrTokenMalformed
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return ErrTokenInvalid
	}
}

// VerifyAccess validates signature, issuer, audience, expiry and type.
func (s *Service) VerifyAccess(token string) (*AccessClaims, error) {
	var claims AccessClaims
	if err := s.parse(token, &claims); err != nil {
		return nil, err
	}
	if claims.Type != typeAccess {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" || claims.Email == "" {
		return nil, ErrTokenMalformed
	}
	return &claims, nil
}

// VerifyRefresh validates the token and its store record. Presenting a token
// whose record is already revoked revokes the whole family.
func (s *Service) VerifyRefresh(ctx context.Context, token string) (*RefreshSession, error) {
	var claims RefreshClaims
	if err := s.parse(token, &claims); err != nil {
		return nil, err
	}
	if claims.Type != typeRefresh {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" || claims.ID == "" || claims.FamilyID == "" {
		return nil, ErrTokenMalformed
	}

	rec, err := s.find(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	if rec.Revoked() {
		s.reuseDetected(ctx, rec)
		return nil, ErrTokenRevoked
	}
	if !subtleCompare(rec.TokenHash, hashToken(token)) || rec.FamilyID != claims.FamilyID || rec.AccountID != claims.Subject {
		return nil, ErrTokenInvalid
	}

	subject, err := s.lookupSubject(ctx, rec.AccountID)
	if err != nil {
		if errors.Is(err, ErrSubjectNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	if !subject.Active {
		return nil, ErrTokenRevoked
	}
	if !s.now().Before(rec.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	return &RefreshSession{Claims: &claims, Record: rec, Subject: subject}, nil
}

// Rotate exchanges a valid refresh token for a new pair in the same family.
// The old record is revoked with a forward link to its successor. If another
// caller rotated the same token first, the attempt counts as reuse.
//
// The successor row is inserted, unsealed, before the old record is revoked.
// Any replay that observes the old record revoked therefore finds the
// successor in the family and revokes it too.
func (s *Service) Rotate(ctx context.Context, token string, opts IssueOptions) (*Pair, Subject, error) {
	sess, err := s.VerifyRefresh(ctx, token)
	if err != nil {
		return nil, Subject{}, err
	}

	now := s.now().UTC()
	opts.FamilyID = sess.Record.FamilyID
	b := s.newRefresh(ids.New(), sess.Subject.ID, opts, now)
	if err := b.create(ctx); err != nil {
		return nil, Subject{}, err
	}

	sctx, cancel := s.storeCtx(ctx)
	won, err := s.store.MarkRevoked(sctx, sess.Record.ID, now, b.rec.ID)
	cancel()
	if err != nil {
		b.abandon(ctx)
		return nil, Subject{}, fmt.Errorf("tokens: revoke rotated record: %w", err)
	}
	if !won {
		b.abandon(ctx)
		s.reuseDetected(ctx, sess.Record)
		return nil, Subject{}, ErrTokenRevoked
	}

	pair, err := s.finish(ctx, b, sess.Subject.Email, now)
	if err != nil {
		return nil, Subject{}, err
	}
	obs.TokenEvent("rotated")
	return pair, sess.Subject, nil
}

func (s *Service) reuseDetected(ctx context.Context, rec *Record) {
	obs.TokenEvent("reuse_detected")
	s.log.Warn().
		Str("event", "refresh_token_reuse").
		Str("account_id", rec.AccountID).
		Str("family_id", rec.FamilyID).
		Str("token_id", rec.ID).
		Msg("security: revoked refresh token presented, revoking family")

	n, err := s.RevokeFamily(ctx, rec.FamilyID)
	if err != nil {
		s.log.Error().Err(err).Str("family_id", rec.FamilyID).Msg("revoke family after reuse")
		obs.CaptureError(err, map[string]string{"op": "revoke_family"})
	}
	s.audit.Record(ctx, audit.Event{
		Action:    "auth.refresh.reuse_detected",
		AccountID: rec.AccountID,
		Metadata:  map[string]any{"family_id": rec.FamilyID, "token_id": rec.ID, "revoked": n},
	})
}

// Revoke revokes a single refresh record.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if _, err := s.store.MarkRevoked(ctx, tokenID, s.now().UTC(), ""); err != nil {
		return fmt.Errorf("tokens: revoke %s: %w", tokenID, err)
	}
	obs.TokenEvent("revoked")
	return nil
}

// RevokeFamily revokes every active record descended from one login.
func (s *Service) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	n, err := s.store.RevokeFamily(ctx, familyID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("tokens: revoke family: %w", err)
	}
	obs.TokenEvents("revoked", n)
	return n, nil
}

// RevokeAllForAccount revokes every active record of the account.
func (s *Service) RevokeAllForAccount(ctx context.Context, accountID string) (int64, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	n, err := s.store.RevokeAccount(ctx, accountID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("tokens: revoke account: %w", err)
	}
	obs.TokenEvents("revoked", n)
	return n, nil
}

// CleanupExpired deletes expired records and records revoked more than 30 days ago.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	now := s.now().UTC()
	n, err := s.store.DeleteStale(ctx, now, now.Add(-revokedRetention))
	if err != nil {
		return 0, fmt.Errorf("tokens: cleanup: %w", err)
	}
	obs.TokenEvents("deleted", n)
	return n, nil
}

// ListSessions returns the account's active sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, accountID string) ([]Session, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	recs, err := s.store.ListActive(ctx, accountID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("tokens: list sessions: %w", err)
	}
	out := make([]Session, 0, len(recs))
	for _, r := range recs {
		out = append(out, Session{
			ID:        r.ID,
			FamilyID:  r.FamilyID,
			UserAgent: r.UserAgent,
			IPAddress: r.IPAddress,
			CreatedAt: r.CreatedAt,
			ExpiresAt: r.ExpiresAt,
		})
	}
	return out, nil
}

// FindRecord returns a record by id.
func (s *Service) FindRecord(ctx context.Context, tokenID string) (*Record, error) {
	return s.find(ctx, tokenID)
}

func (s *Service) find(ctx context.Context, id string) (*Record, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	rec, err := s.store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tokens: find record: %w", err)
	}
	return rec, nil
}

func (s *Service) lookupSubject(ctx context.Context, accountID string) (Subject, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	subj, err := s.subjects.LookupSubject(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrSubjectNotFound) {
			return Subject{}, ErrSubjectNotFound
		}
		return Subject{}, fmt.Errorf("tokens: lookup subject: %w", err)
	}
	return subj, nil
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func subtleCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
