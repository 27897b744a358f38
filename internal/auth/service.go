package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"legiswatch.org/internal/audit"
	"legiswatch.org/internal/ids"
	"legiswatch.org/internal/lockout"
	"legiswatch.org/internal/obs"
	"legiswatch.org/internal/tokens"
)

const (
	defaultMaxFailedAttempts = 5
	defaultAccountLock       = 15 * time.Minute
	dummyPassword            = "legiswatch-timing-equalizer"
)

// Lockout is the distributed throttle consulted before every password check.
type Lockout interface {
	Check(ctx context.Context, identity, ip string) (lockout.Status, error)
	RecordFailedAttempt(ctx context.Context, identity, ip string) (lockout.Status, error)
	Reset(ctx context.Context, identity string) error
}

// Session is the result of a successful register, login or refresh.
type Session struct {
	Account AccountSummary
	Tokens  *tokens.Pair
}

// RegisterInput carries new account credentials.
type RegisterInput struct {
	Email    string
	Password string
}

// Service orchestrates registration, login, refresh, logout and password change.
type Service struct {
	accounts AccountStore
	tokens   *tokens.Service
	verifier CredentialVerifier
	lockout  Lockout
	audit    *audit.Recorder
	log      zerolog.Logger
	now      func() time.Time

	maxFailed    int
	accountLock  time.Duration
	storeTimeout time.Duration
	dummyHash    string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithLockout enables the distributed lockout gate.
func WithLockout(l Lockout) ServiceOption {
	return func(s *Service) error {
		s.lockout = l
		return nil
	}
}

// WithAudit sets the audit recorder.
func WithAudit(r *audit.Recorder) ServiceOption {
	return func(s *Service) error {
		s.audit = r
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

// WithMaxFailedAttempts sets failures before the account row is locked.
func WithMaxFailedAttempts(n int) ServiceOption {
	return func(s *Service) error {
		if n < 1 {
			return errors.New("auth: max failed attempts must be positive")
		}
		s.maxFailed = n
		return nil
	}
}

// WithAccountLockDuration sets how long the account row stays locked.
func WithAccountLockDuration(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.accountLock = d
		}
		return nil
	}
}

// WithStoreTimeout bounds every account store call.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.storeTimeout = d
		}
		return nil
	}
}

// NewService constructs Service. A dummy hash is computed up front so that
// rejected logins cost the same as real password checks.
func NewService(accounts AccountStore, tokenSvc *tokens.Service, verifier CredentialVerifier, opts ...ServiceOption) (*Service, error) {
	if accounts == nil || tokenSvc == nil || verifier == nil {
		return nil, errors.New("auth: accounts, tokens and verifier are required")
	}
	svc := &Service{
		tokens:       tokenSvc,
		verifier:     verifier,
		log:          obs.Component("auth"),
		now:          time.Now,
		maxFailed:    defaultMaxFailedAttempts,
		accountLock:  defaultAccountLock,
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.accounts = boundedAccounts{store: accounts, timeout: svc.storeTimeout}
	hash, err := verifier.Hash(dummyPassword)
	if err != nil {
		return nil, fmt.Errorf("auth: dummy hash: %w", err)
	}
	svc.dummyHash = hash
	return svc, nil
}

// Register creates a password account and signs it in.
func (s *Service) Register(ctx context.Context, in RegisterInput, client ClientInfo) (*Session, error) {
	email := NormalizeEmail(in.Email)
	if email == "" {
		return nil, kindError(KindInvalidCredentials)
	}
	if violations := s.verifier.Validate(in.Password); len(violations) > 0 {
		kind := KindPasswordWeak
		if hasViolation(violations, ViolationCommon) {
			kind = KindPasswordCommon
		}
		return nil, &Error{Kind: kind, Violations: violations}
	}

	if _, err := s.accounts.FindByEmail(ctx, email); err == nil {
		return nil, kindError(KindEmailExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, s.internal("find account", err)
	}

	hash, err := s.verifier.Hash(in.Password)
	if err != nil {
		return nil, s.internal("hash password", err)
	}
	now := s.now().UTC()
	acct := &Account{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: &hash,
		Active:       true,
		Role:         RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.accounts.Create(ctx, acct); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, kindError(KindEmailExists)
		}
		return nil, s.internal("create account", err)
	}

	pair, err := s.issue(ctx, acct, client)
	if err != nil {
		return nil, err
	}
	s.record(ctx, "auth.register", acct.ID, client, nil)
	return &Session{Account: acct.Summary(), Tokens: pair}, nil
}

// Login authenticates email and password. Every rejection path performs one
// password hash so response time does not reveal which check failed.
func (s *Service) Login(ctx context.Context, email, password string, client ClientInfo) (*Session, error) {
	email = NormalizeEmail(email)
	log := s.log.With().Str("op", "login").Str("ip", client.IPAddress).Logger()

	if s.lockout != nil {
		st, err := s.lockout.Check(ctx, email, client.IPAddress)
		if err != nil {
			s.burnHash(password)
			obs.LoginAttempt("lockout_unavailable")
			return nil, s.internal("lockout check", err)
		}
		if st.Locked {
			s.burnHash(password)
			obs.LoginAttempt("locked")
			log.Warn().Str("event", "login_while_locked").Time("locked_until", st.Until).
				Msg("security: login attempt against locked identity or address")
			s.record(ctx, "auth.login.locked", "", client, map[string]any{"scope": "distributed"})
			return nil, &Error{Kind: KindAccountLocked, LockedUntil: st.Until}
		}
	}

	acct, err := s.accounts.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.burnHash(password)
		return nil, s.internal("find account", err)
	}
	if acct == nil || !acct.HasPassword() {
		s.burnHash(password)
		accountID := ""
		if acct != nil {
			accountID = acct.ID
		}
		s.record(ctx, "auth.login.failed", accountID, client, map[string]any{"reason": "no_password_account"})
		if err := s.recordDistributedFailure(ctx, email, client); err != nil {
			return nil, err
		}
		obs.LoginAttempt("invalid_credentials")
		return nil, kindError(KindInvalidCredentials)
	}

	if !acct.Active {
		obs.LoginAttempt("inactive")
		s.record(ctx, "auth.login.failed", acct.ID, client, map[string]any{"reason": "inactive"})
		return nil, kindError(KindAccountInactive)
	}

	now := s.now().UTC()
	if acct.LockedUntil != nil {
		if now.Before(*acct.LockedUntil) {
			s.burnHash(password)
			obs.LoginAttempt("locked")
			log.Warn().Str("event", "login_while_locked").Str("account_id", acct.ID).
				Time("locked_until", *acct.LockedUntil).Msg("security: login attempt against locked account")
			s.record(ctx, "auth.login.locked", acct.ID, client, map[string]any{"scope": "account"})
			return nil, &Error{Kind: KindAccountLocked, LockedUntil: *acct.LockedUntil}
		}
		if err := s.accounts.ClearLockout(ctx, acct.ID); err != nil {
			return nil, s.internal("clear expired lockout", err)
		}
		acct.FailedLoginAttempts = 0
		acct.LockedUntil = nil
	}

	res, err := s.verifier.Verify(password, *acct.PasswordHash)
	if err != nil {
		return nil, s.internal("verify password", err)
	}
	if !res.Valid {
		if err := s.accountFailure(ctx, acct, now, client); err != nil {
			return nil, err
		}
		if err := s.recordDistributedFailure(ctx, email, client); err != nil {
			return nil, err
		}
		obs.LoginAttempt("invalid_credentials")
		return nil, kindError(KindInvalidCredentials)
	}

	upd := LoginUpdate{At: now}
	if res.NeedsRehash {
		if h, err := s.verifier.Hash(password); err != nil {
			log.Warn().Err(err).Str("account_id", acct.ID).Msg("rehash failed, keeping old hash")
		} else {
			upd.PasswordHash = &h
		}
	}
	if err := s.accounts.RecordLogin(ctx, acct.ID, upd); err != nil {
		return nil, s.internal("record login", err)
	}
	if s.lockout != nil {
		if err := s.lockout.Reset(ctx, email); err != nil {
			log.Warn().Err(err).Str("account_id", acct.ID).Msg("lockout reset failed")
		}
	}
	acct.LastLoginAt = &now

	pair, err := s.issue(ctx, acct, client)
	if err != nil {
		return nil, err
	}
	obs.LoginAttempt("success")
	s.record(ctx, "auth.login.succeeded", acct.ID, client, map[string]any{"rehashed": upd.PasswordHash != nil})
	return &Session{Account: acct.Summary(), Tokens: pair}, nil
}

// accountFailure increments the account row counter and locks the account
// once it reaches the threshold.
func (s *Service) accountFailure(ctx context.Context, acct *Account, now time.Time, client ClientInfo) error {
	fl, err := s.accounts.RecordFailedLogin(ctx, acct.ID, now, s.maxFailed, now.Add(s.accountLock))
	if err != nil {
		return s.internal("record failed login", err)
	}
	if fl.LockedUntil != nil && fl.Attempts >= s.maxFailed {
		obs.Lockout("account")
		s.log.Warn().Str("event", "account_locked").Str("account_id", acct.ID).
			Int("attempts", fl.Attempts).Time("locked_until", *fl.LockedUntil).
			Msg("security: account locked after repeated failed logins")
		s.record(ctx, "auth.account.locked", acct.ID, client, map[string]any{"attempts": fl.Attempts})
	} else {
		s.record(ctx, "auth.login.failed", acct.ID, client, map[string]any{"reason": "bad_password", "attempts": fl.Attempts})
	}
	return nil
}

// Refresh rotates a refresh token into a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string, client ClientInfo) (*Session, error) {
	pair, subj, err := s.tokens.Rotate(ctx, refreshToken, tokens.IssueOptions{
		UserAgent: client.UserAgent,
		IPAddress: client.IPAddress,
	})
	if err != nil {
		return nil, s.tokenError("rotate", err)
	}
	acct, err := s.accounts.Find(ctx, subj.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, kindError(KindInvalidToken)
		}
		return nil, s.internal("find account", err)
	}
	return &Session{Account: acct.Summary(), Tokens: pair}, nil
}

// Logout ends the session the refresh token belongs to.
func (s *Service) Logout(ctx context.Context, refreshToken string, client ClientInfo) error {
	sess, err := s.tokens.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return s.tokenError("verify refresh", err)
	}
	if _, err := s.tokens.RevokeFamily(ctx, sess.Record.FamilyID); err != nil {
		return s.internal("revoke family", err)
	}
	s.record(ctx, "auth.logout", sess.Record.AccountID, client, map[string]any{"family_id": sess.Record.FamilyID})
	return nil
}

// LogoutAll revokes every session of the account.
func (s *Service) LogoutAll(ctx context.Context, accountID string, client ClientInfo) (int64, error) {
	n, err := s.tokens.RevokeAllForAccount(ctx, accountID)
	if err != nil {
		return 0, s.internal("revoke all", err)
	}
	s.record(ctx, "auth.logout_all", accountID, client, map[string]any{"revoked": n})
	return n, nil
}

// ChangePassword replaces the password, ends every session and returns a
// fresh one.
func (s *Service) ChangePassword(ctx context.Context, accountID, current, next string, client ClientInfo) (*Session, error) {
	acct, err := s.accounts.Find(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, kindError(KindInvalidToken)
		}
		return nil, s.internal("find account", err)
	}
	if !acct.Active {
		return nil, kindError(KindAccountInactive)
	}
	if !acct.HasPassword() {
		s.burnHash(current)
		return nil, kindError(KindInvalidCredentials)
	}
	now := s.now().UTC()
	if acct.LockedUntil != nil && now.Before(*acct.LockedUntil) {
		s.burnHash(current)
		return nil, &Error{Kind: KindAccountLocked, LockedUntil: *acct.LockedUntil}
	}

	res, err := s.verifier.Verify(current, *acct.PasswordHash)
	if err != nil {
		return nil, s.internal("verify password", err)
	}
	if !res.Valid {
		if err := s.accountFailure(ctx, acct, now, client); err != nil {
			return nil, err
		}
		return nil, kindError(KindInvalidCredentials)
	}
	if violations := s.verifier.Validate(next); len(violations) > 0 {
		kind := KindPasswordWeak
		if hasViolation(violations, ViolationCommon) {
			kind = KindPasswordCommon
		}
		return nil, &Error{Kind: kind, Violations: violations}
	}

	hash, err := s.verifier.Hash(next)
	if err != nil {
		return nil, s.internal("hash password", err)
	}
	if err := s.accounts.UpdatePassword(ctx, acct.ID, hash); err != nil {
		return nil, s.internal("update password", err)
	}
	revoked, err := s.tokens.RevokeAllForAccount(ctx, acct.ID)
	if err != nil {
		return nil, s.internal("revoke sessions", err)
	}
	pair, err := s.issue(ctx, acct, client)
	if err != nil {
		return nil, err
	}
	s.record(ctx, "auth.password.changed", acct.ID, client, map[string]any{"revoked_sessions": revoked})
	return &Session{Account: acct.Summary(), Tokens: pair}, nil
}

// Sessions lists the account's active sessions.
func (s *Service) Sessions(ctx context.Context, accountID string) ([]tokens.Session, error) {
	list, err := s.tokens.ListSessions(ctx, accountID)
	if err != nil {
		return nil, s.internal("list sessions", err)
	}
	return list, nil
}

// RevokeSession ends one of the account's sessions by refresh record id.
func (s *Service) RevokeSession(ctx context.Context, accountID, sessionID string, client ClientInfo) error {
	rec, err := s.tokens.FindRecord(ctx, sessionID)
	if err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			return ErrSessionNotFound
		}
		return s.internal("find session", err)
	}
	if rec.AccountID != accountID {
		return ErrSessionNotFound
	}
	if _, err := s.tokens.RevokeFamily(ctx, rec.FamilyID); err != nil {
		return s.internal("revoke session", err)
	}
	s.record(ctx, "auth.session.revoked", accountID, client, map[string]any{"family_id": rec.FamilyID})
	return nil
}

// Authenticate verifies an access token.
func (s *Service) Authenticate(_ context.Context, accessToken string) (Principal, error) {
	claims, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return Principal{}, s.tokenError("verify access", err)
	}
	return Principal{AccountID: claims.Subject, Email: claims.Email, SessionID: claims.SessionID}, nil
}

// Account returns the summary of an account.
func (s *Service) Account(ctx context.Context, accountID string) (AccountSummary, error) {
	acct, err := s.accounts.Find(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AccountSummary{}, kindError(KindInvalidToken)
		}
		return AccountSummary{}, s.internal("find account", err)
	}
	return acct.Summary(), nil
}

func (s *Service) issue(ctx context.Context, acct *Account, client ClientInfo) (*tokens.Pair, error) {
	pair, err := s.tokens.Issue(ctx, acct.ID, acct.Email, tokens.IssueOptions{
		UserAgent: client.UserAgent,
		IPAddress: client.IPAddress,
	})
	if err != nil {
		return nil, s.internal("issue tokens", err)
	}
	return pair, nil
}

func (s *Service) burnHash(password string) {
	_, _ = s.verifier.Verify(password, s.dummyHash)
}

// recordDistributedFailure counts a rejected login against the identity and
// address. A cache failure is reported as internal, the same as in Check.
func (s *Service) recordDistributedFailure(ctx context.Context, email string, client ClientInfo) error {
	if s.lockout == nil {
		return nil
	}
	if _, err := s.lockout.RecordFailedAttempt(ctx, email, client.IPAddress); err != nil {
		obs.LoginAttempt("lockout_unavailable")
		return s.internal("lockout record", err)
	}
	return nil
}

func (s *Service) tokenError(op string, err error) error {
	switch tokens.ReasonOf(err) {
	case tokens.ReasonExpired:
		return kindError(KindExpiredToken)
	case tokens.ReasonRevoked:
		return kindError(KindRevokedToken)
	case tokens.ReasonInvalid, tokens.ReasonMalformed:
		return kindError(KindInvalidToken)
	default:
		return s.internal(op, err)
	}
}

func (s *Service) internal(op string, err error) *Error {
	s.log.Error().Err(err).Str("op", op).Msg("auth operation failed")
	obs.CaptureError(err, map[string]string{"component": "auth", "op": op})
	return &Error{Kind: KindInternal, Err: fmt.Errorf("%s: %w", op, err)}
}

func (s *Service) record(ctx context.Context, action, accountID string, client ClientInfo, meta map[string]any) {
	s.audit.Record(ctx, audit.Event{
		Action:    action,
		AccountID: accountID,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Metadata:  meta,
	})
}
