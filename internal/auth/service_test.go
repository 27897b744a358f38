package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"legiswatch.org/internal/auth"
	"legiswatch.org/internal/lockout"
	"legiswatch.org/internal/store/memory"
	"legiswatch.org/internal/tokens"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	goodPassword = "Capitol-Hill-2026"
)

// countingVerifier records every hash it is asked to verify against.
type countingVerifier struct {
	*auth.BcryptVerifier
	mu     sync.Mutex
	hashes []string
}

func (v *countingVerifier) Verify(password, hash string) (auth.VerifyResult, error) {
	v.mu.Lock()
	v.hashes = append(v.hashes, hash)
	v.mu.Unlock()
	return v.BcryptVerifier.Verify(password, hash)
}

func (v *countingVerifier) reset() {
	v.mu.Lock()
	v.hashes = nil
	v.mu.Unlock()
}

func (v *countingVerifier) calls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.hashes...)
}

type harness struct {
	svc      *auth.Service
	accounts *memory.Accounts
	refresh  *memory.RefreshTokens
	tokens   *tokens.Service
	verifier *countingVerifier
	now      *time.Time
}

var client = auth.ClientInfo{IPAddress: "192.0.2.10", UserAgent: "go-test"}

func newHarness(t *testing.T, opts ...auth.ServiceOption) *harness {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := &harness{
		accounts: memory.NewAccounts(),
		refresh:  memory.NewRefreshTokens(),
		verifier: &countingVerifier{BcryptVerifier: auth.NewBcryptVerifier(auth.WithCost(bcrypt.MinCost))},
		now:      &now,
	}
	clock := func() time.Time { return *h.now }
	tsvc, err := tokens.NewService(h.refresh, auth.Subjects(h.accounts), testSecret, tokens.WithClock(clock))
	require.NoError(t, err)
	h.tokens = tsvc

	opts = append([]auth.ServiceOption{auth.WithClock(clock)}, opts...)
	svc, err := auth.NewService(h.accounts, tsvc, h.verifier, opts...)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) register(t *testing.T, email string) *auth.Session {
	t.Helper()
	sess, err := h.svc.Register(context.Background(), auth.RegisterInput{Email: email, Password: goodPassword}, client)
	require.NoError(t, err)
	h.verifier.reset()
	return sess
}

func (h *harness) passwordHash(t *testing.T, email string) string {
	t.Helper()
	acct, err := h.accounts.FindByEmail(context.Background(), email)
	require.NoError(t, err)
	return *acct.PasswordHash
}

func requireKind(t *testing.T, err error, kind auth.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, auth.KindOf(err), "error: %v", err)
}

func TestRegisterAndLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reg := h.register(t, "  Clerk@Example.com ")
	assert.Equal(t, "clerk@example.com", reg.Account.Email)
	assert.Equal(t, auth.RoleUser, reg.Account.Role)
	require.NotNil(t, reg.Tokens)

	sess, err := h.svc.Login(ctx, "CLERK@example.com", goodPassword, client)
	require.NoError(t, err)
	require.NotNil(t, sess.Account.LastLoginAt)
	assert.NotEqual(t, reg.Tokens.FamilyID, sess.Tokens.FamilyID, "each login starts a family")

	p, err := h.svc.Authenticate(ctx, sess.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, sess.Account.ID, p.AccountID)
	assert.Equal(t, sess.Tokens.FamilyID, p.SessionID)
}

func TestRegisterRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "clerk@example.com")

	_, err := h.svc.Register(ctx, auth.RegisterInput{Email: "CLERK@example.com", Password: goodPassword}, client)
	requireKind(t, err, auth.KindEmailExists)

	_, err = h.svc.Register(ctx, auth.RegisterInput{Email: "new@example.com", Password: "short"}, client)
	requireKind(t, err, auth.KindPasswordWeak)
	var ae *auth.Error
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Violations, auth.ViolationTooShort)

	_, err = h.svc.Register(ctx, auth.RegisterInput{Email: "new@example.com", Password: "Password1234!"}, client)
	requireKind(t, err, auth.KindPasswordCommon)
}

func TestLoginUnknownEmailBurnsOneHash(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Login(context.Background(), "ghost@example.com", "whatever-Pass1", client)
	requireKind(t, err, auth.KindInvalidCredentials)
	assert.Len(t, h.verifier.calls(), 1)
}

func TestLoginWrongPasswordMatchesUnknownEmail(t *testing.T) {
	h := newHarness(t)
	h.register(t, "clerk@example.com")

	_, err := h.svc.Login(context.Background(), "clerk@example.com", "Wrong-Password-1", client)
	requireKind(t, err, auth.KindInvalidCredentials)
	assert.Len(t, h.verifier.calls(), 1)
}

func TestLoginPasswordlessAccount(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.accounts.Create(context.Background(), &auth.Account{
		Email: "sso@example.com", Active: true, Role: auth.RoleUser,
	}))

	_, err := h.svc.Login(context.Background(), "sso@example.com", goodPassword, client)
	requireKind(t, err, auth.KindInvalidCredentials)
	assert.Len(t, h.verifier.calls(), 1, "dummy hash keeps timing uniform")
}

func TestLoginInactiveAccount(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "clerk@example.com")
	require.NoError(t, h.accounts.SetActive(context.Background(), reg.Account.ID, false))

	_, err := h.svc.Login(context.Background(), "clerk@example.com", goodPassword, client)
	requireKind(t, err, auth.KindAccountInactive)
}

func TestAccountLocksAfterFiveFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "clerk@example.com")
	realHash := h.passwordHash(t, "clerk@example.com")

	for i := 0; i < 5; i++ {
		_, err := h.svc.Login(ctx, "clerk@example.com", "Wrong-Password-1", client)
		requireKind(t, err, auth.KindInvalidCredentials)
	}
	acct, err := h.accounts.FindByEmail(ctx, "clerk@example.com")
	require.NoError(t, err)
	require.NotNil(t, acct.LockedUntil)
	assert.Equal(t, h.now.Add(15*time.Minute), *acct.LockedUntil)

	h.verifier.reset()
	_, err = h.svc.Login(ctx, "clerk@example.com", goodPassword, client)
	requireKind(t, err, auth.KindAccountLocked)
	var ae *auth.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, *acct.LockedUntil, ae.LockedUntil)

	calls := h.verifier.calls()
	require.Len(t, calls, 1, "locked path performs exactly one dummy hash")
	assert.NotEqual(t, realHash, calls[0], "real password is never verified while locked")

	*h.now = h.now.Add(16 * time.Minute)
	_, err = h.svc.Login(ctx, "clerk@example.com", goodPassword, client)
	require.NoError(t, err, "expired lock is cleared")

	acct, err = h.accounts.FindByEmail(ctx, "clerk@example.com")
	require.NoError(t, err)
	assert.Zero(t, acct.FailedLoginAttempts)
	assert.Nil(t, acct.LockedUntil)
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "clerk@example.com")

	for i := 0; i < 3; i++ {
		_, _ = h.svc.Login(ctx, "clerk@example.com", "Wrong-Password-1", client)
	}
	_, err := h.svc.Login(ctx, "clerk@example.com", goodPassword, client)
	require.NoError(t, err)

	acct, err := h.accounts.FindByEmail(ctx, "clerk@example.com")
	require.NoError(t, err)
	assert.Zero(t, acct.FailedLoginAttempts)
}

func TestLoginRehashesWeakerHash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old, err := bcrypt.GenerateFromPassword([]byte(goodPassword), bcrypt.MinCost+1)
	require.NoError(t, err)
	oldHash := string(old)
	require.NoError(t, h.accounts.Create(ctx, &auth.Account{
		Email: "clerk@example.com", PasswordHash: &oldHash, Active: true, Role: auth.RoleUser,
	}))

	_, err = h.svc.Login(ctx, "clerk@example.com", goodPassword, client)
	require.NoError(t, err)

	updated := h.passwordHash(t, "clerk@example.com")
	assert.NotEqual(t, oldHash, updated)
	cost, err := bcrypt.Cost([]byte(updated))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost, cost)
}

func TestDistributedLockoutGate(t *testing.T) {
	cache := lockout.NewMemoryCache()
	h := newHarness(t, auth.WithLockout(lockout.New(cache)))
	ctx := context.Background()
	h.register(t, "clerk@example.com")

	for i := 0; i < 5; i++ {
		_, err := h.svc.Login(ctx, "ghost@example.com", "Wrong-Password-1", client)
		requireKind(t, err, auth.KindInvalidCredentials)
	}

	h.verifier.reset()
	_, err := h.svc.Login(ctx, "clerk@example.com", goodPassword, client)
	requireKind(t, err, auth.KindAccountLocked)
	assert.Len(t, h.verifier.calls(), 1)

	_, err = h.svc.Login(ctx, "clerk@example.com", goodPassword, auth.ClientInfo{IPAddress: "198.51.100.7"})
	require.NoError(t, err, "other addresses are unaffected")
}

type brokenLockout struct{}

func (brokenLockout) Check(context.Context, string, string) (lockout.Status, error) {
	return lockout.Status{}, lockout.ErrUnavailable
}

func (brokenLockout) RecordFailedAttempt(context.Context, string, string) (lockout.Status, error) {
	return lockout.Status{}, lockout.ErrUnavailable
}

func (brokenLockout) Reset(context.Context, string) error { return lockout.ErrUnavailable }

func TestLockoutUnavailableFailsClosed(t *testing.T) {
	h := newHarness(t, auth.WithLockout(brokenLockout{}))
	ctx := context.Background()
	h.register(t, "clerk@example.com")
	realHash := h.passwordHash(t, "clerk@example.com")

	_, err := h.svc.Login(ctx, "clerk@example.com", goodPassword, client)
	requireKind(t, err, auth.KindInternal)
	assert.ErrorIs(t, err, lockout.ErrUnavailable)

	calls := h.verifier.calls()
	require.Len(t, calls, 1)
	assert.NotEqual(t, realHash, calls[0])
}

// recordFailsLockout admits logins but cannot count failures.
type recordFailsLockout struct{ brokenLockout }

func (recordFailsLockout) Check(context.Context, string, string) (lockout.Status, error) {
	return lockout.Status{}, nil
}

func TestLockoutRecordFailureIsInternal(t *testing.T) {
	h := newHarness(t, auth.WithLockout(recordFailsLockout{}))
	ctx := context.Background()
	reg := h.register(t, "clerk@example.com")

	_, err := h.svc.Login(ctx, "nobody@example.com", goodPassword, client)
	requireKind(t, err, auth.KindInternal)
	assert.ErrorIs(t, err, lockout.ErrUnavailable)

	_, err = h.svc.Login(ctx, "clerk@example.com", "Wrong-Password-1", client)
	requireKind(t, err, auth.KindInternal)
	assert.ErrorIs(t, err, lockout.ErrUnavailable)

	acct, err := h.accounts.Find(ctx, reg.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, acct.FailedLoginAttempts, "account row still counts the failure")
}

// stalledAccounts never answers email lookups until the caller gives up.
type stalledAccounts struct{ *memory.Accounts }

func (stalledAccounts) FindByEmail(ctx context.Context, _ string) (*auth.Account, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAccountStoreCallsAreBounded(t *testing.T) {
	h := newHarness(t)
	svc, err := auth.NewService(stalledAccounts{h.accounts}, h.tokens, h.verifier,
		auth.WithStoreTimeout(50*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = svc.Login(context.Background(), "clerk@example.com", goodPassword, client)
	requireKind(t, err, auth.KindInternal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = svc.Register(context.Background(), auth.RegisterInput{Email: "clerk@example.com", Password: goodPassword}, client)
	requireKind(t, err, auth.KindInternal)
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "clerk@example.com")

	next, err := h.svc.Refresh(ctx, reg.Tokens.RefreshToken, client)
	require.NoError(t, err)
	assert.Equal(t, reg.Tokens.FamilyID, next.Tokens.FamilyID)
	assert.Equal(t, reg.Account.ID, next.Account.ID)

	_, err = h.svc.Refresh(ctx, reg.Tokens.RefreshToken, client)
	requireKind(t, err, auth.KindRevokedToken)

	_, err = h.svc.Refresh(ctx, next.Tokens.RefreshToken, client)
	requireKind(t, err, auth.KindRevokedToken)

	_, err = h.svc.Refresh(ctx, "garbage", client)
	requireKind(t, err, auth.KindInvalidToken)
}

func TestLogoutRevokesFamilyOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "clerk@example.com")
	other, err := h.svc.Login(ctx, "clerk@example.com", goodPassword, client)
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(ctx, reg.Tokens.RefreshToken, client))

	_, err = h.svc.Refresh(ctx, reg.Tokens.RefreshToken, client)
	requireKind(t, err, auth.KindRevokedToken)
	_, err = h.svc.Refresh(ctx, other.Tokens.RefreshToken, client)
	require.NoError(t, err)
}

func TestLogoutAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "clerk@example.com")
	_, err := h.svc.Login(ctx, "clerk@example.com", goodPassword, client)
	require.NoError(t, err)

	n, err := h.svc.LogoutAll(ctx, reg.Account.ID, client)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	sessions, err := h.svc.Sessions(ctx, reg.Account.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestChangePassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := h.register(t, "clerk@example.com")
	const next = "Senate-Floor-Vote-9"

	_, err := h.svc.ChangePassword(ctx, reg.Account.ID, "Wrong-Password-1", next, client)
	requireKind(t, err, auth.KindInvalidCredentials)

	_, err = h.svc.ChangePassword(ctx, reg.Account.ID, goodPassword, "weak", client)
	requireKind(t, err, auth.KindPasswordWeak)

	sess, err := h.svc.ChangePassword(ctx, reg.Account.ID, goodPassword, next, client)
	require.NoError(t, err)
	require.NotNil(t, sess.Tokens)

	_, err = h.svc.Refresh(ctx, reg.Tokens.RefreshToken, client)
	requireKind(t, err, auth.KindRevokedToken)

	_, err = h.svc.Login(ctx, "clerk@example.com", next, client)
	require.NoError(t, err)
	_, err = h.svc.Login(ctx, "clerk@example.com", goodPassword, client)
	requireKind(t, err, auth.KindInvalidCredentials)
}

func TestRevokeSessionOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register(t, "alice@example.com")
	bob := h.register(t, "bob@example.com")

	err := h.svc.RevokeSession(ctx, bob.Account.ID, alice.Tokens.TokenID, client)
	assert.True(t, errors.Is(err, auth.ErrSessionNotFound))

	err = h.svc.RevokeSession(ctx, bob.Account.ID, "missing", client)
	assert.True(t, errors.Is(err, auth.ErrSessionNotFound))

	require.NoError(t, h.svc.RevokeSession(ctx, alice.Account.ID, alice.Tokens.TokenID, client))
	_, err = h.svc.Refresh(ctx, alice.Tokens.RefreshToken, client)
	requireKind(t, err, auth.KindRevokedToken)
}

func TestAuthenticateRejectsExpiredAccess(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "clerk@example.com")

	*h.now = h.now.Add(time.Hour)
	_, err := h.svc.Authenticate(context.Background(), reg.Tokens.AccessToken)
	requireKind(t, err, auth.KindExpiredToken)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, auth.ErrorKind(""), auth.KindOf(nil))
	assert.Equal(t, auth.KindInternal, auth.KindOf(errors.New("boom")))
	assert.Equal(t, auth.KindAccountLocked, auth.KindOf(&auth.Error{Kind: auth.KindAccountLocked}))
}
