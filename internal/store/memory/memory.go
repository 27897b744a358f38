// Package memory provides process-local implementations of the account and
// refresh token stores for development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"legiswatch.org/internal/auth"
	"legiswatch.org/internal/ids"
	"legiswatch.org/internal/tokens"
)

var errDuplicateRecord = errors.New("memory: duplicate refresh token id")

var (
	_ auth.AccountStore = (*Accounts)(nil)
	_ tokens.Store      = (*RefreshTokens)(nil)
)

// Accounts is an in-memory auth.AccountStore.
type Accounts struct {
	mu      sync.Mutex
	byID    map[string]*auth.Account
	byEmail map[string]string
	now     func() time.Time
}

// NewAccounts returns an empty store.
func NewAccounts() *Accounts {
	return &Accounts{
		byID:    make(map[string]*auth.Account),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func cloneAccount(a *auth.Account) *auth.Account {
	c := *a
	if a.PasswordHash != nil {
		h := *a.PasswordHash
		c.PasswordHash = &h
	}
	c.LastFailedLoginAt = cloneTime(a.LastFailedLoginAt)
	c.LockedUntil = cloneTime(a.LockedUntil)
	c.LastLoginAt = cloneTime(a.LastLoginAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (s *Accounts) Create(_ context.Context, a *auth.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := auth.NormalizeEmail(a.Email)
	if _, ok := s.byEmail[email]; ok {
		return auth.ErrAlreadyExists
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	now := s.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.Email = email
	s.byID[a.ID] = cloneAccount(a)
	s.byEmail[email] = a.ID
	return nil
}

func (s *Accounts) Find(_ context.Context, id string) (*auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneAccount(a), nil
}

func (s *Accounts) FindByEmail(_ context.Context, email string) (*auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[auth.NormalizeEmail(email)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneAccount(s.byID[id]), nil
}

func (s *Accounts) RecordFailedLogin(_ context.Context, id string, at time.Time, threshold int, lockUntil time.Time) (auth.FailedLogin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return auth.FailedLogin{}, auth.ErrNotFound
	}
	a.FailedLoginAttempts++
	a.LastFailedLoginAt = &at
	if a.FailedLoginAttempts >= threshold {
		until := lockUntil
		a.LockedUntil = &until
	}
	a.UpdatedAt = at
	return auth.FailedLogin{Attempts: a.FailedLoginAttempts, LockedUntil: cloneTime(a.LockedUntil)}, nil
}

func (s *Accounts) ClearLockout(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	a.FailedLoginAttempts = 0
	a.LockedUntil = nil
	a.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Accounts) RecordLogin(_ context.Context, id string, upd auth.LoginUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	at := upd.At
	a.LastLoginAt = &at
	a.FailedLoginAttempts = 0
	a.LockedUntil = nil
	if upd.PasswordHash != nil {
		h := *upd.PasswordHash
		a.PasswordHash = &h
	}
	a.UpdatedAt = at
	return nil
}

func (s *Accounts) UpdatePassword(_ context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	a.PasswordHash = &passwordHash
	a.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Accounts) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	a.Active = active
	a.UpdatedAt = s.now().UTC()
	return nil
}

// RefreshTokens is an in-memory tokens.Store.
type RefreshTokens struct {
	mu   sync.Mutex
	recs map[string]*tokens.Record
}

// NewRefreshTokens returns an empty store.
func NewRefreshTokens() *RefreshTokens {
	return &RefreshTokens{recs: make(map[string]*tokens.Record)}
}

func cloneRecord(r *tokens.Record) *tokens.Record {
	c := *r
	c.RevokedAt = cloneTime(r.RevokedAt)
	return &c
}

func (s *RefreshTokens) Create(_ context.Context, rec *tokens.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return errDuplicateRecord
	}
	s.recs[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *RefreshTokens) SetHash(_ context.Context, id, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return tokens.ErrNotFound
	}
	r.TokenHash = tokenHash
	return nil
}

func (s *RefreshTokens) Find(_ context.Context, id string) (*tokens.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return nil, tokens.ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *RefreshTokens) MarkRevoked(_ context.Context, id string, at time.Time, replacedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return false, tokens.ErrNotFound
	}
	if r.RevokedAt != nil {
		return false, nil
	}
	r.RevokedAt = &at
	r.ReplacedBy = replacedBy
	return true, nil
}

func (s *RefreshTokens) revokeWhere(at time.Time, match func(*tokens.Record) bool) int64 {
	var n int64
	for _, r := range s.recs {
		if r.RevokedAt == nil && match(r) {
			t := at
			r.RevokedAt = &t
			n++
		}
	}
	return n
}

func (s *RefreshTokens) RevokeFamily(_ context.Context, familyID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeWhere(at, func(r *tokens.Record) bool { return r.FamilyID == familyID }), nil
}

func (s *RefreshTokens) RevokeAccount(_ context.Context, accountID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeWhere(at, func(r *tokens.Record) bool { return r.AccountID == accountID }), nil
}

func (s *RefreshTokens) DeleteStale(_ context.Context, now, revokedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.recs {
		if r.ExpiresAt.Before(now) || (r.RevokedAt != nil && r.RevokedAt.Before(revokedBefore)) {
			delete(s.recs, id)
			n++
		}
	}
	return n, nil
}

func (s *RefreshTokens) ListActive(_ context.Context, accountID string, now time.Time) ([]tokens.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tokens.Record
	for _, r := range s.recs {
		if r.AccountID == accountID && r.RevokedAt == nil && r.ExpiresAt.After(now) {
			out = append(out, *cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// All returns a snapshot of every record. Intended for tests.
func (s *RefreshTokens) All() []tokens.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tokens.Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, *cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
