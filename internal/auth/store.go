package auth

import (
	"context"
	"errors"
	"time"

	"legiswatch.org/internal/tokens"
)

// AccountStore describes persistence operations required by the auth subsystem.
type AccountStore interface {
	// Create inserts a new account. Returns ErrAlreadyExists on a duplicate email.
	Create(ctx context.Context, a *Account) error
	Find(ctx context.Context, id string) (*Account, error)
	// FindByEmail expects a normalized email.
	FindByEmail(ctx context.Context, email string) (*Account, error)
	// RecordFailedLogin atomically increments the failure counter and sets
	// LockedUntil to lockUntil once the counter reaches threshold.
	RecordFailedLogin(ctx context.Context, id string, at time.Time, threshold int, lockUntil time.Time) (FailedLogin, error)
	// ClearLockout resets the failure counter and lock expiry.
	ClearLockout(ctx context.Context, id string) error
	// RecordLogin stamps a successful login, resets lockout state and
	// optionally replaces the password hash.
	RecordLogin(ctx context.Context, id string, upd LoginUpdate) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	SetActive(ctx context.Context, id string, active bool) error
}

// FailedLogin is the account lockout state after a failed attempt.
type FailedLogin struct {
	Attempts    int
	LockedUntil *time.Time
}

// LoginUpdate is written after a successful password check.
type LoginUpdate struct {
	At           time.Time
	PasswordHash *string
}

// Subjects exposes accounts to the token service.
func Subjects(store AccountStore) tokens.SubjectLookup {
	return tokens.SubjectLookupFunc(func(ctx context.Context, id string) (tokens.Subject, error) {
		acct, err := store.Find(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return tokens.Subject{}, tokens.ErrSubjectNotFound
			}
			return tokens.Subject{}, err
		}
		return tokens.Subject{ID: acct.ID, Email: acct.Email, Active: acct.Active}, nil
	})
}
