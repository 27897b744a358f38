package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"legiswatch.org/internal/auth"
	"legiswatch.org/internal/ids"
)

var _ auth.AccountStore = (*Accounts)(nil)

const accountColumns = `id, email, password_hash, active, role, failed_login_attempts,
	last_failed_login_at, locked_until, last_login_at, created_at, updated_at`

// Accounts implements auth.AccountStore.
type Accounts struct {
	db DBTX
}

func NewAccounts(db DBTX) *Accounts {
	return &Accounts{db: db}
}

func (s *Accounts) Create(ctx context.Context, a *auth.Account) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	a.Email = auth.NormalizeEmail(a.Email)
	if a.Role == "" {
		a.Role = auth.RoleUser
	}
	_, err := s.db.ExecContext(ctx,
		`insert into accounts(id, email, password_hash, active, role, created_at, updated_at)
		values($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.Email, a.PasswordHash, a.Active, a.Role, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.ErrAlreadyExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *Accounts) Find(ctx context.Context, id string) (*auth.Account, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where id=$1`, id))
}

func (s *Accounts) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where email=$1`, auth.NormalizeEmail(email)))
}

func (s *Accounts) scanOne(row *sql.Row) (*auth.Account, error) {
	var (
		a                              auth.Account
		hash                           sql.NullString
		lastFailed, lockedUntil, login sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Email, &hash, &a.Active, &a.Role, &a.FailedLoginAttempts,
		&lastFailed, &lockedUntil, &login, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if hash.Valid {
		a.PasswordHash = &hash.String
	}
	a.LastFailedLoginAt = timePtr(lastFailed)
	a.LockedUntil = timePtr(lockedUntil)
	a.LastLoginAt = timePtr(login)
	return &a, nil
}

// RecordFailedLogin increments and evaluates the threshold in one statement
// so concurrent failures cannot skip the lock.
func (s *Accounts) RecordFailedLogin(ctx context.Context, id string, at time.Time, threshold int, lockUntil time.Time) (auth.FailedLogin, error) {
	var (
		out    auth.FailedLogin
		locked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		update accounts
		set failed_login_attempts = failed_login_attempts + 1,
			last_failed_login_at = $2,
			locked_until = case when failed_login_attempts + 1 >= $3 then $4 else locked_until end,
			updated_at = $2
		where id=$1
		returning failed_login_attempts, locked_until
	`, id, at, threshold, lockUntil).Scan(&out.Attempts, &locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.FailedLogin{}, auth.ErrNotFound
		}
		return auth.FailedLogin{}, fmt.Errorf("db error: %w", err)
	}
	out.LockedUntil = timePtr(locked)
	return out, nil
}

func (s *Accounts) ClearLockout(ctx context.Context, id string) error {
	return s.execOne(ctx,
		`update accounts set failed_login_attempts=0, locked_until=null, updated_at=now() where id=$1`, id)
}

func (s *Accounts) RecordLogin(ctx context.Context, id string, upd auth.LoginUpdate) error {
	return s.execOne(ctx, `
		update accounts
		set last_login_at=$2,
			failed_login_attempts=0,
			locked_until=null,
			password_hash=coalesce($3, password_hash),
			updated_at=$2
		where id=$1
	`, id, upd.At, upd.PasswordHash)
}

func (s *Accounts) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return s.execOne(ctx,
		`update accounts set password_hash=$2, updated_at=now() where id=$1`, id, passwordHash)
}

// SetActive toggles the active flag.
func (s *Accounts) SetActive(ctx context.Context, id string, active bool) error {
	return s.execOne(ctx,
		`update accounts set active=$2, updated_at=now() where id=$1`, id, active)
}

func (s *Accounts) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
