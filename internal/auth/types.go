package auth

import (
	"strings"
	"time"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Account is a registered user. PasswordHash is nil for accounts that only
// sign in through an external identity provider.
type Account struct {
	ID                  string
	Email               string
	PasswordHash        *string
	Active              bool
	Role                string
	FailedLoginAttempts int
	LastFailedLoginAt   *time.Time
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HasPassword reports whether password login is possible for the account.
func (a *Account) HasPassword() bool {
	return a.PasswordHash != nil && *a.PasswordHash != ""
}

// Summary returns the caller-facing view of the account.
func (a *Account) Summary() AccountSummary {
	return AccountSummary{
		ID:          a.ID,
		Email:       a.Email,
		Role:        a.Role,
		CreatedAt:   a.CreatedAt,
		LastLoginAt: a.LastLoginAt,
	}
}

// AccountSummary never carries credentials or lockout state.
type AccountSummary struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Role        string     `json:"role"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// ClientInfo describes the caller of an auth operation.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// NormalizeEmail trims and lower-cases an email for lookup and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
