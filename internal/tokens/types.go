package tokens

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

// Record is a persisted refresh token. TokenHash holds the SHA-256 of the
// signed token, never the token itself.
type Record struct {
	ID         string
	AccountID  string
	FamilyID   string
	TokenHash  string
	UserAgent  string
	IPAddress  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy string
}

// Revoked reports whether the record has been revoked.
func (r Record) Revoked() bool { return r.RevokedAt != nil }

// Session is the caller-facing view of an active refresh record.
type Session struct {
	ID        string    `json:"id"`
	FamilyID  string    `json:"family_id"`
	UserAgent string    `json:"user_agent,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Pair represents access and refresh tokens along with their expirations.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	TokenID          string
	FamilyID         string
}

// IssueOptions carries client metadata and, for rotation, the family to join.
type IssueOptions struct {
	UserAgent string
	IPAddress string
	FamilyID  string
}

// AccessClaims are the verified claims of an access token.
type AccessClaims struct {
	Email     string `json:"email"`
	Type      string `json:"type"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// RefreshClaims are the verified claims of a refresh token. ID (jti) equals
// the store record id.
type RefreshClaims struct {
	FamilyID string `json:"fid"`
	Type     string `json:"type"`
	jwt.RegisteredClaims
}

// Subject is the account a token was issued to.
type Subject struct {
	ID     string
	Email  string
	Active bool
}

// SubjectLookup resolves the owner of a refresh record. Implementations
// return ErrSubjectNotFound when the account no longer exists.
type SubjectLookup interface {
	LookupSubject(ctx context.Context, accountID string) (Subject, error)
}

// SubjectLookupFunc adapts a function to SubjectLookup.
type SubjectLookupFunc func(ctx context.Context, accountID string) (Subject, error)

func (f SubjectLookupFunc) LookupSubject(ctx context.Context, accountID string) (Subject, error) {
	return f(ctx, accountID)
}

// RefreshSession is the outcome of a successful refresh verification.
type RefreshSession struct {
	Claims  *RefreshClaims
	Record  *Record
	Subject Subject
}
