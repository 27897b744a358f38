package auth

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("auth: not found")
	ErrAlreadyExists   = errors.New("auth: already exists")
	ErrSessionNotFound = errors.New("auth: session not found")
)

// ErrorKind is the closed set of outcomes an auth operation can fail with.
type ErrorKind string

const (
	KindEmailExists        ErrorKind = "email_exists"
	KindPasswordWeak       ErrorKind = "password_weak"
	KindPasswordCommon     ErrorKind = "password_common"
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindAccountInactive    ErrorKind = "account_inactive"
	KindAccountLocked      ErrorKind = "account_locked"
	KindExpiredToken       ErrorKind = "expired_token"
	KindRevokedToken       ErrorKind = "revoked_token"
	KindInvalidToken       ErrorKind = "invalid_token"
	KindForbidden          ErrorKind = "forbidden"
	KindInternal           ErrorKind = "internal"
)

// Error is returned by every Service operation that fails.
type Error struct {
	Kind ErrorKind
	// LockedUntil is set for KindAccountLocked when the expiry is known.
	LockedUntil time.Time
	// Violations is set for KindPasswordWeak and KindPasswordCommon.
	Violations []PolicyViolation
	// Err is the underlying cause. Only KindInternal carries one and it is
	// never shown to callers.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "auth: " + string(e.Kind) + ": " + e.Err.Error()
	}
	return "auth: " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind of err. Errors that are not *Error are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

func kindError(kind ErrorKind) *Error { return &Error{Kind: kind} }
