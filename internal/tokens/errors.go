package tokens

import "errors"

var (
	ErrTokenExpired    = errors.New("tokens: token expired")
	ErrTokenMalformed  = errors.New("tokens: token malformed")
	ErrTokenInvalid    = errors.New("tokens: token invalid")
	ErrTokenRevoked    = errors.New("tokens: token revoked")
	ErrNotFound        = errors.New("tokens: record not found")
	ErrSubjectNotFound = errors.New("tokens: subject not found")
)

// Reason classifies why a token was rejected.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonExpired   Reason = "expired"
	ReasonMalformed Reason = "malformed"
	ReasonInvalid   Reason = "invalid"
	ReasonRevoked   Reason = "revoked"
)

// ReasonOf maps a verification error to its Reason. Errors that are not token
// rejections (store failures) yield ReasonNone.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, ErrTokenMalformed):
		return ReasonMalformed
	case errors.Is(err, ErrTokenRevoked):
		return ReasonRevoked
	case errors.Is(err, ErrTokenInvalid):
		return ReasonInvalid
	default:
		return ReasonNone
	}
}
