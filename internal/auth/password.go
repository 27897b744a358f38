package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// VerifyResult is the outcome of a password check.
type VerifyResult struct {
	Valid       bool
	NeedsRehash bool
}

// CredentialVerifier hashes and checks passwords and enforces strength rules.
type CredentialVerifier interface {
	Hash(password string) (string, error)
	Verify(password, hash string) (VerifyResult, error)
	Validate(password string) []PolicyViolation
}

// BcryptVerifier implements CredentialVerifier with bcrypt.
type BcryptVerifier struct {
	cost   int
	policy PasswordPolicy
}

// VerifierOption configures BcryptVerifier.
type VerifierOption func(*BcryptVerifier)

// WithCost sets the bcrypt cost for new hashes. Existing hashes with a
// different cost are reported as needing a rehash.
func WithCost(cost int) VerifierOption {
	return func(v *BcryptVerifier) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			v.cost = cost
		}
	}
}

// WithPolicy replaces the password strength policy.
func WithPolicy(p PasswordPolicy) VerifierOption {
	return func(v *BcryptVerifier) { v.policy = p }
}

// NewBcryptVerifier returns a verifier using bcrypt.DefaultCost and DefaultPolicy.
func NewBcryptVerifier(opts ...VerifierOption) *BcryptVerifier {
	v := &BcryptVerifier{cost: bcrypt.DefaultCost, policy: DefaultPolicy()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Hash hashes a plaintext password.
func (v *BcryptVerifier) Hash(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify compares password with hash. A mismatch is not an error.
func (v *BcryptVerifier) Verify(password, hash string) (VerifyResult, error) {
	if hash == "" {
		return VerifyResult{}, errors.New("password hash is empty")
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return VerifyResult{}, nil
	default:
		return VerifyResult{}, err
	}
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return VerifyResult{Valid: true}, nil
	}
	return VerifyResult{Valid: true, NeedsRehash: cost != v.cost}, nil
}

// Validate reports every policy rule the password breaks.
func (v *BcryptVerifier) Validate(password string) []PolicyViolation {
	return v.policy.Check(password)
}
