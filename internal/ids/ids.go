package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier used for account and
// refresh token record ids.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewFamily returns a random identifier grouping refresh tokens that descend
// from one login.
func NewFamily() string {
	return uuid.NewString()
}

// NewOpaque returns a random identifier for request ids and CSRF sessions.
func NewOpaque() string {
	return uuid.NewString()
}
