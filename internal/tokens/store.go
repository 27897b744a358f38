package tokens

import (
	"context"
	"time"
)

// Store persists refresh token records.
type Store interface {
	// Create inserts a new unsealed record.
	Create(ctx context.Context, rec *Record) error
	// SetHash writes the hash of the signed token onto a created record.
	SetHash(ctx context.Context, id, tokenHash string) error
	// Find returns ErrNotFound when no record has the id.
	Find(ctx context.Context, id string) (*Record, error)
	// MarkRevoked revokes a record that is not yet revoked and reports
	// whether this call performed the revocation. Returns ErrNotFound when
	// the id is unknown.
	MarkRevoked(ctx context.Context, id string, at time.Time, replacedBy string) (bool, error)
	// RevokeFamily revokes every unrevoked record of the family.
	RevokeFamily(ctx context.Context, familyID string, at time.Time) (int64, error)
	// RevokeAccount revokes every unrevoked record of the account.
	RevokeAccount(ctx context.Context, accountID string, at time.Time) (int64, error)
	// DeleteStale removes records expired before now or revoked before revokedBefore.
	DeleteStale(ctx context.Context, now, revokedBefore time.Time) (int64, error)
	// ListActive returns unrevoked, unexpired records newest first.
	ListActive(ctx context.Context, accountID string, now time.Time) ([]Record, error)
}
