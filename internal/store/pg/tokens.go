package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"legiswatch.org/internal/tokens"
)

var _ tokens.Store = (*RefreshTokens)(nil)

// RefreshTokens implements tokens.Store.
type RefreshTokens struct {
	db DBTX
}

func NewRefreshTokens(db DBTX) *RefreshTokens {
	return &RefreshTokens{db: db}
}

func (s *RefreshTokens) Create(ctx context.Context, rec *tokens.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(id, account_id, family_id, token_hash, user_agent, ip_address, created_at, expires_at)
		values($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.ID, rec.AccountID, rec.FamilyID, rec.TokenHash,
		nullString(rec.UserAgent), nullString(rec.IPAddress), rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *RefreshTokens) SetHash(ctx context.Context, id, tokenHash string) error {
	res, err := s.db.ExecContext(ctx, `update refresh_tokens set token_hash=$2 where id=$1`, id, tokenHash)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return tokens.ErrNotFound
	}
	return nil
}

func (s *RefreshTokens) Find(ctx context.Context, id string) (*tokens.Record, error) {
	var (
		rec        tokens.Record
		ua, ip, by sql.NullString
		revoked    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, account_id, family_id, token_hash, user_agent, ip_address,
			created_at, expires_at, revoked_at, replaced_by
		from refresh_tokens where id=$1
	`, id).Scan(&rec.ID, &rec.AccountID, &rec.FamilyID, &rec.TokenHash, &ua, &ip,
		&rec.CreatedAt, &rec.ExpiresAt, &revoked, &by)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tokens.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	rec.UserAgent, rec.IPAddress, rec.ReplacedBy = ua.String, ip.String, by.String
	rec.RevokedAt = timePtr(revoked)
	return &rec, nil
}

// MarkRevoked revokes only an active record; false means someone else
// revoked it first.
func (s *RefreshTokens) MarkRevoked(ctx context.Context, id string, at time.Time, replacedBy string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at=$2, replaced_by=$3
		where id=$1 and revoked_at is null
	`, id, at, nullString(replacedBy))
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from refresh_tokens where id=$1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	if !exists {
		return false, tokens.ErrNotFound
	}
	return false, nil
}

func (s *RefreshTokens) RevokeFamily(ctx context.Context, familyID string, at time.Time) (int64, error) {
	return s.affected(ctx,
		`update refresh_tokens set revoked_at=$2 where family_id=$1 and revoked_at is null`, familyID, at)
}

func (s *RefreshTokens) RevokeAccount(ctx context.Context, accountID string, at time.Time) (int64, error) {
	return s.affected(ctx,
		`update refresh_tokens set revoked_at=$2 where account_id=$1 and revoked_at is null`, accountID, at)
}

func (s *RefreshTokens) DeleteStale(ctx context.Context, now, revokedBefore time.Time) (int64, error) {
	return s.affected(ctx,
		`delete from refresh_tokens where expires_at < $1 or (revoked_at is not null and revoked_at < $2)`,
		now, revokedBefore)
}

func (s *RefreshTokens) ListActive(ctx context.Context, accountID string, now time.Time) ([]tokens.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, family_id, user_agent, ip_address, created_at, expires_at
		from refresh_tokens
		where account_id=$1 and revoked_at is null and expires_at > $2
		order by created_at desc, id desc
	`, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []tokens.Record
	for rows.Next() {
		var (
			rec    tokens.Record
			ua, ip sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.FamilyID, &ua, &ip, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		rec.AccountID = accountID
		rec.UserAgent, rec.IPAddress = ua.String, ip.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *RefreshTokens) affected(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}
