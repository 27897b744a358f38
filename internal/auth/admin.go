package auth

import (
	"context"
	"errors"
)

// Authorize checks that the principal's account is active and its current
// role grants perm. The role is read from the store, so demotions apply to
// access tokens that are already issued.
func (s *Service) Authorize(ctx context.Context, p Principal, perm string) error {
	acct, err := s.accounts.Find(ctx, p.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return kindError(KindInvalidToken)
		}
		return s.internal("find account", err)
	}
	if !acct.Active {
		return kindError(KindAccountInactive)
	}
	if !GrantsFor(acct.Role).HasPermission(perm) {
		s.log.Warn().Str("event", "permission_denied").Str("account_id", acct.ID).
			Str("permission", perm).Msg("security: permission denied")
		return kindError(KindForbidden)
	}
	return nil
}

// UnlockAccount clears both the account row lock and the distributed
// identity lock.
func (s *Service) UnlockAccount(ctx context.Context, actorID, accountID string, client ClientInfo) error {
	acct, err := s.accounts.Find(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return s.internal("find account", err)
	}
	if err := s.accounts.ClearLockout(ctx, acct.ID); err != nil {
		return s.internal("clear lockout", err)
	}
	if s.lockout != nil {
		if err := s.lockout.Reset(ctx, acct.Email); err != nil {
			return s.internal("reset lockout", err)
		}
	}
	s.record(ctx, "auth.account.unlocked", acct.ID, client, map[string]any{"actor_id": actorID})
	return nil
}

// SetAccountActive enables or disables an account. Disabling also revokes
// every session of the account.
func (s *Service) SetAccountActive(ctx context.Context, actorID, accountID string, active bool, client ClientInfo) error {
	if err := s.accounts.SetActive(ctx, accountID, active); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return s.internal("set active", err)
	}
	action := "auth.account.activated"
	meta := map[string]any{"actor_id": actorID}
	if !active {
		action = "auth.account.deactivated"
		n, err := s.tokens.RevokeAllForAccount(ctx, accountID)
		if err != nil {
			return s.internal("revoke sessions", err)
		}
		meta["revoked_sessions"] = n
	}
	s.record(ctx, action, accountID, client, meta)
	return nil
}
