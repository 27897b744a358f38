package auth

import (
	"context"
	"time"
)

const defaultStoreTimeout = 3 * time.Second

// boundedAccounts puts a deadline on every call into the account store.
type boundedAccounts struct {
	store   AccountStore
	timeout time.Duration
}

func (b boundedAccounts) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

func (b boundedAccounts) Create(ctx context.Context, a *Account) error {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.store.Create(ctx, a)
}

func (b boundedAccounts) Find(ctx context.Context, id string) (*Account, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.store.Find(ctx, id)
}

func (b boundedAccounts) FindByEmail(ctx context.Context, email string) (*Account, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.store.FindByEmail(ctx, email)
}

func (b boundedAccounts) RecordFailedLogin(ctx context.Context, id string, at time.Time, threshold int, lockUntil time.Time) (FailedLogin, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.store.RecordFailedLogin(ctx, id, at, threshold, lockUntil)
}

func (b boundedAccounts) ClearLockout(ctx context.Context, id string) error {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.store.ClearLockout(ctx, id)
}

func (b boundedAccounts) RecordLogin(ctx context.Context, id string, upd LoginUpdate) error {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.store.RecordLogin(ctx, id, upd)
}

func (b boundedAccounts) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.store.UpdatePassword(ctx, id, passwordHash)
}

func (b boundedAccounts) SetActive(ctx context.Context, id string, active bool) error {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.store.SetActive(ctx, id, active)
}
