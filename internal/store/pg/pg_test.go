package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"legiswatch.org/internal/audit"
	"legiswatch.org/internal/auth"
	"legiswatch.org/internal/tokens"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return db, mock
}

var accountCols = []string{
	"id", "email", "password_hash", "active", "role", "failed_login_attempts",
	"last_failed_login_at", "locked_until", "last_login_at", "created_at", "updated_at",
}

func TestAccountsCreate(t *testing.T) {
	db, mock := newMock(t)
	store := NewAccounts(db)
	hash := "$2a$04$hash"

	mock.ExpectExec(`(?s)^insert\s+into\s+accounts\(id,\s*email,\s*password_hash,\s*active,\s*role,\s*created_at,\s*updated_at\)`).
		WithArgs("acc-1", "clerk@example.com", sqlmock.AnyArg(), true, "user", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := &auth.Account{ID: "acc-1", Email: " Clerk@Example.com", PasswordHash: &hash, Active: true}
	if err := store.Create(context.Background(), a); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if a.Email != "clerk@example.com" || a.Role != auth.RoleUser {
		t.Fatalf("unexpected account: %+v", a)
	}
}

func TestAccountsCreateDuplicate(t *testing.T) {
	db, mock := newMock(t)
	store := NewAccounts(db)

	mock.ExpectExec(`^insert\s+into\s+accounts`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "accounts_email_key"})

	err := store.Create(context.Background(), &auth.Account{ID: "acc-1", Email: "clerk@example.com"})
	if !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
}

func TestAccountsFindByEmail(t *testing.T) {
	db, mock := newMock(t)
	store := NewAccounts(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)^select\s+id,\s*email,.*from\s+accounts\s+where\s+email=\$1$`).
		WithArgs("clerk@example.com").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow("acc-1", "clerk@example.com", nil, true, "user", 2, now, nil, nil, now, now))

	a, err := store.FindByEmail(context.Background(), "CLERK@example.com")
	if err != nil {
		t.Fatalf("FindByEmail error: %v", err)
	}
	if a.HasPassword() || a.FailedLoginAttempts != 2 || a.LastFailedLoginAt == nil || a.LockedUntil != nil {
		t.Fatalf("unexpected account: %+v", a)
	}
}

func TestAccountsFindNotFound(t *testing.T) {
	db, mock := newMock(t)
	store := NewAccounts(db)

	mock.ExpectQuery(`from\s+accounts\s+where\s+id=\$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Find(context.Background(), "ghost"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestAccountsRecordFailedLogin(t *testing.T) {
	db, mock := newMock(t)
	store := NewAccounts(db)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := at.Add(15 * time.Minute)

	mock.ExpectQuery(`(?s)update\s+accounts.*failed_login_attempts\s*=\s*failed_login_attempts\s*\+\s*1.*case\s+when\s+failed_login_attempts\s*\+\s*1\s*>=\s*\$3\s+then\s+\$4.*returning\s+failed_login_attempts,\s*locked_until`).
		WithArgs("acc-1", at, 5, until).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(5, until))

	fl, err := store.RecordFailedLogin(context.Background(), "acc-1", at, 5, until)
	if err != nil {
		t.Fatalf("RecordFailedLogin error: %v", err)
	}
	if fl.Attempts != 5 || fl.LockedUntil == nil || !fl.LockedUntil.Equal(until) {
		t.Fatalf("unexpected result: %+v", fl)
	}
}

func TestAccountsClearLockoutMissing(t *testing.T) {
	db, mock := newMock(t)
	store := NewAccounts(db)

	mock.ExpectExec(`update\s+accounts\s+set\s+failed_login_attempts=0,\s*locked_until=null`).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.ClearLockout(context.Background(), "ghost"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestAccountsSetActive(t *testing.T) {
	db, mock := newMock(t)
	store := NewAccounts(db)

	mock.ExpectExec(`update\s+accounts\s+set\s+active=\$2`).
		WithArgs("acc-1", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update\s+accounts\s+set\s+active=\$2`).
		WithArgs("ghost", true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.SetActive(context.Background(), "acc-1", false); err != nil {
		t.Fatalf("SetActive error: %v", err)
	}
	if err := store.SetActive(context.Background(), "ghost", true); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestAccountsRecordLogin(t *testing.T) {
	db, mock := newMock(t)
	store := NewAccounts(db)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`(?s)update\s+accounts.*last_login_at=\$2.*password_hash=coalesce\(\$3,\s*password_hash\)`).
		WithArgs("acc-1", at, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.RecordLogin(context.Background(), "acc-1", auth.LoginUpdate{At: at}); err != nil {
		t.Fatalf("RecordLogin error: %v", err)
	}
}

func TestRefreshTokensMarkRevoked(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := `(?s)update\s+refresh_tokens\s+set\s+revoked_at=\$2,\s*replaced_by=\$3\s+where\s+id=\$1\s+and\s+revoked_at\s+is\s+null`

	t.Run("won", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(q).WithArgs("tok-1", at, "tok-2").WillReturnResult(sqlmock.NewResult(0, 1))
		won, err := NewRefreshTokens(db).MarkRevoked(context.Background(), "tok-1", at, "tok-2")
		if err != nil || !won {
			t.Fatalf("won=%v err=%v", won, err)
		}
	})

	t.Run("lost race", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(q).WithArgs("tok-1", at, "tok-2").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`select\s+exists`).WithArgs("tok-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		won, err := NewRefreshTokens(db).MarkRevoked(context.Background(), "tok-1", at, "tok-2")
		if err != nil || won {
			t.Fatalf("won=%v err=%v", won, err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(q).WithArgs("ghost", at, nil).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`select\s+exists`).WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		_, err := NewRefreshTokens(db).MarkRevoked(context.Background(), "ghost", at, "")
		if !errors.Is(err, tokens.ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	})
}

func TestRefreshTokensFind(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)select\s+id,\s*account_id,\s*family_id,\s*token_hash.*from\s+refresh_tokens\s+where\s+id=\$1`).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "account_id", "family_id", "token_hash", "user_agent", "ip_address",
			"created_at", "expires_at", "revoked_at", "replaced_by",
		}).AddRow("tok-1", "acc-1", "fam-1", "abc", "curl", nil, now, now.Add(time.Hour), now, "tok-2"))

	rec, err := NewRefreshTokens(db).Find(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Find error: %v", err)
	}
	if !rec.Revoked() || rec.ReplacedBy != "tok-2" || rec.UserAgent != "curl" || rec.IPAddress != "" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRefreshTokensRevokeFamily(t *testing.T) {
	db, mock := newMock(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`update\s+refresh_tokens\s+set\s+revoked_at=\$2\s+where\s+family_id=\$1\s+and\s+revoked_at\s+is\s+null`).
		WithArgs("fam-1", at).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := NewRefreshTokens(db).RevokeFamily(context.Background(), "fam-1", at)
	if err != nil || n != 3 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestRefreshTokensDeleteStale(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-30 * 24 * time.Hour)

	mock.ExpectExec(`delete\s+from\s+refresh_tokens\s+where\s+expires_at\s*<\s*\$1\s+or\s+\(revoked_at\s+is\s+not\s+null\s+and\s+revoked_at\s*<\s*\$2\)`).
		WithArgs(now, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := NewRefreshTokens(db).DeleteStale(context.Background(), now, cutoff)
	if err != nil || n != 7 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestRefreshTokensListActive(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)from\s+refresh_tokens\s+where\s+account_id=\$1\s+and\s+revoked_at\s+is\s+null\s+and\s+expires_at\s*>\s*\$2\s+order\s+by\s+created_at\s+desc`).
		WithArgs("acc-1", now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "family_id", "user_agent", "ip_address", "created_at", "expires_at"}).
			AddRow("tok-2", "fam-2", "firefox", "10.0.0.2", now, now.Add(time.Hour)).
			AddRow("tok-1", "fam-1", nil, nil, now.Add(-time.Hour), now.Add(time.Hour)))

	recs, err := NewRefreshTokens(db).ListActive(context.Background(), "acc-1", now)
	if err != nil {
		t.Fatalf("ListActive error: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "tok-2" || recs[1].AccountID != "acc-1" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestAuditLogAppend(t *testing.T) {
	db, mock := newMock(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`(?s)insert\s+into\s+audit_log\(id,\s*occurred_at,\s*action,\s*account_id,\s*ip_address,\s*user_agent,\s*request_id,\s*metadata\)`).
		WithArgs("evt-1", at, "auth.logout", "acc-1", nil, nil, "req-1", []byte(`{"family_id":"fam-1"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := NewAuditLog(db).Append(context.Background(), audit.Event{
		ID: "evt-1", OccurredAt: at, Action: "auth.logout", AccountID: "acc-1", RequestID: "req-1",
		Metadata: map[string]any{"family_id": "fam-1"},
	})
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
}
