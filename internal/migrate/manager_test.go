package migrate

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	entries, err := fs.ReadDir(migrations, migrationsDir)
	if err != nil {
		t.Fatalf("read embedded dir: %v", err)
	}
	want := []string{"00001_accounts.sql", "00002_refresh_tokens.sql", "00003_audit_log.sql"}
	if len(entries) != len(want) {
		t.Fatalf("got %d migrations, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Name() != want[i] {
			t.Fatalf("migration %d = %s, want %s", i, e.Name(), want[i])
		}
		body, err := fs.ReadFile(migrations, migrationsDir+"/"+e.Name())
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		if !strings.Contains(string(body), "-- +goose Up") || !strings.Contains(string(body), "-- +goose Down") {
			t.Fatalf("%s lacks goose annotations", e.Name())
		}
	}
}

func TestUpUsesEmbeddedDir(t *testing.T) {
	db := newDB(t)
	orig := gooseUp
	defer func() { gooseUp = orig }()

	var gotDir string
	gooseUp = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	}
	if err := NewManager(db).Up(context.Background()); err != nil {
		t.Fatalf("Up error: %v", err)
	}
	if gotDir != migrationsDir {
		t.Fatalf("dir = %q", gotDir)
	}
}

func TestDownWrapsError(t *testing.T) {
	db := newDB(t)
	orig := gooseDown
	defer func() { gooseDown = orig }()

	boom := errors.New("boom")
	gooseDown = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return boom
	}
	err := NewManager(db).Down(context.Background())
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "migrate down") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStatusReportsVersion(t *testing.T) {
	db := newDB(t)
	orig := gooseVersion
	defer func() { gooseVersion = orig }()

	gooseVersion = func(ctx context.Context, db *sql.DB) (int64, error) { return 3, nil }
	v, err := NewManager(db, WithMigrationsTable("legis_migrations")).Status(context.Background())
	if err != nil || v != 3 {
		t.Fatalf("v=%d err=%v", v, err)
	}
}
