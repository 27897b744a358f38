// Package migrate applies the embedded PostgreSQL schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"legiswatch.org/internal/obs"
)

//go:embed sql/*.sql
var migrations embed.FS

const (
	migrationsDir          = "sql"
	defaultMigrationsTable = "schema_migrations"
)

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// Seams for tests.
var (
	gooseUp      = goose.UpContext
	gooseDown    = goose.DownContext
	gooseVersion = goose.GetDBVersionContext
)

// Manager runs schema migrations.
type Manager struct {
	db              *sql.DB
	migrationsTable string
	log             zerolog.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithLogger replaces the logger goose reports progress to.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrationsTable: defaultMigrationsTable,
		log:             obs.Component("migrate"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	return m.run(func() error {
		if err := gooseUp(ctx, m.db, migrationsDir); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		return nil
	})
}

// Down rolls back the most recent migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.run(func() error {
		if err := gooseDown(ctx, m.db, migrationsDir); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		return nil
	})
}

// Status reports the applied schema version.
func (m *Manager) Status(ctx context.Context) (int64, error) {
	var version int64
	err := m.run(func() error {
		v, err := gooseVersion(ctx, m.db)
		if err != nil {
			return fmt.Errorf("migrate status: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

func (m *Manager) run(fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrations)
	goose.SetTableName(m.migrationsTable)
	goose.SetLogger(gooseLogger{log: m.log})
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return fn()
}

type gooseLogger struct{ log zerolog.Logger }

func (g gooseLogger) Printf(format string, v ...any) { g.log.Info().Msgf(format, v...) }
func (g gooseLogger) Fatalf(format string, v ...any) { g.log.Fatal().Msgf(format, v...) }
