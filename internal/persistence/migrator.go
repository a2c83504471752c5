package persistence

import (
	"MarginLedger/migrations"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// MigrationSource returns dir as a filesystem, or the embedded schema when
// dir is empty.
func MigrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

// migration is one versioned schema step. File naming follows
// golang-migrate: {version}_{name}.up.sql and .down.sql.
type migration struct {
	version string
	up      string
	down    string
}

// Migrator applies versioned SQL migrations, each in its own transaction,
// and records them in public.schema_migrations.
type Migrator struct {
	db     *sql.DB
	src    fs.FS
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, src fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, src: src, logger: logger}
}

// Up applies every pending migration in version order.
func (m *Migrator) Up(ctx context.Context) error {
	pending, err := m.pending(ctx)
	if err != nil {
		return err
	}
	for _, mg := range pending {
		m.logger.Info().Str("file", mg.up).Msg("applying migration")
		err := m.step(ctx, mg.up,
			`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
			mg.version, mg.up)
		if err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		m.logger.Info().Int("applied", len(pending)).Msg("schema up to date")
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	var version, upFile string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &upFile)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	downFile := strings.TrimSuffix(upFile, ".up.sql") + ".down.sql"
	if err := m.step(ctx, downFile, `DELETE FROM public.schema_migrations WHERE version = $1`, version); err != nil {
		return err
	}
	m.logger.Info().Str("file", downFile).Msg("rolled back migration")
	return nil
}

// Pending lists the up files not yet applied.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	pending, err := m.pending(ctx)
	if err != nil {
		return nil, err
	}
	files := make([]string, len(pending))
	for i, mg := range pending {
		files[i] = mg.up
	}
	return files, nil
}

func (m *Migrator) pending(ctx context.Context) ([]migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	all, err := loadMigrations(m.src)
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, mg := range all {
		if !applied[mg.version] {
			out = append(out, mg)
		}
	}
	return out, nil
}

// step runs one migration file and its bookkeeping statement atomically.
func (m *Migrator) step(ctx context.Context, file, record string, args ...any) error {
	body, err := fs.ReadFile(m.src, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// loadMigrations pairs up and down files by version, sorted ascending.
func loadMigrations(src fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(src, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %q has no version prefix", name)
		}
		mg := byVersion[version]
		if mg == nil {
			mg = &migration{version: version}
			byVersion[version] = mg
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			mg.up = name
		case strings.HasSuffix(name, ".down.sql"):
			mg.down = name
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mg := range byVersion {
		if mg.up == "" {
			return nil, fmt.Errorf("migration %s has no up file", mg.version)
		}
		out = append(out, *mg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
