package store

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Las migraciones SQL se embeben en el binario.
// Formato de archivo: {version}_{name}.sql (ej: 0001_init.sql)

// DB es lo que el Migrator necesita de un pool pgx.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrator aplica migraciones SQL versionadas a Postgres.
type Migrator struct {
	migrationsFS  fs.FS
	migrationsDir string
}

func NewMigrator(migrationsFS fs.FS, migrationsDir string) *Migrator {
	return &Migrator{migrationsFS: migrationsFS, migrationsDir: migrationsDir}
}

// Migration representa una migración individual.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationResult resultado de aplicar migraciones.
type MigrationResult struct {
	Applied  []int
	Skipped  []int
	Duration time.Duration
}

var migrationFilePattern = regexp.MustCompile(`^(\d+)_(.+)\.sql$`)

// migrationLockID serializa Run entre réplicas (pg_advisory_xact_lock).
const migrationLockID int64 = 0x63726564676174

// ParseMigrations lee y ordena las migraciones del FS.
func (m *Migrator) ParseMigrations() ([]Migration, error) {
	var migrations []Migration
	seen := make(map[int]string)

	err := fs.WalkDir(m.migrationsFS, m.migrationsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		matches := migrationFilePattern.FindStringSubmatch(filepath.Base(path))
		if matches == nil {
			return nil
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			return fmt.Errorf("migration %s: bad version: %w", path, err)
		}
		if prev, dup := seen[version]; dup {
			return fmt.Errorf("migration version %d used by %s and %s", version, prev, path)
		}
		seen[version] = path

		content, err := fs.ReadFile(m.migrationsFS, path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		migrations = append(migrations, Migration{Version: version, Name: matches[2], SQL: string(content)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Run aplica las migraciones pendientes en una sola transacción.
func (m *Migrator) Run(ctx context.Context, db DB) (*MigrationResult, error) {
	start := time.Now()
	result := &MigrationResult{}

	migrations, err := m.ParseMigrations()
	if err != nil {
		return result, fmt.Errorf("parsing migrations: %w", err)
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return result, fmt.Errorf("creating migrations table: %w", err)
	}

	err = pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
			return fmt.Errorf("locking migrations: %w", err)
		}

		applied, err := appliedVersions(ctx, tx)
		if err != nil {
			return fmt.Errorf("getting applied migrations: %w", err)
		}

		for _, mig := range migrations {
			if applied[mig.Version] {
				result.Skipped = append(result.Skipped, mig.Version)
				continue
			}
			if _, err := tx.Exec(ctx, mig.SQL); err != nil {
				return fmt.Errorf("applying migration %d_%s: %w", mig.Version, mig.Name, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
				mig.Version, mig.Name,
			); err != nil {
				return fmt.Errorf("recording migration %d: %w", mig.Version, err)
			}
			result.Applied = append(result.Applied, mig.Version)
		}
		return nil
	})
	result.Duration = time.Since(start)
	if err != nil {
		result.Applied = nil
		return result, err
	}
	return result, nil
}

func appliedVersions(ctx context.Context, tx pgx.Tx) (map[int]bool, error) {
	rows, err := tx.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, err
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}
