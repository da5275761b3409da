package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"podster/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, url string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// MigrationStatus describes one up migration found on disk.
type MigrationStatus struct {
	Version   string
	AppliedAt *time.Time
}

func ensureMigrationTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	return err
}

// listMigrations returns the versions in dir that have a file with suffix,
// sorted by name.
func listMigrations(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var versions []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			versions = append(versions, strings.TrimSuffix(e.Name(), suffix))
		}
	}
	slices.Sort(versions)
	return versions, nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]time.Time, error) {
	rows, err := pool.Query(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := map[string]time.Time{}
	for rows.Next() {
		var v string
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		applied[v] = at
	}
	return applied, rows.Err()
}

// ApplyRawMigrations runs every *.up.sql file in dir that has not been
// applied yet, in name order. Each file runs in its own transaction.
func ApplyRawMigrations(ctx context.Context, pool *pgxpool.Pool, dir string, l *logger.Logger) (int, error) {
	if err := ensureMigrationTable(ctx, pool); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	versions, err := listMigrations(dir, upSuffix)
	if err != nil {
		return 0, err
	}
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, v := range versions {
		if _, ok := applied[v]; ok {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, v+upSuffix))
		if err != nil {
			return count, fmt.Errorf("failed to read migration file %s: %w", v, err)
		}
		l.Info("applying migration", zap.String("version", v))
		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, v)
			return err
		})
		if err != nil {
			return count, fmt.Errorf("failed to execute migration %s: %w", v, err)
		}
		count++
	}
	return count, nil
}

// RollbackLast reverts the most recently applied migration using its
// *.down.sql file. It returns the reverted version, or "" if none was applied.
func RollbackLast(ctx context.Context, pool *pgxpool.Pool, dir string, l *logger.Logger) (string, error) {
	if err := ensureMigrationTable(ctx, pool); err != nil {
		return "", err
	}
	var version string
	err := pool.QueryRow(ctx, `SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	content, err := os.ReadFile(filepath.Join(dir, version+downSuffix))
	if err != nil {
		return "", fmt.Errorf("failed to read rollback file %s: %w", version, err)
	}
	l.Info("rolling back migration", zap.String("version", version))
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to roll back %s: %w", version, err)
	}
	return version, nil
}

// Status lists every up migration in dir with its applied time, if any.
func Status(ctx context.Context, pool *pgxpool.Pool, dir string) ([]MigrationStatus, error) {
	if err := ensureMigrationTable(ctx, pool); err != nil {
		return nil, err
	}
	versions, err := listMigrations(dir, upSuffix)
	if err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, len(versions))
	for i, v := range versions {
		out[i] = MigrationStatus{Version: v}
		if at, ok := applied[v]; ok {
			out[i].AppliedAt = &at
		}
	}
	return out, nil
}
