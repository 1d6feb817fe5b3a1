package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Migrations holds the schema shipped with the binary.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// ApplyMigrations executes every *.sql file under root in lexical order,
// skipping files already recorded in schema_migrations. Each file runs as one
// multi-statement simple-protocol Exec so function bodies may contain ';'.
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, root string) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := WalkFS(fsys, root)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		name := path.Base(file)

		var applied bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&applied); err != nil {
			return fmt.Errorf("check %s: %w", name, err)
		}
		if applied {
			continue
		}

		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("exec %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			return fmt.Errorf("record %s: %w", name, err)
		}
	}
	return nil
}

// WalkFS lists the .sql files below root.
func WalkFS(fsys fs.FS, root string) ([]string, error) {
	var files []string
	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".sql") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// RetryOptions tunes ApplyWithRetry.
type RetryOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Clock          clockwork.Clock
}

// ApplyWithRetry calls apply until it succeeds, waiting between attempts with
// a doubling backoff capped at MaxBackoff. It returns nil on success and
// ctx.Err() once ctx is cancelled.
func ApplyWithRetry(ctx context.Context, apply func(context.Context) error, opts RetryOptions, logger *zap.Logger) error {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = max(30*time.Second, opts.InitialBackoff)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	backoff := opts.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := apply(ctx)
		if err == nil {
			logger.Info("migrations applied", zap.Int("attempt", attempt))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("apply migrations failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
		)

		t := opts.Clock.NewTimer(backoff)
		select {
		case <-t.Chan():
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		backoff = min(backoff*2, opts.MaxBackoff)
	}
}
