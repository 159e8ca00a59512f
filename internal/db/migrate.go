package db

import (
	"context"
	"fmt"
	"io/fs"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// MigrateOpts names the schema and migration source for Migrate.
type MigrateOpts struct {
	Schema string // created if missing; holds schema_migrations
	LockID int64  // pg_advisory_lock key
	FS     fs.FS
	Dir    string // directory inside FS containing *.sql files
}

// Migrate applies every .sql file under opts.Dir not yet recorded in
// <schema>.schema_migrations, in lexicographic order, under an advisory lock.
func Migrate(ctx context.Context, pool Pool, opts MigrateOpts) error {
	log := zap.L().With(zap.String("component", "db.migrate"), zap.String("schema", opts.Schema))

	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", opts.LockID); err != nil {
		return eris.Wrap(err, "db: acquire migration advisory lock")
	}
	defer func() {
		if _, err := pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", opts.LockID); err != nil {
			log.Warn("db: failed to release migration advisory lock", zap.Error(err))
		}
	}()

	ensure := fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS %[1]s;
		CREATE TABLE IF NOT EXISTS %[1]s.schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, opts.Schema)
	if _, err := pool.Exec(ctx, ensure); err != nil {
		return eris.Wrap(err, "db: ensure migration table")
	}

	entries, err := fs.ReadDir(opts.FS, opts.Dir)
	if err != nil {
		return eris.Wrap(err, "db: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied, err := appliedMigrations(ctx, pool, opts.Schema)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || applied[name] {
			continue
		}

		data, err := fs.ReadFile(opts.FS, opts.Dir+"/"+name)
		if err != nil {
			return eris.Wrapf(err, "db: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "db: apply migration %s", name)
		}
		if _, err := pool.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s.schema_migrations (filename, applied_at) VALUES ($1, now())", opts.Schema),
			name,
		); err != nil {
			return eris.Wrapf(err, "db: record migration %s", name)
		}
	}
	return nil
}

func appliedMigrations(ctx context.Context, pool Pool, schema string) (map[string]bool, error) {
	rows, err := pool.Query(ctx, fmt.Sprintf("SELECT filename FROM %s.schema_migrations", schema))
	if err != nil {
		return nil, eris.Wrap(err, "db: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "db: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
