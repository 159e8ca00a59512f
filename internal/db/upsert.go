package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a batched INSERT ... ON CONFLICT DO UPDATE.
type UpsertConfig struct {
	Table        string   // optionally schema-qualified, e.g. "segment.assignments"
	Columns      []string // columns of each row
	ConflictKeys []string // the unique key
	UpdateCols   []string // columns overwritten on conflict; nil means every non-key column
}

// BulkUpsert stages rows in a transaction-scoped temp table with COPY, then
// merges them into the target in one statement. It returns the number of
// rows inserted or updated.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		updateCols = nonKeyColumns(cfg.Columns, cfg.ConflictKeys)
	}
	if len(updateCols) == 0 {
		return 0, eris.Errorf("db: upsert: nothing to update on %s", cfg.Table)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	staging := pgx.Identifier{"_stage_" + strings.ReplaceAll(cfg.Table, ".", "_")}
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		staging.Sanitize(), sanitizeTable(cfg.Table))
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", cfg.Table)
	}
	if _, err := tx.CopyFrom(ctx, staging, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into staging for %s", cfg.Table)
	}

	sets := make([]string, len(updateCols))
	for i, col := range updateCols {
		c := pgx.Identifier{col}.Sanitize()
		sets[i] = c + " = EXCLUDED." + c
	}
	cols := quoteAndJoin(cfg.Columns)
	merge := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		sanitizeTable(cfg.Table), cols, cols, staging.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys), strings.Join(sets, ", "))

	tag, err := tx.Exec(ctx, merge)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", cfg.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func nonKeyColumns(columns, keys []string) []string {
	key := make(map[string]bool, len(keys))
	for _, k := range keys {
		key[k] = true
	}
	var out []string
	for _, c := range columns {
		if !key[c] {
			out = append(out, c)
		}
	}
	return out
}

// sanitizeTable quotes a table name, splitting an optional schema prefix.
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
