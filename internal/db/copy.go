// Package db holds the Postgres plumbing of the store: the pool, embedded
// migrations, COPY loads and batched upserts.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFromSchema loads rows into schema.table with the COPY protocol. Empty
// input is a no-op.
func CopyFromSchema(ctx context.Context, pool Pool, schema, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := pool.CopyFrom(ctx, pgx.Identifier{schema, table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s.%s", schema, table)
	}
	if n != int64(len(rows)) {
		return n, eris.Errorf("db: COPY INTO %s.%s wrote %d of %d rows", schema, table, n, len(rows))
	}
	return n, nil
}
