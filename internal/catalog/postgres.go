package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/segment-cli/internal/db"
	"github.com/sells-group/segment-cli/internal/model"
)

// DefaultTable is the product table read by Postgres.
const DefaultTable = "products"

// Postgres reads products from a table with id, title and category columns.
type Postgres struct {
	pool  db.Pool
	table string
}

// NewPostgres returns a catalog over table, which may be schema-qualified.
func NewPostgres(pool db.Pool, table string) *Postgres {
	if table == "" {
		table = DefaultTable
	}
	return &Postgres{pool: pool, table: table}
}

func (c *Postgres) query() string {
	return fmt.Sprintf(`SELECT id, title, COALESCE(category, '') FROM %s WHERE id = ANY($1)`,
		pgx.Identifier(strings.SplitN(c.table, ".", 2)).Sanitize())
}

// ProductsByIDs implements Catalog.
func (c *Postgres) ProductsByIDs(ctx context.Context, ids []string) ([]model.Product, error) {
	rows, err := c.pool.Query(ctx, c.query(), ids)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: query products")
	}
	defer rows.Close()

	byID := make(map[string]model.Product, len(ids))
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.Title, &p.Category); err != nil {
			return nil, eris.Wrap(err, "catalog: scan product")
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "catalog: iterate products")
	}
	return ordered(ids, byID)
}
