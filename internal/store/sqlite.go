package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/segment-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection keeps pragmas and transactions on one handle.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id                 TEXT PRIMARY KEY,
	stage              TEXT NOT NULL DEFAULT 'init'
		CHECK (stage IN ('init', 'segmentation', 'consolidation', 'refinement', 'completed', 'failed')),
	config             TEXT NOT NULL,
	counters           TEXT NOT NULL DEFAULT '{}',
	total_products     INTEGER NOT NULL DEFAULT 0,
	processed_products INTEGER NOT NULL DEFAULT 0,
	calls_done         INTEGER NOT NULL DEFAULT 0,
	calls_total        INTEGER NOT NULL DEFAULT 0,
	placeholder_id     TEXT NOT NULL DEFAULT '',
	out_of_scope_id    TEXT NOT NULL DEFAULT '',
	cancelled          INTEGER NOT NULL DEFAULT 0,
	last_error         TEXT NOT NULL DEFAULT '',
	failed_phase       TEXT NOT NULL DEFAULT '',
	failed_batch       TEXT NOT NULL DEFAULT '',
	summary            TEXT,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS taxonomies (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	definition TEXT NOT NULL DEFAULT '',
	stage      TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS assignments (
	run_id              TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	product_id          TEXT NOT NULL,
	position            INTEGER NOT NULL DEFAULT 0,
	taxonomy_id_initial TEXT NOT NULL REFERENCES taxonomies(id),
	taxonomy_id_refined TEXT REFERENCES taxonomies(id),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, product_id)
);

CREATE TABLE IF NOT EXISTS interaction_index (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	phase       TEXT NOT NULL,
	batch_id    TEXT NOT NULL DEFAULT '',
	attempt     INTEGER NOT NULL DEFAULT 0,
	archive_ref TEXT NOT NULL,
	cache_key   TEXT NOT NULL,
	cache_hit   INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS response_cache (
	fingerprint TEXT PRIMARY KEY,
	phase       TEXT NOT NULL,
	model       TEXT NOT NULL,
	response    TEXT NOT NULL,
	archive_ref TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_stage ON runs(stage);
CREATE INDEX IF NOT EXISTS idx_taxonomies_run_stage ON taxonomies(run_id, stage);
CREATE INDEX IF NOT EXISTS idx_assignments_initial ON assignments(taxonomy_id_initial);
CREATE INDEX IF NOT EXISTS idx_interaction_index_run ON interaction_index(run_id, phase, batch_id);
`

const sqliteSelectRun = `SELECT id, stage, config, counters, total_products, processed_products, calls_done, calls_total, placeholder_id, out_of_scope_id, cancelled, last_error, failed_phase, failed_batch, summary, created_at, updated_at FROM runs`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run config")
	}
	countersJSON, err := json.Marshal(run.Counters)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run counters")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, stage, config, counters, total_products, processed_products, calls_done, calls_total, placeholder_id, out_of_scope_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Stage), string(configJSON), string(countersJSON),
		run.TotalProducts, run.ProcessedProducts, run.CallsDone, run.CallsTotal,
		run.PlaceholderID, run.OutOfScopeID, run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectRun+` WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := sqliteSelectRun + ` WHERE 1=1`
	var args []any

	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) UpdateRunStageAndCounters(ctx context.Context, run *model.Run) error {
	countersJSON, err := json.Marshal(run.Counters)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run counters")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET stage = ?, counters = ?, processed_products = ?, calls_done = ?, calls_total = ?,
		 cancelled = ?, last_error = ?, failed_phase = ?, failed_batch = ?, updated_at = ? WHERE id = ?`,
		string(run.Stage), string(countersJSON), run.ProcessedProducts, run.CallsDone, run.CallsTotal,
		run.Cancelled, run.LastError, run.FailedPhase, run.FailedBatch, time.Now().UTC(), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *SQLiteStore) FinalizeRun(ctx context.Context, run *model.Run) error {
	countersJSON, err := json.Marshal(run.Counters)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run counters")
	}
	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run summary")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET stage = ?, counters = ?, processed_products = ?, calls_done = ?, summary = ?, updated_at = ? WHERE id = ?`,
		string(run.Stage), string(countersJSON), run.ProcessedProducts, run.CallsDone, string(summaryJSON), time.Now().UTC(), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

// --- Taxonomies ---

func (s *SQLiteStore) InsertTaxonomies(ctx context.Context, taxonomies []model.Taxonomy) error {
	if len(taxonomies) == 0 {
		return nil
	}
	return s.inTx(ctx, "insert taxonomies", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO taxonomies (id, run_id, name, definition, stage, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck

		for _, t := range taxonomies {
			if _, err := stmt.ExecContext(ctx, t.ID, t.RunID, t.Name, t.Definition, string(t.Stage), t.CreatedAt); err != nil {
				return eris.Wrapf(err, "taxonomy %s", t.Name)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListTaxonomies(ctx context.Context, runID string) ([]model.Taxonomy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, definition, stage, created_at FROM taxonomies WHERE run_id = ? ORDER BY created_at, name`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list taxonomies %s", runID)
	}
	defer rows.Close()

	var out []model.Taxonomy
	for rows.Next() {
		var t model.Taxonomy
		var stage string
		if err := rows.Scan(&t.ID, &t.RunID, &t.Name, &t.Definition, &stage, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan taxonomy")
		}
		t.Stage = model.TaxonomyStage(stage)
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list taxonomies iterate")
}

// --- Assignments ---

func (s *SQLiteStore) BulkSeedAssignments(ctx context.Context, runID, placeholderID string, productIDs []string) error {
	if len(productIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.inTx(ctx, "seed assignments", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO assignments (run_id, product_id, position, taxonomy_id_initial, updated_at) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck

		for i, id := range productIDs {
			if _, err := stmt.ExecContext(ctx, runID, id, i, placeholderID, now); err != nil {
				return eris.Wrapf(err, "product %s", id)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ApplyInitialAssignments(ctx context.Context, runID string, initial map[string]string) error {
	if len(initial) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.inTx(ctx, "apply initial assignments", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO assignments (run_id, product_id, taxonomy_id_initial, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (run_id, product_id) DO UPDATE SET taxonomy_id_initial = excluded.taxonomy_id_initial, updated_at = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck

		for productID, taxonomyID := range initial {
			if _, err := stmt.ExecContext(ctx, runID, productID, taxonomyID, now); err != nil {
				return eris.Wrapf(err, "product %s", productID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ApplyRefinedAssignments(ctx context.Context, runID string, batch []string, refined map[string]string) error {
	ids, taxonomyIDs, unchanged := partitionRefined(batch, refined)
	now := time.Now().UTC()
	return s.inTx(ctx, "apply refined assignments", func(tx *sql.Tx) error {
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE assignments SET taxonomy_id_refined = ?, updated_at = ? WHERE run_id = ? AND product_id = ?`,
				taxonomyIDs[i], now, runID, id); err != nil {
				return eris.Wrapf(err, "product %s", id)
			}
		}
		for _, id := range unchanged {
			if _, err := tx.ExecContext(ctx,
				`UPDATE assignments SET taxonomy_id_refined = taxonomy_id_initial, updated_at = ? WHERE run_id = ? AND product_id = ?`,
				now, runID, id); err != nil {
				return eris.Wrapf(err, "product %s", id)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListAssignments(ctx context.Context, runID string) ([]model.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, product_id, position, taxonomy_id_initial, taxonomy_id_refined, updated_at FROM assignments WHERE run_id = ? ORDER BY position, product_id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list assignments %s", runID)
	}
	defer rows.Close()

	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		var refined sql.NullString
		if err := rows.Scan(&a.RunID, &a.ProductID, &a.Position, &a.TaxonomyIDInitial, &refined, &a.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan assignment")
		}
		if refined.Valid {
			a.TaxonomyIDRefined = &refined.String
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list assignments iterate")
}

// --- Interaction index ---

func (s *SQLiteStore) InsertInteractionIndexRows(ctx context.Context, rows []model.InteractionIndex) error {
	if len(rows) == 0 {
		return nil
	}
	return s.inTx(ctx, "insert interaction index", func(tx *sql.Tx) error {
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO interaction_index (id, run_id, phase, batch_id, attempt, archive_ref, cache_key, cache_hit, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ID, r.RunID, string(r.Phase), r.BatchID, r.Attempt, r.ArchiveRef, r.CacheKey, r.CacheHit, r.CreatedAt); err != nil {
				return eris.Wrapf(err, "index row %s", r.ID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListInteractionIndex(ctx context.Context, runID string) ([]model.InteractionIndex, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, phase, batch_id, attempt, archive_ref, cache_key, cache_hit, created_at
		 FROM interaction_index WHERE run_id = ? ORDER BY created_at, batch_id, attempt`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list interaction index %s", runID)
	}
	defer rows.Close()

	var out []model.InteractionIndex
	for rows.Next() {
		var r model.InteractionIndex
		var phase string
		if err := rows.Scan(&r.ID, &r.RunID, &phase, &r.BatchID, &r.Attempt, &r.ArchiveRef, &r.CacheKey, &r.CacheHit, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan interaction index")
		}
		r.Phase = model.Phase(phase)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list interaction index iterate")
}

// --- Response cache ---

func (s *SQLiteStore) GetCachedResponse(ctx context.Context, fingerprint string) (*model.CachedResponse, error) {
	var c model.CachedResponse
	var phase string
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, phase, model, response, archive_ref, created_at FROM response_cache WHERE fingerprint = ?`, fingerprint).
		Scan(&c.Fingerprint, &phase, &c.Model, &c.Response, &c.ArchiveRef, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cached response")
	}
	c.Phase = model.Phase(phase)
	return &c, nil
}

func (s *SQLiteStore) SetCachedResponse(ctx context.Context, entry *model.CachedResponse) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_cache (fingerprint, phase, model, response, archive_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (fingerprint) DO NOTHING`,
		entry.Fingerprint, string(entry.Phase), entry.Model, entry.Response, entry.ArchiveRef, entry.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: set cached response")
}

// helpers

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s: begin tx", op)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return eris.Wrapf(err, "sqlite: %s", op)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: %s: commit", op)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var stage, configJSON, countersJSON string
	var summaryJSON sql.NullString

	err := row.Scan(&r.ID, &stage, &configJSON, &countersJSON,
		&r.TotalProducts, &r.ProcessedProducts, &r.CallsDone, &r.CallsTotal,
		&r.PlaceholderID, &r.OutOfScopeID, &r.Cancelled, &r.LastError, &r.FailedPhase, &r.FailedBatch,
		&summaryJSON, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Stage = model.Stage(stage)

	var summary []byte
	if summaryJSON.Valid {
		summary = []byte(summaryJSON.String)
	}
	if err := decodeRunJSON(&r, []byte(configJSON), []byte(countersJSON), summary); err != nil {
		return nil, err
	}
	return &r, nil
}
