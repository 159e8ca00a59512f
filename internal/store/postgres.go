package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/segment-cli/internal/db"
	"github.com/sells-group/segment-cli/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID is the pg_advisory_lock key serializing schema migrations.
const migrationLockID int64 = 0x5e6d_0001

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlInsertRun = `INSERT INTO segment.runs (id, stage, config, counters, total_products, processed_products, calls_done, calls_total, placeholder_id, out_of_scope_id, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	sqlSelectRun = `SELECT id, stage, config, counters, total_products, processed_products, calls_done, calls_total, placeholder_id, out_of_scope_id, cancelled, last_error, failed_phase, failed_batch, summary, created_at, updated_at FROM segment.runs`

	sqlUpdateRunProgress = `UPDATE segment.runs SET stage = $1, counters = $2, processed_products = $3, calls_done = $4, calls_total = $5, cancelled = $6, last_error = $7, failed_phase = $8, failed_batch = $9, updated_at = $10 WHERE id = $11`

	sqlFinalizeRun = `UPDATE segment.runs SET stage = $1, counters = $2, processed_products = $3, calls_done = $4, summary = $5, updated_at = $6 WHERE id = $7`

	sqlSelectTaxonomies = `SELECT id, run_id, name, definition, stage, created_at FROM segment.taxonomies WHERE run_id = $1 ORDER BY created_at, name`

	sqlRefineApply = `UPDATE segment.assignments AS a SET taxonomy_id_refined = u.taxonomy_id, updated_at = $2 FROM unnest($3::text[], $4::text[]) AS u(product_id, taxonomy_id) WHERE a.run_id = $1 AND a.product_id = u.product_id`

	sqlRefineKeep = `UPDATE segment.assignments SET taxonomy_id_refined = taxonomy_id_initial, updated_at = $2 WHERE run_id = $1 AND product_id = ANY($3::text[])`

	sqlSelectAssignments = `SELECT run_id, product_id, position, taxonomy_id_initial, taxonomy_id_refined, updated_at FROM segment.assignments WHERE run_id = $1 ORDER BY position, product_id`

	sqlSelectIndex = `SELECT id, run_id, phase, batch_id, attempt, archive_ref, cache_key, cache_hit, created_at FROM segment.interaction_index WHERE run_id = $1 ORDER BY created_at, batch_id, attempt`

	sqlGetCached = `SELECT fingerprint, phase, model, response, archive_ref, created_at FROM segment.response_cache WHERE fingerprint = $1`

	sqlSetCached = `INSERT INTO segment.response_cache (fingerprint, phase, model, response, archive_ref, created_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (fingerprint) DO NOTHING`
)

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"update_run_progress": sqlUpdateRunProgress,
	"select_taxonomies":   sqlSelectTaxonomies,
	"refine_apply":        sqlRefineApply,
	"refine_keep":         sqlRefineKeep,
	"get_cached":          sqlGetCached,
	"set_cached":          sqlSetCached,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	opts := db.PoolOpts{MaxConns: 10, MinConns: 2, Prepare: preparedStatements}
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			opts.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			opts.MinConns = poolCfg.MinConns
		}
	}

	pool, err := db.Open(ctx, connString, opts)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifetime.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	err := db.Migrate(ctx, s.pool, db.MigrateOpts{
		Schema: "segment",
		LockID: migrationLockID,
		FS:     migrationFS,
		Dir:    "migrations",
	})
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run config")
	}
	countersJSON, err := json.Marshal(run.Counters)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run counters")
	}

	_, err = s.pool.Exec(ctx, sqlInsertRun,
		run.ID, string(run.Stage), configJSON, countersJSON,
		run.TotalProducts, run.ProcessedProducts, run.CallsDone, run.CallsTotal,
		run.PlaceholderID, run.OutOfScopeID, run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, sqlSelectRun+` WHERE id = $1`, runID)
	r, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := sqlSelectRun + ` WHERE 1=1`
	var args []any
	argN := 1

	if filter.Stage != "" {
		query += ` AND stage = $` + strconv.Itoa(argN)
		args = append(args, string(filter.Stage))
		argN++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT $` + strconv.Itoa(argN)
	args = append(args, limit)
	argN++

	if filter.Offset > 0 {
		query += ` OFFSET $` + strconv.Itoa(argN)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) UpdateRunStageAndCounters(ctx context.Context, run *model.Run) error {
	countersJSON, err := json.Marshal(run.Counters)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run counters")
	}

	tag, err := s.pool.Exec(ctx, sqlUpdateRunProgress,
		string(run.Stage), countersJSON, run.ProcessedProducts, run.CallsDone, run.CallsTotal,
		run.Cancelled, run.LastError, run.FailedPhase, run.FailedBatch, time.Now().UTC(), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) FinalizeRun(ctx context.Context, run *model.Run) error {
	countersJSON, err := json.Marshal(run.Counters)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run counters")
	}
	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run summary")
	}

	tag, err := s.pool.Exec(ctx, sqlFinalizeRun,
		string(run.Stage), countersJSON, run.ProcessedProducts, run.CallsDone, summaryJSON, time.Now().UTC(), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", run.ID)
	}
	return nil
}

// --- Taxonomies ---

var taxonomyColumns = []string{"id", "run_id", "name", "definition", "stage", "created_at"}

func (s *PostgresStore) InsertTaxonomies(ctx context.Context, taxonomies []model.Taxonomy) error {
	rows := make([][]any, len(taxonomies))
	for i, t := range taxonomies {
		rows[i] = []any{t.ID, t.RunID, t.Name, t.Definition, string(t.Stage), t.CreatedAt}
	}
	_, err := db.CopyFromSchema(ctx, s.pool, "segment", "taxonomies", taxonomyColumns, rows)
	return eris.Wrap(err, "postgres: insert taxonomies")
}

func (s *PostgresStore) ListTaxonomies(ctx context.Context, runID string) ([]model.Taxonomy, error) {
	rows, err := s.pool.Query(ctx, sqlSelectTaxonomies, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list taxonomies %s", runID)
	}
	defer rows.Close()

	var out []model.Taxonomy
	for rows.Next() {
		var t model.Taxonomy
		var stage string
		if err := rows.Scan(&t.ID, &t.RunID, &t.Name, &t.Definition, &stage, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan taxonomy")
		}
		t.Stage = model.TaxonomyStage(stage)
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list taxonomies iterate")
}

// --- Assignments ---

var (
	seedColumns    = []string{"run_id", "product_id", "position", "taxonomy_id_initial", "updated_at"}
	initialColumns = []string{"run_id", "product_id", "taxonomy_id_initial", "updated_at"}
)

func (s *PostgresStore) BulkSeedAssignments(ctx context.Context, runID, placeholderID string, productIDs []string) error {
	now := time.Now().UTC()
	rows := make([][]any, len(productIDs))
	for i, id := range productIDs {
		rows[i] = []any{runID, id, i, placeholderID, now}
	}
	_, err := db.CopyFromSchema(ctx, s.pool, "segment", "assignments", seedColumns, rows)
	return eris.Wrapf(err, "postgres: seed assignments %s", runID)
}

func (s *PostgresStore) ApplyInitialAssignments(ctx context.Context, runID string, initial map[string]string) error {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(initial))
	for productID, taxonomyID := range initial {
		rows = append(rows, []any{runID, productID, taxonomyID, now})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "segment.assignments",
		Columns:      initialColumns,
		ConflictKeys: []string{"run_id", "product_id"},
		UpdateCols:   []string{"taxonomy_id_initial", "updated_at"},
	}, rows)
	return eris.Wrapf(err, "postgres: apply initial assignments %s", runID)
}

func (s *PostgresStore) ApplyRefinedAssignments(ctx context.Context, runID string, batch []string, refined map[string]string) error {
	ids, taxonomyIDs, unchanged := partitionRefined(batch, refined)
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: refine: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, sqlRefineApply, runID, now, ids, taxonomyIDs); err != nil {
			return eris.Wrapf(err, "postgres: apply refined assignments %s", runID)
		}
	}
	if len(unchanged) > 0 {
		if _, err := tx.Exec(ctx, sqlRefineKeep, runID, now, unchanged); err != nil {
			return eris.Wrapf(err, "postgres: keep initial assignments %s", runID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: refine: commit")
}

func (s *PostgresStore) ListAssignments(ctx context.Context, runID string) ([]model.Assignment, error) {
	rows, err := s.pool.Query(ctx, sqlSelectAssignments, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list assignments %s", runID)
	}
	defer rows.Close()

	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.RunID, &a.ProductID, &a.Position, &a.TaxonomyIDInitial, &a.TaxonomyIDRefined, &a.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan assignment")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list assignments iterate")
}

// --- Interaction index ---

var indexColumns = []string{"id", "run_id", "phase", "batch_id", "attempt", "archive_ref", "cache_key", "cache_hit", "created_at"}

func (s *PostgresStore) InsertInteractionIndexRows(ctx context.Context, rows []model.InteractionIndex) error {
	data := make([][]any, len(rows))
	for i, r := range rows {
		data[i] = []any{r.ID, r.RunID, string(r.Phase), r.BatchID, r.Attempt, r.ArchiveRef, r.CacheKey, r.CacheHit, r.CreatedAt}
	}
	_, err := db.CopyFromSchema(ctx, s.pool, "segment", "interaction_index", indexColumns, data)
	return eris.Wrap(err, "postgres: insert interaction index")
}

func (s *PostgresStore) ListInteractionIndex(ctx context.Context, runID string) ([]model.InteractionIndex, error) {
	rows, err := s.pool.Query(ctx, sqlSelectIndex, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list interaction index %s", runID)
	}
	defer rows.Close()

	var out []model.InteractionIndex
	for rows.Next() {
		var r model.InteractionIndex
		var phase string
		if err := rows.Scan(&r.ID, &r.RunID, &phase, &r.BatchID, &r.Attempt, &r.ArchiveRef, &r.CacheKey, &r.CacheHit, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan interaction index")
		}
		r.Phase = model.Phase(phase)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list interaction index iterate")
}

// --- Response cache ---

func (s *PostgresStore) GetCachedResponse(ctx context.Context, fingerprint string) (*model.CachedResponse, error) {
	var c model.CachedResponse
	var phase string
	err := s.pool.QueryRow(ctx, sqlGetCached, fingerprint).
		Scan(&c.Fingerprint, &phase, &c.Model, &c.Response, &c.ArchiveRef, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cached response")
	}
	c.Phase = model.Phase(phase)
	return &c, nil
}

func (s *PostgresStore) SetCachedResponse(ctx context.Context, entry *model.CachedResponse) error {
	_, err := s.pool.Exec(ctx, sqlSetCached,
		entry.Fingerprint, string(entry.Phase), entry.Model, entry.Response, entry.ArchiveRef, entry.CreatedAt,
	)
	return eris.Wrap(err, "postgres: set cached response")
}

// --- helpers ---

func scanPgRun(row scannable) (*model.Run, error) {
	var r model.Run
	var stage string
	var configJSON, countersJSON, summaryJSON []byte

	err := row.Scan(&r.ID, &stage, &configJSON, &countersJSON,
		&r.TotalProducts, &r.ProcessedProducts, &r.CallsDone, &r.CallsTotal,
		&r.PlaceholderID, &r.OutOfScopeID, &r.Cancelled, &r.LastError, &r.FailedPhase, &r.FailedBatch,
		&summaryJSON, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Stage = model.Stage(stage)
	if err := decodeRunJSON(&r, configJSON, countersJSON, summaryJSON); err != nil {
		return nil, err
	}
	return &r, nil
}

func decodeRunJSON(r *model.Run, configJSON, countersJSON, summaryJSON []byte) error {
	if err := json.Unmarshal(configJSON, &r.Config); err != nil {
		return eris.Wrap(err, "unmarshal run config")
	}
	if len(countersJSON) > 0 {
		if err := json.Unmarshal(countersJSON, &r.Counters); err != nil {
			return eris.Wrap(err, "unmarshal run counters")
		}
	}
	if len(summaryJSON) > 0 && string(summaryJSON) != "null" {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
			return eris.Wrap(err, "unmarshal run summary")
		}
	}
	return nil
}
