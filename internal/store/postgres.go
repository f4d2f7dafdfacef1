package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/payee-cli/internal/db"
	"github.com/sells-group/payee-cli/internal/model"
)

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

// preparedStatements lists the hot-path queries prepared on each new connection.
var preparedStatements = map[string]string{
	"find_exact":         `SELECT id, name, normalized_name, city, state, zip, industry FROM entities WHERE normalized_name = ANY($1) LIMIT 1`,
	"set_row_status":     upsertRowStatusSQL,
	"increment_progress": `UPDATE batches SET processed_records = processed_records + $1, updated_at = $2 WHERE id = $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// Tables are absent until the first migrate.
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
					continue
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying pool for callers that need direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS batches (
	id                TEXT PRIMARY KEY,
	file_name         TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'pending',
	total_records     INTEGER NOT NULL DEFAULT 0,
	processed_records INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_batches_status_updated ON batches(status, updated_at);

CREATE TABLE IF NOT EXISTS batch_modules (
	batch_id     TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	module       TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	processed    INTEGER NOT NULL DEFAULT 0,
	succeeded    INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (batch_id, module)
);

CREATE TABLE IF NOT EXISTS classification_records (
	id                TEXT PRIMARY KEY,
	batch_id          TEXT NOT NULL,
	row_index         INTEGER NOT NULL,
	original_name     TEXT NOT NULL,
	normalized_name   TEXT NOT NULL,
	address           TEXT NOT NULL DEFAULT '',
	city              TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL DEFAULT '',
	zip               TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL,
	confidence        DOUBLE PRECISION NOT NULL,
	reasoning         TEXT NOT NULL DEFAULT '',
	stage             TEXT NOT NULL DEFAULT '',
	sic_code          TEXT NOT NULL DEFAULT '',
	needs_review      BOOLEAN NOT NULL DEFAULT false,
	excluded          BOOLEAN NOT NULL DEFAULT false,
	exclusion_keyword TEXT NOT NULL DEFAULT '',
	extra             JSONB,
	matched           BOOLEAN,
	match_result      JSONB,
	address_info      JSONB,
	card_network      JSONB,
	prediction        JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_records_batch_row ON classification_records(batch_id, row_index);

CREATE TABLE IF NOT EXISTS row_enrichments (
	record_id  TEXT NOT NULL,
	batch_id   TEXT NOT NULL,
	module     TEXT NOT NULL,
	status     TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (record_id, module)
);

CREATE INDEX IF NOT EXISTS idx_row_enrichments_status ON row_enrichments(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_row_enrichments_batch ON row_enrichments(batch_id);

CREATE TABLE IF NOT EXISTS entities (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	city            TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL DEFAULT '',
	zip             TEXT NOT NULL DEFAULT '',
	industry        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_entities_normalized ON entities(normalized_name);
CREATE INDEX IF NOT EXISTS idx_entities_normalized_trgm ON entities USING gin (normalized_name gin_trgm_ops);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate applies the schema idempotently.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Batches ---

const batchColumns = `id, file_name, status, total_records, processed_records, error_message, created_at, started_at, completed_at, updated_at`

func (s *PostgresStore) CreateBatch(ctx context.Context, fileName string) (*model.Batch, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO batches (id, file_name, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, fileName, string(model.BatchStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert batch")
	}

	return &model.Batch{
		ID:        id,
		FileName:  fileName,
		Status:    model.BatchStatusPending,
		Modules:   map[model.ModuleName]model.ModuleState{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	var b model.Batch
	err := s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = $1`, id,
	).Scan(&b.ID, &b.FileName, &b.Status, &b.TotalRecords, &b.ProcessedRecords, &b.ErrorMessage,
		&b.CreatedAt, &b.StartedAt, &b.CompletedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "batch %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get batch %s", id)
	}

	mods, err := s.loadModules(ctx, id)
	if err != nil {
		return nil, err
	}
	b.Modules = mods
	return &b, nil
}

func (s *PostgresStore) loadModules(ctx context.Context, batchID string) (map[model.ModuleName]model.ModuleState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT module, status, processed, succeeded, failed, error, started_at, completed_at, updated_at
		 FROM batch_modules WHERE batch_id = $1`, batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load modules %s", batchID)
	}
	defer rows.Close()

	mods := make(map[model.ModuleName]model.ModuleState)
	for rows.Next() {
		var m model.ModuleState
		if err := rows.Scan(&m.Module, &m.Status, &m.Processed, &m.Succeeded, &m.Failed, &m.Error,
			&m.StartedAt, &m.CompletedAt, &m.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan module")
		}
		mods[m.Module] = m
	}
	return mods, eris.Wrap(rows.Err(), "postgres: load modules iterate")
}

func (s *PostgresStore) listBatches(ctx context.Context, query string, args ...any) ([]model.Batch, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}

	var batches []model.Batch
	for rows.Next() {
		var b model.Batch
		if err := rows.Scan(&b.ID, &b.FileName, &b.Status, &b.TotalRecords, &b.ProcessedRecords, &b.ErrorMessage,
			&b.CreatedAt, &b.StartedAt, &b.CompletedAt, &b.UpdatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		batches = append(batches, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list batches iterate")
	}

	for i := range batches {
		mods, err := s.loadModules(ctx, batches[i].ID)
		if err != nil {
			return nil, err
		}
		batches[i].Modules = mods
	}
	return batches, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}
	return s.listBatches(ctx, query, args...)
}

func (s *PostgresStore) ListStaleBatches(ctx context.Context, before time.Time) ([]model.Batch, error) {
	return s.listBatches(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at`,
		activeStatuses, before,
	)
}

func (s *PostgresStore) SetBatchStatus(ctx context.Context, id string, status model.BatchStatus, errMsg string) error {
	now := time.Now().UTC()
	started, completed := statusTimes(status == model.BatchStatusProcessing, status.Terminal(), now)

	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET status = $1,
		   error_message = CASE WHEN $2 <> '' THEN $2 ELSE error_message END,
		   started_at = COALESCE(started_at, $3),
		   completed_at = COALESCE($4, completed_at),
		   updated_at = $5
		 WHERE id = $6`,
		string(status), errMsg, started, completed, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set batch status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "batch %s", id)
	}
	return nil
}

func (s *PostgresStore) SetTotalRecords(ctx context.Context, id string, total int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE batches SET total_records = $1, updated_at = $2 WHERE id = $3 AND total_records = 0`,
		total, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "postgres: set total records %s", id)
}

func (s *PostgresStore) IncrementProcessed(ctx context.Context, id string, n int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE batches SET processed_records = processed_records + $1, updated_at = $2 WHERE id = $3`,
		n, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "postgres: increment processed %s", id)
}

func (s *PostgresStore) DeleteBatch(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM batches WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete batch %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "batch %s", id)
	}
	return nil
}

func (s *PostgresStore) DeleteBatchesBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM batches WHERE created_at < $1`, before)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete batches before")
	}
	return int(tag.RowsAffected()), nil
}

// --- Modules ---

func (s *PostgresStore) InitModules(ctx context.Context, batchID string, states []model.ModuleState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: init modules: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	for _, st := range states {
		_, completed := statusTimes(false, st.Status.Terminal(), now)
		if _, err := tx.Exec(ctx,
			`INSERT INTO batch_modules (batch_id, module, status, processed, succeeded, failed, error, started_at, completed_at, updated_at)
			 VALUES ($1, $2, $3, 0, 0, 0, $4, NULL, $5, $6)
			 ON CONFLICT (batch_id, module) DO UPDATE SET
			   status = EXCLUDED.status, processed = 0, succeeded = 0, failed = 0,
			   error = EXCLUDED.error, started_at = NULL, completed_at = EXCLUDED.completed_at, updated_at = EXCLUDED.updated_at`,
			batchID, string(st.Module), string(st.Status), st.Error, completed, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: init module %s", st.Module)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: init modules: commit")
}

func (s *PostgresStore) SetModuleStatus(ctx context.Context, batchID string, module model.ModuleName, status model.ModuleStatus, errMsg string) error {
	now := time.Now().UTC()
	started, completed := statusTimes(status == model.ModuleStatusProcessing, status.Terminal(), now)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_modules (batch_id, module, status, error, started_at, completed_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (batch_id, module) DO UPDATE SET
		   status = EXCLUDED.status,
		   error = CASE WHEN EXCLUDED.error <> '' THEN EXCLUDED.error ELSE batch_modules.error END,
		   started_at = COALESCE(batch_modules.started_at, EXCLUDED.started_at),
		   completed_at = COALESCE(EXCLUDED.completed_at, batch_modules.completed_at),
		   updated_at = EXCLUDED.updated_at`,
		batchID, string(module), string(status), errMsg, started, completed, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set module status %s/%s", batchID, module)
	}
	return s.touchBatch(ctx, batchID, now)
}

func (s *PostgresStore) IncrementModuleProgress(ctx context.Context, batchID string, module model.ModuleName, delta ModuleProgress) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`UPDATE batch_modules SET processed = processed + $1, succeeded = succeeded + $2, failed = failed + $3, updated_at = $4
		 WHERE batch_id = $5 AND module = $6`,
		delta.Processed, delta.Succeeded, delta.Failed, now, batchID, string(module),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment module progress %s/%s", batchID, module)
	}
	return s.touchBatch(ctx, batchID, now)
}

// touchBatch bumps updated_at so the watchdog sees module activity as progress.
func (s *PostgresStore) touchBatch(ctx context.Context, batchID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE batches SET updated_at = $1 WHERE id = $2`, now, batchID)
	return eris.Wrapf(err, "postgres: touch batch %s", batchID)
}

// --- Records ---

var recordCopyColumns = []string{
	"id", "batch_id", "row_index", "original_name", "normalized_name", "address", "city", "state", "zip",
	"category", "confidence", "reasoning", "stage", "sic_code", "needs_review", "excluded", "exclusion_keyword",
	"extra", "created_at", "updated_at",
}

const recordSelectColumns = `id, batch_id, row_index, original_name, normalized_name, address, city, state, zip,
	category, confidence, reasoning, stage, sic_code, needs_review, excluded, exclusion_keyword,
	extra, match_result, address_info, card_network, prediction, created_at, updated_at`

func (s *PostgresStore) InsertRecords(ctx context.Context, recs []model.ClassificationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(recs))
	for i := range recs {
		r := &recs[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		extra, err := marshalNullable(r.Extra, len(r.Extra) == 0)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal extra")
		}
		r.CreatedAt, r.UpdatedAt = now, now
		rows = append(rows, []any{
			r.ID, r.BatchID, r.RowIndex, r.OriginalName, r.NormalizedName, r.Address, r.City, r.State, r.Zip,
			string(r.Category), r.Confidence, r.Reasoning, string(r.Stage), r.SICCode, r.NeedsReview, r.Excluded, r.ExclusionKeyword,
			extra, now, now,
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "classification_records", recordCopyColumns, rows)
	return eris.Wrap(err, "postgres: insert records")
}

func (s *PostgresStore) ListRecords(ctx context.Context, batchID string, afterIndex, limit int) ([]model.ClassificationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordSelectColumns+` FROM classification_records
		 WHERE batch_id = $1 AND row_index > $2 ORDER BY row_index LIMIT $3`,
		batchID, afterIndex, defaultLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list records %s", batchID)
	}
	defer rows.Close()

	var recs []model.ClassificationRecord
	for rows.Next() {
		var r model.ClassificationRecord
		var extra, match, addr, card, pred []byte
		if err := rows.Scan(&r.ID, &r.BatchID, &r.RowIndex, &r.OriginalName, &r.NormalizedName, &r.Address, &r.City, &r.State, &r.Zip,
			&r.Category, &r.Confidence, &r.Reasoning, &r.Stage, &r.SICCode, &r.NeedsReview, &r.Excluded, &r.ExclusionKeyword,
			&extra, &match, &addr, &card, &pred, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		if err := decodeEnrichments(&r, extra, match, addr, card, pred); err != nil {
			return nil, eris.Wrap(err, "postgres: decode record")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) updateJSON(ctx context.Context, recordID, column string, v any, extraSet string, extraArgs ...any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal %s", column)
	}
	args := append([]any{data, time.Now().UTC(), recordID}, extraArgs...)
	query := fmt.Sprintf(`UPDATE classification_records SET %s = $1, updated_at = $2%s WHERE id = $3`, column, extraSet)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update %s %s", column, recordID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "record %s", recordID)
	}
	return nil
}

func (s *PostgresStore) UpdateMatch(ctx context.Context, recordID string, m model.MatchResult) error {
	return s.updateJSON(ctx, recordID, "match_result", m, ", matched = $4", m.Matched)
}

func (s *PostgresStore) UpdateAddress(ctx context.Context, recordID string, a model.AddressResult) error {
	return s.updateJSON(ctx, recordID, "address_info", a, "")
}

func (s *PostgresStore) UpdateCardNetwork(ctx context.Context, recordID string, c model.CardNetworkResult) error {
	return s.updateJSON(ctx, recordID, "card_network", c, "")
}

func (s *PostgresStore) UpdatePrediction(ctx context.Context, recordID string, p model.PredictionResult) error {
	return s.updateJSON(ctx, recordID, "prediction", p, "")
}

func (s *PostgresStore) BatchStats(ctx context.Context, batchID string) (*model.BatchStats, error) {
	stats := &model.BatchStats{
		BatchID:     batchID,
		ByCategory:  map[model.Category]int{},
		RowOutcomes: map[model.ModuleName]map[string]int{},
	}

	err := s.pool.QueryRow(ctx, statsTotalsSQL("$1"), batchID).
		Scan(&stats.Records, &stats.AvgConfidence, &stats.NeedsReview, &stats.Excluded, &stats.Matched)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: batch stats %s", batchID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT category, COUNT(*) FROM classification_records WHERE batch_id = $1 GROUP BY category`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: batch stats categories %s", batchID)
	}
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan category count")
		}
		stats.ByCategory[model.Category(cat)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: batch stats categories iterate")
	}

	rows, err = s.pool.Query(ctx,
		`SELECT module, status, COUNT(*) FROM row_enrichments WHERE batch_id = $1 GROUP BY module, status`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: batch stats outcomes %s", batchID)
	}
	defer rows.Close()
	for rows.Next() {
		var module, status string
		var n int
		if err := rows.Scan(&module, &status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome count")
		}
		addOutcome(stats, module, status, n)
	}
	return stats, eris.Wrap(rows.Err(), "postgres: batch stats outcomes iterate")
}

func (s *PostgresStore) PurgeOrphanRecords(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM classification_records r WHERE NOT EXISTS (SELECT 1 FROM batches b WHERE b.id = r.batch_id)`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge orphan records")
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM row_enrichments e WHERE NOT EXISTS (SELECT 1 FROM batches b WHERE b.id = e.batch_id)`); err != nil {
		return 0, eris.Wrap(err, "postgres: purge orphan row enrichments")
	}
	return int(tag.RowsAffected()), nil
}

// --- Row enrichment state ---

const upsertRowStatusSQL = `INSERT INTO row_enrichments (record_id, batch_id, module, status, reason, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (record_id, module) DO UPDATE SET status = EXCLUDED.status, reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) SetRowStatus(ctx context.Context, e model.RowEnrichment) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, upsertRowStatusSQL,
		e.RecordID, e.BatchID, string(e.Module), string(e.Status), e.Reason, e.UpdatedAt)
	return eris.Wrapf(err, "postgres: set row status %s/%s", e.RecordID, e.Module)
}

func (s *PostgresStore) FailStaleRows(ctx context.Context, before time.Time, reason string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE row_enrichments SET status = $1, reason = $2, updated_at = $3 WHERE status = $4 AND updated_at < $5`,
		string(model.RowStatusFailed), reason, time.Now().UTC(), string(model.RowStatusInProgress), before,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: fail stale rows")
	}
	return int(tag.RowsAffected()), nil
}

// --- Reference entities ---

var entityColumns = []string{"id", "name", "normalized_name", "city", "state", "zip", "industry"}

func (s *PostgresStore) UpsertEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	rows := make([][]any, 0, len(entities))
	for _, e := range entities {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		rows = append(rows, []any{e.ID, e.Name, e.NormalizedName, e.City, e.State, e.Zip, e.Industry})
	}
	n, err := db.Merge(ctx, s.pool, db.MergeSpec{
		Table:   "entities",
		Columns: entityColumns,
		Key:     []string{"id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert entities")
}

func (s *PostgresStore) FindExact(ctx context.Context, variants []string) (*model.Entity, error) {
	if len(variants) == 0 {
		return nil, nil
	}
	var e model.Entity
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, normalized_name, city, state, zip, industry FROM entities WHERE normalized_name = ANY($1) LIMIT 1`,
		variants,
	).Scan(&e.ID, &e.Name, &e.NormalizedName, &e.City, &e.State, &e.Zip, &e.Industry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find exact entity")
	}
	return &e, nil
}

func (s *PostgresStore) SearchSimilar(ctx context.Context, name string, limit int, minSimilarity float64) ([]model.Candidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, normalized_name, city, state, zip, industry, similarity(normalized_name, $1) AS sim
		 FROM entities
		 WHERE normalized_name % $1 AND similarity(normalized_name, $1) >= $2
		 ORDER BY sim DESC, id
		 LIMIT $3`,
		name, minSimilarity, defaultLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search similar entities")
	}
	defer rows.Close()

	var cands []model.Candidate
	for rows.Next() {
		var c model.Candidate
		if err := rows.Scan(&c.ID, &c.Name, &c.NormalizedName, &c.City, &c.State, &c.Zip, &c.Industry, &c.Similarity); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		cands = append(cands, c)
	}
	return cands, eris.Wrap(rows.Err(), "postgres: search similar iterate")
}
