package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/normalize"
)

// SQLiteStore implements Store using modernc.org/sqlite. Candidate
// similarity is computed in process with the same trigram measure pg_trgm uses.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps per-connection pragmas in force and serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id                TEXT PRIMARY KEY,
	file_name         TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'pending',
	total_records     INTEGER NOT NULL DEFAULT 0,
	processed_records INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	started_at        DATETIME,
	completed_at      DATETIME,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_status_updated ON batches(status, updated_at);

CREATE TABLE IF NOT EXISTS batch_modules (
	batch_id     TEXT NOT NULL,
	module       TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	processed    INTEGER NOT NULL DEFAULT 0,
	succeeded    INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	started_at   DATETIME,
	completed_at DATETIME,
	updated_at   DATETIME NOT NULL,
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
	confidence        REAL NOT NULL,
	reasoning         TEXT NOT NULL DEFAULT '',
	stage             TEXT NOT NULL DEFAULT '',
	sic_code          TEXT NOT NULL DEFAULT '',
	needs_review      INTEGER NOT NULL DEFAULT 0,
	excluded          INTEGER NOT NULL DEFAULT 0,
	exclusion_keyword TEXT NOT NULL DEFAULT '',
	extra             TEXT,
	matched           INTEGER,
	match_result      TEXT,
	address_info      TEXT,
	card_network      TEXT,
	prediction        TEXT,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_batch_row ON classification_records(batch_id, row_index);

CREATE TABLE IF NOT EXISTS row_enrichments (
	record_id  TEXT NOT NULL,
	batch_id   TEXT NOT NULL,
	module     TEXT NOT NULL,
	status     TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL,
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
`

// Ping checks connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate applies the schema idempotently.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Batches ---

func (s *SQLiteStore) CreateBatch(ctx context.Context, fileName string) (*model.Batch, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, file_name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, fileName, string(model.BatchStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert batch")
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

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "batch %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", id)
	}

	mods, err := s.loadModules(ctx, id)
	if err != nil {
		return nil, err
	}
	b.Modules = mods
	return b, nil
}

func (s *SQLiteStore) loadModules(ctx context.Context, batchID string) (map[model.ModuleName]model.ModuleState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT module, status, processed, succeeded, failed, error, started_at, completed_at, updated_at
		 FROM batch_modules WHERE batch_id = ?`, batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load modules %s", batchID)
	}
	defer rows.Close()

	mods := make(map[model.ModuleName]model.ModuleState)
	for rows.Next() {
		var m model.ModuleState
		var started, completed sql.NullTime
		if err := rows.Scan(&m.Module, &m.Status, &m.Processed, &m.Succeeded, &m.Failed, &m.Error,
			&started, &completed, &m.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan module")
		}
		m.StartedAt, m.CompletedAt = nullTime(started), nullTime(completed)
		mods[m.Module] = m
	}
	return mods, eris.Wrap(rows.Err(), "sqlite: load modules iterate")
}

func (s *SQLiteStore) listBatches(ctx context.Context, query string, args ...any) ([]model.Batch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}

	var batches []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			rows.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "sqlite: scan batch")
		}
		batches = append(batches, *b)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches iterate")
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

func (s *SQLiteStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}
	return s.listBatches(ctx, query, args...)
}

func (s *SQLiteStore) ListStaleBatches(ctx context.Context, before time.Time) ([]model.Batch, error) {
	return s.listBatches(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE status IN (?, ?, ?) AND updated_at < ? ORDER BY updated_at`,
		activeStatuses[0], activeStatuses[1], activeStatuses[2], before.UTC(),
	)
}

func (s *SQLiteStore) SetBatchStatus(ctx context.Context, id string, status model.BatchStatus, errMsg string) error {
	now := time.Now().UTC()
	started, completed := statusTimes(status == model.BatchStatusProcessing, status.Terminal(), now)

	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?,
		   error_message = CASE WHEN ? <> '' THEN ? ELSE error_message END,
		   started_at = COALESCE(started_at, ?),
		   completed_at = COALESCE(?, completed_at),
		   updated_at = ?
		 WHERE id = ?`,
		string(status), errMsg, errMsg, nullable(started), nullable(completed), now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set batch status %s", id)
	}
	return checkRowsAffected(res, "batch", id)
}

func (s *SQLiteStore) SetTotalRecords(ctx context.Context, id string, total int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET total_records = ?, updated_at = ? WHERE id = ? AND total_records = 0`,
		total, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "sqlite: set total records %s", id)
}

func (s *SQLiteStore) IncrementProcessed(ctx context.Context, id string, n int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET processed_records = processed_records + ?, updated_at = ? WHERE id = ?`,
		n, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "sqlite: increment processed %s", id)
}

func (s *SQLiteStore) DeleteBatch(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: delete batch: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM batch_modules WHERE batch_id = ?`, id); err != nil {
		return eris.Wrapf(err, "sqlite: delete modules %s", id)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete batch %s", id)
	}
	if err := checkRowsAffected(res, "batch", id); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: delete batch: commit")
}

func (s *SQLiteStore) DeleteBatchesBefore(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete batches before: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM batch_modules WHERE batch_id IN (SELECT id FROM batches WHERE created_at < ?)`, before.UTC()); err != nil {
		return 0, eris.Wrap(err, "sqlite: delete modules before")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete batches before")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), eris.Wrap(tx.Commit(), "sqlite: delete batches before: commit")
}

// --- Modules ---

func (s *SQLiteStore) InitModules(ctx context.Context, batchID string, states []model.ModuleState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: init modules: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, st := range states {
		_, completed := statusTimes(false, st.Status.Terminal(), now)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batch_modules (batch_id, module, status, processed, succeeded, failed, error, started_at, completed_at, updated_at)
			 VALUES (?, ?, ?, 0, 0, 0, ?, NULL, ?, ?)
			 ON CONFLICT (batch_id, module) DO UPDATE SET
			   status = excluded.status, processed = 0, succeeded = 0, failed = 0,
			   error = excluded.error, started_at = NULL, completed_at = excluded.completed_at, updated_at = excluded.updated_at`,
			batchID, string(st.Module), string(st.Status), st.Error, nullable(completed), now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: init module %s", st.Module)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: init modules: commit")
}

func (s *SQLiteStore) SetModuleStatus(ctx context.Context, batchID string, module model.ModuleName, status model.ModuleStatus, errMsg string) error {
	now := time.Now().UTC()
	started, completed := statusTimes(status == model.ModuleStatusProcessing, status.Terminal(), now)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_modules (batch_id, module, status, error, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (batch_id, module) DO UPDATE SET
		   status = excluded.status,
		   error = CASE WHEN excluded.error <> '' THEN excluded.error ELSE batch_modules.error END,
		   started_at = COALESCE(batch_modules.started_at, excluded.started_at),
		   completed_at = COALESCE(excluded.completed_at, batch_modules.completed_at),
		   updated_at = excluded.updated_at`,
		batchID, string(module), string(status), errMsg, nullable(started), nullable(completed), now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set module status %s/%s", batchID, module)
	}
	return s.touchBatch(ctx, batchID, now)
}

func (s *SQLiteStore) IncrementModuleProgress(ctx context.Context, batchID string, module model.ModuleName, delta ModuleProgress) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_modules SET processed = processed + ?, succeeded = succeeded + ?, failed = failed + ?, updated_at = ?
		 WHERE batch_id = ? AND module = ?`,
		delta.Processed, delta.Succeeded, delta.Failed, now, batchID, string(module),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment module progress %s/%s", batchID, module)
	}
	return s.touchBatch(ctx, batchID, now)
}

func (s *SQLiteStore) touchBatch(ctx context.Context, batchID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batches SET updated_at = ? WHERE id = ?`, now, batchID)
	return eris.Wrapf(err, "sqlite: touch batch %s", batchID)
}

// --- Records ---

func (s *SQLiteStore) InsertRecords(ctx context.Context, recs []model.ClassificationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert records: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO classification_records (`+strings.Join(recordCopyColumns, ", ")+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert record")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for i := range recs {
		r := &recs[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		extra, err := marshalNullable(r.Extra, len(r.Extra) == 0)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal extra")
		}
		r.CreatedAt, r.UpdatedAt = now, now
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.BatchID, r.RowIndex, r.OriginalName, r.NormalizedName, r.Address, r.City, r.State, r.Zip,
			string(r.Category), r.Confidence, r.Reasoning, string(r.Stage), r.SICCode, r.NeedsReview, r.Excluded, r.ExclusionKeyword,
			nullString(extra), now, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert record %s", r.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: insert records: commit")
}

func (s *SQLiteStore) ListRecords(ctx context.Context, batchID string, afterIndex, limit int) ([]model.ClassificationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordSelectColumns+` FROM classification_records
		 WHERE batch_id = ? AND row_index > ? ORDER BY row_index LIMIT ?`,
		batchID, afterIndex, defaultLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list records %s", batchID)
	}
	defer rows.Close()

	var recs []model.ClassificationRecord
	for rows.Next() {
		var r model.ClassificationRecord
		var extra, match, addr, card, pred sql.NullString
		if err := rows.Scan(&r.ID, &r.BatchID, &r.RowIndex, &r.OriginalName, &r.NormalizedName, &r.Address, &r.City, &r.State, &r.Zip,
			&r.Category, &r.Confidence, &r.Reasoning, &r.Stage, &r.SICCode, &r.NeedsReview, &r.Excluded, &r.ExclusionKeyword,
			&extra, &match, &addr, &card, &pred, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		if err := decodeEnrichments(&r, []byte(extra.String), []byte(match.String), []byte(addr.String),
			[]byte(card.String), []byte(pred.String)); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode record")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) updateJSON(ctx context.Context, recordID, column string, v any, extraSet string, extraArgs ...any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal %s", column)
	}
	args := append([]any{string(data), time.Now().UTC()}, extraArgs...)
	args = append(args, recordID)
	query := fmt.Sprintf(`UPDATE classification_records SET %s = ?, updated_at = ?%s WHERE id = ?`, column, extraSet)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update %s %s", column, recordID)
	}
	return checkRowsAffected(res, "record", recordID)
}

func (s *SQLiteStore) UpdateMatch(ctx context.Context, recordID string, m model.MatchResult) error {
	return s.updateJSON(ctx, recordID, "match_result", m, ", matched = ?", m.Matched)
}

func (s *SQLiteStore) UpdateAddress(ctx context.Context, recordID string, a model.AddressResult) error {
	return s.updateJSON(ctx, recordID, "address_info", a, "")
}

func (s *SQLiteStore) UpdateCardNetwork(ctx context.Context, recordID string, c model.CardNetworkResult) error {
	return s.updateJSON(ctx, recordID, "card_network", c, "")
}

func (s *SQLiteStore) UpdatePrediction(ctx context.Context, recordID string, p model.PredictionResult) error {
	return s.updateJSON(ctx, recordID, "prediction", p, "")
}

func (s *SQLiteStore) BatchStats(ctx context.Context, batchID string) (*model.BatchStats, error) {
	stats := &model.BatchStats{
		BatchID:     batchID,
		ByCategory:  map[model.Category]int{},
		RowOutcomes: map[model.ModuleName]map[string]int{},
	}

	err := s.db.QueryRowContext(ctx, statsTotalsSQL("?"), batchID).
		Scan(&stats.Records, &stats.AvgConfidence, &stats.NeedsReview, &stats.Excluded, &stats.Matched)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: batch stats %s", batchID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM classification_records WHERE batch_id = ? GROUP BY category`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: batch stats categories %s", batchID)
	}
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			rows.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "sqlite: scan category count")
		}
		stats.ByCategory[model.Category(cat)] = n
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: batch stats categories iterate")
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT module, status, COUNT(*) FROM row_enrichments WHERE batch_id = ? GROUP BY module, status`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: batch stats outcomes %s", batchID)
	}
	defer rows.Close()
	for rows.Next() {
		var module, status string
		var n int
		if err := rows.Scan(&module, &status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outcome count")
		}
		addOutcome(stats, module, status, n)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: batch stats outcomes iterate")
}

func (s *SQLiteStore) PurgeOrphanRecords(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM classification_records WHERE batch_id NOT IN (SELECT id FROM batches)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge orphan records")
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM row_enrichments WHERE batch_id NOT IN (SELECT id FROM batches)`); err != nil {
		return 0, eris.Wrap(err, "sqlite: purge orphan row enrichments")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Row enrichment state ---

func (s *SQLiteStore) SetRowStatus(ctx context.Context, e model.RowEnrichment) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO row_enrichments (record_id, batch_id, module, status, reason, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (record_id, module) DO UPDATE SET status = excluded.status, reason = excluded.reason, updated_at = excluded.updated_at`,
		e.RecordID, e.BatchID, string(e.Module), string(e.Status), e.Reason, e.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: set row status %s/%s", e.RecordID, e.Module)
}

func (s *SQLiteStore) FailStaleRows(ctx context.Context, before time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE row_enrichments SET status = ?, reason = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		string(model.RowStatusFailed), reason, time.Now().UTC(), string(model.RowStatusInProgress), before.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: fail stale rows")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Reference entities ---

func (s *SQLiteStore) UpsertEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert entities: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var n int64
	for _, e := range entities {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entities (id, name, normalized_name, city, state, zip, industry) VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET name = excluded.name, normalized_name = excluded.normalized_name,
			   city = excluded.city, state = excluded.state, zip = excluded.zip, industry = excluded.industry`,
			e.ID, e.Name, e.NormalizedName, e.City, e.State, e.Zip, e.Industry,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert entity %s", e.ID)
		}
		n++
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: upsert entities: commit")
}

func (s *SQLiteStore) FindExact(ctx context.Context, variants []string) (*model.Entity, error) {
	if len(variants) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(variants)), ", ")
	args := make([]any, len(variants))
	for i, v := range variants {
		args[i] = v
	}

	var e model.Entity
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, normalized_name, city, state, zip, industry FROM entities
		 WHERE normalized_name IN (`+placeholders+`) LIMIT 1`, args...,
	).Scan(&e.ID, &e.Name, &e.NormalizedName, &e.City, &e.State, &e.Zip, &e.Industry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find exact entity")
	}
	return &e, nil
}

// SearchSimilar prefilters with LIKE on the leading three runes of each query
// token, then ranks the survivors by trigram similarity.
func (s *SQLiteStore) SearchSimilar(ctx context.Context, name string, limit int, minSimilarity float64) ([]model.Candidate, error) {
	tokens := strings.Fields(name)
	if len(tokens) == 0 {
		return nil, nil
	}
	var clauses []string
	var args []any
	for _, tok := range tokens {
		r := []rune(tok)
		if len(r) > 3 {
			r = r[:3]
		}
		clauses = append(clauses, `normalized_name LIKE ?`)
		args = append(args, "%"+string(r)+"%")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, normalized_name, city, state, zip, industry FROM entities WHERE `+strings.Join(clauses, " OR "),
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search similar entities")
	}
	defer rows.Close()

	var cands []model.Candidate
	for rows.Next() {
		var c model.Candidate
		if err := rows.Scan(&c.ID, &c.Name, &c.NormalizedName, &c.City, &c.State, &c.Zip, &c.Industry); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		c.Similarity = normalize.Similarity(name, c.NormalizedName)
		if c.Similarity >= minSimilarity {
			cands = append(cands, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: search similar iterate")
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Similarity != cands[j].Similarity {
			return cands[i].Similarity > cands[j].Similarity
		}
		return cands[i].ID < cands[j].ID
	})
	if lim := defaultLimit(limit); len(cands) > lim {
		cands = cands[:lim]
	}
	return cands, nil
}

// helpers

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

func scanBatch(row scannable) (*model.Batch, error) {
	var b model.Batch
	var started, completed sql.NullTime
	if err := row.Scan(&b.ID, &b.FileName, &b.Status, &b.TotalRecords, &b.ProcessedRecords, &b.ErrorMessage,
		&b.CreatedAt, &started, &completed, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.StartedAt, b.CompletedAt = nullTime(started), nullTime(completed)
	return &b, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nullable converts a nil *time.Time into an untyped SQL NULL.
func nullable(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
