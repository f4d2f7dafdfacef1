package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/payee-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_CreateBatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO batches`).
		WithArgs(pgxmock.AnyArg(), "payees.csv", "pending", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	b, err := s.CreateBatch(context.Background(), "payees.csv")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusPending, b.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetBatch_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, file_name, status, .* FROM batches WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetBatch(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetBatchStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE batches SET status = \$1`).
		WithArgs("completed", "", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetBatchStatus(context.Background(), "missing", model.BatchStatusCompleted, "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetTotalRecords_OnlyWhenUnset(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE batches SET total_records = \$1, updated_at = \$2 WHERE id = \$3 AND total_records = 0`).
		WithArgs(42, pgxmock.AnyArg(), "b1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.SetTotalRecords(context.Background(), "b1", 42))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementModuleProgress_TouchesBatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE batch_modules SET processed = processed \+ \$1`).
		WithArgs(10, 9, 1, pgxmock.AnyArg(), "b1", "matching").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE batches SET updated_at = \$1 WHERE id = \$2`).
		WithArgs(pgxmock.AnyArg(), "b1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.IncrementModuleProgress(context.Background(), "b1", model.ModuleMatching, ModuleProgress{Processed: 10, Succeeded: 9, Failed: 1})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertRecords_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"classification_records"}, recordCopyColumns).WillReturnResult(2)

	recs := testRecords("b1", "acme", "fedex")
	require.NoError(t, s.InsertRecords(context.Background(), recs))
	assert.NotEmpty(t, recs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateMatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE classification_records SET match_result = \$1, updated_at = \$2, matched = \$4 WHERE id = \$3`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "r1", true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateMatch(context.Background(), "r1", model.MatchResult{Matched: true, Method: model.MatchMethodExact})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailStaleRows(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Now().Add(-5 * time.Minute)

	mock.ExpectExec(`UPDATE row_enrichments SET status = \$1`).
		WithArgs("failed", "heartbeat timeout", pgxmock.AnyArg(), "in_progress", cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := s.FailStaleRows(context.Background(), cutoff, "heartbeat timeout")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindExact_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM entities WHERE normalized_name = ANY\(\$1\)`).
		WithArgs([]string{"acme corp", "acme"}).
		WillReturnError(pgx.ErrNoRows)

	e, err := s.FindExact(context.Background(), []string{"acme corp", "acme"})
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SearchSimilar(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"id", "name", "normalized_name", "city", "state", "zip", "industry", "sim"}).
		AddRow("e1", "Acme Corporation", "acme", "Dallas", "TX", "", "", 0.97).
		AddRow("e2", "Acme Plumbing", "acme plumbing", "Austin", "TX", "", "", 0.55)
	mock.ExpectQuery(`similarity\(normalized_name, \$1\)`).
		WithArgs("acme", 0.3, 12).
		WillReturnRows(rows)

	cands, err := s.SearchSimilar(context.Background(), "acme", 12, 0.3)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "e1", cands[0].ID)
	assert.InDelta(t, 0.97, cands[0].Similarity, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PurgeOrphanRecords(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM classification_records r WHERE NOT EXISTS`).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	mock.ExpectExec(`DELETE FROM row_enrichments e WHERE NOT EXISTS`).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	n, err := s.PurgeOrphanRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS pg_trgm`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
