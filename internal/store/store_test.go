package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/payee-cli/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testRecords(batchID string, names ...string) []model.ClassificationRecord {
	recs := make([]model.ClassificationRecord, 0, len(names))
	for i, n := range names {
		recs = append(recs, model.ClassificationRecord{
			BatchID:        batchID,
			RowIndex:       i + 1,
			OriginalName:   n,
			NormalizedName: n,
			Category:       model.CategoryBusiness,
			Confidence:     0.97,
			Stage:          model.StagePattern,
		})
	}
	return recs
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetBatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		b, err := s.CreateBatch(ctx, "payees.csv")
		require.NoError(t, err)
		assert.NotEmpty(t, b.ID)
		assert.Equal(t, model.BatchStatusPending, b.Status)

		got, err := s.GetBatch(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, "payees.csv", got.FileName)
		assert.Equal(t, model.BatchStatusPending, got.Status)
		assert.Nil(t, got.StartedAt)
		assert.Empty(t, got.Modules)
	})

	t.Run("GetBatchNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetBatch(context.Background(), "missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SetBatchStatusTimestamps", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b, err := s.CreateBatch(ctx, "f.csv")
		require.NoError(t, err)

		require.NoError(t, s.SetBatchStatus(ctx, b.ID, model.BatchStatusProcessing, ""))
		got, err := s.GetBatch(ctx, b.ID)
		require.NoError(t, err)
		require.NotNil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)

		require.NoError(t, s.SetBatchStatus(ctx, b.ID, model.BatchStatusFailed, "column not found"))
		got, err = s.GetBatch(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BatchStatusFailed, got.Status)
		assert.Equal(t, "column not found", got.ErrorMessage)
		assert.NotNil(t, got.CompletedAt)

		err = s.SetBatchStatus(ctx, "missing", model.BatchStatusCompleted, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("TotalRecordsFixedOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b, err := s.CreateBatch(ctx, "f.csv")
		require.NoError(t, err)

		require.NoError(t, s.SetTotalRecords(ctx, b.ID, 10))
		require.NoError(t, s.SetTotalRecords(ctx, b.ID, 3))
		require.NoError(t, s.IncrementProcessed(ctx, b.ID, 4))
		require.NoError(t, s.IncrementProcessed(ctx, b.ID, 2))

		got, err := s.GetBatch(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, got.TotalRecords)
		assert.Equal(t, 6, got.ProcessedRecords)
		assert.InDelta(t, 60.0, got.Progress(), 0.001)
	})

	t.Run("ModuleLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b, err := s.CreateBatch(ctx, "f.csv")
		require.NoError(t, err)

		require.NoError(t, s.InitModules(ctx, b.ID, []model.ModuleState{
			{Module: model.ModuleMatching, Status: model.ModuleStatusPending},
			{Module: model.ModuleAddressValidation, Status: model.ModuleStatusSkipped},
		}))

		got, err := s.GetBatch(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, got.Modules, 2)
		assert.Equal(t, model.ModuleStatusPending, got.Modules[model.ModuleMatching].Status)
		assert.Equal(t, model.ModuleStatusSkipped, got.Modules[model.ModuleAddressValidation].Status)
		assert.NotNil(t, got.Modules[model.ModuleAddressValidation].CompletedAt)
		assert.False(t, got.ModulesTerminal())

		require.NoError(t, s.SetModuleStatus(ctx, b.ID, model.ModuleMatching, model.ModuleStatusProcessing, ""))
		require.NoError(t, s.IncrementModuleProgress(ctx, b.ID, model.ModuleMatching, ModuleProgress{Processed: 5, Succeeded: 4, Failed: 1}))
		require.NoError(t, s.IncrementModuleProgress(ctx, b.ID, model.ModuleMatching, ModuleProgress{Processed: 2, Succeeded: 2}))
		require.NoError(t, s.SetModuleStatus(ctx, b.ID, model.ModuleMatching, model.ModuleStatusFailed, "judge unavailable"))

		got, err = s.GetBatch(ctx, b.ID)
		require.NoError(t, err)
		m := got.Modules[model.ModuleMatching]
		assert.Equal(t, model.ModuleStatusFailed, m.Status)
		assert.Equal(t, 7, m.Processed)
		assert.Equal(t, 6, m.Succeeded)
		assert.Equal(t, 1, m.Failed)
		assert.Equal(t, "judge unavailable", m.Error)
		assert.NotNil(t, m.StartedAt)
		assert.NotNil(t, m.CompletedAt)
		assert.True(t, got.ModulesTerminal())
	})

	t.Run("ListBatchesFilter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, err := s.CreateBatch(ctx, "a.csv")
		require.NoError(t, err)
		_, err = s.CreateBatch(ctx, "b.csv")
		require.NoError(t, err)
		require.NoError(t, s.SetBatchStatus(ctx, a.ID, model.BatchStatusCompleted, ""))

		all, err := s.ListBatches(ctx, BatchFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		done, err := s.ListBatches(ctx, BatchFilter{Status: model.BatchStatusCompleted})
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, a.ID, done[0].ID)
	})

	t.Run("ListStaleBatches", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		active, err := s.CreateBatch(ctx, "a.csv")
		require.NoError(t, err)
		require.NoError(t, s.SetBatchStatus(ctx, active.ID, model.BatchStatusEnriching, ""))
		done, err := s.CreateBatch(ctx, "b.csv")
		require.NoError(t, err)
		require.NoError(t, s.SetBatchStatus(ctx, done.ID, model.BatchStatusCompleted, ""))

		stale, err := s.ListStaleBatches(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, active.ID, stale[0].ID)

		stale, err = s.ListStaleBatches(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, stale)
	})

	t.Run("RecordsRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b, err := s.CreateBatch(ctx, "f.csv")
		require.NoError(t, err)

		recs := testRecords(b.ID, "acme", "fedex", "john smith")
		recs[0].Extra = map[string]string{"memo": "invoice 42"}
		recs[2].Category = model.CategoryIndividual
		recs[2].Confidence = 0.85
		recs[2].NeedsReview = true
		require.NoError(t, s.InsertRecords(ctx, recs))
		assert.NotEmpty(t, recs[0].ID)

		page, err := s.ListRecords(ctx, b.ID, 0, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "acme", page[0].OriginalName)
		assert.Equal(t, "invoice 42", page[0].Extra["memo"])
		assert.Nil(t, page[0].Match)

		page, err = s.ListRecords(ctx, b.ID, page[1].RowIndex, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, model.CategoryIndividual, page[0].Category)
		assert.True(t, page[0].NeedsReview)
	})

	t.Run("NarrowEnrichmentUpdates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b, err := s.CreateBatch(ctx, "f.csv")
		require.NoError(t, err)
		recs := testRecords(b.ID, "acme")
		require.NoError(t, s.InsertRecords(ctx, recs))
		id := recs[0].ID

		require.NoError(t, s.UpdateMatch(ctx, id, model.MatchResult{Matched: true, EntityID: "e1", Confidence: 1, Method: model.MatchMethodExact}))
		require.NoError(t, s.UpdateAddress(ctx, id, model.AddressResult{Validated: true, City: "Memphis", State: "TN"}))
		require.NoError(t, s.UpdateCardNetwork(ctx, id, model.CardNetworkResult{Found: true, MCC: "4215"}))
		require.NoError(t, s.UpdatePrediction(ctx, id, model.PredictionResult{Score: 0.7, Label: "recurring"}))

		page, err := s.ListRecords(ctx, b.ID, 0, 10)
		require.NoError(t, err)
		require.Len(t, page, 1)
		r := page[0]
		require.NotNil(t, r.Match)
		assert.Equal(t, "e1", r.Match.EntityID)
		require.NotNil(t, r.AddressInfo)
		assert.Equal(t, "Memphis", r.AddressInfo.City)
		require.NotNil(t, r.CardNetwork)
		assert.Equal(t, "4215", r.CardNetwork.MCC)
		require.NotNil(t, r.Prediction)
		assert.InDelta(t, 0.7, r.Prediction.Score, 1e-9)
		assert.Equal(t, model.CategoryBusiness, r.Category)

		err = s.UpdateMatch(ctx, "missing", model.MatchResult{})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("BatchStats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		b, err := s.CreateBatch(ctx, "f.csv")
		require.NoError(t, err)
		recs := testRecords(b.ID, "acme", "fedex", "john smith", "payroll transfer")
		recs[2].Category = model.CategoryIndividual
		recs[2].Confidence = 0.85
		recs[2].NeedsReview = true
		recs[3].Excluded = true
		recs[3].Confidence = 0.61
		recs[3].NeedsReview = true
		require.NoError(t, s.InsertRecords(ctx, recs))
		require.NoError(t, s.UpdateMatch(ctx, recs[0].ID, model.MatchResult{Matched: true}))
		require.NoError(t, s.UpdateMatch(ctx, recs[1].ID, model.MatchResult{Matched: false}))
		require.NoError(t, s.SetRowStatus(ctx, model.RowEnrichment{RecordID: recs[0].ID, BatchID: b.ID, Module: model.ModuleMatching, Status: model.RowStatusCompleted}))
		require.NoError(t, s.SetRowStatus(ctx, model.RowEnrichment{RecordID: recs[2].ID, BatchID: b.ID, Module: model.ModuleMatching, Status: model.RowStatusSkipped}))

		stats, err := s.BatchStats(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, stats.Records)
		assert.Equal(t, 3, stats.ByCategory[model.CategoryBusiness])
		assert.Equal(t, 1, stats.ByCategory[model.CategoryIndividual])
		assert.Equal(t, 2, stats.NeedsReview)
		assert.Equal(t, 1, stats.Excluded)
		assert.Equal(t, 1, stats.Matched)
		assert.InDelta(t, (0.97+0.97+0.85+0.61)/4, stats.AvgConfidence, 1e-9)
		assert.InDelta(t, 0.25, stats.MatchRate(), 1e-9)
		assert.Equal(t, 1, stats.RowOutcomes[model.ModuleMatching]["completed"])
		assert.Equal(t, 1, stats.RowOutcomes[model.ModuleMatching]["skipped"])
	})

	t.Run("FailStaleRows", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.SetRowStatus(ctx, model.RowEnrichment{RecordID: "r1", BatchID: "b1", Module: model.ModuleMatching, Status: model.RowStatusInProgress}))
		require.NoError(t, s.SetRowStatus(ctx, model.RowEnrichment{RecordID: "r2", BatchID: "b1", Module: model.ModuleMatching, Status: model.RowStatusCompleted}))

		n, err := s.FailStaleRows(ctx, time.Now().Add(-time.Hour), "heartbeat timeout")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = s.FailStaleRows(ctx, time.Now().Add(time.Minute), "heartbeat timeout")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// A second sweep finds nothing left in progress.
		n, err = s.FailStaleRows(ctx, time.Now().Add(time.Minute), "heartbeat timeout")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("DeleteBatchAndPurgeOrphans", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		keep, err := s.CreateBatch(ctx, "keep.csv")
		require.NoError(t, err)
		drop, err := s.CreateBatch(ctx, "drop.csv")
		require.NoError(t, err)
		require.NoError(t, s.InitModules(ctx, drop.ID, []model.ModuleState{{Module: model.ModuleMatching, Status: model.ModuleStatusPending}}))
		require.NoError(t, s.InsertRecords(ctx, testRecords(keep.ID, "acme")))
		require.NoError(t, s.InsertRecords(ctx, testRecords(drop.ID, "fedex", "ups")))

		require.NoError(t, s.DeleteBatch(ctx, drop.ID))
		_, err = s.GetBatch(ctx, drop.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteBatch(ctx, drop.ID), ErrNotFound)

		n, err := s.PurgeOrphanRecords(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		kept, err := s.ListRecords(ctx, keep.ID, 0, 10)
		require.NoError(t, err)
		assert.Len(t, kept, 1)
	})

	t.Run("DeleteBatchesBefore", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateBatch(ctx, "old.csv")
		require.NoError(t, err)

		n, err := s.DeleteBatchesBefore(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = s.DeleteBatchesBefore(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("EntitiesExactAndSimilar", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		n, err := s.UpsertEntities(ctx, []model.Entity{
			{ID: "e1", Name: "Acme Corporation", NormalizedName: "acme", City: "Dallas", State: "TX"},
			{ID: "e2", Name: "Acme Plumbing LLC", NormalizedName: "acme plumbing", City: "Austin", State: "TX"},
			{ID: "e3", Name: "Zenith Roofing", NormalizedName: "zenith roofing"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		e, err := s.FindExact(ctx, []string{"acme corp", "acme"})
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, "e1", e.ID)

		e, err = s.FindExact(ctx, []string{"nobody"})
		require.NoError(t, err)
		assert.Nil(t, e)

		cands, err := s.SearchSimilar(ctx, "acme plumbng", 10, 0.3)
		require.NoError(t, err)
		require.NotEmpty(t, cands)
		assert.Equal(t, "e2", cands[0].ID)
		for i := 1; i < len(cands); i++ {
			assert.GreaterOrEqual(t, cands[i-1].Similarity, cands[i].Similarity)
		}
		for _, c := range cands {
			assert.NotEqual(t, "e3", c.ID)
		}

		// Re-upserting updates in place.
		_, err = s.UpsertEntities(ctx, []model.Entity{{ID: "e3", Name: "Zenith Roofing Co", NormalizedName: "zenith roofing", City: "Waco"}})
		require.NoError(t, err)
		cands, err = s.SearchSimilar(ctx, "zenith roofing", 5, 0.9)
		require.NoError(t, err)
		require.Len(t, cands, 1)
		assert.Equal(t, "Waco", cands[0].City)
		assert.InDelta(t, 1.0, cands[0].Similarity, 1e-9)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
