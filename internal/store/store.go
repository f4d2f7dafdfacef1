package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/payee-cli/internal/model"
)

// ErrNotFound is returned when a batch or record id does not exist.
var ErrNotFound = eris.New("store: not found")

// BatchFilter specifies criteria for listing batches.
type BatchFilter struct {
	Status model.BatchStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// ModuleProgress is an additive counter delta for one module.
type ModuleProgress struct {
	Processed int
	Succeeded int
	Failed    int
}

// Store defines the persistence interface for batches, classification
// records, per-row enrichment state and the reference entity table. Every
// mutation is a narrow field-level update so concurrent writers never
// overwrite each other's columns.
type Store interface {
	// Batches
	CreateBatch(ctx context.Context, fileName string) (*model.Batch, error)
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error)
	SetBatchStatus(ctx context.Context, id string, status model.BatchStatus, errMsg string) error
	// SetTotalRecords fixes the denominator; it is a no-op once a non-zero total is stored.
	SetTotalRecords(ctx context.Context, id string, total int) error
	IncrementProcessed(ctx context.Context, id string, n int) error
	ListStaleBatches(ctx context.Context, before time.Time) ([]model.Batch, error)
	DeleteBatch(ctx context.Context, id string) error
	DeleteBatchesBefore(ctx context.Context, before time.Time) (int, error)

	// Module state
	InitModules(ctx context.Context, batchID string, states []model.ModuleState) error
	SetModuleStatus(ctx context.Context, batchID string, module model.ModuleName, status model.ModuleStatus, errMsg string) error
	IncrementModuleProgress(ctx context.Context, batchID string, module model.ModuleName, delta ModuleProgress) error

	// Classification records
	InsertRecords(ctx context.Context, recs []model.ClassificationRecord) error
	ListRecords(ctx context.Context, batchID string, afterIndex, limit int) ([]model.ClassificationRecord, error)
	UpdateMatch(ctx context.Context, recordID string, m model.MatchResult) error
	UpdateAddress(ctx context.Context, recordID string, a model.AddressResult) error
	UpdateCardNetwork(ctx context.Context, recordID string, c model.CardNetworkResult) error
	UpdatePrediction(ctx context.Context, recordID string, p model.PredictionResult) error
	BatchStats(ctx context.Context, batchID string) (*model.BatchStats, error)
	PurgeOrphanRecords(ctx context.Context) (int, error)

	// Per-row enrichment state
	SetRowStatus(ctx context.Context, e model.RowEnrichment) error
	FailStaleRows(ctx context.Context, before time.Time, reason string) (int, error)

	// Reference entities
	UpsertEntities(ctx context.Context, entities []model.Entity) (int64, error)
	FindExact(ctx context.Context, variants []string) (*model.Entity, error)
	SearchSimilar(ctx context.Context, name string, limit int, minSimilarity float64) ([]model.Candidate, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// activeStatuses are the batch statuses the watchdog treats as in flight.
var activeStatuses = []string{
	string(model.BatchStatusPending),
	string(model.BatchStatusProcessing),
	string(model.BatchStatusEnriching),
}

func defaultLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

// statusTimes returns the started/completed timestamps implied by a status
// transition; nil leaves the stored value untouched.
func statusTimes(processing, terminal bool, now time.Time) (started, completed *time.Time) {
	if processing {
		started = &now
	}
	if terminal {
		completed = &now
	}
	return started, completed
}
