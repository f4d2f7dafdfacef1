package model

import "time"

// BatchStatus represents the overall state of a file-processing batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusEnriching  BatchStatus = "enriching"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// Terminal reports whether no further normal processing will mutate the batch.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	default:
		return false
	}
}

// ModuleName identifies an enrichment module and doubles as its status key on the batch.
type ModuleName string

const (
	ModuleMatching          ModuleName = "matching"
	ModuleAddressValidation ModuleName = "address_validation"
	ModuleCardNetwork       ModuleName = "card_network"
	ModulePredictive        ModuleName = "predictive"
)

// AllModules lists every known module in declared execution order.
var AllModules = []ModuleName{
	ModuleMatching,
	ModuleAddressValidation,
	ModuleCardNetwork,
	ModulePredictive,
}

// ModuleStatus is the per-module state tracked on a batch.
type ModuleStatus string

const (
	ModuleStatusPending    ModuleStatus = "pending"
	ModuleStatusSkipped    ModuleStatus = "skipped"
	ModuleStatusProcessing ModuleStatus = "processing"
	ModuleStatusCompleted  ModuleStatus = "completed"
	ModuleStatusFailed     ModuleStatus = "failed"
)

// Terminal reports whether the module will not be mutated further.
func (s ModuleStatus) Terminal() bool {
	switch s {
	case ModuleStatusSkipped, ModuleStatusCompleted, ModuleStatusFailed:
		return true
	default:
		return false
	}
}

// ModuleState holds status, counters and timestamps for one module of one batch.
type ModuleState struct {
	Module      ModuleName   `json:"module"`
	Status      ModuleStatus `json:"status"`
	Processed   int          `json:"processed"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	Error       string       `json:"error,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Batch is one file-processing job.
type Batch struct {
	ID               string                     `json:"id"`
	FileName         string                     `json:"file_name"`
	Status           BatchStatus                `json:"status"`
	TotalRecords     int                        `json:"total_records"`
	ProcessedRecords int                        `json:"processed_records"`
	ErrorMessage     string                     `json:"error_message,omitempty"`
	Modules          map[ModuleName]ModuleState `json:"modules,omitempty"`
	CreatedAt        time.Time                  `json:"created_at"`
	StartedAt        *time.Time                 `json:"started_at,omitempty"`
	CompletedAt      *time.Time                 `json:"completed_at,omitempty"`
	UpdatedAt        time.Time                  `json:"updated_at"`
}

// Progress returns processed/total as a percentage in [0,100].
func (b *Batch) Progress() float64 {
	if b.TotalRecords <= 0 {
		return 0
	}
	p := float64(b.ProcessedRecords) / float64(b.TotalRecords) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// ModulesTerminal reports whether every tracked module is in a terminal state.
func (b *Batch) ModulesTerminal() bool {
	for _, m := range b.Modules {
		if !m.Status.Terminal() {
			return false
		}
	}
	return true
}

// BatchStats is a SQL-side aggregate over a batch's classification records.
type BatchStats struct {
	BatchID       string                        `json:"batch_id"`
	Records       int                           `json:"records"`
	ByCategory    map[Category]int              `json:"by_category"`
	AvgConfidence float64                       `json:"avg_confidence"`
	NeedsReview   int                           `json:"needs_review"`
	Excluded      int                           `json:"excluded"`
	Matched       int                           `json:"matched"`
	RowOutcomes   map[ModuleName]map[string]int `json:"row_outcomes,omitempty"`
}

// MatchRate returns the fraction of records with a matched reference entity.
func (s *BatchStats) MatchRate() float64 {
	if s.Records == 0 {
		return 0
	}
	return float64(s.Matched) / float64(s.Records)
}
