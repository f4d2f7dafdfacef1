package model

import "time"

// Category is the classification assigned to a payee.
type Category string

const (
	CategoryIndividual       Category = "Individual"
	CategoryBusiness         Category = "Business"
	CategoryGovernment       Category = "Government"
	CategoryInsurance        Category = "Insurance"
	CategoryBanking          Category = "Banking"
	CategoryInternalTransfer Category = "Internal Transfer"
	CategoryUnknown          Category = "Unknown"
)

// Categories lists the categories accepted from external classifiers.
var Categories = []Category{
	CategoryIndividual,
	CategoryBusiness,
	CategoryGovernment,
	CategoryInsurance,
	CategoryBanking,
	CategoryInternalTransfer,
	CategoryUnknown,
}

// ParseCategory maps a free-text category onto a known Category.
// The second return value is false when no category matched.
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if equalFoldTrim(string(c), s) {
			return c, true
		}
	}
	return CategoryUnknown, false
}

// Stage identifies the cascade stage that produced a classification.
type Stage string

const (
	StagePattern     Stage = "pattern"
	StageFingerprint Stage = "fingerprint"
	StageFuzzy       Stage = "fuzzy"
	StageCachedAI    Stage = "cached_ai"
	StageFreshAI     Stage = "fresh_ai"
	StageFallback    Stage = "fallback"
)

// Classification is the outcome of running a row through the cascade.
type Classification struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Stage      Stage    `json:"stage"`
	SICCode    string   `json:"sic_code,omitempty"`
}

// MatchMethod describes how a reference entity match was reached.
type MatchMethod string

const (
	MatchMethodExact       MatchMethod = "exact"
	MatchMethodEarlyAccept MatchMethod = "early_accept"
	MatchMethodJudge       MatchMethod = "ai_judge"
	MatchMethodNone        MatchMethod = "no_match"
	MatchMethodTimeout     MatchMethod = "timeout"
	MatchMethodSkipped     MatchMethod = "skipped"
)

// MatchResult is the Matching Engine's answer for one name.
type MatchResult struct {
	Matched    bool        `json:"matched"`
	EntityID   string      `json:"entity_id,omitempty"`
	EntityName string      `json:"entity_name,omitempty"`
	Confidence float64     `json:"confidence"`
	Method     MatchMethod `json:"method"`
	Reasoning  string      `json:"reasoning"`
}

// AddressResult holds address-validation output for a record.
type AddressResult struct {
	Validated bool    `json:"validated"`
	Street    string  `json:"street,omitempty"`
	City      string  `json:"city,omitempty"`
	State     string  `json:"state,omitempty"`
	Zip       string  `json:"zip,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Quality   string  `json:"quality,omitempty"`
}

// CardNetworkResult holds card-network merchant lookup output for a record.
type CardNetworkResult struct {
	Found        bool    `json:"found"`
	MerchantID   string  `json:"merchant_id,omitempty"`
	MerchantName string  `json:"merchant_name,omitempty"`
	MCC          string  `json:"mcc,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// PredictionResult holds predictive-scoring output for a record.
type PredictionResult struct {
	Score   float64 `json:"score"`
	Label   string  `json:"label,omitempty"`
	Version string  `json:"version,omitempty"`
}

// ClassificationRecord is one persisted row/payee.
type ClassificationRecord struct {
	ID               string            `json:"id"`
	BatchID          string            `json:"batch_id"`
	RowIndex         int               `json:"row_index"`
	OriginalName     string            `json:"original_name"`
	NormalizedName   string            `json:"normalized_name"`
	Address          string            `json:"address,omitempty"`
	City             string            `json:"city,omitempty"`
	State            string            `json:"state,omitempty"`
	Zip              string            `json:"zip,omitempty"`
	Category         Category          `json:"category"`
	Confidence       float64           `json:"confidence"`
	Reasoning        string            `json:"reasoning"`
	Stage            Stage             `json:"stage"`
	SICCode          string            `json:"sic_code,omitempty"`
	NeedsReview      bool              `json:"needs_review"`
	Excluded         bool              `json:"excluded"`
	ExclusionKeyword string            `json:"exclusion_keyword,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`

	Match       *MatchResult       `json:"match,omitempty"`
	AddressInfo *AddressResult     `json:"address_info,omitempty"`
	CardNetwork *CardNetworkResult `json:"card_network,omitempty"`
	Prediction  *PredictionResult  `json:"prediction,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RowStatus is the per-row state of one enrichment module.
type RowStatus string

const (
	RowStatusInProgress RowStatus = "in_progress"
	RowStatusCompleted  RowStatus = "completed"
	RowStatusFailed     RowStatus = "failed"
	RowStatusSkipped    RowStatus = "skipped"
)

// RowEnrichment records one module's outcome for one record.
type RowEnrichment struct {
	RecordID  string     `json:"record_id"`
	BatchID   string     `json:"batch_id"`
	Module    ModuleName `json:"module"`
	Status    RowStatus  `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}
