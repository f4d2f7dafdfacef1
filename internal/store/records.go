package store

import (
	"encoding/json"

	"github.com/sells-group/payee-cli/internal/model"
)

// statsTotalsSQL aggregates a batch's records in SQL so stats never load rows
// into memory. ph is the driver's first-parameter placeholder.
func statsTotalsSQL(ph string) string {
	return `SELECT COUNT(*),
		COALESCE(AVG(confidence), 0),
		COALESCE(SUM(CASE WHEN needs_review THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN excluded THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN matched THEN 1 ELSE 0 END), 0)
	FROM classification_records WHERE batch_id = ` + ph
}

func addOutcome(stats *model.BatchStats, module, status string, n int) {
	m := model.ModuleName(module)
	if stats.RowOutcomes[m] == nil {
		stats.RowOutcomes[m] = map[string]int{}
	}
	stats.RowOutcomes[m][status] = n
}

// marshalNullable encodes v as JSON, or returns nil when empty is true.
func marshalNullable(v any, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}

// decodeEnrichments unpacks the JSON columns of a record. Empty inputs leave
// the corresponding field nil.
func decodeEnrichments(r *model.ClassificationRecord, extra, match, addr, card, pred []byte) error {
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &r.Extra); err != nil {
			return err
		}
	}
	if len(match) > 0 {
		r.Match = &model.MatchResult{}
		if err := json.Unmarshal(match, r.Match); err != nil {
			return err
		}
	}
	if len(addr) > 0 {
		r.AddressInfo = &model.AddressResult{}
		if err := json.Unmarshal(addr, r.AddressInfo); err != nil {
			return err
		}
	}
	if len(card) > 0 {
		r.CardNetwork = &model.CardNetworkResult{}
		if err := json.Unmarshal(card, r.CardNetwork); err != nil {
			return err
		}
	}
	if len(pred) > 0 {
		r.Prediction = &model.PredictionResult{}
		if err := json.Unmarshal(pred, r.Prediction); err != nil {
			return err
		}
	}
	return nil
}
