package model

import "strings"

const (
	// MaxExtraFields caps the passthrough columns kept per row.
	MaxExtraFields = 50
	// MaxExtraValueLen caps each passthrough value.
	MaxExtraValueLen = 1024
)

// Row is one raw record produced by the row stream reader.
type Row struct {
	Index   int               `json:"index"`
	Name    string            `json:"name"`
	Address string            `json:"address,omitempty"`
	City    string            `json:"city,omitempty"`
	State   string            `json:"state,omitempty"`
	Zip     string            `json:"zip,omitempty"`
	Amount  string            `json:"amount,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// SetExtra stores a passthrough column, enforcing the field count and length bounds.
// It returns false when the value was dropped.
func (r *Row) SetExtra(key, value string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	if r.Extra == nil {
		r.Extra = make(map[string]string)
	}
	if _, exists := r.Extra[key]; !exists && len(r.Extra) >= MaxExtraFields {
		return false
	}
	if len(value) > MaxExtraValueLen {
		value = value[:MaxExtraValueLen]
	}
	r.Extra[key] = value
	return true
}

// Entity is a reference-store record that free-text names are resolved against.
type Entity struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	NormalizedName string `json:"normalized_name"`
	City           string `json:"city,omitempty"`
	State          string `json:"state,omitempty"`
	Zip            string `json:"zip,omitempty"`
	Industry       string `json:"industry,omitempty"`
}

// Candidate is a reference entity plus its similarity to the query name.
type Candidate struct {
	Entity
	Similarity float64 `json:"similarity"`
}

func equalFoldTrim(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
