package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/payee-cli/internal/model"
)

func withLocality(c model.Candidate, city, state string) model.Candidate {
	c.City, c.State = city, state
	return c
}

func TestEarlyAccept(t *testing.T) {
	tests := []struct {
		name     string
		norm     string
		q        Query
		cands    []model.Candidate
		wantOK   bool
		wantID   string
		wantConf float64
	}{
		{
			name:     "normalized equality",
			norm:     "acme",
			cands:    []model.Candidate{cand("e1", "ACME, Inc.", 0.7)},
			wantOK:   true,
			wantID:   "e1",
			wantConf: 0.98,
		},
		{
			name:     "high similarity without locality",
			norm:     "acme widgetz",
			cands:    []model.Candidate{cand("e1", "Acme Widgets", 0.96)},
			wantOK:   true,
			wantID:   "e1",
			wantConf: 0.94,
		},
		{
			name:     "high similarity with locality",
			norm:     "acme widgetz",
			q:        Query{State: "TX"},
			cands:    []model.Candidate{withLocality(cand("e1", "Acme Widgets", 0.96), "Austin", "tx")},
			wantOK:   true,
			wantID:   "e1",
			wantConf: 0.96,
		},
		{
			name:     "similarity with exact locality",
			norm:     "acme widgetz",
			q:        Query{City: "Austin", State: "TX"},
			cands:    []model.Candidate{withLocality(cand("e1", "Acme Widgets", 0.91), "Austin", "TX")},
			wantOK:   true,
			wantID:   "e1",
			wantConf: 0.92,
		},
		{
			name:  "similarity without city",
			norm:  "acme widgetz",
			q:     Query{State: "TX"},
			cands: []model.Candidate{withLocality(cand("e1", "Acme Widgets", 0.91), "Austin", "TX")},
		},
		{
			name:     "prefix with locality",
			norm:     "acme",
			q:        Query{State: "TX"},
			cands:    []model.Candidate{withLocality(cand("e1", "Acme Plumbing", 0.5), "", "TX")},
			wantOK:   true,
			wantID:   "e1",
			wantConf: 0.88,
		},
		{
			name:  "prefix without locality",
			norm:  "acme",
			cands: []model.Candidate{cand("e1", "Acme Plumbing", 0.5)},
		},
		{
			name:  "prefix in different city",
			norm:  "acme",
			q:     Query{City: "Dallas", State: "TX"},
			cands: []model.Candidate{withLocality(cand("e1", "Acme Plumbing", 0.5), "Austin", "TX")},
		},
		{
			name: "higher rule wins over higher rank",
			norm: "acme",
			cands: []model.Candidate{
				cand("e1", "Acmee", 0.96),
				cand("e2", "Acme LLC", 0.9),
			},
			wantOK:   true,
			wantID:   "e2",
			wantConf: 0.98,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := earlyAccept(tt.norm, tt.q, tt.cands)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.True(t, r.Matched)
			assert.Equal(t, tt.wantID, r.EntityID)
			assert.InDelta(t, tt.wantConf, r.Confidence, 1e-9)
			assert.Equal(t, model.MatchMethodEarlyAccept, r.Method)
		})
	}
}

func TestPrefixContained(t *testing.T) {
	assert.True(t, prefixContained("acme", "acme plumbing"))
	assert.True(t, prefixContained("acme plumbing", "acme"))
	assert.False(t, prefixContained("acm", "acme plumbing"))
	assert.False(t, prefixContained("", "acme"))
	assert.True(t, prefixContained("acme", "acme"))
}
