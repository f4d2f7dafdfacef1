// Package predict calls the external predictive scoring service.
package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/payee-cli/internal/resilience"
)

// Client scores enriched payees.
type Client interface {
	Score(ctx context.Context, f Features) (*Prediction, error)
}

// Features are the enrichment outputs the model consumes.
type Features struct {
	Name             string  `json:"name"`
	Category         string  `json:"category"`
	Confidence       float64 `json:"confidence"`
	Matched          bool    `json:"matched"`
	MatchConfidence  float64 `json:"match_confidence"`
	AddressValidated bool    `json:"address_validated"`
	CardNetworkFound bool    `json:"card_network_found"`
	MCC              string  `json:"mcc,omitempty"`
	SICCode          string  `json:"sic_code,omitempty"`
	Amount           string  `json:"amount,omitempty"`
}

// Prediction is the service's score.
type Prediction struct {
	Score   float64 `json:"score"`
	Label   string  `json:"label"`
	Version string  `json:"model_version"`
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a scoring client rooted at baseURL. A nil hc uses a
// default client with a 30s timeout.
func NewClient(baseURL, apiKey string, hc *http.Client) Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &httpClient{apiKey: apiKey, baseURL: baseURL, http: hc}
}

func (c *httpClient) Score(ctx context.Context, f Features) (*Prediction, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, eris.Wrap(err, "predict: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "predict: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "predict: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "predict: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Wrap(&resilience.StatusError{Service: "predict", StatusCode: resp.StatusCode, Body: string(respBody)}, "predict: score")
	}

	var p Prediction
	if err := json.Unmarshal(respBody, &p); err != nil {
		return nil, eris.Wrap(err, "predict: parse response")
	}
	if p.Score < 0 || p.Score > 1 {
		return nil, eris.Errorf("predict: score %v out of range", p.Score)
	}
	return &p, nil
}
