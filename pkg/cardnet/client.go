// Package cardnet looks up payees in a card-network merchant directory.
package cardnet

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

// Client searches the merchant directory.
type Client interface {
	Lookup(ctx context.Context, q Query) (*Merchant, error)
}

// Query identifies a payee, ideally with a validated address.
type Query struct {
	Name   string `json:"name"`
	Street string `json:"street,omitempty"`
	City   string `json:"city,omitempty"`
	State  string `json:"state,omitempty"`
	Zip    string `json:"zip,omitempty"`
}

// Merchant is a directory hit. Found is false when the directory has no match.
type Merchant struct {
	Found        bool    `json:"found"`
	MerchantID   string  `json:"merchant_id"`
	MerchantName string  `json:"merchant_name"`
	MCC          string  `json:"mcc"`
	Confidence   float64 `json:"confidence"`
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a merchant directory client rooted at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Lookup(ctx context.Context, q Query) (*Merchant, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, eris.Wrap(err, "cardnet: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/merchants/search", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "cardnet: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "cardnet: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "cardnet: read response")
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return &Merchant{Found: false}, nil
	default:
		return nil, eris.Wrap(&resilience.StatusError{Service: "cardnet", StatusCode: resp.StatusCode, Body: string(respBody)}, "cardnet: lookup")
	}

	var m Merchant
	if err := json.Unmarshal(respBody, &m); err != nil {
		return nil, eris.Wrap(err, "cardnet: parse response")
	}
	return &m, nil
}
