// Package geocode validates and geocodes payee addresses against the Census Geocoder.
package geocode

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Client validates a single address.
type Client interface {
	Geocode(ctx context.Context, addr AddressInput) (*Result, error)
}

// AddressInput represents an address to geocode.
type AddressInput struct {
	Street  string
	City    string
	State   string
	ZipCode string
}

// Empty reports whether no address component is present.
func (a AddressInput) Empty() bool {
	return formatOneLine(a) == ""
}

// Result holds the geocoding output for an address.
type Result struct {
	Matched        bool
	MatchedAddress string
	Street         string
	City           string
	State          string
	Zip            string
	Latitude       float64
	Longitude      float64
	Source         string // "census"
	Quality        string // "rooftop" or "approximate"
}

// Option configures the geocoder.
type Option func(*geocoder)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *geocoder) { g.httpClient = hc }
}

// WithRateLimit sets the requests-per-second limit for Census calls.
func WithRateLimit(rps float64) Option {
	return func(g *geocoder) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBaseURL overrides the Census one-line endpoint.
func WithBaseURL(u string) Option {
	return func(g *geocoder) { g.baseURL = u }
}

type geocoder struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
}

// NewClient creates a Census-backed Client.
func NewClient(opts ...Option) Client {
	g := &geocoder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(50, 50), // Census default: 50 req/s
		baseURL:    censusOneLineURL,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Geocode validates addr. An unmatched address is not an error.
func (g *geocoder) Geocode(ctx context.Context, addr AddressInput) (*Result, error) {
	if addr.Empty() {
		return &Result{Matched: false, Source: "census"}, nil
	}
	return g.geocodeCensus(ctx, addr)
}
