package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/payee-cli/internal/resilience"
)

const (
	censusOneLineURL = "https://geocoding.geo.census.gov/geocoder/locations/onelineaddress"
	censusBenchmark  = "Public_AR_Current"
)

// censusOneLineResponse is the JSON response from the Census single-address API.
type censusOneLineResponse struct {
	Result struct {
		AddressMatches []censusAddressMatch `json:"addressMatches"`
	} `json:"result"`
}

type censusAddressMatch struct {
	Coordinates struct {
		X float64 `json:"x"` // longitude
		Y float64 `json:"y"` // latitude
	} `json:"coordinates"`
	MatchedAddress    string `json:"matchedAddress"`
	AddressComponents struct {
		Zip   string `json:"zip"`
		City  string `json:"city"`
		State string `json:"state"`
	} `json:"addressComponents"`
}

func (g *geocoder) geocodeCensus(ctx context.Context, addr AddressInput) (*Result, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "geocode: census rate limit")
	}

	params := url.Values{
		"address":   {formatOneLine(addr)},
		"benchmark": {censusBenchmark},
		"format":    {"json"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: census build request")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: census request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "geocode: census read body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Wrap(&resilience.StatusError{Service: "census", StatusCode: resp.StatusCode, Body: string(body)}, "geocode: census")
	}

	var censusResp censusOneLineResponse
	if err := json.Unmarshal(body, &censusResp); err != nil {
		return nil, eris.Wrap(err, "geocode: census parse response")
	}
	if len(censusResp.Result.AddressMatches) == 0 {
		return &Result{Matched: false, Source: "census"}, nil
	}

	match := censusResp.Result.AddressMatches[0]
	res := &Result{
		Matched:        true,
		MatchedAddress: match.MatchedAddress,
		Latitude:       match.Coordinates.Y,
		Longitude:      match.Coordinates.X,
		Source:         "census",
		Quality:        "rooftop",
	}
	if len(censusResp.Result.AddressMatches) > 1 {
		res.Quality = "approximate"
	}
	res.Street, res.City, res.State, res.Zip = splitMatchedAddress(match.MatchedAddress)
	if c := match.AddressComponents; c.Zip != "" {
		res.City, res.State, res.Zip = c.City, c.State, c.Zip
	}
	return res, nil
}

// splitMatchedAddress splits "STREET, CITY, ST, ZIP" into its parts.
func splitMatchedAddress(s string) (street, city, state, zip string) {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) < 4 {
		return s, "", "", ""
	}
	n := len(parts)
	return strings.Join(parts[:n-3], ", "), parts[n-3], parts[n-2], parts[n-1]
}

// formatOneLine formats an address as a single line for the Census API.
func formatOneLine(addr AddressInput) string {
	var nonEmpty []string
	for _, p := range []string{addr.Street, addr.City, addr.State, addr.ZipCode} {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ", ")
}
