package geocode

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/payee-cli/internal/resilience"
)

func newTestClient(srvURL string) Client {
	return NewClient(WithBaseURL(srvURL), WithRateLimit(1000))
}

func TestGeocode_Match(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1600 Pennsylvania Ave NW, Washington, DC, 20500", r.URL.Query().Get("address"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"result": {
				"addressMatches": [{
					"coordinates": {"x": -77.0365, "y": 38.8977},
					"matchedAddress": "1600 PENNSYLVANIA AVE NW, WASHINGTON, DC, 20500"
				}]
			}
		}`)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Geocode(context.Background(), AddressInput{
		Street: "1600 Pennsylvania Ave NW", City: "Washington", State: "DC", ZipCode: "20500",
	})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.InDelta(t, 38.8977, res.Latitude, 0.0001)
	assert.InDelta(t, -77.0365, res.Longitude, 0.0001)
	assert.Equal(t, "1600 PENNSYLVANIA AVE NW", res.Street)
	assert.Equal(t, "WASHINGTON", res.City)
	assert.Equal(t, "DC", res.State)
	assert.Equal(t, "20500", res.Zip)
	assert.Equal(t, "rooftop", res.Quality)
}

func TestGeocode_ComponentsPreferred(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"result":{"addressMatches":[
			{"coordinates":{"x":1,"y":2},"matchedAddress":"1 MAIN ST, X, TX, 75000",
			 "addressComponents":{"zip":"75201","city":"DALLAS","state":"TX"}},
			{"coordinates":{"x":3,"y":4},"matchedAddress":"1 MAIN ST, Y, TX, 75001"}
		]}}`)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Geocode(context.Background(), AddressInput{Street: "1 Main St", State: "TX"})
	require.NoError(t, err)
	assert.Equal(t, "DALLAS", res.City)
	assert.Equal(t, "75201", res.Zip)
	assert.Equal(t, "approximate", res.Quality)
}

func TestGeocode_NoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"result": {"addressMatches": []}}`)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Geocode(context.Background(), AddressInput{Street: "123 Nowhere St"})
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestGeocode_EmptyAddressSkipsCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Geocode(context.Background(), AddressInput{City: "  "})
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.False(t, called)
}

func TestGeocode_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Geocode(context.Background(), AddressInput{Street: "1 Main"})
	require.Error(t, err)
	var se *resilience.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.True(t, resilience.IsTransient(err))
}

func TestGeocode_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `<html>`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Geocode(context.Background(), AddressInput{Street: "1 Main"})
	assert.Error(t, err)
}

func TestSplitMatchedAddress(t *testing.T) {
	street, city, state, zip := splitMatchedAddress("1 MAIN ST, STE 2, DALLAS, TX, 75201")
	assert.Equal(t, "1 MAIN ST, STE 2", street)
	assert.Equal(t, "DALLAS", city)
	assert.Equal(t, "TX", state)
	assert.Equal(t, "75201", zip)

	street, city, _, _ = splitMatchedAddress("weird")
	assert.Equal(t, "weird", street)
	assert.Empty(t, city)
}
