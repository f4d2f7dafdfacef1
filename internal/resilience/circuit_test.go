package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnavailable = &StatusError{Service: "test", StatusCode: 503}

func newTestBreaker(threshold int, reset time.Duration) (*Breaker, *time.Time) {
	now := time.Unix(1000, 0)
	b := NewBreaker(BreakerConfig{FailureThreshold: threshold, ResetTimeout: reset})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.Record(errUnavailable)
	}
	assert.Equal(t, CircuitOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.Record(errUnavailable)
	b.Record(errUnavailable)
	b.Record(nil)
	b.Record(errUnavailable)
	b.Record(errUnavailable)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_NonTransientDoesNotTrip(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	b.Record(errors.New("bad request"))
	b.Record(&StatusError{Service: "test", StatusCode: 400})
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	b.Record(errUnavailable)
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	*now = now.Add(time.Minute)
	assert.Equal(t, CircuitHalfOpen, b.State())
	require.NoError(t, b.Allow())

	b.Record(errUnavailable)
	assert.Equal(t, CircuitOpen, b.State())

	*now = now.Add(time.Minute)
	require.NoError(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	b.Record(errUnavailable)
	b.Reset()
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}
