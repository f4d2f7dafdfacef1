package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_Success(t *testing.T) {
	p := &Policy{Name: CallAI, Timeout: time.Second, Breaker: NewBreaker(BreakerConfig{})}
	v, err := Do(context.Background(), p, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestDo_NilPolicy(t *testing.T) {
	v, err := Do(context.Background(), nil, func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDo_TimeoutTripsBreaker(t *testing.T) {
	p := &Policy{
		Name:    CallAddress,
		Timeout: 10 * time.Millisecond,
		Breaker: NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}),
	}
	_, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, CircuitOpen, p.Breaker.State())

	called := false
	_, err = Do(context.Background(), p, func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCall_Fallback(t *testing.T) {
	boom := errors.New("boom")
	v, err := Call(context.Background(), &Policy{Name: CallPredict}, "default", func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "default", v)
}

func TestNewPolicies(t *testing.T) {
	var seen []CallType
	ps := NewPolicies(map[CallType]time.Duration{CallAI: 3 * time.Second},
		BreakerConfig{FailureThreshold: 1},
		func(ct CallType, _ CircuitState) { seen = append(seen, ct) })

	require.NotNil(t, ps.Get(CallDB))
	assert.Equal(t, 3*time.Second, ps.Get(CallAI).Timeout)
	assert.Zero(t, ps.Get(CallDB).Timeout)

	ps.Get(CallCardNet).Breaker.Record(&StatusError{StatusCode: 500})
	assert.Equal(t, []CallType{CallCardNet}, seen)

	var nilPolicies Policies
	assert.Nil(t, nilPolicies.Get(CallAI))
}

func TestLimits(t *testing.T) {
	l := NewLimits(1, 1, 0)
	ctx := context.Background()

	release, err := l.DB(ctx)
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = l.DB(blocked)
	assert.Error(t, err)

	release()
	release, err = l.DB(ctx)
	require.NoError(t, err)
	release()

	aiRelease, err := l.AI(ctx)
	require.NoError(t, err)
	aiRelease()

	var nilLimits *Limits
	r, err := nilLimits.AI(ctx)
	require.NoError(t, err)
	r()
}
