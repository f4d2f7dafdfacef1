package resilience

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CallType names a class of external call sharing one policy.
type CallType string

const (
	CallDB      CallType = "db"
	CallAI      CallType = "ai"
	CallAddress CallType = "address"
	CallCardNet CallType = "cardnet"
	CallPredict CallType = "predict"
)

// Policy bounds one call type with a timeout and a circuit breaker. Failed
// calls are not retried; callers fall back to their safe default.
type Policy struct {
	Name    CallType
	Timeout time.Duration
	Breaker *Breaker
}

// Do runs fn under the policy. The returned error is ErrCircuitOpen when the
// breaker rejects the call, or fn's error (a deadline error on timeout).
func Do[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p == nil {
		return fn(ctx)
	}
	if p.Breaker != nil {
		if err := p.Breaker.Allow(); err != nil {
			return zero, eris.Wrapf(err, "resilience: %s", p.Name)
		}
	}

	callCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	v, err := fn(callCtx)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = eris.Wrapf(context.DeadlineExceeded, "resilience: %s timed out after %s", p.Name, p.Timeout)
	}
	if p.Breaker != nil {
		p.Breaker.Record(err)
	}
	if err != nil {
		return zero, err
	}
	return v, nil
}

// Call is Do with a fallback value substituted on any error. The error is
// still returned so callers can flag the degraded outcome.
func Call[T any](ctx context.Context, p *Policy, fallback T, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := Do(ctx, p, fn)
	if err != nil {
		zap.L().Debug("resilience: using fallback",
			zap.String("call", string(policyName(p))),
			zap.Error(err),
		)
		return fallback, err
	}
	return v, nil
}

func policyName(p *Policy) CallType {
	if p == nil {
		return ""
	}
	return p.Name
}

// Policies holds one Policy per call type.
type Policies map[CallType]*Policy

// NewPolicies builds policies for every call type from per-type timeouts and a
// shared breaker config. onChange, if set, observes breaker transitions.
func NewPolicies(timeouts map[CallType]time.Duration, cfg BreakerConfig, onChange func(CallType, CircuitState)) Policies {
	ps := make(Policies)
	for _, ct := range []CallType{CallDB, CallAI, CallAddress, CallCardNet, CallPredict} {
		bc := cfg
		if onChange != nil {
			name := ct
			bc.OnStateChange = func(_, to CircuitState) { onChange(name, to) }
		}
		ps[ct] = &Policy{Name: ct, Timeout: timeouts[ct], Breaker: NewBreaker(bc)}
	}
	return ps
}

// Get returns the policy for ct, or nil when none is configured.
func (ps Policies) Get(ct CallType) *Policy {
	if ps == nil {
		return nil
	}
	return ps[ct]
}
