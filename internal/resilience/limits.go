package resilience

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limits holds the tiered concurrency limits: one for database-bound work and
// a separate, usually smaller, one for AI calls. Both are independent of chunk size.
type Limits struct {
	db     *semaphore.Weighted
	ai     *semaphore.Weighted
	aiRate *rate.Limiter
}

// NewLimits creates limiters. aiRPS <= 0 disables AI rate limiting.
func NewLimits(dbConcurrency, aiConcurrency int, aiRPS float64) *Limits {
	if dbConcurrency <= 0 {
		dbConcurrency = 8
	}
	if aiConcurrency <= 0 {
		aiConcurrency = 4
	}
	l := &Limits{
		db: semaphore.NewWeighted(int64(dbConcurrency)),
		ai: semaphore.NewWeighted(int64(aiConcurrency)),
	}
	if aiRPS > 0 {
		burst := int(aiRPS)
		if burst < 1 {
			burst = 1
		}
		l.aiRate = rate.NewLimiter(rate.Limit(aiRPS), burst)
	}
	return l
}

// DB acquires a database slot. The returned release must be called exactly once.
func (l *Limits) DB(ctx context.Context) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	if err := l.db.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "resilience: acquire db slot")
	}
	return func() { l.db.Release(1) }, nil
}

// AI acquires an AI slot and waits for the rate limiter.
func (l *Limits) AI(ctx context.Context) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	if err := l.ai.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "resilience: acquire ai slot")
	}
	if l.aiRate != nil {
		if err := l.aiRate.Wait(ctx); err != nil {
			l.ai.Release(1)
			return nil, eris.Wrap(err, "resilience: ai rate limit")
		}
	}
	return func() { l.ai.Release(1) }, nil
}
