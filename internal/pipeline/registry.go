package pipeline

import (
	"context"
	"sync"
)

// registry maps in-flight batch ids to their cancel functions.
type registry struct {
	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

func newRegistry() *registry {
	return &registry{cancel: make(map[string]context.CancelFunc)}
}

// track derives a cancellable context for batchID. The returned release
// removes the entry and must be called when the batch ends.
func (r *registry) track(ctx context.Context, batchID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel[batchID] = cancel
	r.mu.Unlock()
	return ctx, func() {
		r.mu.Lock()
		delete(r.cancel, batchID)
		r.mu.Unlock()
		cancel()
	}
}

// stop cancels batchID and reports whether it was in flight.
func (r *registry) stop(batchID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancel[batchID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *registry) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.cancel))
	for id := range r.cancel {
		ids = append(ids, id)
	}
	return ids
}
