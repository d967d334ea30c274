package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// tenantLimiter enforces the per-tenant cap on concurrently running
// executions with one weighted semaphore per tenant key.
type tenantLimiter struct {
	mu    sync.Mutex
	sems  map[string]*semaphore.Weighted
	limit int64
}

func newTenantLimiter(limit int64) *tenantLimiter {
	if limit <= 0 {
		limit = 4
	}
	return &tenantLimiter{
		sems:  make(map[string]*semaphore.Weighted),
		limit: limit,
	}
}

func (l *tenantLimiter) sem(tenantID string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sems[tenantID]
	if !ok {
		s = semaphore.NewWeighted(l.limit)
		l.sems[tenantID] = s
	}
	return s
}

// acquire blocks until the tenant has a free execution slot or the
// context ends.
func (l *tenantLimiter) acquire(ctx context.Context, tenantID string) error {
	return l.sem(tenantID).Acquire(ctx, 1)
}

func (l *tenantLimiter) release(tenantID string) {
	l.sem(tenantID).Release(1)
}
