package index

import (
	"context"
	"sync"
)

// schemaGuard runs a backend's schema setup until it first succeeds.
// Unlike sync.Once, a failed attempt is retried on the next call, so a
// backend that is down at startup creates its collection or table once it
// becomes reachable.
type schemaGuard struct {
	mu   sync.Mutex
	done bool
}

func (g *schemaGuard) ensure(ctx context.Context, setup func(context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return nil
	}
	if err := setup(ctx); err != nil {
		return err
	}
	g.done = true
	return nil
}
