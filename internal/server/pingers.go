package server

import (
	"context"
	"fmt"
)

// pingable is anything with a reachability check, e.g. *store.Catalog.
type pingable interface {
	Ping(ctx context.Context) error
}

// CatalogPinger probes the document catalog. It satisfies the Pinger
// interface and is used by GET /api/ready. Index backends are not pinged
// here; their health comes from the monitor.
type CatalogPinger struct {
	// catalog is the store to probe.
	catalog pingable
}

// NewCatalogPinger constructs a CatalogPinger for the given catalog.
func NewCatalogPinger(catalog pingable) *CatalogPinger {
	return &CatalogPinger{catalog: catalog}
}

// Name returns the dependency label used in readiness responses.
func (p *CatalogPinger) Name() string { return "catalog" }

// Ping checks that the catalog database answers.
func (p *CatalogPinger) Ping(ctx context.Context) error {
	if err := p.catalog.Ping(ctx); err != nil {
		return fmt.Errorf("catalog ping failed: %w", err)
	}
	return nil
}
