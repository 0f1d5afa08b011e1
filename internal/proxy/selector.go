package proxy

import (
	"context"
	"sync"

	"github.com/multiverselabs/inference-gateway/internal/registry"
)

// Selector distributes requests across the healthy servers of a model using
// round-robin. Cursors are process-local; the registry provides the
// deterministic ring ordering.
type Selector struct {
	store *registry.Store

	mu      sync.Mutex
	cursors map[string]uint64
}

func NewSelector(store *registry.Store) *Selector {
	return &Selector{
		store:   store,
		cursors: make(map[string]uint64),
	}
}

// Select returns the next healthy server for model, or nil when none exists.
func (s *Selector) Select(ctx context.Context, model string) (*registry.Server, error) {
	return s.SelectExcluding(ctx, model, nil)
}

// SelectExcluding returns the next healthy server for model whose
// registration id is not in excluded, advancing the model's cursor. Returns
// nil when every healthy server is excluded or none exists.
func (s *Selector) SelectExcluding(ctx context.Context, model string, excluded map[string]bool) (*registry.Server, error) {
	ring, err := s.store.FindHealthy(ctx, model)
	if err != nil {
		return nil, err
	}

	if len(excluded) > 0 {
		filtered := ring[:0]
		for _, srv := range ring {
			if !excluded[srv.RegistrationID] {
				filtered = append(filtered, srv)
			}
		}
		ring = filtered
	}
	if len(ring) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	k := s.cursors[model]
	s.cursors[model] = k + 1
	s.mu.Unlock()

	return ring[k%uint64(len(ring))], nil
}
