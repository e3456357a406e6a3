// Package source implements the indicator providers. A provider never
// returns an error to its caller: every requested indicator comes back as a
// model.Outcome that says whether the value was found, absent, failed or
// rejected.
package source

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/model"
)

// Provider fetches indicator values for one entity.
type Provider interface {
	// Name is the catalog source the provider serves.
	Name() catalog.Source

	// Fetch returns one outcome per indicator in inds.
	Fetch(ctx context.Context, e model.Entity, inds []*catalog.Indicator) map[string]model.Outcome
}

// Client is the HTTP surface providers need. *fetcher.HTTPFetcher
// satisfies it.
type Client interface {
	Get(ctx context.Context, url string, header http.Header) ([]byte, http.Header, error)
	GetJSON(ctx context.Context, url string, v any) error
}

// memo computes each key once per run. Concurrent callers for the same key
// share one computation. Results computed under a cancelled context are not
// kept.
type memo[V any] struct {
	group singleflight.Group
	mu    sync.Mutex
	done  map[string]V
}

func (m *memo[V]) get(ctx context.Context, key string, fn func(ctx context.Context) V) V {
	m.mu.Lock()
	if v, ok := m.done[key]; ok {
		m.mu.Unlock()
		return v
	}
	m.mu.Unlock()

	v, _, _ := m.group.Do(key, func() (any, error) {
		v := fn(ctx)
		if ctx.Err() == nil {
			m.mu.Lock()
			if m.done == nil {
				m.done = make(map[string]V)
			}
			m.done[key] = v
			m.mu.Unlock()
		}
		return v, nil
	})
	return v.(V)
}

// each fills one outcome per indicator with the same value.
func each(inds []*catalog.Indicator, o model.Outcome) map[string]model.Outcome {
	out := make(map[string]model.Outcome, len(inds))
	for _, ind := range inds {
		out[ind.Key] = o
	}
	return out
}
