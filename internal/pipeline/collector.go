// Package pipeline turns gazetteer entities into records: per-entity
// provider fan-out, a bounded worker pool over entities, and the
// aggregation steps that run before output.
package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/model"
	"github.com/cityranker/citystats/internal/source"
)

// Estimator produces a single estimate for an entity.
type Estimator interface {
	Estimate(ctx context.Context, ind *catalog.Indicator, e model.Entity) model.Outcome
}

// Collector gathers every selected indicator for one entity.
type Collector struct {
	catalog    *catalog.Catalog
	indicators []*catalog.Indicator
	providers  map[catalog.Source]source.Provider
	countries  source.CountryResolver
	estimator  Estimator
}

// NewCollector builds a Collector. countries and estimator may be nil; a nil
// estimator disables single-mode gap filling.
func NewCollector(cat *catalog.Catalog, inds []*catalog.Indicator, providers []source.Provider, countries source.CountryResolver, estimator Estimator) *Collector {
	byName := make(map[catalog.Source]source.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Collector{
		catalog:    cat,
		indicators: inds,
		providers:  byName,
		countries:  countries,
		estimator:  estimator,
	}
}

// Indicators returns the indicators the collector fetches.
func (c *Collector) Indicators() []*catalog.Indicator {
	return c.indicators
}

// Enrich fills the identity fields the gazetteer does not carry.
func (c *Collector) Enrich(ctx context.Context, e model.Entity) model.Entity {
	if e.CountryName == "" && c.countries != nil && e.Country != "" {
		if country, ok := c.countries.Country(ctx, e.Country); ok {
			e.CountryName = country.Name
		}
	}
	if e.Continent == "" && c.catalog != nil {
		e.Continent = c.catalog.Continent(e.Country)
	}
	return e
}

// Collect enriches e, queries every provider concurrently, then estimates
// the estimable indicators that are still missing.
func (c *Collector) Collect(ctx context.Context, e model.Entity) *model.Record {
	e = c.Enrich(ctx, e)
	rec := model.NewRecord(e)
	log := zap.L().With(zap.String("entity", e.Name), zap.String("country", e.Country))

	groups := make(map[catalog.Source][]*catalog.Indicator)
	var order []catalog.Source
	for _, ind := range c.indicators {
		if _, seen := groups[ind.Source]; !seen {
			order = append(order, ind.Source)
		}
		groups[ind.Source] = append(groups[ind.Source], ind)
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, src := range order {
		inds := groups[src]
		p, ok := c.providers[src]
		if !ok {
			mu.Lock()
			for _, ind := range inds {
				rec.Apply(ind.Key, model.Absent(string(src), "no provider"))
			}
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			outcomes := p.Fetch(ctx, e, inds)
			mu.Lock()
			defer mu.Unlock()
			for _, ind := range inds {
				o, ok := outcomes[ind.Key]
				if !ok {
					o = model.Absent(string(src), "not returned")
				}
				rec.Apply(ind.Key, o)
			}
			return nil
		})
	}
	_ = g.Wait()

	if c.estimator != nil && ctx.Err() == nil {
		for _, ind := range c.indicators {
			if !ind.Estimable() || rec.Has(ind.Key) {
				continue
			}
			rec.Apply(ind.Key, c.estimator.Estimate(ctx, ind, e))
		}
	}

	for _, ind := range c.indicators {
		o := rec.Outcomes[ind.Key]
		switch o.Status {
		case model.StatusFound:
		case model.StatusFailed:
			log.Warn("pipeline: lookup failed", zap.String("indicator", ind.Key), zap.String("source", o.Source), zap.String("error", o.Detail))
		default:
			log.Debug("pipeline: indicator missing", zap.String("indicator", ind.Key), zap.String("source", o.Source), zap.String("status", string(o.Status)), zap.String("detail", o.Detail))
		}
	}
	return rec
}
