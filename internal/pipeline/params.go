package pipeline

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/model"
)

// CountryLookup finds a country-level indicator value.
// *source.WikiTable satisfies it.
type CountryLookup interface {
	Lookup(ctx context.Context, ind *catalog.Indicator, country string) model.Outcome
}

// ParamTable holds country-level values keyed by indicator, then country.
// Absent values have no entry.
type ParamTable struct {
	Parameters map[string]map[string]float64 `json:"parameters"`
	Estimated  map[string][]string           `json:"estimated,omitempty"`
}

// Header implements output.Document.
func (t *ParamTable) Header() []string {
	return []string{"indicator", "country", "value", "estimated"}
}

// NumericColumns implements output.ColumnTyper.
func (t *ParamTable) NumericColumns() []bool {
	return []bool{false, false, true, false}
}

// Rows implements output.Document, ordered by indicator then country.
func (t *ParamTable) Rows() [][]string {
	var rows [][]string
	for _, key := range slices.Sorted(maps.Keys(t.Parameters)) {
		byCountry := t.Parameters[key]
		for _, country := range slices.Sorted(maps.Keys(byCountry)) {
			est := ""
			if slices.Contains(t.Estimated[key], country) {
				est = "true"
			}
			rows = append(rows, []string{key, country, strconv.FormatFloat(byCountry[country], 'f', -1, 64), est})
		}
	}
	return rows
}

// Countries returns the distinct canonical country names of records, sorted.
func Countries(records []*model.Record, cat *catalog.Catalog) []string {
	seen := make(map[string]bool)
	for _, rec := range records {
		name := rec.DisplayCountry()
		if cat != nil {
			name = cat.CanonicalCountry(name)
		}
		if name != "" {
			seen[name] = true
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// ParamBuilder fills a ParamTable from country lookups, then batch-fills
// the gaps when a Filler is set.
type ParamBuilder struct {
	Lookup    CountryLookup
	Filler    BatchFiller
	Workers   int
	BatchSize int
}

// Build looks up every indicator for every country.
func (b *ParamBuilder) Build(ctx context.Context, inds []*catalog.Indicator, countries []string) *ParamTable {
	table := &ParamTable{
		Parameters: make(map[string]map[string]float64, len(inds)),
		Estimated:  make(map[string][]string),
	}
	for _, ind := range inds {
		table.Parameters[ind.Key] = make(map[string]float64)
	}

	workers := b.Workers
	if workers <= 0 {
		workers = 1
	}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(workers)
	for _, ind := range inds {
		for _, country := range countries {
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				o := b.Lookup.Lookup(ctx, ind, country)
				if !o.OK() {
					zap.L().Debug("pipeline: parameter missing",
						zap.String("indicator", ind.Key), zap.String("country", country), zap.String("status", string(o.Status)))
					return nil
				}
				mu.Lock()
				table.Parameters[ind.Key][country] = o.Value
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	if b.Filler != nil {
		b.fill(ctx, table, inds, countries)
	}
	for key, list := range table.Estimated {
		slices.Sort(list)
		table.Estimated[key] = list
	}
	return table
}

func (b *ParamBuilder) fill(ctx context.Context, table *ParamTable, inds []*catalog.Indicator, countries []string) {
	size := b.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	for _, ind := range inds {
		if !ind.Estimable() {
			continue
		}
		known := table.Parameters[ind.Key]
		for chunk := range slices.Chunk(countries, size) {
			if ctx.Err() != nil {
				return
			}
			values := make(map[string]*float64, len(chunk))
			missing := false
			for _, country := range chunk {
				if v, ok := known[country]; ok {
					values[country] = &v
				} else {
					values[country] = nil
					missing = true
				}
			}
			if !missing {
				continue
			}
			out, est := b.Filler.FillBatch(ctx, ind, values)
			for country := range est {
				if v := out[country]; v != nil {
					known[country] = *v
					table.Estimated[ind.Key] = append(table.Estimated[ind.Key], country)
				}
			}
		}
	}
}
