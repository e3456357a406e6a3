package pipeline

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cityranker/citystats/internal/model"
)

// CollectFunc produces the record for one entity.
type CollectFunc func(ctx context.Context, e model.Entity) *model.Record

// SnapshotFunc receives the records completed so far, in completion order.
type SnapshotFunc func(records []*model.Record) error

// Runner drives a CollectFunc over many entities with a bounded pool.
type Runner struct {
	Collect       CollectFunc
	Workers       int
	SnapshotEvery int
	OnSnapshot    SnapshotFunc
}

// RunStats counts what happened to each entity.
type RunStats struct {
	Total       int
	Completed   int
	Abandoned   int
	NotStarted  int
	Snapshots   int
	Interrupted bool
}

// Run collects every entity. Records are returned in completion order. When
// ctx is cancelled no further entities start, entities in flight are
// abandoned, and the records completed so far are returned.
func (r *Runner) Run(ctx context.Context, entities []model.Entity) ([]*model.Record, RunStats) {
	workers := r.Workers
	if workers <= 0 {
		workers = 1
	}
	stats := RunStats{Total: len(entities)}

	var (
		mu      sync.Mutex
		records = make([]*model.Record, 0, len(entities))
		started int
	)

	complete := func(rec *model.Record) {
		mu.Lock()
		defer mu.Unlock()
		records = append(records, rec)
		stats.Completed++
		n := stats.Completed
		if r.OnSnapshot == nil || r.SnapshotEvery <= 0 || n%r.SnapshotEvery != 0 || n >= stats.Total {
			return
		}
		if err := r.OnSnapshot(slices.Clone(records)); err != nil {
			zap.L().Warn("pipeline: snapshot failed", zap.Int("completed", n), zap.Error(err))
			return
		}
		stats.Snapshots++
		zap.L().Info("pipeline: snapshot written", zap.Int("completed", n), zap.Int("total", stats.Total))
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, e := range entities {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			mu.Lock()
			started++
			mu.Unlock()

			rec := r.Collect(ctx, e)
			if ctx.Err() != nil {
				mu.Lock()
				stats.Abandoned++
				mu.Unlock()
				zap.L().Warn("pipeline: entity abandoned", zap.String("entity", e.Name), zap.Int64("id", e.ID))
				return nil
			}
			complete(rec)
			return nil
		})
	}
	_ = g.Wait()

	stats.NotStarted = stats.Total - started
	stats.Interrupted = ctx.Err() != nil
	if stats.Interrupted {
		zap.L().Warn("pipeline: run interrupted",
			zap.Int("completed", stats.Completed),
			zap.Int("abandoned", stats.Abandoned),
			zap.Int("not_started", stats.NotStarted),
		)
	}
	return records, stats
}
