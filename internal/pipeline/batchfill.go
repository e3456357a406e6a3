package pipeline

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/gapfill"
	"github.com/cityranker/citystats/internal/model"
)

// BatchFiller fills the nil values of one indicator in a single request.
type BatchFiller interface {
	FillBatch(ctx context.Context, ind *catalog.Indicator, values map[string]*float64) (map[string]*float64, gapfill.Estimates)
}

const defaultBatchSize = 50

// FillMissing runs batch gap filling over records for every estimable
// indicator in inds, at most batchSize entities per request. Only missing
// values are filled and each fill is marked as an estimate. It returns the
// number of values filled.
func FillMissing(ctx context.Context, filler BatchFiller, records []*model.Record, inds []*catalog.Indicator, batchSize int) int {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	labels := make([]string, len(records))
	byLabel := make(map[string]*model.Record, len(records))
	for i, rec := range records {
		label := fmt.Sprintf("%s, %s", rec.Name, rec.DisplayCountry())
		if _, dup := byLabel[label]; dup {
			label = fmt.Sprintf("%s, %s (%d)", rec.Name, rec.DisplayCountry(), rec.ID)
		}
		labels[i] = label
		byLabel[label] = rec
	}

	filled := 0
	for _, ind := range inds {
		if !ind.Estimable() {
			continue
		}
		for chunk := range slices.Chunk(labels, batchSize) {
			if ctx.Err() != nil {
				return filled
			}
			values := make(map[string]*float64, len(chunk))
			missing := 0
			for _, label := range chunk {
				rec := byLabel[label]
				if v, ok := rec.Values[ind.Key]; ok {
					values[label] = &v
				} else {
					values[label] = nil
					missing++
				}
			}
			if missing == 0 {
				continue
			}

			out, est := filler.FillBatch(ctx, ind, values)
			for label := range est {
				v := out[label]
				if v == nil {
					continue
				}
				o := model.Found(gapfill.SourceName, *v)
				o.Estimated = true
				byLabel[label].Apply(ind.Key, o)
				filled++
			}
			zap.L().Debug("pipeline: batch fill",
				zap.String("indicator", ind.Key),
				zap.Int("missing", missing),
				zap.Int("filled", len(est)),
			)
		}
	}
	return filled
}
