package pipeline

import (
	"cmp"
	"slices"
	"strings"

	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/model"
)

// FilterRequired keeps the records holding a value for every required key.
// The second result is the number dropped.
func FilterRequired(records []*model.Record, required []string) ([]*model.Record, int) {
	if len(required) == 0 {
		return records, 0
	}
	kept := make([]*model.Record, 0, len(records))
	for _, rec := range records {
		ok := true
		for _, key := range required {
			if !rec.Has(key) {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, rec)
		}
	}
	return kept, len(records) - len(kept)
}

// IncomeIndexKey is the derived field holding a record's income relative to
// the median of the run.
const IncomeIndexKey = "income_index"

// DeriveIncomeIndex sets income_index = base / median(base) on every record
// that holds base, where the median is taken over those records only.
// Records missing base are left untouched, and nothing is derived when the
// median is not positive. An estimated base makes the index estimated too.
// It returns the number of records updated.
func DeriveIncomeIndex(records []*model.Record, base string) int {
	var values []float64
	for _, rec := range records {
		if v, ok := rec.Values[base]; ok {
			values = append(values, v)
		}
	}
	med, ok := median(values)
	if !ok || med <= 0 {
		return 0
	}

	n := 0
	for _, rec := range records {
		v, ok := rec.Values[base]
		if !ok {
			continue
		}
		o := model.Found("derived", v/med)
		o.Estimated = rec.Estimated[base]
		rec.Apply(IncomeIndexKey, o)
		n++
	}
	return n
}

// median returns the middle value, or the mean of the two middle values for
// an even count.
func median(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], true
	}
	return (sorted[mid-1] + sorted[mid]) / 2, true
}

// SortRecords orders records by population descending, then name, then id.
func SortRecords(records []*model.Record) {
	slices.SortStableFunc(records, func(a, b *model.Record) int {
		if c := cmp.Compare(b.Population, a.Population); c != 0 {
			return c
		}
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Summarize counts found, missing and estimated fields over the requested
// indicators and copies the runner's counters.
func Summarize(records []*model.Record, inds []*catalog.Indicator, stats RunStats) model.RunResult {
	res := model.RunResult{
		Entities:    stats.Total,
		Collected:   stats.Completed,
		Abandoned:   stats.Abandoned,
		Snapshots:   stats.Snapshots,
		Interrupted: stats.Interrupted,
	}
	for _, rec := range records {
		for _, ind := range inds {
			if rec.Has(ind.Key) {
				res.FieldsFound++
			} else {
				res.FieldsAbsent++
			}
		}
		res.Estimated += len(rec.Estimated)
	}
	return res
}
