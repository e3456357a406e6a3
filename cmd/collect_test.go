package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/config"
	"github.com/cityranker/citystats/internal/model"
	"github.com/cityranker/citystats/internal/output"
	"github.com/cityranker/citystats/internal/source"
	"github.com/cityranker/citystats/internal/store"
)

// countryProvider returns one value per country for every indicator it is
// asked for.
type countryProvider struct {
	name   catalog.Source
	values map[string]float64
	calls  atomic.Int32
}

func (p *countryProvider) Name() catalog.Source { return p.name }

func (p *countryProvider) Fetch(_ context.Context, e model.Entity, inds []*catalog.Indicator) map[string]model.Outcome {
	p.calls.Add(1)
	out := make(map[string]model.Outcome, len(inds))
	for _, ind := range inds {
		if v, ok := p.values[e.Country]; ok {
			out[ind.Key] = ind.Validate(string(p.name), v)
		} else {
			out[ind.Key] = model.Absent(string(p.name), "no data")
		}
	}
	return out
}

func geoRow(id, name, cc, pop string) string {
	f := make([]string, 19)
	f[0] = id
	f[1] = name
	f[2] = name
	f[4] = "50.0"
	f[5] = "14.0"
	f[6] = "P"
	f[7] = "PPLA"
	f[8] = cc
	f[14] = pop
	return strings.Join(f, "\t")
}

func writeGazetteer(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "cities15000.txt")
	rows := []string{
		geoRow("3067696", "Prague", "CZ", "1165581"),
		geoRow("2988507", "Paris", "FR", "2138551"),
		geoRow("2950159", "Berlin", "DE", "3426354"),
		geoRow("1", "Smallville", "FR", "9000"),
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(rows, "\n")+"\n"), 0o644))
	return path
}

func testConfig(dir string) *config.Config {
	return &config.Config{
		Collect: config.CollectConfig{
			MinPopulation: 15000,
			MaxWorkers:    2,
			SnapshotEvery: 2,
			Output:        filepath.Join(dir, "out", "cities.json"),
			GapFill:       config.GapFillOff,
			Loader:        config.LoaderGeoNames,
		},
		GeoNames: config.GeoNamesConfig{File: filepath.Join(dir, "cities15000.txt")},
		Cache:    config.CacheConfig{Driver: "none"},
		Store:    config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "test.db")},
	}
}

func newTestEnv(t *testing.T, keys []string, providers ...source.Provider) *pipelineEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	cat, err := catalog.Default()
	require.NoError(t, err)
	inds, err := cat.Select(keys)
	require.NoError(t, err)

	env := &pipelineEnv{Store: st, Catalog: cat, Indicators: inds, Providers: providers}
	t.Cleanup(env.Close)
	return env
}

func TestCollectFlags_OverrideConfig(t *testing.T) {
	cmd := &cobra.Command{Use: "collect"}
	collectFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{
		"--top-n", "25",
		"--workers", "4",
		"--output", "x.csv",
		"--indicators", "gdp_per_capita,hdi",
		"--required", "hdi",
		"--gap-fill", "batch",
	}))

	col := config.CollectConfig{TopN: 1000, MinPopulation: 15000, MaxWorkers: 8, Output: "data/cities.json", Loader: "geonames"}
	applyCollectFlags(cmd, &col)

	assert.Equal(t, 25, col.TopN)
	assert.Equal(t, 4, col.MaxWorkers)
	assert.Equal(t, "x.csv", col.Output)
	assert.Equal(t, []string{"gdp_per_capita", "hdi"}, col.Indicators)
	assert.Equal(t, []string{"hdi"}, col.Required)
	assert.Equal(t, "batch", col.GapFill)
	// Untouched flags keep the configured value.
	assert.Equal(t, int64(15000), col.MinPopulation)
	assert.Equal(t, "geonames", col.Loader)
}

func TestSelectIndicators(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)

	inds, err := selectIndicators(cat, []string{"gdp_per_capita"}, []string{"hdi"})
	require.NoError(t, err)
	require.Len(t, inds, 2)
	assert.Equal(t, "gdp_per_capita", inds[0].Key)
	assert.Equal(t, "hdi", inds[1].Key)

	all, err := selectIndicators(cat, nil, []string{"hdi"})
	require.NoError(t, err)
	assert.Len(t, all, len(cat.Keys()))

	_, err = selectIndicators(cat, nil, []string{"nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestRunCollect_GeoNames(t *testing.T) {
	dir := t.TempDir()
	writeGazetteer(t, dir)
	cfg = testConfig(dir)
	cfg.Collect.Required = []string{"gdp_per_capita"}

	// A previous output must survive as the backup.
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Collect.Output), 0o755))
	require.NoError(t, os.WriteFile(cfg.Collect.Output, []byte(`[{"id":1}]`), 0o644))

	wb := &countryProvider{name: catalog.SourceWorldBank, values: map[string]float64{"FR": 44000, "DE": 51000}}
	env := newTestEnv(t, []string{"gdp_per_capita"}, wb)

	result, err := runCollect(context.Background(), env, func(ctx context.Context) ([]model.Entity, error) {
		return loadGeoNames(ctx, nil)
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Entities)
	assert.Equal(t, 3, result.Collected)
	assert.Equal(t, 2, result.Written)
	assert.Equal(t, 1, result.FilteredOut)
	assert.Equal(t, 1, result.Snapshots)
	assert.Equal(t, 2, result.FieldsFound)
	assert.Equal(t, output.BackupPath(cfg.Collect.Output), result.Backup)
	assert.Equal(t, int32(3), wb.calls.Load())

	backup, err := os.ReadFile(result.Backup)
	require.NoError(t, err)
	assert.Equal(t, `[{"id":1}]`, string(backup))

	records, err := output.ReadRecords(cfg.Collect.Output)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Berlin", records[0].Name)
	assert.Equal(t, "Paris", records[1].Name)
	assert.InDelta(t, 51000, records[0].Values["gdp_per_capita"], 1e-9)

	runs, err := env.Store.ListRuns(context.Background(), store.RunFilter{Command: "collect"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
	require.NotNil(t, runs[0].Result)
	assert.Equal(t, 2, runs[0].Result.Written)
	assert.Equal(t, []string{"gdp_per_capita"}, runs[0].Params.Indicators)
}

func TestRunCollect_LoadFailureMarksRunFailed(t *testing.T) {
	dir := t.TempDir()
	cfg = testConfig(dir)
	env := newTestEnv(t, []string{"gdp_per_capita"})

	_, err := runCollect(context.Background(), env, func(context.Context) ([]model.Entity, error) {
		return nil, eris.New("gazetteer unavailable")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gazetteer unavailable")

	runs, err := env.Store.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	require.NotNil(t, runs[0].Result)
	assert.Contains(t, runs[0].Result.Error, "gazetteer unavailable")

	_, statErr := os.Stat(cfg.Collect.Output)
	assert.True(t, os.IsNotExist(statErr), "no output is written when loading fails")
}

func TestRunCollect_InterruptedStillWritesOutput(t *testing.T) {
	dir := t.TempDir()
	cfg = testConfig(dir)
	env := newTestEnv(t, []string{"gdp_per_capita"},
		&countryProvider{name: catalog.SourceWorldBank, values: map[string]float64{"FR": 44000}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := runCollect(ctx, env, func(context.Context) ([]model.Entity, error) {
		return []model.Entity{{ID: 1, Name: "Paris", Country: "FR", Population: 2138551}}, nil
	})
	require.NoError(t, err)
	assert.True(t, result.Interrupted)
	assert.Equal(t, 0, result.Written)

	data, err := os.ReadFile(cfg.Collect.Output)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	runs, err := env.Store.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusInterrupted, runs[0].Status)
}

func TestLoadGeoNames_BBoxAndMissingFile(t *testing.T) {
	dir := t.TempDir()
	writeGazetteer(t, dir)
	cfg = testConfig(dir)

	cfg.Collect.BBox = "0,0,1,1"
	got, err := loadGeoNames(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	cfg.Collect.BBox = "not,a,box"
	_, err = loadGeoNames(context.Background(), nil)
	require.Error(t, err)

	cfg.Collect.BBox = ""
	cfg.GeoNames.File = filepath.Join(dir, "missing.txt")
	_, err = loadGeoNames(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no download url")
}

func TestFormatRunResult(t *testing.T) {
	var buf strings.Builder
	formatRunResult(&buf, &model.RunResult{
		Entities:    10,
		Collected:   8,
		Written:     7,
		FilteredOut: 1,
		Abandoned:   2,
		Output:      "data/cities.json",
		Backup:      "data/cities_backup.json",
		Interrupted: true,
	})

	out := buf.String()
	assert.Contains(t, out, "Written:")
	assert.Contains(t, out, "Filtered out:")
	assert.Contains(t, out, "Abandoned:")
	assert.Contains(t, out, "data/cities_backup.json")
	assert.Contains(t, out, "Interrupted:")
	assert.NotContains(t, out, "Error:")
}
