package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/config"
	"github.com/cityranker/citystats/internal/fetcher"
	"github.com/cityranker/citystats/internal/gazetteer"
	"github.com/cityranker/citystats/internal/model"
	"github.com/cityranker/citystats/internal/output"
	"github.com/cityranker/citystats/internal/pipeline"
	"github.com/cityranker/citystats/internal/resilience"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect indicators for the most populous cities",
	Long:  "Loads cities from the configured gazetteer, queries every indicator source, optionally fills gaps with an LLM, and writes one record per city. SIGINT and SIGTERM stop new work and write what was collected.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		applyCollectFlags(cmd, &cfg.Collect)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "collect")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := runCollect(ctx, env, func(ctx context.Context) ([]model.Entity, error) {
			return loadEntities(ctx, env)
		})
		if result != nil {
			formatRunResult(os.Stdout, result)
		}
		return err
	},
}

func init() {
	collectFlags(collectCmd)
	rootCmd.AddCommand(collectCmd)
}

func collectFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("top-n", 0, "keep only the N most populous cities (0 keeps all)")
	f.Int64("min-population", 0, "drop cities below this population")
	f.Int("workers", 0, "number of cities collected concurrently")
	f.Int("snapshot-every", 0, "write a snapshot after every N completed cities")
	f.String("output", "", "output file path")
	f.String("format", "", "output format: json, csv or xlsx (default: from extension)")
	f.StringSlice("indicators", nil, "indicator keys to collect (default: whole catalog)")
	f.StringSlice("required", nil, "indicator keys every written record must have")
	f.String("gap-fill", "", "LLM gap filling: off, single or batch")
	f.String("loader", "", "city source: geonames or wikidata")
	f.String("bbox", "", "bounding box filter minLon,minLat,maxLon,maxLat (geonames only)")
}

// applyCollectFlags copies every flag the operator set over the loaded
// configuration.
func applyCollectFlags(cmd *cobra.Command, c *config.CollectConfig) {
	f := cmd.Flags()
	if f.Changed("top-n") {
		c.TopN, _ = f.GetInt("top-n")
	}
	if f.Changed("min-population") {
		c.MinPopulation, _ = f.GetInt64("min-population")
	}
	if f.Changed("workers") {
		c.MaxWorkers, _ = f.GetInt("workers")
	}
	if f.Changed("snapshot-every") {
		c.SnapshotEvery, _ = f.GetInt("snapshot-every")
	}
	if f.Changed("output") {
		c.Output, _ = f.GetString("output")
	}
	if f.Changed("format") {
		c.Format, _ = f.GetString("format")
	}
	if f.Changed("indicators") {
		c.Indicators, _ = f.GetStringSlice("indicators")
	}
	if f.Changed("required") {
		c.Required, _ = f.GetStringSlice("required")
	}
	if f.Changed("gap-fill") {
		c.GapFill, _ = f.GetString("gap-fill")
	}
	if f.Changed("loader") {
		c.Loader, _ = f.GetString("loader")
	}
	if f.Changed("bbox") {
		c.BBox, _ = f.GetString("bbox")
	}
}

type entityLoader func(ctx context.Context) ([]model.Entity, error)

// runCollect executes one collection run and records it in the ledger.
func runCollect(ctx context.Context, env *pipelineEnv, load entityLoader) (*model.RunResult, error) {
	col := cfg.Collect
	format, err := output.ParseFormat(col.Format, col.Output)
	if err != nil {
		return nil, err
	}

	params := model.RunParams{
		Command:       "collect",
		Loader:        col.Loader,
		TopN:          col.TopN,
		MinPopulation: col.MinPopulation,
		MaxWorkers:    col.MaxWorkers,
		Indicators:    indicatorKeys(env),
		Required:      col.Required,
		GapFill:       col.GapFill,
		Output:        col.Output,
		Format:        string(format),
	}
	return trackRun(ctx, env.Store, params, func(ctx context.Context, setStatus statusFunc) (*model.RunResult, error) {
		return collect(ctx, env, load, format, setStatus)
	})
}

func collect(ctx context.Context, env *pipelineEnv, load entityLoader, format output.Format, setStatus statusFunc) (*model.RunResult, error) {
	col := cfg.Collect
	res := &model.RunResult{Output: col.Output}

	setStatus(model.RunStatusLoading)
	entities, err := load(ctx)
	if err != nil {
		return res, eris.Wrap(err, "load entities")
	}
	zap.L().Info("entities loaded", zap.Int("count", len(entities)), zap.String("loader", col.Loader))

	w := output.NewWriter(col.Output, format)
	if err := w.Begin(); err != nil {
		return res, err
	}

	var estimator pipeline.Estimator
	if col.GapFill == config.GapFillSingle && env.Filler != nil {
		estimator = env.Filler
	}
	collector := pipeline.NewCollector(env.Catalog, env.Indicators, env.Providers, env.Countries, estimator)

	runner := &pipeline.Runner{
		Collect:       collector.Collect,
		Workers:       col.MaxWorkers,
		SnapshotEvery: col.SnapshotEvery,
		OnSnapshot: func(records []*model.Record) error {
			kept, _ := pipeline.FilterRequired(records, col.Required)
			pipeline.SortRecords(kept)
			return w.Snapshot(output.Records(kept))
		},
	}

	setStatus(model.RunStatusCollecting)
	records, stats := runner.Run(ctx, entities)

	setStatus(model.RunStatusWriting)
	if col.GapFill == config.GapFillBatch && env.Filler != nil && !stats.Interrupted {
		n := pipeline.FillMissing(ctx, env.Filler, records, env.Indicators, cfg.LLM.BatchSize)
		zap.L().Info("batch gap fill complete", zap.Int("filled", n))
	}

	if hasIndicator(env.Indicators, incomeBase) {
		n := pipeline.DeriveIncomeIndex(records, incomeBase)
		zap.L().Debug("income index derived", zap.Int("records", n))
	}

	kept, filtered := pipeline.FilterRequired(records, col.Required)
	pipeline.SortRecords(kept)
	if err := w.Final(output.Records(kept)); err != nil {
		return res, err
	}

	summary := pipeline.Summarize(kept, env.Indicators, stats)
	summary.Written = len(kept)
	summary.FilteredOut = filtered
	summary.Output = w.Path()
	summary.Backup = w.Backup()
	return &summary, nil
}

// loadEntities runs the configured gazetteer loader.
func loadEntities(ctx context.Context, env *pipelineEnv) ([]model.Entity, error) {
	col := cfg.Collect
	if col.Loader == config.LoaderWikidata {
		// Pages carry their own retry budget.
		client := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent: cfg.Wikidata.UserAgent,
			Timeout:   cfg.HTTP.Timeout(),
			Retry:     resilience.Fixed(1, 0, nil),
			HostRates: fetcher.DefaultHostRates(),
		})
		wd := gazetteer.NewWikidata(client, cfg.Wikidata.Endpoint, cfg.Wikidata.PageSize, cfg.Wikidata.MaxAttempts, cfg.Wikidata.RetryDelay())
		return wd.Load(ctx, col.TopN, col.MinPopulation)
	}
	return loadGeoNames(ctx, &fetcher.Router{
		HTTP: env.HTTP,
		FTP:  fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: cfg.HTTP.Timeout()}),
	})
}

func loadGeoNames(ctx context.Context, dl fetcher.Downloader) ([]model.Entity, error) {
	col := cfg.Collect
	opts := gazetteer.Options{TopN: col.TopN, MinPopulation: col.MinPopulation}
	if col.BBox != "" {
		bounds, err := gazetteer.ParseBBox(col.BBox)
		if err != nil {
			return nil, err
		}
		opts.Bounds = bounds
	}

	path, err := gazetteer.Ensure(ctx, dl, gazetteer.Dataset{
		File:   cfg.GeoNames.File,
		URL:    cfg.GeoNames.URL,
		Member: cfg.GeoNames.Member,
	})
	if err != nil {
		return nil, err
	}

	// Region names are optional.
	if cfg.GeoNames.Admin1File != "" {
		admin1Path, err := gazetteer.Ensure(ctx, dl, gazetteer.Dataset{File: cfg.GeoNames.Admin1File, URL: cfg.GeoNames.Admin1URL})
		if err == nil {
			opts.Admin1, err = gazetteer.LoadAdmin1(admin1Path)
		}
		if err != nil {
			zap.L().Warn("admin1 names unavailable, region names left empty", zap.Error(err))
		}
	}

	return gazetteer.LoadGeoNames(path, opts)
}

// incomeBase is the indicator the income index is derived from.
const incomeBase = "gni_ppp_per_capita"

func hasIndicator(inds []*catalog.Indicator, key string) bool {
	for _, ind := range inds {
		if ind.Key == key {
			return true
		}
	}
	return false
}

func indicatorKeys(env *pipelineEnv) []string {
	keys := make([]string, len(env.Indicators))
	for i, ind := range env.Indicators {
		keys[i] = ind.Key
	}
	return keys
}

// formatRunResult writes a run summary to w.
func formatRunResult(out io.Writer, r *model.RunResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Entities:\t%d\n", r.Entities)
	_, _ = fmt.Fprintf(w, "Collected:\t%d\n", r.Collected)
	_, _ = fmt.Fprintf(w, "Written:\t%d\n", r.Written)
	if r.FilteredOut > 0 {
		_, _ = fmt.Fprintf(w, "Filtered out:\t%d\n", r.FilteredOut)
	}
	if r.Abandoned > 0 {
		_, _ = fmt.Fprintf(w, "Abandoned:\t%d\n", r.Abandoned)
	}
	_, _ = fmt.Fprintf(w, "Fields found:\t%d\n", r.FieldsFound)
	_, _ = fmt.Fprintf(w, "Fields absent:\t%d\n", r.FieldsAbsent)
	_, _ = fmt.Fprintf(w, "Estimated:\t%d\n", r.Estimated)
	_, _ = fmt.Fprintf(w, "Snapshots:\t%d\n", r.Snapshots)
	_, _ = fmt.Fprintf(w, "Output:\t%s\n", r.Output)
	if r.Backup != "" {
		_, _ = fmt.Fprintf(w, "Backup:\t%s\n", r.Backup)
	}
	if r.Interrupted {
		_, _ = fmt.Fprintln(w, "Interrupted:\tyes")
	}
	if r.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", r.Error)
	}
	_ = w.Flush()
}
