package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/model"
	"github.com/cityranker/citystats/internal/output"
	"github.com/cityranker/citystats/internal/pipeline"
)

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Build the country parameter table for a collected city file",
	Long:  "Reads a JSON city file written by collect, looks up every scraped country-level indicator for its countries, batch-fills the gaps when gap filling is enabled, and writes {\"parameters\": ..., \"estimated\": ...}.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		input, _ := cmd.Flags().GetString("input")
		out, _ := cmd.Flags().GetString("output")
		format, _ := cmd.Flags().GetString("format")
		if cmd.Flags().Changed("gap-fill") {
			cfg.Collect.GapFill, _ = cmd.Flags().GetString("gap-fill")
		}
		if cmd.Flags().Changed("indicators") {
			cfg.Collect.Indicators, _ = cmd.Flags().GetStringSlice("indicators")
		}
		cfg.Collect.Required = nil
		if _, err := os.Stat(input); err != nil {
			return eris.Wrap(err, "params: input file is not readable")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "params")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := runParams(ctx, env, input, out, format)
		if result != nil {
			formatRunResult(os.Stdout, result)
		}
		return err
	},
}

func init() {
	f := paramsCmd.Flags()
	f.String("input", "data/cities.json", "city file written by collect (JSON)")
	f.String("output", "data/params.json", "parameter table output path")
	f.String("format", "", "output format: json, csv or xlsx (default: from extension)")
	f.String("gap-fill", "", "off disables LLM filling; any other mode batch-fills the table")
	f.StringSlice("indicators", nil, "indicator keys to look up (default: every scraped indicator)")
	rootCmd.AddCommand(paramsCmd)
}

// runParams builds the parameter table for the countries in input and
// records the run in the ledger.
func runParams(ctx context.Context, env *pipelineEnv, input, out, formatName string) (*model.RunResult, error) {
	format, err := output.ParseFormat(formatName, out)
	if err != nil {
		return nil, err
	}
	inds := catalog.BySource(env.Indicators, catalog.SourceWikipedia)

	params := model.RunParams{
		Command:    "params",
		MaxWorkers: cfg.Collect.MaxWorkers,
		Indicators: indicatorKeys(env),
		GapFill:    cfg.Collect.GapFill,
		Output:     out,
		Format:     string(format),
	}
	return trackRun(ctx, env.Store, params, func(ctx context.Context, setStatus statusFunc) (*model.RunResult, error) {
		res := &model.RunResult{Output: out}

		setStatus(model.RunStatusLoading)
		records, err := output.ReadRecords(input)
		if err != nil {
			return res, eris.Wrap(err, "read city file")
		}
		countries := pipeline.Countries(records, env.Catalog)
		zap.L().Info("countries loaded", zap.Int("countries", len(countries)), zap.Int("indicators", len(inds)))

		w := output.NewWriter(out, format)
		if err := w.Begin(); err != nil {
			return res, err
		}

		setStatus(model.RunStatusCollecting)
		builder := &pipeline.ParamBuilder{
			Lookup:    env.WikiTable,
			Workers:   cfg.Collect.MaxWorkers,
			BatchSize: cfg.LLM.BatchSize,
		}
		if env.Filler != nil {
			builder.Filler = env.Filler
		}
		table := builder.Build(ctx, inds, countries)

		setStatus(model.RunStatusWriting)
		if err := w.Final(table); err != nil {
			return res, err
		}

		res.Entities = len(countries)
		res.Collected = len(countries)
		res.Written = len(countries)
		res.Backup = w.Backup()
		res.Interrupted = ctx.Err() != nil
		for _, ind := range inds {
			found := len(table.Parameters[ind.Key])
			res.FieldsFound += found
			res.FieldsAbsent += len(countries) - found
			res.Estimated += len(table.Estimated[ind.Key])
		}
		return res, nil
	})
}
