package main

import (
	"context"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cityranker/citystats/internal/cache"
	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/config"
	"github.com/cityranker/citystats/internal/fetcher"
	"github.com/cityranker/citystats/internal/gapfill"
	"github.com/cityranker/citystats/internal/llm"
	"github.com/cityranker/citystats/internal/resilience"
	"github.com/cityranker/citystats/internal/source"
	"github.com/cityranker/citystats/internal/store"
)

// pipelineEnv holds the clients and providers shared by the collect and
// params commands.
type pipelineEnv struct {
	Store      store.Store
	Catalog    *catalog.Catalog
	Indicators []*catalog.Indicator
	HTTP       *fetcher.HTTPFetcher
	WorldBank  *source.WorldBank
	WikiTable  *source.WikiTable
	Countries  source.CountryResolver
	Providers  []source.Provider
	Filler     *gapfill.Filler // nil when gap filling is off
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates the configuration for mode, opens the store, and
// builds every provider. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	inds, err := selectIndicators(cat, cfg.Collect.Indicators, cfg.Collect.Required)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	env := &pipelineEnv{
		Store:      st,
		Catalog:    cat,
		Indicators: inds,
		HTTP:       newHTTPFetcher(cfg),
	}

	env.WorldBank = source.NewWorldBank(env.HTTP, cfg.Sources.WorldBankURL)
	env.Countries = env.WorldBank
	env.WikiTable = source.NewWikiTable(env.HTTP, initCache(st, "pages", ".html"), cat, cfg.Sources.ScrapeUserAgent)
	env.Providers = []source.Provider{
		env.WorldBank,
		source.NewWHO(env.HTTP, cfg.Sources.WHOURL, env.WorldBank),
		source.NewOpenAQ(env.HTTP, cfg.Sources.OpenAQURL, cfg.Sources.OpenAQKey),
		source.NewMeteo(env.HTTP, cfg.Sources.MeteoURL),
		source.NewUSGS(env.HTTP, cfg.Sources.USGSURL),
		source.NewUNODC(env.HTTP, initCache(st, "unodc", ".csv"), cat, cfg.Sources.UNODCURL),
		env.WikiTable,
	}

	if cfg.Collect.GapFill != config.GapFillOff {
		env.Filler, err = initFiller(initCache(st, "llm", ".txt"))
		if err != nil {
			env.Close()
			return nil, err
		}
	}

	zap.L().Info("pipeline initialized",
		zap.String("mode", mode),
		zap.Int("indicators", len(inds)),
		zap.String("gap_fill", cfg.Collect.GapFill),
		zap.String("cache", cfg.Cache.Driver),
	)
	return env, nil
}

// selectIndicators resolves the configured keys. Required keys are always
// part of the selection.
func selectIndicators(cat *catalog.Catalog, keys, required []string) ([]*catalog.Indicator, error) {
	if len(required) > 0 {
		if _, err := cat.Select(required); err != nil {
			return nil, eris.Wrap(err, "required indicators")
		}
	}
	if len(keys) > 0 {
		keys = append(append([]string{}, keys...), required...)
	}
	return cat.Select(keys)
}

func newHTTPFetcher(c *config.Config) *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:   c.HTTP.UserAgent,
		Timeout:     c.HTTP.Timeout(),
		Retry:       resilience.Fixed(c.HTTP.MaxAttempts, c.HTTP.RetryDelay(), nil).WithLogger("http", "get"),
		RatePerHost: rate.Limit(c.HTTP.RatePerSec),
		HostRates:   fetcher.DefaultHostRates(),
		MaxInFlight: int64(c.Collect.MaxRequests),
	})
}

// initCache returns the payload cache for one namespace.
func initCache(st store.Store, namespace, ext string) cache.Cache {
	switch cfg.Cache.Driver {
	case "file":
		return cache.NewFileCache(filepath.Join(cfg.Cache.Dir, namespace), ext)
	case "store":
		return cache.NewStoreCache(st, namespace)
	default:
		return cache.Nop{}
	}
}

func initFiller(c cache.Cache) (*gapfill.Filler, error) {
	client, err := llm.New(cfg.LLM.Provider, llm.Options{
		APIKey:      cfg.LLM.Key(),
		Model:       cfg.LLM.Model(),
		BaseURL:     cfg.LLM.BaseURL,
		AppName:     "citystats",
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	if err != nil {
		return nil, eris.Wrap(err, "init llm client")
	}
	retry := resilience.Fixed(cfg.LLM.MaxAttempts, cfg.LLM.RetryDelay(), nil)
	return gapfill.New(client, c, retry), nil
}
