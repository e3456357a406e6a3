package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Collect  CollectConfig  `yaml:"collect" mapstructure:"collect"`
	GeoNames GeoNamesConfig `yaml:"geonames" mapstructure:"geonames"`
	Wikidata WikidataConfig `yaml:"wikidata" mapstructure:"wikidata"`
	Sources  SourcesConfig  `yaml:"sources" mapstructure:"sources"`
	HTTP     HTTPConfig     `yaml:"http" mapstructure:"http"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	LLM      LLMConfig      `yaml:"llm" mapstructure:"llm"`
	Catalog  CatalogConfig  `yaml:"catalog" mapstructure:"catalog"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// Gap fill modes.
const (
	GapFillOff    = "off"
	GapFillSingle = "single"
	GapFillBatch  = "batch"
)

// Loaders.
const (
	LoaderGeoNames = "geonames"
	LoaderWikidata = "wikidata"
)

// CollectConfig holds the operator knobs of a collection run.
type CollectConfig struct {
	TopN          int      `yaml:"top_n" mapstructure:"top_n"`
	MinPopulation int64    `yaml:"min_population" mapstructure:"min_population"`
	MaxWorkers    int      `yaml:"max_workers" mapstructure:"max_workers"`
	MaxRequests   int      `yaml:"max_requests" mapstructure:"max_requests"`
	SnapshotEvery int      `yaml:"snapshot_every" mapstructure:"snapshot_every"`
	Output        string   `yaml:"output" mapstructure:"output"`
	Format        string   `yaml:"format" mapstructure:"format"`
	Indicators    []string `yaml:"indicators" mapstructure:"indicators"`
	Required      []string `yaml:"required" mapstructure:"required"`
	GapFill       string   `yaml:"gap_fill" mapstructure:"gap_fill"`
	Loader        string   `yaml:"loader" mapstructure:"loader"`
	BBox          string   `yaml:"bbox" mapstructure:"bbox"`
}

// GeoNamesConfig locates the gazetteer dump and the admin1 names file.
type GeoNamesConfig struct {
	URL        string `yaml:"url" mapstructure:"url"`
	File       string `yaml:"file" mapstructure:"file"`
	Member     string `yaml:"member" mapstructure:"member"`
	Admin1URL  string `yaml:"admin1_url" mapstructure:"admin1_url"`
	Admin1File string `yaml:"admin1_file" mapstructure:"admin1_file"`
}

// WikidataConfig configures the SPARQL loader.
type WikidataConfig struct {
	Endpoint       string `yaml:"endpoint" mapstructure:"endpoint"`
	PageSize       int    `yaml:"page_size" mapstructure:"page_size"`
	MaxAttempts    int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryDelaySecs int    `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
	UserAgent      string `yaml:"user_agent" mapstructure:"user_agent"`
}

// RetryDelay returns the wait between page attempts.
func (c WikidataConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySecs) * time.Second
}

// SourcesConfig holds provider base URLs and keys.
type SourcesConfig struct {
	WorldBankURL    string `yaml:"worldbank_url" mapstructure:"worldbank_url"`
	WHOURL          string `yaml:"who_url" mapstructure:"who_url"`
	OpenAQURL       string `yaml:"openaq_url" mapstructure:"openaq_url"`
	OpenAQKey       string `yaml:"openaq_key" mapstructure:"openaq_key"`
	MeteoURL        string `yaml:"meteo_url" mapstructure:"meteo_url"`
	USGSURL         string `yaml:"usgs_url" mapstructure:"usgs_url"`
	UNODCURL        string `yaml:"unodc_url" mapstructure:"unodc_url"`
	ScrapeUserAgent string `yaml:"scrape_user_agent" mapstructure:"scrape_user_agent"`
}

// HTTPConfig configures the shared HTTP fetcher.
type HTTPConfig struct {
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts  int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryDelayMs int     `yaml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerSec   float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// Timeout returns the per-request timeout.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RetryDelay returns the fixed wait between attempts.
func (c HTTPConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// CacheConfig selects the payload cache backend.
type CacheConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	Dir    string `yaml:"dir" mapstructure:"dir"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LLMConfig configures the gap filler's model provider.
type LLMConfig struct {
	Provider        string  `yaml:"provider" mapstructure:"provider"`
	AnthropicKey    string  `yaml:"anthropic_key" mapstructure:"anthropic_key"`
	AnthropicModel  string  `yaml:"anthropic_model" mapstructure:"anthropic_model"`
	OpenRouterKey   string  `yaml:"openrouter_key" mapstructure:"openrouter_key"`
	OpenRouterModel string  `yaml:"openrouter_model" mapstructure:"openrouter_model"`
	BaseURL         string  `yaml:"base_url" mapstructure:"base_url"`
	Temperature     float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens       int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxAttempts     int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryDelaySecs  int     `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
	BatchSize       int     `yaml:"batch_size" mapstructure:"batch_size"`
}

// Key returns the credential of the selected provider.
func (c LLMConfig) Key() string {
	if c.Provider == "openrouter" {
		return c.OpenRouterKey
	}
	return c.AnthropicKey
}

// Model returns the model of the selected provider.
func (c LLMConfig) Model() string {
	if c.Provider == "openrouter" {
		return c.OpenRouterModel
	}
	return c.AnthropicModel
}

// RetryDelay returns the fixed wait between attempts.
func (c LLMConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySecs) * time.Second
}

// CatalogConfig points at an indicator catalog file. Empty uses the
// embedded default.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CITYSTATS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("collect.top_n", 1000)
	v.SetDefault("collect.min_population", 15000)
	v.SetDefault("collect.max_workers", 8)
	v.SetDefault("collect.max_requests", 32)
	v.SetDefault("collect.snapshot_every", 50)
	v.SetDefault("collect.output", "data/cities.json")
	v.SetDefault("collect.format", "")
	v.SetDefault("collect.gap_fill", GapFillOff)
	v.SetDefault("collect.loader", LoaderGeoNames)
	v.SetDefault("collect.indicators", []string{})
	v.SetDefault("collect.required", []string{})
	v.SetDefault("collect.bbox", "")
	v.SetDefault("geonames.url", "https://download.geonames.org/export/dump/cities15000.zip")
	v.SetDefault("geonames.file", "data/cities15000.txt")
	v.SetDefault("geonames.member", "cities15000.txt")
	v.SetDefault("geonames.admin1_url", "https://download.geonames.org/export/dump/admin1CodesASCII.txt")
	v.SetDefault("geonames.admin1_file", "data/admin1CodesASCII.txt")
	v.SetDefault("wikidata.endpoint", "https://query.wikidata.org/sparql")
	v.SetDefault("wikidata.page_size", 50)
	v.SetDefault("wikidata.max_attempts", 5)
	v.SetDefault("wikidata.retry_delay_secs", 5)
	v.SetDefault("wikidata.user_agent", "citystats/1.0 (https://github.com/cityranker/citystats)")
	v.SetDefault("sources.worldbank_url", "https://api.worldbank.org/v2")
	v.SetDefault("sources.who_url", "https://ghoapi.azureedge.net/api")
	v.SetDefault("sources.openaq_url", "https://api.openaq.org")
	v.SetDefault("sources.meteo_url", "https://api.open-meteo.com")
	v.SetDefault("sources.usgs_url", "https://earthquake.usgs.gov/ws/designmaps/1.0")
	v.SetDefault("sources.unodc_url", "https://dataunodc.un.org/content/data/Crime_by_country.csv")
	v.SetDefault("sources.openaq_key", "")
	v.SetDefault("sources.scrape_user_agent", "")
	v.SetDefault("http.timeout_secs", 20)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.retry_delay_ms", 1000)
	v.SetDefault("http.user_agent", "citystats/1.0")
	v.SetDefault("http.rate_per_sec", 5)
	v.SetDefault("cache.driver", "file")
	v.SetDefault("cache.dir", "cache")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "citystats.db")
	v.SetDefault("store.max_conns", 0)
	v.SetDefault("store.min_conns", 0)
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.anthropic_key", "")
	v.SetDefault("llm.openrouter_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.anthropic_model", "claude-haiku-4-5-20251001")
	v.SetDefault("llm.openrouter_model", "openai/gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.retry_delay_secs", 2)
	v.SetDefault("llm.batch_size", 50)
	v.SetDefault("catalog.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command depends on. mode is the command
// name: "collect", "params", or "runs".
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	switch mode {
	case "runs":
	case "collect", "params":
		c.validateRun(mode, add)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateRun(mode string, add func(string, ...any)) {
	col := c.Collect
	if col.MaxWorkers < 1 || col.MaxWorkers > 256 {
		add("collect.max_workers must be between 1 and 256")
	}
	if col.MaxRequests < 0 {
		add("collect.max_requests must be >= 0")
	}
	if col.SnapshotEvery < 0 {
		add("collect.snapshot_every must be >= 0")
	}
	if col.Output == "" {
		add("collect.output is required")
	}
	switch strings.ToLower(col.Format) {
	case "", "json", "csv", "xlsx":
	default:
		add("collect.format must be json, csv or xlsx, got %q", col.Format)
	}
	switch col.GapFill {
	case GapFillOff, GapFillSingle, GapFillBatch:
	default:
		add("collect.gap_fill must be off, single or batch, got %q", col.GapFill)
	}
	if col.GapFill != GapFillOff {
		switch c.LLM.Provider {
		case "anthropic", "openrouter":
			if c.LLM.Key() == "" {
				add("llm.%s_key is required when gap filling is enabled", c.LLM.Provider)
			}
		default:
			add("llm.provider must be anthropic or openrouter, got %q", c.LLM.Provider)
		}
	}
	switch c.Cache.Driver {
	case "file":
		if c.Cache.Dir == "" {
			add("cache.dir is required for the file cache")
		}
	case "store", "none":
	default:
		add("cache.driver must be file, store or none, got %q", c.Cache.Driver)
	}

	if mode != "collect" {
		return
	}
	if col.TopN < 0 {
		add("collect.top_n must be >= 0")
	}
	if col.MinPopulation < 0 {
		add("collect.min_population must be >= 0")
	}
	switch col.Loader {
	case LoaderGeoNames:
		if c.GeoNames.File == "" {
			add("geonames.file is required")
		} else if _, err := os.Stat(c.GeoNames.File); err != nil && c.GeoNames.URL == "" {
			add("geonames.file %s is not readable and geonames.url is empty", c.GeoNames.File)
		}
	case LoaderWikidata:
		if c.Wikidata.Endpoint == "" {
			add("wikidata.endpoint is required")
		}
		if c.Wikidata.PageSize < 1 {
			add("wikidata.page_size must be > 0")
		}
		if col.TopN < 1 {
			add("collect.top_n must be > 0 for the wikidata loader")
		}
	default:
		add("collect.loader must be geonames or wikidata, got %q", col.Loader)
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
