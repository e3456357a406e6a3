// Package catalog holds the indicator catalog, the country alias table, and
// the continent map. The default catalog is embedded; a YAML file with the
// same shape replaces it entirely.
package catalog

import (
	_ "embed"
	"fmt"
	"maps"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/cityranker/citystats/internal/model"
)

//go:embed default.yaml
var defaultYAML []byte

// Source names an indicator provider.
type Source string

const (
	SourceWorldBank Source = "worldbank"
	SourceWHO       Source = "who"
	SourceOpenAQ    Source = "openaq"
	SourceMeteo     Source = "meteo"
	SourceUSGS      Source = "usgs"
	SourceWikipedia Source = "wikipedia"
	SourceUNODC     Source = "unodc"
	SourceLLM       Source = "llm"
)

var knownSources = map[Source]bool{
	SourceWorldBank: true,
	SourceWHO:       true,
	SourceOpenAQ:    true,
	SourceMeteo:     true,
	SourceUSGS:      true,
	SourceWikipedia: true,
	SourceUNODC:     true,
	SourceLLM:       true,
}

// Indicator describes one named numeric statistic and where it comes from.
type Indicator struct {
	Key         string    `yaml:"-"`
	Source      Source    `yaml:"source"`
	Code        string    `yaml:"code"`
	URL         string    `yaml:"url"`
	Description string    `yaml:"description"`
	Range       []float64 `yaml:"range"`
	LLMFallback bool      `yaml:"llm_fallback"`
}

// Bounds returns the inclusive plausible range, if one is configured.
func (ind *Indicator) Bounds() (lo, hi float64, ok bool) {
	if len(ind.Range) != 2 {
		return 0, 0, false
	}
	return ind.Range[0], ind.Range[1], true
}

// Estimable reports whether the gap filler may produce this indicator.
func (ind *Indicator) Estimable() bool {
	return ind.LLMFallback || ind.Source == SourceLLM
}

// Prompt returns the natural-language description used when asking a model
// for the value, falling back to the key.
func (ind *Indicator) Prompt() string {
	if ind.Description != "" {
		return ind.Description
	}
	return strings.ReplaceAll(ind.Key, "_", " ")
}

// Validate turns a raw number into an outcome: non-finite and out-of-range
// values are rejected, range bounds are inclusive.
func (ind *Indicator) Validate(source string, v float64) model.Outcome {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return model.Rejected(source, "non-finite value")
	}
	if lo, hi, ok := ind.Bounds(); ok && (v < lo || v > hi) {
		return model.Rejected(source, fmt.Sprintf("value %g outside [%g, %g]", v, lo, hi))
	}
	return model.Found(source, v)
}

// Catalog is the injectable indicator configuration.
type Catalog struct {
	Indicators map[string]*Indicator `yaml:"indicators"`
	Aliases    map[string]string     `yaml:"aliases"`
	Continents map[string]string     `yaml:"continents"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultYAML)
}

// Load reads a catalog from path. An empty path yields the embedded default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "catalog: parse yaml")
	}
	if len(c.Indicators) == 0 {
		return nil, eris.New("catalog: no indicators defined")
	}
	for key, ind := range c.Indicators {
		if ind == nil {
			return nil, eris.Errorf("catalog: indicator %q is empty", key)
		}
		ind.Key = key
		if !knownSources[ind.Source] {
			return nil, eris.Errorf("catalog: indicator %q has unknown source %q", key, ind.Source)
		}
		if len(ind.Range) != 0 {
			if len(ind.Range) != 2 || ind.Range[0] > ind.Range[1] {
				return nil, eris.Errorf("catalog: indicator %q has invalid range %v", key, ind.Range)
			}
		}
		if ind.Source == SourceWikipedia && ind.URL == "" {
			return nil, eris.Errorf("catalog: indicator %q needs a url", key)
		}
		if ind.Source == SourceUNODC && ind.Code == "" {
			return nil, eris.Errorf("catalog: indicator %q needs a column code", key)
		}
	}
	if c.Aliases == nil {
		c.Aliases = map[string]string{}
	}
	if c.Continents == nil {
		c.Continents = map[string]string{}
	}
	return &c, nil
}

// Keys returns every indicator key in sorted order.
func (c *Catalog) Keys() []string {
	return slices.Sorted(maps.Keys(c.Indicators))
}

// Indicator looks up an indicator by key.
func (c *Catalog) Indicator(key string) (*Indicator, bool) {
	ind, ok := c.Indicators[key]
	return ind, ok
}

// Select resolves keys to indicators in the given order. No keys selects the
// whole catalog in key order.
func (c *Catalog) Select(keys []string) ([]*Indicator, error) {
	if len(keys) == 0 {
		keys = c.Keys()
	}
	out := make([]*Indicator, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		ind, ok := c.Indicators[k]
		if !ok {
			return nil, eris.Errorf("catalog: unknown indicator %q", k)
		}
		out = append(out, ind)
	}
	return out, nil
}

// BySource filters inds down to one source.
func BySource(inds []*Indicator, src Source) []*Indicator {
	var out []*Indicator
	for _, ind := range inds {
		if ind.Source == src {
			out = append(out, ind)
		}
	}
	return out
}

// CanonicalCountry applies the alias table once. Names without an alias are
// returned unchanged.
func (c *Catalog) CanonicalCountry(name string) string {
	name = strings.TrimSpace(name)
	if alias, ok := c.Aliases[name]; ok {
		return alias
	}
	return name
}

// Continent maps an ISO2 country code to its continent, or "".
func (c *Catalog) Continent(iso2 string) string {
	return c.Continents[strings.ToUpper(iso2)]
}
