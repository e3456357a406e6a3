package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/model"
)

// DefaultWorldBankURL is the World Bank API v2 root.
const DefaultWorldBankURL = "https://api.worldbank.org/v2"

// Country is one entry of the World Bank country directory.
type Country struct {
	ISO2 string
	ISO3 string
	Name string
}

// WorldBank serves country-level indicators and the iso2 -> iso3 directory
// other providers resolve countries with.
type WorldBank struct {
	client  Client
	baseURL string

	directory memo[directoryResult]
	values    memo[model.Outcome]
}

type directoryResult struct {
	countries map[string]Country
	err       error
}

// NewWorldBank creates a World Bank provider.
func NewWorldBank(client Client, baseURL string) *WorldBank {
	if baseURL == "" {
		baseURL = DefaultWorldBankURL
	}
	return &WorldBank{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (w *WorldBank) Name() catalog.Source { return catalog.SourceWorldBank }

type wbCountry struct {
	ID       string `json:"id"`
	ISO2Code string `json:"iso2Code"`
	Name     string `json:"name"`
	Region   struct {
		Value string `json:"value"`
	} `json:"region"`
}

type wbObservation struct {
	Date  string   `json:"date"`
	Value *float64 `json:"value"`
}

// Countries returns the iso2 -> country directory, loaded once per run.
func (w *WorldBank) Countries(ctx context.Context) (map[string]Country, error) {
	res := w.directory.get(ctx, "countries", func(ctx context.Context) directoryResult {
		countries, err := w.loadCountries(ctx)
		return directoryResult{countries: countries, err: err}
	})
	return res.countries, res.err
}

// Country resolves an ISO2 code.
func (w *WorldBank) Country(ctx context.Context, iso2 string) (Country, bool) {
	countries, err := w.Countries(ctx)
	if err != nil {
		return Country{}, false
	}
	c, ok := countries[strings.ToUpper(iso2)]
	return c, ok
}

func (w *WorldBank) loadCountries(ctx context.Context) (map[string]Country, error) {
	var raw []json.RawMessage
	if err := w.client.GetJSON(ctx, w.baseURL+"/country?format=json&per_page=400", &raw); err != nil {
		return nil, eris.Wrap(err, "worldbank: load countries")
	}
	if len(raw) < 2 {
		return nil, eris.New("worldbank: country directory has no data page")
	}
	var rows []wbCountry
	if err := json.Unmarshal(raw[1], &rows); err != nil {
		return nil, eris.Wrap(err, "worldbank: decode countries")
	}

	out := make(map[string]Country, len(rows))
	for _, r := range rows {
		iso2 := strings.ToUpper(r.ISO2Code)
		iso3 := strings.ToUpper(r.ID)
		if iso2 == "" || iso3 == "" || r.Region.Value == "Aggregates" {
			continue
		}
		out[iso2] = Country{ISO2: iso2, ISO3: iso3, Name: r.Name}
	}
	return out, nil
}

// Fetch looks up each indicator for the entity's country.
func (w *WorldBank) Fetch(ctx context.Context, e model.Entity, inds []*catalog.Indicator) map[string]model.Outcome {
	src := string(catalog.SourceWorldBank)
	countries, err := w.Countries(ctx)
	if err != nil {
		return each(inds, model.Failed(src, err))
	}
	c, ok := countries[e.Country]
	if !ok {
		return each(inds, model.Absent(src, "unknown country "+e.Country))
	}

	out := make(map[string]model.Outcome, len(inds))
	for _, ind := range inds {
		o := w.values.get(ctx, c.ISO3+"|"+ind.Code, func(ctx context.Context) model.Outcome {
			return w.indicator(ctx, c.ISO3, ind.Code)
		})
		if o.OK() {
			o = ind.Validate(src, o.Value)
		}
		out[ind.Key] = o
	}
	return out
}

func (w *WorldBank) indicator(ctx context.Context, iso3, code string) model.Outcome {
	src := string(catalog.SourceWorldBank)
	u := fmt.Sprintf("%s/country/%s/indicator/%s?format=json&per_page=100",
		w.baseURL, url.PathEscape(iso3), url.PathEscape(code))

	var raw []json.RawMessage
	if err := w.client.GetJSON(ctx, u, &raw); err != nil {
		return model.Failed(src, err)
	}
	if len(raw) < 2 {
		return model.Absent(src, "no data page")
	}
	var obs []wbObservation
	if err := json.Unmarshal(raw[1], &obs); err != nil {
		return model.Failed(src, eris.Wrap(err, "worldbank: decode observations"))
	}
	v, ok := latestObservation(obs)
	if !ok {
		return model.Absent(src, "no non-null observation")
	}
	return model.Found(src, v)
}

// latestObservation returns the value of the most recent dated observation
// that has one.
func latestObservation(obs []wbObservation) (float64, bool) {
	sorted := make([]wbObservation, 0, len(obs))
	for _, o := range obs {
		if o.Value != nil {
			sorted = append(sorted, o)
		}
	}
	if len(sorted) == 0 {
		return 0, false
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return year(sorted[i].Date) > year(sorted[j].Date)
	})
	return *sorted[0].Value, true
}

// year parses the leading year of a World Bank date ("2021", "2021Q3",
// "2021M07"). Unparsable dates sort last.
func year(date string) int {
	if len(date) > 4 {
		date = date[:4]
	}
	y, err := strconv.Atoi(date)
	if err != nil {
		return -1
	}
	return y
}
