package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/model"
)

// DefaultWHOURL is the WHO Global Health Observatory OData root.
const DefaultWHOURL = "https://ghoapi.azureedge.net/api"

// CountryResolver maps ISO2 codes to directory entries.
type CountryResolver interface {
	Country(ctx context.Context, iso2 string) (Country, bool)
}

// WHO serves Global Health Observatory indicators by country.
type WHO struct {
	client    Client
	baseURL   string
	countries CountryResolver
	values    memo[model.Outcome]
}

// NewWHO creates a WHO provider. countries resolves ISO3 codes.
func NewWHO(client Client, baseURL string, countries CountryResolver) *WHO {
	if baseURL == "" {
		baseURL = DefaultWHOURL
	}
	return &WHO{client: client, baseURL: strings.TrimRight(baseURL, "/"), countries: countries}
}

func (w *WHO) Name() catalog.Source { return catalog.SourceWHO }

type ghoResponse struct {
	Value []struct {
		TimeDim      int      `json:"TimeDim"`
		NumericValue *float64 `json:"NumericValue"`
	} `json:"value"`
}

// Fetch resolves the entity's ISO3 code and looks up each indicator.
// Values are shared across entities of the same country.
func (w *WHO) Fetch(ctx context.Context, e model.Entity, inds []*catalog.Indicator) map[string]model.Outcome {
	src := string(catalog.SourceWHO)
	c, ok := w.countries.Country(ctx, e.Country)
	if !ok {
		return each(inds, model.Absent(src, "no iso3 code for "+e.Country))
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

func (w *WHO) indicator(ctx context.Context, iso3, code string) model.Outcome {
	src := string(catalog.SourceWHO)
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("SpatialDim eq '%s'", iso3))
	q.Set("$orderby", "TimeDim desc")
	u := w.baseURL + "/" + url.PathEscape(code) + "?" + q.Encode()

	var resp ghoResponse
	if err := w.client.GetJSON(ctx, u, &resp); err != nil {
		return model.Failed(src, err)
	}

	best, found := 0.0, false
	bestYear := 0
	for _, v := range resp.Value {
		if v.NumericValue == nil {
			continue
		}
		if !found || v.TimeDim > bestYear {
			best, bestYear, found = *v.NumericValue, v.TimeDim, true
		}
	}
	if !found {
		return model.Absent(src, "no numeric observation")
	}
	return model.Found(src, best)
}
