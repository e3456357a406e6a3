package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/model"
)

// DefaultOpenAQURL is the OpenAQ API root.
const DefaultOpenAQURL = "https://api.openaq.org"

// OpenAQ serves the latest air-quality measurements for a city.
type OpenAQ struct {
	client  Client
	baseURL string
	apiKey  string
}

// NewOpenAQ creates an OpenAQ provider. apiKey is optional.
func NewOpenAQ(client Client, baseURL, apiKey string) *OpenAQ {
	if baseURL == "" {
		baseURL = DefaultOpenAQURL
	}
	return &OpenAQ{client: client, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

func (o *OpenAQ) Name() catalog.Source { return catalog.SourceOpenAQ }

type openAQLatest struct {
	Results []struct {
		Measurements []struct {
			Parameter string   `json:"parameter"`
			Value     *float64 `json:"value"`
		} `json:"measurements"`
	} `json:"results"`
}

// Fetch queries the latest measurements for the entity's city name.
func (o *OpenAQ) Fetch(ctx context.Context, e model.Entity, inds []*catalog.Indicator) map[string]model.Outcome {
	src := string(catalog.SourceOpenAQ)

	q := url.Values{}
	q.Set("city", e.Name)
	q.Set("limit", "100")
	u := o.baseURL + "/v2/latest?" + q.Encode()

	h := http.Header{}
	h.Set("Accept", "application/json")
	if o.apiKey != "" {
		h.Set("X-API-Key", o.apiKey)
	}
	body, _, err := o.client.Get(ctx, u, h)
	if err != nil {
		return each(inds, model.Failed(src, err))
	}
	var resp openAQLatest
	if err := json.Unmarshal(body, &resp); err != nil {
		return each(inds, model.Failed(src, eris.Wrap(err, "openaq: decode latest")))
	}

	// The first measurement seen for a parameter wins.
	latest := make(map[string]float64)
	for _, r := range resp.Results {
		for _, m := range r.Measurements {
			par := strings.ToLower(m.Parameter)
			if _, seen := latest[par]; seen || m.Value == nil {
				continue
			}
			latest[par] = *m.Value
		}
	}

	out := make(map[string]model.Outcome, len(inds))
	for _, ind := range inds {
		v, ok := latest[strings.ToLower(ind.Code)]
		if !ok {
			out[ind.Key] = model.Absent(src, "no "+ind.Code+" measurement")
			continue
		}
		out[ind.Key] = ind.Validate(src, v)
	}
	return out
}
