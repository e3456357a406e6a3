package gazetteer

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cityranker/citystats/internal/model"
	"github.com/cityranker/citystats/internal/resilience"
)

// DefaultWikidataEndpoint is the public Wikidata SPARQL service.
const DefaultWikidataEndpoint = "https://query.wikidata.org/sparql"

// JSONGetter fetches a URL and decodes its JSON body into v.
type JSONGetter interface {
	GetJSON(ctx context.Context, url string, v any) error
}

// Wikidata loads cities from a SPARQL endpoint page by page.
type Wikidata struct {
	Client   JSONGetter
	Endpoint string

	// PageSize bounds each LIMIT. Default: 50.
	PageSize int

	// Retry applies to each page on its own. A page that still fails is
	// skipped.
	Retry resilience.RetryConfig
}

// NewWikidata returns a loader with a fixed-delay per-page retry budget.
func NewWikidata(client JSONGetter, endpoint string, pageSize, attempts int, delay time.Duration) *Wikidata {
	if endpoint == "" {
		endpoint = DefaultWikidataEndpoint
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Wikidata{
		Client:   client,
		Endpoint: endpoint,
		PageSize: pageSize,
		Retry:    resilience.Fixed(attempts, delay, resilience.Always).WithLogger("wikidata", "page"),
	}
}

const cityQuery = `SELECT ?city ?cityLabel ?countryLabel ?iso2 ?population ?lat ?lon WHERE {
  ?city wdt:P31/wdt:P279* wd:Q515 .
  ?city wdt:P1082 ?population .
  ?city wdt:P17 ?country .
  ?country wdt:P297 ?iso2 .
  OPTIONAL { ?city wdt:P625 ?coord .
             BIND(geof:latitude(?coord) AS ?lat) .
             BIND(geof:longitude(?coord) AS ?lon) . }
  FILTER(?population > %d)
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
}
ORDER BY DESC(?population)
LIMIT %d OFFSET %d`

type sparqlValue struct {
	Value string `json:"value"`
}

type sparqlResponse struct {
	Results struct {
		Bindings []map[string]sparqlValue `json:"bindings"`
	} `json:"results"`
}

// Load fetches up to limit cities with population above minPop.
func (w *Wikidata) Load(ctx context.Context, limit int, minPop int64) ([]model.Entity, error) {
	if limit <= 0 {
		return nil, eris.New("gazetteer: wikidata limit must be positive")
	}

	var (
		entities []model.Entity
		failed   int
		seen     = make(map[int64]bool)
	)
	for offset := 0; offset < limit; offset += w.PageSize {
		if err := ctx.Err(); err != nil {
			return Rank(entities, limit), eris.Wrap(err, "gazetteer: wikidata load")
		}
		size := min(w.PageSize, limit-offset)

		page, err := resilience.DoVal(ctx, w.Retry, func(ctx context.Context) ([]model.Entity, error) {
			return w.page(ctx, minPop, size, offset)
		})
		if err != nil {
			failed++
			zap.L().Warn("gazetteer: skipping wikidata page",
				zap.Int("offset", offset),
				zap.Int("size", size),
				zap.Error(err),
			)
			continue
		}
		// Items with several coordinates or countries come back once per
		// combination; the first row wins.
		for _, e := range page {
			if !seen[e.ID] {
				seen[e.ID] = true
				entities = append(entities, e)
			}
		}
	}

	zap.L().Info("gazetteer: wikidata load complete",
		zap.Int("entities", len(entities)),
		zap.Int("failed_pages", failed),
	)
	return Rank(entities, limit), nil
}

func (w *Wikidata) page(ctx context.Context, minPop int64, size, offset int) ([]model.Entity, error) {
	q := url.Values{}
	q.Set("query", fmt.Sprintf(cityQuery, minPop, size, offset))
	q.Set("format", "json")

	var resp sparqlResponse
	if err := w.Client.GetJSON(ctx, w.Endpoint+"?"+q.Encode(), &resp); err != nil {
		return nil, eris.Wrapf(err, "gazetteer: wikidata page at offset %d", offset)
	}

	out := make([]model.Entity, 0, len(resp.Results.Bindings))
	for _, b := range resp.Results.Bindings {
		e, ok := bindingEntity(b)
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// bindingEntity converts one SPARQL binding. The numeric part of the item QID
// becomes the entity id.
func bindingEntity(b map[string]sparqlValue) (model.Entity, bool) {
	name := b["cityLabel"].Value
	if name == "" {
		return model.Entity{}, false
	}
	uri := b["city"].Value
	qid := uri[strings.LastIndex(uri, "/")+1:]
	id, err := strconv.ParseInt(strings.TrimPrefix(qid, "Q"), 10, 64)
	if err != nil {
		return model.Entity{}, false
	}

	popF, _ := strconv.ParseFloat(b["population"].Value, 64)
	lat, _ := strconv.ParseFloat(b["lat"].Value, 64)
	lon, _ := strconv.ParseFloat(b["lon"].Value, 64)

	return model.Entity{
		ID:          id,
		Name:        name,
		Country:     strings.ToUpper(b["iso2"].Value),
		CountryName: b["countryLabel"].Value,
		Lat:         lat,
		Lon:         lon,
		Population:  int64(popF),
	}, true
}
