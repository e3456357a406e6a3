package source

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cityranker/citystats/internal/cache"
	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/fetcher"
	"github.com/cityranker/citystats/internal/model"
)

// DefaultUNODCURL is the UNODC country crime table.
const DefaultUNODCURL = "https://dataunodc.un.org/content/data/Crime_by_country.csv"

// UNODC serves country crime rates from one CSV table, downloaded once per
// run. An indicator's code names the column it reads.
type UNODC struct {
	client  Client
	cache   cache.Cache
	catalog *catalog.Catalog
	url     string

	table memo[crimeTable]
}

type crimeTable struct {
	columns map[string]int      // lower-cased header -> index
	rows    map[string][]string // canonical country -> row
	err     error
}

// NewUNODC creates the crime table provider. A nil cache disables caching.
func NewUNODC(client Client, c cache.Cache, cat *catalog.Catalog, url string) *UNODC {
	if c == nil {
		c = cache.Nop{}
	}
	if url == "" {
		url = DefaultUNODCURL
	}
	return &UNODC{client: client, cache: c, catalog: cat, url: url}
}

func (u *UNODC) Name() catalog.Source { return catalog.SourceUNODC }

// Fetch reads the entity's country row from the table.
func (u *UNODC) Fetch(ctx context.Context, e model.Entity, inds []*catalog.Indicator) map[string]model.Outcome {
	src := string(catalog.SourceUNODC)
	t := u.load(ctx)
	if t.err != nil {
		return each(inds, model.Failed(src, t.err))
	}

	country := e.DisplayCountry()
	row, ok := t.rows[u.canonical(country)]
	if !ok {
		return each(inds, model.Absent(src, "no row for "+country))
	}

	out := make(map[string]model.Outcome, len(inds))
	for _, ind := range inds {
		col, ok := t.columns[strings.ToLower(ind.Code)]
		if !ok {
			out[ind.Key] = model.Absent(src, "no column "+ind.Code)
			continue
		}
		if col >= len(row) || row[col] == "" {
			out[ind.Key] = model.Absent(src, "empty cell")
			continue
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(row[col], ",", ""), 64)
		if err != nil {
			out[ind.Key] = model.Absent(src, "not a number: "+row[col])
			continue
		}
		out[ind.Key] = ind.Validate(src, v)
	}
	return out
}

func (u *UNODC) canonical(country string) string {
	if u.catalog != nil {
		country = u.catalog.CanonicalCountry(country)
	}
	return strings.ToLower(strings.TrimSpace(country))
}

func (u *UNODC) load(ctx context.Context) crimeTable {
	return u.table.get(ctx, u.url, func(ctx context.Context) crimeTable {
		body, err := u.download(ctx)
		if err != nil {
			return crimeTable{err: err}
		}
		t, err := u.parse(ctx, body)
		if err != nil {
			return crimeTable{err: err}
		}
		zap.L().Info("unodc: table loaded", zap.Int("countries", len(t.rows)), zap.Int("columns", len(t.columns)))
		return t
	})
}

func (u *UNODC) download(ctx context.Context) ([]byte, error) {
	data, ok, err := u.cache.Get(ctx, u.url)
	if err != nil {
		zap.L().Warn("unodc: cache read failed", zap.Error(err))
	}
	if ok {
		return data, nil
	}
	body, _, err := u.client.Get(ctx, u.url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "unodc: fetch table")
	}
	if err := u.cache.Put(ctx, u.url, body); err != nil {
		zap.L().Warn("unodc: cache write failed", zap.Error(err))
	}
	return body, nil
}

// parse indexes the table by canonical country. Later rows for the same
// country replace earlier ones.
func (u *UNODC) parse(ctx context.Context, body []byte) (crimeTable, error) {
	headerCh := make(chan []string, 1)
	rowCh, errCh := fetcher.StreamCSV(ctx, bytes.NewReader(body), fetcher.CSVOptions{
		HasHeader:  true,
		HeaderCh:   headerCh,
		LazyQuotes: true,
		TrimSpace:  true,
	})

	var raw [][]string
	for row := range rowCh {
		raw = append(raw, row)
	}
	if err := <-errCh; err != nil {
		return crimeTable{}, eris.Wrap(err, "unodc: parse table")
	}

	var header []string
	select {
	case header = <-headerCh:
	default:
		return crimeTable{}, eris.New("unodc: table has no header")
	}

	t := crimeTable{
		columns: make(map[string]int, len(header)),
		rows:    make(map[string][]string, len(raw)),
	}
	countryCol := 0
	for i, h := range header {
		key := strings.ToLower(h)
		t.columns[key] = i
		if key == "country" {
			countryCol = i
		}
	}
	for _, row := range raw {
		if countryCol >= len(row) || row[countryCol] == "" {
			continue
		}
		t.rows[u.canonical(row[countryCol])] = row
	}
	return t, nil
}
