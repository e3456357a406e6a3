package source

import (
	"bytes"
	"context"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/cityranker/citystats/internal/cache"
	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/model"
)

// DefaultScrapeUserAgent is sent when fetching pages to scrape.
const DefaultScrapeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0 Safari/537.36"

// WikiTable scrapes country rows out of Wikipedia list pages. Raw pages are
// cached by URL; parsed rows are kept in memory for the rest of the run.
type WikiTable struct {
	client    Client
	cache     cache.Cache
	catalog   *catalog.Catalog
	userAgent string

	pages memo[pageRows]
}

type pageRows struct {
	rows []string
	err  error
}

// NewWikiTable creates a table scraper. A nil cache disables caching.
func NewWikiTable(client Client, c cache.Cache, cat *catalog.Catalog, userAgent string) *WikiTable {
	if c == nil {
		c = cache.Nop{}
	}
	if userAgent == "" {
		userAgent = DefaultScrapeUserAgent
	}
	return &WikiTable{client: client, cache: c, catalog: cat, userAgent: userAgent}
}

func (w *WikiTable) Name() catalog.Source { return catalog.SourceWikipedia }

// Fetch matches the entity's country in each indicator's page.
func (w *WikiTable) Fetch(ctx context.Context, e model.Entity, inds []*catalog.Indicator) map[string]model.Outcome {
	country := e.DisplayCountry()
	out := make(map[string]model.Outcome, len(inds))
	for _, ind := range inds {
		out[ind.Key] = w.Lookup(ctx, ind, country)
	}
	return out
}

// Lookup returns the indicator value for one country name.
func (w *WikiTable) Lookup(ctx context.Context, ind *catalog.Indicator, country string) model.Outcome {
	src := string(catalog.SourceWikipedia)
	rows, err := w.Rows(ctx, ind.URL)
	if err != nil {
		return model.Failed(src, err)
	}
	row, ok := MatchRow(rows, w.candidates(country))
	if !ok {
		return model.Absent(src, "no row for "+country)
	}
	v, ok := FirstNumber(row)
	if !ok {
		return model.Absent(src, "no numeric token in row")
	}
	return ind.Validate(src, v)
}

func (w *WikiTable) candidates(country string) []string {
	canonical := country
	if w.catalog != nil {
		canonical = w.catalog.CanonicalCountry(country)
	}
	out := []string{canonical}
	if c := strings.TrimSpace(country); c != canonical && c != "" {
		out = append(out, c)
	}
	return out
}

// Rows returns the text of every table row on the page at url.
func (w *WikiTable) Rows(ctx context.Context, url string) ([]string, error) {
	res := w.pages.get(ctx, url, func(ctx context.Context) pageRows {
		page, err := w.page(ctx, url)
		if err != nil {
			return pageRows{err: err}
		}
		rows, err := TableRows(page)
		return pageRows{rows: rows, err: err}
	})
	return res.rows, res.err
}

func (w *WikiTable) page(ctx context.Context, url string) ([]byte, error) {
	data, ok, err := w.cache.Get(ctx, url)
	if err != nil {
		zap.L().Warn("wikitable: cache read failed", zap.String("url", url), zap.Error(err))
	}
	if ok {
		return data, nil
	}

	h := http.Header{}
	h.Set("User-Agent", w.userAgent)
	body, header, err := w.client.Get(ctx, url, h)
	if err != nil {
		return nil, eris.Wrap(err, "wikitable: fetch page")
	}
	body, err = DecodeHTML(body, header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	if err := w.cache.Put(ctx, url, body); err != nil {
		zap.L().Warn("wikitable: cache write failed", zap.String("url", url), zap.Error(err))
	}
	return body, nil
}

var metaCharset = regexp.MustCompile(`(?i)<meta[^>]+charset=["']?([a-zA-Z0-9_\-]+)`)

// DecodeHTML converts a page to UTF-8 using the charset from the
// Content-Type header or a <meta> tag.
func DecodeHTML(body []byte, contentType string) ([]byte, error) {
	name := ""
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		name = params["charset"]
	}
	if name == "" {
		head := body
		if len(head) > 2048 {
			head = head[:2048]
		}
		if m := metaCharset.FindSubmatch(head); m != nil {
			name = string(m[1])
		}
	}
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return body, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, eris.Wrapf(err, "wikitable: unknown charset %q", name)
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, eris.Wrapf(err, "wikitable: decode %s", name)
	}
	return out, nil
}

var spaces = regexp.MustCompile(`\s+`)

// TableRows extracts the whitespace-normalized text of each row of every
// wikitable or sortable table, cells joined by a single space.
func TableRows(page []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, eris.Wrap(err, "wikitable: parse html")
	}
	var rows []string
	doc.Find("table.wikitable, table.sortable").Each(func(_ int, table *goquery.Selection) {
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var cells []string
			tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
				if t := strings.TrimSpace(cell.Text()); t != "" {
					cells = append(cells, t)
				}
			})
			if len(cells) > 0 {
				rows = append(rows, spaces.ReplaceAllString(strings.Join(cells, " "), " "))
			}
		})
	})
	return rows, nil
}

// MatchRow returns the first row containing one of names as a whole word,
// case-insensitively. Names are tried in order; a diacritic-folded pass runs
// last.
func MatchRow(rows []string, names []string) (string, bool) {
	for _, name := range names {
		if row, ok := matchWord(rows, name, false); ok {
			return row, true
		}
	}
	for _, name := range names {
		if row, ok := matchWord(rows, name, true); ok {
			return row, true
		}
	}
	return "", false
}

func matchWord(rows []string, name string, folded bool) (string, bool) {
	if name == "" {
		return "", false
	}
	if folded {
		name = Fold(name)
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
	if err != nil {
		return "", false
	}
	for _, row := range rows {
		text := row
		if folded {
			text = Fold(row)
		}
		if re.MatchString(text) {
			return row, true
		}
	}
	return "", false
}

// Fold strips combining marks: "Côte d'Ivoire" becomes "Cote d'Ivoire".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

var numberToken = regexp.MustCompile(`\d+(?:\.\d+)?`)

// FirstNumber extracts the first numeric token of text after removing
// thousands separators.
func FirstNumber(text string) (float64, bool) {
	m := numberToken.FindString(strings.ReplaceAll(text, ",", ""))
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
