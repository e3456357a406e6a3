package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cityranker/citystats/internal/cache"
	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/model"
)

const crimeCSV = "Region,Country,Year,Homicide Rate,Theft Rate\n" +
	"Europe,Russian Federation,2019,7.3,500\n" +
	"Europe,Russian Federation,2020,6.8,480\n" +
	"Asia,Republic of Korea,2020,1.3,\"1,234.5\"\n" +
	"Europe,France,2020,1.2,\n" +
	"Europe,Atlantis,2020,n/a,9999999\n"

func newCrimeServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/Crime_by_country.csv" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(crimeCSV))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func crimeIndicators() []*catalog.Indicator {
	return []*catalog.Indicator{
		{Key: "unodc_homicide_rate", Source: catalog.SourceUNODC, Code: "Homicide Rate", Range: []float64{0, 200}},
		{Key: "theft_rate", Source: catalog.SourceUNODC, Code: "Theft Rate", Range: []float64{0, 20000}},
	}
}

func TestUNODC_MatchesCanonicalCountry(t *testing.T) {
	var hits atomic.Int32
	srv := newCrimeServer(t, &hits)
	u := NewUNODC(newTestClient(), nil, testCatalog(t), srv.URL+"/Crime_by_country.csv")
	inds := crimeIndicators()

	moscow := u.Fetch(context.Background(), model.Entity{Name: "Moscow", Country: "RU", CountryName: "Russian Federation"}, inds)
	require.True(t, moscow["unodc_homicide_rate"].OK(), moscow["unodc_homicide_rate"].String())
	assert.InDelta(t, 6.8, moscow["unodc_homicide_rate"].Value, 1e-9, "last row for a country wins")
	assert.InDelta(t, 480, moscow["theft_rate"].Value, 1e-9)

	// The World Bank and UNODC spellings canonicalize to the same name.
	seoul := u.Fetch(context.Background(), model.Entity{Name: "Seoul", Country: "KR", CountryName: "Korea, Rep."}, inds)
	require.True(t, seoul["theft_rate"].OK(), seoul["theft_rate"].String())
	assert.InDelta(t, 1234.5, seoul["theft_rate"].Value, 1e-9)

	// One download serves the whole run.
	assert.Equal(t, int32(1), hits.Load())
}

func TestUNODC_MissingAndInvalidCells(t *testing.T) {
	var hits atomic.Int32
	srv := newCrimeServer(t, &hits)
	u := NewUNODC(newTestClient(), nil, testCatalog(t), srv.URL+"/Crime_by_country.csv")
	inds := crimeIndicators()

	paris := u.Fetch(context.Background(), model.Entity{Name: "Paris", Country: "FR", CountryName: "France"}, inds)
	assert.True(t, paris["unodc_homicide_rate"].OK())
	assert.Equal(t, model.StatusAbsent, paris["theft_rate"].Status)

	poseidonis := u.Fetch(context.Background(), model.Entity{Name: "Poseidonis", CountryName: "Atlantis"}, inds)
	assert.Equal(t, model.StatusAbsent, poseidonis["unodc_homicide_rate"].Status)
	assert.Contains(t, poseidonis["unodc_homicide_rate"].Detail, "not a number")
	assert.Equal(t, model.StatusRejected, poseidonis["theft_rate"].Status)

	lima := u.Fetch(context.Background(), model.Entity{Name: "Lima", Country: "PE", CountryName: "Peru"}, inds)
	assert.Equal(t, model.StatusAbsent, lima["theft_rate"].Status)
	assert.Contains(t, lima["theft_rate"].Detail, "no row for Peru")

	unknown := []*catalog.Indicator{{Key: "fraud_rate", Source: catalog.SourceUNODC, Code: "Fraud Rate"}}
	got := u.Fetch(context.Background(), model.Entity{Name: "Paris", CountryName: "France"}, unknown)
	assert.Contains(t, got["fraud_rate"].Detail, "no column")
}

func TestUNODC_DownloadFailure(t *testing.T) {
	var hits atomic.Int32
	srv := newCrimeServer(t, &hits)
	u := NewUNODC(newTestClient(), nil, testCatalog(t), srv.URL+"/missing.csv")

	got := u.Fetch(context.Background(), model.Entity{Name: "Paris", CountryName: "France"}, crimeIndicators())
	assert.Equal(t, model.StatusFailed, got["theft_rate"].Status)
	assert.Equal(t, model.StatusFailed, got["unodc_homicide_rate"].Status)
}

func TestUNODC_CachedTable(t *testing.T) {
	var hits atomic.Int32
	srv := newCrimeServer(t, &hits)
	dir := filepath.Join(t.TempDir(), "unodc")
	url := srv.URL + "/Crime_by_country.csv"

	first := NewUNODC(newTestClient(), cache.NewFileCache(dir, ".csv"), testCatalog(t), url)
	a := first.Fetch(context.Background(), model.Entity{Name: "Paris", CountryName: "France"}, crimeIndicators())

	srv.Close()
	second := NewUNODC(newTestClient(), cache.NewFileCache(dir, ".csv"), testCatalog(t), url)
	b := second.Fetch(context.Background(), model.Entity{Name: "Paris", CountryName: "France"}, crimeIndicators())

	assert.Equal(t, a, b)
	assert.Equal(t, int32(1), hits.Load())
}
