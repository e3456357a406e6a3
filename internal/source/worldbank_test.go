package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/model"
)

const wbCountries = `[{"page":1,"pages":1,"per_page":400,"total":3},[
 {"id":"CZE","iso2Code":"CZ","name":"Czechia","region":{"id":"ECS","value":"Europe & Central Asia"}},
 {"id":"FRA","iso2Code":"FR","name":"France","region":{"id":"ECS","value":"Europe & Central Asia"}},
 {"id":"EUU","iso2Code":"EU","name":"European Union","region":{"id":"NA","value":"Aggregates"}}
]]`

const wbGDP = `[{"page":1},[
 {"date":"2023","value":null},
 {"date":"2021","value":26378.5},
 {"date":"2022","value":27638.4},
 {"date":"2020","value":22992.9}
]]`

func newWorldBankServer(t *testing.T, indicatorCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/country":
			assert.Equal(t, "400", r.URL.Query().Get("per_page"))
			_, _ = w.Write([]byte(wbCountries))
		case "/v2/country/CZE/indicator/NY.GDP.PCAP.CD":
			indicatorCalls.Add(1)
			_, _ = w.Write([]byte(wbGDP))
		case "/v2/country/CZE/indicator/SP.DYN.LE00.IN":
			indicatorCalls.Add(1)
			_, _ = w.Write([]byte(`[{"page":1},null]`))
		case "/v2/country/CZE/indicator/BROKEN":
			indicatorCalls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWorldBank_LatestNonNullObservation(t *testing.T) {
	var calls atomic.Int32
	srv := newWorldBankServer(t, &calls)
	wb := NewWorldBank(newTestClient(), srv.URL+"/v2")

	inds := []*catalog.Indicator{
		{Key: "gdp_per_capita", Source: catalog.SourceWorldBank, Code: "NY.GDP.PCAP.CD"},
		{Key: "life_expectancy", Source: catalog.SourceWorldBank, Code: "SP.DYN.LE00.IN"},
	}
	got := wb.Fetch(context.Background(), model.Entity{Name: "Prague", Country: "CZ"}, inds)

	require.True(t, got["gdp_per_capita"].OK())
	assert.InDelta(t, 27638.4, got["gdp_per_capita"].Value, 1e-9)
	assert.Equal(t, model.StatusAbsent, got["life_expectancy"].Status)
}

func TestWorldBank_CountryLookupsSharedAcrossEntities(t *testing.T) {
	var calls atomic.Int32
	srv := newWorldBankServer(t, &calls)
	wb := NewWorldBank(newTestClient(), srv.URL+"/v2")
	inds := []*catalog.Indicator{
		{Key: "gdp_per_capita", Source: catalog.SourceWorldBank, Code: "NY.GDP.PCAP.CD"},
		{Key: "broken", Source: catalog.SourceWorldBank, Code: "BROKEN"},
	}

	first := wb.Fetch(context.Background(), model.Entity{Name: "Prague", Country: "CZ"}, inds)
	second := wb.Fetch(context.Background(), model.Entity{Name: "Brno", Country: "CZ"}, inds)

	assert.Equal(t, first["gdp_per_capita"], second["gdp_per_capita"])
	assert.Equal(t, model.StatusFailed, first["broken"].Status)
	assert.Equal(t, model.StatusFailed, second["broken"].Status)
	// One call for GDP, three attempts for the failing indicator, none for Brno.
	assert.Equal(t, int32(4), calls.Load())
}

func TestWorldBank_RangeAndUnknownCountry(t *testing.T) {
	var calls atomic.Int32
	srv := newWorldBankServer(t, &calls)
	wb := NewWorldBank(newTestClient(), srv.URL+"/v2")
	inds := []*catalog.Indicator{
		{Key: "gdp_per_capita", Source: catalog.SourceWorldBank, Code: "NY.GDP.PCAP.CD", Range: []float64{0, 1000}},
	}

	got := wb.Fetch(context.Background(), model.Entity{Country: "CZ"}, inds)
	assert.Equal(t, model.StatusRejected, got["gdp_per_capita"].Status)

	got = wb.Fetch(context.Background(), model.Entity{Country: "EU"}, inds)
	assert.Equal(t, model.StatusAbsent, got["gdp_per_capita"].Status)

	c, ok := wb.Country(context.Background(), "fr")
	require.True(t, ok)
	assert.Equal(t, Country{ISO2: "FR", ISO3: "FRA", Name: "France"}, c)
}

func TestWorldBank_DirectoryFailureMarksFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	wb := NewWorldBank(newTestClient(), srv.URL)
	got := wb.Fetch(context.Background(), model.Entity{Country: "CZ"}, []*catalog.Indicator{{Key: "x", Code: "X"}})
	assert.Equal(t, model.StatusFailed, got["x"].Status)
	assert.Contains(t, got["x"].Detail, "http 403")

	_, ok := wb.Country(context.Background(), "CZ")
	assert.False(t, ok)
}

func TestLatestObservation(t *testing.T) {
	v1, v2 := 1.0, 2.0
	got, ok := latestObservation([]wbObservation{{Date: "2019", Value: &v1}, {Date: "2021Q2", Value: &v2}, {Date: "2022"}})
	require.True(t, ok)
	assert.InDelta(t, 2.0, got, 1e-9)

	_, ok = latestObservation([]wbObservation{{Date: "2022"}})
	assert.False(t, ok)
}
