package source

import (
	"context"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/model"
)

// DefaultMeteoURL is the Open-Meteo API root.
const DefaultMeteoURL = "https://api.open-meteo.com"

// Meteo reduces Open-Meteo daily series by coordinate. Indicator codes have
// the form "<daily variable>:<mean|sum|min|max>".
type Meteo struct {
	client  Client
	baseURL string
}

// NewMeteo creates an Open-Meteo provider.
func NewMeteo(client Client, baseURL string) *Meteo {
	if baseURL == "" {
		baseURL = DefaultMeteoURL
	}
	return &Meteo{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (m *Meteo) Name() catalog.Source { return catalog.SourceMeteo }

type meteoResponse struct {
	Daily map[string]any `json:"daily"`
}

func splitMeteoCode(code string) (variable, reduction string) {
	variable, reduction, ok := strings.Cut(code, ":")
	if !ok {
		reduction = "mean"
	}
	return variable, reduction
}

// Fetch requests every daily variable the indicators need in one forecast
// call and reduces each series. Entities at 0,0 have no coordinates.
func (m *Meteo) Fetch(ctx context.Context, e model.Entity, inds []*catalog.Indicator) map[string]model.Outcome {
	src := string(catalog.SourceMeteo)
	if e.Lat == 0 && e.Lon == 0 {
		return each(inds, model.Absent(src, "no coordinates"))
	}

	var vars []string
	seen := make(map[string]bool)
	for _, ind := range inds {
		v, _ := splitMeteoCode(ind.Code)
		if !seen[v] {
			seen[v] = true
			vars = append(vars, v)
		}
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(e.Lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(e.Lon, 'f', -1, 64))
	q.Set("daily", strings.Join(vars, ","))
	q.Set("timezone", "UTC")

	var resp meteoResponse
	if err := m.client.GetJSON(ctx, m.baseURL+"/v1/forecast?"+q.Encode(), &resp); err != nil {
		return each(inds, model.Failed(src, err))
	}

	out := make(map[string]model.Outcome, len(inds))
	for _, ind := range inds {
		variable, reduction := splitMeteoCode(ind.Code)
		series := numbers(resp.Daily[variable])
		v, ok := Reduce(series, reduction)
		if !ok {
			out[ind.Key] = model.Absent(src, "empty "+variable+" series")
			continue
		}
		out[ind.Key] = ind.Validate(src, v)
	}
	return out
}

// numbers keeps the numeric members of a decoded JSON array; nulls are
// skipped.
func numbers(raw any) []float64 {
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(arr))
	for _, x := range arr {
		if f, ok := x.(float64); ok {
			out = append(out, f)
		}
	}
	return out
}

// Reduce collapses a series to one number rounded to two decimals.
func Reduce(series []float64, reduction string) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	var v float64
	switch reduction {
	case "sum":
		for _, x := range series {
			v += x
		}
	case "min":
		v = series[0]
		for _, x := range series[1:] {
			v = math.Min(v, x)
		}
	case "max":
		v = series[0]
		for _, x := range series[1:] {
			v = math.Max(v, x)
		}
	default:
		for _, x := range series {
			v += x
		}
		v /= float64(len(series))
	}
	return math.Round(v*100) / 100, true
}
