package source

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/model"
)

// DefaultUSGSURL is the USGS design maps web service root.
const DefaultUSGSURL = "https://earthquake.usgs.gov/ws/designmaps/1.0"

// USGS serves peak ground acceleration (2% in 50 years) by coordinate.
type USGS struct {
	client  Client
	baseURL string
}

// NewUSGS creates a USGS design maps provider.
func NewUSGS(client Client, baseURL string) *USGS {
	if baseURL == "" {
		baseURL = DefaultUSGSURL
	}
	return &USGS{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (u *USGS) Name() catalog.Source { return catalog.SourceUSGS }

type pgaResponse struct {
	PGA      *float64 `json:"pga"`
	Response struct {
		Data struct {
			PGA *float64 `json:"pga"`
		} `json:"data"`
	} `json:"response"`
}

// Fetch looks up the design-map PGA at the entity's coordinates.
func (u *USGS) Fetch(ctx context.Context, e model.Entity, inds []*catalog.Indicator) map[string]model.Outcome {
	src := string(catalog.SourceUSGS)
	if e.Lat == 0 && e.Lon == 0 {
		return each(inds, model.Absent(src, "no coordinates"))
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(e.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(e.Lon, 'f', -1, 64))
	q.Set("probability", "0.02")
	q.Set("period", "50")

	var resp pgaResponse
	if err := u.client.GetJSON(ctx, u.baseURL+"/pgaview?"+q.Encode(), &resp); err != nil {
		return each(inds, model.Failed(src, err))
	}
	pga := resp.PGA
	if pga == nil {
		pga = resp.Response.Data.PGA
	}
	if pga == nil {
		return each(inds, model.Absent(src, "no pga in response"))
	}

	out := make(map[string]model.Outcome, len(inds))
	for _, ind := range inds {
		out[ind.Key] = ind.Validate(src, *pga)
	}
	return out
}
