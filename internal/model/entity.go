package model

import (
	"encoding/json"
	"maps"
	"slices"
)

// Entity is a single populated place produced by a gazetteer loader.
type Entity struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Country     string  `json:"country"`
	CountryName string  `json:"country_name,omitempty"`
	Continent   string  `json:"continent,omitempty"`
	Admin1      string  `json:"-"`
	RegionName  string  `json:"region_name,omitempty"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Population  int64   `json:"population"`
}

// DisplayCountry returns the human-readable country name, falling back to
// the ISO code when no name is known.
func (e Entity) DisplayCountry() string {
	if e.CountryName != "" {
		return e.CountryName
	}
	return e.Country
}

// Record is an Entity plus the indicator values collected for it. Indicator
// keys are unique per record; absent indicators have no key at all.
type Record struct {
	Entity

	Values    map[string]float64 `json:"-"`
	Estimated map[string]bool    `json:"-"`
	Outcomes  map[string]Outcome `json:"-"`
}

// NewRecord returns an empty record for e.
func NewRecord(e Entity) *Record {
	return &Record{
		Entity:    e,
		Values:    make(map[string]float64),
		Estimated: make(map[string]bool),
		Outcomes:  make(map[string]Outcome),
	}
}

// Apply stores the outcome for key. Only found outcomes become values; the
// outcome itself is kept for diagnostics either way.
func (r *Record) Apply(key string, o Outcome) {
	r.Outcomes[key] = o
	if !o.OK() {
		return
	}
	r.Values[key] = o.Value
	if o.Estimated {
		r.Estimated[key] = true
	} else {
		delete(r.Estimated, key)
	}
}

// Has reports whether key holds a value.
func (r *Record) Has(key string) bool {
	_, ok := r.Values[key]
	return ok
}

// Keys returns the present indicator keys in sorted order.
func (r *Record) Keys() []string {
	return slices.Sorted(maps.Keys(r.Values))
}

// EstimatedKeys returns the sorted keys whose values came from the gap filler.
func (r *Record) EstimatedKeys() []string {
	return slices.Sorted(maps.Keys(r.Estimated))
}

// Fields flattens the record into a single map: identity fields, one key per
// present indicator, and an "estimated" list when any value is an estimate.
func (r *Record) Fields() map[string]any {
	out := map[string]any{
		"id":         r.ID,
		"name":       r.Name,
		"country":    r.Country,
		"lat":        r.Lat,
		"lon":        r.Lon,
		"population": r.Population,
	}
	if r.CountryName != "" {
		out["country_name"] = r.CountryName
	}
	if r.Continent != "" {
		out["continent"] = r.Continent
	}
	if r.RegionName != "" {
		out["region_name"] = r.RegionName
	}
	for k, v := range r.Values {
		if _, reserved := out[k]; reserved {
			continue
		}
		out[k] = v
	}
	if len(r.Estimated) > 0 {
		out["estimated"] = r.EstimatedKeys()
	}
	return out
}

// MarshalJSON encodes the flattened form returned by Fields.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields())
}

// UnmarshalJSON decodes the flat form written by MarshalJSON. Unknown numeric
// keys become indicator values.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &r.Entity); err != nil {
		return err
	}
	r.Values = make(map[string]float64)
	r.Estimated = make(map[string]bool)
	r.Outcomes = make(map[string]Outcome)

	for k, v := range raw {
		switch k {
		case "id", "name", "country", "country_name", "continent", "region_name", "lat", "lon", "population":
			continue
		case "estimated":
			var keys []string
			if err := json.Unmarshal(v, &keys); err != nil {
				return err
			}
			for _, key := range keys {
				r.Estimated[key] = true
			}
		default:
			var f float64
			if err := json.Unmarshal(v, &f); err != nil {
				// Non-numeric extras are not indicator values.
				continue
			}
			r.Values[k] = f
		}
	}
	return nil
}
