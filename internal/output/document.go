// Package output writes collected data to disk: JSON, CSV or XLSX, with a
// backup of the previous file and atomic snapshot and final writes.
package output

import (
	"encoding/json"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/cityranker/citystats/internal/model"
)

// Document is anything the writer can encode. JSON uses the value's own
// JSON encoding; CSV and XLSX use Header and Rows.
type Document interface {
	Header() []string
	Rows() [][]string
}

// ColumnTyper marks the columns a spreadsheet stores as numbers. Documents
// without it are written as text.
type ColumnTyper interface {
	NumericColumns() []bool
}

// Records is the document written by the collect command.
type Records []*model.Record

var identityColumns = []string{
	"id", "name", "country", "country_name", "continent", "region_name", "lat", "lon", "population",
}

var numericIdentity = map[string]bool{"id": true, "lat": true, "lon": true, "population": true}

// IndicatorKeys returns the union of present indicator keys, sorted.
func (r Records) IndicatorKeys() []string {
	keys := make(map[string]bool)
	for _, rec := range r {
		for k := range rec.Values {
			keys[k] = true
		}
	}
	return slices.Sorted(maps.Keys(keys))
}

// MarshalJSON encodes an empty set as [] rather than null.
func (r Records) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]*model.Record(r))
}

func (r Records) Header() []string {
	h := slices.Clone(identityColumns)
	h = append(h, r.IndicatorKeys()...)
	return append(h, "estimated")
}

// NumericColumns implements ColumnTyper: id, coordinates, population and
// every indicator column.
func (r Records) NumericColumns() []bool {
	out := make([]bool, 0, len(identityColumns)+1)
	for _, c := range identityColumns {
		out = append(out, numericIdentity[c])
	}
	for range r.IndicatorKeys() {
		out = append(out, true)
	}
	return append(out, false)
}

// Rows renders one row per record. Absent indicators are empty cells.
func (r Records) Rows() [][]string {
	keys := r.IndicatorKeys()
	rows := make([][]string, 0, len(r))
	for _, rec := range r {
		row := []string{
			strconv.FormatInt(rec.ID, 10),
			rec.Name,
			rec.Country,
			rec.CountryName,
			rec.Continent,
			rec.RegionName,
			formatFloat(rec.Lat),
			formatFloat(rec.Lon),
			strconv.FormatInt(rec.Population, 10),
		}
		for _, k := range keys {
			if v, ok := rec.Values[k]; ok {
				row = append(row, formatFloat(v))
			} else {
				row = append(row, "")
			}
		}
		row = append(row, strings.Join(rec.EstimatedKeys(), ";"))
		rows = append(rows, row)
	}
	return rows
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ReadRecords loads a JSON array of records written by a previous run.
func ReadRecords(path string) ([]*model.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "output: read %s", path)
	}
	var records []*model.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, eris.Wrapf(err, "output: decode %s", path)
	}
	return records, nil
}
