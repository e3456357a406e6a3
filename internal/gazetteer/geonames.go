// Package gazetteer produces the candidate entity list: GeoNames dump files
// on disk or a paginated Wikidata SPARQL query.
package gazetteer

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/cityranker/citystats/internal/model"
)

// GeoNames dump column positions.
const (
	colID         = 0
	colName       = 1
	colLat        = 4
	colLon        = 5
	colCountry    = 8
	colAdmin1     = 10
	colPopulation = 14

	minFields = 15
)

// Options narrows and truncates a loaded entity list.
type Options struct {
	// TopN keeps only the N most populous entities. Zero keeps all.
	TopN int

	// MinPopulation drops entities below this population.
	MinPopulation int64

	// Bounds, when set, drops entities whose coordinates fall outside it.
	Bounds *geom.Bounds

	// Admin1 maps "CC.code" to a region name.
	Admin1 map[string]string
}

// LoadGeoNames reads a GeoNames cities dump from path.
func LoadGeoNames(path string, opts Options) ([]model.Entity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "gazetteer: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	entities, err := ParseGeoNames(f, opts)
	if err != nil {
		return nil, eris.Wrapf(err, "gazetteer: load %s", path)
	}
	return entities, nil
}

// ParseGeoNames reads tab-separated GeoNames rows. Rows with too few fields
// or a non-numeric id are skipped; a bad population counts as zero and bad
// coordinates as 0,0.
func ParseGeoNames(r io.Reader, opts Options) ([]model.Entity, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		entities []model.Entity
		skipped  int
	)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < minFields {
			skipped++
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(fields[colID]), 10, 64)
		if err != nil {
			skipped++
			continue
		}

		pop, err := strconv.ParseInt(strings.TrimSpace(fields[colPopulation]), 10, 64)
		if err != nil {
			pop = 0
		}
		if pop < opts.MinPopulation {
			continue
		}
		lat, _ := strconv.ParseFloat(fields[colLat], 64)
		lon, _ := strconv.ParseFloat(fields[colLon], 64)
		if opts.Bounds != nil && !opts.Bounds.OverlapsPoint(geom.XY, geom.Coord{lon, lat}) {
			continue
		}

		e := model.Entity{
			ID:         id,
			Name:       fields[colName],
			Country:    strings.ToUpper(fields[colCountry]),
			Admin1:     fields[colAdmin1],
			Lat:        lat,
			Lon:        lon,
			Population: pop,
		}
		if opts.Admin1 != nil {
			e.RegionName = opts.Admin1[e.Country+"."+e.Admin1]
		}
		entities = append(entities, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "gazetteer: scan rows")
	}
	if skipped > 0 {
		zap.L().Debug("gazetteer: skipped malformed rows", zap.Int("rows", skipped))
	}

	return Rank(entities, opts.TopN), nil
}

// Rank sorts entities by population descending (ties by id) and keeps the
// first topN. topN <= 0 keeps everything.
func Rank(entities []model.Entity, topN int) []model.Entity {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].Population != entities[j].Population {
			return entities[i].Population > entities[j].Population
		}
		return entities[i].ID < entities[j].ID
	})
	if topN > 0 && len(entities) > topN {
		entities = entities[:topN]
	}
	return entities
}

// ParseBBox parses "minLon,minLat,maxLon,maxLat". An empty string returns nil.
func ParseBBox(s string) (*geom.Bounds, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, eris.Errorf("gazetteer: bbox %q needs 4 comma-separated numbers", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "gazetteer: bbox value %q", p)
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return nil, eris.Errorf("gazetteer: bbox %q has min greater than max", s)
	}
	return geom.NewBounds(geom.XY).Set(v[0], v[1], v[2], v[3]), nil
}

// LoadAdmin1 reads admin1CodesASCII.txt into a "CC.code" -> name map.
func LoadAdmin1(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "gazetteer: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return ParseAdmin1(f)
}

// ParseAdmin1 parses admin1 code rows; rows with fewer than two fields are
// ignored.
func ParseAdmin1(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		out[fields[0]] = fields[1]
	}
	return out, eris.Wrap(scanner.Err(), "gazetteer: scan admin1")
}
