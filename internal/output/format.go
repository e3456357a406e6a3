package output

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Format is an output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a format name. An empty name is inferred from the
// extension of path, defaulting to JSON.
func ParseFormat(name, path string) (Format, error) {
	if name == "" {
		name = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
		if name == "" {
			return FormatJSON, nil
		}
	}
	switch f := Format(strings.ToLower(name)); f {
	case FormatJSON, FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", eris.Errorf("output: unknown format %q", name)
	}
}

// Encode writes doc to w in format f.
func Encode(w io.Writer, f Format, doc Document) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return eris.Wrap(enc.Encode(doc), "output: encode json")
	case FormatCSV:
		return encodeCSV(w, doc)
	case FormatXLSX:
		return encodeXLSX(w, doc)
	default:
		return eris.Errorf("output: unknown format %q", f)
	}
}

func encodeCSV(w io.Writer, doc Document) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(doc.Header()); err != nil {
		return eris.Wrap(err, "output: write csv header")
	}
	if err := cw.WriteAll(doc.Rows()); err != nil {
		return eris.Wrap(err, "output: write csv rows")
	}
	return nil
}

func encodeXLSX(w io.Writer, doc Document) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("data")
	if err != nil {
		return eris.Wrap(err, "output: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range doc.Header() {
		header.AddCell().SetString(h)
	}
	var numeric []bool
	if ct, ok := doc.(ColumnTyper); ok {
		numeric = ct.NumericColumns()
	}
	for _, r := range doc.Rows() {
		row := sheet.AddRow()
		for i, v := range r {
			cell := row.AddCell()
			if i < len(numeric) && numeric[i] && v != "" {
				if n, err := strconv.ParseFloat(v, 64); err == nil {
					cell.SetFloat(n)
					continue
				}
			}
			cell.SetString(v)
		}
	}
	return eris.Wrap(f.Write(w), "output: write xlsx")
}
