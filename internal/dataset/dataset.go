// Package dataset holds the tabular data that flows between pipeline stages.
//
// A Dataset is a set of named numeric columns with missing values stored as
// NaN. Datasets are never modified in place: Select, Rename and friends
// return a new value. Column lookup is case-insensitive because the engine
// upper-cases every variable name it writes back.
package dataset

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Dataset is an immutable table of float64 values.
type Dataset struct {
	Columns []string
	Rows    [][]float64
}

// New builds a dataset, checking every row has one value per column.
func New(columns []string, rows [][]float64) (*Dataset, error) {
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		key := strings.ToLower(c)
		if c == "" {
			return nil, fmt.Errorf("dataset: empty column name")
		}
		if seen[key] {
			return nil, fmt.Errorf("dataset: duplicate column %q", c)
		}
		seen[key] = true
	}
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, fmt.Errorf("dataset: row %d has %d values, want %d", i+1, len(r), len(columns))
		}
	}
	return &Dataset{Columns: append([]string(nil), columns...), Rows: rows}, nil
}

// Missing reports whether v is a missing value.
func Missing(v float64) bool { return math.IsNaN(v) }

// Len returns the number of observations.
func (d *Dataset) Len() int { return len(d.Rows) }

// Index returns the position of column name, or -1.
func (d *Dataset) Index(name string) int {
	for i, c := range d.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Has reports whether the dataset contains column name.
func (d *Dataset) Has(name string) bool { return d.Index(name) >= 0 }

// Column returns a copy of the values of one column.
func (d *Dataset) Column(name string) ([]float64, error) {
	idx := d.Index(name)
	if idx < 0 {
		return nil, fmt.Errorf("dataset: no column %q", name)
	}
	out := make([]float64, len(d.Rows))
	for i, r := range d.Rows {
		out[i] = r[idx]
	}
	return out, nil
}

// Distinct returns the sorted set of non-missing values in a column.
func (d *Dataset) Distinct(name string) ([]float64, error) {
	vals, err := d.Column(name)
	if err != nil {
		return nil, err
	}
	set := make(map[float64]bool)
	for _, v := range vals {
		if !Missing(v) {
			set[v] = true
		}
	}
	out := make([]float64, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Float64s(out)
	return out, nil
}

// Select returns a new dataset holding only the named columns, in the
// order given.
func (d *Dataset) Select(names ...string) (*Dataset, error) {
	idx := make([]int, len(names))
	for i, n := range names {
		idx[i] = d.Index(n)
		if idx[i] < 0 {
			return nil, fmt.Errorf("dataset: no column %q", n)
		}
	}
	cols := make([]string, len(names))
	for i, j := range idx {
		cols[i] = d.Columns[j]
	}
	rows := make([][]float64, len(d.Rows))
	for r, row := range d.Rows {
		out := make([]float64, len(idx))
		for i, j := range idx {
			out[i] = row[j]
		}
		rows[r] = out
	}
	return &Dataset{Columns: cols, Rows: rows}, nil
}

// Rename returns a copy of the dataset with column from renamed to to.
// Row data is shared with the receiver; neither is ever mutated.
func (d *Dataset) Rename(from, to string) (*Dataset, error) {
	idx := d.Index(from)
	if idx < 0 {
		return nil, fmt.Errorf("dataset: no column %q", from)
	}
	if j := d.Index(to); j >= 0 && j != idx {
		return nil, fmt.Errorf("dataset: column %q already exists", to)
	}
	cols := append([]string(nil), d.Columns...)
	cols[idx] = to
	return &Dataset{Columns: cols, Rows: d.Rows}, nil
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// LoadCSV reads a CSV file with a header row. Cells equal to one of na (or
// empty) are read as missing.
func LoadCSV(path string, na ...string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	d, err := ReadCSV(f, na...)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return d, nil
}

// ReadCSV parses CSV data with a header row.
func ReadCSV(r io.Reader, na ...string) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("dataset: csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("dataset: csv: missing header row")
	}
	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(h)
	}
	rows := make([][]float64, 0, len(records)-1)
	for i, rec := range records[1:] {
		row, err := parseRow(rec, na, "*")
		if err != nil {
			return nil, fmt.Errorf("dataset: csv line %d: %w", i+2, err)
		}
		rows = append(rows, row)
	}
	return New(header, rows)
}

// ReadFree parses whitespace-separated free-format data, as written by the
// engine's SAVEDATA command. columns gives the variable order; cells equal
// to missingSymbol are read as missing.
func ReadFree(r io.Reader, columns []string, missingSymbol string) (*Dataset, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var rows [][]float64
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != len(columns) {
			return nil, fmt.Errorf("dataset: line %d has %d fields, want %d", line, len(fields), len(columns))
		}
		row, err := parseRow(fields, nil, missingSymbol)
		if err != nil {
			return nil, fmt.Errorf("dataset: line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dataset: scan: %w", err)
	}
	return New(columns, rows)
}

func parseRow(fields, na []string, missingSymbol string) ([]float64, error) {
	row := make([]float64, len(fields))
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || f == missingSymbol || contains(na, f) {
			row[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i+1, err)
		}
		row[i] = v
	}
	return row, nil
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// Encode writes the dataset as free-format text without a header, one
// observation per line, replacing missing values with the sentinel. Output
// is byte-stable for identical input.
func (d *Dataset) Encode(w io.Writer, sentinel float64) error {
	bw := bufio.NewWriter(w)
	miss := FormatValue(sentinel)
	for _, row := range d.Rows {
		for i, v := range row {
			if i > 0 {
				bw.WriteByte(' ')
			}
			if Missing(v) {
				bw.WriteString(miss)
			} else {
				bw.WriteString(FormatValue(v))
			}
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// FormatValue renders v in the shortest form that round-trips.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
