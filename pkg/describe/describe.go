// Package describe inspects an uploaded CSV file and produces the data
// descriptor handed to the code generator: column names, an inferred dtype
// per column, a few sample rows, and the total row count.
//
// Dtype names follow pandas so the descriptor matches what the generated
// code will see after pd.read_csv.
package describe

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// DefaultSampleSize is the number of sample rows kept when the caller passes 0.
const DefaultSampleSize = 5

// Column dtypes.
const (
	DTypeInt      = "int64"
	DTypeFloat    = "float64"
	DTypeBool     = "bool"
	DTypeDatetime = "datetime64[ns]"
	DTypeObject   = "object"
)

var (
	// ErrEmptyInput is returned when the file has no header row.
	ErrEmptyInput = errors.New("csv input is empty")

	// ErrMalformed wraps CSV syntax errors.
	ErrMalformed = errors.New("malformed csv")
)

// Column is a named column and its inferred dtype.
type Column struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
}

// Descriptor summarizes a tabular file.
type Descriptor struct {
	FileName   string     `json:"file_name"`
	Columns    []Column   `json:"columns"`
	SampleRows [][]string `json:"sample_rows"`
	RowCount   int        `json:"row_count"`
}

// ColumnNames returns the column names in file order.
func (d *Descriptor) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// DTypes returns a column name to dtype map.
func (d *Descriptor) DTypes() map[string]string {
	m := make(map[string]string, len(d.Columns))
	for _, c := range d.Columns {
		m[c.Name] = c.DType
	}
	return m
}

// SampleRecords returns the sample rows keyed by column name.
func (d *Descriptor) SampleRecords() []map[string]string {
	out := make([]map[string]string, len(d.SampleRows))
	for i, row := range d.SampleRows {
		rec := make(map[string]string, len(d.Columns))
		for j, c := range d.Columns {
			if j < len(row) {
				rec[c.Name] = row[j]
			}
		}
		out[i] = rec
	}
	return out
}

// Describe reads a CSV stream. Every row is scanned for dtype inference and
// counting; only the first sampleSize rows are retained.
func Describe(name string, r io.Reader, sampleSize int) (*Descriptor, error) {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptyInput
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrMalformed, err)
	}

	names := uniqueNames(header)
	inferers := make([]inferer, len(names))

	d := &Descriptor{FileName: name, SampleRows: [][]string{}}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		d.RowCount++
		for i := range inferers {
			v := ""
			if i < len(row) {
				v = row[i]
			}
			inferers[i].observe(v)
		}
		if len(d.SampleRows) < sampleSize {
			sample := make([]string, len(names))
			copy(sample, row)
			d.SampleRows = append(d.SampleRows, sample)
		}
	}

	d.Columns = make([]Column, len(names))
	for i, n := range names {
		d.Columns[i] = Column{Name: n, DType: inferers[i].dtype()}
	}
	return d, nil
}

// uniqueNames trims a UTF-8 BOM from the first header and renames
// duplicates the way pandas does ("a", "a.1", "a.2"). Blank names become
// "Unnamed: <index>".
func uniqueNames(header []string) []string {
	names := make([]string, len(header))
	taken := make(map[string]bool, len(header))
	dups := make(map[string]int)
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		if strings.TrimSpace(h) == "" {
			h = "Unnamed: " + strconv.Itoa(i)
		}
		name := h
		for taken[name] {
			dups[h]++
			name = h + "." + strconv.Itoa(dups[h])
		}
		taken[name] = true
		names[i] = name
	}
	return names
}

// naValues are the cell values pandas reads as missing by default.
var naValues = map[string]bool{
	"": true, "#N/A": true, "#N/A N/A": true, "#NA": true, "-NaN": true,
	"-nan": true, "<NA>": true, "N/A": true, "NA": true, "NULL": true,
	"NaN": true, "None": true, "n/a": true, "nan": true, "null": true,
}

var boolValues = map[string]bool{
	"True": true, "TRUE": true, "true": true,
	"False": true, "FALSE": true, "false": true,
}

var datetimeLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339,
	time.RFC3339Nano,
}

// inferer tracks which dtypes are still possible for a column.
type inferer struct {
	seen     int
	missing  int
	notInt   bool
	notFloat bool
	notBool  bool
	notDate  bool
}

func (in *inferer) observe(v string) {
	if naValues[v] || naValues[strings.TrimSpace(v)] {
		in.missing++
		return
	}
	in.seen++
	s := strings.TrimSpace(v)

	if !in.notInt {
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			in.notInt = true
		}
	}
	if !in.notFloat {
		if _, err := strconv.ParseFloat(s, 64); err != nil || isHex(s) {
			in.notFloat = true
		}
	}
	if !in.notBool && !boolValues[s] {
		in.notBool = true
	}
	if !in.notDate && !isDatetime(s) {
		in.notDate = true
	}
}

// dtype resolves the narrowest dtype consistent with every observed value.
// Integer columns with missing cells widen to float64 and boolean columns
// with missing cells fall back to object, matching pandas.
func (in *inferer) dtype() string {
	switch {
	case in.seen == 0:
		return DTypeObject
	case !in.notInt && in.missing == 0:
		return DTypeInt
	case !in.notFloat:
		return DTypeFloat
	case !in.notBool && in.missing == 0:
		return DTypeBool
	case !in.notDate:
		return DTypeDatetime
	default:
		return DTypeObject
	}
}

func isDatetime(s string) bool {
	for _, layout := range datetimeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func isHex(s string) bool {
	s = strings.TrimLeft(s, "+-")
	return len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}
