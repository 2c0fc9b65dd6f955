// Package upload turns uploaded postal-code files into a clean code list.
package upload

import (
	"bufio"
	"encoding/csv"
	"io"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/scout-interest/scout/internal/resolver"
)

// Format is an upload file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatText Format = "text"
)

// MaxCodes caps a single upload.
const MaxCodes = 100000

// headerNames are first-row cells that mark a header rather than a code.
var headerNames = map[string]bool{
	"postal_code": true,
	"postal code": true,
	"postalcode":  true,
	"postcode":    true,
	"zip":         true,
	"zipcode":     true,
	"zip_code":    true,
	"zip code":    true,
	"code":        true,
	"cp":          true,
	"plz":         true,
}

// Result is a parsed upload.
type Result struct {
	Codes []string `json:"postal_codes"`
	// Duplicates counts codes dropped because they appeared earlier.
	Duplicates int `json:"duplicates"`
	// Skipped counts blank cells and header rows.
	Skipped int `json:"skipped"`
}

// DetectFormat picks a parser from the file extension. Unknown extensions
// are read as plain text.
func DetectFormat(filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".tsv":
		return FormatCSV
	case ".xlsx", ".xlsm":
		return FormatXLSX
	default:
		return FormatText
	}
}

// Parse reads r using the format implied by filename.
func Parse(r io.Reader, filename string) (*Result, error) {
	switch DetectFormat(filename) {
	case FormatCSV:
		delim := ','
		if strings.EqualFold(filepath.Ext(filename), ".tsv") {
			delim = '\t'
		}
		return ParseCSV(r, delim)
	case FormatXLSX:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, eris.Wrap(err, "upload: read xlsx")
		}
		return ParseXLSX(data)
	default:
		return ParseText(r)
	}
}

// ParseCSV reads codes from one column of a delimited file. A recognized
// header row picks the column; otherwise the first column is used.
func ParseCSV(r io.Reader, delim rune) (*Result, error) {
	reader := csv.NewReader(r)
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "upload: read csv row")
		}
		rows = append(rows, record)
	}
	return fromRows(rows)
}

// ParseXLSX reads codes from the first sheet of a workbook.
func ParseXLSX(data []byte) (*Result, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "upload: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("upload: workbook has no sheets")
	}

	sheet := f.Sheets[0]
	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return fromRows(rows)
}

// ParseText reads one or more codes per line, separated by commas,
// semicolons or tabs. Spaces are kept since some postal codes contain them.
func ParseText(r io.Reader) (*Result, error) {
	b := newBuilder()
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		line := stripBOM(scanner.Text())
		fields := strings.FieldsFunc(line, func(c rune) bool {
			return c == ',' || c == ';' || c == '\t'
		})
		if len(fields) == 0 {
			b.skipped++
			continue
		}
		if first && isHeader(fields[0]) {
			b.skipped++
			first = false
			continue
		}
		first = false
		for _, f := range fields {
			if err := b.add(f); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "upload: read text")
	}
	return b.result()
}

// ParseList cleans a code list submitted directly, e.g. as JSON.
func ParseList(codes []string) (*Result, error) {
	b := newBuilder()
	for _, c := range codes {
		if err := b.add(c); err != nil {
			return nil, err
		}
	}
	return b.result()
}

func fromRows(rows [][]string) (*Result, error) {
	b := newBuilder()
	col := 0
	for i, row := range rows {
		if i == 0 && len(row) > 0 {
			row[0] = stripBOM(row[0])
			if idx := headerColumn(row); idx >= 0 {
				col = idx
				b.skipped++
				continue
			}
		}
		if col >= len(row) {
			b.skipped++
			continue
		}
		if err := b.add(row[col]); err != nil {
			return nil, err
		}
	}
	return b.result()
}

// headerColumn returns the index of the first header-like cell, or -1.
func headerColumn(row []string) int {
	for i, cell := range row {
		if isHeader(cell) {
			return i
		}
	}
	return -1
}

func isHeader(cell string) bool {
	return headerNames[strings.ToLower(strings.TrimSpace(cell))]
}

func stripBOM(s string) string {
	return strings.TrimPrefix(s, "\ufeff")
}

type builder struct {
	codes      []string
	seen       map[string]bool
	duplicates int
	skipped    int
}

func newBuilder() *builder {
	return &builder{seen: make(map[string]bool)}
}

func (b *builder) add(raw string) error {
	code := resolver.Normalize(raw)
	if code == "" {
		b.skipped++
		return nil
	}
	if b.seen[code] {
		b.duplicates++
		return nil
	}
	if len(b.codes) >= MaxCodes {
		return eris.Errorf("upload: more than %d postal codes", MaxCodes)
	}
	b.seen[code] = true
	b.codes = append(b.codes, code)
	return nil
}

func (b *builder) result() (*Result, error) {
	if len(b.codes) == 0 {
		return nil, eris.New("upload: no postal codes found")
	}
	return &Result{Codes: b.codes, Duplicates: b.duplicates, Skipped: b.skipped}, nil
}
