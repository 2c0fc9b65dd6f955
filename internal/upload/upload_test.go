package upload

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func createTestXLSX(t *testing.T, rows [][]string) []byte {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	for _, rowData := range rows {
		row := sheet.AddRow()
		for _, cellData := range rowData {
			row.AddCell().SetString(cellData)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatCSV, DetectFormat("codes.CSV"))
	assert.Equal(t, FormatCSV, DetectFormat("codes.tsv"))
	assert.Equal(t, FormatXLSX, DetectFormat("codes.xlsx"))
	assert.Equal(t, FormatText, DetectFormat("codes.txt"))
	assert.Equal(t, FormatText, DetectFormat("codes"))
}

func TestParseCSV_HeaderPicksColumn(t *testing.T) {
	input := "name,ZIP,state\nChelsea,10001,NY\nMidtown, 10018 ,NY\nDup,10001,NY\n"
	res, err := ParseCSV(strings.NewReader(input), ',')
	require.NoError(t, err)
	assert.Equal(t, []string{"10001", "10018"}, res.Codes)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Skipped)
}

func TestParseCSV_NoHeader(t *testing.T) {
	input := "\ufeff10001\n10002\n\n10003\n"
	res, err := ParseCSV(strings.NewReader(input), ',')
	require.NoError(t, err)
	assert.Equal(t, []string{"10001", "10002", "10003"}, res.Codes)
}

func TestParseCSV_ShortRowsSkipped(t *testing.T) {
	input := "city,postal_code\nParis,75001\nLyon\n"
	res, err := ParseCSV(strings.NewReader(input), ',')
	require.NoError(t, err)
	assert.Equal(t, []string{"75001"}, res.Codes)
	assert.Equal(t, 2, res.Skipped)
}

func TestParse_TSV(t *testing.T) {
	res, err := Parse(strings.NewReader("zip\tcity\n90210\tBeverly Hills\n"), "codes.tsv")
	require.NoError(t, err)
	assert.Equal(t, []string{"90210"}, res.Codes)
}

func TestParseXLSX(t *testing.T) {
	data := createTestXLSX(t, [][]string{
		{"Postal Code"},
		{"sw1a 1aa"},
		{"１０００１"},
		{""},
		{"SW1A 1AA"},
	})
	res, err := ParseXLSX(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"SW1A 1AA", "10001"}, res.Codes)
	assert.Equal(t, 1, res.Duplicates)
}

func TestParse_XLSXByName(t *testing.T) {
	data := createTestXLSX(t, [][]string{{"10001"}, {"10002"}})
	res, err := Parse(bytes.NewReader(data), "list.xlsx")
	require.NoError(t, err)
	assert.Equal(t, []string{"10001", "10002"}, res.Codes)
}

func TestParseXLSX_Invalid(t *testing.T) {
	_, err := ParseXLSX([]byte("not a workbook"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload: open xlsx")
}

func TestParseText(t *testing.T) {
	input := "postal_code\n10001, 10002;10003\n\nSW1A  1AA\n10001\n"
	res, err := ParseText(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"10001", "10002", "10003", "SW1A 1AA"}, res.Codes)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 2, res.Skipped)
}

func TestParseList(t *testing.T) {
	res, err := ParseList([]string{" 10001 ", "", "10001", "10002"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10001", "10002"}, res.Codes)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Skipped)
}

func TestParse_Empty(t *testing.T) {
	_, err := ParseText(strings.NewReader("zip\n\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no postal codes found")
}
