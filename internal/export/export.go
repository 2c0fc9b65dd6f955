// Package export writes project results as CSV or XLSX.
package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/scout-interest/scout/internal/model"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat maps a query value onto a Format. Empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "csv":
		return FormatCSV, nil
	case "xlsx", "excel":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("export: unsupported format %q", s)
	}
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Columns is the export header row.
var Columns = []string{
	"postal_code",
	"country_code",
	"city",
	"region",
	"geo_key",
	"audience_geo_lower",
	"audience_geo_upper",
	"audience_targeted_lower",
	"audience_targeted_upper",
	"targeting_ratio",
	"success",
	"error_message",
	"processed_at",
}

// Write encodes results in format f.
func Write(w io.Writer, f Format, results []model.PostalCodeResult) error {
	switch f {
	case FormatXLSX:
		return WriteXLSX(w, results)
	default:
		return WriteCSV(w, results)
	}
}

// WriteCSV writes one row per result under the Columns header.
func WriteCSV(w io.Writer, results []model.PostalCodeResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for i := range results {
		if err := cw.Write(row(&results[i])); err != nil {
			return eris.Wrapf(err, "export: write csv row %s", results[i].PostalCode)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

// WriteXLSX writes a single-sheet workbook. Audience counts are stored as
// numbers so spreadsheets can sum them.
func WriteXLSX(w io.Writer, results []model.PostalCodeResult) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Results")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, c := range Columns {
		header.AddCell().SetString(c)
	}

	for i := range results {
		r := &results[i]
		xr := sheet.AddRow()
		geo := r.ZipGeoData
		if geo == nil {
			geo = &model.GeoLocation{}
		}
		xr.AddCell().SetString(r.PostalCode)
		xr.AddCell().SetString(r.CountryCode)
		xr.AddCell().SetString(city(geo))
		xr.AddCell().SetString(geo.Region)
		xr.AddCell().SetString(geo.Key)
		addBounds(xr, r.PostalCodeOnlyEstimate)
		addBounds(xr, r.PostalCodeWithTargetingEstimate)
		if ratio := r.TargetingRatio(); ratio > 0 {
			xr.AddCell().SetFloat(ratio)
		} else {
			xr.AddCell().SetString("")
		}
		xr.AddCell().SetBool(r.Success)
		xr.AddCell().SetString(r.ErrorMessage)
		xr.AddCell().SetString(processedAt(r))
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write xlsx")
	}
	return nil
}

func addBounds(xr *xlsx.Row, est *model.ReachEstimate) {
	if est == nil {
		xr.AddCell().SetString("")
		xr.AddCell().SetString("")
		return
	}
	xr.AddCell().SetInt64(est.UsersLowerBound)
	xr.AddCell().SetInt64(est.UsersUpperBound)
}

func row(r *model.PostalCodeResult) []string {
	geo := r.ZipGeoData
	if geo == nil {
		geo = &model.GeoLocation{}
	}
	out := []string{r.PostalCode, r.CountryCode, city(geo), geo.Region, geo.Key}
	out = append(out, bounds(r.PostalCodeOnlyEstimate)...)
	out = append(out, bounds(r.PostalCodeWithTargetingEstimate)...)

	ratio := ""
	if v := r.TargetingRatio(); v > 0 {
		ratio = strconv.FormatFloat(v, 'f', 4, 64)
	}
	return append(out, ratio, strconv.FormatBool(r.Success), r.ErrorMessage, processedAt(r))
}

func bounds(est *model.ReachEstimate) []string {
	if est == nil {
		return []string{"", ""}
	}
	return []string{
		strconv.FormatInt(est.UsersLowerBound, 10),
		strconv.FormatInt(est.UsersUpperBound, 10),
	}
}

func city(geo *model.GeoLocation) string {
	if geo.City != "" {
		return geo.City
	}
	return geo.PrimaryCity
}

func processedAt(r *model.PostalCodeResult) string {
	if r.ProcessedAt == nil {
		return ""
	}
	return r.ProcessedAt.UTC().Format(time.RFC3339)
}
