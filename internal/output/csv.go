package output

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/lox/worldaq/internal/models"
)

const dateLayout = "2006-01-02"

// Header returns the column order shared by every output format: values,
// then source counts, outlier flags and interpolation flags, then the
// day-level columns.
func Header(fields []models.Field) []string {
	h := []string{"city_name", "date"}
	for _, f := range fields {
		h = append(h, string(f))
	}
	for _, f := range fields {
		h = append(h, string(f)+"_source_count")
	}
	for _, f := range fields {
		h = append(h, string(f)+"_is_outlier")
	}
	for _, f := range fields {
		h = append(h, string(f)+"_is_interpolated")
	}
	return append(h, "station_count", "data_source", "data_quality_score")
}

func formatValue(d models.FusedDay, f models.Field) string {
	v, ok := d.Value(f)
	if !ok {
		return ""
	}
	return strconv.FormatFloat(Round2(v), 'f', 2, 64)
}

// Row renders one day in Header order.
func Row(cityName string, fields []models.Field, d models.FusedDay) []string {
	row := []string{cityName, d.Date.Format(dateLayout)}
	for _, f := range fields {
		row = append(row, formatValue(d, f))
	}
	for _, f := range fields {
		row = append(row, strconv.Itoa(d.SourceCount[f]))
	}
	for _, f := range fields {
		row = append(row, strconv.FormatBool(d.Outlier[f]))
	}
	for _, f := range fields {
		row = append(row, strconv.FormatBool(d.Interpolated[f]))
	}
	return append(row,
		strconv.Itoa(d.StationCount),
		string(d.DataSource),
		strconv.FormatFloat(Round2(d.QualityScore), 'f', 2, 64),
	)
}

func WriteCSV(w io.Writer, cityName string, fields []models.Field, days []models.FusedDay) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header(fields)); err != nil {
		return err
	}
	for _, d := range days {
		if err := cw.Write(Row(cityName, fields, d)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
