package output

import (
	"fmt"
	"io"

	parquet "github.com/parquet-go/parquet-go"

	"github.com/lox/worldaq/internal/models"
)

// WeatherRow is the Parquet layout of a fused weather day.
type WeatherRow struct {
	CityName string `parquet:"city_name"`
	Date     string `parquet:"date"`

	TempAvgC           *float64 `parquet:"temp_avg_c,optional"`
	TempMaxC           *float64 `parquet:"temp_max_c,optional"`
	TempMinC           *float64 `parquet:"temp_min_c,optional"`
	DewpointC          *float64 `parquet:"dewpoint_c,optional"`
	PrecipMM           *float64 `parquet:"precip_mm,optional"`
	WindSpeedKMH       *float64 `parquet:"wind_speed_kmh,optional"`
	VisibilityKM       *float64 `parquet:"visibility_km,optional"`
	StationPressureHPA *float64 `parquet:"station_pressure_hpa,optional"`

	TempAvgCSourceCount           int32 `parquet:"temp_avg_c_source_count"`
	TempMaxCSourceCount           int32 `parquet:"temp_max_c_source_count"`
	TempMinCSourceCount           int32 `parquet:"temp_min_c_source_count"`
	DewpointCSourceCount          int32 `parquet:"dewpoint_c_source_count"`
	PrecipMMSourceCount           int32 `parquet:"precip_mm_source_count"`
	WindSpeedKMHSourceCount       int32 `parquet:"wind_speed_kmh_source_count"`
	VisibilityKMSourceCount       int32 `parquet:"visibility_km_source_count"`
	StationPressureHPASourceCount int32 `parquet:"station_pressure_hpa_source_count"`

	TempAvgCIsOutlier           bool `parquet:"temp_avg_c_is_outlier"`
	TempMaxCIsOutlier           bool `parquet:"temp_max_c_is_outlier"`
	TempMinCIsOutlier           bool `parquet:"temp_min_c_is_outlier"`
	DewpointCIsOutlier          bool `parquet:"dewpoint_c_is_outlier"`
	PrecipMMIsOutlier           bool `parquet:"precip_mm_is_outlier"`
	WindSpeedKMHIsOutlier       bool `parquet:"wind_speed_kmh_is_outlier"`
	VisibilityKMIsOutlier       bool `parquet:"visibility_km_is_outlier"`
	StationPressureHPAIsOutlier bool `parquet:"station_pressure_hpa_is_outlier"`

	TempAvgCIsInterpolated           bool `parquet:"temp_avg_c_is_interpolated"`
	TempMaxCIsInterpolated           bool `parquet:"temp_max_c_is_interpolated"`
	TempMinCIsInterpolated           bool `parquet:"temp_min_c_is_interpolated"`
	DewpointCIsInterpolated          bool `parquet:"dewpoint_c_is_interpolated"`
	PrecipMMIsInterpolated           bool `parquet:"precip_mm_is_interpolated"`
	WindSpeedKMHIsInterpolated       bool `parquet:"wind_speed_kmh_is_interpolated"`
	VisibilityKMIsInterpolated       bool `parquet:"visibility_km_is_interpolated"`
	StationPressureHPAIsInterpolated bool `parquet:"station_pressure_hpa_is_interpolated"`

	StationCount     int32   `parquet:"station_count"`
	DataSource       *string `parquet:"data_source,optional"`
	DataQualityScore float64 `parquet:"data_quality_score"`
}

// AirQualityRow is the Parquet layout of a fused air quality day.
type AirQualityRow struct {
	CityName string `parquet:"city_name"`
	Date     string `parquet:"date"`

	PM25 *float64 `parquet:"pm25,optional"`
	PM10 *float64 `parquet:"pm10,optional"`
	O3   *float64 `parquet:"o3,optional"`
	NO2  *float64 `parquet:"no2,optional"`
	SO2  *float64 `parquet:"so2,optional"`
	CO   *float64 `parquet:"co,optional"`

	PM25SourceCount int32 `parquet:"pm25_source_count"`
	PM10SourceCount int32 `parquet:"pm10_source_count"`
	O3SourceCount   int32 `parquet:"o3_source_count"`
	NO2SourceCount  int32 `parquet:"no2_source_count"`
	SO2SourceCount  int32 `parquet:"so2_source_count"`
	COSourceCount   int32 `parquet:"co_source_count"`

	PM25IsOutlier bool `parquet:"pm25_is_outlier"`
	PM10IsOutlier bool `parquet:"pm10_is_outlier"`
	O3IsOutlier   bool `parquet:"o3_is_outlier"`
	NO2IsOutlier  bool `parquet:"no2_is_outlier"`
	SO2IsOutlier  bool `parquet:"so2_is_outlier"`
	COIsOutlier   bool `parquet:"co_is_outlier"`

	PM25IsInterpolated bool `parquet:"pm25_is_interpolated"`
	PM10IsInterpolated bool `parquet:"pm10_is_interpolated"`
	O3IsInterpolated   bool `parquet:"o3_is_interpolated"`
	NO2IsInterpolated  bool `parquet:"no2_is_interpolated"`
	SO2IsInterpolated  bool `parquet:"so2_is_interpolated"`
	COIsInterpolated   bool `parquet:"co_is_interpolated"`

	StationCount     int32   `parquet:"station_count"`
	DataSource       *string `parquet:"data_source,optional"`
	DataQualityScore float64 `parquet:"data_quality_score"`
}

// fieldColumns points at the four columns a schema field owns in a row.
type fieldColumns struct {
	value        **float64
	sourceCount  *int32
	outlier      *bool
	interpolated *bool
}

func (r *WeatherRow) columns() map[models.Field]fieldColumns {
	return map[models.Field]fieldColumns{
		models.TempAvgC:           {&r.TempAvgC, &r.TempAvgCSourceCount, &r.TempAvgCIsOutlier, &r.TempAvgCIsInterpolated},
		models.TempMaxC:           {&r.TempMaxC, &r.TempMaxCSourceCount, &r.TempMaxCIsOutlier, &r.TempMaxCIsInterpolated},
		models.TempMinC:           {&r.TempMinC, &r.TempMinCSourceCount, &r.TempMinCIsOutlier, &r.TempMinCIsInterpolated},
		models.DewpointC:          {&r.DewpointC, &r.DewpointCSourceCount, &r.DewpointCIsOutlier, &r.DewpointCIsInterpolated},
		models.PrecipMM:           {&r.PrecipMM, &r.PrecipMMSourceCount, &r.PrecipMMIsOutlier, &r.PrecipMMIsInterpolated},
		models.WindSpeedKMH:       {&r.WindSpeedKMH, &r.WindSpeedKMHSourceCount, &r.WindSpeedKMHIsOutlier, &r.WindSpeedKMHIsInterpolated},
		models.VisibilityKM:       {&r.VisibilityKM, &r.VisibilityKMSourceCount, &r.VisibilityKMIsOutlier, &r.VisibilityKMIsInterpolated},
		models.StationPressureHPA: {&r.StationPressureHPA, &r.StationPressureHPASourceCount, &r.StationPressureHPAIsOutlier, &r.StationPressureHPAIsInterpolated},
	}
}

func (r *AirQualityRow) columns() map[models.Field]fieldColumns {
	return map[models.Field]fieldColumns{
		models.PM25: {&r.PM25, &r.PM25SourceCount, &r.PM25IsOutlier, &r.PM25IsInterpolated},
		models.PM10: {&r.PM10, &r.PM10SourceCount, &r.PM10IsOutlier, &r.PM10IsInterpolated},
		models.O3:   {&r.O3, &r.O3SourceCount, &r.O3IsOutlier, &r.O3IsInterpolated},
		models.NO2:  {&r.NO2, &r.NO2SourceCount, &r.NO2IsOutlier, &r.NO2IsInterpolated},
		models.SO2:  {&r.SO2, &r.SO2SourceCount, &r.SO2IsOutlier, &r.SO2IsInterpolated},
		models.CO:   {&r.CO, &r.COSourceCount, &r.COIsOutlier, &r.COIsInterpolated},
	}
}

func fill(cols map[models.Field]fieldColumns, d models.FusedDay) {
	for f, c := range cols {
		if v, ok := d.Value(f); ok {
			rounded := Round2(v)
			*c.value = &rounded
		}
		*c.sourceCount = int32(d.SourceCount[f])
		*c.outlier = d.Outlier[f]
		*c.interpolated = d.Interpolated[f]
	}
}

func dataSource(ds models.DataSource) *string {
	if ds == models.DataSourceNone {
		return nil
	}
	s := string(ds)
	return &s
}

// WeatherRows converts fused days to Parquet rows.
func WeatherRows(cityName string, days []models.FusedDay) []WeatherRow {
	rows := make([]WeatherRow, len(days))
	for i, d := range days {
		rows[i] = WeatherRow{
			CityName:         cityName,
			Date:             d.Date.Format(dateLayout),
			StationCount:     int32(d.StationCount),
			DataSource:       dataSource(d.DataSource),
			DataQualityScore: Round2(d.QualityScore),
		}
		fill(rows[i].columns(), d)
	}
	return rows
}

// AirQualityRows converts fused days to Parquet rows.
func AirQualityRows(cityName string, days []models.FusedDay) []AirQualityRow {
	rows := make([]AirQualityRow, len(days))
	for i, d := range days {
		rows[i] = AirQualityRow{
			CityName:         cityName,
			Date:             d.Date.Format(dateLayout),
			StationCount:     int32(d.StationCount),
			DataSource:       dataSource(d.DataSource),
			DataQualityScore: Round2(d.QualityScore),
		}
		fill(rows[i].columns(), d)
	}
	return rows
}

// WriteParquet encodes days with the source's row layout. Parquet files
// always carry the full source schema; untracked fields are all null.
func WriteParquet(w io.Writer, source models.Source, cityName string, days []models.FusedDay) error {
	switch source {
	case models.SourceWeather:
		return writeRows(w, WeatherRows(cityName, days))
	case models.SourceAirQuality:
		return writeRows(w, AirQualityRows(cityName, days))
	}
	return fmt.Errorf("no parquet layout for source %q", source)
}

func writeRows[T any](w io.Writer, rows []T) error {
	pw := parquet.NewGenericWriter[T](w)
	if _, err := pw.Write(rows); err != nil {
		return err
	}
	return pw.Close()
}
