package output

import (
	"bytes"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	parquet "github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/worldaq/internal/models"
)

var (
	newYork = models.City{Name: "New York", Country: "US", Latitude: 40.7128, Longitude: -74.0060}
	jan1    = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleDays() []models.FusedDay {
	a := models.NewFusedDay(jan1)
	a.Values[models.PM25] = sql.NullFloat64{Float64: 12.346, Valid: true}
	a.Values[models.O3] = sql.NullFloat64{}
	a.SourceCount[models.PM25] = 2
	a.Outlier[models.O3] = true
	a.StationCount = 2
	a.DataSource = models.DataSourceWeighted
	a.QualityScore = 0.5

	b := models.NewFusedDay(jan1.AddDate(0, 0, 1))
	b.Values[models.PM25] = sql.NullFloat64{Float64: 7, Valid: true}
	b.Values[models.O3] = sql.NullFloat64{Float64: 0.031, Valid: true}
	b.Interpolated[models.PM25] = true
	b.SourceCount[models.O3] = 1
	b.StationCount = 1
	b.DataSource = models.DataSourceWeighted
	b.QualityScore = 2.0 / 3

	return []models.FusedDay{a, b}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	fields := []models.Field{models.PM25, models.O3}
	require.NoError(t, WriteCSV(&buf, "New York", fields, sampleDays()))

	want := "city_name,date,pm25,o3,pm25_source_count,o3_source_count,pm25_is_outlier,o3_is_outlier,pm25_is_interpolated,o3_is_interpolated,station_count,data_source,data_quality_score\n" +
		"New York,2023-01-01,12.35,,2,0,false,true,false,false,2,weighted_average,0.50\n" +
		"New York,2023-01-02,7.00,0.03,0,1,false,false,true,false,1,weighted_average,0.67\n"
	assert.Equal(t, want, buf.String())
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 1.23, Round2(1.234))
	assert.Equal(t, 1.24, Round2(1.236))
	assert.Equal(t, -1.24, Round2(-1.236))
	assert.Equal(t, 0.0, Round2(0.004))
}

func TestDatasetPath(t *testing.T) {
	sf := models.City{Name: "San Francisco", Country: "US"}
	assert.Equal(t, filepath.Join("out", "noaa", "San_Francisco", "2024.csv"), DatasetPath("out", models.SourceWeather, sf, "2024", FormatCSV))
	assert.Equal(t, filepath.Join("out", "openaq", "coverage_report.md"), ReportPath("out", models.SourceAirQuality))

	_, err := ParseFormat("xlsx")
	assert.Error(t, err)
}

func TestWriterDeterministic(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, FormatCSV, testLogger())
	ds := models.CityYearDataset{City: newYork, Source: models.SourceAirQuality, Year: 2023, Fields: []models.Field{models.PM25, models.O3}, Days: sampleDays()}

	path, err := w.WriteDataset(ds)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "openaq", "New_York", "2023.csv"), path)
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = w.WriteDataset(ds)
	require.NoError(t, err)
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriteAllYears(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root, FormatCSV, testLogger())
	fields := []models.Field{models.PM25}

	d24 := models.NewFusedDay(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	d23 := models.NewFusedDay(jan1)
	path, err := w.WriteAllYears([]models.CityYearDataset{
		{City: newYork, Source: models.SourceAirQuality, Year: 2024, Fields: fields, Days: []models.FusedDay{d24}},
		{City: newYork, Source: models.SourceAirQuality, Year: 2023, Fields: fields, Days: []models.FusedDay{d23}},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "openaq", "New_York", "all_years.csv"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "New York,2023-01-01,"))
	assert.True(t, strings.HasPrefix(lines[2], "New York,2024-01-01,"))

	empty, err := w.WriteAllYears(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestWriteParquetRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteParquet(&buf, models.SourceAirQuality, "New York", sampleDays()))

	rows, err := parquet.Read[AirQualityRow](bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "2023-01-01", rows[0].Date)
	require.NotNil(t, rows[0].PM25)
	assert.Equal(t, 12.35, *rows[0].PM25)
	assert.Nil(t, rows[0].O3)
	assert.True(t, rows[0].O3IsOutlier)
	assert.Equal(t, int32(2), rows[0].PM25SourceCount)
	assert.Nil(t, rows[0].CO, "untracked fields are null")
	assert.True(t, rows[1].PM25IsInterpolated)
	assert.Equal(t, 0.67, rows[1].DataQualityScore)

	assert.Error(t, WriteParquet(&buf, "bom", "x", nil))
}

func TestCalendarFilledRowsHaveNullDataSource(t *testing.T) {
	filled := models.NewFusedDay(jan1)
	filled.DataSource = models.DataSourceNone

	row := Row("New York", []models.Field{models.PM25}, filled)
	assert.Equal(t, "", row[len(row)-2])

	var buf bytes.Buffer
	require.NoError(t, WriteParquet(&buf, models.SourceAirQuality, "New York", append(sampleDays(), filled)))
	rows, err := parquet.Read[AirQualityRow](bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.NotNil(t, rows[0].DataSource)
	assert.Equal(t, "weighted_average", *rows[0].DataSource)
	assert.Nil(t, rows[2].DataSource)
	assert.Equal(t, int32(0), rows[2].StationCount)
}

func TestWeatherRows(t *testing.T) {
	d := models.NewFusedDay(jan1)
	d.Values[models.StationPressureHPA] = sql.NullFloat64{Float64: 1013.249, Valid: true}
	d.SourceCount[models.StationPressureHPA] = 3
	rows := WeatherRows("Chicago", []models.FusedDay{d})
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].StationPressureHPA)
	assert.Equal(t, 1013.25, *rows[0].StationPressureHPA)
	assert.Equal(t, int32(3), rows[0].StationPressureHPASourceCount)
	assert.Nil(t, rows[0].TempAvgC)
}

func TestReportMarkdown(t *testing.T) {
	r := NewReport(models.SourceAirQuality)

	ok := CitySummary{City: newYork, Status: StatusOK, Matched: 4, Surviving: 2}
	Summarize(&ok, []models.Field{models.PM25, models.O3, models.CO}, sampleDays())
	r.Add(ok)
	r.Add(CitySummary{City: models.City{Name: "Beijing", Country: "CN"}, Status: StatusNoStations})

	assert.Equal(t, 2, ok.Records)
	assert.Equal(t, jan1, ok.From)
	assert.Equal(t, jan1.AddDate(0, 0, 1), ok.To)
	require.Len(t, ok.Fields, 3)
	assert.InDelta(t, 9.673, ok.Fields[0].Mean, 1e-9)
	assert.Equal(t, 7.0, ok.Fields[0].Min)
	assert.Equal(t, 1, ok.Fields[1].NonNull)

	md, err := r.Markdown()
	require.NoError(t, err)
	s := string(md)
	assert.Contains(t, s, "# Coverage report: openaq")
	assert.Contains(t, s, "1 of 2 cities produced data.")
	assert.Contains(t, s, "## New York, US")
	assert.Contains(t, s, "- Date range: 2023-01-01 to 2023-01-02")
	assert.Contains(t, s, "| pm25 | 2 | 100.0 | 9.67 | 7.00 | 12.35 |")
	assert.Contains(t, s, "| o3 | 1 | 50.0 | 0.03 | 0.03 | 0.03 |")
	assert.Contains(t, s, "| co | 0 | 0.0 | - | - | - |")
	assert.Contains(t, s, "## Beijing, CN")
	assert.Contains(t, s, "- Status: no_stations")
	assert.Contains(t, s, "- Date range: - to -")

	again, err := r.Markdown()
	require.NoError(t, err)
	assert.Equal(t, md, again)

	root := t.TempDir()
	path, err := r.WriteFile(root)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, 1, r.Counts()[StatusNoStations])
}
