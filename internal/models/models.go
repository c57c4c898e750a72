package models

import (
	"database/sql"
	"fmt"
	"time"
)

// Source identifies which upstream family a record came from. Each source
// carries its own fixed field set.
type Source string

const (
	SourceWeather    Source = "noaa"
	SourceAirQuality Source = "openaq"
)

func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceWeather, SourceAirQuality:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// Fields returns the full ordered schema for the source.
func (s Source) Fields() []Field {
	switch s {
	case SourceWeather:
		return append([]Field(nil), WeatherFields...)
	case SourceAirQuality:
		return append([]Field(nil), PollutantFields...)
	}
	return nil
}

// Field is a column of the shared daily schema.
type Field string

const (
	TempAvgC           Field = "temp_avg_c"
	TempMaxC           Field = "temp_max_c"
	TempMinC           Field = "temp_min_c"
	DewpointC          Field = "dewpoint_c"
	PrecipMM           Field = "precip_mm"
	WindSpeedKMH       Field = "wind_speed_kmh"
	VisibilityKM       Field = "visibility_km"
	StationPressureHPA Field = "station_pressure_hpa"

	PM25 Field = "pm25"
	PM10 Field = "pm10"
	O3   Field = "o3"
	NO2  Field = "no2"
	SO2  Field = "so2"
	CO   Field = "co"
)

var WeatherFields = []Field{
	TempAvgC, TempMaxC, TempMinC, DewpointC,
	PrecipMM, WindSpeedKMH, VisibilityKM, StationPressureHPA,
}

var PollutantFields = []Field{PM25, PM10, O3, NO2, SO2, CO}

// ParsePollutant validates a pollutant name such as "pm25".
func ParsePollutant(s string) (Field, error) {
	for _, f := range PollutantFields {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown pollutant %q", s)
}

// Unit returns the canonical unit a field is stored in after normalization.
func (f Field) Unit() string {
	switch f {
	case TempAvgC, TempMaxC, TempMinC, DewpointC:
		return "°C"
	case PrecipMM:
		return "mm"
	case WindSpeedKMH:
		return "km/h"
	case VisibilityKM:
		return "km"
	case StationPressureHPA:
		return "hPa"
	case PM25, PM10:
		return "µg/m³"
	case O3, NO2, SO2, CO:
		return "ppm"
	}
	return ""
}

type Station struct {
	ID         string
	Name       string
	Latitude   float64
	Longitude  float64
	Elevation  sql.NullFloat64
	LastActive time.Time
}

// StationCandidate is a catalog station matched against a target coordinate.
type StationCandidate struct {
	Station
	DistanceKM float64
}

type City struct {
	Name      string
	Country   string
	Latitude  float64
	Longitude float64
}

func (c City) String() string {
	return c.Name + "/" + c.Country
}

// RawBatch holds one station's unprocessed tabular rows for one acquisition
// unit: a year for point downloads, one archive object, or a year of REST pages.
type RawBatch struct {
	Source    Source
	StationID string
	Period    string
	Header    []string
	Rows      [][]string
}

// DailyRecord is one station's readings for one UTC calendar day. A field
// missing from Values is not carried by the source; a present field with
// Valid=false is an explicit null.
type DailyRecord struct {
	StationID string
	Date      time.Time
	Values    map[Field]sql.NullFloat64
}

func NewDailyRecord(stationID string, date time.Time) DailyRecord {
	return DailyRecord{
		StationID: stationID,
		Date:      Day(date),
		Values:    make(map[Field]sql.NullFloat64),
	}
}

// Has reports whether the record carries the field at all.
func (r DailyRecord) Has(f Field) bool {
	_, ok := r.Values[f]
	return ok
}

// Value returns the field value and whether it is non-null.
func (r DailyRecord) Value(f Field) (float64, bool) {
	v, ok := r.Values[f]
	if !ok || !v.Valid {
		return 0, false
	}
	return v.Float64, true
}

func (r DailyRecord) Set(f Field, v float64) {
	r.Values[f] = sql.NullFloat64{Float64: v, Valid: true}
}

func (r DailyRecord) SetNull(f Field) {
	r.Values[f] = sql.NullFloat64{}
}

func (r DailyRecord) Clone() DailyRecord {
	c := DailyRecord{StationID: r.StationID, Date: r.Date, Values: make(map[Field]sql.NullFloat64, len(r.Values))}
	for k, v := range r.Values {
		c.Values[k] = v
	}
	return c
}

// FlaggedRecord is a DailyRecord after outlier detection. A field flagged as
// an outlier always has a null value.
type FlaggedRecord struct {
	DailyRecord
	Outlier map[Field]bool
}

type DataSource string

const (
	DataSourceSingle   DataSource = "single_station"
	DataSourceWeighted DataSource = "weighted_average"
	// DataSourceNone marks calendar-filled days no station contributed to.
	// Outputs write it as null.
	DataSourceNone DataSource = ""
)

// FusedDay is the merged city-level reading for one date.
type FusedDay struct {
	Date         time.Time
	Values       map[Field]sql.NullFloat64
	SourceCount  map[Field]int
	Outlier      map[Field]bool
	Interpolated map[Field]bool
	StationCount int
	DataSource   DataSource
	QualityScore float64
}

func NewFusedDay(date time.Time) FusedDay {
	return FusedDay{
		Date:         Day(date),
		Values:       make(map[Field]sql.NullFloat64),
		SourceCount:  make(map[Field]int),
		Outlier:      make(map[Field]bool),
		Interpolated: make(map[Field]bool),
	}
}

// Value returns the fused value and whether it is non-null.
func (d FusedDay) Value(f Field) (float64, bool) {
	v, ok := d.Values[f]
	if !ok || !v.Valid {
		return 0, false
	}
	return v.Float64, true
}

// CityYearDataset is every fused day of one city, source and year.
type CityYearDataset struct {
	City   City
	Source Source
	Year   int
	Fields []Field
	Days   []FusedDay
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SafeName turns a city name into a path segment.
func SafeName(name string) string {
	out := []rune(name)
	for i, r := range out {
		if r == ' ' || r == '/' {
			out[i] = '_'
		}
	}
	return string(out)
}
