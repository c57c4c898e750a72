package quality

import (
	"github.com/lox/worldaq/internal/models"
)

const (
	DefaultWeatherMinCoverage    = 0.3
	DefaultAirQualityMinCoverage = 0.5
)

// CoreFields are the fields whose density decides whether a station is kept.
// Air quality uses the tracked pollutants.
func CoreFields(source models.Source, pollutants []models.Field) []models.Field {
	switch source {
	case models.SourceWeather:
		return []models.Field{models.TempAvgC, models.PrecipMM}
	case models.SourceAirQuality:
		if len(pollutants) == 0 {
			return []models.Field{models.PM25}
		}
		return append([]models.Field(nil), pollutants...)
	}
	return nil
}

// Coverage is the mean non-null fraction across the core fields the
// station carries. A row lacking a carried field counts as null for it.
func Coverage(records []models.FlaggedRecord, core []models.Field) float64 {
	if len(records) == 0 {
		return 0
	}
	var (
		total   float64
		carried int
	)
	for _, f := range core {
		present, valid := 0, 0
		for _, r := range records {
			if !r.Has(f) {
				continue
			}
			present++
			if _, ok := r.Value(f); ok {
				valid++
			}
		}
		if present == 0 {
			continue
		}
		carried++
		total += float64(valid) / float64(len(records))
	}
	if carried == 0 {
		return 0
	}
	return total / float64(carried)
}

// FilterLowCoverage keeps stations whose coverage is at least min. The
// returned scores cover every input station, kept or not.
func FilterLowCoverage(stations map[string][]models.FlaggedRecord, core []models.Field, min float64) (map[string][]models.FlaggedRecord, map[string]float64) {
	kept := make(map[string][]models.FlaggedRecord, len(stations))
	scores := make(map[string]float64, len(stations))
	for id, recs := range stations {
		c := Coverage(recs, core)
		scores[id] = c
		if c >= min && c > 0 {
			kept[id] = recs
		}
	}
	return kept, scores
}
