package normalize

import (
	"time"

	"github.com/lox/worldaq/internal/models"
)

// GSODSentinels are the per-column "missing" markers used by NOAA GSOD.
var GSODSentinels = map[string]float64{
	"TEMP":  9999.9,
	"DEWP":  9999.9,
	"SLP":   9999.9,
	"MAX":   9999.9,
	"MIN":   9999.9,
	"STP":   999.9,
	"VISIB": 999.9,
	"WDSP":  999.9,
	"MXSPD": 999.9,
	"GUST":  999.9,
	"SNDP":  999.9,
	"PRCP":  99.99,
}

type gsodColumn struct {
	name    string
	field   models.Field
	convert func(float64) float64
}

var gsodColumns = []gsodColumn{
	{"TEMP", models.TempAvgC, FahrenheitToCelsius},
	{"MAX", models.TempMaxC, FahrenheitToCelsius},
	{"MIN", models.TempMinC, FahrenheitToCelsius},
	{"DEWP", models.DewpointC, FahrenheitToCelsius},
	{"PRCP", models.PrecipMM, InchesToMM},
	{"WDSP", models.WindSpeedKMH, KnotsToKMH},
	{"VISIB", models.VisibilityKM, MilesToKM},
}

const gsodDateLayout = "2006-01-02"

// Weather normalizes one GSOD station-year. Pressure (already hPa) comes
// from SLP, falling back to STP when SLP is missing on that row.
func Weather(batch models.RawBatch) ([]models.DailyRecord, Stats) {
	stats := Stats{Rows: len(batch.Rows)}
	idx := columnIndex(batch.Header)

	dateCol, ok := idx["DATE"]
	if !ok {
		stats.BadDates = len(batch.Rows)
		return nil, stats
	}

	lookup := func(name string) int {
		if i, ok := idx[name]; ok {
			return i
		}
		return -1
	}
	slp, stp := lookup("SLP"), lookup("STP")

	var records []models.DailyRecord
	for _, row := range batch.Rows {
		date, err := time.Parse(gsodDateLayout, cellAt(row, dateCol))
		if err != nil {
			stats.BadDates++
			continue
		}
		rec := models.NewDailyRecord(batch.StationID, date)

		for _, col := range gsodColumns {
			i := lookup(col.name)
			if i < 0 {
				continue
			}
			v, ok := gsodValue(row, i, col.name, &stats)
			if !ok {
				rec.SetNull(col.field)
				continue
			}
			rec.Set(col.field, col.convert(v))
		}

		if slp >= 0 || stp >= 0 {
			rec.SetNull(models.StationPressureHPA)
			if v, ok := gsodValue(row, slp, "SLP", &stats); ok {
				rec.Set(models.StationPressureHPA, v)
			} else if v, ok := gsodValue(row, stp, "STP", &stats); ok {
				rec.Set(models.StationPressureHPA, v)
			}
		}

		records = append(records, rec)
	}

	records = MergeStation(batch.StationID, records)
	stats.Records = len(records)
	return records, stats
}

func gsodValue(row []string, i int, column string, stats *Stats) (float64, bool) {
	if i < 0 {
		return 0, false
	}
	v, ok := parseNumber(cellAt(row, i))
	if !ok {
		return 0, false
	}
	if s, has := GSODSentinels[column]; has && isSentinel(v, s) {
		stats.Sentinels++
		return 0, false
	}
	return v, true
}
