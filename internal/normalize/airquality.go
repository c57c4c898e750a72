package normalize

import (
	"time"

	"github.com/lox/worldaq/internal/models"
)

// Archive objects carry local offsets ("2023-01-01T01:00:00-05:00"), REST
// rows carry UTC; both reduce to a UTC calendar day.
var aqTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseAQTime(s string) (time.Time, bool) {
	for _, layout := range aqTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type sum struct {
	total float64
	n     int
}

// dailyMeans accumulates converted readings per (day, pollutant).
type dailyMeans struct {
	stationID string
	days      map[time.Time]map[models.Field]*sum
}

func newDailyMeans(stationID string) *dailyMeans {
	return &dailyMeans{stationID: stationID, days: make(map[time.Time]map[models.Field]*sum)}
}

func (d *dailyMeans) add(day time.Time, f models.Field, v float64) {
	fields, ok := d.days[day]
	if !ok {
		fields = make(map[models.Field]*sum)
		d.days[day] = fields
	}
	s, ok := fields[f]
	if !ok {
		s = &sum{}
		fields[f] = s
	}
	s.total += v
	s.n++
}

func (d *dailyMeans) records() []models.DailyRecord {
	recs := make([]models.DailyRecord, 0, len(d.days))
	for day, fields := range d.days {
		rec := models.NewDailyRecord(d.stationID, day)
		for f, s := range fields {
			rec.Set(f, s.total/float64(s.n))
		}
		recs = append(recs, rec)
	}
	return MergeStation(d.stationID, recs)
}

// accumulate folds one air quality batch into acc.
func (n *Normalizer) accumulate(acc *dailyMeans, batch models.RawBatch, stats *Stats) {
	stats.Rows += len(batch.Rows)
	idx := columnIndex(batch.Header)
	col := func(name string) int {
		if i, ok := idx[name]; ok {
			return i
		}
		return -1
	}
	dtCol, paramCol, unitCol, valCol := col("DATETIME"), col("PARAMETER"), col("UNITS"), col("VALUE")

	for _, row := range batch.Rows {
		field, err := models.ParsePollutant(cellAt(row, paramCol))
		if err != nil || !n.pollutants[field] {
			stats.Untracked++
			continue
		}
		ts, ok := parseAQTime(cellAt(row, dtCol))
		if !ok {
			stats.BadDates++
			continue
		}
		raw, ok := parseNumber(cellAt(row, valCol))
		if !ok {
			continue
		}
		v, ok := ConvertConcentration(raw, cellAt(row, unitCol), field)
		if !ok {
			stats.UnknownUnits++
			continue
		}
		acc.add(models.Day(ts), field, v)
	}
}

// AirQuality normalizes one air quality batch with the given pollutant
// selection.
func AirQuality(batch models.RawBatch, pollutants []models.Field) ([]models.DailyRecord, Stats) {
	return New(pollutants).Normalize(batch)
}
