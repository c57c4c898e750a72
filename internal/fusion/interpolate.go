package fusion

import (
	"database/sql"
	"time"

	"github.com/lox/worldaq/internal/models"
)

const day = 24 * time.Hour

func cloneDay(d models.FusedDay) models.FusedDay {
	c := models.NewFusedDay(d.Date)
	for k, v := range d.Values {
		c.Values[k] = v
	}
	for k, v := range d.SourceCount {
		c.SourceCount[k] = v
	}
	for k, v := range d.Outlier {
		c.Outlier[k] = v
	}
	for k, v := range d.Interpolated {
		c.Interpolated[k] = v
	}
	c.StationCount = d.StationCount
	c.DataSource = d.DataSource
	c.QualityScore = d.QualityScore
	return c
}

func daysBetween(a, b time.Time) int {
	return int(models.Day(b).Sub(models.Day(a)) / day)
}

// Interpolate fills interior null runs of each field linearly in time when
// the calendar gap between the bracketing valid days is at most limit.
// Leading and trailing runs are left alone. days must be sorted by date.
func Interpolate(days []models.FusedDay, fields []models.Field, limit int) []models.FusedDay {
	out := make([]models.FusedDay, len(days))
	for i, d := range days {
		out[i] = cloneDay(d)
	}
	if limit <= 0 {
		return out
	}

	for _, f := range fields {
		prev := -1
		for i := range out {
			if _, ok := out[i].Value(f); !ok {
				continue
			}
			if prev >= 0 && i > prev+1 {
				fillRun(out, f, prev, i, limit)
			}
			prev = i
		}
	}
	return out
}

func fillRun(days []models.FusedDay, f models.Field, lo, hi, limit int) {
	span := daysBetween(days[lo].Date, days[hi].Date)
	if span-1 > limit || span <= 0 {
		return
	}
	v0, _ := days[lo].Value(f)
	v1, _ := days[hi].Value(f)
	for i := lo + 1; i < hi; i++ {
		frac := float64(daysBetween(days[lo].Date, days[i].Date)) / float64(span)
		days[i].Values[f] = sql.NullFloat64{Float64: v0 + (v1-v0)*frac, Valid: true}
		days[i].Interpolated[f] = true
	}
}

// FillCalendar inserts an empty row for every date in [from, to] that has
// none, so calendar gaps become interpolatable nulls.
func FillCalendar(days []models.FusedDay, fields []models.Field, from, to time.Time) []models.FusedDay {
	from, to = models.Day(from), models.Day(to)
	have := make(map[time.Time]bool, len(days))
	out := make([]models.FusedDay, 0, len(days))
	for _, d := range days {
		have[models.Day(d.Date)] = true
		out = append(out, cloneDay(d))
	}
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if have[d] {
			continue
		}
		empty := models.NewFusedDay(d)
		empty.DataSource = models.DataSourceNone
		for _, f := range fields {
			empty.Values[f] = sql.NullFloat64{}
			empty.SourceCount[f] = 0
			empty.Outlier[f] = false
		}
		out = append(out, empty)
	}
	sortDays(out)
	return out
}
