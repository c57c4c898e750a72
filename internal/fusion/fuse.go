// Package fusion merges per-station daily series into one city series and
// fills short gaps in it.
package fusion

import (
	"database/sql"
	"math"
	"sort"
	"time"

	"github.com/lox/worldaq/internal/models"
)

// MinDistanceKM floors station distance so a co-located station does not
// take an unbounded weight.
const MinDistanceKM = 0.1

// Weight is the inverse-distance weight of a station.
func Weight(distanceKM float64) float64 {
	return 1 / math.Max(distanceKM, MinDistanceKM)
}

// TrackedFields returns the schema fields carried by at least one record,
// in schema order.
func TrackedFields(stations map[string][]models.FlaggedRecord, schema []models.Field) []models.Field {
	seen := make(map[models.Field]bool)
	for _, recs := range stations {
		for _, r := range recs {
			for f := range r.Values {
				seen[f] = true
			}
		}
	}
	var tracked []models.Field
	for _, f := range schema {
		if seen[f] {
			tracked = append(tracked, f)
		}
	}
	return tracked
}

// Fuse combines station series into one row per date. Output is sorted by
// date.
func Fuse(stations map[string][]models.FlaggedRecord, distancesKM map[string]float64, schema []models.Field) []models.FusedDay {
	tracked := TrackedFields(stations, schema)
	switch len(stations) {
	case 0:
		return nil
	case 1:
		for _, recs := range stations {
			return single(recs, tracked)
		}
	}
	return weighted(stations, distancesKM, tracked)
}

func single(recs []models.FlaggedRecord, tracked []models.Field) []models.FusedDay {
	out := make([]models.FusedDay, 0, len(recs))
	for _, r := range recs {
		day := models.NewFusedDay(r.Date)
		for _, f := range tracked {
			day.Values[f] = r.Values[f]
			day.SourceCount[f] = 1
			day.Outlier[f] = r.Outlier[f]
		}
		day.StationCount = 1
		day.DataSource = models.DataSourceSingle
		day.QualityScore = 1.0
		out = append(out, day)
	}
	sortDays(out)
	return out
}

type contribution struct {
	weight float64
	rec    models.FlaggedRecord
}

func weighted(stations map[string][]models.FlaggedRecord, distancesKM map[string]float64, tracked []models.Field) []models.FusedDay {
	// Stations are visited in id order so the float sums are reproducible.
	ids := make([]string, 0, len(stations))
	for id := range stations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	byDate := make(map[time.Time][]contribution)
	for _, id := range ids {
		w := Weight(distancesKM[id])
		for _, r := range stations[id] {
			d := models.Day(r.Date)
			byDate[d] = append(byDate[d], contribution{weight: w, rec: r})
		}
	}

	out := make([]models.FusedDay, 0, len(byDate))
	for date, contribs := range byDate {
		day := models.NewFusedDay(date)
		day.StationCount = len(contribs)
		day.DataSource = models.DataSourceWeighted

		covered := 0
		for _, f := range tracked {
			var sum, weights float64
			n := 0
			day.Outlier[f] = false
			for _, c := range contribs {
				if c.rec.Outlier[f] {
					day.Outlier[f] = true
				}
				v, ok := c.rec.Value(f)
				if !ok {
					continue
				}
				sum += c.weight * v
				weights += c.weight
				n++
			}
			day.SourceCount[f] = n
			if n == 0 {
				day.Values[f] = sql.NullFloat64{}
				continue
			}
			day.Values[f] = sql.NullFloat64{Float64: sum / weights, Valid: true}
			covered++
		}
		day.QualityScore = score(covered, len(tracked))
		out = append(out, day)
	}
	sortDays(out)
	return out
}

func score(covered, tracked int) float64 {
	if tracked == 0 {
		return 0
	}
	return math.Min(1, math.Max(0, float64(covered)/float64(tracked)))
}

func sortDays(days []models.FusedDay) {
	sort.SliceStable(days, func(i, j int) bool { return days[i].Date.Before(days[j].Date) })
}
