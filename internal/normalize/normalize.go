// Package normalize turns raw source rows into daily records in the shared
// schema: sentinels become nulls, units become canonical and sub-daily
// readings are averaged per UTC calendar day.
package normalize

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lox/worldaq/internal/models"
)

// Stats counts what a normalization pass kept and dropped.
type Stats struct {
	Rows         int
	Records      int
	BadDates     int
	Sentinels    int
	UnknownUnits int
	Untracked    int
}

func (s *Stats) add(o Stats) {
	s.Rows += o.Rows
	s.Records += o.Records
	s.BadDates += o.BadDates
	s.Sentinels += o.Sentinels
	s.UnknownUnits += o.UnknownUnits
	s.Untracked += o.Untracked
}

// Normalizer holds the pollutant selection used for air quality batches.
// Weather batches always produce the full weather schema.
type Normalizer struct {
	pollutants map[models.Field]bool
}

func New(pollutants []models.Field) *Normalizer {
	if len(pollutants) == 0 {
		pollutants = models.PollutantFields
	}
	n := &Normalizer{pollutants: make(map[models.Field]bool, len(pollutants))}
	for _, p := range pollutants {
		n.pollutants[p] = true
	}
	return n
}

// Normalize converts one batch. Output is sorted by date.
func (n *Normalizer) Normalize(batch models.RawBatch) ([]models.DailyRecord, Stats) {
	switch batch.Source {
	case models.SourceWeather:
		return Weather(batch)
	case models.SourceAirQuality:
		acc := newDailyMeans(batch.StationID)
		var stats Stats
		n.accumulate(acc, batch, &stats)
		records := acc.records()
		stats.Records = len(records)
		return records, stats
	}
	return nil, Stats{Rows: len(batch.Rows)}
}

// NormalizeStation converts every batch of one station into a single
// date-sorted series. Air quality readings are pooled across batches before
// daily averaging so a day split across two archive objects (UTC boundary
// of a monthly file) still gets one mean.
func (n *Normalizer) NormalizeStation(stationID string, batches []models.RawBatch) ([]models.DailyRecord, Stats) {
	var (
		stats   Stats
		series  [][]models.DailyRecord
		aqMeans *dailyMeans
	)
	for _, b := range batches {
		switch b.Source {
		case models.SourceAirQuality:
			if aqMeans == nil {
				aqMeans = newDailyMeans(stationID)
			}
			n.accumulate(aqMeans, b, &stats)
		default:
			recs, s := n.Normalize(b)
			stats.add(s)
			series = append(series, recs)
		}
	}
	if aqMeans != nil {
		series = append(series, aqMeans.records())
	}
	merged := MergeStation(stationID, series...)
	stats.Records = len(merged)
	return merged, stats
}

// MergeStation outer-joins record series on date. When two series carry a
// field for the same date the first non-null value wins.
func MergeStation(stationID string, series ...[]models.DailyRecord) []models.DailyRecord {
	byDate := make(map[time.Time]models.DailyRecord)
	for _, recs := range series {
		for _, r := range recs {
			day := models.Day(r.Date)
			cur, ok := byDate[day]
			if !ok {
				cur = models.NewDailyRecord(stationID, day)
				byDate[day] = cur
			}
			for f, v := range r.Values {
				existing, has := cur.Values[f]
				if !has || (!existing.Valid && v.Valid) {
					cur.Values[f] = v
				}
			}
		}
	}

	out := make([]models.DailyRecord, 0, len(byDate))
	for _, r := range byDate {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// columnIndex maps trimmed, case-folded header names to positions.
func columnIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToUpper(strings.TrimSpace(h))
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

func cellAt(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseNumber(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
