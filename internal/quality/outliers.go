// Package quality flags implausible readings and drops stations whose core
// fields are too sparse to contribute to a city series.
package quality

import (
	"github.com/lox/worldaq/internal/models"
)

// Range is an inclusive plausibility window.
type Range struct {
	Min float64
	Max float64
}

func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Thresholds maps fields to their plausibility window. Fields without an
// entry are never flagged.
type Thresholds map[models.Field]Range

var DefaultThresholds = Thresholds{
	models.TempAvgC:           {-60, 60},
	models.TempMaxC:           {-60, 60},
	models.TempMinC:           {-60, 60},
	models.PrecipMM:           {0, 2000},
	models.WindSpeedKMH:       {0, 300},
	models.VisibilityKM:       {0, 100},
	models.StationPressureHPA: {870, 1085},

	models.PM25: {0, 1000},
	models.PM10: {0, 2000},
	models.O3:   {0, 0.5},
	models.NO2:  {0, 2},
	models.SO2:  {0, 1},
	models.CO:   {0, 50},
}

// FlagOutOfRange names the audit flag for a field, e.g. "pm25_out_of_range".
func FlagOutOfRange(f models.Field) string {
	return string(f) + "_out_of_range"
}

type Detector struct {
	thresholds Thresholds
}

// NewDetector copies t so later edits to the table do not leak in. A nil
// table means DefaultThresholds.
func NewDetector(t Thresholds) *Detector {
	if t == nil {
		t = DefaultThresholds
	}
	own := make(Thresholds, len(t))
	for f, r := range t {
		own[f] = r
	}
	return &Detector{thresholds: own}
}

// Check reports whether v is plausible for f.
func (d *Detector) Check(f models.Field, v float64) bool {
	r, ok := d.thresholds[f]
	if !ok {
		return true
	}
	return r.Contains(v)
}

// Flag nulls every out-of-range value and marks it. The result has exactly
// one FlaggedRecord per input record, in input order.
func (d *Detector) Flag(records []models.DailyRecord) []models.FlaggedRecord {
	out := make([]models.FlaggedRecord, len(records))
	for i, rec := range records {
		fr := models.FlaggedRecord{
			DailyRecord: rec.Clone(),
			Outlier:     make(map[models.Field]bool, len(rec.Values)),
		}
		for f, v := range rec.Values {
			if v.Valid && !d.Check(f, v.Float64) {
				fr.SetNull(f)
				fr.Outlier[f] = true
				continue
			}
			fr.Outlier[f] = false
		}
		out[i] = fr
	}
	return out
}

// Flags lists the audit flags raised on a record, in schema order.
func Flags(rec models.FlaggedRecord, fields []models.Field) []string {
	var flags []string
	for _, f := range fields {
		if rec.Outlier[f] {
			flags = append(flags, FlagOutOfRange(f))
		}
	}
	return flags
}
