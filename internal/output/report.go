package output

import (
	"bytes"
	"embed"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"sync"
	"text/template"
	"time"

	"github.com/lox/worldaq/internal/models"
)

//go:embed templates/*
var templateFS embed.FS

type CityStatus string

const (
	StatusOK          CityStatus = "ok"
	StatusNoStations  CityStatus = "no_stations"
	StatusNoDownloads CityStatus = "no_downloads"
	StatusNoCoverage  CityStatus = "no_coverage"
	StatusFailed      CityStatus = "failed"
)

// FieldSummary describes one field over a city's fused days.
type FieldSummary struct {
	Field    models.Field
	NonNull  int
	Coverage float64
	Mean     float64
	Min      float64
	Max      float64
}

type CitySummary struct {
	City      models.City
	Status    CityStatus
	Matched   int
	Surviving int
	Records   int
	From      time.Time
	To        time.Time
	Fields    []FieldSummary
	Error     string
}

// Summarize fills the record count, date range and per-field statistics of
// s from days.
func Summarize(s *CitySummary, fields []models.Field, days []models.FusedDay) {
	s.Records = len(days)
	s.Fields = nil
	if len(days) == 0 {
		return
	}
	s.From, s.To = days[0].Date, days[0].Date
	for _, d := range days {
		if d.Date.Before(s.From) {
			s.From = d.Date
		}
		if d.Date.After(s.To) {
			s.To = d.Date
		}
	}
	for _, f := range fields {
		fs := FieldSummary{Field: f, Min: math.Inf(1), Max: math.Inf(-1)}
		var sum float64
		for _, d := range days {
			v, ok := d.Value(f)
			if !ok {
				continue
			}
			fs.NonNull++
			sum += v
			fs.Min = math.Min(fs.Min, v)
			fs.Max = math.Max(fs.Max, v)
		}
		fs.Coverage = float64(fs.NonNull) / float64(len(days))
		if fs.NonNull > 0 {
			fs.Mean = sum / float64(fs.NonNull)
		} else {
			fs.Min, fs.Max = 0, 0
		}
		s.Fields = append(s.Fields, fs)
	}
}

// Report collects city summaries for one source in insertion order.
type Report struct {
	Source models.Source

	mu     sync.Mutex
	cities []CitySummary
}

func NewReport(source models.Source) *Report {
	return &Report{Source: source}
}

func (r *Report) Add(s CitySummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cities = append(r.cities, s)
}

func (r *Report) Cities() []CitySummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CitySummary(nil), r.cities...)
}

// Counts returns how many cities ended in each status.
func (r *Report) Counts() map[CityStatus]int {
	counts := make(map[CityStatus]int)
	for _, c := range r.Cities() {
		counts[c.Status]++
	}
	return counts
}

var reportTemplate = template.Must(template.New("").Funcs(template.FuncMap{
	"date": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.Format(dateLayout)
	},
	"num": func(v float64) string {
		return strconv.FormatFloat(Round2(v), 'f', 2, 64)
	},
	"pct": func(v float64) string {
		return strconv.FormatFloat(Round2(v*100), 'f', 1, 64)
	},
}).ParseFS(templateFS, "templates/*.tmpl"))

// Markdown renders the report. It carries no timestamps so re-runs over the
// same data produce the same bytes.
func (r *Report) Markdown() ([]byte, error) {
	cities := r.Cities()
	counts := r.Counts()
	data := struct {
		Source models.Source
		Cities []CitySummary
		Total  int
		OK     int
	}{r.Source, cities, len(cities), counts[StatusOK]}

	var buf bytes.Buffer
	if err := reportTemplate.ExecuteTemplate(&buf, "coverage_report.md.tmpl", data); err != nil {
		return nil, fmt.Errorf("render coverage report: %w", err)
	}
	return buf.Bytes(), nil
}

// ReportPath is {root}/{source}/coverage_report.md.
func ReportPath(root string, source models.Source) string {
	return filepath.Join(root, string(source), "coverage_report.md")
}

func (r *Report) WriteFile(root string) (string, error) {
	md, err := r.Markdown()
	if err != nil {
		return "", err
	}
	path := ReportPath(root, r.Source)
	if err := writeFileAtomic(path, bytes.NewReader(md)); err != nil {
		return "", err
	}
	return path, nil
}
