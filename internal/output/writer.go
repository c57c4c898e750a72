// Package output writes fused city datasets as CSV or Parquet files and
// renders the per-source coverage report.
package output

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/lox/worldaq/internal/models"
)

type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatParquet:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

const allYears = "all_years"

// DatasetPath is {root}/{source}/{safe_city}/{name}.{format}.
func DatasetPath(root string, source models.Source, city models.City, name string, format Format) string {
	return filepath.Join(root, string(source), models.SafeName(city.Name), name+"."+string(format))
}

type Writer struct {
	root   string
	format Format
	logger *slog.Logger
}

func NewWriter(root string, format Format, logger *slog.Logger) *Writer {
	if format == "" {
		format = FormatCSV
	}
	return &Writer{root: root, format: format, logger: logger.With("component", "output")}
}

func (w *Writer) Root() string { return w.root }

// WriteDataset writes one city-year file and returns its path.
func (w *Writer) WriteDataset(ds models.CityYearDataset) (string, error) {
	path := DatasetPath(w.root, ds.Source, ds.City, strconv.Itoa(ds.Year), w.format)
	if err := w.write(path, ds.Source, ds.City, ds.Fields, ds.Days); err != nil {
		return "", err
	}
	w.logger.Debug("dataset written", "city", ds.City.String(), "year", ds.Year, "rows", len(ds.Days), "path", path)
	return path, nil
}

// WriteAllYears concatenates the city's per-year datasets into one
// all_years file. Datasets must share city and source.
func (w *Writer) WriteAllYears(datasets []models.CityYearDataset) (string, error) {
	if len(datasets) == 0 {
		return "", nil
	}
	sorted := append([]models.CityYearDataset(nil), datasets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Year < sorted[j].Year })

	first := sorted[0]
	var days []models.FusedDay
	for _, ds := range sorted {
		days = append(days, ds.Days...)
	}
	path := DatasetPath(w.root, first.Source, first.City, allYears, w.format)
	if err := w.write(path, first.Source, first.City, first.Fields, days); err != nil {
		return "", err
	}
	return path, nil
}

func (w *Writer) write(path string, source models.Source, city models.City, fields []models.Field, days []models.FusedDay) error {
	var buf bytes.Buffer
	var err error
	switch w.format {
	case FormatParquet:
		err = WriteParquet(&buf, source, city.Name, days)
	default:
		err = WriteCSV(&buf, city.Name, fields, days)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return writeFileAtomic(path, &buf)
}

// writeFileAtomic replaces path with the contents of r via a temp file in
// the same directory.
func writeFileAtomic(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
