package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/lox/worldaq/internal/models"
)

// ReadBatch loads a cached CSV (optionally gzip-compressed) into a RawBatch.
// The period defaults to the file name without extensions.
func ReadBatch(source models.Source, stationID, period, path string) (models.RawBatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.RawBatch{}, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return models.RawBatch{}, fmt.Errorf("gzip %s: %w", filepath.Base(path), err)
		}
		defer gz.Close()
		r = gz
	}

	if period == "" {
		period = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".gz"), ".csv")
	}
	batch, err := ParseBatch(source, stationID, period, r)
	if err != nil {
		return models.RawBatch{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return batch, nil
}

// ParseBatch reads a header row followed by data rows.
func ParseBatch(source models.Source, stationID, period string, r io.Reader) (models.RawBatch, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	batch := models.RawBatch{Source: source, StationID: stationID, Period: period}
	header, err := cr.Read()
	if err == io.EOF {
		return batch, nil
	}
	if err != nil {
		return batch, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	batch.Header = header

	rows, err := cr.ReadAll()
	if err != nil {
		return batch, fmt.Errorf("read rows: %w", err)
	}
	batch.Rows = rows
	return batch, nil
}
