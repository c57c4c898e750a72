package geo

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lox/worldaq/internal/models"
)

// ErrCatalog is matched by every error returned from the catalog loaders.
var ErrCatalog = errors.New("catalog error")

// CatalogError reports a missing or malformed static input file.
type CatalogError struct {
	Path string
	Err  error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog %s: %v", e.Path, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

func (e *CatalogError) Is(target error) bool { return target == ErrCatalog }

// LoadISDHistory reads a NOAA isd-history.csv station list.
func LoadISDHistory(path string) ([]models.Station, error) {
	return loadFile(path, ParseISDHistory)
}

// LoadLocations reads a generic location catalog with columns
// id, name, lat, lon, elevation, last_active.
func LoadLocations(path string) ([]models.Station, error) {
	return loadFile(path, ParseLocations)
}

func loadFile(path string, parse func(io.Reader) ([]models.Station, error)) ([]models.Station, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &CatalogError{Path: path, Err: err}
	}
	defer f.Close()

	stations, err := parse(f)
	if err != nil {
		return nil, &CatalogError{Path: path, Err: err}
	}
	return stations, nil
}

// ParseISDHistory parses isd-history.csv. Station ids are USAF and WBAN
// zero-padded to 6 and 5 digits joined by a dash. Rows without coordinates
// are kept with NaN coordinates so the matcher rejects them.
func ParseISDHistory(r io.Reader) ([]models.Station, error) {
	header, rows, err := readTable(r)
	if err != nil {
		return nil, err
	}
	idx, err := columns(header, "usaf", "wban", "station name", "lat", "lon", "elev(m)", "end")
	if err != nil {
		return nil, err
	}

	stations := make([]models.Station, 0, len(rows))
	for _, row := range rows {
		usaf := cell(row, idx["usaf"])
		wban := cell(row, idx["wban"])
		if usaf == "" || wban == "" {
			continue
		}
		st := models.Station{
			ID:        ISDStationID(usaf, wban),
			Name:      cell(row, idx["station name"]),
			Latitude:  parseFloatOrNaN(cell(row, idx["lat"])),
			Longitude: parseFloatOrNaN(cell(row, idx["lon"])),
			Elevation: parseNullFloat(cell(row, idx["elev(m)"])),
		}
		if end, err := time.Parse("20060102", cell(row, idx["end"])); err == nil {
			st.LastActive = end
		}
		stations = append(stations, st)
	}
	return stations, nil
}

// ISDStationID builds the GSOD station identifier, e.g. "722950-23174".
func ISDStationID(usaf, wban string) string {
	return leftPad(usaf, 6) + "-" + leftPad(wban, 5)
}

// ParseLocations parses the generic location catalog.
func ParseLocations(r io.Reader) ([]models.Station, error) {
	header, rows, err := readTable(r)
	if err != nil {
		return nil, err
	}
	idx, err := columns(header, "id", "name", "lat", "lon", "elevation", "last_active")
	if err != nil {
		return nil, err
	}

	stations := make([]models.Station, 0, len(rows))
	for _, row := range rows {
		id := cell(row, idx["id"])
		if id == "" {
			continue
		}
		st := models.Station{
			ID:        id,
			Name:      cell(row, idx["name"]),
			Latitude:  parseFloatOrNaN(cell(row, idx["lat"])),
			Longitude: parseFloatOrNaN(cell(row, idx["lon"])),
			Elevation: parseNullFloat(cell(row, idx["elevation"])),
		}
		if t, ok := parseDate(cell(row, idx["last_active"])); ok {
			st.LastActive = t
		}
		stations = append(stations, st)
	}
	return stations, nil
}

func readTable(r io.Reader) ([]string, [][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil, errors.New("empty file")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read rows: %w", err)
	}
	return header, rows, nil
}

// columns maps each required column name (case-insensitive) to its index.
func columns(header []string, required ...string) (map[string]int, error) {
	all := make(map[string]int, len(header))
	for i, h := range header {
		all[strings.ToLower(strings.TrimSpace(h))] = i
	}
	idx := make(map[string]int, len(required))
	var missing []string
	for _, name := range required {
		i, ok := all[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		idx[name] = i
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing columns: %s", strings.Join(missing, ", "))
	}
	return idx, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func leftPad(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat("0", n-len(s)) + s
}

func parseFloatOrNaN(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func parseNullFloat(s string) sql.NullFloat64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "20060102"}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
