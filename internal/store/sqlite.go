package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/lox/worldaq/internal/models"
)

type Store struct {
	db     *sql.DB
	clock  clockwork.Clock
	logger *slog.Logger
}

func New(db *sql.DB, clock clockwork.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{db: db, clock: clock, logger: logger.With("component", "store")}
}

// Open opens a SQLite database at path with WAL journaling and a busy
// timeout suitable for one writer with concurrent readers.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

const dateLayout = "2006-01-02"

// UpsertFusedDays writes a city's fused series in one transaction. Each day
// becomes one fused_days row and one fused_daily row per field.
func (s *Store) UpsertFusedDays(runID string, city models.City, source models.Source, fields []models.Field, days []models.FusedDay) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	dayStmt, err := tx.Prepare(`
		INSERT INTO fused_days (city, country, source, date, station_count, data_source, quality_score, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(city, country, source, date) DO UPDATE SET
			station_count = excluded.station_count,
			data_source = excluded.data_source,
			quality_score = excluded.quality_score,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare fused_days: %w", err)
	}
	defer dayStmt.Close()

	fieldStmt, err := tx.Prepare(`
		INSERT INTO fused_daily (city, country, source, date, field, value, source_count, is_outlier, is_interpolated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(city, country, source, date, field) DO UPDATE SET
			value = excluded.value,
			source_count = excluded.source_count,
			is_outlier = excluded.is_outlier,
			is_interpolated = excluded.is_interpolated
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare fused_daily: %w", err)
	}
	defer fieldStmt.Close()

	now := s.now()
	for _, d := range days {
		date := d.Date.Format(dateLayout)
		if _, err := dayStmt.Exec(city.Name, city.Country, string(source), date,
			d.StationCount, string(d.DataSource), d.QualityScore, runID, now); err != nil {
			return 0, fmt.Errorf("upsert fused day %s: %w", date, err)
		}
		for _, f := range fields {
			if _, err := fieldStmt.Exec(city.Name, city.Country, string(source), date, string(f),
				d.Values[f], d.SourceCount[f], d.Outlier[f], d.Interpolated[f]); err != nil {
				return 0, fmt.Errorf("upsert fused %s %s: %w", f, date, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit fused days: %w", err)
	}
	return len(days), nil
}

// GetFusedDays reads back a city's series for [from, to], sorted by date.
func (s *Store) GetFusedDays(city models.City, source models.Source, from, to time.Time) ([]models.FusedDay, error) {
	rows, err := s.db.Query(`
		SELECT d.date, d.station_count, d.data_source, d.quality_score,
			f.field, f.value, f.source_count, f.is_outlier, f.is_interpolated
		FROM fused_days d
		LEFT JOIN fused_daily f
			ON f.city = d.city AND f.country = d.country AND f.source = d.source AND f.date = d.date
		WHERE d.city = ? AND d.country = ? AND d.source = ? AND d.date >= ? AND d.date <= ?
		ORDER BY d.date, f.field
	`, city.Name, city.Country, string(source), from.Format(dateLayout), to.Format(dateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byDate := make(map[string]*models.FusedDay)
	var order []string
	for rows.Next() {
		var (
			date, dataSource string
			stationCount     int
			score            float64
			field            sql.NullString
			value            sql.NullFloat64
			sourceCount      sql.NullInt64
			outlier, interp  sql.NullBool
		)
		if err := rows.Scan(&date, &stationCount, &dataSource, &score,
			&field, &value, &sourceCount, &outlier, &interp); err != nil {
			return nil, err
		}
		day, ok := byDate[date]
		if !ok {
			t, err := parseStoredDate(date)
			if err != nil {
				return nil, err
			}
			d := models.NewFusedDay(t)
			d.StationCount = stationCount
			d.DataSource = models.DataSource(dataSource)
			d.QualityScore = score
			day = &d
			byDate[date] = day
			order = append(order, date)
		}
		if !field.Valid {
			continue
		}
		f := models.Field(field.String)
		day.Values[f] = value
		day.SourceCount[f] = int(sourceCount.Int64)
		day.Outlier[f] = outlier.Bool
		day.Interpolated[f] = interp.Bool
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Strings(order)
	out := make([]models.FusedDay, 0, len(order))
	for _, d := range order {
		out = append(out, *byDate[d])
	}
	return out, nil
}

// parseStoredDate accepts both plain dates and the timestamp form the
// driver may hand back for DATE columns.
func parseStoredDate(s string) (time.Time, error) {
	if len(s) >= len(dateLayout) {
		if t, err := time.Parse(dateLayout, s[:len(dateLayout)]); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse stored date %q", s)
}

// CountFusedDays returns the stored day count per source.
func (s *Store) CountFusedDays() (map[models.Source]int, error) {
	rows, err := s.db.Query(`SELECT source, COUNT(*) FROM fused_days GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.Source]int)
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		counts[models.Source(source)] = n
	}
	return counts, rows.Err()
}
