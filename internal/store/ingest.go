package store

import (
	"database/sql"
	"time"
)

// IngestRun is the audit row for one acquisition unit: a GSOD station-year,
// an archive object, or a REST sensor-year.
type IngestRun struct {
	ID                int64
	RunID             string
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	Source            string // "noaa", "openaq"
	UnitKey           string // cache key of the unit
	StationID         string
	Period            string
	Outcome           string // "fetched", "cached", "not_found", "failed"
	HTTPStatus        sql.NullInt64
	ResponseSizeBytes sql.NullInt64
	SHA256            sql.NullString
	DurationMS        sql.NullInt64
	ErrorMessage      sql.NullString
}

// RecordIngestRun stores a finished unit. StartedAt is derived from the
// duration when unset.
func (s *Store) RecordIngestRun(run *IngestRun) error {
	finished := s.now()
	if run.StartedAt.IsZero() {
		run.StartedAt = finished.Add(-time.Duration(run.DurationMS.Int64) * time.Millisecond)
	}
	run.FinishedAt = sql.NullTime{Time: finished, Valid: true}

	result, err := s.db.Exec(`
		INSERT INTO ingest_runs (run_id, started_at, finished_at, source, unit_key, station_id, period,
			outcome, http_status, response_size_bytes, sha256, duration_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.StartedAt, run.FinishedAt, run.Source, run.UnitKey, run.StationID, run.Period,
		run.Outcome, run.HTTPStatus, run.ResponseSizeBytes, run.SHA256, run.DurationMS, run.ErrorMessage)
	if err != nil {
		return err
	}
	run.ID, err = result.LastInsertId()
	return err
}

// CityRun tracks one city/source pass of a pipeline run.
type CityRun struct {
	ID           int64
	RunID        string
	City         string
	Country      string
	Source       string
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Status       string
	Matched      int
	Surviving    int
	Records      int
	ErrorMessage sql.NullString
}

// StartCityRun creates a city run record and returns it.
func (s *Store) StartCityRun(runID, city, country, source string) (*CityRun, error) {
	run := &CityRun{
		RunID:     runID,
		City:      city,
		Country:   country,
		Source:    source,
		StartedAt: s.now(),
	}

	result, err := s.db.Exec(`
		INSERT INTO city_runs (run_id, city, country, source, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.RunID, run.City, run.Country, run.Source, run.StartedAt)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteCityRun updates the city run with its outcome.
func (s *Store) CompleteCityRun(run *CityRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: s.now(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE city_runs SET
			finished_at = ?,
			status = ?,
			stations_matched = ?,
			stations_surviving = ?,
			records = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.Status, run.Matched, run.Surviving, run.Records, run.ErrorMessage, run.ID)
	return err
}

// IngestHealthSummary is the per-day, per-source outcome tally.
type IngestHealthSummary struct {
	Date       string
	Source     string
	TotalRuns  int
	Fetched    int
	Cached     int
	NotFound   int
	Failed     int
	TotalBytes int64
}

// GetIngestHealth returns ingest health summaries for the last N days.
func (s *Store) GetIngestHealth(days int) ([]IngestHealthSummary, error) {
	since := s.now().AddDate(0, 0, -days)
	rows, err := s.db.Query(`
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) as date,
			source,
			COUNT(*) as total_runs,
			SUM(CASE WHEN outcome = 'fetched' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'cached' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'not_found' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END),
			COALESCE(SUM(response_size_bytes), 0)
		FROM ingest_runs
		WHERE started_at >= ?
		GROUP BY date, source
		ORDER BY date DESC, source
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestHealthSummary
	for rows.Next() {
		var h IngestHealthSummary
		if err := rows.Scan(&h.Date, &h.Source, &h.TotalRuns, &h.Fetched,
			&h.Cached, &h.NotFound, &h.Failed, &h.TotalBytes); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentIngestErrors returns recent failed ingest runs.
func (s *Store) GetRecentIngestErrors(limit int) ([]IngestRun, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, started_at, finished_at, source, unit_key, station_id, period,
			   outcome, http_status, response_size_bytes, sha256, duration_ms, error_message
		FROM ingest_runs
		WHERE outcome = 'failed'
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		if err := rows.Scan(&r.ID, &r.RunID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.UnitKey,
			&r.StationID, &r.Period, &r.Outcome, &r.HTTPStatus, &r.ResponseSizeBytes,
			&r.SHA256, &r.DurationMS, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetCityRuns returns the city outcomes of one pipeline run in insert order.
func (s *Store) GetCityRuns(runID string) ([]CityRun, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, city, country, source, started_at, finished_at,
			COALESCE(status, ''), COALESCE(stations_matched, 0), COALESCE(stations_surviving, 0),
			COALESCE(records, 0), error_message
		FROM city_runs
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CityRun
	for rows.Next() {
		var r CityRun
		if err := rows.Scan(&r.ID, &r.RunID, &r.City, &r.Country, &r.Source, &r.StartedAt, &r.FinishedAt,
			&r.Status, &r.Matched, &r.Surviving, &r.Records, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// LatestRunID returns the most recently started pipeline run, or "".
func (s *Store) LatestRunID() (string, error) {
	var id sql.NullString
	err := s.db.QueryRow(`SELECT run_id FROM city_runs ORDER BY started_at DESC, id DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id.String, nil
}
