package store

import (
	"database/sql"
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    source TEXT NOT NULL,
    unit_key TEXT NOT NULL,
    station_id TEXT NOT NULL,
    period TEXT NOT NULL,
    outcome TEXT NOT NULL,
    http_status INTEGER,
    response_size_bytes INTEGER,
    sha256 TEXT,
    duration_ms INTEGER,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_run ON ingest_runs(run_id);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);

CREATE TABLE IF NOT EXISTS city_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    city TEXT NOT NULL,
    country TEXT NOT NULL,
    source TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    status TEXT,
    stations_matched INTEGER,
    stations_surviving INTEGER,
    records INTEGER,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_city_runs_run ON city_runs(run_id);
`,
	},
	{
		Version:     2,
		Description: "Fused city series",
		SQL: `
CREATE TABLE IF NOT EXISTS fused_days (
    city TEXT NOT NULL,
    country TEXT NOT NULL,
    source TEXT NOT NULL,
    date DATE NOT NULL,
    station_count INTEGER NOT NULL,
    data_source TEXT NOT NULL,
    quality_score REAL NOT NULL,
    run_id TEXT,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (city, country, source, date)
);

CREATE TABLE IF NOT EXISTS fused_daily (
    city TEXT NOT NULL,
    country TEXT NOT NULL,
    source TEXT NOT NULL,
    date DATE NOT NULL,
    field TEXT NOT NULL,
    value REAL,
    source_count INTEGER NOT NULL,
    is_outlier BOOLEAN NOT NULL DEFAULT FALSE,
    is_interpolated BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (city, country, source, date, field)
);

CREATE INDEX IF NOT EXISTS idx_fused_daily_field ON fused_daily(source, field, date);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.logger.Info("migrations: applying", "version", m.Version, "description", m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, s.now(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
