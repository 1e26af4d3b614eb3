package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Astronomy and predictions",
		SQL: `
CREATE TABLE IF NOT EXISTS astronomy_days (
    date TEXT PRIMARY KEY,
    sunrise DATETIME NOT NULL,
    solar_noon DATETIME NOT NULL,
    sunset DATETIME NOT NULL,
    daylight_hours REAL NOT NULL,
    production_start DATETIME NOT NULL,
    production_end DATETIME NOT NULL,
    computed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS hourly_astronomy (
    date TEXT NOT NULL,
    hour INTEGER NOT NULL,
    elevation_deg REAL NOT NULL,
    azimuth_deg REAL NOT NULL,
    clear_sky_ghi REAL NOT NULL,
    theoretical_max_kwh REAL NOT NULL,
    PRIMARY KEY (date, hour)
);

CREATE TABLE IF NOT EXISTS hourly_astronomy_groups (
    date TEXT NOT NULL,
    hour INTEGER NOT NULL,
    group_name TEXT NOT NULL,
    aoi_deg REAL NOT NULL,
    poa_wm2 REAL NOT NULL,
    theoretical_kwh REAL NOT NULL,
    PRIMARY KEY (date, hour, group_name)
);

CREATE TABLE IF NOT EXISTS hourly_predictions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    date TEXT NOT NULL,
    hour INTEGER NOT NULL,
    physics_kwh REAL NOT NULL,
    learned_kwh REAL,
    blended_kwh REAL NOT NULL,
    actual_kwh REAL,
    confidence REAL NOT NULL,
    physics_weight REAL NOT NULL,
    learned_weight REAL NOT NULL,
    correction_factor REAL NOT NULL DEFAULT 1.0,
    theoretical_max_kwh REAL NOT NULL DEFAULT 0,
    forecast_cloud_cover REAL,
    group_kwh TEXT,
    exclude_from_learning BOOLEAN NOT NULL DEFAULT FALSE,
    degraded BOOLEAN NOT NULL DEFAULT FALSE,
    cycle_version INTEGER NOT NULL DEFAULT 1,
    generated_at DATETIME NOT NULL,
    UNIQUE(date, hour)
);

CREATE INDEX IF NOT EXISTS idx_predictions_date ON hourly_predictions(date);

CREATE TABLE IF NOT EXISTS forecast_cycles (
    date TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    morning_at DATETIME,
    midday_at DATETIME,
    finalized_at DATETIME,
    original_total_kwh REAL,
    corrected_total_kwh REAL,
    correction_reason TEXT,
    updated_at DATETIME NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "Shadow detection, model state and correction factor",
		SQL: `
CREATE TABLE IF NOT EXISTS shadow_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    prediction_id INTEGER,
    date TEXT NOT NULL,
    hour INTEGER NOT NULL,
    shadow_type TEXT NOT NULL,
    shadow_percent REAL NOT NULL,
    confidence REAL NOT NULL,
    root_cause TEXT NOT NULL,
    loss_kwh REAL NOT NULL,
    theory_percent REAL NOT NULL,
    theory_conf REAL NOT NULL,
    fusion_percent REAL,
    fusion_conf REAL,
    actual_kwh REAL NOT NULL,
    theoretical_kwh REAL NOT NULL,
    detected_at DATETIME NOT NULL,
    UNIQUE(date, hour)
);

CREATE INDEX IF NOT EXISTS idx_shadow_date ON shadow_results(date);

CREATE TABLE IF NOT EXISTS model_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    active_model TEXT NOT NULL,
    feature_width INTEGER NOT NULL,
    group_count INTEGER NOT NULL,
    sample_count INTEGER NOT NULL,
    last_trained_at DATETIME,
    last_grid_search DATETIME,
    accuracy REAL NOT NULL,
    rmse REAL NOT NULL,
    weights BLOB,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS correction_factor (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    global_factor REAL NOT NULL,
    hourly TEXT NOT NULL,
    hourly_samples TEXT NOT NULL,
    samples INTEGER NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_summaries (
    date TEXT PRIMARY KEY,
    predicted_kwh REAL NOT NULL,
    actual_kwh REAL NOT NULL,
    mae REAL NOT NULL,
    rmse REAL NOT NULL,
    accuracy_pct REAL NOT NULL,
    shadow_hours INTEGER NOT NULL,
    heavy_shadow_hours INTEGER NOT NULL,
    excluded_hours INTEGER NOT NULL,
    correction_after REAL NOT NULL,
    midday_corrected BOOLEAN NOT NULL DEFAULT FALSE,
    model_accuracy REAL NOT NULL,
    production_hours INTEGER NOT NULL,
    created_at DATETIME NOT NULL
);
`,
	},
	{
		Version:     3,
		Description: "Weather, production actuals and ingest audit",
		SQL: `
CREATE TABLE IF NOT EXISTS weather_hours (
    date TEXT NOT NULL,
    hour INTEGER NOT NULL,
    kind TEXT NOT NULL,
    source TEXT NOT NULL,
    fetched_at DATETIME NOT NULL,
    temp_c REAL,
    humidity_pct REAL,
    cloud_cover_pct REAL,
    precip_mm REAL,
    wind_speed_ms REAL,
    solar_radiation REAL,
    qc_flags INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (date, hour, kind)
);

CREATE TABLE IF NOT EXISTS production_actuals (
    date TEXT NOT NULL,
    hour INTEGER NOT NULL,
    group_name TEXT NOT NULL DEFAULT '',
    kwh REAL NOT NULL,
    recorded_at DATETIME NOT NULL,
    PRIMARY KEY (date, hour, group_name)
);

CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    site TEXT,
    http_status INTEGER,
    response_size_bytes INTEGER,
    records_parsed INTEGER,
    records_stored INTEGER,
    parse_errors INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);

CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ingest_run_id INTEGER,
    fetched_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    site TEXT,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    schema_version INTEGER NOT NULL DEFAULT 1
);
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

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

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
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
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
