package store

import (
	"database/sql"
	"fmt"
	"time"
)

// IngestRun audits one weather fetch. Runs that never complete keep a
// NULL finished_at.
type IngestRun struct {
	ID                int64
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	Source            string
	Endpoint          string
	Site              sql.NullString
	HTTPStatus        sql.NullInt64
	ResponseSizeBytes sql.NullInt64
	RecordsParsed     sql.NullInt64
	RecordsStored     sql.NullInt64
	ParseErrors       sql.NullInt64
	Success           bool
	ErrorMessage      sql.NullString
}

// StartIngestRun opens an audit row. site is a coordinate label such as
// "48.1000,11.6000"; empty stores NULL.
func (s *Store) StartIngestRun(source, endpoint, site string, startedAt time.Time) (*IngestRun, error) {
	run := &IngestRun{
		StartedAt: startedAt.UTC(),
		Source:    source,
		Endpoint:  endpoint,
		Site:      sql.NullString{String: site, Valid: site != ""},
	}
	res, err := s.db.Exec(`INSERT INTO ingest_runs (started_at, source, endpoint, site, success) VALUES (?, ?, ?, ?, FALSE)`,
		run.StartedAt, run.Source, run.Endpoint, run.Site)
	if err != nil {
		return nil, fmt.Errorf("start ingest run: %w", err)
	}
	if run.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteIngestRun writes the outcome of run. A nil run is a no-op so
// callers can complete a run whose start failed.
func (s *Store) CompleteIngestRun(run *IngestRun, finishedAt time.Time) error {
	if run == nil {
		return nil
	}
	run.FinishedAt = sql.NullTime{Time: finishedAt.UTC(), Valid: true}
	_, err := s.db.Exec(`
		UPDATE ingest_runs SET
			finished_at = ?, http_status = ?, response_size_bytes = ?, records_parsed = ?,
			records_stored = ?, parse_errors = ?, success = ?, error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.HTTPStatus, run.ResponseSizeBytes, run.RecordsParsed,
		run.RecordsStored, run.ParseErrors, run.Success, run.ErrorMessage, run.ID)
	if err != nil {
		return fmt.Errorf("complete ingest run %d: %w", run.ID, err)
	}
	return nil
}

// IngestHealthSummary counts one day of runs for a source and endpoint.
type IngestHealthSummary struct {
	Date             string `json:"date"`
	Source           string `json:"source"`
	Endpoint         string `json:"endpoint"`
	TotalRuns        int    `json:"total_runs"`
	SuccessRuns      int    `json:"success_runs"`
	FailedRuns       int    `json:"failed_runs"`
	TotalRecords     int64  `json:"total_records"`
	TotalParseErrors int64  `json:"total_parse_errors"`
}

// GetIngestHealth summarises the runs started after since, newest day first.
func (s *Store) GetIngestHealth(since time.Time) ([]IngestHealthSummary, error) {
	rows, err := s.db.Query(`
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) AS date,
			source,
			endpoint,
			COUNT(*),
			SUM(CASE WHEN success THEN 1 ELSE 0 END),
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END),
			COALESCE(SUM(records_stored), 0),
			COALESCE(SUM(parse_errors), 0)
		FROM ingest_runs
		WHERE SUBSTR(started_at, 1, 19) > ?
		GROUP BY date, source, endpoint
		ORDER BY date DESC, source, endpoint
	`, since.UTC().Format(time.DateTime))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestHealthSummary
	for rows.Next() {
		var h IngestHealthSummary
		if err := rows.Scan(&h.Date, &h.Source, &h.Endpoint, &h.TotalRuns,
			&h.SuccessRuns, &h.FailedRuns, &h.TotalRecords, &h.TotalParseErrors); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// RecentIngestFailures returns up to limit failed runs, newest first.
func (s *Store) RecentIngestFailures(limit int) ([]IngestRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, source, endpoint, site,
			   http_status, response_size_bytes, records_parsed, records_stored,
			   parse_errors, success, error_message
		FROM ingest_runs
		WHERE success = FALSE AND finished_at IS NOT NULL
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Endpoint,
			&r.Site, &r.HTTPStatus, &r.ResponseSizeBytes, &r.RecordsParsed,
			&r.RecordsStored, &r.ParseErrors, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
