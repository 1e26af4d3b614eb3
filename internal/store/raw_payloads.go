package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// ArchivedPayload is a weather response body kept for replay.
type ArchivedPayload struct {
	ID          int64
	IngestRunID sql.NullInt64
	FetchedAt   time.Time
	Source      string
	Endpoint    string
	Body        []byte
}

// ArchivePayload gzips body and keeps it unless an identical body is
// already archived, in which case it returns 0.
func (s *Store) ArchivePayload(runID int64, source, endpoint, site string, body []byte, fetchedAt time.Time) (int64, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(body); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	sum := sha256.Sum256(body)

	result, err := s.db.Exec(`
		INSERT INTO raw_payloads
		(ingest_run_id, fetched_at, source, endpoint, site, payload_compressed, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, sql.NullInt64{Int64: runID, Valid: runID > 0}, fetchedAt.UTC(), source, endpoint,
		sql.NullString{String: site, Valid: site != ""}, buf.Bytes(), hex.EncodeToString(sum[:]))
	if err != nil {
		return 0, fmt.Errorf("archive payload: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil || n == 0 {
		return 0, err
	}
	return result.LastInsertId()
}

// LatestPayload returns the most recently fetched archive entry for
// source and endpoint, or nil when there is none.
func (s *Store) LatestPayload(source, endpoint string) (*ArchivedPayload, error) {
	p := &ArchivedPayload{}
	var compressed []byte
	err := s.db.QueryRow(`
		SELECT id, ingest_run_id, fetched_at, source, endpoint, payload_compressed
		FROM raw_payloads
		WHERE source = ? AND endpoint = ?
		ORDER BY fetched_at DESC, id DESC
		LIMIT 1
	`, source, endpoint).Scan(&p.ID, &p.IngestRunID, &p.FetchedAt, &p.Source, &p.Endpoint, &compressed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("payload %d: %w", p.ID, err)
	}
	defer gz.Close()
	if p.Body, err = io.ReadAll(gz); err != nil {
		return nil, fmt.Errorf("payload %d: %w", p.ID, err)
	}
	return p, nil
}

// ArchiveStats summarises the archive for one source.
type ArchiveStats struct {
	Source   string    `json:"source"`
	Payloads int       `json:"payloads"`
	Bytes    int64     `json:"compressed_bytes"`
	Newest   time.Time `json:"newest"`
}

func (s *Store) ArchiveStats() ([]ArchiveStats, error) {
	rows, err := s.db.Query(`
		SELECT source, COUNT(*), COALESCE(SUM(LENGTH(payload_compressed)), 0), MAX(id)
		FROM raw_payloads
		GROUP BY source
		ORDER BY source
	`)
	if err != nil {
		return nil, err
	}
	var stats []ArchiveStats
	var newestIDs []int64
	for rows.Next() {
		var st ArchiveStats
		var id int64
		if err := rows.Scan(&st.Source, &st.Payloads, &st.Bytes, &id); err != nil {
			rows.Close()
			return nil, err
		}
		stats = append(stats, st)
		newestIDs = append(newestIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// MAX() drops the DATETIME column type, so read fetched_at by row.
	for i, id := range newestIDs {
		if err := s.db.QueryRow(`SELECT fetched_at FROM raw_payloads WHERE id = ?`, id).Scan(&stats[i].Newest); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// PruneArchive deletes payloads fetched before the cutoff.
func (s *Store) PruneArchive(before time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM raw_payloads WHERE fetched_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
