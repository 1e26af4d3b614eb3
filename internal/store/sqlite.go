package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrStaleVersion is returned when a compare-and-swap write finds the row
// has moved on since it was read.
var ErrStaleVersion = errors.New("stale version")

type Store struct {
	db  *sql.DB
	loc *time.Location
}

func New(db *sql.DB, loc *time.Location) *Store {
	return &Store{db: db, loc: loc}
}

// Open opens a SQLite database with the pragmas pvcast relies on. SQLite
// allows one writer, so the pool is limited to a single connection.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Location() *time.Location { return s.loc }

// Ping checks the database connection.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// key formats t as the local calendar date used for every date column.
func (s *Store) key(t time.Time) string {
	return t.In(s.loc).Format(time.DateOnly)
}

func (s *Store) parseDate(v string) (time.Time, error) {
	t, err := time.ParseInLocation(time.DateOnly, v, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", v, err)
	}
	return t, nil
}

func (s *Store) localTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(s.loc)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
