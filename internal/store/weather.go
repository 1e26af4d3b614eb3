package store

import (
	"fmt"
	"time"

	"github.com/lox/pvcast/internal/models"
)

// UpsertWeatherHours stores a batch of weather hours in one transaction. A
// later fetch replaces an earlier one for the same hour and kind.
func (s *Store) UpsertWeatherHours(hours []models.WeatherHour) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stored := 0
	for _, w := range hours {
		fetched := w.FetchedAt
		if fetched.IsZero() {
			fetched = time.Now().UTC()
		}
		_, err := tx.Exec(`
			INSERT INTO weather_hours (date, hour, kind, source, fetched_at, temp_c, humidity_pct, cloud_cover_pct,
				precip_mm, wind_speed_ms, solar_radiation, qc_flags)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(date, hour, kind) DO UPDATE SET
				source = excluded.source,
				fetched_at = excluded.fetched_at,
				temp_c = excluded.temp_c,
				humidity_pct = excluded.humidity_pct,
				cloud_cover_pct = excluded.cloud_cover_pct,
				precip_mm = excluded.precip_mm,
				wind_speed_ms = excluded.wind_speed_ms,
				solar_radiation = excluded.solar_radiation,
				qc_flags = excluded.qc_flags
		`, s.key(w.Date), w.Hour, w.Kind, w.Source, fetched, w.TempC, w.HumidityPct, w.CloudCoverPct,
			w.PrecipMM, w.WindSpeedMS, w.SolarRadiation, w.QCFlags)
		if err != nil {
			return 0, fmt.Errorf("upsert weather %s %02d %s: %w", s.key(w.Date), w.Hour, w.Kind, err)
		}
		stored++
	}
	return stored, tx.Commit()
}

// GetWeatherHours returns a day's weather of one kind, indexed by hour.
func (s *Store) GetWeatherHours(date time.Time, kind string) (map[int]models.WeatherHour, error) {
	rows, err := s.db.Query(`
		SELECT date, hour, kind, source, fetched_at, temp_c, humidity_pct, cloud_cover_pct, precip_mm,
			wind_speed_ms, solar_radiation, qc_flags
		FROM weather_hours WHERE date = ? AND kind = ?
	`, s.key(date), kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]models.WeatherHour)
	for rows.Next() {
		var w models.WeatherHour
		var d string
		if err := rows.Scan(&d, &w.Hour, &w.Kind, &w.Source, &w.FetchedAt, &w.TempC, &w.HumidityPct,
			&w.CloudCoverPct, &w.PrecipMM, &w.WindSpeedMS, &w.SolarRadiation, &w.QCFlags); err != nil {
			return nil, err
		}
		if w.Date, err = s.parseDate(d); err != nil {
			return nil, err
		}
		out[w.Hour] = w
	}
	return out, rows.Err()
}

// LatestWeatherFetch returns the most recent fetch time for a kind, or the
// zero time when nothing has been stored.
func (s *Store) LatestWeatherFetch(kind string) (time.Time, error) {
	var t time.Time
	rows, err := s.db.Query(`SELECT fetched_at FROM weather_hours WHERE kind = ? ORDER BY rowid DESC LIMIT 1`, kind)
	if err != nil {
		return t, err
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&t); err != nil {
			return t, err
		}
	}
	return t, rows.Err()
}

func (s *Store) DeleteWeatherBefore(date time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM weather_hours WHERE date < ?`, s.key(date))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
