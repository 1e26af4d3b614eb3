package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/pvcast/internal/models"
)

// UpsertAstronomyDay replaces a day's astronomy in one transaction so a
// partially written day is never visible.
func (s *Store) UpsertAstronomyDay(day models.DayAstronomy) error {
	key := s.key(day.Date)
	computedAt := day.ComputedAt
	if computedAt.IsZero() {
		computedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin astronomy tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO astronomy_days (date, sunrise, solar_noon, sunset, daylight_hours, production_start, production_end, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			sunrise = excluded.sunrise,
			solar_noon = excluded.solar_noon,
			sunset = excluded.sunset,
			daylight_hours = excluded.daylight_hours,
			production_start = excluded.production_start,
			production_end = excluded.production_end,
			computed_at = excluded.computed_at
	`, key, day.Sun.Sunrise, day.Sun.SolarNoon, day.Sun.Sunset, day.Sun.DaylightHours,
		day.Sun.ProductionStart, day.Sun.ProductionEnd, computedAt)
	if err != nil {
		return fmt.Errorf("upsert astronomy day: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM hourly_astronomy_groups WHERE date = ?`, key); err != nil {
		return fmt.Errorf("clear astronomy groups: %w", err)
	}

	for _, h := range day.Hours {
		_, err := tx.Exec(`
			INSERT INTO hourly_astronomy (date, hour, elevation_deg, azimuth_deg, clear_sky_ghi, theoretical_max_kwh)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(date, hour) DO UPDATE SET
				elevation_deg = excluded.elevation_deg,
				azimuth_deg = excluded.azimuth_deg,
				clear_sky_ghi = excluded.clear_sky_ghi,
				theoretical_max_kwh = excluded.theoretical_max_kwh
		`, key, h.Hour, h.ElevationDeg, h.AzimuthDeg, h.ClearSkyGHI, h.TheoreticalMaxKWh)
		if err != nil {
			return fmt.Errorf("upsert astronomy hour %d: %w", h.Hour, err)
		}
		for _, g := range h.Groups {
			_, err := tx.Exec(`
				INSERT INTO hourly_astronomy_groups (date, hour, group_name, aoi_deg, poa_wm2, theoretical_kwh)
				VALUES (?, ?, ?, ?, ?, ?)
			`, key, h.Hour, g.Group, g.AOIDeg, g.POAWm2, g.TheoreticalKWh)
			if err != nil {
				return fmt.Errorf("insert astronomy group %s hour %d: %w", g.Group, h.Hour, err)
			}
		}
	}

	return tx.Commit()
}

// GetAstronomyDay returns nil, nil when the day has not been materialized.
func (s *Store) GetAstronomyDay(date time.Time) (*models.DayAstronomy, error) {
	key := s.key(date)
	day := models.DayAstronomy{}

	err := s.db.QueryRow(`
		SELECT date, sunrise, solar_noon, sunset, daylight_hours, production_start, production_end, computed_at
		FROM astronomy_days WHERE date = ?
	`, key).Scan(new(string), &day.Sun.Sunrise, &day.Sun.SolarNoon, &day.Sun.Sunset, &day.Sun.DaylightHours,
		&day.Sun.ProductionStart, &day.Sun.ProductionEnd, &day.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	day.Date, err = s.parseDate(key)
	if err != nil {
		return nil, err
	}
	day.Sun.Sunrise = s.localTime(day.Sun.Sunrise)
	day.Sun.SolarNoon = s.localTime(day.Sun.SolarNoon)
	day.Sun.Sunset = s.localTime(day.Sun.Sunset)
	day.Sun.ProductionStart = s.localTime(day.Sun.ProductionStart)
	day.Sun.ProductionEnd = s.localTime(day.Sun.ProductionEnd)

	rows, err := s.db.Query(`
		SELECT hour, elevation_deg, azimuth_deg, clear_sky_ghi, theoretical_max_kwh
		FROM hourly_astronomy WHERE date = ? ORDER BY hour
	`, key)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		h := models.HourlyAstronomy{Date: day.Date, Sun: day.Sun}
		if err := rows.Scan(&h.Hour, &h.ElevationDeg, &h.AzimuthDeg, &h.ClearSkyGHI, &h.TheoreticalMaxKWh); err != nil {
			rows.Close()
			return nil, err
		}
		day.Hours = append(day.Hours, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	groups, err := s.db.Query(`
		SELECT hour, group_name, aoi_deg, poa_wm2, theoretical_kwh
		FROM hourly_astronomy_groups WHERE date = ? ORDER BY hour, rowid
	`, key)
	if err != nil {
		return nil, err
	}
	defer groups.Close()
	for groups.Next() {
		var hour int
		var g models.GroupIrradiance
		if err := groups.Scan(&hour, &g.Group, &g.AOIDeg, &g.POAWm2, &g.TheoreticalKWh); err != nil {
			return nil, err
		}
		if hour >= 0 && hour < len(day.Hours) && day.Hours[hour].Hour == hour {
			day.Hours[hour].Groups = append(day.Hours[hour].Groups, g)
		}
	}
	return &day, groups.Err()
}

// GetHourlyAstronomy is a point lookup of one materialized hour.
func (s *Store) GetHourlyAstronomy(date time.Time, hour int) (*models.HourlyAstronomy, error) {
	day, err := s.GetAstronomyDay(date)
	if err != nil || day == nil {
		return nil, err
	}
	h, ok := day.Hour(hour)
	if !ok {
		return nil, nil
	}
	return &h, nil
}

// DeleteAstronomyBefore prunes astronomy older than date.
func (s *Store) DeleteAstronomyBefore(date time.Time) (int64, error) {
	key := s.key(date)
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM hourly_astronomy_groups WHERE date < ?`, key); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`DELETE FROM hourly_astronomy WHERE date < ?`, key); err != nil {
		return 0, err
	}
	res, err := tx.Exec(`DELETE FROM astronomy_days WHERE date < ?`, key)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// AstronomyDates lists materialized dates in [from, to].
func (s *Store) AstronomyDates(from, to time.Time) ([]time.Time, error) {
	rows, err := s.db.Query(`SELECT date FROM astronomy_days WHERE date >= ? AND date <= ? ORDER BY date`, s.key(from), s.key(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		d, err := s.parseDate(v)
		if err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}
