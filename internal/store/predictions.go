package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lox/pvcast/internal/models"
)

const predictionColumns = `id, date, hour, physics_kwh, learned_kwh, blended_kwh, actual_kwh, confidence,
	physics_weight, learned_weight, correction_factor, theoretical_max_kwh, forecast_cloud_cover,
	group_kwh, exclude_from_learning, degraded, cycle_version, generated_at`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// UpsertHourlyPrediction writes p if the stored row still carries
// p.CycleVersion (0 for a new row) and has no actual yet. It returns the new
// version, or ErrStaleVersion when the row moved on.
func (s *Store) UpsertHourlyPrediction(p models.HourlyPrediction) (int64, error) {
	if err := s.upsertPrediction(s.db, p); err != nil {
		return 0, err
	}
	return p.CycleVersion + 1, nil
}

// UpsertHourlyPredictions writes a batch atomically; one stale row rejects
// the whole batch.
func (s *Store) UpsertHourlyPredictions(preds []models.HourlyPrediction) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin predictions tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range preds {
		if err := s.upsertPrediction(tx, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) upsertPrediction(ex execer, p models.HourlyPrediction) error {
	groups, err := json.Marshal(p.GroupKWh)
	if err != nil {
		return fmt.Errorf("encode group kwh: %w", err)
	}
	generatedAt := p.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now().UTC()
	}

	if p.CycleVersion == 0 {
		res, err := ex.Exec(`
			INSERT INTO hourly_predictions (date, hour, physics_kwh, learned_kwh, blended_kwh, confidence,
				physics_weight, learned_weight, correction_factor, theoretical_max_kwh, forecast_cloud_cover,
				group_kwh, exclude_from_learning, degraded, cycle_version, generated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(date, hour) DO NOTHING
		`, s.key(p.Date), p.Hour, p.PhysicsKWh, p.LearnedKWh, p.BlendedKWh, p.Confidence,
			p.PhysicsWeight, p.LearnedWeight, p.CorrectionFactor, p.TheoreticalMaxKWh, p.ForecastCloudCover,
			string(groups), p.ExcludeFromLearning, p.Degraded, generatedAt)
		if err != nil {
			return fmt.Errorf("insert prediction %s %02d: %w", s.key(p.Date), p.Hour, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("prediction %s %02d already exists: %w", s.key(p.Date), p.Hour, ErrStaleVersion)
		}
		return nil
	}

	res, err := ex.Exec(`
		UPDATE hourly_predictions SET
			physics_kwh = ?, learned_kwh = ?, blended_kwh = ?, confidence = ?,
			physics_weight = ?, learned_weight = ?, correction_factor = ?, theoretical_max_kwh = ?,
			forecast_cloud_cover = ?, group_kwh = ?, degraded = ?, generated_at = ?,
			cycle_version = cycle_version + 1
		WHERE date = ? AND hour = ? AND cycle_version = ? AND actual_kwh IS NULL
	`, p.PhysicsKWh, p.LearnedKWh, p.BlendedKWh, p.Confidence,
		p.PhysicsWeight, p.LearnedWeight, p.CorrectionFactor, p.TheoreticalMaxKWh,
		p.ForecastCloudCover, string(groups), p.Degraded, generatedAt,
		s.key(p.Date), p.Hour, p.CycleVersion)
	if err != nil {
		return fmt.Errorf("update prediction %s %02d: %w", s.key(p.Date), p.Hour, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("prediction %s %02d version %d: %w", s.key(p.Date), p.Hour, p.CycleVersion, ErrStaleVersion)
	}
	return nil
}

func (s *Store) scanPrediction(sc interface{ Scan(...any) error }) (models.HourlyPrediction, error) {
	var p models.HourlyPrediction
	var date string
	var groups sql.NullString
	err := sc.Scan(&p.ID, &date, &p.Hour, &p.PhysicsKWh, &p.LearnedKWh, &p.BlendedKWh, &p.ActualKWh, &p.Confidence,
		&p.PhysicsWeight, &p.LearnedWeight, &p.CorrectionFactor, &p.TheoreticalMaxKWh, &p.ForecastCloudCover,
		&groups, &p.ExcludeFromLearning, &p.Degraded, &p.CycleVersion, &p.GeneratedAt)
	if err != nil {
		return p, err
	}
	if p.Date, err = s.parseDate(date); err != nil {
		return p, err
	}
	p.GeneratedAt = s.localTime(p.GeneratedAt)
	if groups.Valid && groups.String != "" && groups.String != "null" {
		if err := json.Unmarshal([]byte(groups.String), &p.GroupKWh); err != nil {
			return p, fmt.Errorf("decode group kwh: %w", err)
		}
	}
	return p, nil
}

func (s *Store) queryPredictions(query string, args ...any) ([]models.HourlyPrediction, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var preds []models.HourlyPrediction
	for rows.Next() {
		p, err := s.scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, rows.Err()
}

// GetHourlyPrediction returns nil, nil when no row exists.
func (s *Store) GetHourlyPrediction(date time.Time, hour int) (*models.HourlyPrediction, error) {
	row := s.db.QueryRow(`SELECT `+predictionColumns+` FROM hourly_predictions WHERE date = ? AND hour = ?`, s.key(date), hour)
	p, err := s.scanPrediction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetHourlyPredictions returns rows for dates in [from, to], ordered by date and hour.
func (s *Store) GetHourlyPredictions(from, to time.Time) ([]models.HourlyPrediction, error) {
	return s.queryPredictions(`SELECT `+predictionColumns+` FROM hourly_predictions
		WHERE date >= ? AND date <= ? ORDER BY date, hour`, s.key(from), s.key(to))
}

// GetTrainingPredictions returns actual-bearing rows not excluded from
// learning. Only days whose cycle is finalized qualify: before that their
// hours have not been through shadow detection.
func (s *Store) GetTrainingPredictions(from, to time.Time) ([]models.HourlyPrediction, error) {
	return s.queryPredictions(`SELECT `+predictionColumns+` FROM hourly_predictions
		WHERE date >= ? AND date <= ? AND actual_kwh IS NOT NULL AND exclude_from_learning = FALSE
		  AND date IN (SELECT date FROM forecast_cycles WHERE state = ?)
		ORDER BY date, hour`, s.key(from), s.key(to), string(models.CycleFinalized))
}

// SetActual records the observed production for an hour.
func (s *Store) SetActual(date time.Time, hour int, kwh float64) error {
	_, err := s.db.Exec(`
		UPDATE hourly_predictions SET actual_kwh = ?, cycle_version = cycle_version + 1
		WHERE date = ? AND hour = ?
	`, kwh, s.key(date), hour)
	return err
}

func (s *Store) SetExcludeFromLearning(date time.Time, hour int, exclude bool) error {
	_, err := s.db.Exec(`
		UPDATE hourly_predictions SET exclude_from_learning = ?, cycle_version = cycle_version + 1
		WHERE date = ? AND hour = ?
	`, exclude, s.key(date), hour)
	return err
}

// UpsertProductionActual stores an hourly reading pushed by the host. An
// empty group is the site total.
func (s *Store) UpsertProductionActual(a models.ProductionActual) error {
	recorded := a.Recorded
	if recorded.IsZero() {
		recorded = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO production_actuals (date, hour, group_name, kwh, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date, hour, group_name) DO UPDATE SET
			kwh = excluded.kwh,
			recorded_at = excluded.recorded_at
	`, s.key(a.Date), a.Hour, a.Group, a.KWh, recorded)
	return err
}

func (s *Store) GetProductionActuals(date time.Time) ([]models.ProductionActual, error) {
	rows, err := s.db.Query(`
		SELECT date, hour, group_name, kwh, recorded_at
		FROM production_actuals WHERE date = ? ORDER BY hour, group_name
	`, s.key(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProductionActual
	for rows.Next() {
		var a models.ProductionActual
		var d string
		if err := rows.Scan(&d, &a.Hour, &a.Group, &a.KWh, &a.Recorded); err != nil {
			return nil, err
		}
		if a.Date, err = s.parseDate(d); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
