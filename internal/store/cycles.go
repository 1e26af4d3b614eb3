package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/pvcast/internal/models"
)

// GetForecastCycle returns an UNSCHEDULED cycle when none has been recorded.
func (s *Store) GetForecastCycle(date time.Time) (models.ForecastCycle, error) {
	c := models.ForecastCycle{Date: date, State: models.CycleUnscheduled}
	var d, state string
	err := s.db.QueryRow(`
		SELECT date, state, morning_at, midday_at, finalized_at, original_total_kwh, corrected_total_kwh, correction_reason
		FROM forecast_cycles WHERE date = ?
	`, s.key(date)).Scan(&d, &state, &c.MorningAt, &c.MiddayAt, &c.FinalizedAt,
		&c.OriginalTotalKWh, &c.CorrectedTotalKWh, &c.CorrectionReason)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	c.State = models.CycleState(state)
	c.Date, err = s.parseDate(d)
	return c, err
}

// TransitionForecastCycle moves a cycle to c.State only if it is currently in
// from. A concurrent transition makes this return ErrStaleVersion.
func (s *Store) TransitionForecastCycle(c models.ForecastCycle, from models.CycleState) error {
	key := s.key(c.Date)
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO forecast_cycles (date, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(date) DO NOTHING
	`, key, models.CycleUnscheduled, now); err != nil {
		return fmt.Errorf("seed cycle %s: %w", key, err)
	}

	res, err := tx.Exec(`
		UPDATE forecast_cycles SET
			state = ?,
			morning_at = COALESCE(?, morning_at),
			midday_at = COALESCE(?, midday_at),
			finalized_at = COALESCE(?, finalized_at),
			original_total_kwh = COALESCE(?, original_total_kwh),
			corrected_total_kwh = COALESCE(?, corrected_total_kwh),
			correction_reason = COALESCE(?, correction_reason),
			updated_at = ?
		WHERE date = ? AND state = ?
	`, c.State, c.MorningAt, c.MiddayAt, c.FinalizedAt, c.OriginalTotalKWh, c.CorrectedTotalKWh,
		c.CorrectionReason, now, key, from)
	if err != nil {
		return fmt.Errorf("transition cycle %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("cycle %s not in state %s: %w", key, from, ErrStaleVersion)
	}
	return tx.Commit()
}
