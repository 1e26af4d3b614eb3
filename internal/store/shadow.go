package store

import (
	"time"

	"github.com/lox/pvcast/internal/models"
)

// InsertShadowResult appends a detection. Results are never rewritten; the
// return value reports whether a new row was stored.
func (s *Store) InsertShadowResult(r models.ShadowDetectionResult) (bool, error) {
	detected := r.DetectedAt
	if detected.IsZero() {
		detected = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO shadow_results (prediction_id, date, hour, shadow_type, shadow_percent, confidence, root_cause,
			loss_kwh, theory_percent, theory_conf, fusion_percent, fusion_conf, actual_kwh, theoretical_kwh, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date, hour) DO NOTHING
	`, r.PredictionID, s.key(r.Date), r.Hour, r.ShadowType, r.ShadowPercent, r.Confidence, r.RootCause,
		r.LossKWh, r.TheoryPercent, r.TheoryConf, r.FusionPercent, r.FusionConf, r.ActualKWh, r.TheoreticalKWh, detected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetShadowResults returns results for dates in [from, to].
func (s *Store) GetShadowResults(from, to time.Time) ([]models.ShadowDetectionResult, error) {
	rows, err := s.db.Query(`
		SELECT id, prediction_id, date, hour, shadow_type, shadow_percent, confidence, root_cause, loss_kwh,
			theory_percent, theory_conf, fusion_percent, fusion_conf, actual_kwh, theoretical_kwh, detected_at
		FROM shadow_results WHERE date >= ? AND date <= ? ORDER BY date, hour
	`, s.key(from), s.key(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ShadowDetectionResult
	for rows.Next() {
		var r models.ShadowDetectionResult
		var d, st, cause string
		if err := rows.Scan(&r.ID, &r.PredictionID, &d, &r.Hour, &st, &r.ShadowPercent, &r.Confidence, &cause,
			&r.LossKWh, &r.TheoryPercent, &r.TheoryConf, &r.FusionPercent, &r.FusionConf, &r.ActualKWh,
			&r.TheoreticalKWh, &r.DetectedAt); err != nil {
			return nil, err
		}
		r.ShadowType = models.ShadowType(st)
		r.RootCause = models.RootCause(cause)
		if r.Date, err = s.parseDate(d); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
