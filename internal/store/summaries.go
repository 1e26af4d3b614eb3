package store

import (
	"time"

	"github.com/lox/pvcast/internal/models"
)

func (s *Store) UpsertDailySummary(ds models.DailySummary) error {
	created := ds.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO daily_summaries (date, predicted_kwh, actual_kwh, mae, rmse, accuracy_pct, shadow_hours,
			heavy_shadow_hours, excluded_hours, correction_after, midday_corrected, model_accuracy, production_hours, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			predicted_kwh = excluded.predicted_kwh,
			actual_kwh = excluded.actual_kwh,
			mae = excluded.mae,
			rmse = excluded.rmse,
			accuracy_pct = excluded.accuracy_pct,
			shadow_hours = excluded.shadow_hours,
			heavy_shadow_hours = excluded.heavy_shadow_hours,
			excluded_hours = excluded.excluded_hours,
			correction_after = excluded.correction_after,
			midday_corrected = excluded.midday_corrected,
			model_accuracy = excluded.model_accuracy,
			production_hours = excluded.production_hours,
			created_at = excluded.created_at
	`, s.key(ds.Date), ds.PredictedKWh, ds.ActualKWh, ds.MAE, ds.RMSE, ds.AccuracyPct, ds.ShadowHours,
		ds.HeavyShadowHours, ds.ExcludedHours, ds.CorrectionAfter, ds.MiddayCorrected, ds.ModelAccuracy,
		ds.ProductionHours, created)
	return err
}

// GetDailySummaries returns summaries for dates in [from, to], oldest first.
func (s *Store) GetDailySummaries(from, to time.Time) ([]models.DailySummary, error) {
	rows, err := s.db.Query(`
		SELECT date, predicted_kwh, actual_kwh, mae, rmse, accuracy_pct, shadow_hours, heavy_shadow_hours,
			excluded_hours, correction_after, midday_corrected, model_accuracy, production_hours, created_at
		FROM daily_summaries WHERE date >= ? AND date <= ? ORDER BY date
	`, s.key(from), s.key(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DailySummary
	for rows.Next() {
		var ds models.DailySummary
		var d string
		if err := rows.Scan(&d, &ds.PredictedKWh, &ds.ActualKWh, &ds.MAE, &ds.RMSE, &ds.AccuracyPct,
			&ds.ShadowHours, &ds.HeavyShadowHours, &ds.ExcludedHours, &ds.CorrectionAfter, &ds.MiddayCorrected,
			&ds.ModelAccuracy, &ds.ProductionHours, &ds.CreatedAt); err != nil {
			return nil, err
		}
		if ds.Date, err = s.parseDate(d); err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}
