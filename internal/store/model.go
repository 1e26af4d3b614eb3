package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lox/pvcast/internal/models"
)

// GetModelState returns nil, nil before the first training pass.
func (s *Store) GetModelState() (*models.ModelState, error) {
	var st models.ModelState
	err := s.db.QueryRow(`
		SELECT active_model, feature_width, group_count, sample_count, last_trained_at, last_grid_search,
			accuracy, rmse, weights, updated_at
		FROM model_state WHERE id = 1
	`).Scan(&st.ActiveModel, &st.FeatureWidth, &st.Groups, &st.SampleCount, &st.LastTrainedAt, &st.LastGridSearch,
		&st.Accuracy, &st.RMSE, &st.Weights, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) SaveModelState(st models.ModelState) error {
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO model_state (id, active_model, feature_width, group_count, sample_count, last_trained_at,
			last_grid_search, accuracy, rmse, weights, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			active_model = excluded.active_model,
			feature_width = excluded.feature_width,
			group_count = excluded.group_count,
			sample_count = excluded.sample_count,
			last_trained_at = excluded.last_trained_at,
			last_grid_search = excluded.last_grid_search,
			accuracy = excluded.accuracy,
			rmse = excluded.rmse,
			weights = excluded.weights,
			updated_at = excluded.updated_at
	`, st.ActiveModel, st.FeatureWidth, st.Groups, st.SampleCount, st.LastTrainedAt, st.LastGridSearch,
		st.Accuracy, st.RMSE, st.Weights, updated)
	if err != nil {
		return fmt.Errorf("save model state: %w", err)
	}
	return nil
}

func (s *Store) DeleteModelState() error {
	_, err := s.db.Exec(`DELETE FROM model_state WHERE id = 1`)
	return err
}

// GetCorrectionFactor returns nil, nil when no factor has been learned yet.
func (s *Store) GetCorrectionFactor() (*models.CorrectionFactor, error) {
	var cf models.CorrectionFactor
	var hourly, samples string
	err := s.db.QueryRow(`
		SELECT global_factor, hourly, hourly_samples, samples, updated_at
		FROM correction_factor WHERE id = 1
	`).Scan(&cf.Global, &hourly, &samples, &cf.Samples, &cf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(hourly), &cf.Hourly); err != nil {
		return nil, fmt.Errorf("decode hourly factors: %w", err)
	}
	if err := json.Unmarshal([]byte(samples), &cf.HourlySamples); err != nil {
		return nil, fmt.Errorf("decode hourly samples: %w", err)
	}
	return &cf, nil
}

func (s *Store) SaveCorrectionFactor(cf models.CorrectionFactor) error {
	hourly, err := json.Marshal(cf.Hourly)
	if err != nil {
		return err
	}
	samples, err := json.Marshal(cf.HourlySamples)
	if err != nil {
		return err
	}
	updated := cf.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO correction_factor (id, global_factor, hourly, hourly_samples, samples, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			global_factor = excluded.global_factor,
			hourly = excluded.hourly,
			hourly_samples = excluded.hourly_samples,
			samples = excluded.samples,
			updated_at = excluded.updated_at
	`, cf.Global, string(hourly), string(samples), cf.Samples, updated)
	return err
}
