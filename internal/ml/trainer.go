package ml

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lox/pvcast/internal/clock"
	"github.com/lox/pvcast/internal/config"
	"github.com/lox/pvcast/internal/features"
	"github.com/lox/pvcast/internal/metrics"
	"github.com/lox/pvcast/internal/models"
)

// StateStore persists the trained model.
type StateStore interface {
	GetModelState() (*models.ModelState, error)
	SaveModelState(st models.ModelState) error
	DeleteModelState() error
}

// Status is a read-only view of the manager.
type Status struct {
	Active         string    `json:"active"`
	Ready          bool      `json:"ready"`
	Accuracy       float64   `json:"accuracy"`
	RMSE           float64   `json:"rmse"`
	RidgeReady     bool      `json:"ridge_ready"`
	RidgeAccuracy  float64   `json:"ridge_accuracy"`
	GRUReady       bool      `json:"gru_ready"`
	GRUAccuracy    float64   `json:"gru_accuracy"`
	Hidden         int       `json:"hidden"`
	LearningRate   float64   `json:"learning_rate"`
	FeatureWidth   int       `json:"feature_width"`
	Samples        int       `json:"samples"`
	Training       bool      `json:"training"`
	LastTrainedAt  time.Time `json:"last_trained_at,omitzero"`
	LastGridSearch time.Time `json:"last_grid_search,omitzero"`
}

// Manager owns both strategies and the normalization statistics. Training
// runs one at a time: a second request waits for the first to finish.
// Predictions read a consistent snapshot and never wait on training.
type Manager struct {
	cfg    config.ModelConfig
	width  int
	groups int
	store  StateStore
	clock  clock.Clock

	trainMu sync.Mutex

	mu             sync.RWMutex
	ridge          *Ridge
	gru            *GRU
	stats          *features.Stats
	active         string
	samples        int
	training       bool
	lastTrained    time.Time
	lastGridSearch time.Time
}

func NewManager(cfg config.ModelConfig, width, groups int, st StateStore, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	m := &Manager{cfg: cfg, width: width, groups: groups, store: st, clock: clk}
	m.resetLocked()
	return m
}

func (m *Manager) gruConfig() GRUConfig {
	return GRUConfig{
		Hidden:       m.cfg.HiddenSize,
		LearningRate: m.cfg.LearningRate,
		Epochs:       m.cfg.Epochs,
		Patience:     m.cfg.Patience,
		Attention:    m.cfg.Attention,
		Seed:         m.cfg.Seed,
		MinSamples:   m.cfg.MinSamples,
	}
}

func (m *Manager) resetLocked() {
	m.ridge = NewRidge(m.cfg.RidgeLambda, m.cfg.MinSamples)
	m.gru = NewGRU(m.gruConfig())
	m.stats = nil
	m.active = ModelRidge
	m.samples = 0
	m.lastTrained = time.Time{}
	m.lastGridSearch = time.Time{}
}

type savedWeights struct {
	Stats        *features.Stats `json:"stats"`
	Ridge        *Ridge          `json:"ridge"`
	GRU          *GRU            `json:"gru"`
	Hidden       int             `json:"hidden"`
	LearningRate float64         `json:"learning_rate"`
}

// Load restores the persisted model. A stored model built for a different
// feature width is discarded and ErrFeatureWidthMismatch returned so the
// caller can schedule a retrain.
func (m *Manager) Load() error {
	st, err := m.store.GetModelState()
	if err != nil {
		return fmt.Errorf("load model state: %w", err)
	}
	if st == nil {
		return nil
	}
	if st.FeatureWidth != m.width || st.Groups != m.groups {
		log.Printf("ml: stored model has width %d/%d groups, site needs %d/%d; discarding", st.FeatureWidth, st.Groups, m.width, m.groups)
		if err := m.store.DeleteModelState(); err != nil {
			return err
		}
		return fmt.Errorf("%w: stored %d, configured %d", ErrFeatureWidthMismatch, st.FeatureWidth, m.width)
	}

	w := savedWeights{Ridge: NewRidge(m.cfg.RidgeLambda, m.cfg.MinSamples), GRU: NewGRU(m.gruConfig())}
	if err := json.Unmarshal(st.Weights, &w); err != nil {
		return fmt.Errorf("decode model weights: %w", err)
	}
	if w.Ridge == nil {
		w.Ridge = NewRidge(m.cfg.RidgeLambda, m.cfg.MinSamples)
	}
	if w.GRU == nil {
		w.GRU = NewGRU(m.gruConfig())
	}
	if w.Hidden > 0 {
		w.GRU.SetHyperparams(w.Hidden, w.LearningRate)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ridge, m.gru, m.stats = w.Ridge, w.GRU, w.Stats
	m.active = st.ActiveModel
	m.samples = st.SampleCount
	if st.LastTrainedAt.Valid {
		m.lastTrained = st.LastTrainedAt.Time
	}
	if st.LastGridSearch.Valid {
		m.lastGridSearch = st.LastGridSearch.Time
	}
	metrics.ModelAccuracy.WithLabelValues(m.active).Set(m.activeLocked().Accuracy())
	log.Printf("ml: loaded %s model (accuracy %.3f, %d samples)", m.active, m.activeLocked().Accuracy(), m.samples)
	return nil
}

func (m *Manager) activeLocked() Forecaster {
	if m.active == ModelGRU && m.gru.Ready() {
		return m.gru
	}
	return m.ridge
}

// Ready reports whether any strategy can predict.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked().Ready()
}

func (m *Manager) Accuracy() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f := m.activeLocked()
	if !f.Ready() {
		return 0
	}
	return f.Accuracy()
}

// Predict normalizes a raw feature sequence and runs the active strategy.
func (m *Manager) Predict(seq [][]float64) ([]float64, error) {
	m.mu.RLock()
	f, stats := m.activeLocked(), m.stats
	m.mu.RUnlock()
	if !f.Ready() {
		return nil, ErrNotReady
	}
	return f.Predict(stats.Apply(seq))
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f := m.activeLocked()
	gc := m.gru.Config()
	return Status{
		Active:         f.Name(),
		Ready:          f.Ready(),
		Accuracy:       f.Accuracy(),
		RMSE:           f.RMSE(),
		RidgeReady:     m.ridge.Ready(),
		RidgeAccuracy:  m.ridge.Accuracy(),
		GRUReady:       m.gru.Ready(),
		GRUAccuracy:    m.gru.Accuracy(),
		Hidden:         gc.Hidden,
		LearningRate:   gc.LearningRate,
		FeatureWidth:   m.width,
		Samples:        m.samples,
		Training:       m.training,
		LastTrainedAt:  m.lastTrained,
		LastGridSearch: m.lastGridSearch,
	}
}

// Train fits both strategies on copies under the configured timeout and
// swaps them in only if the pass succeeds. It returns the result of the
// strategy that ends up active.
func (m *Manager) Train(ctx context.Context, samples []Sample) (TrainResult, error) {
	m.trainMu.Lock()
	defer m.trainMu.Unlock()

	if len(samples) < m.cfg.MinSamples {
		metrics.TrainingRuns.WithLabelValues("all", "insufficient").Inc()
		return TrainResult{Samples: len(samples), Reason: ErrInsufficientSamples.Error()},
			fmt.Errorf("%w: have %d, need %d", ErrInsufficientSamples, len(samples), m.cfg.MinSamples)
	}
	for _, s := range samples {
		if len(s.Target) != m.groups || len(s.Seq) == 0 || len(s.Seq[0]) != m.width {
			return TrainResult{Samples: len(samples)}, ErrFeatureWidthMismatch
		}
	}

	m.setTraining(true)
	defer m.setTraining(false)

	if m.cfg.TrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.TrainTimeout)
		defer cancel()
	}

	stats := features.Fit(sequences(samples))
	norm := normalize(samples, stats)

	m.mu.RLock()
	gc := m.gru.Config()
	m.mu.RUnlock()

	ridge := NewRidge(m.cfg.RidgeLambda, m.cfg.MinSamples)
	gru := NewGRU(gc)

	rr := m.timed(ctx, ridge, norm)
	if !rr.Success {
		return rr, m.trainError(ctx, rr)
	}
	gr := m.timed(ctx, gru, norm)
	if !gr.Success {
		log.Printf("ml: gru training failed (%s), keeping ridge", gr.Reason)
		if err := ctx.Err(); err != nil {
			return gr, m.trainError(ctx, gr)
		}
	}

	active, result := ModelRidge, rr
	if gr.Success && gr.Accuracy >= rr.Accuracy {
		active, result = ModelGRU, gr
	}

	now := m.clock.Now()
	m.mu.Lock()
	prevStats, prevRidge, prevGRU, prevActive, prevSamples, prevTrained := m.stats, m.ridge, m.gru, m.active, m.samples, m.lastTrained
	// The old network was fitted against the previous statistics, so it is
	// replaced even when the new one failed to train.
	m.stats, m.ridge, m.gru, m.active, m.samples, m.lastTrained = stats, ridge, gru, active, len(samples), now
	m.mu.Unlock()

	if err := m.save(); err != nil {
		m.mu.Lock()
		m.stats, m.ridge, m.gru, m.active, m.samples, m.lastTrained = prevStats, prevRidge, prevGRU, prevActive, prevSamples, prevTrained
		m.mu.Unlock()
		return result, err
	}
	metrics.ModelAccuracy.WithLabelValues(active).Set(result.Accuracy)
	log.Printf("ml: trained on %d samples, active %s (ridge %.3f, gru %.3f)", len(samples), active, rr.Accuracy, gr.Accuracy)
	return result, nil
}

func (m *Manager) timed(ctx context.Context, f Forecaster, samples []Sample) TrainResult {
	start := time.Now()
	res := f.Train(ctx, samples)
	res.Duration = time.Since(start)
	status := "ok"
	if !res.Success {
		status = "failed"
	}
	metrics.TrainingRuns.WithLabelValues(f.Name(), status).Inc()
	metrics.TrainingDuration.WithLabelValues(f.Name()).Observe(res.Duration.Seconds())
	return res
}

func (m *Manager) trainError(ctx context.Context, res TrainResult) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTrainingTimeout, m.cfg.TrainTimeout)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("train %s: %s", res.Model, res.Reason)
}

func (m *Manager) setTraining(v bool) {
	m.mu.Lock()
	m.training = v
	m.mu.Unlock()
}

// GridSearchDue reports whether the minimum interval has passed.
func (m *Manager) GridSearchDue() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastGridSearch.IsZero() {
		return true
	}
	interval := time.Duration(m.cfg.GridSearchIntervalDays) * 24 * time.Hour
	return m.clock.Since(m.lastGridSearch) >= interval
}

// GridSearch evaluates alternative GRU hyperparameters. When a materially
// better configuration is found it is adopted, and if retrain is set the
// model is retrained with it.
func (m *Manager) GridSearch(ctx context.Context, samples []Sample, retrain bool) (GridResult, error) {
	m.trainMu.Lock()
	m.mu.RLock()
	base := m.gru.Config()
	m.mu.RUnlock()

	norm := normalize(samples, features.Fit(sequences(samples)))
	res, err := GridSearch(ctx, base, norm)
	if err != nil {
		m.trainMu.Unlock()
		metrics.TrainingRuns.WithLabelValues("grid", "failed").Inc()
		return res, err
	}
	metrics.TrainingRuns.WithLabelValues("grid", "ok").Inc()

	m.mu.Lock()
	m.lastGridSearch = m.clock.Now()
	if res.Improved {
		log.Printf("ml: grid search adopted hidden=%d lr=%.3f (rmse %.4f vs %.4f)",
			res.Best.Hidden, res.Best.LearningRate, res.Best.RMSE, res.Current.RMSE)
		m.gru.SetHyperparams(res.Best.Hidden, res.Best.LearningRate)
	}
	m.mu.Unlock()
	saveErr := m.save()
	m.trainMu.Unlock()
	if saveErr != nil {
		return res, saveErr
	}

	if res.Improved && retrain {
		if _, err := m.Train(ctx, samples); err != nil {
			return res, fmt.Errorf("retrain after grid search: %w", err)
		}
	}
	return res, nil
}

// Reset discards both strategies and the persisted state.
func (m *Manager) Reset() error {
	m.trainMu.Lock()
	defer m.trainMu.Unlock()
	if err := m.store.DeleteModelState(); err != nil {
		return fmt.Errorf("delete model state: %w", err)
	}
	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
	metrics.ModelAccuracy.Reset()
	log.Printf("ml: model reset")
	return nil
}

func (m *Manager) save() error {
	m.mu.RLock()
	f := m.activeLocked()
	gc := m.gru.Config()
	w := savedWeights{Stats: m.stats, Ridge: m.ridge, GRU: m.gru, Hidden: gc.Hidden, LearningRate: gc.LearningRate}
	st := models.ModelState{
		ActiveModel:    m.active,
		FeatureWidth:   m.width,
		Groups:         m.groups,
		SampleCount:    m.samples,
		LastTrainedAt:  sql.NullTime{Time: m.lastTrained, Valid: !m.lastTrained.IsZero()},
		LastGridSearch: sql.NullTime{Time: m.lastGridSearch, Valid: !m.lastGridSearch.IsZero()},
		Accuracy:       f.Accuracy(),
		RMSE:           f.RMSE(),
		UpdatedAt:      m.clock.Now(),
	}
	data, err := json.Marshal(w)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode model weights: %w", err)
	}
	st.Weights = data
	return m.store.SaveModelState(st)
}

func sequences(samples []Sample) [][][]float64 {
	out := make([][][]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Seq
	}
	return out
}

func normalize(samples []Sample, stats *features.Stats) []Sample {
	out := make([]Sample, len(samples))
	for i, s := range samples {
		out[i] = Sample{Seq: stats.Apply(s.Seq), Target: s.Target}
	}
	return out
}
