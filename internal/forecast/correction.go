package forecast

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lox/pvcast/internal/config"
	"github.com/lox/pvcast/internal/metrics"
	"github.com/lox/pvcast/internal/models"
)

// CorrectionStore persists the smoothed correction factor.
type CorrectionStore interface {
	GetCorrectionFactor() (*models.CorrectionFactor, error)
	SaveCorrectionFactor(cf models.CorrectionFactor) error
}

// Corrector keeps the correction factor learned from each finished day's
// actual/predicted ratio.
type Corrector struct {
	cfg   config.CorrectionConfig
	store CorrectionStore

	mu      sync.RWMutex
	current models.CorrectionFactor
	loaded  bool
}

func NewCorrector(cfg config.CorrectionConfig, s CorrectionStore) *Corrector {
	return &Corrector{cfg: cfg, store: s, current: models.NewCorrectionFactor()}
}

func (c *Corrector) alpha() float64 {
	return 2 / float64(c.cfg.WindowDays+1)
}

// Current returns the factor, loading it on first use.
func (c *Corrector) Current() (models.CorrectionFactor, error) {
	c.mu.RLock()
	if c.loaded {
		defer c.mu.RUnlock()
		return c.current, nil
	}
	c.mu.RUnlock()

	cf, err := c.store.GetCorrectionFactor()
	if err != nil {
		return models.NewCorrectionFactor(), fmt.Errorf("load correction factor: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cf != nil {
		c.current = *cf
	}
	c.loaded = true
	return c.current, nil
}

// Factor is the multiplier for an hour: the hour's bucket once it has enough
// samples, otherwise the global factor.
func (c *Corrector) Factor(cf models.CorrectionFactor, hour int) float64 {
	if hour >= 0 && hour < len(cf.Hourly) && cf.HourlySamples[hour] >= c.cfg.MinBucketSamples {
		return cf.Hourly[hour]
	}
	return cf.Global
}

// Update folds a finished day into the factor. Predictions are compared
// before correction so the factor converges on the true bias instead of
// chasing its own output.
func (c *Corrector) Update(day []models.HourlyPrediction, now time.Time) (models.CorrectionFactor, error) {
	cf, err := c.Current()
	if err != nil {
		return cf, err
	}
	alpha := c.alpha()

	var predicted, actual float64
	for _, p := range day {
		if !p.ActualKWh.Valid || p.ExcludeFromLearning {
			continue
		}
		raw := uncorrected(p)
		if raw < c.cfg.MinPredictedKWh {
			continue
		}
		predicted += raw
		actual += p.ActualKWh.Float64

		ratio := clampFloat(p.ActualKWh.Float64/raw, c.cfg.MinRatio, c.cfg.MaxRatio)
		h := p.Hour
		if h < 0 || h >= len(cf.Hourly) {
			continue
		}
		if cf.HourlySamples[h] == 0 {
			cf.Hourly[h] = clampFloat(ratio, c.cfg.MinFactor, c.cfg.MaxFactor)
		} else {
			cf.Hourly[h] = clampFloat(cf.Hourly[h]+alpha*(ratio-cf.Hourly[h]), c.cfg.MinFactor, c.cfg.MaxFactor)
		}
		cf.HourlySamples[h]++
	}

	if predicted > 0 {
		ratio := clampFloat(actual/predicted, c.cfg.MinRatio, c.cfg.MaxRatio)
		cf.Global = clampFloat(cf.Global+alpha*(ratio-cf.Global), c.cfg.MinFactor, c.cfg.MaxFactor)
		cf.Samples++
	}
	cf.UpdatedAt = now

	if err := c.store.SaveCorrectionFactor(cf); err != nil {
		return cf, fmt.Errorf("save correction factor: %w", err)
	}
	c.mu.Lock()
	c.current, c.loaded = cf, true
	c.mu.Unlock()
	metrics.CorrectionFactor.Set(cf.Global)
	return cf, nil
}

// Reset drops the cached factor so the next read reloads it.
func (c *Corrector) Reset() {
	c.mu.Lock()
	c.current, c.loaded = models.NewCorrectionFactor(), false
	c.mu.Unlock()
}

func uncorrected(p models.HourlyPrediction) float64 {
	if p.CorrectionFactor <= 0 || math.IsNaN(p.CorrectionFactor) {
		return p.BlendedKWh
	}
	return p.BlendedKWh / p.CorrectionFactor
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
