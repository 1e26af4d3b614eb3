// Package ml holds the online forecasters: a closed-form ridge regression and
// a small gated recurrent network, plus the trainer that owns their state.
package ml

import (
	"context"
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

var (
	ErrInsufficientSamples  = errors.New("insufficient training samples")
	ErrNotReady             = errors.New("forecaster not ready")
	ErrFeatureWidthMismatch = errors.New("feature width mismatch")
	ErrDiverged             = errors.New("training diverged")
	ErrTrainingTimeout      = errors.New("training timed out")
)

const (
	ModelRidge = "ridge"
	ModelGRU   = "gru"
)

// Sample is one training example: a sequence of feature vectors ending at
// the target hour and the observed kWh per panel group.
type Sample struct {
	Seq    [][]float64
	Target []float64
}

// TrainResult reports the outcome of a training pass. A failed pass leaves
// the forecaster's previous state untouched.
type TrainResult struct {
	Model    string        `json:"model"`
	Success  bool          `json:"success"`
	Reason   string        `json:"reason,omitempty"`
	Samples  int           `json:"samples"`
	Epochs   int           `json:"epochs,omitempty"`
	Accuracy float64       `json:"accuracy"`
	RMSE     float64       `json:"rmse"`
	Duration time.Duration `json:"duration"`
}

// Forecaster is the capability shared by both strategies.
type Forecaster interface {
	Name() string
	Ready() bool
	Accuracy() float64
	RMSE() float64
	Predict(seq [][]float64) ([]float64, error)
	Train(ctx context.Context, samples []Sample) TrainResult
}

// splitHoldout keeps samples in time order and holds out the newest
// fraction for validation.
func splitHoldout(samples []Sample, fraction float64) (train, holdout []Sample) {
	n := int(math.Round(float64(len(samples)) * fraction))
	if n < 1 {
		n = 1
	}
	if n >= len(samples) {
		return samples, nil
	}
	return samples[:len(samples)-n], samples[len(samples)-n:]
}

// score returns accuracy (R² clamped to [0,1]) and RMSE over all group
// outputs of a sample set.
func score(f func([][]float64) []float64, samples []Sample) (accuracy, rmse float64) {
	var est, obs []float64
	for _, s := range samples {
		pred := f(s.Seq)
		for g, t := range s.Target {
			est = append(est, pred[g])
			obs = append(obs, t)
		}
	}
	if len(obs) == 0 {
		return 0, 0
	}
	var sq float64
	for i := range obs {
		d := est[i] - obs[i]
		sq += d * d
	}
	rmse = math.Sqrt(sq / float64(len(obs)))
	r2 := stat.RSquaredFrom(est, obs, nil)
	if math.IsNaN(r2) || math.IsInf(r2, 0) {
		r2 = 0
	}
	return math.Max(0, math.Min(1, r2)), rmse
}

func validate(samples []Sample, minSamples int) (width, groups int, err error) {
	if len(samples) < minSamples {
		return 0, 0, ErrInsufficientSamples
	}
	if len(samples[0].Seq) == 0 {
		return 0, 0, errors.New("empty sequence")
	}
	width = len(samples[0].Seq[0])
	groups = len(samples[0].Target)
	for _, s := range samples {
		if len(s.Target) != groups {
			return 0, 0, errors.New("inconsistent target width")
		}
		for _, v := range s.Seq {
			if len(v) != width {
				return 0, 0, ErrFeatureWidthMismatch
			}
		}
	}
	return width, groups, nil
}

func clampOutputs(out []float64) []float64 {
	for i, v := range out {
		if v < 0 || math.IsNaN(v) {
			out[i] = 0
		}
	}
	return out
}
