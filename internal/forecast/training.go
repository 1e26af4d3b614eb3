package forecast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lox/pvcast/internal/astronomy"
	"github.com/lox/pvcast/internal/ml"
	"github.com/lox/pvcast/internal/models"
)

// TrainingSamples builds one sample per eligible hour of the history window:
// actual-bearing, daylight and not excluded by shadow detection.
func (o *Orchestrator) TrainingSamples(ctx context.Context) ([]ml.Sample, error) {
	today := o.dayStart(o.now())
	from := today.AddDate(0, 0, -o.cfg.Model.HistoryDays)

	hist, err := o.history(from, today)
	if err != nil {
		return nil, err
	}
	rows, err := o.store.GetTrainingPredictions(from, today)
	if err != nil {
		return nil, fmt.Errorf("load training rows: %w", err)
	}

	ws := newWeatherSet(o.store)
	groupActuals := make(map[string]map[int]map[string]float64)
	var samples []ml.Sample
	for _, p := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.TheoreticalMaxKWh <= o.cfg.Shadow.NoiseFloorKWh {
			continue
		}
		t := hourStart(p.Date, p.Hour)
		seq, err := o.sequence(ws, hist, t)
		if errors.Is(err, astronomy.ErrUnavailable) {
			continue
		}
		if err != nil {
			return nil, err
		}

		key := p.Date.Format(time.DateOnly)
		sensors, ok := groupActuals[key]
		if !ok {
			if sensors, err = o.groupReadings(p.Date); err != nil {
				return nil, err
			}
			groupActuals[key] = sensors
		}
		astro, err := o.astro.Hour(p.Date, p.Hour)
		if err != nil {
			return nil, err
		}
		samples = append(samples, ml.Sample{Seq: seq, Target: o.groupTargets(p.ActualKWh.Float64, astro, sensors[p.Hour])})
	}
	return samples, nil
}

func (o *Orchestrator) groupReadings(date time.Time) (map[int]map[string]float64, error) {
	actuals, err := o.store.GetProductionActuals(date)
	if err != nil {
		return nil, err
	}
	out := make(map[int]map[string]float64)
	for _, a := range actuals {
		if a.Group == "" {
			continue
		}
		if out[a.Hour] == nil {
			out[a.Hour] = make(map[string]float64)
		}
		out[a.Hour][a.Group] = a.KWh
	}
	return out, nil
}

// groupTargets splits an hour's actual across panel groups. Groups with a
// sensor reading keep it; the remainder is shared by the others in
// proportion to their theoretical output.
func (o *Orchestrator) groupTargets(total float64, astro models.HourlyAstronomy, sensors map[string]float64) []float64 {
	groups := o.builder.Groups()
	out := make([]float64, len(groups))
	remaining := total
	var theoShare float64
	for i, name := range groups {
		if v, ok := sensors[name]; ok {
			out[i] = v
			remaining -= v
			continue
		}
		g, _ := astro.Group(name)
		theoShare += g.TheoreticalKWh
	}
	remaining = max(0, remaining)

	var unsensed int
	for _, name := range groups {
		if _, ok := sensors[name]; !ok {
			unsensed++
		}
	}
	for i, name := range groups {
		if _, ok := sensors[name]; ok {
			continue
		}
		if theoShare > 0 {
			g, _ := astro.Group(name)
			out[i] = remaining * g.TheoreticalKWh / theoShare
		} else {
			out[i] = remaining / float64(unsensed)
		}
	}
	return out
}

// Retrain rebuilds the training set and trains the model on it.
func (o *Orchestrator) Retrain(ctx context.Context) (ml.TrainResult, error) {
	samples, err := o.TrainingSamples(ctx)
	if err != nil {
		return ml.TrainResult{}, err
	}
	log.Printf("forecast: retraining on %d samples", len(samples))
	return o.model.Train(ctx, samples)
}

// GridSearch runs the hyperparameter search over the current training set.
func (o *Orchestrator) GridSearch(ctx context.Context, retrain bool) (ml.GridResult, error) {
	samples, err := o.TrainingSamples(ctx)
	if err != nil {
		return ml.GridResult{}, err
	}
	if len(samples) < o.cfg.Model.MinSamples {
		return ml.GridResult{}, fmt.Errorf("%w: have %d, need %d", ml.ErrInsufficientSamples, len(samples), o.cfg.Model.MinSamples)
	}
	return o.model.GridSearch(ctx, samples, retrain)
}
