package ml

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	gridHidden = []int{8, 16, 24}
	gridRates  = []float64{0.005, 0.01, 0.02}
)

const (
	gridEpochs      = 30
	gridImprovement = 0.05
	gridWorkers     = 2
)

// GridCandidate is one evaluated hyperparameter combination.
type GridCandidate struct {
	Hidden       int     `json:"hidden"`
	LearningRate float64 `json:"learning_rate"`
	RMSE         float64 `json:"rmse"`
	Epochs       int     `json:"epochs"`
}

type GridResult struct {
	Current    GridCandidate   `json:"current"`
	Best       GridCandidate   `json:"best"`
	Candidates []GridCandidate `json:"candidates"`
	Improved   bool            `json:"improved"`
	Duration   time.Duration   `json:"duration"`
}

// GridSearch evaluates hidden size × learning rate on the same split with a
// short epoch budget. Best is only marked improved when its validation RMSE
// beats the current configuration by at least five percent.
func GridSearch(ctx context.Context, base GRUConfig, samples []Sample) (GridResult, error) {
	start := time.Now()
	width, groups, err := validate(samples, base.MinSamples)
	if err != nil {
		return GridResult{}, err
	}
	train, holdout := splitHoldout(samples, holdoutFraction)

	configs := []GRUConfig{base}
	for _, h := range gridHidden {
		for _, lr := range gridRates {
			c := base
			c.Hidden, c.LearningRate = h, lr
			configs = append(configs, c)
		}
	}

	results := make([]GridCandidate, len(configs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(gridWorkers)
	for i, c := range configs {
		c.Epochs = gridEpochs
		g.Go(func() error {
			shape := gruShape{F: width, H: c.Hidden, G: groups, Attention: c.Attention}
			fr, err := fit(gctx, c, shape, train, holdout)
			if err != nil {
				return err
			}
			rmse := math.Sqrt(fr.valLoss)
			if fr.diverged && fr.epochs == 0 {
				rmse = math.Inf(1)
			}
			results[i] = GridCandidate{Hidden: c.Hidden, LearningRate: c.LearningRate, RMSE: rmse, Epochs: fr.epochs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return GridResult{}, fmt.Errorf("grid search: %w", err)
	}

	res := GridResult{Current: results[0], Candidates: results[1:]}
	res.Best = res.Candidates[0]
	for _, c := range res.Candidates[1:] {
		if c.RMSE < res.Best.RMSE {
			res.Best = c
		}
	}
	res.Improved = res.Best.RMSE <= res.Current.RMSE*(1-gridImprovement) &&
		(res.Best.Hidden != base.Hidden || res.Best.LearningRate != base.LearningRate)
	res.Duration = time.Since(start)
	return res, nil
}
