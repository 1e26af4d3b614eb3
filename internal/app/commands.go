package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lox/pvcast/internal/astronomy"
	"github.com/lox/pvcast/internal/forecast"
	"github.com/lox/pvcast/internal/ingest"
	"github.com/lox/pvcast/internal/metrics"
	"github.com/lox/pvcast/internal/ml"
	"github.com/lox/pvcast/internal/models"
	"github.com/lox/pvcast/internal/tasks"
)

var (
	ErrGridSearchDisabled = errors.New("grid search disabled on this host")
	ErrInvalidActual      = errors.New("invalid production actual")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// Operator command names, as used in metrics and on the CLI.
const (
	CmdRebuildAstronomy  = "rebuild-astronomy-cache"
	CmdRetrainModel      = "retrain-model"
	CmdResetModel        = "reset-model"
	CmdGridSearch        = "run-grid-search"
	CmdWeatherCorrection = "run-weather-correction"
	CmdBackfillShadows   = "backfill-shadow-detection"
	CmdReplayWeather     = "replay-weather-archive"
)

// maxRebuildDays bounds either side of a manual rebuild.
const maxRebuildDays = 366

func record(cmd string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.OperatorCommands.WithLabelValues(cmd, result).Inc()
}

// RebuildAstronomy recomputes the irradiance cache from daysBack days ago
// to daysAhead days ahead on the worker pool.
func (s *Service) RebuildAstronomy(ctx context.Context, daysBack, daysAhead int) (astronomy.RebuildStats, error) {
	var stats astronomy.RebuildStats
	if daysBack < 0 || daysAhead < 0 || daysBack > maxRebuildDays || daysAhead > maxRebuildDays {
		err := fmt.Errorf("%w: days back %d, ahead %d", ErrInvalidArgument, daysBack, daysAhead)
		record(CmdRebuildAstronomy, err)
		return stats, err
	}
	today := s.today()
	from, to := today.AddDate(0, 0, -daysBack), today.AddDate(0, 0, daysAhead)

	err := s.pool.Run(ctx, CmdRebuildAstronomy, func(ctx context.Context) error {
		var err error
		stats, err = s.astro.Rebuild(ctx, from, to, tasks.DefaultWorkers)
		return err
	})
	record(CmdRebuildAstronomy, err)
	return stats, err
}

// Retrain queues a training pass and waits for it. A pass already in
// flight delays this one rather than rejecting it.
func (s *Service) Retrain(ctx context.Context) (ml.TrainResult, error) {
	var res ml.TrainResult
	err := s.pool.Run(ctx, CmdRetrainModel, func(ctx context.Context) error {
		var err error
		res, err = s.orch.Retrain(ctx)
		return err
	})
	record(CmdRetrainModel, err)
	return res, err
}

func (s *Service) ResetModel() (ml.Status, error) {
	err := s.model.Reset()
	record(CmdResetModel, err)
	return s.model.Status(), err
}

// RunGridSearch refuses to run on hosts too small for it.
func (s *Service) RunGridSearch(ctx context.Context, retrain bool) (ml.GridResult, error) {
	var res ml.GridResult
	hw := ml.ProbeHardware(ctx)
	if !hw.GridSearch {
		err := fmt.Errorf("%w: %s", ErrGridSearchDisabled, hw.Reason)
		record(CmdGridSearch, err)
		return res, err
	}
	err := s.pool.Run(ctx, CmdGridSearch, func(ctx context.Context) error {
		var err error
		res, err = s.orch.GridSearch(ctx, retrain)
		return err
	})
	record(CmdGridSearch, err)
	return res, err
}

// RunWeatherCorrection runs the midday re-evaluation now.
func (s *Service) RunWeatherCorrection(ctx context.Context) (forecast.MiddayResult, error) {
	res, err := s.orch.ReevaluateMidday(ctx)
	record(CmdWeatherCorrection, err)
	return res, err
}

type BackfillResult struct {
	Date      time.Time `json:"date"`
	Actuals   int       `json:"actuals"`
	Evaluated int       `json:"evaluated"`
}

// BackfillShadows copies any outstanding actuals for date onto its
// predictions and classifies hours that have no shadow result yet.
func (s *Service) BackfillShadows(ctx context.Context, date time.Time) (BackfillResult, error) {
	date = s.astro.Engine().DayStart(date)
	res := BackfillResult{Date: date}
	if date.After(s.today()) {
		err := fmt.Errorf("%w: %s is in the future", ErrInvalidArgument, date.Format(time.DateOnly))
		record(CmdBackfillShadows, err)
		return res, err
	}

	var err error
	res.Actuals, err = s.orch.CollectActuals(date)
	if err == nil {
		res.Evaluated, err = s.orch.DetectShadows(ctx, date)
	}
	record(CmdBackfillShadows, err)
	if err != nil {
		return res, err
	}
	log.Printf("app: shadow backfill %s: %d actuals, %d hours evaluated", date.Format(time.DateOnly), res.Actuals, res.Evaluated)
	return res, nil
}

// ReplayWeather restores the weather hours of the newest archived
// forecast payload, for use after a parser fix or a lost weather table.
func (s *Service) ReplayWeather(ctx context.Context) (ingest.ReplayResult, error) {
	var res ingest.ReplayResult
	err := s.pool.Run(ctx, CmdReplayWeather, func(ctx context.Context) error {
		var err error
		res, err = ingest.ReplayLatest(s.store, s.loc)
		return err
	})
	record(CmdReplayWeather, err)
	return res, err
}

// RecordActual stores one hourly reading from the host. Hours that have
// not finished yet are rejected.
func (s *Service) RecordActual(a models.ProductionActual) error {
	if a.Hour < 0 || a.Hour > 23 {
		return fmt.Errorf("%w: hour %d", ErrInvalidActual, a.Hour)
	}
	if a.KWh < 0 {
		return fmt.Errorf("%w: negative kWh %.3f", ErrInvalidActual, a.KWh)
	}
	if a.Group != "" && !s.cfg.Site.HasGroup(a.Group) {
		return fmt.Errorf("%w: unknown panel group %q", ErrInvalidActual, a.Group)
	}
	a.Date = s.astro.Engine().DayStart(a.Date)
	end := time.Date(a.Date.Year(), a.Date.Month(), a.Date.Day(), a.Hour+1, 0, 0, 0, s.loc)
	if end.After(s.now()) {
		return fmt.Errorf("%w: %s %02d:00 has not ended", ErrInvalidActual, a.Date.Format(time.DateOnly), a.Hour)
	}
	if a.Recorded.IsZero() {
		a.Recorded = s.clock.Now()
	}
	if err := s.store.UpsertProductionActual(a); err != nil {
		return fmt.Errorf("store actual: %w", err)
	}
	metrics.ActualsReceived.Inc()
	return nil
}
