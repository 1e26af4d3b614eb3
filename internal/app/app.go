// Package app wires the forecaster's components into one process and
// exposes the operator command surface.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lox/pvcast/internal/astronomy"
	"github.com/lox/pvcast/internal/clock"
	"github.com/lox/pvcast/internal/config"
	"github.com/lox/pvcast/internal/features"
	"github.com/lox/pvcast/internal/forecast"
	"github.com/lox/pvcast/internal/ingest"
	"github.com/lox/pvcast/internal/ml"
	"github.com/lox/pvcast/internal/notify"
	"github.com/lox/pvcast/internal/store"
	"github.com/lox/pvcast/internal/tasks"
)

const rawPayloadRetentionDays = 90

type Options struct {
	Config config.Config
	DB     *sql.DB

	// RedisURL enables the Redis event publisher when set.
	RedisURL     string
	RedisChannel string

	// Weather overrides the Open-Meteo client.
	Weather forecast.WeatherRefresher
	Clock   clock.Clock
}

// Service owns the store, the caches, the model and the worker pool. Long
// numeric work (astronomy rebuilds, training, grid search) goes through
// the pool so scheduled jobs never run more than two of them at once.
type Service struct {
	cfg       config.Config
	loc       *time.Location
	clock     clock.Clock
	store     *store.Store
	astro     *astronomy.Cache
	model     *ml.Manager
	orch      *forecast.Orchestrator
	weather   forecast.WeatherRefresher
	pool      *tasks.Pool
	hub       *notify.Hub
	redis     *notify.Redis
	scheduler *ingest.Scheduler
	started   time.Time
}

func New(ctx context.Context, opts Options) (*Service, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Site.Location()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	st := store.New(opts.DB, loc)
	if err := st.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	engine, err := astronomy.NewEngine(cfg.Site, astronomy.Options{
		Efficiency:       cfg.Astronomy.Efficiency,
		Albedo:           cfg.Astronomy.Albedo,
		ProductionWindow: time.Duration(cfg.Astronomy.WindowMinutes) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("astronomy engine: %w", err)
	}
	astro := astronomy.NewCache(engine, st)

	groups := cfg.Site.GroupNames()
	model := ml.NewManager(cfg.Model, features.Width(len(groups)), len(groups), st, clk)
	if err := model.Load(); err != nil {
		log.Printf("app: degraded: %v", err)
	}

	weather := opts.Weather
	if weather == nil {
		om, err := ingest.NewOpenMeteo(cfg.Weather, cfg.Site, st, clk)
		if err != nil {
			return nil, fmt.Errorf("weather client: %w", err)
		}
		weather = om
	}

	hub := notify.NewHub()
	events := notify.Multi{notify.Log{}, hub}
	var rdb *notify.Redis
	if opts.RedisURL != "" {
		rdb, err = notify.DialRedis(ctx, opts.RedisURL, opts.RedisChannel)
		if err != nil {
			return nil, err
		}
		events = append(events, rdb)
		log.Printf("app: publishing events to redis")
	}

	s := &Service{
		cfg:     cfg,
		loc:     loc,
		clock:   clk,
		store:   st,
		astro:   astro,
		model:   model,
		weather: weather,
		hub:     hub,
		redis:   rdb,
		started: clk.Now(),
	}
	s.orch = forecast.New(forecast.Options{
		Config:    cfg,
		Store:     st,
		Astronomy: astro,
		Model:     model,
		Weather:   weather,
		Events:    events,
		Clock:     clk,
	})
	s.pool = tasks.NewPool(ctx, tasks.DefaultWorkers, tasks.DefaultQueueSize)

	s.scheduler, err = ingest.NewScheduler(cfg, loc, s)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) Config() config.Config                { return s.cfg }
func (s *Service) Location() *time.Location             { return s.loc }
func (s *Service) Clock() clock.Clock                   { return s.clock }
func (s *Service) Store() *store.Store                  { return s.store }
func (s *Service) Astronomy() *astronomy.Cache          { return s.astro }
func (s *Service) Model() *ml.Manager                   { return s.model }
func (s *Service) Orchestrator() *forecast.Orchestrator { return s.orch }
func (s *Service) Hub() *notify.Hub                     { return s.hub }
func (s *Service) Tasks() tasks.Stats                   { return s.pool.Stats() }
func (s *Service) Started() time.Time                   { return s.started }

func (s *Service) now() time.Time { return s.clock.Now().In(s.loc) }

func (s *Service) today() time.Time { return s.astro.Engine().DayStart(s.now()) }

// Schedule lists the wall-clock jobs and when each fires next.
func (s *Service) Schedule() []ingest.Entry {
	return s.scheduler.Entries(s.now())
}

// Run drives the scheduled jobs until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.scheduler.Run(ctx)
}

func (s *Service) Close() error {
	err := s.pool.Close()
	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

func (s *Service) RefreshWeather(ctx context.Context) error {
	return s.weather.Refresh(ctx)
}

func (s *Service) MorningForecast(ctx context.Context) error {
	results, err := s.orch.GenerateMorning(ctx)
	if errors.Is(err, forecast.ErrInvalidTransition) {
		log.Printf("app: morning forecast skipped: %v", err)
		return nil
	}
	if err != nil {
		return err
	}
	for _, r := range results {
		log.Printf("app: forecast %s: %d written, %d unchanged, %d frozen, %.2f kWh",
			r.Date.Format(time.DateOnly), r.Written, r.Unchanged, r.Frozen, r.TotalKWh)
	}
	return nil
}

func (s *Service) MiddayCheck(ctx context.Context) error {
	_, err := s.orch.ReevaluateMidday(ctx)
	if errors.Is(err, forecast.ErrInvalidTransition) {
		log.Printf("app: midday check skipped: %v", err)
		return nil
	}
	return err
}

func (s *Service) FinalizeDay(ctx context.Context) error {
	_, err := s.orch.Finalize(ctx, s.today())
	if errors.Is(err, forecast.ErrInvalidTransition) {
		log.Printf("app: finalize skipped: %v", err)
		return nil
	}
	return err
}

// NightlyMaintenance rebuilds the astronomy window, prunes old rows and
// retrains the model on everything finalized so far.
func (s *Service) NightlyMaintenance(ctx context.Context) error {
	if _, err := s.RebuildAstronomy(ctx, s.cfg.Astronomy.RebuildDaysBack, s.cfg.Astronomy.RebuildDaysAhead); err != nil {
		return err
	}
	if err := s.prune(); err != nil {
		log.Printf("app: prune: %v", err)
	}
	if _, err := s.Retrain(ctx); err != nil {
		if errors.Is(err, ml.ErrInsufficientSamples) {
			log.Printf("app: retrain skipped: %v", err)
			return nil
		}
		return err
	}
	return nil
}

// GridSearch is the weekly job. It only runs when the configured interval
// has passed and the host can afford it.
func (s *Service) GridSearch(ctx context.Context) error {
	if !s.model.GridSearchDue() {
		log.Printf("app: grid search not due")
		return nil
	}
	_, err := s.RunGridSearch(ctx, true)
	if errors.Is(err, ErrGridSearchDisabled) || errors.Is(err, ml.ErrInsufficientSamples) {
		log.Printf("app: grid search skipped: %v", err)
		return nil
	}
	return err
}

func (s *Service) prune() error {
	today := s.today()
	cutoff := today.AddDate(0, 0, -s.cfg.Astronomy.RetentionDays)
	days, err := s.astro.Prune(cutoff)
	if err != nil {
		return err
	}
	weather, err := s.store.DeleteWeatherBefore(cutoff)
	if err != nil {
		return fmt.Errorf("prune weather: %w", err)
	}
	payloads, err := s.store.PruneArchive(today.AddDate(0, 0, -rawPayloadRetentionDays))
	if err != nil {
		return fmt.Errorf("prune raw payloads: %w", err)
	}
	if days+weather+payloads > 0 {
		log.Printf("app: pruned %d astronomy days, %d weather hours, %d raw payloads before %s",
			days, weather, payloads, cutoff.Format(time.DateOnly))
	}
	return nil
}
