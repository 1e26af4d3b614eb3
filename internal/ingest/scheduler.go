package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lox/pvcast/internal/config"
)

// Jobs is the work the scheduler triggers. Each call should return once the
// job has been handed off or completed.
type Jobs interface {
	RefreshWeather(ctx context.Context) error
	MorningForecast(ctx context.Context) error
	MiddayCheck(ctx context.Context) error
	FinalizeDay(ctx context.Context) error
	NightlyMaintenance(ctx context.Context) error
	GridSearch(ctx context.Context) error
}

const (
	JobWeather     = "weather_refresh"
	JobMorning     = "morning_forecast"
	JobMidday      = "midday_check"
	JobFinalize    = "finalize_day"
	JobMaintenance = "nightly_maintenance"
	JobGridSearch  = "grid_search"

	// Sunday 04:00, after the nightly retrain has finished.
	gridSearchSpec = "0 4 * * 0"
	jobTimeout     = 15 * time.Minute
)

type Entry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
}

// Scheduler fires the daily forecast cycle at fixed wall-clock times in the
// site's zone.
type Scheduler struct {
	cron    *cron.Cron
	jobs    Jobs
	loc     *time.Location
	entries []scheduled
}

type scheduled struct {
	name string
	spec string
	id   cron.EntryID
}

func NewScheduler(cfg config.Config, loc *time.Location, jobs Jobs) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(cron.WithLocation(loc)),
		jobs: jobs,
		loc:  loc,
	}

	daily := []struct {
		name string
		at   string
		fn   func(context.Context) error
	}{
		{JobMorning, cfg.Forecast.MorningTime, jobs.MorningForecast},
		{JobMidday, cfg.Forecast.MiddayTime, jobs.MiddayCheck},
		{JobFinalize, cfg.Forecast.FinalizeTime, jobs.FinalizeDay},
		{JobMaintenance, cfg.Forecast.RebuildTime, jobs.NightlyMaintenance},
	}
	for _, d := range daily {
		spec, err := config.CronSpec(d.at)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", d.name, err)
		}
		if err := s.add(d.name, spec, d.fn); err != nil {
			return nil, err
		}
	}
	if cfg.Weather.RefreshCron != "" {
		if err := s.add(JobWeather, cfg.Weather.RefreshCron, jobs.RefreshWeather); err != nil {
			return nil, err
		}
	}
	if cfg.Model.GridSearchEnabled {
		if err := s.add(JobGridSearch, gridSearchSpec, jobs.GridSearch); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, fn func(context.Context) error) error {
	id, err := s.cron.AddFunc(spec, func() { s.runJob(name, fn) })
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.entries = append(s.entries, scheduled{name: name, spec: spec, id: id})
	return nil
}

func (s *Scheduler) runJob(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	start := time.Now()
	if err := fn(ctx); err != nil {
		log.Printf("scheduler: %s: %v", name, err)
		return
	}
	log.Printf("scheduler: %s done in %s", name, time.Since(start).Round(time.Millisecond))
}

// Entries lists the schedule with each job's next run after now.
func (s *Scheduler) Entries(now time.Time) []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, Entry{Name: e.name, Spec: e.spec, Next: ce.Schedule.Next(now.In(s.loc))})
	}
	return out
}

// Run refreshes the weather and catches up on the morning forecast, then
// fires jobs until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.runJob(JobWeather, s.jobs.RefreshWeather)
	s.runJob(JobMorning, s.jobs.MorningForecast)

	s.cron.Start()
	log.Printf("scheduler: started with %d jobs", len(s.entries))
	<-ctx.Done()
	log.Println("scheduler: shutting down")
	<-s.cron.Stop().Done()
}
