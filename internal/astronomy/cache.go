package astronomy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/pvcast/internal/metrics"
	"github.com/lox/pvcast/internal/models"
)

// Store persists materialized astronomy days. UpsertAstronomyDay must write
// the whole day atomically.
type Store interface {
	GetAstronomyDay(date time.Time) (*models.DayAstronomy, error)
	UpsertAstronomyDay(day models.DayAstronomy) error
	DeleteAstronomyBefore(date time.Time) (int64, error)
}

// Cache is a read-through cache of astronomy days backed by a Store. Reads
// are served from an immutable snapshot under a read lock; all writes go
// through a single writer lock.
type Cache struct {
	engine *Engine
	store  Store

	writeMu sync.Mutex
	mu      sync.RWMutex
	days    map[string]*models.DayAstronomy
}

func NewCache(engine *Engine, store Store) *Cache {
	return &Cache{
		engine: engine,
		store:  store,
		days:   make(map[string]*models.DayAstronomy),
	}
}

func (c *Cache) Engine() *Engine { return c.engine }

func dayKey(t time.Time) string { return t.Format(time.DateOnly) }

func (c *Cache) lookup(key string) (*models.DayAstronomy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.days[key]
	return d, ok
}

// Day returns the astronomy for a local date, loading it from the store or
// computing and persisting it on a miss.
func (c *Cache) Day(date time.Time) (models.DayAstronomy, error) {
	start := c.engine.DayStart(date)
	key := dayKey(start)
	if d, ok := c.lookup(key); ok {
		return *d, nil
	}

	stored, err := c.store.GetAstronomyDay(start)
	if err != nil {
		return models.DayAstronomy{}, fmt.Errorf("load astronomy %s: %w", key, err)
	}
	if stored != nil && len(stored.Hours) == 24 {
		c.mu.Lock()
		c.days[key] = stored
		c.mu.Unlock()
		return *stored, nil
	}

	day, err := c.engine.Day(start)
	if err != nil {
		return models.DayAstronomy{}, err
	}
	if err := c.put(day); err != nil {
		return models.DayAstronomy{}, err
	}
	return day, nil
}

// Hour returns one hour of astronomy via Day.
func (c *Cache) Hour(date time.Time, hour int) (models.HourlyAstronomy, error) {
	day, err := c.Day(date)
	if err != nil {
		return models.HourlyAstronomy{}, err
	}
	h, ok := day.Hour(hour)
	if !ok {
		return models.HourlyAstronomy{}, fmt.Errorf("hour %d out of range", hour)
	}
	return h, nil
}

func (c *Cache) put(day models.DayAstronomy) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if day.ComputedAt.IsZero() {
		day.ComputedAt = time.Now().UTC()
	}
	if err := c.store.UpsertAstronomyDay(day); err != nil {
		return fmt.Errorf("persist astronomy %s: %w", dayKey(day.Date), err)
	}
	c.mu.Lock()
	c.days[dayKey(day.Date)] = &day
	c.mu.Unlock()
	return nil
}

// Len reports how many days are held in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.days)
}

// Invalidate drops the in-memory mirror; the store is untouched.
func (c *Cache) Invalidate() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	c.days = make(map[string]*models.DayAstronomy)
	c.mu.Unlock()
}

type RebuildStats struct {
	Days        int           `json:"days"`
	Computed    int           `json:"computed"`
	Unavailable int           `json:"unavailable"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration"`
}

// Rebuild recomputes every day in [from, to] with up to workers days in
// flight. Each day is committed on its own, so a cancelled rebuild keeps
// the days it finished and can simply be run again.
func (c *Cache) Rebuild(ctx context.Context, from, to time.Time, workers int) (RebuildStats, error) {
	if workers < 1 {
		workers = 1
	}
	start := time.Now()
	first := c.engine.DayStart(from)
	last := c.engine.DayStart(to)

	var computed, unavailable, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	days := 0
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if gctx.Err() != nil {
			break
		}
		days++
		date := d
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			day, err := c.engine.Day(date)
			if errors.Is(err, ErrUnavailable) {
				unavailable.Add(1)
				metrics.AstronomyDays.WithLabelValues("unavailable").Inc()
				log.Printf("astronomy: %v (will retry on next rebuild)", err)
				return nil
			}
			if err != nil {
				failed.Add(1)
				metrics.AstronomyDays.WithLabelValues("error").Inc()
				return err
			}
			if err := c.put(day); err != nil {
				failed.Add(1)
				metrics.AstronomyDays.WithLabelValues("error").Inc()
				return err
			}
			computed.Add(1)
			metrics.AstronomyDays.WithLabelValues("ok").Inc()
			return nil
		})
	}

	err := g.Wait()
	stats := RebuildStats{
		Days:        days,
		Computed:    int(computed.Load()),
		Unavailable: int(unavailable.Load()),
		Failed:      int(failed.Load()),
		Duration:    time.Since(start),
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return stats, fmt.Errorf("rebuild astronomy: %w", err)
	}
	log.Printf("astronomy: rebuilt %d days (%d unavailable) in %s", stats.Computed, stats.Unavailable, stats.Duration.Round(time.Millisecond))
	return stats, nil
}

// Prune removes days older than before from the store and the mirror.
func (c *Cache) Prune(before time.Time) (int64, error) {
	cutoff := c.engine.DayStart(before)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n, err := c.store.DeleteAstronomyBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune astronomy: %w", err)
	}
	c.mu.Lock()
	for k, d := range c.days {
		if d.Date.Before(cutoff) {
			delete(c.days, k)
		}
	}
	c.mu.Unlock()
	return n, nil
}
