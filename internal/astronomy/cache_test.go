package astronomy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lox/pvcast/internal/models"
)

type memStore struct {
	mu     sync.Mutex
	days   map[string]models.DayAstronomy
	writes int
	reads  int
}

func newMemStore() *memStore {
	return &memStore{days: make(map[string]models.DayAstronomy)}
}

func (m *memStore) GetAstronomyDay(date time.Time) (*models.DayAstronomy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	d, ok := m.days[dayKey(date)]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (m *memStore) UpsertAstronomyDay(day models.DayAstronomy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.days[dayKey(day.Date)] = day
	return nil
}

func (m *memStore) DeleteAstronomyBefore(date time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, d := range m.days {
		if d.Date.Before(date) {
			delete(m.days, k)
			n++
		}
	}
	return n, nil
}

func TestCache_ReadThrough(t *testing.T) {
	e := newTestEngine(t, testSite(48.0, 11.0, "Europe/Berlin"))
	store := newMemStore()
	c := NewCache(e, store)
	date := time.Date(2024, 6, 21, 10, 0, 0, 0, e.Location())

	h, err := c.Hour(date, 13)
	if err != nil {
		t.Fatalf("Hour: %v", err)
	}
	if h.TheoreticalMaxKWh <= 0 {
		t.Fatalf("theoretical = %v, want > 0", h.TheoreticalMaxKWh)
	}
	if store.writes != 1 {
		t.Fatalf("writes = %d, want 1 after miss", store.writes)
	}

	for i := 0; i < 5; i++ {
		if _, err := c.Hour(date, i); err != nil {
			t.Fatal(err)
		}
	}
	if store.writes != 1 || store.reads != 1 {
		t.Errorf("writes=%d reads=%d, want memory hits after first load", store.writes, store.reads)
	}

	if _, err := c.Hour(date, 24); err == nil {
		t.Error("expected error for hour 24")
	}
}

func TestCache_LoadsFromStore(t *testing.T) {
	e := newTestEngine(t, testSite(48.0, 11.0, "Europe/Berlin"))
	store := newMemStore()
	date := time.Date(2024, 6, 21, 0, 0, 0, 0, e.Location())

	day, err := e.Day(date)
	if err != nil {
		t.Fatal(err)
	}
	day.Hours[12].TheoreticalMaxKWh = 42
	if err := store.UpsertAstronomyDay(day); err != nil {
		t.Fatal(err)
	}

	c := NewCache(e, store)
	h, err := c.Hour(date, 12)
	if err != nil {
		t.Fatal(err)
	}
	if h.TheoreticalMaxKWh != 42 {
		t.Errorf("theoretical = %v, want stored value 42", h.TheoreticalMaxKWh)
	}
	if store.writes != 1 {
		t.Errorf("writes = %d, want no recompute", store.writes)
	}
}

func TestCache_Rebuild(t *testing.T) {
	e := newTestEngine(t, testSite(48.0, 11.0, "Europe/Berlin"))
	store := newMemStore()
	c := NewCache(e, store)
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, e.Location())
	to := from.AddDate(0, 0, 9)

	stats, err := c.Rebuild(context.Background(), from, to, 2)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if stats.Days != 10 || stats.Computed != 10 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 10 computed", stats)
	}
	if len(store.days) != 10 || c.Len() != 10 {
		t.Errorf("stored=%d cached=%d, want 10", len(store.days), c.Len())
	}

	n, err := c.Prune(from.AddDate(0, 0, 5))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || c.Len() != 5 {
		t.Errorf("pruned=%d cached=%d, want 5/5", n, c.Len())
	}
}

func TestCache_RebuildUnavailableDaysAreSkipped(t *testing.T) {
	e := newTestEngine(t, testSite(78.22, 15.65, "Arctic/Longyearbyen"))
	store := newMemStore()
	c := NewCache(e, store)
	from := time.Date(2024, 12, 20, 0, 0, 0, 0, e.Location())

	stats, err := c.Rebuild(context.Background(), from, from.AddDate(0, 0, 2), 2)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if stats.Unavailable != 3 || stats.Computed != 0 {
		t.Errorf("stats = %+v, want 3 unavailable", stats)
	}
}

func TestCache_RebuildCancelled(t *testing.T) {
	e := newTestEngine(t, testSite(48.0, 11.0, "Europe/Berlin"))
	store := newMemStore()
	c := NewCache(e, store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	from := time.Date(2024, 6, 1, 0, 0, 0, 0, e.Location())
	stats, err := c.Rebuild(ctx, from, from.AddDate(0, 0, 30), 2)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if stats.Computed != 0 || len(store.days) != 0 {
		t.Errorf("computed=%d stored=%d, want nothing after cancel", stats.Computed, len(store.days))
	}
}

func TestCache_ConcurrentReaders(t *testing.T) {
	e := newTestEngine(t, testSite(48.0, 11.0, "Europe/Berlin"))
	c := NewCache(e, newMemStore())
	date := time.Date(2024, 6, 21, 0, 0, 0, 0, e.Location())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(h int) {
			defer wg.Done()
			if _, err := c.Hour(date, h); err != nil {
				t.Error(err)
			}
		}(i + 8)
	}
	wg.Wait()
	if c.Len() != 1 {
		t.Errorf("cached days = %d, want 1", c.Len())
	}
}
