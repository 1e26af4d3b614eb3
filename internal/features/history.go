package features

import (
	"time"
)

// History holds hourly production and theoretical output keyed by the start
// of the hour. Missing actuals are estimated from the theoretical output and
// the trailing ratio so training and forecasting see the same columns.
type History struct {
	actual      map[int64]float64
	theoretical map[int64]float64
}

func NewHistory() *History {
	return &History{
		actual:      make(map[int64]float64),
		theoretical: make(map[int64]float64),
	}
}

func hourKey(t time.Time) int64 { return t.Truncate(time.Hour).Unix() }

func (h *History) SetActual(t time.Time, kwh float64) { h.actual[hourKey(t)] = kwh }

func (h *History) SetTheoretical(t time.Time, kwh float64) { h.theoretical[hourKey(t)] = kwh }

// Known reports whether an actual reading exists for the hour.
func (h *History) Known(t time.Time) bool {
	_, ok := h.actual[hourKey(t)]
	return ok
}

// Actual returns the reading for the hour, or an estimate.
func (h *History) Actual(t time.Time) float64 {
	if v, ok := h.actual[hourKey(t)]; ok {
		return v
	}
	return h.theoretical[hourKey(t)] * h.Ratio(t, 24)
}

// RecentMean is the mean actual over the n hours before t.
func (h *History) RecentMean(t time.Time, n int) float64 {
	if n <= 0 {
		return 0
	}
	var sum float64
	for i := 1; i <= n; i++ {
		sum += h.Actual(t.Add(-time.Duration(i) * time.Hour))
	}
	return sum / float64(n)
}

// ratioLookback bounds how far Ratio slides back to find readings.
const ratioLookback = 72 * time.Hour

// Ratio is the mean actual/theoretical ratio over the daylight hours among
// the n hours before t that have a reading. Forecast hours a day or more
// ahead have no readings in that window, so the window slides back to end
// at the most recent reading within ratioLookback.
func (h *History) Ratio(t time.Time, n int) float64 {
	if r, ok := h.ratio(t, n); ok {
		return r
	}
	for back := time.Hour; back <= ratioLookback; back += time.Hour {
		at := t.Add(-back)
		if _, ok := h.actual[hourKey(at)]; !ok {
			continue
		}
		if r, ok := h.ratio(at.Add(time.Hour), n); ok {
			return r
		}
	}
	return defaultRatio
}

func (h *History) ratio(t time.Time, n int) (float64, bool) {
	var sum float64
	var count int
	for i := 1; i <= n; i++ {
		k := hourKey(t.Add(-time.Duration(i) * time.Hour))
		a, ok := h.actual[k]
		th := h.theoretical[k]
		if !ok || th < 0.05 {
			continue
		}
		sum += a / th
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}
