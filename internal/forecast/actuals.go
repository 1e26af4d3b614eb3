package forecast

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/lox/pvcast/internal/metrics"
	"github.com/lox/pvcast/internal/models"
	"github.com/lox/pvcast/internal/shadow"
)

// CollectActuals copies the host's hourly readings for date onto the
// prediction rows. A site total reading wins over the sum of group readings.
func (o *Orchestrator) CollectActuals(date time.Time) (int, error) {
	date = o.dayStart(date)
	actuals, err := o.store.GetProductionActuals(date)
	if err != nil {
		return 0, fmt.Errorf("load actuals: %w", err)
	}
	if len(actuals) == 0 {
		return 0, nil
	}
	preds, err := o.predictionsByHour(date)
	if err != nil {
		return 0, err
	}

	byHour := lo.GroupBy(actuals, func(a models.ProductionActual) int { return a.Hour })
	hours := lo.Keys(byHour)
	slices.Sort(hours)

	n := 0
	for _, h := range hours {
		p, ok := preds[h]
		if !ok {
			continue
		}
		kwh := siteTotal(byHour[h])
		if p.ActualKWh.Valid && math.Abs(p.ActualKWh.Float64-kwh) < 1e-9 {
			continue
		}
		if err := o.store.SetActual(date, h, kwh); err != nil {
			return n, fmt.Errorf("set actual %02d: %w", h, err)
		}
		n++
	}
	return n, nil
}

func siteTotal(rows []models.ProductionActual) float64 {
	if total, ok := lo.Find(rows, func(a models.ProductionActual) bool { return a.Group == "" }); ok {
		return total.KWh
	}
	return lo.SumBy(rows, func(a models.ProductionActual) float64 { return a.KWh })
}

// DetectShadows classifies every actual-bearing hour of date that has no
// result yet. Existing results are never rewritten, so this doubles as the
// backfill. Moderate and heavy hours are excluded from learning.
func (o *Orchestrator) DetectShadows(ctx context.Context, date time.Time) (int, error) {
	date = o.dayStart(date)
	preds, err := o.store.GetHourlyPredictions(date, date)
	if err != nil {
		return 0, fmt.Errorf("load predictions: %w", err)
	}
	existing, err := o.store.GetShadowResults(date, date)
	if err != nil {
		return 0, fmt.Errorf("load shadow results: %w", err)
	}
	done := lo.SliceToMap(existing, func(r models.ShadowDetectionResult) (int, bool) { return r.Hour, true })
	ws := newWeatherSet(o.store)
	now := o.now()

	n := 0
	for _, p := range preds {
		if !p.ActualKWh.Valid || done[p.Hour] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		astro, err := o.astro.Hour(date, p.Hour)
		if err != nil {
			return n, err
		}
		in := shadow.Input{
			PredictionID:   p.ID,
			Date:           date,
			Hour:           p.Hour,
			ActualKWh:      p.ActualKWh.Float64,
			TheoreticalKWh: astro.TheoreticalMaxKWh,
			ElevationDeg:   astro.ElevationDeg,
			ClearSkyGHI:    astro.ClearSkyGHI,
			CloudCoverPct:  p.ForecastCloudCover,
		}
		if w, err := ws.at(hourStart(date, p.Hour), true); err == nil {
			if w.CloudCoverPct.Valid {
				in.CloudCoverPct = w.CloudCoverPct
			}
			if w.Kind == models.WeatherObserved {
				in.SolarRadiation = w.SolarRadiation
			}
		}

		r := o.shadow.Detect(in)
		r.DetectedAt = now
		inserted, err := o.store.InsertShadowResult(r)
		if err != nil {
			return n, fmt.Errorf("store shadow result %02d: %w", p.Hour, err)
		}
		if !inserted {
			continue
		}
		n++
		metrics.ShadowDetections.WithLabelValues(string(r.ShadowType), string(r.RootCause)).Inc()

		if r.ShadowType.Anomalous() && !p.ExcludeFromLearning {
			if err := o.store.SetExcludeFromLearning(date, p.Hour, true); err != nil {
				return n, fmt.Errorf("exclude %02d from learning: %w", p.Hour, err)
			}
		}
		if r.ShadowType != models.ShadowNone && r.ShadowType != models.ShadowNight {
			o.publish(ctx, models.EventShadowDetected, models.ShadowDetected{
				Date:          date.Format(time.DateOnly),
				Hour:          r.Hour,
				ShadowType:    r.ShadowType,
				RootCause:     r.RootCause,
				ShadowPercent: r.ShadowPercent,
				LossKWh:       r.LossKWh,
			})
		}
	}
	if n > 0 {
		log.Printf("shadow: classified %d hours for %s", n, date.Format(time.DateOnly))
	}
	return n, nil
}

func nullFloat(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func nullTime(t time.Time) sql.NullTime { return sql.NullTime{Time: t, Valid: !t.IsZero()} }

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }
