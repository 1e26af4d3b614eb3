package forecast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/samber/lo"

	"github.com/lox/pvcast/internal/astronomy"
	"github.com/lox/pvcast/internal/clock"
	"github.com/lox/pvcast/internal/config"
	"github.com/lox/pvcast/internal/features"
	"github.com/lox/pvcast/internal/metrics"
	"github.com/lox/pvcast/internal/ml"
	"github.com/lox/pvcast/internal/models"
	"github.com/lox/pvcast/internal/notify"
	"github.com/lox/pvcast/internal/shadow"
	"github.com/lox/pvcast/internal/store"
)

var (
	ErrNoWeather         = errors.New("no weather for hour")
	ErrInvalidTransition = errors.New("invalid cycle transition")
)

const (
	PhaseMorning  = "morning"
	PhaseMidday   = "midday"
	PhaseFinalize = "finalize"
)

// WeatherRefresher fetches fresh forecast weather into the store.
type WeatherRefresher interface {
	Refresh(ctx context.Context) error
}

type Options struct {
	Config    config.Config
	Store     *store.Store
	Astronomy *astronomy.Cache
	Model     *ml.Manager
	Weather   WeatherRefresher
	Events    notify.Publisher
	Clock     clock.Clock
}

// Orchestrator runs the daily forecast cycle: the morning forecast, the
// optional midday re-evaluation and the end-of-day finalization. Concurrent
// writers are kept apart by the cycle state and the per-row versions in the
// store rather than by a lock.
type Orchestrator struct {
	cfg     config.Config
	store   *store.Store
	astro   *astronomy.Cache
	model   *ml.Manager
	builder *features.Builder
	physics *Physics
	shadow  *shadow.Detector
	correct *Corrector
	weather WeatherRefresher
	events  notify.Publisher
	clock   clock.Clock
	loc     *time.Location
}

func New(opts Options) *Orchestrator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	events := opts.Events
	if events == nil {
		events = notify.Discard{}
	}
	return &Orchestrator{
		cfg:     opts.Config,
		store:   opts.Store,
		astro:   opts.Astronomy,
		model:   opts.Model,
		builder: features.NewBuilder(opts.Config.Site.GroupNames()),
		physics: NewPhysics(opts.Config.Shadow),
		shadow:  shadow.New(opts.Config.Shadow),
		correct: NewCorrector(opts.Config.Forecast.Correction, opts.Store),
		weather: opts.Weather,
		events:  events,
		clock:   clk,
		loc:     opts.Astronomy.Engine().Location(),
	}
}

func (o *Orchestrator) Builder() *features.Builder { return o.builder }

func (o *Orchestrator) Corrector() *Corrector { return o.correct }

func (o *Orchestrator) now() time.Time { return o.clock.Now().In(o.loc) }

func (o *Orchestrator) dayStart(t time.Time) time.Time { return o.astro.Engine().DayStart(t) }

// RunResult reports what a forecast pass wrote.
type RunResult struct {
	Date          time.Time `json:"date"`
	Phase         string    `json:"phase"`
	Written       int       `json:"written"`
	Unchanged     int       `json:"unchanged"`
	Frozen        int       `json:"frozen"`
	Degraded      int       `json:"degraded"`
	LearnedWeight float64   `json:"learned_weight"`
	TotalKWh      float64   `json:"total_kwh"`
}

// blendState is the model and correction snapshot shared by every hour of a
// pass.
type blendState struct {
	weight   float64
	accuracy float64
	cf       models.CorrectionFactor
	scale    float64
}

func (o *Orchestrator) blendState() (blendState, error) {
	cf, err := o.correct.Current()
	if err != nil {
		return blendState{}, err
	}
	ready, acc := o.model.Ready(), o.model.Accuracy()
	w := BlendWeight(o.cfg.Forecast, ready, acc)
	if !ready {
		log.Printf("forecast: degraded: model not ready, physics only")
		metrics.DegradedForecasts.WithLabelValues("model_not_ready").Inc()
	}
	metrics.BlendWeight.Set(w)
	return blendState{weight: w, accuracy: acc, cf: cf, scale: 1}, nil
}

// GenerateMorning forecasts the rest of today and the following days of the
// horizon. Hours that have started or carry an actual are never rewritten,
// and rows whose content would not change are left alone, so running it
// twice before any hour elapses leaves the table untouched.
func (o *Orchestrator) GenerateMorning(ctx context.Context) ([]RunResult, error) {
	now := o.now()
	today := o.dayStart(now)

	cycle, err := o.store.GetForecastCycle(today)
	if err != nil {
		return nil, fmt.Errorf("load cycle: %w", err)
	}
	if cycle.State == models.CycleFinalized {
		metrics.ForecastRuns.WithLabelValues(PhaseMorning, "rejected").Inc()
		return nil, fmt.Errorf("%w: %s already finalized", ErrInvalidTransition, today.Format(time.DateOnly))
	}

	bs, err := o.blendState()
	if err != nil {
		return nil, err
	}
	hist, err := o.history(today.AddDate(0, 0, -2), today.AddDate(0, 0, o.cfg.Forecast.HorizonDays-1))
	if err != nil {
		return nil, err
	}
	ws := newWeatherSet(o.store)

	var results []RunResult
	for d := 0; d < o.cfg.Forecast.HorizonDays; d++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		date := today.AddDate(0, 0, d)
		res, err := o.forecastDay(ctx, ws, hist, bs, date, d, now)
		if err != nil {
			metrics.ForecastRuns.WithLabelValues(PhaseMorning, "error").Inc()
			return results, err
		}
		results = append(results, res)
	}

	if cycle.State == models.CycleUnscheduled {
		c := models.ForecastCycle{
			Date:             today,
			State:            models.CycleMorningGenerated,
			MorningAt:        nullTime(now),
			OriginalTotalKWh: nullFloat(results[0].TotalKWh),
		}
		err := o.store.TransitionForecastCycle(c, models.CycleUnscheduled)
		if errors.Is(err, store.ErrStaleVersion) {
			log.Printf("forecast: cycle %s was advanced concurrently", today.Format(time.DateOnly))
		} else if err != nil {
			return results, fmt.Errorf("advance cycle: %w", err)
		}
	}

	metrics.ForecastRuns.WithLabelValues(PhaseMorning, "ok").Inc()
	log.Printf("forecast: morning run wrote %d hours over %d days (weight %.2f)",
		lo.SumBy(results, func(r RunResult) int { return r.Written }), len(results), bs.weight)
	return results, nil
}

func (o *Orchestrator) forecastDay(ctx context.Context, ws *weatherSet, hist *features.History, bs blendState, date time.Time, daysAhead int, now time.Time) (RunResult, error) {
	res := RunResult{Date: date, Phase: PhaseMorning, LearnedWeight: bs.weight}
	existing, err := o.predictionsByHour(date)
	if err != nil {
		return res, err
	}

	var batch []models.HourlyPrediction
	for h := 0; h < 24; h++ {
		old, has := existing[h]
		if has && (old.ActualKWh.Valid || hourStart(date, h).Before(now)) {
			res.Frozen++
			res.TotalKWh += old.BlendedKWh
			continue
		}
		p, err := o.predictHour(ws, hist, bs, date, h, daysAhead)
		if err != nil {
			return res, err
		}
		res.TotalKWh += p.BlendedKWh
		if p.Degraded {
			res.Degraded++
		}
		if has {
			if old.SameContent(p) {
				res.Unchanged++
				continue
			}
			p.CycleVersion = old.CycleVersion
			p.ExcludeFromLearning = old.ExcludeFromLearning
		}
		p.GeneratedAt = now
		batch = append(batch, p)
	}
	if res.Degraded > 0 {
		log.Printf("forecast: degraded: %s has %d hours without weather", date.Format(time.DateOnly), res.Degraded)
		metrics.DegradedForecasts.WithLabelValues("no_weather").Add(float64(res.Degraded))
	}

	if len(batch) > 0 {
		if err := o.store.UpsertHourlyPredictions(batch); err != nil {
			return res, fmt.Errorf("write forecast %s: %w", date.Format(time.DateOnly), err)
		}
	}
	res.Written = len(batch)
	o.publishForecast(ctx, date, PhaseMorning)
	return res, nil
}

// predictHour produces a fresh prediction for one hour. It never fails on
// missing weather or an unusable model; those degrade the result instead.
func (o *Orchestrator) predictHour(ws *weatherSet, hist *features.History, bs blendState, date time.Time, hour, daysAhead int) (models.HourlyPrediction, error) {
	astro, err := o.astro.Hour(date, hour)
	if err != nil {
		return models.HourlyPrediction{}, fmt.Errorf("astronomy %s %02d: %w", date.Format(time.DateOnly), hour, err)
	}
	t := hourStart(date, hour)
	w, err := ws.at(t, false)
	if err != nil && !errors.Is(err, ErrNoWeather) {
		return models.HourlyPrediction{}, fmt.Errorf("weather %s: %w", t.Format(time.DateTime), err)
	}
	phys := o.physics.Predict(astro, w, daysAhead)

	p := models.HourlyPrediction{
		Date:              date,
		Hour:              hour,
		PhysicsKWh:        phys.KWh,
		TheoreticalMaxKWh: astro.TheoreticalMaxKWh,
		Degraded:          phys.Degraded && astro.TheoreticalMaxKWh > o.cfg.Shadow.NoiseFloorKWh,
	}
	if w != nil {
		p.ForecastCloudCover = w.CloudCoverPct
	}

	weight := bs.weight
	var learned []float64
	if weight > 0 && astro.TheoreticalMaxKWh > o.cfg.Shadow.NoiseFloorKWh {
		learned, err = o.learned(ws, hist, t)
		if err != nil {
			log.Printf("forecast: degraded: learned prediction for %s: %v", t.Format(time.DateTime), err)
			metrics.DegradedForecasts.WithLabelValues("model_error").Inc()
			weight, learned = 0, nil
		}
	}

	factor := o.correct.Factor(bs.cf, hour) * bs.scale
	p.PhysicsWeight = 1 - weight
	p.LearnedWeight = weight
	p.CorrectionFactor = factor
	p.Confidence = Confidence(phys.Confidence, bs.accuracy, weight)
	p.GroupKWh = make(map[string]float64, len(o.builder.Groups()))

	var learnedTotal float64
	for i, name := range o.builder.Groups() {
		g, _ := astro.Group(name)
		l := 0.0
		if learned != nil {
			l = math.Min(learned[i], g.TheoreticalKWh*physicsCap)
			learnedTotal += l
		}
		v := Blend(phys.GroupKWh[name], l, weight) * factor
		p.GroupKWh[name] = v
		p.BlendedKWh += v
	}
	if learned != nil {
		p.LearnedKWh = nullFloat(learnedTotal)
	}
	return p, nil
}

func (o *Orchestrator) learned(ws *weatherSet, hist *features.History, t time.Time) ([]float64, error) {
	seq, err := o.sequence(ws, hist, t)
	if err != nil {
		return nil, err
	}
	out, err := o.model.Predict(seq)
	if err != nil {
		return nil, err
	}
	if len(out) != len(o.builder.Groups()) {
		return nil, fmt.Errorf("model returned %d groups, site has %d", len(out), len(o.builder.Groups()))
	}
	return out, nil
}

// sequence builds the feature sequence ending at the hour starting at t.
func (o *Orchestrator) sequence(ws *weatherSet, hist *features.History, t time.Time) ([][]float64, error) {
	n := max(1, o.cfg.Model.SequenceLength)
	points := make([]features.Point, 0, n)
	for i := n - 1; i >= 0; i-- {
		ti := t.Add(-time.Duration(i) * time.Hour)
		astro, err := o.astro.Hour(o.dayStart(ti), ti.Hour())
		if err != nil {
			return nil, err
		}
		w, err := ws.at(ti, false)
		if err != nil && !errors.Is(err, ErrNoWeather) {
			return nil, err
		}
		points = append(points, features.Point{Time: ti, Astro: astro, Weather: w})
	}
	return o.builder.Sequence(points, hist, n)
}

// history loads actual and theoretical output for [from, to]. Theoretical
// output comes from the astronomy cache for every hour, so days without
// prediction rows yet still estimate their actuals the way training does.
func (o *Orchestrator) history(from, to time.Time) (*features.History, error) {
	hist := features.NewHistory()
	for date := o.dayStart(from); !date.After(to); date = date.AddDate(0, 0, 1) {
		day, err := o.astro.Day(date)
		if errors.Is(err, astronomy.ErrUnavailable) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load history astronomy: %w", err)
		}
		for _, h := range day.Hours {
			hist.SetTheoretical(hourStart(date, h.Hour), h.TheoreticalMaxKWh)
		}
	}

	preds, err := o.store.GetHourlyPredictions(from, to)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	for _, p := range preds {
		t := hourStart(p.Date, p.Hour)
		hist.SetTheoretical(t, p.TheoreticalMaxKWh)
		if p.ActualKWh.Valid {
			hist.SetActual(t, p.ActualKWh.Float64)
		}
	}
	return hist, nil
}

func (o *Orchestrator) predictionsByHour(date time.Time) (map[int]models.HourlyPrediction, error) {
	preds, err := o.store.GetHourlyPredictions(date, date)
	if err != nil {
		return nil, fmt.Errorf("load predictions %s: %w", date.Format(time.DateOnly), err)
	}
	return lo.KeyBy(preds, func(p models.HourlyPrediction) int { return p.Hour }), nil
}

// MiddayResult is the outcome of a midday re-evaluation.
type MiddayResult struct {
	Decision       MiddayDecision `json:"decision"`
	Applied        bool           `json:"applied"`
	OriginalKWh    float64        `json:"original_kwh"`
	CorrectedKWh   float64        `json:"corrected_kwh"`
	HoursCorrected int            `json:"hours_corrected"`
	StaleWeather   bool           `json:"stale_weather"`
}

// ReevaluateMidday compares the morning so far with the forecast and, when
// the deviation is material, recomputes the hours that have not started.
// Started hours are frozen.
func (o *Orchestrator) ReevaluateMidday(ctx context.Context) (MiddayResult, error) {
	now := o.now()
	today := o.dayStart(now)
	var res MiddayResult

	cycle, err := o.store.GetForecastCycle(today)
	if err != nil {
		return res, fmt.Errorf("load cycle: %w", err)
	}
	if cycle.State != models.CycleMorningGenerated {
		metrics.ForecastRuns.WithLabelValues(PhaseMidday, "rejected").Inc()
		return res, fmt.Errorf("%w: midday from %s", ErrInvalidTransition, cycle.State)
	}
	if !o.cfg.Forecast.Adaptive.Enabled {
		res.Decision.Reason = "adaptive correction disabled"
		return res, nil
	}

	if _, err := o.CollectActuals(today); err != nil {
		return res, err
	}
	preds, err := o.store.GetHourlyPredictions(today, today)
	if err != nil {
		return res, err
	}
	observed, err := o.store.GetWeatherHours(today, models.WeatherObserved)
	if err != nil {
		return res, err
	}
	day, err := o.astro.Day(today)
	if err != nil {
		return res, err
	}

	res.Decision = EvaluateMidday(o.cfg.Forecast.Adaptive, now, day.Sun, preds, observed)
	if !res.Decision.Trigger {
		log.Printf("forecast: midday check: %s", res.Decision.Reason)
		metrics.ForecastRuns.WithLabelValues(PhaseMidday, "skipped").Inc()
		return res, nil
	}

	if o.weather != nil {
		if err := o.weather.Refresh(ctx); err != nil {
			log.Printf("forecast: degraded: weather refresh failed, using cached weather: %v", err)
			metrics.DegradedForecasts.WithLabelValues("stale_weather").Inc()
			res.StaleWeather = true
		}
	} else {
		res.StaleWeather = true
	}

	bs, err := o.blendState()
	if err != nil {
		return res, err
	}
	bs.scale = res.Decision.Scale
	hist, err := o.history(today.AddDate(0, 0, -2), today)
	if err != nil {
		return res, err
	}
	ws := newWeatherSet(o.store)

	var batch []models.HourlyPrediction
	for _, old := range preds {
		res.OriginalKWh += old.BlendedKWh
		if old.ActualKWh.Valid || hourStart(today, old.Hour).Before(now) {
			res.CorrectedKWh += old.BlendedKWh
			continue
		}
		p, err := o.predictHour(ws, hist, bs, today, old.Hour, 0)
		if err != nil {
			return res, err
		}
		res.CorrectedKWh += p.BlendedKWh
		if old.SameContent(p) {
			continue
		}
		p.CycleVersion = old.CycleVersion
		p.ExcludeFromLearning = old.ExcludeFromLearning
		p.GeneratedAt = now
		batch = append(batch, p)
	}
	if len(batch) > 0 {
		if err := o.store.UpsertHourlyPredictions(batch); err != nil {
			metrics.ForecastRuns.WithLabelValues(PhaseMidday, "error").Inc()
			return res, fmt.Errorf("write midday correction: %w", err)
		}
	}
	res.HoursCorrected = len(batch)

	c := models.ForecastCycle{
		Date:              today,
		State:             models.CycleMiddayReevaluated,
		MiddayAt:          nullTime(now),
		CorrectedTotalKWh: nullFloat(res.CorrectedKWh),
		CorrectionReason:  nullString(res.Decision.Reason),
	}
	if err := o.store.TransitionForecastCycle(c, models.CycleMorningGenerated); err != nil {
		return res, fmt.Errorf("advance cycle: %w", err)
	}
	res.Applied = true

	o.publish(ctx, models.EventCorrectionApplied, models.CorrectionApplied{
		Date:           today.Format(time.DateOnly),
		OriginalKWh:    res.OriginalKWh,
		CorrectedKWh:   res.CorrectedKWh,
		Reason:         res.Decision.Reason,
		HoursCorrected: res.HoursCorrected,
	})
	o.publishForecast(ctx, today, PhaseMidday)
	metrics.ForecastRuns.WithLabelValues(PhaseMidday, "ok").Inc()
	log.Printf("forecast: midday correction %s: %.2f -> %.2f kWh over %d hours",
		res.Decision.Reason, res.OriginalKWh, res.CorrectedKWh, res.HoursCorrected)
	return res, nil
}

// Finalize closes a day: it copies in the actuals, runs shadow detection,
// updates the correction factor and writes the daily summary. The day's
// actual-bearing, non-excluded rows become training samples from here on.
func (o *Orchestrator) Finalize(ctx context.Context, date time.Time) (models.DailySummary, error) {
	now := o.now()
	date = o.dayStart(date)
	var summary models.DailySummary

	cycle, err := o.store.GetForecastCycle(date)
	if err != nil {
		return summary, fmt.Errorf("load cycle: %w", err)
	}
	if cycle.State != models.CycleMorningGenerated && cycle.State != models.CycleMiddayReevaluated {
		metrics.ForecastRuns.WithLabelValues(PhaseFinalize, "rejected").Inc()
		return summary, fmt.Errorf("%w: finalize from %s", ErrInvalidTransition, cycle.State)
	}

	if _, err := o.CollectActuals(date); err != nil {
		return summary, err
	}
	if _, err := o.DetectShadows(ctx, date); err != nil {
		return summary, err
	}
	preds, err := o.store.GetHourlyPredictions(date, date)
	if err != nil {
		return summary, err
	}
	cf, err := o.correct.Update(preds, now)
	if err != nil {
		return summary, err
	}
	shadows, err := o.store.GetShadowResults(date, date)
	if err != nil {
		return summary, err
	}

	summary = o.summarize(date, preds, shadows, cf)
	summary.MiddayCorrected = cycle.State == models.CycleMiddayReevaluated
	summary.CreatedAt = now
	if err := o.store.UpsertDailySummary(summary); err != nil {
		return summary, fmt.Errorf("save summary: %w", err)
	}

	c := models.ForecastCycle{Date: date, State: models.CycleFinalized, FinalizedAt: nullTime(now)}
	if err := o.store.TransitionForecastCycle(c, cycle.State); err != nil {
		return summary, fmt.Errorf("advance cycle: %w", err)
	}
	metrics.ForecastRuns.WithLabelValues(PhaseFinalize, "ok").Inc()
	log.Printf("forecast: finalized %s: predicted %.2f kWh, actual %.2f kWh, factor %.3f",
		date.Format(time.DateOnly), summary.PredictedKWh, summary.ActualKWh, summary.CorrectionAfter)
	return summary, nil
}

func (o *Orchestrator) summarize(date time.Time, preds []models.HourlyPrediction, shadows []models.ShadowDetectionResult, cf models.CorrectionFactor) models.DailySummary {
	s := models.DailySummary{
		Date:            date,
		CorrectionAfter: cf.Global,
		ModelAccuracy:   o.model.Accuracy(),
	}
	floor := o.cfg.Shadow.NoiseFloorKWh
	s.ProductionHours = lo.CountBy(preds, func(p models.HourlyPrediction) bool { return p.TheoreticalMaxKWh > floor })
	s.ExcludedHours = lo.CountBy(preds, func(p models.HourlyPrediction) bool { return p.ExcludeFromLearning })

	measured := lo.Filter(preds, func(p models.HourlyPrediction, _ int) bool { return p.ActualKWh.Valid })
	s.PredictedKWh = lo.SumBy(measured, func(p models.HourlyPrediction) float64 { return p.BlendedKWh })
	s.ActualKWh = lo.SumBy(measured, func(p models.HourlyPrediction) float64 { return p.ActualKWh.Float64 })

	scored := lo.Filter(measured, func(p models.HourlyPrediction, _ int) bool { return p.TheoreticalMaxKWh > floor })
	if len(scored) > 0 {
		var abs, sq float64
		for _, p := range scored {
			d := p.BlendedKWh - p.ActualKWh.Float64
			abs += math.Abs(d)
			sq += d * d
		}
		s.MAE = abs / float64(len(scored))
		s.RMSE = math.Sqrt(sq / float64(len(scored)))
	}
	s.AccuracyPct = accuracyPct(s.PredictedKWh, s.ActualKWh)

	for _, r := range shadows {
		switch r.ShadowType {
		case models.ShadowLight, models.ShadowModerate:
			s.ShadowHours++
		case models.ShadowHeavy:
			s.ShadowHours++
			s.HeavyShadowHours++
		}
	}
	return s
}

// accuracyPct is 100 minus the daily error relative to the larger of the two
// totals, so it stays in [0, 100].
func accuracyPct(predicted, actual float64) float64 {
	den := math.Max(predicted, actual)
	if den <= 0 {
		return 100
	}
	return math.Max(0, 100*(1-math.Abs(predicted-actual)/den))
}

func (o *Orchestrator) publishForecast(ctx context.Context, date time.Time, phase string) {
	preds, err := o.store.GetHourlyPredictions(date, date)
	if err != nil {
		log.Printf("forecast: load %s for event: %v", date.Format(time.DateOnly), err)
		return
	}
	o.publish(ctx, models.EventForecastUpdated, models.ForecastUpdated{
		Date:  date.Format(time.DateOnly),
		Phase: phase,
		Hourly: lo.Map(preds, func(p models.HourlyPrediction, _ int) models.HourlyValue {
			return models.HourlyValue{Hour: p.Hour, KWh: p.BlendedKWh, Confidence: p.Confidence}
		}),
		DailyTotalKWh: lo.SumBy(preds, func(p models.HourlyPrediction) float64 { return p.BlendedKWh }),
	})
}

func (o *Orchestrator) publish(ctx context.Context, typ string, data any) {
	if err := o.events.Publish(ctx, notify.NewEvent(typ, data, o.clock.Now())); err != nil {
		log.Printf("forecast: publish %s: %v", typ, err)
	}
}
