package forecast

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/pvcast/internal/astronomy"
	"github.com/lox/pvcast/internal/clock"
	"github.com/lox/pvcast/internal/config"
	"github.com/lox/pvcast/internal/features"
	"github.com/lox/pvcast/internal/ml"
	"github.com/lox/pvcast/internal/models"
	"github.com/lox/pvcast/internal/notify"
	"github.com/lox/pvcast/internal/store"
)

type recorder struct {
	events []notify.Event
}

func (r *recorder) Publish(_ context.Context, e notify.Event) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count(typ string) int {
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) Refresh(context.Context) error {
	f.calls++
	return f.err
}

type harness struct {
	cfg    config.Config
	st     *store.Store
	clk    *clock.Mock
	model  *ml.Manager
	events *recorder
	orch   *Orchestrator
	loc    *time.Location
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Site = models.SiteConfig{
		Latitude:  48.0,
		Longitude: 11.0,
		Elevation: 500,
		Timezone:  "Europe/Berlin",
		PanelGroups: []models.PanelGroup{
			{Name: "south", PowerKWp: 5.0, AzimuthDeg: 180, TiltDeg: 30},
		},
	}
	cfg.Model.Epochs = 10
	cfg.Model.HiddenSize = 8
	return cfg
}

func newHarness(t *testing.T, weather WeatherRefresher) *harness {
	t.Helper()
	cfg := testConfig()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	loc, err := time.LoadLocation(cfg.Site.Timezone)
	if err != nil {
		t.Fatalf("load timezone: %v", err)
	}
	st := store.New(db, loc)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	engine, err := astronomy.NewEngine(cfg.Site, astronomy.DefaultOptions())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	clk := clock.NewMock(time.Date(2024, 6, 21, 6, 0, 0, 0, loc))
	model := ml.NewManager(cfg.Model, features.Width(1), 1, st, clk)
	rec := &recorder{}

	h := &harness{cfg: cfg, st: st, clk: clk, model: model, events: rec, loc: loc}
	h.orch = New(Options{
		Config:    cfg,
		Store:     st,
		Astronomy: astronomy.NewCache(engine, st),
		Model:     model,
		Weather:   weather,
		Events:    rec,
		Clock:     clk,
	})
	return h
}

func (h *harness) date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, h.loc)
}

func (h *harness) at(date time.Time, hour, minute int) {
	h.clk.Set(time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, h.loc))
}

func (h *harness) seedWeather(t *testing.T, date time.Time, kind string, cc float64) {
	t.Helper()
	hours := make([]models.WeatherHour, 24)
	for i := range hours {
		hours[i] = models.WeatherHour{
			Date:          date,
			Hour:          i,
			Kind:          kind,
			Source:        "test",
			FetchedAt:     date,
			TempC:         nf(20),
			CloudCoverPct: nf(cc),
		}
	}
	if _, err := h.st.UpsertWeatherHours(hours); err != nil {
		t.Fatalf("seed weather: %v", err)
	}
}

func (h *harness) predictions(t *testing.T, date time.Time) map[int]models.HourlyPrediction {
	t.Helper()
	preds, err := h.st.GetHourlyPredictions(date, date)
	if err != nil {
		t.Fatalf("GetHourlyPredictions: %v", err)
	}
	out := make(map[int]models.HourlyPrediction, len(preds))
	for _, p := range preds {
		out[p.Hour] = p
	}
	return out
}

func (h *harness) setActual(t *testing.T, date time.Time, hour int, kwh float64) {
	t.Helper()
	err := h.st.UpsertProductionActual(models.ProductionActual{Date: date, Hour: hour, KWh: kwh, Recorded: h.clk.Now()})
	if err != nil {
		t.Fatalf("UpsertProductionActual: %v", err)
	}
}

func (h *harness) state(t *testing.T, date time.Time) models.CycleState {
	t.Helper()
	c, err := h.st.GetForecastCycle(date)
	if err != nil {
		t.Fatalf("GetForecastCycle: %v", err)
	}
	return c.State
}

func TestGenerateMorning_WritesHorizon(t *testing.T) {
	h := newHarness(t, nil)
	today := h.date(2024, 6, 21)
	for d := 0; d < 3; d++ {
		h.seedWeather(t, today.AddDate(0, 0, d), models.WeatherForecast, 20)
	}

	results, err := h.orch.GenerateMorning(context.Background())
	if err != nil {
		t.Fatalf("GenerateMorning: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3 days", len(results))
	}
	for _, r := range results {
		if r.Written != 24 || r.Degraded != 0 || r.LearnedWeight != 0 {
			t.Errorf("%s: %+v", r.Date.Format(time.DateOnly), r)
		}
	}

	preds := h.predictions(t, today)
	if len(preds) != 24 {
		t.Fatalf("rows = %d, want 24", len(preds))
	}
	if preds[2].BlendedKWh != 0 {
		t.Errorf("02:00 blended = %v, want 0", preds[2].BlendedKWh)
	}

	noon := preds[13]
	want := noon.TheoreticalMaxKWh * CloudFactor(20, 1) * TemperatureFactor(nf(20))
	if math.Abs(noon.BlendedKWh-want) > 1e-9 {
		t.Errorf("13:00 blended = %.4f, want %.4f", noon.BlendedKWh, want)
	}
	if noon.BlendedKWh > noon.TheoreticalMaxKWh*physicsCap {
		t.Errorf("13:00 blended %.3f above cap", noon.BlendedKWh)
	}
	if noon.PhysicsWeight != 1 || noon.LearnedKWh.Valid || noon.CorrectionFactor != 1 {
		t.Errorf("physics-only row expected, got %+v", noon)
	}
	if math.Abs(noon.GroupKWh["south"]-noon.BlendedKWh) > 1e-9 {
		t.Errorf("group split %.4f != total %.4f", noon.GroupKWh["south"], noon.BlendedKWh)
	}
	if !noon.ForecastCloudCover.Valid || noon.ForecastCloudCover.Float64 != 20 {
		t.Errorf("forecast cloud cover = %v", noon.ForecastCloudCover)
	}

	if tomorrow := h.predictions(t, today.AddDate(0, 0, 1)); tomorrow[13].Confidence != 0.6 {
		t.Errorf("tomorrow confidence = %v, want 0.6", tomorrow[13].Confidence)
	}

	c, err := h.st.GetForecastCycle(today)
	if err != nil {
		t.Fatal(err)
	}
	if c.State != models.CycleMorningGenerated || !c.OriginalTotalKWh.Valid {
		t.Errorf("cycle = %+v", c)
	}
	if math.Abs(c.OriginalTotalKWh.Float64-results[0].TotalKWh) > 1e-9 {
		t.Errorf("original total %.3f, want %.3f", c.OriginalTotalKWh.Float64, results[0].TotalKWh)
	}
	if got := h.events.count(models.EventForecastUpdated); got != 3 {
		t.Errorf("forecast_updated events = %d, want 3", got)
	}
}

func TestGenerateMorning_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	today := h.date(2024, 6, 21)
	for d := 0; d < 3; d++ {
		h.seedWeather(t, today.AddDate(0, 0, d), models.WeatherForecast, 35)
	}

	if _, err := h.orch.GenerateMorning(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := h.predictions(t, today)

	results, err := h.orch.GenerateMorning(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	for i, r := range results {
		if r.Written != 0 {
			t.Errorf("day %d rewrote %d rows", i, r.Written)
		}
	}
	if results[0].Frozen != 6 || results[0].Unchanged != 18 {
		t.Errorf("today frozen %d unchanged %d, want 6 and 18", results[0].Frozen, results[0].Unchanged)
	}

	after := h.predictions(t, today)
	for hour, p := range before {
		q := after[hour]
		if q.CycleVersion != p.CycleVersion || !q.SameContent(p) {
			t.Errorf("hour %d changed: version %d -> %d", hour, p.CycleVersion, q.CycleVersion)
		}
	}
}

func TestGenerateMorning_FreezesStartedHours(t *testing.T) {
	h := newHarness(t, nil)
	today := h.date(2024, 6, 21)
	h.seedWeather(t, today, models.WeatherForecast, 10)
	if _, err := h.orch.GenerateMorning(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := h.predictions(t, today)

	h.at(today, 10, 0)
	h.seedWeather(t, today, models.WeatherForecast, 90)
	results, err := h.orch.GenerateMorning(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Frozen != 10 {
		t.Errorf("frozen = %d, want 10", results[0].Frozen)
	}

	after := h.predictions(t, today)
	for hour := 0; hour < 10; hour++ {
		if after[hour].BlendedKWh != before[hour].BlendedKWh {
			t.Errorf("hour %d rewritten after it started", hour)
		}
	}
	if after[11].BlendedKWh >= before[11].BlendedKWh {
		t.Errorf("hour 11 should drop with heavier clouds: %.3f -> %.3f", before[11].BlendedKWh, after[11].BlendedKWh)
	}
	if after[11].CycleVersion <= before[11].CycleVersion {
		t.Errorf("hour 11 version %d -> %d", before[11].CycleVersion, after[11].CycleVersion)
	}
}

func TestGenerateMorning_MissingWeatherDegrades(t *testing.T) {
	h := newHarness(t, nil)
	today := h.date(2024, 6, 21)

	results, err := h.orch.GenerateMorning(context.Background())
	if err != nil {
		t.Fatalf("GenerateMorning: %v", err)
	}
	if results[0].Degraded == 0 {
		t.Error("expected degraded hours without weather")
	}

	noon := h.predictions(t, today)[13]
	if !noon.Degraded || noon.Confidence != missingWeatherConf {
		t.Errorf("noon degraded %v confidence %v", noon.Degraded, noon.Confidence)
	}
	if math.Abs(noon.PhysicsKWh-noon.TheoreticalMaxKWh*missingWeather) > 1e-9 {
		t.Errorf("physics = %.4f, want %.4f", noon.PhysicsKWh, noon.TheoreticalMaxKWh*missingWeather)
	}
	if night := h.predictions(t, today)[1]; night.Degraded {
		t.Error("night hours are not degraded")
	}
}

func TestReevaluateMidday_CorrectsRemainingHours(t *testing.T) {
	refresher := &fakeRefresher{err: errors.New("upstream down")}
	h := newHarness(t, refresher)
	ctx := context.Background()
	today := h.date(2024, 6, 21)
	h.seedWeather(t, today, models.WeatherForecast, 20)

	if _, err := h.orch.GenerateMorning(ctx); err != nil {
		t.Fatal(err)
	}
	before := h.predictions(t, today)
	for hour := 0; hour < 12; hour++ {
		h.setActual(t, today, hour, before[hour].BlendedKWh/3)
	}

	h.at(today, 12, 30)
	res, err := h.orch.ReevaluateMidday(ctx)
	if err != nil {
		t.Fatalf("ReevaluateMidday: %v", err)
	}
	if !res.Decision.Trigger || !res.Applied {
		t.Fatalf("expected correction: %+v", res.Decision)
	}
	if !res.StaleWeather || refresher.calls != 1 {
		t.Errorf("stale %v refresh calls %d", res.StaleWeather, refresher.calls)
	}
	wantScale := 1 + 0.7*(1.0/3-1)
	if math.Abs(res.Decision.Scale-wantScale) > 1e-9 {
		t.Errorf("scale = %v, want %v", res.Decision.Scale, wantScale)
	}

	after := h.predictions(t, today)
	for hour := 0; hour <= 12; hour++ {
		if after[hour].BlendedKWh != before[hour].BlendedKWh {
			t.Errorf("hour %d changed although it had started", hour)
		}
	}
	for hour := 13; hour < 24; hour++ {
		want := before[hour].BlendedKWh * res.Decision.Scale
		if math.Abs(after[hour].BlendedKWh-want) > 1e-9 {
			t.Errorf("hour %d = %.4f, want %.4f", hour, after[hour].BlendedKWh, want)
		}
	}
	if res.CorrectedKWh >= res.OriginalKWh || res.HoursCorrected == 0 {
		t.Errorf("original %.2f corrected %.2f hours %d", res.OriginalKWh, res.CorrectedKWh, res.HoursCorrected)
	}

	c, err := h.st.GetForecastCycle(today)
	if err != nil {
		t.Fatal(err)
	}
	if c.State != models.CycleMiddayReevaluated || !c.CorrectionReason.Valid || !c.MiddayAt.Valid {
		t.Errorf("cycle = %+v", c)
	}
	if h.events.count(models.EventCorrectionApplied) != 1 {
		t.Error("expected an adaptive_correction_applied event")
	}

	if _, err := h.orch.ReevaluateMidday(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second midday err = %v, want ErrInvalidTransition", err)
	}
}

func TestReevaluateMidday_WithinTolerance(t *testing.T) {
	refresher := &fakeRefresher{}
	h := newHarness(t, refresher)
	ctx := context.Background()
	today := h.date(2024, 6, 21)
	h.seedWeather(t, today, models.WeatherForecast, 20)

	if _, err := h.orch.GenerateMorning(ctx); err != nil {
		t.Fatal(err)
	}
	before := h.predictions(t, today)
	for hour := 0; hour < 12; hour++ {
		h.setActual(t, today, hour, before[hour].BlendedKWh*0.98)
	}

	h.at(today, 12, 30)
	res, err := h.orch.ReevaluateMidday(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied || res.Decision.Trigger {
		t.Errorf("unexpected correction: %s", res.Decision.Reason)
	}
	if refresher.calls != 0 {
		t.Error("weather should only be refreshed when correcting")
	}
	if got := h.state(t, today); got != models.CycleMorningGenerated {
		t.Errorf("state = %s", got)
	}
	if h.events.count(models.EventCorrectionApplied) != 0 {
		t.Error("no correction event expected")
	}
}

func TestReevaluateMidday_RequiresMorning(t *testing.T) {
	h := newHarness(t, nil)
	h.at(h.date(2024, 6, 21), 12, 30)
	if _, err := h.orch.ReevaluateMidday(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestFinalize(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	today := h.date(2024, 6, 21)
	h.seedWeather(t, today, models.WeatherForecast, 20)

	if _, err := h.orch.GenerateMorning(ctx); err != nil {
		t.Fatal(err)
	}
	preds := h.predictions(t, today)
	for hour := 0; hour < 24; hour++ {
		kwh := preds[hour].BlendedKWh * 0.8
		if hour == 13 {
			kwh = 0.02
		}
		h.setActual(t, today, hour, kwh)
	}
	_, err := h.st.UpsertWeatherHours([]models.WeatherHour{{
		Date: today, Hour: 13, Kind: models.WeatherObserved, Source: "test",
		FetchedAt: today, TempC: nf(18), CloudCoverPct: nf(85),
	}})
	if err != nil {
		t.Fatal(err)
	}

	h.at(today, 23, 30)
	summary, err := h.orch.Finalize(ctx, today)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if summary.HeavyShadowHours != 1 || summary.ExcludedHours != 1 {
		t.Errorf("heavy %d excluded %d, want 1 and 1", summary.HeavyShadowHours, summary.ExcludedHours)
	}
	if summary.ShadowHours < summary.HeavyShadowHours {
		t.Errorf("shadow hours %d < heavy %d", summary.ShadowHours, summary.HeavyShadowHours)
	}
	if summary.AccuracyPct <= 0 || summary.AccuracyPct >= 100 {
		t.Errorf("accuracy = %.1f", summary.AccuracyPct)
	}
	if summary.ActualKWh >= summary.PredictedKWh {
		t.Errorf("actual %.2f should be below predicted %.2f", summary.ActualKWh, summary.PredictedKWh)
	}
	if math.Abs(summary.CorrectionAfter-0.95) > 1e-6 {
		t.Errorf("correction after = %.4f, want 0.95", summary.CorrectionAfter)
	}
	if summary.ProductionHours == 0 || summary.MiddayCorrected {
		t.Errorf("summary = %+v", summary)
	}

	if !h.predictions(t, today)[13].ExcludeFromLearning {
		t.Error("heavily shaded hour should be excluded from learning")
	}
	results, err := h.st.GetShadowResults(today, today)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 24 {
		t.Errorf("shadow results = %d, want 24", len(results))
	}
	for _, r := range results {
		if r.Hour == 13 && (r.ShadowType != models.ShadowHeavy || r.RootCause != models.CauseWeatherClouds) {
			t.Errorf("13:00 = %s/%s, want heavy/weather_clouds", r.ShadowType, r.RootCause)
		}
	}
	if h.events.count(models.EventShadowDetected) == 0 {
		t.Error("expected shadow_detected events")
	}

	cf, err := h.orch.Corrector().Current()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(cf.Global-summary.CorrectionAfter) > 1e-12 {
		t.Errorf("corrector global %.4f != summary %.4f", cf.Global, summary.CorrectionAfter)
	}
	if stored, err := h.st.GetDailySummaries(today, today); err != nil || len(stored) != 1 {
		t.Errorf("stored summaries = %d (%v)", len(stored), err)
	}

	if n, err := h.orch.DetectShadows(ctx, today); err != nil || n != 0 {
		t.Errorf("backfill over a detected day: n=%d err=%v", n, err)
	}
	if got := h.state(t, today); got != models.CycleFinalized {
		t.Errorf("state = %s", got)
	}
	if _, err := h.orch.Finalize(ctx, today); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second finalize err = %v", err)
	}
	if _, err := h.orch.GenerateMorning(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("morning after finalize err = %v", err)
	}
}

// runDay drives one full cycle with actuals equal to the forecast.
func (h *harness) runDay(t *testing.T, date time.Time, cc float64) {
	t.Helper()
	ctx := context.Background()
	for d := 0; d < 3; d++ {
		h.seedWeather(t, date.AddDate(0, 0, d), models.WeatherForecast, cc)
	}
	h.at(date, 6, 0)
	if _, err := h.orch.GenerateMorning(ctx); err != nil {
		t.Fatalf("%s morning: %v", date.Format(time.DateOnly), err)
	}
	preds := h.predictions(t, date)
	for hour := 0; hour < 24; hour++ {
		h.setActual(t, date, hour, preds[hour].BlendedKWh)
	}
	h.at(date, 23, 30)
	if _, err := h.orch.Finalize(ctx, date); err != nil {
		t.Fatalf("%s finalize: %v", date.Format(time.DateOnly), err)
	}
}

func TestRetrain_InsufficientSamples(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	day := h.date(2024, 6, 21)
	h.runDay(t, day, 20)

	h.at(day.AddDate(0, 0, 1), 5, 0)
	if _, err := h.orch.Retrain(ctx); !errors.Is(err, ml.ErrInsufficientSamples) {
		t.Fatalf("Retrain err = %v, want ErrInsufficientSamples", err)
	}
	if _, err := h.orch.GridSearch(ctx, false); !errors.Is(err, ml.ErrInsufficientSamples) {
		t.Fatalf("GridSearch err = %v, want ErrInsufficientSamples", err)
	}

	h.at(day.AddDate(0, 0, 1), 6, 0)
	results, err := h.orch.GenerateMorning(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].LearnedWeight != 0 {
		t.Errorf("learned weight = %v without a model", results[0].LearnedWeight)
	}
}

func TestRetrain_AfterSeveralDays(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	start := h.date(2024, 6, 17)
	for i, cc := range []float64{10, 20, 30, 15, 25} {
		h.runDay(t, start.AddDate(0, 0, i), cc)
	}
	next := start.AddDate(0, 0, 5)
	h.at(next, 5, 0)

	samples, err := h.orch.TrainingSamples(ctx)
	if err != nil {
		t.Fatalf("TrainingSamples: %v", err)
	}
	if len(samples) < h.cfg.Model.MinSamples {
		t.Fatalf("samples = %d, want >= %d", len(samples), h.cfg.Model.MinSamples)
	}
	for _, s := range samples[:3] {
		if len(s.Seq) != h.cfg.Model.SequenceLength || len(s.Seq[0]) != features.Width(1) || len(s.Target) != 1 {
			t.Fatalf("sample shape seq %d width %d target %d", len(s.Seq), len(s.Seq[0]), len(s.Target))
		}
	}

	res, err := h.orch.Retrain(ctx)
	if err != nil {
		t.Fatalf("Retrain: %v", err)
	}
	if !res.Success || !h.model.Ready() {
		t.Fatalf("model not ready after training: %+v", res)
	}

	h.seedWeather(t, next, models.WeatherForecast, 20)
	h.at(next, 6, 0)
	results, err := h.orch.GenerateMorning(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := BlendWeight(h.cfg.Forecast, true, h.model.Accuracy())
	if math.Abs(results[0].LearnedWeight-want) > 1e-12 {
		t.Errorf("learned weight = %v, want %v", results[0].LearnedWeight, want)
	}
	noon := h.predictions(t, next)[13]
	if want > 0 {
		if !noon.LearnedKWh.Valid || noon.LearnedKWh.Float64 > noon.TheoreticalMaxKWh*physicsCap+1e-9 {
			t.Errorf("learned = %v, theoretical %.3f", noon.LearnedKWh, noon.TheoreticalMaxKWh)
		}
	}
	if noon.BlendedKWh < 0 || noon.BlendedKWh > noon.TheoreticalMaxKWh*physicsCap+1e-9 {
		t.Errorf("blended %.3f out of range", noon.BlendedKWh)
	}
}

func TestTrainingSamples_WaitForFinalize(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	start := h.date(2024, 6, 17)
	for i, cc := range []float64{10, 20, 30, 15, 25} {
		h.runDay(t, start.AddDate(0, 0, i), cc)
	}
	today := start.AddDate(0, 0, 5)
	h.at(today, 5, 0)
	before, err := h.orch.TrainingSamples(ctx)
	if err != nil {
		t.Fatalf("TrainingSamples: %v", err)
	}

	h.seedWeather(t, today, models.WeatherForecast, 5)
	h.at(today, 6, 0)
	if _, err := h.orch.GenerateMorning(ctx); err != nil {
		t.Fatal(err)
	}
	for hour := 8; hour <= 11; hour++ {
		h.setActual(t, today, hour, 0)
	}
	h.at(today, 12, 30)
	if n, err := h.orch.CollectActuals(today); err != nil || n != 4 {
		t.Fatalf("CollectActuals = %d, %v", n, err)
	}

	rows, err := h.st.GetTrainingPredictions(today, today)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("unfinalized day contributed %d training rows", len(rows))
	}
	during, err := h.orch.TrainingSamples(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(during) != len(before) {
		t.Errorf("samples = %d mid-day, want %d", len(during), len(before))
	}

	h.at(today, 23, 30)
	if _, err := h.orch.Finalize(ctx, today); err != nil {
		t.Fatal(err)
	}
	rows, err = h.st.GetTrainingPredictions(today, today)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range rows {
		if p.Hour >= 8 && p.Hour <= 11 {
			t.Errorf("hour %d with zero output is eligible after shadow detection", p.Hour)
		}
	}
}

func TestSequence_HorizonDaysSeeRecentOutput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	start := h.date(2024, 6, 19)
	h.runDay(t, start, 20)
	h.runDay(t, start.AddDate(0, 0, 1), 20)

	today := start.AddDate(0, 0, 2)
	h.seedWeather(t, today.AddDate(0, 0, 2), models.WeatherForecast, 20)
	h.at(today, 6, 0)
	if _, err := h.orch.GenerateMorning(ctx); err != nil {
		t.Fatal(err)
	}
	preds := h.predictions(t, today)
	for hour := 5; hour <= 12; hour++ {
		h.setActual(t, today, hour, 0.8*preds[hour].BlendedKWh)
	}
	h.at(today, 13, 0)
	if _, err := h.orch.CollectActuals(today); err != nil {
		t.Fatal(err)
	}

	hist, err := h.orch.history(today.AddDate(0, 0, -2), today.AddDate(0, 0, h.cfg.Forecast.HorizonDays-1))
	if err != nil {
		t.Fatal(err)
	}
	ws := newWeatherSet(h.st)
	width := features.Width(1)
	var todayRatio float64
	for d := 0; d < h.cfg.Forecast.HorizonDays; d++ {
		seq, err := h.orch.sequence(ws, hist, hourStart(today.AddDate(0, 0, d), 13))
		if err != nil {
			t.Fatalf("day +%d: %v", d, err)
		}
		last := seq[len(seq)-1]
		recent, yesterday, ratio := last[width-3], last[width-2], last[width-1]
		if recent <= 0 || yesterday <= 0 {
			t.Errorf("day +%d: recent mean %.3f, same hour yesterday %.3f", d, recent, yesterday)
		}
		if d == 0 {
			todayRatio = ratio
			continue
		}
		if math.Abs(ratio-todayRatio) > 1e-12 {
			t.Errorf("day +%d: ratio %.3f, want today's %.3f", d, ratio, todayRatio)
		}
	}
	if todayRatio == 0.7 {
		t.Error("today's ratio should come from readings, not the default")
	}
}
