package api

import (
	"database/sql"
	"time"

	"github.com/samber/lo"

	"github.com/lox/pvcast/internal/ingest"
	"github.com/lox/pvcast/internal/ml"
	"github.com/lox/pvcast/internal/models"
	"github.com/lox/pvcast/internal/store"
	"github.com/lox/pvcast/internal/tasks"
)

func nullPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// HourView is one prediction row as served over JSON.
type HourView struct {
	Hour              int                `json:"hour"`
	PhysicsKWh        float64            `json:"physics_kwh"`
	LearnedKWh        *float64           `json:"learned_kwh,omitempty"`
	BlendedKWh        float64            `json:"blended_kwh"`
	ActualKWh         *float64           `json:"actual_kwh,omitempty"`
	Confidence        float64            `json:"confidence"`
	LearnedWeight     float64            `json:"learned_weight"`
	CorrectionFactor  float64            `json:"correction_factor"`
	TheoreticalMaxKWh float64            `json:"theoretical_max_kwh"`
	CloudCoverPct     *float64           `json:"cloud_cover_pct,omitempty"`
	Groups            map[string]float64 `json:"groups,omitempty"`
	Excluded          bool               `json:"exclude_from_learning"`
	Degraded          bool               `json:"degraded"`
	CycleVersion      int64              `json:"cycle_version"`
	GeneratedAt       time.Time          `json:"generated_at"`
}

func newHourView(p models.HourlyPrediction) HourView {
	return HourView{
		Hour:              p.Hour,
		PhysicsKWh:        p.PhysicsKWh,
		LearnedKWh:        nullPtr(p.LearnedKWh),
		BlendedKWh:        p.BlendedKWh,
		ActualKWh:         nullPtr(p.ActualKWh),
		Confidence:        p.Confidence,
		LearnedWeight:     p.LearnedWeight,
		CorrectionFactor:  p.CorrectionFactor,
		TheoreticalMaxKWh: p.TheoreticalMaxKWh,
		CloudCoverPct:     nullPtr(p.ForecastCloudCover),
		Groups:            p.GroupKWh,
		Excluded:          p.ExcludeFromLearning,
		Degraded:          p.Degraded,
		CycleVersion:      p.CycleVersion,
		GeneratedAt:       p.GeneratedAt,
	}
}

// ForecastView is a day's forecast with its cycle state.
type ForecastView struct {
	Date             string     `json:"date"`
	State            string     `json:"state"`
	TotalKWh         float64    `json:"total_kwh"`
	ActualKWh        *float64   `json:"actual_kwh,omitempty"`
	OriginalKWh      *float64   `json:"original_kwh,omitempty"`
	CorrectedKWh     *float64   `json:"corrected_kwh,omitempty"`
	CorrectionReason string     `json:"correction_reason,omitempty"`
	Hours            []HourView `json:"hours"`
}

func newForecastView(date time.Time, cycle models.ForecastCycle, preds []models.HourlyPrediction) ForecastView {
	v := ForecastView{
		Date:             date.Format(time.DateOnly),
		State:            string(cycle.State),
		TotalKWh:         lo.SumBy(preds, func(p models.HourlyPrediction) float64 { return p.BlendedKWh }),
		OriginalKWh:      nullPtr(cycle.OriginalTotalKWh),
		CorrectedKWh:     nullPtr(cycle.CorrectedTotalKWh),
		CorrectionReason: cycle.CorrectionReason.String,
		Hours:            lo.Map(preds, func(p models.HourlyPrediction, _ int) HourView { return newHourView(p) }),
	}
	withActual := lo.Filter(preds, func(p models.HourlyPrediction, _ int) bool { return p.ActualKWh.Valid })
	if len(withActual) > 0 {
		total := lo.SumBy(withActual, func(p models.HourlyPrediction) float64 { return p.ActualKWh.Float64 })
		v.ActualKWh = &total
	}
	return v
}

// DaySummaryView condenses one forecast day for dashboards.
type DaySummaryView struct {
	Date          string  `json:"date"`
	TotalKWh      float64 `json:"total_kwh"`
	RemainingKWh  float64 `json:"remaining_kwh"`
	PeakHour      int     `json:"peak_hour"`
	PeakKWh       float64 `json:"peak_kwh"`
	Confidence    float64 `json:"confidence"`
	DegradedHours int     `json:"degraded_hours"`
}

// newDaySummaryView weights confidence by each hour's share of the day.
func newDaySummaryView(date time.Time, preds []models.HourlyPrediction, now time.Time) DaySummaryView {
	v := DaySummaryView{Date: date.Format(time.DateOnly), PeakHour: -1}
	var weighted float64
	for _, p := range preds {
		v.TotalKWh += p.BlendedKWh
		weighted += p.BlendedKWh * p.Confidence
		start := time.Date(date.Year(), date.Month(), date.Day(), p.Hour, 0, 0, 0, date.Location())
		if !start.Before(now) {
			v.RemainingKWh += p.BlendedKWh
		}
		if p.BlendedKWh > v.PeakKWh {
			v.PeakKWh, v.PeakHour = p.BlendedKWh, p.Hour
		}
		if p.Degraded {
			v.DegradedHours++
		}
	}
	if v.TotalKWh > 0 {
		v.Confidence = weighted / v.TotalKWh
	}
	return v
}

type AstronomyHourView struct {
	Hour              int                      `json:"hour"`
	ElevationDeg      float64                  `json:"elevation_deg"`
	AzimuthDeg        float64                  `json:"azimuth_deg"`
	ClearSkyGHI       float64                  `json:"clear_sky_ghi"`
	TheoreticalMaxKWh float64                  `json:"theoretical_max_kwh"`
	Groups            []models.GroupIrradiance `json:"groups,omitempty"`
}

type AstronomyView struct {
	Date            string              `json:"date"`
	Sunrise         time.Time           `json:"sunrise"`
	SolarNoon       time.Time           `json:"solar_noon"`
	Sunset          time.Time           `json:"sunset"`
	DaylightHours   float64             `json:"daylight_hours"`
	ProductionStart time.Time           `json:"production_start"`
	ProductionEnd   time.Time           `json:"production_end"`
	TheoreticalKWh  float64             `json:"theoretical_kwh"`
	Hours           []AstronomyHourView `json:"hours"`
}

func newAstronomyView(day models.DayAstronomy) AstronomyView {
	v := AstronomyView{
		Date:            day.Date.Format(time.DateOnly),
		Sunrise:         day.Sun.Sunrise,
		SolarNoon:       day.Sun.SolarNoon,
		Sunset:          day.Sun.Sunset,
		DaylightHours:   day.Sun.DaylightHours,
		ProductionStart: day.Sun.ProductionStart,
		ProductionEnd:   day.Sun.ProductionEnd,
	}
	for _, h := range day.Hours {
		v.TheoreticalKWh += h.TheoreticalMaxKWh
		v.Hours = append(v.Hours, AstronomyHourView{
			Hour:              h.Hour,
			ElevationDeg:      h.ElevationDeg,
			AzimuthDeg:        h.AzimuthDeg,
			ClearSkyGHI:       h.ClearSkyGHI,
			TheoreticalMaxKWh: h.TheoreticalMaxKWh,
			Groups:            h.Groups,
		})
	}
	return v
}

type ShadowView struct {
	Hour           int      `json:"hour"`
	ShadowType     string   `json:"shadow_type"`
	ShadowPercent  float64  `json:"shadow_percent"`
	Confidence     float64  `json:"confidence"`
	RootCause      string   `json:"root_cause"`
	LossKWh        float64  `json:"loss_kwh"`
	TheoryPercent  float64  `json:"theory_percent"`
	FusionPercent  *float64 `json:"fusion_percent,omitempty"`
	ActualKWh      float64  `json:"actual_kwh"`
	TheoreticalKWh float64  `json:"theoretical_kwh"`
}

func newShadowView(r models.ShadowDetectionResult) ShadowView {
	return ShadowView{
		Hour:           r.Hour,
		ShadowType:     string(r.ShadowType),
		ShadowPercent:  r.ShadowPercent,
		Confidence:     r.Confidence,
		RootCause:      string(r.RootCause),
		LossKWh:        r.LossKWh,
		TheoryPercent:  r.TheoryPercent,
		FusionPercent:  nullPtr(r.FusionPercent),
		ActualKWh:      r.ActualKWh,
		TheoreticalKWh: r.TheoreticalKWh,
	}
}

type SummaryView struct {
	Date             string  `json:"date"`
	PredictedKWh     float64 `json:"predicted_kwh"`
	ActualKWh        float64 `json:"actual_kwh"`
	MAE              float64 `json:"mae"`
	RMSE             float64 `json:"rmse"`
	AccuracyPct      float64 `json:"accuracy_pct"`
	ShadowHours      int     `json:"shadow_hours"`
	HeavyShadowHours int     `json:"heavy_shadow_hours"`
	ExcludedHours    int     `json:"excluded_hours"`
	CorrectionAfter  float64 `json:"correction_after"`
	MiddayCorrected  bool    `json:"midday_corrected"`
	ModelAccuracy    float64 `json:"model_accuracy"`
}

func newSummaryView(s models.DailySummary) SummaryView {
	return SummaryView{
		Date:             s.Date.Format(time.DateOnly),
		PredictedKWh:     s.PredictedKWh,
		ActualKWh:        s.ActualKWh,
		MAE:              s.MAE,
		RMSE:             s.RMSE,
		AccuracyPct:      s.AccuracyPct,
		ShadowHours:      s.ShadowHours,
		HeavyShadowHours: s.HeavyShadowHours,
		ExcludedHours:    s.ExcludedHours,
		CorrectionAfter:  s.CorrectionAfter,
		MiddayCorrected:  s.MiddayCorrected,
		ModelAccuracy:    s.ModelAccuracy,
	}
}

type CorrectionView struct {
	Global        float64     `json:"global"`
	Hourly        [24]float64 `json:"hourly"`
	HourlySamples [24]int     `json:"hourly_samples"`
	Samples       int         `json:"samples"`
	UpdatedAt     time.Time   `json:"updated_at,omitzero"`
}

type ModelView struct {
	Model      ml.Status      `json:"model"`
	Correction CorrectionView `json:"correction"`
	Hardware   ml.Hardware    `json:"hardware"`
}

type ScheduleView struct {
	Jobs  []ingest.Entry `json:"jobs"`
	Tasks tasks.Stats    `json:"tasks"`
}

// HealthStatus is served by /health.
type HealthStatus struct {
	Status          string    `json:"status"`
	Uptime          string    `json:"uptime"`
	LastWeatherAt   time.Time `json:"last_weather_at,omitzero"`
	WeatherAgeMin   int       `json:"weather_age_minutes"`
	WeatherStale    bool      `json:"weather_stale"`
	CycleState      string    `json:"cycle_state"`
	ModelReady      bool      `json:"model_ready"`
	WebsocketPeers  int       `json:"websocket_clients"`
	FailedIngests7d int       `json:"failed_ingests_7d"`
	Errors          []string  `json:"errors,omitempty"`

	RecentFailures []IngestFailureView  `json:"recent_ingest_failures,omitempty"`
	Archive        []store.ArchiveStats `json:"payload_archive,omitempty"`
}

type IngestFailureView struct {
	StartedAt  time.Time `json:"started_at"`
	Source     string    `json:"source"`
	Endpoint   string    `json:"endpoint"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Error      string    `json:"error"`
}

func newIngestFailureView(r store.IngestRun) IngestFailureView {
	return IngestFailureView{
		StartedAt:  r.StartedAt,
		Source:     r.Source,
		Endpoint:   r.Endpoint,
		HTTPStatus: int(r.HTTPStatus.Int64),
		Error:      r.ErrorMessage.String,
	}
}

// ActualRequest is the body of POST /api/actuals.
type ActualRequest struct {
	Date  string  `json:"date"`
	Hour  int     `json:"hour"`
	Group string  `json:"group,omitempty"`
	KWh   float64 `json:"kwh"`
}

// CommandRequest carries the optional arguments of an operator command.
type CommandRequest struct {
	DaysBack     *int   `json:"days_back,omitempty"`
	DaysAhead    *int   `json:"days_ahead,omitempty"`
	RetrainAfter bool   `json:"retrain_after,omitempty"`
	Date         string `json:"date,omitempty"`
}
