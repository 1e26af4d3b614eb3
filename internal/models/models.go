package models

import (
	"database/sql"
	"fmt"
	"time"
	_ "time/tzdata"
)

type PanelGroup struct {
	Name         string  `yaml:"name" json:"name"`
	PowerKWp     float64 `yaml:"power_kwp" json:"power_kwp"`
	AzimuthDeg   float64 `yaml:"azimuth" json:"azimuth_deg"`
	TiltDeg      float64 `yaml:"tilt" json:"tilt_deg"`
	EnergySensor string  `yaml:"energy_sensor,omitempty" json:"energy_sensor,omitempty"`
}

type SiteConfig struct {
	Latitude    float64      `yaml:"latitude" json:"latitude"`
	Longitude   float64      `yaml:"longitude" json:"longitude"`
	Elevation   float64      `yaml:"elevation" json:"elevation"`
	Timezone    string       `yaml:"timezone" json:"timezone"`
	PanelGroups []PanelGroup `yaml:"panel_groups" json:"panel_groups"`
}

// Location resolves the site's IANA timezone.
func (s SiteConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

func (s SiteConfig) TotalKWp() float64 {
	var total float64
	for _, g := range s.PanelGroups {
		total += g.PowerKWp
	}
	return total
}

func (s SiteConfig) GroupNames() []string {
	names := make([]string, len(s.PanelGroups))
	for i, g := range s.PanelGroups {
		names[i] = g.Name
	}
	return names
}

func (s SiteConfig) HasGroup(name string) bool {
	for _, g := range s.PanelGroups {
		if g.Name == name {
			return true
		}
	}
	return false
}

// SunTimes holds the daily solar events for one local date.
type SunTimes struct {
	Sunrise         time.Time
	SolarNoon       time.Time
	Sunset          time.Time
	DaylightHours   float64
	ProductionStart time.Time
	ProductionEnd   time.Time
}

// GroupIrradiance is the per panel group part of an hour's astronomy.
type GroupIrradiance struct {
	Group          string  `json:"group"`
	AOIDeg         float64 `json:"aoi_deg"`
	POAWm2         float64 `json:"poa_wm2"`
	TheoreticalKWh float64 `json:"theoretical_kwh"`
}

type HourlyAstronomy struct {
	Date              time.Time // local midnight
	Hour              int
	ElevationDeg      float64
	AzimuthDeg        float64
	ClearSkyGHI       float64
	TheoreticalMaxKWh float64
	Groups            []GroupIrradiance
	Sun               SunTimes
}

// Group returns the irradiance entry for the named panel group.
func (a HourlyAstronomy) Group(name string) (GroupIrradiance, bool) {
	for _, g := range a.Groups {
		if g.Group == name {
			return g, true
		}
	}
	return GroupIrradiance{}, false
}

// DayAstronomy is one local day of hourly astronomy, always 24 entries.
type DayAstronomy struct {
	Date       time.Time
	Sun        SunTimes
	Hours      []HourlyAstronomy
	ComputedAt time.Time
}

func (d DayAstronomy) Hour(h int) (HourlyAstronomy, bool) {
	if h < 0 || h >= len(d.Hours) {
		return HourlyAstronomy{}, false
	}
	return d.Hours[h], true
}

const (
	WeatherForecast = "forecast"
	WeatherObserved = "observed"
)

// WeatherHour is one hour of weather input, either forecast or observed.
type WeatherHour struct {
	Date           time.Time
	Hour           int
	Kind           string // WeatherForecast or WeatherObserved
	Source         string
	FetchedAt      time.Time
	TempC          sql.NullFloat64
	HumidityPct    sql.NullFloat64
	CloudCoverPct  sql.NullFloat64
	PrecipMM       sql.NullFloat64
	WindSpeedMS    sql.NullFloat64
	SolarRadiation sql.NullFloat64
	QCFlags        int
}

// HourlyPrediction is one forecast hour. CycleVersion increments on every
// write and is used to reject stale overwrites.
type HourlyPrediction struct {
	ID                  int64
	Date                time.Time
	Hour                int
	PhysicsKWh          float64
	LearnedKWh          sql.NullFloat64
	BlendedKWh          float64
	ActualKWh           sql.NullFloat64
	Confidence          float64
	PhysicsWeight       float64
	LearnedWeight       float64
	CorrectionFactor    float64
	TheoreticalMaxKWh   float64
	ForecastCloudCover  sql.NullFloat64
	GroupKWh            map[string]float64
	ExcludeFromLearning bool
	Degraded            bool
	CycleVersion        int64
	GeneratedAt         time.Time
}

// SameContent reports whether two predictions carry the same forecast values,
// ignoring identity and version bookkeeping.
func (p HourlyPrediction) SameContent(o HourlyPrediction) bool {
	const eps = 1e-9
	near := func(a, b float64) bool { return a-b < eps && b-a < eps }
	nearNull := func(a, b sql.NullFloat64) bool {
		if a.Valid != b.Valid {
			return false
		}
		return !a.Valid || near(a.Float64, b.Float64)
	}
	if p.Hour != o.Hour || !p.Date.Equal(o.Date) {
		return false
	}
	if !near(p.PhysicsKWh, o.PhysicsKWh) || !nearNull(p.LearnedKWh, o.LearnedKWh) ||
		!near(p.BlendedKWh, o.BlendedKWh) || !near(p.Confidence, o.Confidence) ||
		!near(p.PhysicsWeight, o.PhysicsWeight) || !near(p.LearnedWeight, o.LearnedWeight) ||
		!near(p.CorrectionFactor, o.CorrectionFactor) || !near(p.TheoreticalMaxKWh, o.TheoreticalMaxKWh) ||
		!nearNull(p.ForecastCloudCover, o.ForecastCloudCover) || p.Degraded != o.Degraded {
		return false
	}
	if len(p.GroupKWh) != len(o.GroupKWh) {
		return false
	}
	for k, v := range p.GroupKWh {
		ov, ok := o.GroupKWh[k]
		if !ok || !near(v, ov) {
			return false
		}
	}
	return true
}

type ShadowType string

const (
	ShadowNone     ShadowType = "none"
	ShadowLight    ShadowType = "light"
	ShadowModerate ShadowType = "moderate"
	ShadowHeavy    ShadowType = "heavy"
	ShadowNight    ShadowType = "night"
)

// Anomalous reports whether the hour should be kept out of training.
func (t ShadowType) Anomalous() bool {
	return t == ShadowModerate || t == ShadowHeavy
}

type RootCause string

const (
	CauseWeatherClouds RootCause = "weather_clouds"
	CauseObstruction   RootCause = "obstruction"
	CauseLowSunAngle   RootCause = "low_sun_angle"
	CauseUnknown       RootCause = "unknown"
)

type ShadowDetectionResult struct {
	ID             int64
	PredictionID   int64
	Date           time.Time
	Hour           int
	ShadowType     ShadowType
	ShadowPercent  float64
	Confidence     float64
	RootCause      RootCause
	LossKWh        float64
	TheoryPercent  float64
	TheoryConf     float64
	FusionPercent  sql.NullFloat64
	FusionConf     sql.NullFloat64
	ActualKWh      float64
	TheoreticalKWh float64
	DetectedAt     time.Time
}

// ModelState is the persisted forecaster. Weights is an opaque JSON document
// owned by the ml package.
type ModelState struct {
	ActiveModel    string
	FeatureWidth   int
	Groups         int
	SampleCount    int
	LastTrainedAt  sql.NullTime
	LastGridSearch sql.NullTime
	Accuracy       float64
	RMSE           float64
	Weights        []byte
	UpdatedAt      time.Time
}

// CorrectionFactor is the smoothed actual/predicted multiplier.
type CorrectionFactor struct {
	Global        float64
	Hourly        [24]float64
	HourlySamples [24]int
	Samples       int
	UpdatedAt     time.Time
}

func NewCorrectionFactor() CorrectionFactor {
	cf := CorrectionFactor{Global: 1}
	for i := range cf.Hourly {
		cf.Hourly[i] = 1
	}
	return cf
}

type CycleState string

const (
	CycleUnscheduled       CycleState = "UNSCHEDULED"
	CycleMorningGenerated  CycleState = "MORNING_FORECAST_GENERATED"
	CycleMiddayReevaluated CycleState = "MIDDAY_REEVALUATED"
	CycleFinalized         CycleState = "END_OF_DAY_FINALIZED"
)

// ForecastCycle tracks a day's progress through the forecast state machine.
type ForecastCycle struct {
	Date              time.Time
	State             CycleState
	MorningAt         sql.NullTime
	MiddayAt          sql.NullTime
	FinalizedAt       sql.NullTime
	OriginalTotalKWh  sql.NullFloat64
	CorrectedTotalKWh sql.NullFloat64
	CorrectionReason  sql.NullString
}

type DailySummary struct {
	Date             time.Time
	PredictedKWh     float64
	ActualKWh        float64
	MAE              float64
	RMSE             float64
	AccuracyPct      float64
	ShadowHours      int
	HeavyShadowHours int
	ExcludedHours    int
	CorrectionAfter  float64
	MiddayCorrected  bool
	ModelAccuracy    float64
	ProductionHours  int
	CreatedAt        time.Time
}

// ProductionActual is an observed hourly energy reading pushed by the host.
type ProductionActual struct {
	Date     time.Time
	Hour     int
	Group    string // empty for the site total
	KWh      float64
	Recorded time.Time
}
