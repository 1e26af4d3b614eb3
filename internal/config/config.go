package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lox/pvcast/internal/models"
)

// ErrInvalidConfig marks configuration that cannot be computed around.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Site      models.SiteConfig `yaml:"site"`
	Astronomy AstronomyConfig   `yaml:"astronomy"`
	Forecast  ForecastConfig    `yaml:"forecast"`
	Shadow    ShadowConfig      `yaml:"shadow"`
	Model     ModelConfig       `yaml:"model"`
	Weather   WeatherConfig     `yaml:"weather"`
}

type AstronomyConfig struct {
	Efficiency       float64 `yaml:"efficiency"`
	Albedo           float64 `yaml:"albedo"`
	RebuildDaysBack  int     `yaml:"rebuild_days_back"`
	RebuildDaysAhead int     `yaml:"rebuild_days_ahead"`
	RetentionDays    int     `yaml:"retention_days"`
	WindowMinutes    int     `yaml:"production_window_minutes"`
}

type ForecastConfig struct {
	MorningTime      string  `yaml:"morning_time"`
	MiddayTime       string  `yaml:"midday_time"`
	FinalizeTime     string  `yaml:"finalize_time"`
	RebuildTime      string  `yaml:"rebuild_time"`
	HorizonDays      int     `yaml:"horizon_days"`
	BlendMinAccuracy float64 `yaml:"blend_min_accuracy"`
	BlendMaxAccuracy float64 `yaml:"blend_max_accuracy"`
	BlendMaxWeight   float64 `yaml:"blend_max_weight"`

	Adaptive   AdaptiveConfig   `yaml:"adaptive"`
	Correction CorrectionConfig `yaml:"correction"`
}

// AdaptiveConfig tunes the midday re-evaluation.
type AdaptiveConfig struct {
	Enabled              bool    `yaml:"enabled"`
	MinDeviationKWh      float64 `yaml:"min_deviation_kwh"`
	MinDeviationFraction float64 `yaml:"min_deviation_fraction"`
	MinRemainingHours    float64 `yaml:"min_remaining_hours"`
	CloudErrorPP         float64 `yaml:"cloud_error_pp"`
	Alpha                float64 `yaml:"alpha"`
	MinScale             float64 `yaml:"min_scale"`
	MaxScale             float64 `yaml:"max_scale"`
}

type CorrectionConfig struct {
	WindowDays       int     `yaml:"window_days"`
	MinFactor        float64 `yaml:"min_factor"`
	MaxFactor        float64 `yaml:"max_factor"`
	MinRatio         float64 `yaml:"min_ratio"`
	MaxRatio         float64 `yaml:"max_ratio"`
	MinPredictedKWh  float64 `yaml:"min_predicted_kwh"`
	MinBucketSamples int     `yaml:"min_bucket_samples"`
}

type ShadowConfig struct {
	NoiseFloorKWh           float64 `yaml:"noise_floor_kwh"`
	WinterMode              bool    `yaml:"winter_mode"`
	WinterMonths            []int   `yaml:"winter_months"`
	WinterLowSunDeg         float64 `yaml:"winter_low_sun_deg"`
	LowSunDeg               float64 `yaml:"low_sun_deg"`
	CloudPenalty            float64 `yaml:"cloud_penalty"`
	ObstructionMaxCloud     float64 `yaml:"obstruction_max_cloud"`
	ObstructionMinElevation float64 `yaml:"obstruction_min_elevation"`
	LightPct                float64 `yaml:"light_pct"`
	ModeratePct             float64 `yaml:"moderate_pct"`
	HeavyPct                float64 `yaml:"heavy_pct"`
}

type ModelConfig struct {
	MinSamples             int           `yaml:"min_samples"`
	SequenceLength         int           `yaml:"sequence_length"`
	HiddenSize             int           `yaml:"hidden_size"`
	LearningRate           float64       `yaml:"learning_rate"`
	Epochs                 int           `yaml:"epochs"`
	Patience               int           `yaml:"patience"`
	Attention              bool          `yaml:"attention"`
	Seed                   uint64        `yaml:"seed"`
	RidgeLambda            float64       `yaml:"ridge_lambda"`
	TrainTimeout           time.Duration `yaml:"train_timeout"`
	HistoryDays            int           `yaml:"history_days"`
	GridSearchEnabled      bool          `yaml:"grid_search_enabled"`
	GridSearchIntervalDays int           `yaml:"grid_search_interval_days"`
}

type WeatherConfig struct {
	BaseURL            string        `yaml:"base_url"`
	RefreshCron        string        `yaml:"refresh_cron"`
	MinRequestInterval time.Duration `yaml:"min_request_interval"`
	Timeout            time.Duration `yaml:"timeout"`
}

// Default returns the configuration used for any key the file leaves out.
func Default() Config {
	return Config{
		Astronomy: AstronomyConfig{
			Efficiency:       0.95,
			Albedo:           0.2,
			RebuildDaysBack:  30,
			RebuildDaysAhead: 7,
			RetentionDays:    400,
			WindowMinutes:    30,
		},
		Forecast: ForecastConfig{
			MorningTime:      "06:00",
			MiddayTime:       "12:30",
			FinalizeTime:     "23:30",
			RebuildTime:      "03:15",
			HorizonDays:      3,
			BlendMinAccuracy: 0.30,
			BlendMaxAccuracy: 0.90,
			BlendMaxWeight:   0.8,
			Adaptive: AdaptiveConfig{
				Enabled:              true,
				MinDeviationKWh:      0.10,
				MinDeviationFraction: 0.10,
				MinRemainingHours:    4,
				CloudErrorPP:         25,
				Alpha:                0.7,
				MinScale:             0.5,
				MaxScale:             1.5,
			},
			Correction: CorrectionConfig{
				WindowDays:       7,
				MinFactor:        0.5,
				MaxFactor:        1.5,
				MinRatio:         0.2,
				MaxRatio:         3.0,
				MinPredictedKWh:  0.05,
				MinBucketSamples: 5,
			},
		},
		Shadow: ShadowConfig{
			NoiseFloorKWh:           0.01,
			WinterMode:              true,
			WinterMonths:            []int{11, 12, 1, 2},
			WinterLowSunDeg:         25,
			LowSunDeg:               10,
			CloudPenalty:            1.25,
			ObstructionMaxCloud:     30,
			ObstructionMinElevation: 10,
			LightPct:                15,
			ModeratePct:             40,
			HeavyPct:                70,
		},
		Model: ModelConfig{
			MinSamples:             50,
			SequenceLength:         3,
			HiddenSize:             16,
			LearningRate:           0.01,
			Epochs:                 80,
			Patience:               8,
			Attention:              true,
			Seed:                   42,
			RidgeLambda:            1.0,
			TrainTimeout:           10 * time.Minute,
			HistoryDays:            120,
			GridSearchEnabled:      true,
			GridSearchIntervalDays: 14,
		},
		Weather: WeatherConfig{
			BaseURL:            "https://api.open-meteo.com/v1/forecast",
			RefreshCron:        "5 */3 * * *",
			MinRequestInterval: 2 * time.Second,
			Timeout:            30 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the site and tuning values.
func (c *Config) Validate() error {
	if err := ValidateSite(c.Site); err != nil {
		return err
	}
	if c.Astronomy.Efficiency <= 0 || c.Astronomy.Efficiency > 1 {
		return invalid("astronomy.efficiency %.3f must be in (0,1]", c.Astronomy.Efficiency)
	}
	if c.Astronomy.Albedo < 0 || c.Astronomy.Albedo > 1 {
		return invalid("astronomy.albedo %.3f must be in [0,1]", c.Astronomy.Albedo)
	}
	if c.Astronomy.RebuildDaysBack < 0 || c.Astronomy.RebuildDaysAhead < 0 {
		return invalid("astronomy rebuild range must not be negative")
	}
	for name, v := range map[string]string{
		"forecast.morning_time":  c.Forecast.MorningTime,
		"forecast.midday_time":   c.Forecast.MiddayTime,
		"forecast.finalize_time": c.Forecast.FinalizeTime,
		"forecast.rebuild_time":  c.Forecast.RebuildTime,
	} {
		if _, _, err := ParseTimeOfDay(v); err != nil {
			return invalid("%s: %v", name, err)
		}
	}
	if c.Forecast.HorizonDays < 1 || c.Forecast.HorizonDays > 3 {
		return invalid("forecast.horizon_days %d must be 1..3", c.Forecast.HorizonDays)
	}
	if c.Forecast.BlendMinAccuracy >= c.Forecast.BlendMaxAccuracy {
		return invalid("forecast.blend_min_accuracy must be below blend_max_accuracy")
	}
	if c.Forecast.BlendMaxWeight < 0 || c.Forecast.BlendMaxWeight > 1 {
		return invalid("forecast.blend_max_weight %.2f must be in [0,1]", c.Forecast.BlendMaxWeight)
	}
	cc := c.Forecast.Correction
	if cc.MinFactor <= 0 || cc.MinFactor >= cc.MaxFactor {
		return invalid("forecast.correction factor bounds %.2f..%.2f", cc.MinFactor, cc.MaxFactor)
	}
	if cc.WindowDays < 1 {
		return invalid("forecast.correction.window_days must be positive")
	}
	sc := c.Shadow
	if !(sc.LightPct < sc.ModeratePct && sc.ModeratePct < sc.HeavyPct && sc.HeavyPct <= 100) {
		return invalid("shadow thresholds must be increasing and at most 100")
	}
	for _, m := range sc.WinterMonths {
		if m < 1 || m > 12 {
			return invalid("shadow.winter_months contains %d", m)
		}
	}
	if c.Model.MinSamples < 1 || c.Model.SequenceLength < 1 || c.Model.HiddenSize < 1 {
		return invalid("model sizes must be positive")
	}
	if c.Model.LearningRate <= 0 {
		return invalid("model.learning_rate must be positive")
	}
	return nil
}

// ValidateSite checks coordinates, timezone and panel groups.
func ValidateSite(s models.SiteConfig) error {
	if s.Latitude < -90 || s.Latitude > 90 {
		return invalid("site.latitude %.4f out of range", s.Latitude)
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return invalid("site.longitude %.4f out of range", s.Longitude)
	}
	if s.Timezone == "" {
		return invalid("site.timezone is required")
	}
	if _, err := s.Location(); err != nil {
		return invalid("site.timezone: %v", err)
	}
	if len(s.PanelGroups) == 0 {
		return invalid("site.panel_groups needs at least one group")
	}
	seen := make(map[string]bool)
	for i, g := range s.PanelGroups {
		if g.Name == "" {
			return invalid("panel group %d has no name", i)
		}
		if seen[g.Name] {
			return invalid("panel group %q is defined twice", g.Name)
		}
		seen[g.Name] = true
		if g.PowerKWp <= 0 {
			return invalid("panel group %q: power_kwp must be > 0", g.Name)
		}
		if g.AzimuthDeg < 0 || g.AzimuthDeg > 360 {
			return invalid("panel group %q: azimuth %.1f must be in [0,360]", g.Name, g.AzimuthDeg)
		}
		if g.TiltDeg < 0 || g.TiltDeg > 90 {
			return invalid("panel group %q: tilt %.1f must be in [0,90]", g.Name, g.TiltDeg)
		}
	}
	return nil
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("time %q has invalid hour", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q has invalid minute", s)
	}
	return hour, minute, nil
}

// CronSpec converts "HH:MM" into a daily cron expression.
func CronSpec(timeOfDay string) (string, error) {
	h, m, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

// IsWinterMonth reports whether m is one of the configured winter months.
func (s ShadowConfig) IsWinterMonth(m time.Month) bool {
	for _, w := range s.WinterMonths {
		if time.Month(w) == m {
			return true
		}
	}
	return false
}
