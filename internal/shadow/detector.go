// Package shadow classifies hourly production deficits against the
// theoretical maximum and attributes them to a root cause.
package shadow

import (
	"database/sql"
	"math"
	"time"

	"github.com/lox/pvcast/internal/config"
	"github.com/lox/pvcast/internal/models"
)

const (
	cloudSignalConf     = 0.7
	radiationSignalConf = 0.8
	theoryConfBase      = 0.6
	theoryConfSpan      = 0.3
	theoryConfFullKWh   = 0.5
)

// Input is everything the detector needs for one hour.
type Input struct {
	PredictionID   int64
	Date           time.Time
	Hour           int
	ActualKWh      float64
	TheoreticalKWh float64
	ElevationDeg   float64
	ClearSkyGHI    float64
	CloudCoverPct  sql.NullFloat64
	SolarRadiation sql.NullFloat64
}

type Detector struct {
	cfg config.ShadowConfig
}

func New(cfg config.ShadowConfig) *Detector {
	return &Detector{cfg: cfg}
}

type estimate struct {
	pct  float64
	conf float64
}

// Detect never fails: hours without meaningful theoretical output come back
// as night.
func (d *Detector) Detect(in Input) models.ShadowDetectionResult {
	res := models.ShadowDetectionResult{
		PredictionID:   in.PredictionID,
		Date:           in.Date,
		Hour:           in.Hour,
		ActualKWh:      in.ActualKWh,
		TheoreticalKWh: in.TheoreticalKWh,
		RootCause:      models.CauseUnknown,
	}

	if in.TheoreticalKWh <= d.cfg.NoiseFloorKWh || math.IsNaN(in.TheoreticalKWh) {
		res.ShadowType = models.ShadowNight
		res.Confidence = 1
		return res
	}

	theory := d.theoryRatio(in)
	res.TheoryPercent = theory.pct
	res.TheoryConf = theory.conf
	res.LossKWh = math.Max(0, in.TheoreticalKWh-in.ActualKWh)

	final := theory
	if in.ActualKWh > 0 && in.ActualKWh < in.TheoreticalKWh {
		fusion := d.sensorFusion(in, theory)
		res.FusionPercent = sql.NullFloat64{Float64: fusion.pct, Valid: true}
		res.FusionConf = sql.NullFloat64{Float64: fusion.conf, Valid: true}
		final = fuse(theory, fusion)
	}

	res.ShadowPercent = clamp(final.pct, 0, 100)
	res.Confidence = clamp(final.conf, 0, 1)
	res.ShadowType = d.Classify(res.ShadowPercent)
	if res.ShadowType != models.ShadowNone {
		res.RootCause = d.rootCause(in, res.ShadowPercent)
	}
	return res
}

// Classify buckets a shadow percentage by the configured thresholds.
func (d *Detector) Classify(pct float64) models.ShadowType {
	switch {
	case pct < d.cfg.LightPct:
		return models.ShadowNone
	case pct < d.cfg.ModeratePct:
		return models.ShadowLight
	case pct < d.cfg.HeavyPct:
		return models.ShadowModerate
	default:
		return models.ShadowHeavy
	}
}

func (d *Detector) theoryRatio(in Input) estimate {
	conf := theoryConfBase + theoryConfSpan*math.Min(1, in.TheoreticalKWh/theoryConfFullKWh)
	switch {
	case in.ActualKWh >= in.TheoreticalKWh:
		return estimate{pct: 0, conf: conf}
	case in.ActualKWh <= 0:
		return estimate{pct: 100, conf: conf}
	}
	return estimate{pct: clamp(100*(1-in.ActualKWh/in.TheoreticalKWh), 0, 100), conf: conf}
}

func (d *Detector) sensorFusion(in Input, theory estimate) estimate {
	signals := []estimate{theory}
	if in.CloudCoverPct.Valid {
		signals = append(signals, estimate{pct: d.cloudLoss(in), conf: cloudSignalConf})
	}
	if in.SolarRadiation.Valid && in.ClearSkyGHI > 0 {
		pct := 100 * (1 - in.SolarRadiation.Float64/in.ClearSkyGHI)
		signals = append(signals, estimate{pct: clamp(pct, 0, 100), conf: radiationSignalConf})
	}

	var sum, weights, confSum float64
	for _, s := range signals {
		sum += s.pct * s.conf
		weights += s.conf
		confSum += s.conf
	}
	return estimate{pct: sum / weights, conf: confSum / float64(len(signals))}
}

func fuse(a, b estimate) estimate {
	w := a.conf + b.conf
	if w <= 0 {
		return a
	}
	return estimate{pct: (a.pct*a.conf + b.pct*b.conf) / w, conf: w / 2}
}

func (d *Detector) winter(date time.Time) bool {
	return d.cfg.WinterMode && d.cfg.IsWinterMonth(date.Month())
}

// cloudLoss is the deficit the reported cloud cover alone would explain.
func (d *Detector) cloudLoss(in Input) float64 {
	cc := in.CloudCoverPct.Float64
	if d.winter(in.Date) {
		cc *= d.cfg.CloudPenalty
	}
	return clamp(cc, 0, 100)
}

func (d *Detector) rootCause(in Input, pct float64) models.RootCause {
	lowSun := d.cfg.LowSunDeg
	if d.winter(in.Date) {
		lowSun = d.cfg.WinterLowSunDeg
	}
	if in.ElevationDeg < lowSun {
		return models.CauseLowSunAngle
	}
	if in.CloudCoverPct.Valid {
		if d.cloudLoss(in) >= pct/2 {
			return models.CauseWeatherClouds
		}
		if in.CloudCoverPct.Float64 < d.cfg.ObstructionMaxCloud && in.ElevationDeg >= d.cfg.ObstructionMinElevation {
			return models.CauseObstruction
		}
	}
	return models.CauseUnknown
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
