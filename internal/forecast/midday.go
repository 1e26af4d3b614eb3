package forecast

import (
	"fmt"
	"math"
	"time"

	"github.com/lox/pvcast/internal/config"
	"github.com/lox/pvcast/internal/models"
)

// MiddayDecision is the outcome of comparing the morning's forecast with what
// was actually produced so far.
type MiddayDecision struct {
	Trigger           bool    `json:"trigger"`
	Reason            string  `json:"reason"`
	ElapsedHours      int     `json:"elapsed_hours"`
	PredictedKWh      float64 `json:"predicted_kwh"`
	ActualKWh         float64 `json:"actual_kwh"`
	Deviation         float64 `json:"deviation_kwh"`
	DeviationFraction float64 `json:"deviation_fraction"`
	CloudErrorPP      float64 `json:"cloud_error_pp"`
	RemainingHours    float64 `json:"remaining_hours"`
	Ratio             float64 `json:"ratio"`
	Scale             float64 `json:"scale"`
}

// EvaluateMidday decides whether the rest of the day needs recomputing.
// Hours count as elapsed once they have ended. The cloud error is the mean
// absolute difference between the forecast cloud cover recorded on each
// elapsed daylight hour and the observed cover.
func EvaluateMidday(cfg config.AdaptiveConfig, now time.Time, sun models.SunTimes, preds []models.HourlyPrediction, observed map[int]models.WeatherHour) MiddayDecision {
	d := MiddayDecision{Ratio: 1, Scale: 1}
	d.RemainingHours = math.Max(0, sun.Sunset.Sub(now).Hours())

	var cloudErr float64
	var cloudN int
	for _, p := range preds {
		end := hourStart(p.Date, p.Hour).Add(time.Hour)
		if end.After(now) {
			continue
		}
		d.ElapsedHours++
		d.PredictedKWh += p.BlendedKWh
		if p.ActualKWh.Valid {
			d.ActualKWh += p.ActualKWh.Float64
		}
		if w, ok := observed[p.Hour]; ok && w.CloudCoverPct.Valid && p.ForecastCloudCover.Valid && p.TheoreticalMaxKWh > 0 {
			cloudErr += math.Abs(p.ForecastCloudCover.Float64 - w.CloudCoverPct.Float64)
			cloudN++
		}
	}
	if cloudN > 0 {
		d.CloudErrorPP = cloudErr / float64(cloudN)
	}

	d.Deviation = math.Abs(d.ActualKWh - d.PredictedKWh)
	if d.PredictedKWh > 0 {
		d.DeviationFraction = d.Deviation / d.PredictedKWh
		d.Ratio = d.ActualKWh / d.PredictedKWh
	}
	d.Scale = capScale(1+cfg.Alpha*(d.Ratio-1), cfg.MinScale, cfg.MaxScale)

	production := d.Deviation > cfg.MinDeviationKWh && d.DeviationFraction > cfg.MinDeviationFraction
	clouds := d.CloudErrorPP > cfg.CloudErrorPP
	switch {
	case d.RemainingHours < cfg.MinRemainingHours:
		d.Reason = fmt.Sprintf("only %.1fh of daylight left", d.RemainingHours)
	case production:
		d.Trigger = true
		d.Reason = fmt.Sprintf("production %.2f kWh vs %.2f kWh forecast (%.0f%% off)", d.ActualKWh, d.PredictedKWh, d.DeviationFraction*100)
		if clouds {
			d.Reason += fmt.Sprintf(", cloud cover off by %.0fpp", d.CloudErrorPP)
		}
	case clouds:
		d.Trigger = true
		d.Reason = fmt.Sprintf("cloud cover off by %.0fpp", d.CloudErrorPP)
	default:
		d.Reason = fmt.Sprintf("deviation %.2f kWh (%.0f%%) within tolerance", d.Deviation, d.DeviationFraction*100)
	}
	return d
}

func capScale(v, lo, hi float64) float64 {
	if lo <= 0 && hi <= 0 {
		return v
	}
	return clampFloat(v, lo, hi)
}

// hourStart is the wall-clock start of hour h on the local date.
func hourStart(date time.Time, h int) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), h, 0, 0, 0, date.Location())
}
