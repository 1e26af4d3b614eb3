package forecast

import (
	"database/sql"
	"math"

	"github.com/lox/pvcast/internal/config"
	"github.com/lox/pvcast/internal/models"
)

const (
	minCloudFactor     = 0.35
	cloudDecay         = 0.008
	missingWeather     = 0.6
	physicsCap         = 1.2
	unknownTempFactor  = 0.9
	missingWeatherConf = 0.3
)

// horizonConfidence is the physics confidence for today, tomorrow and the
// day after.
var horizonConfidence = []float64{0.7, 0.6, 0.5}

// PhysicsResult is the weather-adjusted theoretical output for one hour.
type PhysicsResult struct {
	KWh        float64
	GroupKWh   map[string]float64
	Factor     float64
	Confidence float64
	Degraded   bool
}

type Physics struct {
	shadow config.ShadowConfig
}

func NewPhysics(shadow config.ShadowConfig) *Physics {
	return &Physics{shadow: shadow}
}

// CloudFactor maps cloud cover in percent to a production multiplier.
func CloudFactor(cloudPct float64, penalty float64) float64 {
	cc := math.Min(100, math.Max(0, cloudPct)*penalty)
	return math.Max(minCloudFactor, math.Exp(-cloudDecay*cc))
}

// TemperatureFactor models the efficiency loss of cold and hot modules.
func TemperatureFactor(temp sql.NullFloat64) float64 {
	if !temp.Valid || math.IsNaN(temp.Float64) {
		return unknownTempFactor
	}
	t := temp.Float64
	switch {
	case t < 0:
		return 0.85
	case t <= 25:
		return 0.85 + t/25*0.15
	default:
		return math.Max(0.7, 1-(t-25)*0.004)
	}
}

func PrecipitationFactor(mm sql.NullFloat64) float64 {
	if !mm.Valid || mm.Float64 <= 0 {
		return 1
	}
	return 1 - math.Min(0.3, 0.1*mm.Float64)
}

// Predict scales the hour's theoretical output by the weather factors. A
// missing weather record falls back to a fixed factor and marks the result
// degraded.
func (p *Physics) Predict(astro models.HourlyAstronomy, w *models.WeatherHour, daysAhead int) PhysicsResult {
	res := PhysicsResult{GroupKWh: make(map[string]float64, len(astro.Groups))}
	res.Confidence = horizonConfidence[min(max(daysAhead, 0), len(horizonConfidence)-1)]

	if w == nil || !w.CloudCoverPct.Valid {
		res.Factor = missingWeather
		res.Confidence = missingWeatherConf
		res.Degraded = true
	} else {
		penalty := 1.0
		if p.shadow.IsWinterMonth(astro.Date.Month()) {
			penalty = p.shadow.CloudPenalty
		}
		res.Factor = CloudFactor(w.CloudCoverPct.Float64, penalty) * TemperatureFactor(w.TempC) * PrecipitationFactor(w.PrecipMM)
	}

	res.KWh = math.Min(astro.TheoreticalMaxKWh*res.Factor, astro.TheoreticalMaxKWh*physicsCap)
	for _, g := range astro.Groups {
		res.GroupKWh[g.Group] = math.Min(g.TheoreticalKWh*res.Factor, g.TheoreticalKWh*physicsCap)
	}
	return res
}
