// Package features turns an hour of astronomy, weather and recent production
// into the fixed-width vector the forecasters consume.
package features

import (
	"errors"
	"math"
	"time"

	"github.com/lox/pvcast/internal/models"
)

// BaseWidth is the number of columns that do not depend on the panel groups.
const BaseWidth = 15

// defaultRatio stands in for the trailing actual/theoretical ratio before any
// production has been observed.
const defaultRatio = 0.7

// Neutral values used when an hour has no weather record.
const (
	defaultTempC    = 15.0
	defaultHumidity = 70.0
	defaultCloud    = 50.0
	defaultWind     = 3.0
)

// Width returns the vector width for a site with the given number of groups.
func Width(groups int) int { return BaseWidth + groups }

// Point is the raw input for one hour.
type Point struct {
	Time    time.Time // local start of the hour
	Astro   models.HourlyAstronomy
	Weather *models.WeatherHour
}

type Builder struct {
	groups []string
}

func NewBuilder(groups []string) *Builder {
	return &Builder{groups: append([]string(nil), groups...)}
}

func (b *Builder) Width() int { return Width(len(b.groups)) }

func (b *Builder) Groups() []string { return b.groups }

// Vector builds the feature vector for one hour.
func (b *Builder) Vector(p Point, hist *History) []float64 {
	v := make([]float64, 0, b.Width())

	hourAngle := 2 * math.Pi * (float64(p.Time.Hour()) + 0.5) / 24
	dayAngle := 2 * math.Pi * float64(p.Time.YearDay()-1) / 365.25
	v = append(v,
		math.Sin(hourAngle), math.Cos(hourAngle),
		math.Sin(dayAngle), math.Cos(dayAngle),
		math.Max(-1, math.Min(1, p.Astro.ElevationDeg/90)),
		p.Astro.ClearSkyGHI/1000,
		p.Astro.TheoreticalMaxKWh,
	)
	for _, name := range b.groups {
		g, _ := p.Astro.Group(name)
		v = append(v, g.TheoreticalKWh)
	}

	temp, hum, cc, wind, precip := defaultTempC, defaultHumidity, defaultCloud, defaultWind, 0.0
	if w := p.Weather; w != nil {
		temp = orDefault(w.TempC.Float64, w.TempC.Valid, temp)
		hum = orDefault(w.HumidityPct.Float64, w.HumidityPct.Valid, hum)
		cc = orDefault(w.CloudCoverPct.Float64, w.CloudCoverPct.Valid, cc)
		wind = orDefault(w.WindSpeedMS.Float64, w.WindSpeedMS.Valid, wind)
		precip = orDefault(w.PrecipMM.Float64, w.PrecipMM.Valid, precip)
	}
	v = append(v, temp/40, hum/100, cc/100, wind/20, precip/10)

	v = append(v,
		hist.RecentMean(p.Time, 3),
		hist.Actual(p.Time.Add(-24*time.Hour)),
		hist.Ratio(p.Time, 24),
	)
	return v
}

// Sequence builds vectors for points in order. The last point is the target
// hour; shorter inputs are left-padded by repeating the first vector.
func (b *Builder) Sequence(points []Point, hist *History, length int) ([][]float64, error) {
	if len(points) == 0 {
		return nil, errors.New("features: empty sequence")
	}
	if len(points) > length {
		points = points[len(points)-length:]
	}
	seq := make([][]float64, 0, length)
	for _, p := range points {
		seq = append(seq, b.Vector(p, hist))
	}
	for len(seq) < length {
		seq = append([][]float64{seq[0]}, seq...)
	}
	return seq, nil
}

func orDefault(v float64, ok bool, def float64) float64 {
	if !ok || math.IsNaN(v) {
		return def
	}
	return v
}
