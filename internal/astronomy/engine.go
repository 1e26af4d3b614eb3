package astronomy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jinzhu/now"

	"github.com/lox/pvcast/internal/models"
)

// ErrUnavailable is returned when the sun geometry for a day cannot be
// resolved, e.g. polar night or a malformed site. Callers retry on the next
// rebuild.
var ErrUnavailable = errors.New("astronomy unavailable")

const (
	searchStep = 5 * time.Minute
	refineStep = time.Minute
)

type Options struct {
	Efficiency       float64
	Albedo           float64
	ProductionWindow time.Duration
}

func DefaultOptions() Options {
	return Options{Efficiency: 0.95, Albedo: 0.2, ProductionWindow: 30 * time.Minute}
}

// Engine computes sun geometry, irradiance and theoretical output for a
// site. It is stateless and safe for concurrent use.
type Engine struct {
	site models.SiteConfig
	loc  *time.Location
	opts Options
}

func NewEngine(site models.SiteConfig, opts Options) (*Engine, error) {
	loc, err := site.Location()
	if err != nil {
		return nil, err
	}
	if opts.Efficiency <= 0 {
		opts.Efficiency = 0.95
	}
	return &Engine{site: site, loc: loc, opts: opts}, nil
}

func (e *Engine) Site() models.SiteConfig { return e.site }

func (e *Engine) Location() *time.Location { return e.loc }

// DayStart returns local midnight of the day containing t.
func (e *Engine) DayStart(t time.Time) time.Time {
	return now.With(t.In(e.loc)).BeginningOfDay()
}

func (e *Engine) Position(t time.Time) Position {
	return SunPosition(t, e.site.Latitude, e.site.Longitude)
}

// SunTimes finds solar noon as the elevation maximum of the local day and
// sunrise/sunset as the elevation crossings of HorizonDeg.
func (e *Engine) SunTimes(date time.Time) (models.SunTimes, error) {
	start := e.DayStart(date)
	end := start.AddDate(0, 0, 1)

	noon, noonEl, ok := e.findNoon(start, end)
	if !ok {
		return models.SunTimes{}, fmt.Errorf("%w: no solar noon on %s", ErrUnavailable, start.Format(time.DateOnly))
	}
	if noonEl <= HorizonDeg {
		return models.SunTimes{}, fmt.Errorf("%w: sun stays below horizon on %s", ErrUnavailable, start.Format(time.DateOnly))
	}

	sunrise := start
	for t := start; t.Before(noon); t = t.Add(searchStep) {
		if e.Position(t).ElevationDeg > HorizonDeg {
			sunrise = t
			break
		}
	}
	sunset := end.Add(-time.Minute)
	for t := noon.Truncate(searchStep); t.Before(end); t = t.Add(searchStep) {
		if t.Before(noon) {
			continue
		}
		if e.Position(t).ElevationDeg < HorizonDeg {
			sunset = t
			break
		}
	}

	if !(sunrise.Before(noon) && noon.Before(sunset)) {
		return models.SunTimes{}, fmt.Errorf("%w: inconsistent sun times on %s", ErrUnavailable, start.Format(time.DateOnly))
	}

	return models.SunTimes{
		Sunrise:         sunrise,
		SolarNoon:       noon,
		Sunset:          sunset,
		DaylightHours:   sunset.Sub(sunrise).Hours(),
		ProductionStart: sunrise.Add(-e.opts.ProductionWindow),
		ProductionEnd:   sunset.Add(e.opts.ProductionWindow),
	}, nil
}

func (e *Engine) findNoon(start, end time.Time) (time.Time, float64, bool) {
	best := time.Time{}
	bestEl := math.Inf(-1)
	for t := start; t.Before(end); t = t.Add(searchStep) {
		el := e.Position(t).ElevationDeg
		if math.IsNaN(el) {
			return time.Time{}, 0, false
		}
		if el > bestEl {
			best, bestEl = t, el
		}
	}
	if best.IsZero() {
		return time.Time{}, 0, false
	}
	for t := best.Add(-searchStep); !t.After(best.Add(searchStep)); t = t.Add(refineStep) {
		if t.Before(start) || !t.Before(end) {
			continue
		}
		if el := e.Position(t).ElevationDeg; el > bestEl {
			best, bestEl = t, el
		}
	}
	return best, bestEl, true
}

// Hour computes the astronomy for one local hour, sampled at its midpoint.
func (e *Engine) Hour(date time.Time, hour int) (models.HourlyAstronomy, error) {
	sun, err := e.SunTimes(date)
	if err != nil {
		return models.HourlyAstronomy{}, err
	}
	return e.hour(e.DayStart(date), hour, sun), nil
}

func (e *Engine) hour(day time.Time, hour int, sun models.SunTimes) models.HourlyAstronomy {
	mid := time.Date(day.Year(), day.Month(), day.Day(), hour, 30, 0, 0, e.loc)
	pos := e.Position(mid)

	ha := models.HourlyAstronomy{
		Date:         day,
		Hour:         hour,
		ElevationDeg: pos.ElevationDeg,
		AzimuthDeg:   pos.AzimuthDeg,
		Groups:       make([]models.GroupIrradiance, 0, len(e.site.PanelGroups)),
		Sun:          sun,
	}

	inWindow := !mid.Before(sun.ProductionStart) && !mid.After(sun.ProductionEnd)
	if inWindow {
		ha.ClearSkyGHI = ClearSkyGHI(pos.ElevationDeg, mid.YearDay(), e.site.Elevation)
	}

	for _, g := range e.site.PanelGroups {
		aoi := AngleOfIncidence(pos.ElevationDeg, pos.AzimuthDeg, g.TiltDeg, g.AzimuthDeg)
		poa := PlaneOfArray(ha.ClearSkyGHI, pos.ElevationDeg, aoi, g.TiltDeg, e.opts.Albedo)
		kwh := TheoreticalKWh(g.PowerKWp, poa, e.opts.Efficiency)
		ha.Groups = append(ha.Groups, models.GroupIrradiance{
			Group:          g.Name,
			AOIDeg:         aoi,
			POAWm2:         poa,
			TheoreticalKWh: kwh,
		})
		ha.TheoreticalMaxKWh += kwh
	}
	return ha
}

// Day computes all 24 hours of a local date.
func (e *Engine) Day(date time.Time) (models.DayAstronomy, error) {
	day := e.DayStart(date)
	sun, err := e.SunTimes(day)
	if err != nil {
		return models.DayAstronomy{}, err
	}
	out := models.DayAstronomy{
		Date:  day,
		Sun:   sun,
		Hours: make([]models.HourlyAstronomy, 24),
	}
	for h := 0; h < 24; h++ {
		out.Hours[h] = e.hour(day, h, sun)
	}
	return out, nil
}
