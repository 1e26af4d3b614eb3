package astronomy

import (
	"math"
	"time"
)

const (
	// HorizonDeg is the elevation of the upper limb at sunrise/sunset
	// including standard refraction.
	HorizonDeg = -0.833

	solarConstant = 1367.0
	j2000         = 2451545.0
)

// Position is the sun's apparent position for an observer.
type Position struct {
	ElevationDeg float64
	AzimuthDeg   float64 // clockwise from north
	HourAngleDeg float64
}

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// normalize wraps an angle into [0,360).
func normalize(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	return a
}

// JulianDay converts an instant to a Julian day number.
func JulianDay(t time.Time) float64 {
	u := t.UTC()
	y, m := u.Year(), int(u.Month())
	d := float64(u.Day())
	h := float64(u.Hour()) + float64(u.Minute())/60 + (float64(u.Second())+float64(u.Nanosecond())/1e9)/3600
	if m <= 2 {
		y--
		m += 12
	}
	a := math.Floor(float64(y) / 100)
	b := 2 - a + math.Floor(a/4)
	return math.Floor(365.25*float64(y+4716)) + math.Floor(30.6001*float64(m+1)) + d + b - 1524.5 + h/24
}

// SunPosition computes elevation and azimuth with the low-precision solar
// coordinates (about 0.01° over 1950-2050).
func SunPosition(t time.Time, latDeg, lonDeg float64) Position {
	jd := JulianDay(t)
	T := (jd - j2000) / 36525

	l0 := normalize(280.46646 + 36000.76983*T + 0.0003032*T*T)
	m := rad(normalize(357.52911 + 35999.05029*T - 0.0001537*T*T))
	c := (1.914602-0.004817*T-0.000014*T*T)*math.Sin(m) +
		(0.019993-0.000101*T)*math.Sin(2*m) +
		0.000289*math.Sin(3*m)
	lambda := rad(normalize(l0 + c))
	eps := rad(23.439291 - 0.0130042*T)

	alpha := deg(math.Atan2(math.Cos(eps)*math.Sin(lambda), math.Cos(lambda)))
	delta := math.Asin(math.Sin(eps) * math.Sin(lambda))

	gmst := normalize(280.46061837 + 360.98564736629*(jd-j2000))
	ha := normalize(normalize(gmst+lonDeg) - alpha)
	if ha > 180 {
		ha -= 360
	}

	phi := rad(latDeg)
	sinEl := math.Sin(phi)*math.Sin(delta) + math.Cos(phi)*math.Cos(delta)*math.Cos(rad(ha))
	el := deg(math.Asin(clamp(sinEl, -1, 1)))

	az := 180.0
	den := math.Cos(phi) * math.Cos(rad(el))
	if math.Abs(den) > 1e-9 {
		cosAz := (math.Sin(delta) - math.Sin(phi)*sinEl) / den
		az = deg(math.Acos(clamp(cosAz, -1, 1)))
		if ha > 0 {
			az = 360 - az
		}
	}

	return Position{ElevationDeg: el, AzimuthDeg: az, HourAngleDeg: ha}
}

// AirMass returns the relative optical air mass for a sun elevation
// (Kasten-Young), or +Inf at or below the horizon.
func AirMass(elevationDeg float64) float64 {
	if elevationDeg <= 0 {
		return math.Inf(1)
	}
	return 1 / (math.Sin(rad(elevationDeg)) + 0.50572*math.Pow(elevationDeg+6.07995, -1.6364))
}

// ClearSkyGHI estimates global horizontal irradiance (W/m²) under a clear
// sky. siteElevationM reduces the air mass by the station pressure ratio.
func ClearSkyGHI(elevationDeg float64, dayOfYear int, siteElevationM float64) float64 {
	if elevationDeg <= 0 {
		return 0
	}
	am := AirMass(elevationDeg) * math.Exp(-siteElevationM/8434.5)
	extra := solarConstant * (1 + 0.033*math.Cos(2*math.Pi*float64(dayOfYear)/365))
	ghi := extra * math.Sin(rad(elevationDeg)) * math.Pow(0.7, math.Pow(am, 0.678))
	if math.IsNaN(ghi) || ghi < 0 {
		return 0
	}
	return ghi
}

// AngleOfIncidence is the angle (degrees) between the sun's rays and the
// normal of a panel with the given tilt and azimuth.
func AngleOfIncidence(elevationDeg, sunAzimuthDeg, tiltDeg, panelAzimuthDeg float64) float64 {
	zenith := rad(90 - elevationDeg)
	tilt := rad(tiltDeg)
	cosAOI := math.Cos(zenith)*math.Cos(tilt) +
		math.Sin(zenith)*math.Sin(tilt)*math.Cos(rad(sunAzimuthDeg-panelAzimuthDeg))
	return deg(math.Acos(clamp(cosAOI, -1, 1)))
}

// PlaneOfArray splits GHI into beam, sky-diffuse and ground-reflected parts
// and projects them onto a tilted surface.
func PlaneOfArray(ghi, elevationDeg, aoiDeg, tiltDeg, albedo float64) float64 {
	if ghi <= 0 || elevationDeg <= 0 {
		return 0
	}
	sinEl := math.Max(0.01, math.Sin(rad(elevationDeg)))
	dni := math.Min(ghi/sinEl*0.85, 1000)
	dhi := 0.15 * ghi

	var beam float64
	if aoiDeg < 90 {
		beam = dni * math.Cos(rad(aoiDeg))
	}
	cosTilt := math.Cos(rad(tiltDeg))
	diffuse := dhi * (1 + cosTilt) / 2
	ground := ghi * albedo * (1 - cosTilt) / 2

	return math.Max(0, beam+diffuse+ground)
}

// TheoreticalKWh is one hour of output for a group under poa W/m².
func TheoreticalKWh(powerKWp, poa, efficiency float64) float64 {
	if powerKWp <= 0 || poa <= 0 {
		return 0
	}
	return powerKWp * poa / 1000 * efficiency
}
