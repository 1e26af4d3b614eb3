package ingest

import (
	"database/sql"

	"github.com/lox/pvcast/internal/models"
)

// Quality flags stored in WeatherHour.QCFlags. A flagged field is nulled.
const (
	FlagTempOutOfRange = 1 << iota
	FlagHumidityInvalid
	FlagCloudCoverInvalid
	FlagPrecipNegative
	FlagWindSpeedInvalid
	FlagSolarNegative
)

var flagNames = []struct {
	flag int
	name string
}{
	{FlagTempOutOfRange, "temp_out_of_range"},
	{FlagHumidityInvalid, "humidity_invalid"},
	{FlagCloudCoverInvalid, "cloud_cover_invalid"},
	{FlagPrecipNegative, "precip_negative"},
	{FlagWindSpeedInvalid, "wind_speed_invalid"},
	{FlagSolarNegative, "solar_negative"},
}

// ValidateWeatherHour range-checks w, nulls implausible fields and returns
// the flags it raised.
func ValidateWeatherHour(w *models.WeatherHour) int {
	var flags int
	check := func(v *sql.NullFloat64, ok func(float64) bool, flag int) {
		if v.Valid && !ok(v.Float64) {
			*v = sql.NullFloat64{}
			flags |= flag
		}
	}

	check(&w.TempC, func(v float64) bool { return v >= -50 && v <= 60 }, FlagTempOutOfRange)
	check(&w.HumidityPct, func(v float64) bool { return v >= 0 && v <= 100 }, FlagHumidityInvalid)
	check(&w.CloudCoverPct, func(v float64) bool { return v >= 0 && v <= 100 }, FlagCloudCoverInvalid)
	check(&w.PrecipMM, func(v float64) bool { return v >= 0 }, FlagPrecipNegative)
	check(&w.WindSpeedMS, func(v float64) bool { return v >= 0 && v <= 100 }, FlagWindSpeedInvalid)
	check(&w.SolarRadiation, func(v float64) bool { return v >= 0 }, FlagSolarNegative)
	return flags
}

func FlagNames(flags int) []string {
	var names []string
	for _, f := range flagNames {
		if flags&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	return names
}
