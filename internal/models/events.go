package models

const (
	EventForecastUpdated   = "forecast_updated"
	EventCorrectionApplied = "adaptive_correction_applied"
	EventShadowDetected    = "shadow_detected"
)

// HourlyValue is the per-hour part of a forecast_updated event.
type HourlyValue struct {
	Hour       int     `json:"hour"`
	KWh        float64 `json:"kwh"`
	Confidence float64 `json:"confidence"`
}

type ForecastUpdated struct {
	Date          string        `json:"date"`
	Phase         string        `json:"phase"`
	Hourly        []HourlyValue `json:"hourly"`
	DailyTotalKWh float64       `json:"daily_total_kwh"`
}

type CorrectionApplied struct {
	Date           string  `json:"date"`
	OriginalKWh    float64 `json:"original_kwh"`
	CorrectedKWh   float64 `json:"corrected_kwh"`
	Reason         string  `json:"reason"`
	HoursCorrected int     `json:"hours_corrected"`
}

type ShadowDetected struct {
	Date          string     `json:"date"`
	Hour          int        `json:"hour"`
	ShadowType    ShadowType `json:"shadow_type"`
	RootCause     RootCause  `json:"root_cause"`
	ShadowPercent float64    `json:"shadow_percent"`
	LossKWh       float64    `json:"loss_kwh"`
}
