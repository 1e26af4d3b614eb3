package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WeatherAPICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvcast_weather_api_calls_total",
			Help: "Total weather provider API calls",
		},
		[]string{"provider", "status"},
	)

	WeatherAPILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pvcast_weather_api_latency_seconds",
			Help:    "Weather provider API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	WeatherHoursIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvcast_weather_hours_ingested_total",
			Help: "Total weather hours stored",
		},
		[]string{"kind"},
	)

	AstronomyDays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvcast_astronomy_days_total",
			Help: "Astronomy days computed by result",
		},
		[]string{"result"},
	)

	ForecastRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvcast_forecast_runs_total",
			Help: "Forecast cycle runs by phase and result",
		},
		[]string{"phase", "result"},
	)

	DegradedForecasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvcast_degraded_forecasts_total",
			Help: "Forecast hours produced in a degraded mode",
		},
		[]string{"reason"},
	)

	ShadowDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvcast_shadow_detections_total",
			Help: "Shadow detections by type and root cause",
		},
		[]string{"type", "cause"},
	)

	TrainingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvcast_training_runs_total",
			Help: "Forecaster training passes by model and result",
		},
		[]string{"model", "result"},
	)

	TrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pvcast_training_duration_seconds",
			Help:    "Forecaster training duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
		},
		[]string{"model"},
	)

	ModelAccuracy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pvcast_model_accuracy",
			Help: "Held-out R² of each forecaster strategy",
		},
		[]string{"model"},
	)

	CorrectionFactor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvcast_correction_factor",
			Help: "Current global correction factor",
		},
	)

	BlendWeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvcast_blend_learned_weight",
			Help: "Weight of the learned forecaster in the last blend",
		},
	)

	TaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pvcast_task_queue_depth",
			Help: "Pending tasks in the worker queue",
		},
	)

	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvcast_tasks_total",
			Help: "Worker tasks by name and result",
		},
		[]string{"task", "result"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvcast_events_published_total",
			Help: "Events published by type and sink",
		},
		[]string{"type", "sink"},
	)

	OperatorCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvcast_operator_commands_total",
			Help: "Operator commands by name and result",
		},
		[]string{"command", "result"},
	)

	ActualsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pvcast_actuals_received_total",
			Help: "Hourly production actuals accepted from the host",
		},
	)
)
