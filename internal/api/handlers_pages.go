package api

import (
	"log"
	"net/http"
	"time"

	"github.com/lox/pvcast/internal/ingest"
	"github.com/lox/pvcast/internal/ml"
	"github.com/lox/pvcast/internal/models"
)

// weatherStaleAfter allows one missed three-hourly refresh.
const weatherStaleAfter = 7 * time.Hour

const recentIngestFailures = 5

type indexData struct {
	Forecast ForecastView
	Days     []DaySummaryView
	Model    ml.Status
	Jobs     []ingest.Entry
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	today := s.today()
	st := s.svc.Store()

	cycle, err := st.GetForecastCycle(today)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	preds, err := st.GetHourlyPredictions(today, today)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	days, err := s.daySummaries()
	if err != nil {
		log.Printf("api: day summaries: %v", err)
	}

	data := indexData{
		Forecast: newForecastView(today, cycle, preds),
		Days:     days,
		Model:    s.svc.Model().Status(),
		Jobs:     s.svc.Schedule(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		log.Printf("api: render index: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Store()
	now := s.now()
	health := HealthStatus{
		Status:         "ok",
		Uptime:         now.Sub(s.svc.Started()).Round(time.Second).String(),
		ModelReady:     s.svc.Model().Ready(),
		WebsocketPeers: s.svc.Hub().ClientCount(),
	}

	if err := st.Ping(); err != nil {
		health.Errors = append(health.Errors, "database: "+err.Error())
	}

	last, err := st.LatestWeatherFetch(models.WeatherForecast)
	if err != nil {
		health.Errors = append(health.Errors, "weather: "+err.Error())
	} else if last.IsZero() {
		health.WeatherStale = true
		health.WeatherAgeMin = -1
	} else {
		health.LastWeatherAt = last
		health.WeatherAgeMin = int(now.Sub(last).Minutes())
		health.WeatherStale = now.Sub(last) > weatherStaleAfter
	}

	if cycle, err := st.GetForecastCycle(s.today()); err != nil {
		health.Errors = append(health.Errors, "cycle: "+err.Error())
	} else {
		health.CycleState = string(cycle.State)
	}

	if runs, err := st.GetIngestHealth(now.AddDate(0, 0, -7)); err != nil {
		log.Printf("api: ingest health: %v", err)
	} else {
		for _, run := range runs {
			health.FailedIngests7d += run.FailedRuns
		}
	}
	if failed, err := st.RecentIngestFailures(recentIngestFailures); err != nil {
		log.Printf("api: ingest failures: %v", err)
	} else {
		for _, run := range failed {
			health.RecentFailures = append(health.RecentFailures, newIngestFailureView(run))
		}
	}
	if archive, err := st.ArchiveStats(); err != nil {
		log.Printf("api: archive stats: %v", err)
	} else {
		health.Archive = archive
	}

	if health.WeatherStale {
		health.Status = "degraded"
	}
	if len(health.Errors) > 0 {
		health.Status = "error"
	}

	status := http.StatusOK
	if health.Status == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}
