package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/pvcast/internal/app"
	"github.com/lox/pvcast/internal/config"
	"github.com/lox/pvcast/internal/forecast"
	"github.com/lox/pvcast/internal/ingest"
	"github.com/lox/pvcast/internal/ml"
	"github.com/lox/pvcast/internal/models"
)

const maxSummaryDays = 400

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrInvalidArgument), errors.Is(err, app.ErrInvalidActual), errors.Is(err, config.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, forecast.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ml.ErrInsufficientSamples), errors.Is(err, forecast.ErrNoWeather):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ingest.ErrNoArchive):
		return http.StatusNotFound
	case errors.Is(err, app.ErrGridSearchDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func (s *Server) handleAPIForecast(w http.ResponseWriter, r *http.Request) {
	date, err := s.dateParam(r)
	if err != nil {
		badRequest(w, "date must be YYYY-MM-DD")
		return
	}
	st := s.svc.Store()
	cycle, err := st.GetForecastCycle(date)
	if err != nil {
		writeError(w, err)
		return
	}
	preds, err := st.GetHourlyPredictions(date, date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newForecastView(date, cycle, preds))
}

func (s *Server) daySummaries() ([]DaySummaryView, error) {
	today := s.today()
	horizon := s.svc.Config().Forecast.HorizonDays
	preds, err := s.svc.Store().GetHourlyPredictions(today, today.AddDate(0, 0, horizon-1))
	if err != nil {
		return nil, err
	}
	byDate := make(map[string][]models.HourlyPrediction)
	for _, p := range preds {
		k := p.Date.Format(time.DateOnly)
		byDate[k] = append(byDate[k], p)
	}
	now := s.now()
	days := make([]DaySummaryView, 0, horizon)
	for d := 0; d < horizon; d++ {
		date := today.AddDate(0, 0, d)
		days = append(days, newDaySummaryView(date, byDate[date.Format(time.DateOnly)], now))
	}
	return days, nil
}

func (s *Server) handleAPIForecastSummary(w http.ResponseWriter, r *http.Request) {
	days, err := s.daySummaries()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, days)
}

func (s *Server) handleAPIAstronomy(w http.ResponseWriter, r *http.Request) {
	date, err := s.dateParam(r)
	if err != nil {
		badRequest(w, "date must be YYYY-MM-DD")
		return
	}
	day, err := s.svc.Astronomy().Day(date)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, newAstronomyView(day))
}

func (s *Server) handleAPIShadow(w http.ResponseWriter, r *http.Request) {
	date, err := s.dateParam(r)
	if err != nil {
		badRequest(w, "date must be YYYY-MM-DD")
		return
	}
	results, err := s.svc.Store().GetShadowResults(date, date)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]ShadowView, 0, len(results))
	for _, res := range results {
		views = append(views, newShadowView(res))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIModel(w http.ResponseWriter, r *http.Request) {
	cf, err := s.svc.Orchestrator().Corrector().Current()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ModelView{
		Model: s.svc.Model().Status(),
		Correction: CorrectionView{
			Global:        cf.Global,
			Hourly:        cf.Hourly,
			HourlySamples: cf.HourlySamples,
			Samples:       cf.Samples,
			UpdatedAt:     cf.UpdatedAt,
		},
		Hardware: ml.ProbeHardware(r.Context()),
	})
}

func (s *Server) handleAPISummaries(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxSummaryDays {
			badRequest(w, "days must be between 1 and 400")
			return
		}
		days = n
	}
	today := s.today()
	summaries, err := s.svc.Store().GetDailySummaries(today.AddDate(0, 0, -days), today)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]SummaryView, 0, len(summaries))
	for _, sum := range summaries {
		views = append(views, newSummaryView(sum))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPISchedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ScheduleView{Jobs: s.svc.Schedule(), Tasks: s.svc.Tasks()})
}

// handleAPIActuals accepts a single reading or an array of readings.
func (s *Server) handleAPIActuals(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	var reqs []ActualRequest
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &reqs); err != nil {
			badRequest(w, "invalid actuals array")
			return
		}
	} else {
		var one ActualRequest
		if err := json.Unmarshal(raw, &one); err != nil {
			badRequest(w, "invalid actual")
			return
		}
		reqs = []ActualRequest{one}
	}

	stored := 0
	for _, req := range reqs {
		date, err := time.ParseInLocation(time.DateOnly, req.Date, s.loc)
		if err != nil {
			badRequest(w, "date must be YYYY-MM-DD")
			return
		}
		a := models.ProductionActual{Date: date, Hour: req.Hour, Group: req.Group, KWh: req.KWh}
		if err := s.svc.RecordActual(a); err != nil {
			writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "stored": stored})
			return
		}
		stored++
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"stored": stored})
}

func (s *Server) handleAPICommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
	}

	ctx := r.Context()
	name := r.PathValue("name")
	var (
		result any
		err    error
	)
	switch name {
	case app.CmdRebuildAstronomy:
		back, ahead := s.svc.Config().Astronomy.RebuildDaysBack, s.svc.Config().Astronomy.RebuildDaysAhead
		if req.DaysBack != nil {
			back = *req.DaysBack
		}
		if req.DaysAhead != nil {
			ahead = *req.DaysAhead
		}
		result, err = s.svc.RebuildAstronomy(ctx, back, ahead)
	case app.CmdRetrainModel:
		result, err = s.svc.Retrain(ctx)
	case app.CmdResetModel:
		result, err = s.svc.ResetModel()
	case app.CmdGridSearch:
		result, err = s.svc.RunGridSearch(ctx, req.RetrainAfter)
	case app.CmdWeatherCorrection:
		result, err = s.svc.RunWeatherCorrection(ctx)
	case app.CmdBackfillShadows:
		date := s.today().AddDate(0, 0, -1)
		if req.Date != "" {
			date, err = time.ParseInLocation(time.DateOnly, req.Date, s.loc)
			if err != nil {
				badRequest(w, "date must be YYYY-MM-DD")
				return
			}
		}
		result, err = s.svc.BackfillShadows(ctx, date)
	case app.CmdReplayWeather:
		result, err = s.svc.ReplayWeather(ctx)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown command " + name})
		return
	}

	if err != nil {
		log.Printf("api: command %s: %v", name, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"command": name, "result": result})
}
