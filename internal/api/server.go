// Package api serves the forecast over HTTP: JSON reads, the actuals
// intake, operator commands, Prometheus metrics and the live event socket.
package api

import (
	"context"
	"html/template"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/pvcast/internal/app"
)

type Server struct {
	svc  *app.Service
	addr string
	loc  *time.Location
	tmpl *template.Template
}

func NewServer(svc *app.Service, addr string) *Server {
	return &Server{
		svc:  svc,
		addr: addr,
		loc:  svc.Location(),
		tmpl: newTemplates(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws", s.svc.Hub())
	mux.HandleFunc("GET /api/forecast", s.handleAPIForecast)
	mux.HandleFunc("GET /api/forecast/summary", s.handleAPIForecastSummary)
	mux.HandleFunc("GET /api/astronomy", s.handleAPIAstronomy)
	mux.HandleFunc("GET /api/shadow", s.handleAPIShadow)
	mux.HandleFunc("GET /api/model", s.handleAPIModel)
	mux.HandleFunc("GET /api/summaries", s.handleAPISummaries)
	mux.HandleFunc("GET /api/schedule", s.handleAPISchedule)
	mux.HandleFunc("POST /api/actuals", s.handleAPIActuals)
	mux.HandleFunc("POST /api/commands/{name}", s.handleAPICommand)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) now() time.Time { return s.svc.Clock().Now().In(s.loc) }

func (s *Server) today() time.Time {
	return s.svc.Astronomy().Engine().DayStart(s.now())
}

// dateParam reads ?date=YYYY-MM-DD in the site zone, defaulting to today.
func (s *Server) dateParam(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("date")
	if v == "" {
		return s.today(), nil
	}
	return time.ParseInLocation(time.DateOnly, v, s.loc)
}
