package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/lox/pvcast/internal/clock"
	"github.com/lox/pvcast/internal/config"
	"github.com/lox/pvcast/internal/httputil"
	"github.com/lox/pvcast/internal/metrics"
	"github.com/lox/pvcast/internal/models"
	"github.com/lox/pvcast/internal/store"
)

// ErrNoArchive is returned when no forecast payload has been archived yet.
var ErrNoArchive = errors.New("no archived forecast payload")

const (
	SourceOpenMeteo  = "open-meteo"
	endpointForecast = "forecast"
	forecastDays     = 3
)

var hourlyParams = []string{
	"temperature_2m",
	"relative_humidity_2m",
	"cloud_cover",
	"precipitation",
	"wind_speed_10m",
	"shortwave_radiation",
}

// FetchResult describes one HTTP exchange for the ingest audit.
type FetchResult struct {
	HTTPStatus   int
	ResponseSize int
	RecordCount  int
	ParseErrors  int
	ParseError   string
	Flagged      int
}

// OpenMeteo fetches hourly forecast weather for the site and stores it.
type OpenMeteo struct {
	baseURL string
	site    models.SiteConfig
	loc     *time.Location
	client  *http.Client
	limiter *rate.Limiter
	store   *store.Store
	clock   clock.Clock

	// MaxElapsed bounds the retries of a single fetch.
	MaxElapsed      time.Duration
	InitialInterval time.Duration
}

func NewOpenMeteo(cfg config.WeatherConfig, site models.SiteConfig, st *store.Store, clk clock.Clock) (*OpenMeteo, error) {
	loc, err := site.Location()
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	every := cfg.MinRequestInterval
	if every <= 0 {
		every = time.Second
	}
	return &OpenMeteo{
		baseURL:         cfg.BaseURL,
		site:            site,
		loc:             loc,
		client:          httputil.NewClient(cfg.Timeout),
		limiter:         rate.NewLimiter(rate.Every(every), 1),
		store:           st,
		clock:           clk,
		MaxElapsed:      2 * time.Minute,
		InitialInterval: 500 * time.Millisecond,
	}, nil
}

func (c *OpenMeteo) siteLabel() string {
	return fmt.Sprintf("%.4f,%.4f", c.site.Latitude, c.site.Longitude)
}

func (c *OpenMeteo) url() string {
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", c.site.Latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", c.site.Longitude))
	q.Set("hourly", strings.Join(hourlyParams, ","))
	q.Set("forecast_days", fmt.Sprint(forecastDays))
	q.Set("wind_speed_unit", "ms")
	q.Set("timezone", c.site.Timezone)
	return c.baseURL + "?" + q.Encode()
}

type hourlyResponse struct {
	Timezone string `json:"timezone"`
	Hourly   struct {
		Time          []string   `json:"time"`
		Temperature   []*float64 `json:"temperature_2m"`
		Humidity      []*float64 `json:"relative_humidity_2m"`
		CloudCover    []*float64 `json:"cloud_cover"`
		Precipitation []*float64 `json:"precipitation"`
		WindSpeed     []*float64 `json:"wind_speed_10m"`
		Radiation     []*float64 `json:"shortwave_radiation"`
	} `json:"hourly"`
}

func nullAt(vals []*float64, i int) sql.NullFloat64 {
	if i >= len(vals) || vals[i] == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *vals[i], Valid: true}
}

// Fetch downloads and parses the hourly forecast. It returns the raw body
// alongside the parsed hours so the caller can archive it. Hours that have
// already ended are returned twice: once as forecast and once as observed.
func (c *OpenMeteo) Fetch(ctx context.Context) ([]models.WeatherHour, []byte, *FetchResult, error) {
	result := &FetchResult{}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, result, err
	}

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		start := time.Now()
		resp, err := c.client.Do(req)
		metrics.WeatherAPILatency.WithLabelValues(SourceOpenMeteo).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.WeatherAPICallsTotal.WithLabelValues(SourceOpenMeteo, "error").Inc()
			return fmt.Errorf("fetch forecast: %w", err)
		}
		defer resp.Body.Close()
		result.HTTPStatus = resp.StatusCode
		metrics.WeatherAPICallsTotal.WithLabelValues(SourceOpenMeteo, fmt.Sprint(resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("fetch forecast: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("fetch forecast: status %d: %s", resp.StatusCode, string(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		result.ResponseSize = len(body)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialInterval
	bo.MaxElapsedTime = c.MaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, nil, result, err
	}

	hours, err := parseForecast(body, c.loc, c.clock.Now(), result)
	return hours, body, result, err
}

// parseForecast turns an Open-Meteo hourly body into weather hours as
// seen at fetchedAt. Timestamps that fail to parse are counted in result
// and skipped.
func parseForecast(body []byte, loc *time.Location, fetchedAt time.Time, result *FetchResult) ([]models.WeatherHour, error) {
	var data hourlyResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	var hours []models.WeatherHour
	var parseErrors []string
	for i, ts := range data.Hourly.Time {
		t, err := time.ParseInLocation("2006-01-02T15:04", ts, loc)
		if err != nil {
			parseErrors = append(parseErrors, fmt.Sprintf("time[%d]=%q: %v", i, ts, err))
			continue
		}
		w := models.WeatherHour{
			Date:           time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc),
			Hour:           t.Hour(),
			Kind:           models.WeatherForecast,
			Source:         SourceOpenMeteo,
			FetchedAt:      fetchedAt,
			TempC:          nullAt(data.Hourly.Temperature, i),
			HumidityPct:    nullAt(data.Hourly.Humidity, i),
			CloudCoverPct:  nullAt(data.Hourly.CloudCover, i),
			PrecipMM:       nullAt(data.Hourly.Precipitation, i),
			WindSpeedMS:    nullAt(data.Hourly.WindSpeed, i),
			SolarRadiation: nullAt(data.Hourly.Radiation, i),
		}
		if w.QCFlags = ValidateWeatherHour(&w); w.QCFlags != 0 {
			result.Flagged++
			log.Printf("ingest: %s %02d:00 flagged %s", w.Date.Format(time.DateOnly), w.Hour, strings.Join(FlagNames(w.QCFlags), ","))
		}
		hours = append(hours, w)

		if !t.Add(time.Hour).After(fetchedAt) {
			obs := w
			obs.Kind = models.WeatherObserved
			hours = append(hours, obs)
		}
	}
	result.RecordCount = len(data.Hourly.Time)
	result.ParseErrors = len(parseErrors)
	if len(parseErrors) > 0 {
		result.ParseError = strings.Join(parseErrors, "; ")
	}
	return hours, nil
}

// ReplayResult describes one archived payload put back into the store.
type ReplayResult struct {
	PayloadID int64     `json:"payload_id"`
	FetchedAt time.Time `json:"fetched_at"`
	Parsed    int       `json:"parsed"`
	Stored    int       `json:"stored"`
	Flagged   int       `json:"flagged"`
}

// ReplayLatest re-parses the newest archived forecast and stores its
// hours as they were seen when it was fetched.
func ReplayLatest(st *store.Store, loc *time.Location) (ReplayResult, error) {
	var res ReplayResult
	p, err := st.LatestPayload(SourceOpenMeteo, endpointForecast)
	if err != nil {
		return res, fmt.Errorf("load archive: %w", err)
	}
	if p == nil {
		return res, ErrNoArchive
	}
	res.PayloadID, res.FetchedAt = p.ID, p.FetchedAt.In(loc)

	var fr FetchResult
	hours, err := parseForecast(p.Body, loc, res.FetchedAt, &fr)
	if err != nil {
		return res, fmt.Errorf("replay payload %d: %w", p.ID, err)
	}
	res.Parsed, res.Flagged = fr.RecordCount, fr.Flagged
	if res.Stored, err = st.UpsertWeatherHours(hours); err != nil {
		return res, fmt.Errorf("store weather: %w", err)
	}
	log.Printf("ingest: replayed payload %d from %s: %d weather hours", p.ID, res.FetchedAt.Format(time.DateTime), res.Stored)
	return res, nil
}

// Refresh fetches the forecast, archives the payload and stores the hours,
// recording the attempt as an ingest run.
func (c *OpenMeteo) Refresh(ctx context.Context) error {
	site := c.siteLabel()
	run, err := c.store.StartIngestRun(SourceOpenMeteo, endpointForecast, site, c.clock.Now())
	if err != nil {
		log.Printf("ingest: start ingest run: %v", err)
	}

	hours, body, fetchResult, err := c.Fetch(ctx)
	if run != nil {
		run.Success = err == nil
		if fetchResult != nil {
			run.HTTPStatus = sql.NullInt64{Int64: int64(fetchResult.HTTPStatus), Valid: fetchResult.HTTPStatus > 0}
			run.ResponseSizeBytes = sql.NullInt64{Int64: int64(fetchResult.ResponseSize), Valid: fetchResult.ResponseSize > 0}
			run.RecordsParsed = sql.NullInt64{Int64: int64(fetchResult.RecordCount), Valid: true}
			if fetchResult.ParseErrors > 0 {
				run.ParseErrors = sql.NullInt64{Int64: int64(fetchResult.ParseErrors), Valid: true}
				run.ErrorMessage = sql.NullString{String: fetchResult.ParseError, Valid: true}
				log.Printf("ingest: open-meteo parse errors: %s", fetchResult.ParseError)
			}
		}
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
	}

	if len(body) > 0 && run != nil {
		if _, err := c.store.ArchivePayload(run.ID, SourceOpenMeteo, endpointForecast, site, body, c.clock.Now()); err != nil {
			log.Printf("ingest: archive payload: %v", err)
		}
	}

	if err == nil {
		var stored int
		stored, err = c.store.UpsertWeatherHours(hours)
		if err != nil {
			err = fmt.Errorf("store weather: %w", err)
			if run != nil {
				run.Success = false
				run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
			}
		} else {
			if run != nil {
				run.RecordsStored = sql.NullInt64{Int64: int64(stored), Valid: true}
			}
			for _, h := range hours {
				metrics.WeatherHoursIngested.WithLabelValues(h.Kind).Inc()
			}
			log.Printf("ingest: stored %d open-meteo weather hours", stored)
		}
	}

	if run != nil {
		if cerr := c.store.CompleteIngestRun(run, c.clock.Now()); cerr != nil {
			log.Printf("ingest: complete ingest run: %v", cerr)
		}
	}
	if err != nil {
		return fmt.Errorf("refresh weather: %w", err)
	}
	return nil
}
