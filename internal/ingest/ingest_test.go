package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/pvcast/internal/clock"
	"github.com/lox/pvcast/internal/config"
	"github.com/lox/pvcast/internal/httputil"
	"github.com/lox/pvcast/internal/models"
	"github.com/lox/pvcast/internal/store"
)

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func TestValidateWeatherHour(t *testing.T) {
	tests := []struct {
		name      string
		hour      models.WeatherHour
		wantFlags int
	}{
		{
			name: "valid hour",
			hour: models.WeatherHour{
				TempC: nf(21), HumidityPct: nf(55), CloudCoverPct: nf(40),
				PrecipMM: nf(0), WindSpeedMS: nf(3.5), SolarRadiation: nf(640),
			},
		},
		{
			name:      "temp too cold",
			hour:      models.WeatherHour{TempC: nf(-60)},
			wantFlags: FlagTempOutOfRange,
		},
		{
			name: "boundaries are valid",
			hour: models.WeatherHour{TempC: nf(60), HumidityPct: nf(100), CloudCoverPct: nf(0)},
		},
		{
			name:      "cloud cover over 100",
			hour:      models.WeatherHour{CloudCoverPct: nf(150)},
			wantFlags: FlagCloudCoverInvalid,
		},
		{
			name:      "negative precipitation and radiation",
			hour:      models.WeatherHour{PrecipMM: nf(-1), SolarRadiation: nf(-5)},
			wantFlags: FlagPrecipNegative | FlagSolarNegative,
		},
		{
			name:      "humidity and wind",
			hour:      models.WeatherHour{HumidityPct: nf(-3), WindSpeedMS: nf(250)},
			wantFlags: FlagHumidityInvalid | FlagWindSpeedInvalid,
		},
		{
			name: "nulls are not flagged",
			hour: models.WeatherHour{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.hour
			got := ValidateWeatherHour(&w)
			if got != tt.wantFlags {
				t.Errorf("flags = %v, want %v", FlagNames(got), FlagNames(tt.wantFlags))
			}
			if got&FlagCloudCoverInvalid != 0 && w.CloudCoverPct.Valid {
				t.Error("flagged cloud cover should be nulled")
			}
			if got&FlagTempOutOfRange != 0 && w.TempC.Valid {
				t.Error("flagged temperature should be nulled")
			}
			if got == 0 && w != tt.hour {
				t.Error("valid hour was modified")
			}
		})
	}
}

func TestFlagNames(t *testing.T) {
	got := FlagNames(FlagTempOutOfRange | FlagSolarNegative)
	if strings.Join(got, ",") != "temp_out_of_range,solar_negative" {
		t.Errorf("FlagNames = %v", got)
	}
	if FlagNames(0) != nil {
		t.Error("no flags should give no names")
	}
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("load timezone: %v", err)
	}
	st := store.New(db, loc)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func testSite() models.SiteConfig {
	return models.SiteConfig{
		Latitude:    48.1,
		Longitude:   11.6,
		Elevation:   500,
		Timezone:    "Europe/Berlin",
		PanelGroups: []models.PanelGroup{{Name: "south", PowerKWp: 5, AzimuthDeg: 180, TiltDeg: 30}},
	}
}

func fakeForecast(start time.Time, days int) []byte {
	var resp struct {
		Timezone string `json:"timezone"`
		Hourly   struct {
			Time        []string   `json:"time"`
			Temperature []*float64 `json:"temperature_2m"`
			Humidity    []*float64 `json:"relative_humidity_2m"`
			CloudCover  []*float64 `json:"cloud_cover"`
			Precip      []*float64 `json:"precipitation"`
			Wind        []*float64 `json:"wind_speed_10m"`
			Radiation   []*float64 `json:"shortwave_radiation"`
		} `json:"hourly"`
	}
	resp.Timezone = "Europe/Berlin"
	ptr := func(v float64) *float64 { return &v }
	for i := 0; i < days*24; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		resp.Hourly.Time = append(resp.Hourly.Time, ts.Format("2006-01-02T15:04"))
		resp.Hourly.Temperature = append(resp.Hourly.Temperature, ptr(18))
		resp.Hourly.Humidity = append(resp.Hourly.Humidity, ptr(60))
		cc := 40.0
		if i == 13 {
			cc = 150
		}
		resp.Hourly.CloudCover = append(resp.Hourly.CloudCover, ptr(cc))
		resp.Hourly.Precip = append(resp.Hourly.Precip, nil)
		resp.Hourly.Wind = append(resp.Hourly.Wind, ptr(2.5))
		resp.Hourly.Radiation = append(resp.Hourly.Radiation, ptr(300))
	}
	b, _ := json.Marshal(resp)
	return b
}

func newTestClient(t *testing.T, st *store.Store, srvURL string, now time.Time) *OpenMeteo {
	t.Helper()
	cfg := config.Default().Weather
	cfg.BaseURL = srvURL
	cfg.MinRequestInterval = time.Millisecond
	c, err := NewOpenMeteo(cfg, testSite(), st, clock.NewMock(now))
	if err != nil {
		t.Fatalf("NewOpenMeteo: %v", err)
	}
	c.InitialInterval = time.Millisecond
	c.MaxElapsed = 5 * time.Second
	return c
}

func TestOpenMeteo_Refresh(t *testing.T) {
	st := setupTestStore(t)
	loc := st.Location()
	today := time.Date(2024, 6, 21, 0, 0, 0, 0, loc)
	body := fakeForecast(today, 3)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("latitude") != "48.1000" || q.Get("timezone") != "Europe/Berlin" ||
			q.Get("wind_speed_unit") != "ms" || q.Get("forecast_days") != "3" ||
			!strings.Contains(q.Get("hourly"), "cloud_cover") {
			http.Error(w, "bad query "+r.URL.RawQuery, http.StatusBadRequest)
			return
		}
		if r.UserAgent() != httputil.UserAgent {
			http.Error(w, "missing user agent", http.StatusBadRequest)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	c := newTestClient(t, st, srv.URL, today.Add(12*time.Hour+30*time.Minute))
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	forecast, err := st.GetWeatherHours(today, models.WeatherForecast)
	if err != nil {
		t.Fatal(err)
	}
	if len(forecast) != 24 {
		t.Fatalf("forecast hours = %d, want 24", len(forecast))
	}
	if h := forecast[13]; h.CloudCoverPct.Valid || h.QCFlags&FlagCloudCoverInvalid == 0 {
		t.Errorf("hour 13 cloud %v flags %d, want nulled and flagged", h.CloudCoverPct, h.QCFlags)
	}
	if h := forecast[10]; h.CloudCoverPct.Float64 != 40 || h.PrecipMM.Valid || h.Source != SourceOpenMeteo {
		t.Errorf("hour 10 = %+v", h)
	}

	observed, err := st.GetWeatherHours(today, models.WeatherObserved)
	if err != nil {
		t.Fatal(err)
	}
	if len(observed) != 12 {
		t.Errorf("observed hours = %d, want 12 (00-11)", len(observed))
	}
	if _, ok := observed[12]; ok {
		t.Error("hour 12 has not ended and must not be observed")
	}

	tomorrow, err := st.GetWeatherHours(today.AddDate(0, 0, 2), models.WeatherForecast)
	if err != nil || len(tomorrow) != 24 {
		t.Errorf("day after tomorrow hours = %d (%v)", len(tomorrow), err)
	}

	var success bool
	var stored int64
	if err := st.DB().QueryRow(`SELECT success, records_stored FROM ingest_runs`).Scan(&success, &stored); err != nil {
		t.Fatal(err)
	}
	if !success || stored != 72+12 {
		t.Errorf("ingest run success %v stored %d", success, stored)
	}
	var payloads int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM raw_payloads`).Scan(&payloads); err != nil || payloads != 1 {
		t.Errorf("raw payloads = %d (%v)", payloads, err)
	}
}

func TestReplayLatest(t *testing.T) {
	st := setupTestStore(t)
	loc := st.Location()
	today := time.Date(2024, 6, 21, 0, 0, 0, 0, loc)

	if _, err := ReplayLatest(st, loc); !errors.Is(err, ErrNoArchive) {
		t.Fatalf("empty archive err = %v, want ErrNoArchive", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(fakeForecast(today, 3))
	}))
	defer srv.Close()
	fetchedAt := today.Add(12*time.Hour + 30*time.Minute)
	if err := newTestClient(t, st, srv.URL, fetchedAt).Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := st.DeleteWeatherBefore(today.AddDate(0, 0, 3)); err != nil {
		t.Fatal(err)
	}

	res, err := ReplayLatest(st, loc)
	if err != nil {
		t.Fatalf("ReplayLatest: %v", err)
	}
	if res.Parsed != 72 || res.Stored != 72+12 || res.Flagged != 1 || !res.FetchedAt.Equal(fetchedAt) {
		t.Errorf("replay = %+v", res)
	}

	forecast, err := st.GetWeatherHours(today, models.WeatherForecast)
	if err != nil || len(forecast) != 24 {
		t.Fatalf("replayed forecast hours = %d (%v)", len(forecast), err)
	}
	if h := forecast[10]; h.CloudCoverPct.Float64 != 40 || !h.FetchedAt.Equal(fetchedAt) {
		t.Errorf("hour 10 = %+v, want the archived reading", h)
	}
	observed, err := st.GetWeatherHours(today, models.WeatherObserved)
	if err != nil || len(observed) != 12 {
		t.Errorf("observed hours = %d (%v), want those ended at fetch time", len(observed), err)
	}
}

func TestReplayLatest_CorruptPayload(t *testing.T) {
	st := setupTestStore(t)
	if _, err := st.ArchivePayload(0, SourceOpenMeteo, endpointForecast, "", []byte(`{"hourly":`), time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := ReplayLatest(st, st.Location()); err == nil || !strings.Contains(err.Error(), "unmarshal") {
		t.Errorf("err = %v, want unmarshal error", err)
	}
}

func TestOpenMeteo_RetriesServerErrors(t *testing.T) {
	st := setupTestStore(t)
	today := time.Date(2024, 6, 21, 0, 0, 0, 0, st.Location())
	body := fakeForecast(today, 1)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	c := newTestClient(t, st, srv.URL, today)
	hours, _, res, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls.Load() != 2 || res.HTTPStatus != http.StatusOK || len(hours) != 24 {
		t.Errorf("calls %d status %d hours %d", calls.Load(), res.HTTPStatus, len(hours))
	}
}

func TestOpenMeteo_ClientErrorIsPermanent(t *testing.T) {
	st := setupTestStore(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"reason":"invalid timezone"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, st, srv.URL, time.Date(2024, 6, 21, 8, 0, 0, 0, st.Location()))
	err := c.Refresh(context.Background())
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("Refresh err = %v, want status 400", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, 4xx must not be retried", calls.Load())
	}

	failed, err := st.RecentIngestFailures(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Success || !failed[0].HTTPStatus.Valid || failed[0].HTTPStatus.Int64 != 400 {
		t.Errorf("ingest errors = %+v", failed)
	}
}

func TestOpenMeteo_CancelledContext(t *testing.T) {
	st := setupTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, st, srv.URL, time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, _, err := c.Fetch(ctx); err == nil {
		t.Fatal("expected error once the context expires")
	}
}

type fakeJobs struct {
	calls map[string]int
	err   error
}

func (f *fakeJobs) record(name string) error {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
	return f.err
}

func (f *fakeJobs) RefreshWeather(context.Context) error     { return f.record(JobWeather) }
func (f *fakeJobs) MorningForecast(context.Context) error    { return f.record(JobMorning) }
func (f *fakeJobs) MiddayCheck(context.Context) error        { return f.record(JobMidday) }
func (f *fakeJobs) FinalizeDay(context.Context) error        { return f.record(JobFinalize) }
func (f *fakeJobs) NightlyMaintenance(context.Context) error { return f.record(JobMaintenance) }
func (f *fakeJobs) GridSearch(context.Context) error         { return f.record(JobGridSearch) }

func TestScheduler_Entries(t *testing.T) {
	loc, _ := time.LoadLocation("Europe/Berlin")
	s, err := NewScheduler(config.Default(), loc, &fakeJobs{})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	now := time.Date(2024, 6, 21, 5, 0, 0, 0, loc)
	want := map[string]time.Time{
		JobMorning:     time.Date(2024, 6, 21, 6, 0, 0, 0, loc),
		JobMidday:      time.Date(2024, 6, 21, 12, 30, 0, 0, loc),
		JobFinalize:    time.Date(2024, 6, 21, 23, 30, 0, 0, loc),
		JobMaintenance: time.Date(2024, 6, 22, 3, 15, 0, 0, loc),
		JobWeather:     time.Date(2024, 6, 21, 6, 5, 0, 0, loc),
		JobGridSearch:  time.Date(2024, 6, 23, 4, 0, 0, 0, loc),
	}
	entries := s.Entries(now)
	if len(entries) != len(want) {
		t.Fatalf("entries = %d, want %d", len(entries), len(want))
	}
	for _, e := range entries {
		if !e.Next.Equal(want[e.Name]) {
			t.Errorf("%s next = %s, want %s", e.Name, e.Next, want[e.Name])
		}
	}
}

func TestScheduler_GridSearchDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Model.GridSearchEnabled = false
	s, err := NewScheduler(cfg, time.UTC, &fakeJobs{})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range s.Entries(time.Now()) {
		if e.Name == JobGridSearch {
			t.Fatal("grid search scheduled although disabled")
		}
	}
}

func TestScheduler_InvalidSpec(t *testing.T) {
	cfg := config.Default()
	cfg.Weather.RefreshCron = "every now and then"
	if _, err := NewScheduler(cfg, time.UTC, &fakeJobs{}); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
	cfg = config.Default()
	cfg.Forecast.MiddayTime = "25:00"
	if _, err := NewScheduler(cfg, time.UTC, &fakeJobs{}); err == nil {
		t.Fatal("expected error for invalid time of day")
	}
}

func TestScheduler_RunJobSurvivesErrors(t *testing.T) {
	jobs := &fakeJobs{err: errors.New("weather down")}
	s, err := NewScheduler(config.Default(), time.UTC, jobs)
	if err != nil {
		t.Fatal(err)
	}
	s.runJob(JobWeather, jobs.RefreshWeather)
	s.runJob(JobWeather, jobs.RefreshWeather)
	if jobs.calls[JobWeather] != 2 {
		t.Errorf("calls = %d, want 2", jobs.calls[JobWeather])
	}
}

func TestScheduler_RunCatchesUpAndStops(t *testing.T) {
	jobs := &fakeJobs{}
	s, err := NewScheduler(config.Default(), time.UTC, jobs)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if jobs.calls[JobWeather] != 1 || jobs.calls[JobMorning] != 1 {
		t.Errorf("startup calls = %v", jobs.calls)
	}
}
