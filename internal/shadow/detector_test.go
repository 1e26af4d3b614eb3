package shadow

import (
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/lox/pvcast/internal/config"
	"github.com/lox/pvcast/internal/models"
)

func newDetector() *Detector {
	return New(config.Default().Shadow)
}

func cloud(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

var (
	june     = time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC)
	december = time.Date(2024, 12, 10, 0, 0, 0, 0, time.UTC)
)

func TestDetect_FullProductionIsNone(t *testing.T) {
	d := newDetector()
	res := d.Detect(Input{Date: june, Hour: 12, ActualKWh: 3.2, TheoreticalKWh: 3.2, ElevationDeg: 60, CloudCoverPct: cloud(40)})

	if res.ShadowPercent != 0 || res.ShadowType != models.ShadowNone {
		t.Errorf("got %.2f%% %s, want 0%% none", res.ShadowPercent, res.ShadowType)
	}
	if res.RootCause != models.CauseUnknown {
		t.Errorf("root cause = %s, want unknown", res.RootCause)
	}
	if res.FusionPercent.Valid {
		t.Error("fusion should be skipped for an unambiguous hour")
	}
}

func TestDetect_ZeroProductionIsFullShadow(t *testing.T) {
	d := newDetector()
	res := d.Detect(Input{Date: june, Hour: 12, ActualKWh: 0, TheoreticalKWh: 2.0, ElevationDeg: 55, CloudCoverPct: cloud(5)})

	if res.ShadowPercent != 100 {
		t.Errorf("shadow = %.2f, want 100", res.ShadowPercent)
	}
	if res.ShadowType != models.ShadowHeavy {
		t.Errorf("type = %s, want heavy", res.ShadowType)
	}
	if math.Abs(res.LossKWh-2.0) > 1e-9 {
		t.Errorf("loss = %.3f, want 2.0", res.LossKWh)
	}
}

func TestDetect_HeavyCloudScenario(t *testing.T) {
	d := newDetector()
	res := d.Detect(Input{Date: june, Hour: 14, ActualKWh: 0.2, TheoreticalKWh: 4.0, ElevationDeg: 50, CloudCoverPct: cloud(85)})

	if res.ShadowType != models.ShadowHeavy && res.ShadowType != models.ShadowModerate {
		t.Fatalf("type = %s (%.1f%%), want heavy", res.ShadowType, res.ShadowPercent)
	}
	if res.RootCause != models.CauseWeatherClouds {
		t.Errorf("root cause = %s, want weather_clouds", res.RootCause)
	}
	if !res.ShadowType.Anomalous() {
		t.Error("hour should be excluded from learning")
	}
	if !res.FusionPercent.Valid || res.FusionPercent.Float64 >= res.TheoryPercent {
		t.Errorf("fusion = %+v, theory = %.1f; cloud signal should pull fusion below theory", res.FusionPercent, res.TheoryPercent)
	}
}

func TestDetect_Night(t *testing.T) {
	d := newDetector()
	res := d.Detect(Input{Date: june, Hour: 2, ActualKWh: 0, TheoreticalKWh: 0.004, ElevationDeg: -12})

	if res.ShadowType != models.ShadowNight {
		t.Errorf("type = %s, want night", res.ShadowType)
	}
	if res.ShadowPercent != 0 || res.LossKWh != 0 {
		t.Errorf("night hour carries %.1f%% / %.3f kWh", res.ShadowPercent, res.LossKWh)
	}
}

func TestDetect_RootCauses(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want models.RootCause
	}{
		{
			name: "clear sky deficit is an obstruction",
			in:   Input{Date: june, ActualKWh: 1.0, TheoreticalKWh: 4.0, ElevationDeg: 45, CloudCoverPct: cloud(10)},
			want: models.CauseObstruction,
		},
		{
			name: "winter low sun regardless of clouds",
			in:   Input{Date: december, ActualKWh: 0.1, TheoreticalKWh: 0.5, ElevationDeg: 15, CloudCoverPct: cloud(90)},
			want: models.CauseLowSunAngle,
		},
		{
			name: "summer uses the lower threshold",
			in:   Input{Date: june, ActualKWh: 0.1, TheoreticalKWh: 0.5, ElevationDeg: 15, CloudCoverPct: cloud(90)},
			want: models.CauseWeatherClouds,
		},
		{
			name: "very low summer sun",
			in:   Input{Date: june, ActualKWh: 0.02, TheoreticalKWh: 0.1, ElevationDeg: 6, CloudCoverPct: cloud(10)},
			want: models.CauseLowSunAngle,
		},
		{
			name: "no cloud report",
			in:   Input{Date: june, ActualKWh: 1.0, TheoreticalKWh: 4.0, ElevationDeg: 45},
			want: models.CauseUnknown,
		},
		{
			name: "partial cloud between thresholds",
			in:   Input{Date: june, ActualKWh: 0.4, TheoreticalKWh: 4.0, ElevationDeg: 45, CloudCoverPct: cloud(35)},
			want: models.CauseUnknown,
		},
	}
	d := newDetector()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Detect(tt.in)
			if res.RootCause != tt.want {
				t.Errorf("root cause = %s (%.1f%% %s), want %s", res.RootCause, res.ShadowPercent, res.ShadowType, tt.want)
			}
		})
	}
}

func TestDetect_WinterPenaltyRaisesCloudLoss(t *testing.T) {
	d := newDetector()
	in := Input{ActualKWh: 0.6, TheoreticalKWh: 1.0, ElevationDeg: 30, CloudCoverPct: cloud(60)}

	in.Date = june
	summer := d.Detect(in)
	in.Date = december
	winter := d.Detect(in)

	if !(winter.FusionPercent.Float64 > summer.FusionPercent.Float64) {
		t.Errorf("winter fusion %.2f should exceed summer %.2f", winter.FusionPercent.Float64, summer.FusionPercent.Float64)
	}
}

func TestDetect_RadiationSignal(t *testing.T) {
	d := newDetector()
	base := Input{Date: june, ActualKWh: 2.0, TheoreticalKWh: 4.0, ElevationDeg: 50, ClearSkyGHI: 800, CloudCoverPct: cloud(50)}
	without := d.Detect(base)

	base.SolarRadiation = cloud(100)
	with := d.Detect(base)
	if with.FusionPercent.Float64 <= without.FusionPercent.Float64 {
		t.Errorf("low observed radiation should raise fusion: %.2f <= %.2f", with.FusionPercent.Float64, without.FusionPercent.Float64)
	}
}

func TestClassify(t *testing.T) {
	d := newDetector()
	tests := []struct {
		pct  float64
		want models.ShadowType
	}{
		{0, models.ShadowNone},
		{14.9, models.ShadowNone},
		{15, models.ShadowLight},
		{39.9, models.ShadowLight},
		{40, models.ShadowModerate},
		{69.9, models.ShadowModerate},
		{70, models.ShadowHeavy},
		{100, models.ShadowHeavy},
	}
	for _, tt := range tests {
		if got := d.Classify(tt.pct); got != tt.want {
			t.Errorf("Classify(%.1f) = %s, want %s", tt.pct, got, tt.want)
		}
	}
}

func TestDetect_BoundedOutput(t *testing.T) {
	d := newDetector()
	for actual := -1.0; actual <= 6; actual += 0.25 {
		for _, cc := range []float64{0, 50, 100, 140} {
			res := d.Detect(Input{Date: december, ActualKWh: actual, TheoreticalKWh: 4, ElevationDeg: 30, CloudCoverPct: cloud(cc)})
			if res.ShadowPercent < 0 || res.ShadowPercent > 100 || res.Confidence < 0 || res.Confidence > 1 {
				t.Fatalf("actual %.2f cc %.0f: %.2f%% conf %.2f out of range", actual, cc, res.ShadowPercent, res.Confidence)
			}
		}
	}
}
