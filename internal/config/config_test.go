package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const siteYAML = `
site:
  latitude: 48.0
  longitude: 11.0
  elevation: 520
  timezone: Europe/Berlin
  panel_groups:
    - name: south
      power_kwp: 5.0
      azimuth: 180
      tilt: 30
    - name: west
      power_kwp: 2.5
      azimuth: 270
      tilt: 20
      energy_sensor: sensor.west_energy
model:
  hidden_size: 24
  train_timeout: 5m
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(siteYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Site.PanelGroups) != 2 {
		t.Fatalf("groups = %d, want 2", len(cfg.Site.PanelGroups))
	}
	if cfg.Site.PanelGroups[1].EnergySensor != "sensor.west_energy" {
		t.Errorf("EnergySensor = %q", cfg.Site.PanelGroups[1].EnergySensor)
	}
	if cfg.Model.HiddenSize != 24 {
		t.Errorf("HiddenSize = %d, want 24", cfg.Model.HiddenSize)
	}
	if cfg.Model.TrainTimeout != 5*time.Minute {
		t.Errorf("TrainTimeout = %v, want 5m", cfg.Model.TrainTimeout)
	}
	if cfg.Model.MinSamples != 50 {
		t.Errorf("MinSamples default = %d, want 50", cfg.Model.MinSamples)
	}
	if cfg.Astronomy.Efficiency != 0.95 {
		t.Errorf("Efficiency default = %v, want 0.95", cfg.Astronomy.Efficiency)
	}
	if cfg.Forecast.MiddayTime != "12:30" {
		t.Errorf("MiddayTime default = %q", cfg.Forecast.MiddayTime)
	}
	if cfg.Shadow.WinterLowSunDeg != 25 || cfg.Shadow.CloudPenalty != 1.25 {
		t.Errorf("winter defaults = %v/%v", cfg.Shadow.WinterLowSunDeg, cfg.Shadow.CloudPenalty)
	}
	if got := cfg.Site.TotalKWp(); got != 7.5 {
		t.Errorf("TotalKWp = %v, want 7.5", got)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.yaml")
	if err := os.WriteFile(path, []byte(siteYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Site.Timezone != "Europe/Berlin" {
		t.Errorf("Timezone = %q", cfg.Site.Timezone)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"latitude", func(c *Config) { c.Site.Latitude = 91 }},
		{"longitude", func(c *Config) { c.Site.Longitude = -181 }},
		{"timezone", func(c *Config) { c.Site.Timezone = "Mars/Olympus" }},
		{"no groups", func(c *Config) { c.Site.PanelGroups = nil }},
		{"zero power", func(c *Config) { c.Site.PanelGroups[0].PowerKWp = 0 }},
		{"azimuth", func(c *Config) { c.Site.PanelGroups[0].AzimuthDeg = 361 }},
		{"tilt", func(c *Config) { c.Site.PanelGroups[0].TiltDeg = 95 }},
		{"duplicate group", func(c *Config) { c.Site.PanelGroups[1].Name = "south" }},
		{"midday time", func(c *Config) { c.Forecast.MiddayTime = "25:00" }},
		{"blend thresholds", func(c *Config) { c.Forecast.BlendMinAccuracy = 0.95 }},
		{"shadow thresholds", func(c *Config) { c.Shadow.ModeratePct = 10 }},
		{"winter month", func(c *Config) { c.Shadow.WinterMonths = []int{13} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(siteYAML))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		h, m    int
		wantErr bool
	}{
		{"06:00", 6, 0, false},
		{"12:30", 12, 30, false},
		{" 23:59 ", 23, 59, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"noon", 0, 0, true},
	}
	for _, tt := range tests {
		h, m, err := ParseTimeOfDay(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTimeOfDay(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if h != tt.h || m != tt.m {
			t.Errorf("ParseTimeOfDay(%q) = %d:%d, want %d:%d", tt.in, h, m, tt.h, tt.m)
		}
	}

	spec, err := CronSpec("12:30")
	if err != nil || spec != "30 12 * * *" {
		t.Errorf("CronSpec = %q, %v", spec, err)
	}
}

func TestIsWinterMonth(t *testing.T) {
	sc := Default().Shadow
	for _, m := range []time.Month{time.November, time.December, time.January, time.February} {
		if !sc.IsWinterMonth(m) {
			t.Errorf("%v should be winter", m)
		}
	}
	if sc.IsWinterMonth(time.June) {
		t.Error("June should not be winter")
	}
}
