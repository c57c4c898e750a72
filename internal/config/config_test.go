package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/worldaq/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worldaq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []int{2022, 2023, 2024, 2025}, cfg.Years.List())
	assert.Equal(t, []models.Source{models.SourceWeather, models.SourceAirQuality}, cfg.Sources())
	assert.Equal(t, []models.Field{models.PM25}, cfg.Pollutants())
	assert.Len(t, cfg.CityRefs(), 6)
	assert.Equal(t, models.City{Name: "Beijing", Country: "CN"}, cfg.CityRefs()[5])
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
years:
  start: 2023
  end: 2024
cities:
  - name: Chicago
    country: US
output_format: parquet
interpolation_limit: 5
noaa:
  enabled: false
  radius_km: 50
  max_stations: 5
  min_coverage: 0.3
openaq:
  enabled: true
  radius_km: 10
  max_stations: 3
  min_coverage: 0.6
  pollutants: [pm25, o3]
  use_archive: false
  page_delay: 250ms
`)
	t.Setenv("OPENAQ_API_KEY", "")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []int{2023, 2024}, cfg.Years.List())
	assert.Equal(t, "parquet", cfg.OutputFormat)
	assert.Equal(t, 5, cfg.InterpolationLimit)
	assert.Equal(t, []models.Source{models.SourceAirQuality}, cfg.Sources())
	assert.Equal(t, []models.Field{models.PM25, models.O3}, cfg.Pollutants())
	assert.Equal(t, 250*time.Millisecond, cfg.OpenAQ.PageDelay)
	assert.Equal(t, "data/cache", cfg.Paths.CacheDir, "unset keys keep defaults")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "concurency: 4\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Concurrency)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"years reversed", func(c *Config) { c.Years = Years{Start: 2025, End: 2022} }},
		{"no cities", func(c *Config) { c.Cities = nil }},
		{"bad country", func(c *Config) { c.Cities[0].Country = "USA" }},
		{"bad format", func(c *Config) { c.OutputFormat = "xlsx" }},
		{"bad pollutant", func(c *Config) { c.OpenAQ.Pollutants = []string{"pm1"} }},
		{"coverage above one", func(c *Config) { c.NOAA.MinCoverage = 1.5 }},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"page size above api max", func(c *Config) { c.OpenAQ.PageSize = 5000 }},
		{"bad schedule", func(c *Config) { c.Schedule.DailyAt = "25:99" }},
		{"archive without bucket", func(c *Config) { c.OpenAQ.Bucket = "" }},
		{"nothing enabled", func(c *Config) { c.NOAA.Enabled = false; c.OpenAQ.Enabled = false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"WORLDAQ_CACHE_DIR":          "/tmp/cache",
		"WORLDAQ_START_YEAR":         "2020",
		"WORLDAQ_CONCURRENCY":        "4",
		"WORLDAQ_OPENAQ_USE_ARCHIVE": "false",
		"WORLDAQ_POLLUTANTS":         "pm25, no2 ,",
		"OPENAQ_API_KEY":             "secret",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	require.NoError(t, applyEnv(cfg, lookup))
	assert.Equal(t, "/tmp/cache", cfg.Paths.CacheDir)
	assert.Equal(t, 2020, cfg.Years.Start)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.False(t, cfg.OpenAQ.UseArchive)
	assert.Equal(t, []string{"pm25", "no2"}, cfg.OpenAQ.Pollutants)
	assert.Equal(t, "secret", cfg.OpenAQ.APIKey)

	env["WORLDAQ_END_YEAR"] = "soon"
	err := applyEnv(Default(), lookup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestDailyAt(t *testing.T) {
	cfg := Default()
	h, m, err := cfg.DailyAt()
	require.NoError(t, err)
	assert.Equal(t, 3, h)
	assert.Equal(t, 0, m)
}
