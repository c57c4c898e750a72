// Package config loads the pipeline configuration from YAML, a .env file
// and WORLDAQ_* environment overrides. It is the only package that reads
// files or the environment for settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lox/worldaq/internal/models"
)

var ErrInvalid = errors.New("invalid configuration")

type Years struct {
	Start int `yaml:"start" validate:"gte=1929,lte=2100"`
	End   int `yaml:"end" validate:"gtefield=Start,lte=2100"`
}

// List returns every year in the range, ascending.
func (y Years) List() []int {
	var out []int
	for yr := y.Start; yr <= y.End; yr++ {
		out = append(out, yr)
	}
	return out
}

type CityRef struct {
	Name    string `yaml:"name" validate:"required"`
	Country string `yaml:"country" validate:"required,len=2"`
}

type Paths struct {
	CacheDir    string `yaml:"cache_dir" validate:"required"`
	OutputDir   string `yaml:"output_dir" validate:"required"`
	Database    string `yaml:"database" validate:"required"`
	ISDHistory  string `yaml:"isd_history" validate:"required"`
	Locations   string `yaml:"locations"`
	WorldCities string `yaml:"world_cities" validate:"required"`
	MetricsFile string `yaml:"metrics_file"`
}

type NOAA struct {
	Enabled     bool    `yaml:"enabled"`
	BaseURL     string  `yaml:"base_url" validate:"omitempty,url"`
	RadiusKM    float64 `yaml:"radius_km" validate:"gt=0"`
	MaxStations int     `yaml:"max_stations" validate:"gt=0"`
	MinCoverage float64 `yaml:"min_coverage" validate:"gte=0,lte=1"`
	FTPHost     string  `yaml:"ftp_host"`
}

type OpenAQ struct {
	Enabled     bool          `yaml:"enabled"`
	BaseURL     string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey      string        `yaml:"api_key"`
	RadiusKM    float64       `yaml:"radius_km" validate:"gt=0"`
	MaxStations int           `yaml:"max_stations" validate:"gt=0"`
	MinCoverage float64       `yaml:"min_coverage" validate:"gte=0,lte=1"`
	Pollutants  []string      `yaml:"pollutants" validate:"min=1,dive,oneof=pm25 pm10 o3 no2 so2 co"`
	UseArchive  bool          `yaml:"use_archive"`
	Bucket      string        `yaml:"bucket" validate:"required_if=UseArchive true"`
	Region      string        `yaml:"region" validate:"required_if=UseArchive true"`
	PageSize    int           `yaml:"page_size" validate:"gte=0,lte=1000"`
	MaxPages    int           `yaml:"max_pages" validate:"gte=0"`
	PageDelay   time.Duration `yaml:"page_delay" validate:"gte=0"`
}

type Schedule struct {
	// DailyAt is a UTC wall-clock time, "HH:MM".
	DailyAt string `yaml:"daily_at" validate:"required,datetime=15:04"`
}

type Config struct {
	Years              Years     `yaml:"years"`
	Cities             []CityRef `yaml:"cities" validate:"min=1,dive"`
	Paths              Paths     `yaml:"paths"`
	Concurrency        int       `yaml:"concurrency" validate:"gte=1,lte=64"`
	OutputFormat       string    `yaml:"output_format" validate:"oneof=csv parquet"`
	InterpolationLimit int       `yaml:"interpolation_limit" validate:"gte=0"`
	FillMissingDates   bool      `yaml:"fill_missing_dates"`
	LogLevel           string    `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat          string    `yaml:"log_format" validate:"oneof=text json"`
	NOAA               NOAA      `yaml:"noaa"`
	OpenAQ             OpenAQ    `yaml:"openaq"`
	Schedule           Schedule  `yaml:"schedule"`
}

func Default() *Config {
	return &Config{
		Years: Years{Start: 2022, End: 2025},
		Cities: []CityRef{
			{Name: "New York", Country: "US"},
			{Name: "Los Angeles", Country: "US"},
			{Name: "Chicago", Country: "US"},
			{Name: "Houston", Country: "US"},
			{Name: "San Francisco", Country: "US"},
			{Name: "Beijing", Country: "CN"},
		},
		Paths: Paths{
			CacheDir:    "data/cache",
			OutputDir:   "data/processed",
			Database:    "data/worldaq.db",
			ISDHistory:  "data/catalog/isd-history.csv",
			WorldCities: "data/catalog/worldcities.csv",
		},
		Concurrency:        10,
		OutputFormat:       "csv",
		InterpolationLimit: 3,
		LogLevel:           "info",
		LogFormat:          "text",
		NOAA: NOAA{
			Enabled:     true,
			RadiusKM:    50,
			MaxStations: 5,
			MinCoverage: 0.3,
		},
		OpenAQ: OpenAQ{
			Enabled:     true,
			RadiusKM:    25,
			MaxStations: 20,
			MinCoverage: 0.5,
			Pollutants:  []string{"pm25"},
			UseArchive:  true,
			Bucket:      "openaq-data-archive",
			Region:      "us-east-1",
		},
		Schedule: Schedule{DailyAt: "03:00"},
	}
}

// Load reads path (optional) over the defaults, then .env and environment
// overrides, then validates. Missing .env files are ignored.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !c.NOAA.Enabled && !c.OpenAQ.Enabled {
		return fmt.Errorf("%w: no source enabled", ErrInvalid)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv layers WORLDAQ_* variables and OPENAQ_API_KEY over cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		*dst = b
		return nil
	}

	str("WORLDAQ_CACHE_DIR", &cfg.Paths.CacheDir)
	str("WORLDAQ_OUTPUT_DIR", &cfg.Paths.OutputDir)
	str("WORLDAQ_DATABASE", &cfg.Paths.Database)
	str("WORLDAQ_ISD_HISTORY", &cfg.Paths.ISDHistory)
	str("WORLDAQ_LOCATIONS", &cfg.Paths.Locations)
	str("WORLDAQ_WORLD_CITIES", &cfg.Paths.WorldCities)
	str("WORLDAQ_METRICS_FILE", &cfg.Paths.MetricsFile)
	str("WORLDAQ_OUTPUT_FORMAT", &cfg.OutputFormat)
	str("WORLDAQ_LOG_LEVEL", &cfg.LogLevel)
	str("WORLDAQ_LOG_FORMAT", &cfg.LogFormat)
	str("OPENAQ_API_KEY", &cfg.OpenAQ.APIKey)

	for key, dst := range map[string]*int{
		"WORLDAQ_START_YEAR":          &cfg.Years.Start,
		"WORLDAQ_END_YEAR":            &cfg.Years.End,
		"WORLDAQ_CONCURRENCY":         &cfg.Concurrency,
		"WORLDAQ_INTERPOLATION_LIMIT": &cfg.InterpolationLimit,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*bool{
		"WORLDAQ_NOAA_ENABLED":       &cfg.NOAA.Enabled,
		"WORLDAQ_OPENAQ_ENABLED":     &cfg.OpenAQ.Enabled,
		"WORLDAQ_OPENAQ_USE_ARCHIVE": &cfg.OpenAQ.UseArchive,
		"WORLDAQ_FILL_MISSING_DATES": &cfg.FillMissingDates,
	} {
		if err := flag(key, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup("WORLDAQ_POLLUTANTS"); ok && v != "" {
		var ps []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				ps = append(ps, p)
			}
		}
		cfg.OpenAQ.Pollutants = ps
	}
	return nil
}

// Pollutants returns the validated pollutant selection.
func (c *Config) Pollutants() []models.Field {
	out := make([]models.Field, 0, len(c.OpenAQ.Pollutants))
	for _, p := range c.OpenAQ.Pollutants {
		if f, err := models.ParsePollutant(p); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// Sources returns the enabled sources in a fixed order.
func (c *Config) Sources() []models.Source {
	var out []models.Source
	if c.NOAA.Enabled {
		out = append(out, models.SourceWeather)
	}
	if c.OpenAQ.Enabled {
		out = append(out, models.SourceAirQuality)
	}
	return out
}

// CityRefs returns the configured cities as unresolved models.City values.
func (c *Config) CityRefs() []models.City {
	out := make([]models.City, len(c.Cities))
	for i, ref := range c.Cities {
		out[i] = models.City{Name: ref.Name, Country: ref.Country}
	}
	return out
}

// DailyAt parses the schedule time.
func (c *Config) DailyAt() (hour, minute int, err error) {
	t, err := time.Parse("15:04", c.Schedule.DailyAt)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: schedule.daily_at: %v", ErrInvalid, err)
	}
	return t.Hour(), t.Minute(), nil
}
