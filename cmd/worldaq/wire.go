package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/lox/worldaq/internal/cache"
	"github.com/lox/worldaq/internal/geo"
	"github.com/lox/worldaq/internal/ingest"
	"github.com/lox/worldaq/internal/models"
	"github.com/lox/worldaq/internal/output"
	"github.com/lox/worldaq/internal/pipeline"
	"github.com/lox/worldaq/internal/quality"
	"github.com/lox/worldaq/internal/store"
)

// resolveCities looks the configured cities up in the world-cities catalog,
// narrowed to only when it is non-empty ("Name/CC" entries).
func (a *app) resolveCities(only []string) ([]models.City, error) {
	catalog, err := geo.LoadCities(a.cfg.Paths.WorldCities)
	if err != nil {
		return nil, err
	}

	refs := a.cfg.CityRefs()
	if len(only) > 0 {
		refs = refs[:0:0]
		for _, s := range only {
			name, country, ok := strings.Cut(s, "/")
			if !ok {
				return nil, fmt.Errorf("city %q: want Name/CC", s)
			}
			refs = append(refs, models.City{Name: name, Country: country})
		}
	}

	cities, err := catalog.LookupAll(refs)
	if err != nil {
		if len(cities) == 0 {
			return nil, err
		}
		a.logger.Warn("skipping unknown cities", "error", err)
	}
	return cities, nil
}

// buildPipeline loads the station catalogs and wires every client the
// configuration enables.
func (a *app) buildPipeline(ctx context.Context, st *store.Store, clock clockwork.Clock) (*pipeline.Pipeline, error) {
	cfg := a.cfg

	c, err := cache.New(cfg.Paths.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	format, err := output.ParseFormat(cfg.OutputFormat)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		GSOD:     ingest.NewGSODClient(cfg.NOAA.BaseURL, c, a.logger),
		Writer:   output.NewWriter(cfg.Paths.OutputDir, format, a.logger),
		Store:    st,
		Detector: quality.NewDetector(nil),
	}

	if cfg.NOAA.Enabled {
		stations, err := geo.LoadISDHistory(cfg.Paths.ISDHistory)
		if err != nil {
			return nil, err
		}
		m := geo.NewMatcher(stations, clock)
		a.logger.Info("isd catalog loaded", "stations", len(stations), "eligible", m.Len())
		deps.WeatherStations = m
	}

	if cfg.OpenAQ.Enabled {
		if cfg.Paths.Locations != "" {
			locations, err := geo.LoadLocations(cfg.Paths.Locations)
			if err != nil {
				return nil, err
			}
			m := geo.NewMatcher(locations, clock)
			a.logger.Info("location catalog loaded", "locations", len(locations), "eligible", m.Len())
			deps.AirQualityStations = m
		}
		if cfg.OpenAQ.UseArchive {
			s3, err := ingest.NewS3Store(ctx, cfg.OpenAQ.Bucket, cfg.OpenAQ.Region)
			if err != nil {
				return nil, err
			}
			deps.Archive = ingest.NewArchiveClient(s3, c, cfg.Concurrency, a.logger)
		}
		if cfg.OpenAQ.APIKey != "" {
			deps.API = ingest.NewOpenAQClient(ingest.OpenAQOptions{
				BaseURL:   cfg.OpenAQ.BaseURL,
				APIKey:    cfg.OpenAQ.APIKey,
				PageSize:  cfg.OpenAQ.PageSize,
				MaxPages:  cfg.OpenAQ.MaxPages,
				PageDelay: cfg.OpenAQ.PageDelay,
			}, c, a.logger)
		} else if !cfg.OpenAQ.UseArchive {
			a.logger.Warn("openaq archive disabled and no api key; air quality will produce nothing")
		}
	}

	opts := pipeline.Options{
		Years:              cfg.Years.List(),
		Concurrency:        cfg.Concurrency,
		InterpolationLimit: cfg.InterpolationLimit,
		FillMissingDates:   cfg.FillMissingDates,
		Pollutants:         cfg.Pollutants(),
		Weather: pipeline.SourceOptions{
			RadiusKM:    cfg.NOAA.RadiusKM,
			MaxStations: cfg.NOAA.MaxStations,
			MinCoverage: cfg.NOAA.MinCoverage,
		},
		AirQuality: pipeline.SourceOptions{
			RadiusKM:    cfg.OpenAQ.RadiusKM,
			MaxStations: cfg.OpenAQ.MaxStations,
			MinCoverage: cfg.OpenAQ.MinCoverage,
		},
	}
	return pipeline.New(opts, deps, clock, a.logger), nil
}
