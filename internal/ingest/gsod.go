package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lox/worldaq/internal/cache"
	"github.com/lox/worldaq/internal/httputil"
	"github.com/lox/worldaq/internal/metrics"
	"github.com/lox/worldaq/internal/models"
)

const DefaultGSODBaseURL = "https://noaa-gsod-pds.s3.amazonaws.com"

// GSODClient downloads NOAA Global Summary of the Day station-year files.
type GSODClient struct {
	baseURL string
	client  *http.Client
	cache   *cache.Cache
	logger  *slog.Logger
}

func NewGSODClient(baseURL string, c *cache.Cache, logger *slog.Logger) *GSODClient {
	if baseURL == "" {
		baseURL = DefaultGSODBaseURL
	}
	return &GSODClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httputil.NewClient(),
		cache:   c,
		logger:  logger.With("component", "gsod"),
	}
}

// GSODCacheKey is the cache key for one station-year file.
func GSODCacheKey(year int, stationID string) string {
	return fmt.Sprintf("gsod/%d/%s.csv", year, stationID)
}

// URL returns the public bucket URL for a station-year. Station ids are
// written without the USAF/WBAN dash.
func (g *GSODClient) URL(year int, stationID string) string {
	return fmt.Sprintf("%s/%d/%s.csv", g.baseURL, year, strings.ReplaceAll(stationID, "-", ""))
}

// FetchYear returns the cached station-year file, downloading it first if
// needed. Missing files and transport errors are reported in the result and
// never returned as errors.
func (g *GSODClient) FetchYear(ctx context.Context, year int, stationID string) FetchResult {
	key := GSODCacheKey(year, stationID)
	result := FetchResult{Key: key}

	if path, err := g.cache.Path(key); err == nil && g.cache.Has(key) {
		result.Outcome = OutcomeCached
		result.Path = path
		metrics.FetchTotal.WithLabelValues(string(models.SourceWeather), result.Outcome.String()).Inc()
		return result
	}

	start := time.Now()

	url := g.URL(year, stationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = fmt.Errorf("build request: %w", err)
		return g.finish(result, start)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = fmt.Errorf("fetch %s: %w", url, err)
		g.logger.Warn("download failed", "station", stationID, "year", year, "error", err)
		return g.finish(result, start)
	}
	defer resp.Body.Close()
	result.HTTPStatus = resp.StatusCode

	if resp.StatusCode == http.StatusNotFound {
		result.Outcome = OutcomeNotFound
		g.logger.Debug("no data for station-year", "station", stationID, "year", year)
		return g.finish(result, start)
	}
	if resp.StatusCode != http.StatusOK {
		result.Outcome = OutcomeFailed
		result.Err = fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
		g.logger.Warn("download rejected", "station", stationID, "year", year, "status", resp.StatusCode)
		return g.finish(result, start)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = fmt.Errorf("read body: %w", err)
		g.logger.Warn("download truncated", "station", stationID, "year", year, "error", err)
		return g.finish(result, start)
	}
	result.ResponseSize = len(body)

	entry, err := g.cache.Put(key, body)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = fmt.Errorf("cache %s: %w", key, err)
		g.logger.Error("cache write failed", "key", key, "error", err)
		return g.finish(result, start)
	}

	result.Outcome = OutcomeFetched
	result.Path = entry.Path
	result.SHA256 = entry.SHA256
	g.logger.Debug("downloaded", "station", stationID, "year", year, "bytes", len(body))
	return g.finish(result, start)
}

// FetchStation fetches each year for one station sequentially.
func (g *GSODClient) FetchStation(ctx context.Context, stationID string, years []int) []FetchResult {
	results := make([]FetchResult, 0, len(years))
	for _, year := range years {
		if ctx.Err() != nil {
			results = append(results, FetchResult{Key: GSODCacheKey(year, stationID), Outcome: OutcomeFailed, Err: ctx.Err()})
			continue
		}
		results = append(results, g.FetchYear(ctx, year, stationID))
	}
	return results
}

func (g *GSODClient) finish(result FetchResult, start time.Time) FetchResult {
	result.Duration = time.Since(start)
	metrics.FetchLatency.WithLabelValues(string(models.SourceWeather)).Observe(result.Duration.Seconds())
	metrics.FetchTotal.WithLabelValues(string(models.SourceWeather), result.Outcome.String()).Inc()
	return result
}
