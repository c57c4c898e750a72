package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/lox/worldaq/internal/cache"
	"github.com/lox/worldaq/internal/httputil"
	"github.com/lox/worldaq/internal/metrics"
	"github.com/lox/worldaq/internal/models"
)

const (
	DefaultOpenAQBaseURL = "https://api.openaq.org/v3"
	MaxPageSize          = 1000
	DefaultMaxPages      = 10
	DefaultPageDelay     = 200 * time.Millisecond
)

// ParameterIDs maps pollutants to OpenAQ v3 parameter ids.
var ParameterIDs = map[models.Field]int{
	models.PM25: 2,
	models.PM10: 1,
	models.O3:   10,
	models.NO2:  7,
	models.SO2:  9,
	models.CO:   8,
}

var (
	ErrNoSensor    = errors.New("no sensor for pollutant")
	ErrNotFound    = errors.New("not found")
	errRateLimited = errors.New("rate limited")
	errServerError = errors.New("server error")
)

type OpenAQOptions struct {
	BaseURL         string
	APIKey          string
	PageSize        int
	MaxPages        int
	PageDelay       time.Duration
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
}

// OpenAQClient talks to the OpenAQ v3 REST API. It is the fallback when the
// bulk archive is unavailable, and the discovery source for locations when no
// static catalog is configured.
type OpenAQClient struct {
	baseURL         string
	apiKey          string
	client          *http.Client
	cache           *cache.Cache
	breaker         *gobreaker.CircuitBreaker
	pageSize        int
	maxPages        int
	pageDelay       time.Duration
	retryInitial    time.Duration
	retryMaxElapsed time.Duration
	logger          *slog.Logger
}

func NewOpenAQClient(opts OpenAQOptions, c *cache.Cache, logger *slog.Logger) *OpenAQClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultOpenAQBaseURL
	}
	if opts.PageSize <= 0 || opts.PageSize > MaxPageSize {
		opts.PageSize = MaxPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.PageDelay <= 0 {
		opts.PageDelay = DefaultPageDelay
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = backoff.DefaultInitialInterval
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = 2 * time.Minute
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openaq",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &OpenAQClient{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		apiKey:          opts.APIKey,
		client:          httputil.NewClient(),
		cache:           c,
		breaker:         cb,
		pageSize:        opts.PageSize,
		maxPages:        opts.MaxPages,
		pageDelay:       opts.PageDelay,
		retryInitial:    opts.RetryInitial,
		retryMaxElapsed: opts.RetryMaxElapsed,
		logger:          logger.With("component", "openaq"),
	}
}

type apiParameter struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Units string `json:"units"`
}

type apiSensor struct {
	ID        int          `json:"id"`
	Name      string       `json:"name"`
	Parameter apiParameter `json:"parameter"`
}

type apiTime struct {
	UTC string `json:"utc"`
}

type apiLocation struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Coordinates struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"coordinates"`
	DatetimeLast *apiTime    `json:"datetimeLast"`
	Sensors      []apiSensor `json:"sensors"`
}

type locationsResponse struct {
	Results []apiLocation `json:"results"`
}

type apiMeasurement struct {
	Value     *float64     `json:"value"`
	Parameter apiParameter `json:"parameter"`
	Period    struct {
		DatetimeFrom apiTime `json:"datetimeFrom"`
	} `json:"period"`
}

type measurementsResponse struct {
	Results []apiMeasurement `json:"results"`
}

type apiResponse struct {
	status int
	body   []byte
}

// getJSON issues a GET with retry on rate limiting and server errors. The
// circuit breaker only counts transport, 429 and 5xx failures.
func (c *OpenAQClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var resp *apiResponse
	operation := func() error {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "application/json")
			if c.apiKey != "" {
				req.Header.Set("X-API-Key", c.apiKey)
			}

			r, err := c.client.Do(req)
			if err != nil {
				return nil, err
			}
			defer r.Body.Close()

			if httputil.Retryable(r.StatusCode) {
				if r.StatusCode == http.StatusTooManyRequests {
					return nil, errRateLimited
				}
				return nil, fmt.Errorf("%w: status %d", errServerError, r.StatusCode)
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				return nil, err
			}
			return &apiResponse{status: r.StatusCode, body: body}, nil
		})
		if err != nil {
			metrics.APIPages.WithLabelValues("error").Inc()
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("openaq circuit open: %w", err))
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		resp = result.(*apiResponse)
		metrics.APIPages.WithLabelValues(strconv.Itoa(resp.status)).Inc()
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	bo.MaxElapsedTime = c.retryMaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}

	switch {
	case resp.status == http.StatusNotFound:
		return fmt.Errorf("get %s: %w", path, ErrNotFound)
	case resp.status != http.StatusOK:
		return fmt.Errorf("get %s: status %d: %s", path, resp.status, truncate(string(resp.body), 200))
	}

	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}

// Locations discovers monitoring locations around a coordinate.
func (c *OpenAQClient) Locations(ctx context.Context, lat, lon float64, radiusM, limit int) ([]models.Station, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	q := url.Values{}
	q.Set("coordinates", fmt.Sprintf("%.4f,%.4f", lat, lon))
	q.Set("radius", strconv.Itoa(radiusM))
	q.Set("limit", strconv.Itoa(limit))

	var data locationsResponse
	if err := c.getJSON(ctx, "/locations", q, &data); err != nil {
		return nil, err
	}

	stations := make([]models.Station, 0, len(data.Results))
	for _, loc := range data.Results {
		st := models.Station{
			ID:        strconv.Itoa(loc.ID),
			Name:      loc.Name,
			Latitude:  loc.Coordinates.Latitude,
			Longitude: loc.Coordinates.Longitude,
		}
		if loc.DatetimeLast != nil {
			if t, err := time.Parse(time.RFC3339, loc.DatetimeLast.UTC); err == nil {
				st.LastActive = t.UTC()
			}
		}
		stations = append(stations, st)
	}
	return stations, nil
}

// ResolveSensor returns the location's sensor id measuring the pollutant.
func (c *OpenAQClient) ResolveSensor(ctx context.Context, locationID string, pollutant models.Field) (int, error) {
	paramID, ok := ParameterIDs[pollutant]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoSensor, pollutant)
	}

	var data locationsResponse
	if err := c.getJSON(ctx, "/locations/"+url.PathEscape(locationID), nil, &data); err != nil {
		return 0, err
	}
	for _, loc := range data.Results {
		for _, s := range loc.Sensors {
			if s.Parameter.ID == paramID {
				return s.ID, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: location %s %s", ErrNoSensor, locationID, pollutant)
}

// Measurements pages through one sensor's readings for a calendar year. It
// stops on a short page or after maxPages, pausing between pages.
func (c *OpenAQClient) Measurements(ctx context.Context, sensorID, year int) ([]apiMeasurement, int, error) {
	q := url.Values{}
	q.Set("datetime_from", fmt.Sprintf("%d-01-01T00:00:00Z", year))
	q.Set("datetime_to", fmt.Sprintf("%d-12-31T23:59:59Z", year))
	q.Set("limit", strconv.Itoa(c.pageSize))

	var all []apiMeasurement
	pages := 0
	for page := 1; page <= c.maxPages; page++ {
		q.Set("page", strconv.Itoa(page))

		var data measurementsResponse
		if err := c.getJSON(ctx, fmt.Sprintf("/sensors/%d/measurements", sensorID), q, &data); err != nil {
			return all, pages, err
		}
		pages++
		all = append(all, data.Results...)

		if len(data.Results) < c.pageSize {
			break
		}
		if page == c.maxPages {
			c.logger.Warn("page cap reached", "sensor", sensorID, "year", year, "pages", pages)
			break
		}
		if err := sleepCtx(ctx, c.pageDelay); err != nil {
			return all, pages, err
		}
	}
	return all, pages, nil
}

// OpenAQCacheKey is the cache key for one location-pollutant-year of REST data.
func OpenAQCacheKey(locationID string, pollutant models.Field, year int) string {
	return fmt.Sprintf("openaq-api/%s/%s/%d.csv", locationID, pollutant, year)
}

// FetchSensorYear resolves the sensor for a pollutant and caches a year of its
// measurements as CSV rows of datetime, parameter, units, value.
func (c *OpenAQClient) FetchSensorYear(ctx context.Context, locationID string, pollutant models.Field, year int) FetchResult {
	key := OpenAQCacheKey(locationID, pollutant, year)
	result := FetchResult{Key: key}
	if c.cache.Has(key) {
		result.Outcome = OutcomeCached
		result.Path, _ = c.cache.Path(key)
		metrics.FetchTotal.WithLabelValues("openaq_api", result.Outcome.String()).Inc()
		return result
	}

	start := time.Now()
	defer func() {
		metrics.FetchLatency.WithLabelValues("openaq_api").Observe(time.Since(start).Seconds())
	}()

	sensorID, err := c.ResolveSensor(ctx, locationID, pollutant)
	if err != nil {
		result.Outcome = OutcomeNotFound
		if !errors.Is(err, ErrNoSensor) && !errors.Is(err, ErrNotFound) {
			result.Outcome = OutcomeFailed
			c.logger.Warn("sensor lookup failed", "location", locationID, "pollutant", pollutant, "error", err)
		}
		result.Err = err
		return c.finish(result, start)
	}

	measurements, pages, err := c.Measurements(ctx, sensorID, year)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = err
		c.logger.Warn("measurements failed", "sensor", sensorID, "year", year, "pages", pages, "error", err)
		return c.finish(result, start)
	}

	body, rows := encodeMeasurements(pollutant, measurements)
	if rows == 0 {
		result.Outcome = OutcomeNotFound
		return c.finish(result, start)
	}
	result.ResponseSize = len(body)

	entry, err := c.cache.Put(key, body)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = fmt.Errorf("cache %s: %w", key, err)
		c.logger.Error("cache write failed", "key", key, "error", err)
		return c.finish(result, start)
	}
	result.Outcome = OutcomeFetched
	result.Path = entry.Path
	result.SHA256 = entry.SHA256
	c.logger.Debug("sensor year cached", "sensor", sensorID, "year", year, "rows", rows, "pages", pages)
	return c.finish(result, start)
}

func (c *OpenAQClient) finish(result FetchResult, start time.Time) FetchResult {
	result.Duration = time.Since(start)
	metrics.FetchTotal.WithLabelValues("openaq_api", result.Outcome.String()).Inc()
	return result
}

// encodeMeasurements writes measurements in the archive's row shape so both
// paths share one normalizer.
func encodeMeasurements(pollutant models.Field, ms []apiMeasurement) ([]byte, int) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"datetime", "parameter", "units", "value"})
	rows := 0
	for _, m := range ms {
		if m.Value == nil || m.Period.DatetimeFrom.UTC == "" {
			continue
		}
		_ = w.Write([]string{
			m.Period.DatetimeFrom.UTC,
			string(pollutant),
			m.Parameter.Units,
			strconv.FormatFloat(*m.Value, 'f', -1, 64),
		})
		rows++
	}
	w.Flush()
	return buf.Bytes(), rows
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
