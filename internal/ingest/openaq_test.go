package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/worldaq/internal/models"
)

// fakeOpenAQ serves one location (2178) with a pm25 sensor (9001) whose
// measurements span total readings.
type fakeOpenAQ struct {
	total     int
	pageCalls atomic.Int32
	rateLimit atomic.Int32
	apiKey    string
}

func (f *fakeOpenAQ) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/locations/2178", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, f.apiKey, r.Header.Get("X-API-Key"))
		json.NewEncoder(w).Encode(map[string]any{
			"results": []any{map[string]any{
				"id":   2178,
				"name": "Queens College",
				"sensors": []any{
					map[string]any{"id": 8000, "name": "o3 ppm", "parameter": map[string]any{"id": 10, "name": "o3", "units": "ppm"}},
					map[string]any{"id": 9001, "name": "pm25 µg/m³", "parameter": map[string]any{"id": 2, "name": "pm25", "units": "µg/m³"}},
				},
			}},
		})
	})
	mux.HandleFunc("/sensors/9001/measurements", func(w http.ResponseWriter, r *http.Request) {
		if f.rateLimit.Load() > 0 {
			f.rateLimit.Add(-1)
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		f.pageCalls.Add(1)
		assert.Equal(t, "2023-01-01T00:00:00Z", r.URL.Query().Get("datetime_from"))
		assert.Equal(t, "2023-12-31T23:59:59Z", r.URL.Query().Get("datetime_to"))

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		start := (page - 1) * limit
		var results []any
		for i := start; i < start+limit && i < f.total; i++ {
			ts := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour)
			results = append(results, map[string]any{
				"value":     float64(i % 50),
				"parameter": map[string]any{"id": 2, "name": "pm25", "units": "µg/m³"},
				"period":    map[string]any{"datetimeFrom": map[string]any{"utc": ts.Format(time.RFC3339)}},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	})
	mux.HandleFunc("/locations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "40.7128,-74.0060", r.URL.Query().Get("coordinates"))
		assert.Equal(t, "25000", r.URL.Query().Get("radius"))
		json.NewEncoder(w).Encode(map[string]any{
			"results": []any{
				map[string]any{
					"id": 2178, "name": "Queens College",
					"coordinates":  map[string]any{"latitude": 40.7347, "longitude": -73.8215},
					"datetimeLast": map[string]any{"utc": "2025-02-01T00:00:00Z"},
				},
				map[string]any{
					"id": 99, "name": "Never Reported",
					"coordinates": map[string]any{"latitude": 40.7, "longitude": -74.0},
				},
			},
		})
	})
	return mux
}

func newTestOpenAQ(t *testing.T, f *fakeOpenAQ, pageSize, maxPages int) (*OpenAQClient, *httptest.Server) {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	client := NewOpenAQClient(OpenAQOptions{
		BaseURL:         srv.URL,
		APIKey:          f.apiKey,
		PageSize:        pageSize,
		MaxPages:        maxPages,
		PageDelay:       time.Millisecond,
		RetryInitial:    time.Millisecond,
		RetryMaxElapsed: 5 * time.Second,
	}, testCache(t), testLogger())
	return client, srv
}

func TestResolveSensor(t *testing.T) {
	f := &fakeOpenAQ{apiKey: "secret"}
	client, _ := newTestOpenAQ(t, f, 100, 10)

	id, err := client.ResolveSensor(context.Background(), "2178", models.PM25)
	require.NoError(t, err)
	assert.Equal(t, 9001, id)

	_, err = client.ResolveSensor(context.Background(), "2178", models.NO2)
	assert.True(t, errors.Is(err, ErrNoSensor))

	_, err = client.ResolveSensor(context.Background(), "404", models.PM25)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMeasurementsStopsOnShortPage(t *testing.T) {
	f := &fakeOpenAQ{total: 250}
	client, _ := newTestOpenAQ(t, f, 100, 10)

	ms, pages, err := client.Measurements(context.Background(), 9001, 2023)
	require.NoError(t, err)
	assert.Len(t, ms, 250)
	assert.Equal(t, 3, pages)
	assert.Equal(t, int32(3), f.pageCalls.Load())
}

func TestMeasurementsPageCap(t *testing.T) {
	f := &fakeOpenAQ{total: 10_000}
	client, _ := newTestOpenAQ(t, f, 100, 4)

	ms, pages, err := client.Measurements(context.Background(), 9001, 2023)
	require.NoError(t, err)
	assert.Len(t, ms, 400)
	assert.Equal(t, 4, pages)
}

func TestMeasurementsPageSizeCapped(t *testing.T) {
	assert.Equal(t, MaxPageSize, NewOpenAQClient(OpenAQOptions{PageSize: 5000}, testCache(t), testLogger()).pageSize)
	assert.Equal(t, DefaultMaxPages, NewOpenAQClient(OpenAQOptions{}, testCache(t), testLogger()).maxPages)
	assert.Equal(t, DefaultPageDelay, NewOpenAQClient(OpenAQOptions{}, testCache(t), testLogger()).pageDelay)
}

func TestMeasurementsRetriesRateLimit(t *testing.T) {
	f := &fakeOpenAQ{total: 5}
	f.rateLimit.Store(1)
	client, _ := newTestOpenAQ(t, f, 100, 10)

	ms, _, err := client.Measurements(context.Background(), 9001, 2023)
	require.NoError(t, err)
	assert.Len(t, ms, 5)
}

func TestFetchSensorYearCaches(t *testing.T) {
	f := &fakeOpenAQ{total: 30}
	client, _ := newTestOpenAQ(t, f, 100, 10)

	res := client.FetchSensorYear(context.Background(), "2178", models.PM25, 2023)
	require.Equal(t, OutcomeFetched, res.Outcome, "err: %v", res.Err)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 31)
	assert.Equal(t, "datetime,parameter,units,value", lines[0])
	assert.Equal(t, "2023-01-01T00:00:00Z,pm25,µg/m³,0", lines[1])

	again := client.FetchSensorYear(context.Background(), "2178", models.PM25, 2023)
	assert.Equal(t, OutcomeCached, again.Outcome)
	assert.Equal(t, int32(1), f.pageCalls.Load())
}

func TestFetchSensorYearNoSensor(t *testing.T) {
	f := &fakeOpenAQ{}
	client, _ := newTestOpenAQ(t, f, 100, 10)

	res := client.FetchSensorYear(context.Background(), "2178", models.SO2, 2023)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
	assert.False(t, res.Found())
}

func TestLocations(t *testing.T) {
	f := &fakeOpenAQ{}
	client, _ := newTestOpenAQ(t, f, 100, 10)

	stations, err := client.Locations(context.Background(), 40.7128, -74.0060, 25000, 20)
	require.NoError(t, err)
	require.Len(t, stations, 2)
	assert.Equal(t, "2178", stations[0].ID)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), stations[0].LastActive)
	assert.True(t, stations[1].LastActive.IsZero())
}

func TestServerErrorsTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewOpenAQClient(OpenAQOptions{
		BaseURL:         srv.URL,
		RetryInitial:    time.Millisecond,
		RetryMaxElapsed: 10 * time.Second,
	}, testCache(t), testLogger())

	_, err := client.ResolveSensor(context.Background(), "1", models.PM25)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int32(5), calls.Load(), fmt.Sprintf("breaker opens after 5 consecutive failures, got %d", calls.Load()))
}
