package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/worldaq/internal/cache"
	"github.com/lox/worldaq/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(t.TempDir())
	require.NoError(t, err)
	return c
}

const gsodSample = `"STATION","DATE","LATITUDE","LONGITUDE","ELEVATION","NAME","TEMP","TEMP_ATTRIBUTES"
"72503014732","2023-06-01","40.779","-73.88","3.4","LA GUARDIA AIRPORT, NY US","  70.5","24"
`

func TestGSODFetchYear(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/2023/72503014732.csv":
			w.Write([]byte(gsodSample))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewGSODClient(srv.URL, testCache(t), testLogger())

	res := client.FetchYear(context.Background(), 2023, "725030-14732")
	require.Equal(t, OutcomeFetched, res.Outcome, "err: %v", res.Err)
	assert.True(t, res.Found())
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, len(gsodSample), res.ResponseSize)
	assert.NotEmpty(t, res.SHA256)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, gsodSample, string(data))

	// Warm cache: no further requests.
	again := client.FetchYear(context.Background(), 2023, "725030-14732")
	assert.Equal(t, OutcomeCached, again.Outcome)
	assert.Equal(t, res.Path, again.Path)
	assert.Equal(t, int32(1), hits.Load())
}

func TestGSODFetchYearMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/2022/") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := testCache(t)
	client := NewGSODClient(srv.URL, c, testLogger())

	res := client.FetchYear(context.Background(), 2023, "999999-99999")
	assert.Equal(t, OutcomeNotFound, res.Outcome)
	assert.False(t, res.Found())
	assert.NoError(t, res.Err)
	assert.False(t, c.Has(GSODCacheKey(2023, "999999-99999")), "misses are not cached")

	res = client.FetchYear(context.Background(), 2022, "999999-99999")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, http.StatusForbidden, res.HTTPStatus)
	assert.False(t, res.Found())
}

func TestGSODTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewGSODClient(url, testCache(t), testLogger())
	res := client.FetchYear(context.Background(), 2023, "725030-14732")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Error(t, res.Err)
}

func TestGSODFetchStationSequential(t *testing.T) {
	var mu sync.Mutex
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/2023/72503014732.csv" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(gsodSample))
	}))
	defer srv.Close()

	client := NewGSODClient(srv.URL, testCache(t), testLogger())
	results := client.FetchStation(context.Background(), "725030-14732", []int{2022, 2023, 2024})
	require.Len(t, results, 3)
	assert.Equal(t, OutcomeFetched, results[0].Outcome)
	assert.Equal(t, OutcomeNotFound, results[1].Outcome)
	assert.Equal(t, OutcomeFetched, results[2].Outcome)
	assert.Equal(t, []string{"/2022/72503014732.csv", "/2023/72503014732.csv", "/2024/72503014732.csv"}, order)
}

func TestGSODURL(t *testing.T) {
	client := NewGSODClient("", testCache(t), testLogger())
	assert.Equal(t, "https://noaa-gsod-pds.s3.amazonaws.com/2024/72295023174.csv", client.URL(2024, "722950-23174"))
	assert.Equal(t, "gsod/2024/722950-23174.csv", GSODCacheKey(2024, "722950-23174"))
}

// fakeStore serves a fixed listing. Keys in fail return a transport error.
type fakeStore struct {
	keys     []string
	fail     map[string]bool
	listErr  error
	delay    time.Duration
	gets     atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeStore) List(ctx context.Context, prefix string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []string
	for _, k := range f.keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.gets.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail[key] {
		return nil, errors.New("connection reset by peer")
	}
	return []byte("payload:" + key), nil
}

func monthlyKeys(location string, year int) []string {
	var keys []string
	for m := 1; m <= 12; m++ {
		keys = append(keys, fmt.Sprintf("records/csv.gz/locationid=%s/year=%d/month=%02d/location-%s-%d%02d01.csv.gz", location, year, m, location, year, m))
	}
	return keys
}

func TestArchiveDownloadPartialFailure(t *testing.T) {
	keys := monthlyKeys("2178", 2023)
	store := &fakeStore{
		keys:  append(keys, "records/csv.gz/locationid=2178/year=2023/README.txt"),
		fail:  map[string]bool{keys[3]: true, keys[8]: true},
		delay: 5 * time.Millisecond,
	}
	client := NewArchiveClient(store, testCache(t), 10, testLogger())

	res := client.DownloadYear(context.Background(), "2178", 2023)
	assert.NoError(t, res.ListErr)
	assert.Equal(t, 12, res.Listed)
	assert.Len(t, res.Paths, 10)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 10, res.Fetched)
	assert.LessOrEqual(t, store.maxSeen.Load(), int32(10))

	for _, p := range res.Paths {
		assert.FileExists(t, p)
	}
}

func TestArchiveDownloadWarmCache(t *testing.T) {
	store := &fakeStore{keys: monthlyKeys("2178", 2023)}
	client := NewArchiveClient(store, testCache(t), 4, testLogger())

	first := client.DownloadYear(context.Background(), "2178", 2023)
	require.Len(t, first.Paths, 12)
	require.Equal(t, int32(12), store.gets.Load())

	second := client.DownloadYear(context.Background(), "2178", 2023)
	assert.Equal(t, first.Paths, second.Paths)
	assert.Equal(t, 12, second.Cached)
	assert.Equal(t, int32(12), store.gets.Load(), "warm cache issues no object fetches")
}

func TestArchiveBoundedConcurrency(t *testing.T) {
	store := &fakeStore{keys: monthlyKeys("1", 2024), delay: 20 * time.Millisecond}
	client := NewArchiveClient(store, testCache(t), 3, testLogger())

	res := client.DownloadYear(context.Background(), "1", 2024)
	assert.Len(t, res.Paths, 12)
	assert.LessOrEqual(t, store.maxSeen.Load(), int32(3))
}

func TestArchiveEmptyAndListFailure(t *testing.T) {
	client := NewArchiveClient(&fakeStore{}, testCache(t), 10, testLogger())
	res := client.DownloadYear(context.Background(), "42", 2023)
	assert.Empty(t, res.Paths)
	assert.NoError(t, res.ListErr)

	client = NewArchiveClient(&fakeStore{listErr: errors.New("access denied")}, testCache(t), 10, testLogger())
	res = client.DownloadYear(context.Background(), "42", 2023)
	assert.Empty(t, res.Paths)
	assert.Error(t, res.ListErr)
}

func TestArchiveMonthPrefix(t *testing.T) {
	assert.Equal(t, "records/csv.gz/locationid=2178/year=2023/", ArchivePrefix("2178", 2023, 0))
	assert.Equal(t, "records/csv.gz/locationid=2178/year=2023/month=06/", ArchivePrefix("2178", 2023, 6))

	store := &fakeStore{keys: monthlyKeys("2178", 2023)}
	client := NewArchiveClient(store, testCache(t), 10, testLogger())
	res := client.Download(context.Background(), "2178", 2023, 6)
	require.Len(t, res.Paths, 1)
	assert.True(t, strings.HasSuffix(res.Paths[0], "location-2178-20230601.csv.gz"))
}

func TestParseBatch(t *testing.T) {
	batch, err := ParseBatch(models.SourceWeather, "725030-14732", "2023", strings.NewReader(gsodSample))
	require.NoError(t, err)
	assert.Equal(t, "STATION", batch.Header[0])
	require.Len(t, batch.Rows, 1)
	assert.Equal(t, "  70.5", batch.Rows[0][6])

	empty, err := ParseBatch(models.SourceWeather, "x", "2023", strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, empty.Rows)
}

func TestWriteAtomic(t *testing.T) {
	dest := t.TempDir() + "/catalog/isd-history.csv"
	n, err := writeAtomic(dest, strings.NewReader("USAF,WBAN\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "USAF,WBAN\n", string(data))
}

func TestFetchISDHistoryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("WORLDAQ_INTEGRATION") == "" {
		t.Skip("set WORLDAQ_INTEGRATION=1 to reach ftp.ncei.noaa.gov")
	}
	dest := t.TempDir() + "/isd-history.csv"
	n, err := FetchISDHistory(context.Background(), "", dest)
	require.NoError(t, err)
	assert.Greater(t, n, int64(1_000_000))
}
