package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/worldaq/internal/cache"
	"github.com/lox/worldaq/internal/metrics"
)

const (
	DefaultArchiveBucket = "openaq-data-archive"
	DefaultArchiveRegion = "us-east-1"
	DefaultConcurrency   = 10
)

// ObjectStore is the subset of bucket operations the archive client needs.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// ArchiveClient downloads OpenAQ bulk archive objects through a bounded
// worker pool.
type ArchiveClient struct {
	store       ObjectStore
	cache       *cache.Cache
	concurrency int
	logger      *slog.Logger
}

func NewArchiveClient(store ObjectStore, c *cache.Cache, concurrency int, logger *slog.Logger) *ArchiveClient {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &ArchiveClient{
		store:       store,
		cache:       c,
		concurrency: concurrency,
		logger:      logger.With("component", "archive"),
	}
}

// ArchivePrefix returns the listing prefix for a location-year, narrowed to a
// single month when month is 1-12.
func ArchivePrefix(locationID string, year, month int) string {
	prefix := fmt.Sprintf("records/csv.gz/locationid=%s/year=%d/", locationID, year)
	if month >= 1 && month <= 12 {
		prefix += fmt.Sprintf("month=%02d/", month)
	}
	return prefix
}

// ArchiveCacheKey is the cache key for one archive object.
func ArchiveCacheKey(locationID string, year int, objectKey string) string {
	return fmt.Sprintf("openaq-archive/%s/%d/%s", locationID, year, path.Base(objectKey))
}

// ListObjects returns the sorted .csv.gz keys for a location-year.
func (a *ArchiveClient) ListObjects(ctx context.Context, locationID string, year, month int) ([]string, error) {
	keys, err := a.store.List(ctx, ArchivePrefix(locationID, year, month))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if strings.HasSuffix(k, ".csv.gz") {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// DownloadYear fetches every archive object for the year.
func (a *ArchiveClient) DownloadYear(ctx context.Context, locationID string, year int) ArchiveResult {
	return a.Download(ctx, locationID, year, 0)
}

type objectResult struct {
	key    string
	path   string
	cached bool
	err    error
}

// Download lists and fetches archive objects for a location-year (or one
// month of it). Individual object failures are tallied, never returned; the
// result holds every path that is available locally.
func (a *ArchiveClient) Download(ctx context.Context, locationID string, year, month int) ArchiveResult {
	res := ArchiveResult{LocationID: locationID, Year: year}

	keys, err := a.ListObjects(ctx, locationID, year, month)
	if err != nil {
		res.ListErr = err
		a.logger.Error("list failed", "location", locationID, "year", year, "error", err)
		return res
	}
	res.Listed = len(keys)
	if len(keys) == 0 {
		a.logger.Warn("no archive objects", "location", locationID, "year", year)
		return res
	}

	results := make(chan objectResult, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			results <- a.fetchObject(gctx, locationID, year, key)
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	for r := range results {
		switch {
		case r.err != nil:
			res.Failed++
			metrics.ArchiveObjects.WithLabelValues("failed").Inc()
			a.logger.Error("object download failed", "key", r.key, "error", r.err)
		case r.cached:
			res.Cached++
			res.Paths = append(res.Paths, r.path)
			metrics.ArchiveObjects.WithLabelValues("cached").Inc()
		default:
			res.Fetched++
			res.Paths = append(res.Paths, r.path)
			metrics.ArchiveObjects.WithLabelValues("fetched").Inc()
		}
	}
	sort.Strings(res.Paths)

	a.logger.Info("archive year complete",
		"location", locationID, "year", year,
		"ok", len(res.Paths), "listed", res.Listed, "failed", res.Failed)
	return res
}

func (a *ArchiveClient) fetchObject(ctx context.Context, locationID string, year int, key string) objectResult {
	cacheKey := ArchiveCacheKey(locationID, year, key)
	if a.cache.Has(cacheKey) {
		p, _ := a.cache.Path(cacheKey)
		return objectResult{key: key, path: p, cached: true}
	}

	start := time.Now()
	data, err := a.store.Get(ctx, key)
	metrics.FetchLatency.WithLabelValues("openaq_archive").Observe(time.Since(start).Seconds())
	if err != nil {
		return objectResult{key: key, err: err}
	}

	entry, err := a.cache.Put(cacheKey, data)
	if err != nil {
		return objectResult{key: key, err: fmt.Errorf("cache %s: %w", cacheKey, err)}
	}
	return objectResult{key: key, path: entry.Path}
}
