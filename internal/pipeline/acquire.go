package pipeline

import (
	"context"
	"database/sql"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lox/worldaq/internal/ingest"
	"github.com/lox/worldaq/internal/models"
	"github.com/lox/worldaq/internal/store"
)

// acquire downloads and parses every candidate's raw batches. Stations that
// produced nothing are absent from the result.
func (p *Pipeline) acquire(ctx context.Context, runID string, source models.Source, candidates []models.StationCandidate) map[string][]models.RawBatch {
	if source == models.SourceAirQuality {
		return p.acquireAirQuality(ctx, runID, candidates)
	}
	return p.acquireWeather(ctx, runID, candidates)
}

// acquireWeather runs stations through a bounded pool; years stay sequential
// within a station.
func (p *Pipeline) acquireWeather(ctx context.Context, runID string, candidates []models.StationCandidate) map[string][]models.RawBatch {
	var (
		mu  sync.Mutex
		out = make(map[string][]models.RawBatch, len(candidates))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, c := range candidates {
		g.Go(func() error {
			results := p.deps.GSOD.FetchStation(gctx, c.ID, p.opts.Years)
			var batches []models.RawBatch
			for i, res := range results {
				period := strconv.Itoa(p.opts.Years[i])
				p.audit(runID, models.SourceWeather, c.ID, period, res)
				if !res.Found() {
					continue
				}
				if b, ok := p.read(models.SourceWeather, c.ID, period, res.Path); ok {
					batches = append(batches, b)
				}
			}
			if len(batches) > 0 {
				mu.Lock()
				out[c.ID] = batches
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// acquireAirQuality pulls each location-year from the bulk archive. When the
// archive is disabled or has nothing for the year, each pollutant is fetched
// from the REST API instead, if one is configured. Locations run one at a
// time because the archive client already fans out per object.
func (p *Pipeline) acquireAirQuality(ctx context.Context, runID string, candidates []models.StationCandidate) map[string][]models.RawBatch {
	out := make(map[string][]models.RawBatch, len(candidates))
	for _, c := range candidates {
		var batches []models.RawBatch
		for _, year := range p.opts.Years {
			if ctx.Err() != nil {
				break
			}
			period := strconv.Itoa(year)

			var paths []string
			if p.deps.Archive != nil {
				ar := p.deps.Archive.DownloadYear(ctx, c.ID, year)
				p.auditArchive(runID, c.ID, period, ar)
				paths = ar.Paths
			}
			for _, path := range paths {
				if b, ok := p.read(models.SourceAirQuality, c.ID, "", path); ok {
					batches = append(batches, b)
				}
			}
			if len(paths) > 0 || p.deps.API == nil {
				continue
			}

			for _, pollutant := range p.opts.Pollutants {
				res := p.deps.API.FetchSensorYear(ctx, c.ID, pollutant, year)
				p.audit(runID, models.SourceAirQuality, c.ID, period, res)
				if !res.Found() {
					continue
				}
				if b, ok := p.read(models.SourceAirQuality, c.ID, period, res.Path); ok {
					batches = append(batches, b)
				}
			}
		}
		if len(batches) > 0 {
			out[c.ID] = batches
		}
	}
	return out
}

func (p *Pipeline) read(source models.Source, stationID, period, path string) (models.RawBatch, bool) {
	b, err := ingest.ReadBatch(source, stationID, period, path)
	if err != nil {
		p.logger.Warn("unreadable cache file", "station", stationID, "path", path, "error", err)
		return models.RawBatch{}, false
	}
	return b, true
}

// audit records one fetch unit. Audit failures are logged and never fail
// the city.
func (p *Pipeline) audit(runID string, source models.Source, stationID, period string, res ingest.FetchResult) {
	run := &store.IngestRun{
		RunID:     runID,
		Source:    string(source),
		UnitKey:   res.Key,
		StationID: stationID,
		Period:    period,
		Outcome:   res.Outcome.String(),
	}
	if res.HTTPStatus != 0 {
		run.HTTPStatus = sql.NullInt64{Int64: int64(res.HTTPStatus), Valid: true}
	}
	if res.ResponseSize > 0 {
		run.ResponseSizeBytes = sql.NullInt64{Int64: int64(res.ResponseSize), Valid: true}
	}
	if res.SHA256 != "" {
		run.SHA256 = sql.NullString{String: res.SHA256, Valid: true}
	}
	if res.Duration > 0 {
		run.DurationMS = sql.NullInt64{Int64: res.Duration.Milliseconds(), Valid: true}
	}
	if res.Err != nil {
		run.ErrorMessage = sql.NullString{String: res.Err.Error(), Valid: true}
	}
	if err := p.deps.Store.RecordIngestRun(run); err != nil {
		p.logger.Warn("record ingest run failed", "unit", res.Key, "error", err)
	}
}

// auditArchive records a location-year of archive objects as one unit,
// keyed by its listing prefix.
func (p *Pipeline) auditArchive(runID, locationID, period string, ar ingest.ArchiveResult) {
	res := ingest.FetchResult{Key: ingest.ArchivePrefix(locationID, ar.Year, 0), Err: ar.ListErr}
	switch {
	case ar.ListErr != nil:
		res.Outcome = ingest.OutcomeFailed
	case ar.Listed == 0:
		res.Outcome = ingest.OutcomeNotFound
	case len(ar.Paths) == 0:
		res.Outcome = ingest.OutcomeFailed
	case ar.Fetched == 0:
		res.Outcome = ingest.OutcomeCached
	default:
		res.Outcome = ingest.OutcomeFetched
	}
	p.audit(runID, models.SourceAirQuality, locationID, period, res)
}
