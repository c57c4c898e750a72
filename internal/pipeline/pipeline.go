// Package pipeline sequences station matching, acquisition, normalization,
// quality control, fusion and persistence for each configured city and
// source.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lox/worldaq/internal/fusion"
	"github.com/lox/worldaq/internal/geo"
	"github.com/lox/worldaq/internal/ingest"
	"github.com/lox/worldaq/internal/metrics"
	"github.com/lox/worldaq/internal/models"
	"github.com/lox/worldaq/internal/normalize"
	"github.com/lox/worldaq/internal/output"
	"github.com/lox/worldaq/internal/quality"
	"github.com/lox/worldaq/internal/store"
)

// StationFinder answers nearest-station queries. *geo.Matcher satisfies it.
type StationFinder interface {
	FindNearest(lat, lon float64, n int, maxDistanceKM float64) []models.StationCandidate
}

type WeatherFetcher interface {
	FetchStation(ctx context.Context, stationID string, years []int) []ingest.FetchResult
}

type ArchiveFetcher interface {
	DownloadYear(ctx context.Context, locationID string, year int) ingest.ArchiveResult
}

// AirQualityAPI is the REST surface used for location discovery and the
// per-pollutant fallback. *ingest.OpenAQClient satisfies it.
type AirQualityAPI interface {
	Locations(ctx context.Context, lat, lon float64, radiusM, limit int) ([]models.Station, error)
	FetchSensorYear(ctx context.Context, locationID string, pollutant models.Field, year int) ingest.FetchResult
}

// Recorder persists audit rows and fused output. *store.Store satisfies it.
type Recorder interface {
	RecordIngestRun(run *store.IngestRun) error
	StartCityRun(runID, city, country, source string) (*store.CityRun, error)
	CompleteCityRun(run *store.CityRun) error
	UpsertFusedDays(runID string, city models.City, source models.Source, fields []models.Field, days []models.FusedDay) (int, error)
	GetFusedDays(city models.City, source models.Source, from, to time.Time) ([]models.FusedDay, error)
}

// SourceOptions are the matching and filtering knobs of one source.
type SourceOptions struct {
	RadiusKM    float64
	MaxStations int
	MinCoverage float64
}

type Options struct {
	Years              []int
	Concurrency        int
	InterpolationLimit int
	FillMissingDates   bool
	Pollutants         []models.Field
	Weather            SourceOptions
	AirQuality         SourceOptions
}

// Deps are the collaborators of a Pipeline. Archive and API may be nil:
// without Archive every location-year goes to the REST fallback, without
// API there is no fallback and no location discovery.
type Deps struct {
	WeatherStations    StationFinder
	AirQualityStations StationFinder
	GSOD               WeatherFetcher
	Archive            ArchiveFetcher
	API                AirQualityAPI
	Writer             *output.Writer
	Store              Recorder
	Detector           *quality.Detector
}

type Pipeline struct {
	opts Options
	// span is the configured year range. ForYears narrows opts.Years but
	// keeps span, so all_years and the report still cover every year.
	span       []int
	deps       Deps
	normalizer *normalize.Normalizer
	clock      clockwork.Clock
	logger     *slog.Logger
}

func New(opts Options, deps Deps, clock clockwork.Clock, logger *slog.Logger) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = ingest.DefaultConcurrency
	}
	if len(opts.Pollutants) == 0 {
		opts.Pollutants = []models.Field{models.PM25}
	}
	if deps.Detector == nil {
		deps.Detector = quality.NewDetector(nil)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pipeline{
		opts:       opts,
		span:       append([]int(nil), opts.Years...),
		deps:       deps,
		normalizer: normalize.New(opts.Pollutants),
		clock:      clock,
		logger:     logger.With("component", "pipeline"),
	}
}

// Result describes one finished run.
type Result struct {
	RunID   string
	Reports []*output.Report
	Paths   []string
}

// Run processes every city for every source. City failures end up in the
// report; only a report that cannot be written is returned as an error.
func (p *Pipeline) Run(ctx context.Context, cities []models.City, sources []models.Source) (*Result, error) {
	res := &Result{RunID: uuid.NewString()}
	p.logger.Info("run started", "run_id", res.RunID, "cities", len(cities), "sources", len(sources), "years", len(p.opts.Years))

	for _, source := range sources {
		report := output.NewReport(source)
		for _, city := range cities {
			if ctx.Err() != nil {
				report.Add(output.CitySummary{City: city, Status: output.StatusFailed, Error: ctx.Err().Error()})
				continue
			}
			summary, paths := p.processCity(ctx, res.RunID, city, source)
			if summary.Status != output.StatusOK && p.partial() {
				p.describeStored(&summary, city, source)
			}
			report.Add(summary)
			res.Paths = append(res.Paths, paths...)
			metrics.CitiesProcessed.WithLabelValues(string(source), string(summary.Status)).Inc()
		}

		reportPath, err := report.WriteFile(p.deps.Writer.Root())
		if err != nil {
			return res, fmt.Errorf("write %s report: %w", source, err)
		}
		res.Reports = append(res.Reports, report)
		res.Paths = append(res.Paths, reportPath)

		counts := report.Counts()
		p.logger.Info("source complete", "source", source,
			"ok", counts[output.StatusOK], "skipped", len(cities)-counts[output.StatusOK], "report", reportPath)
	}
	return res, nil
}

func (p *Pipeline) sourceOptions(source models.Source) SourceOptions {
	if source == models.SourceAirQuality {
		return p.opts.AirQuality
	}
	return p.opts.Weather
}

// schema is the field set fusion considers for the source.
func (p *Pipeline) schema(source models.Source) []models.Field {
	if source == models.SourceAirQuality {
		return p.opts.Pollutants
	}
	return source.Fields()
}

func (p *Pipeline) processCity(ctx context.Context, runID string, city models.City, source models.Source) (output.CitySummary, []string) {
	log := p.logger.With("city", city.String(), "source", source)
	summary := output.CitySummary{City: city}

	run, err := p.deps.Store.StartCityRun(runID, city.Name, city.Country, string(source))
	if err != nil {
		log.Warn("start city run failed", "error", err)
	}
	defer func() {
		if run == nil {
			return
		}
		run.Status = string(summary.Status)
		run.Matched = summary.Matched
		run.Surviving = summary.Surviving
		run.Records = summary.Records
		if summary.Error != "" {
			run.ErrorMessage.String, run.ErrorMessage.Valid = summary.Error, true
		}
		if err := p.deps.Store.CompleteCityRun(run); err != nil {
			log.Warn("complete city run failed", "error", err)
		}
	}()

	fail := func(err error) (output.CitySummary, []string) {
		summary.Status = output.StatusFailed
		summary.Error = err.Error()
		log.Error("city failed", "error", err)
		return summary, nil
	}

	candidates, err := p.match(ctx, city, source)
	if err != nil {
		return fail(err)
	}
	summary.Matched = len(candidates)
	if len(candidates) == 0 {
		summary.Status = output.StatusNoStations
		log.Warn("no stations in range", "radius_km", p.sourceOptions(source).RadiusKM)
		return summary, nil
	}

	batches := p.acquire(ctx, runID, source, candidates)
	if len(batches) == 0 {
		summary.Status = output.StatusNoDownloads
		log.Warn("no successful downloads", "stations", len(candidates))
		return summary, nil
	}

	flagged := make(map[string][]models.FlaggedRecord, len(batches))
	for id, bs := range batches {
		recs, stats := p.normalizer.NormalizeStation(id, bs)
		if stats.Sentinels > 0 || stats.BadDates > 0 || stats.UnknownUnits > 0 {
			log.Debug("normalized", "station", id, "records", stats.Records,
				"sentinels", stats.Sentinels, "bad_dates", stats.BadDates, "unknown_units", stats.UnknownUnits)
		}
		flagged[id] = p.deps.Detector.Flag(recs)
		countOutliers(source, flagged[id])
	}

	core := quality.CoreFields(source, p.opts.Pollutants)
	kept, scores := quality.FilterLowCoverage(flagged, core, p.sourceOptions(source).MinCoverage)
	for id, c := range scores {
		if _, ok := kept[id]; !ok {
			log.Info("station dropped for coverage", "station", id, "coverage", c)
		}
	}
	summary.Surviving = len(kept)
	if len(kept) == 0 {
		summary.Status = output.StatusNoCoverage
		log.Warn("no station met the coverage threshold", "min", p.sourceOptions(source).MinCoverage)
		return summary, nil
	}

	distances := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		distances[c.ID] = c.DistanceKM
	}

	schema := p.schema(source)
	fields := fusion.TrackedFields(kept, schema)
	days := fusion.Fuse(kept, distances, schema)
	if p.opts.FillMissingDates && len(days) > 0 {
		days = fusion.FillCalendar(days, fields, days[0].Date, days[len(days)-1].Date)
	}
	days = fusion.Interpolate(days, fields, p.opts.InterpolationLimit)
	countInterpolated(source, days)

	datasets := SplitYears(city, source, fields, days)
	var paths []string
	for _, ds := range datasets {
		path, err := p.deps.Writer.WriteDataset(ds)
		if err != nil {
			return fail(fmt.Errorf("write %d: %w", ds.Year, err))
		}
		paths = append(paths, path)
	}

	if _, err := p.deps.Store.UpsertFusedDays(runID, city, source, fields, days); err != nil {
		return fail(fmt.Errorf("store fused days: %w", err))
	}
	metrics.FusedDays.WithLabelValues(string(source)).Add(float64(len(days)))

	allFields, allDays := fields, days
	if p.partial() {
		allFields, allDays, err = p.withStored(city, source, fields, days, p.opts.Years)
		if err != nil {
			return fail(fmt.Errorf("read stored years: %w", err))
		}
	}
	allPath, err := p.deps.Writer.WriteAllYears(SplitYears(city, source, allFields, allDays))
	if err != nil {
		return fail(fmt.Errorf("write all years: %w", err))
	}
	paths = append(paths, allPath)

	output.Summarize(&summary, allFields, allDays)
	summary.Status = output.StatusOK
	log.Info("city complete", "stations", summary.Surviving, "days", len(days), "years", len(datasets))
	return summary, paths
}

// match finds candidate stations. Air quality prefers the static location
// catalog and falls back to REST discovery fed through a matcher.
func (p *Pipeline) match(ctx context.Context, city models.City, source models.Source) ([]models.StationCandidate, error) {
	opts := p.sourceOptions(source)
	if source == models.SourceWeather {
		if p.deps.WeatherStations == nil {
			return nil, fmt.Errorf("no weather station catalog")
		}
		return p.deps.WeatherStations.FindNearest(city.Latitude, city.Longitude, opts.MaxStations, opts.RadiusKM), nil
	}

	if p.deps.AirQualityStations != nil {
		return p.deps.AirQualityStations.FindNearest(city.Latitude, city.Longitude, opts.MaxStations, opts.RadiusKM), nil
	}
	if p.deps.API == nil {
		return nil, fmt.Errorf("no location catalog and no api key for discovery")
	}
	stations, err := p.deps.API.Locations(ctx, city.Latitude, city.Longitude, int(opts.RadiusKM*1000), ingest.MaxPageSize)
	if err != nil {
		return nil, fmt.Errorf("discover locations: %w", err)
	}
	return geo.NewMatcher(stations, p.clock).FindNearest(city.Latitude, city.Longitude, opts.MaxStations, opts.RadiusKM), nil
}

// SplitYears groups date-sorted days into one dataset per calendar year,
// ascending.
func SplitYears(city models.City, source models.Source, fields []models.Field, days []models.FusedDay) []models.CityYearDataset {
	var out []models.CityYearDataset
	for _, d := range days {
		year := d.Date.Year()
		if len(out) == 0 || out[len(out)-1].Year != year {
			out = append(out, models.CityYearDataset{City: city, Source: source, Year: year, Fields: fields})
		}
		last := &out[len(out)-1]
		last.Days = append(last.Days, d)
	}
	return out
}

func countOutliers(source models.Source, recs []models.FlaggedRecord) {
	for _, r := range recs {
		for f, flagged := range r.Outlier {
			if flagged {
				metrics.Outliers.WithLabelValues(string(source), string(f)).Inc()
			}
		}
	}
}

func countInterpolated(source models.Source, days []models.FusedDay) {
	for _, d := range days {
		for f, filled := range d.Interpolated {
			if filled {
				metrics.Interpolated.WithLabelValues(string(source), string(f)).Inc()
			}
		}
	}
}

// partial reports whether the run leaves some configured years out.
func (p *Pipeline) partial() bool {
	for _, y := range p.span {
		if !slices.Contains(p.opts.Years, y) {
			return true
		}
	}
	return false
}

// withStored merges days with the stored days of every configured year
// outside skip. Fields are the union of both, in schema order.
func (p *Pipeline) withStored(city models.City, source models.Source, fields []models.Field, days []models.FusedDay, skip []int) ([]models.Field, []models.FusedDay, error) {
	from := time.Date(slices.Min(p.span), 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(slices.Max(p.span), 12, 31, 0, 0, 0, 0, time.UTC)
	stored, err := p.deps.Store.GetFusedDays(city, source, from, to)
	if err != nil {
		return nil, nil, err
	}

	var merged []models.FusedDay
	present := make(map[models.Field]bool, len(fields))
	for _, f := range fields {
		present[f] = true
	}
	for _, d := range stored {
		year := d.Date.Year()
		if slices.Contains(skip, year) || !slices.Contains(p.span, year) {
			continue
		}
		for f := range d.Values {
			present[f] = true
		}
		merged = append(merged, d)
	}
	merged = append(merged, days...)
	slices.SortStableFunc(merged, func(a, b models.FusedDay) int { return a.Date.Compare(b.Date) })

	var out []models.Field
	for _, f := range p.schema(source) {
		if present[f] {
			out = append(out, f)
		}
	}
	return out, merged, nil
}

// describeStored fills the figures of a city whose refresh produced nothing
// from the series stored for the configured range. The status is kept.
func (p *Pipeline) describeStored(summary *output.CitySummary, city models.City, source models.Source) {
	fields, days, err := p.withStored(city, source, nil, nil, nil)
	if err != nil {
		p.logger.Warn("read stored years failed", "city", city.String(), "source", source, "error", err)
		return
	}
	if len(days) == 0 {
		return
	}
	output.Summarize(summary, fields, days)
}

// ForYears returns a copy of the pipeline restricted to years. The copy
// still writes all_years and the report over the full configured range.
func (p *Pipeline) ForYears(years []int) *Pipeline {
	cp := *p
	cp.opts.Years = append([]int(nil), years...)
	return &cp
}
