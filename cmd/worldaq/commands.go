package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jonboulle/clockwork"

	"github.com/lox/worldaq/internal/ingest"
	"github.com/lox/worldaq/internal/models"
	"github.com/lox/worldaq/internal/output"
	"github.com/lox/worldaq/internal/pipeline"
)

type RunCmd struct {
	City   []string `help:"Only process these cities (Name/CC, repeatable)." placeholder:"NAME/CC"`
	Source []string `help:"Only process these sources (noaa, openaq)."`
}

func (r *RunCmd) Run(ctx context.Context, a *app) error {
	sources, err := a.sources(r.Source)
	if err != nil {
		return err
	}
	cities, err := a.resolveCities(r.City)
	if err != nil {
		return err
	}

	st, closeDB, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	p, err := a.buildPipeline(ctx, st, clockwork.NewRealClock())
	if err != nil {
		return err
	}
	res, err := p.Run(ctx, cities, sources)
	if err != nil {
		return err
	}

	for _, report := range res.Reports {
		counts := report.Counts()
		a.logger.Info("run complete", "run_id", res.RunID, "source", report.Source,
			"ok", counts[output.StatusOK], "cities", len(report.Cities()))
	}
	return ctx.Err()
}

// sources narrows the enabled sources to the requested ones.
func (a *app) sources(only []string) ([]models.Source, error) {
	enabled := a.cfg.Sources()
	if len(only) == 0 {
		return enabled, nil
	}
	var out []models.Source
	for _, s := range only {
		src, err := models.ParseSource(s)
		if err != nil {
			return nil, err
		}
		found := false
		for _, e := range enabled {
			found = found || e == src
		}
		if !found {
			return nil, fmt.Errorf("source %s is disabled in the configuration", src)
		}
		out = append(out, src)
	}
	return out, nil
}

type ScheduleCmd struct {
	RunNow bool `help:"Run once immediately before waiting for the schedule."`
}

func (s *ScheduleCmd) Run(ctx context.Context, a *app) error {
	cities, err := a.resolveCities(nil)
	if err != nil {
		return err
	}
	st, closeDB, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	clock := clockwork.NewRealClock()
	p, err := a.buildPipeline(ctx, st, clock)
	if err != nil {
		return err
	}

	sched := pipeline.NewScheduler(p, cities, a.cfg.Sources(), a.cfg.Schedule.DailyAt, clock, a.logger)
	if s.RunNow {
		if _, err := sched.RunCurrentYear(ctx); err != nil {
			a.logger.Error("initial run failed", "error", err)
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("waiting for schedule", "next_run", sched.NextRun())

	<-ctx.Done()
	sched.Stop()
	return nil
}

type CatalogCmd struct {
	Fetch CatalogFetchCmd `cmd:"" help:"Download the NOAA ISD station history over FTP."`
}

type CatalogFetchCmd struct{}

func (c *CatalogFetchCmd) Run(ctx context.Context, a *app) error {
	n, err := ingest.FetchISDHistory(ctx, a.cfg.NOAA.FTPHost, a.cfg.Paths.ISDHistory)
	if err != nil {
		return fmt.Errorf("fetch isd history: %w", err)
	}
	a.logger.Info("isd history updated", "path", a.cfg.Paths.ISDHistory, "bytes", n)
	return nil
}

type ReportCmd struct {
	Days   int `help:"Days of ingest history to summarise." default:"7"`
	Errors int `help:"Number of recent failures to list." default:"10"`
}

func (r *ReportCmd) Run(a *app) error {
	st, closeDB, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	health, err := st.GetIngestHealth(r.Days)
	if err != nil {
		return fmt.Errorf("ingest health: %w", err)
	}
	fmt.Fprintln(w, "DATE\tSOURCE\tUNITS\tFETCHED\tCACHED\tNOT FOUND\tFAILED\tBYTES")
	for _, h := range health {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			h.Date, h.Source, h.TotalRuns, h.Fetched, h.Cached, h.NotFound, h.Failed, h.TotalBytes)
	}

	failures, err := st.GetRecentIngestErrors(r.Errors)
	if err != nil {
		return fmt.Errorf("ingest errors: %w", err)
	}
	if len(failures) > 0 {
		fmt.Fprintln(w, "\nFAILED UNIT\tSTATION\tPERIOD\tERROR")
		for _, f := range failures {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.UnitKey, f.StationID, f.Period, f.ErrorMessage.String)
		}
	}

	runID, err := st.LatestRunID()
	if err != nil {
		return fmt.Errorf("latest run: %w", err)
	}
	if runID == "" {
		return nil
	}
	runs, err := st.GetCityRuns(runID)
	if err != nil {
		return fmt.Errorf("city runs: %w", err)
	}
	fmt.Fprintf(w, "\nRUN %s\n", runID)
	fmt.Fprintln(w, "CITY\tSOURCE\tSTATUS\tMATCHED\tSURVIVING\tRECORDS")
	for _, c := range runs {
		fmt.Fprintf(w, "%s/%s\t%s\t%s\t%d\t%d\t%d\n",
			c.City, c.Country, c.Source, c.Status, c.Matched, c.Surviving, c.Records)
	}
	return nil
}
