package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/jonboulle/clockwork"

	"github.com/lox/worldaq/internal/models"
)

// Scheduler re-runs the pipeline for the current UTC year once a day.
type Scheduler struct {
	scheduler *gocron.Scheduler
	pipeline  *Pipeline
	cities    []models.City
	sources   []models.Source
	at        string
	clock     clockwork.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	lastRun *Result
}

// NewScheduler builds a daily scheduler firing at "HH:MM" UTC.
func NewScheduler(p *Pipeline, cities []models.City, sources []models.Source, at string, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := gocron.NewScheduler(clock.Now().Location())
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		pipeline:  p,
		cities:    cities,
		sources:   sources,
		at:        at,
		clock:     clock,
		logger:    logger.With("component", "scheduler"),
	}
}

// Start registers the daily job and starts the scheduler in the background.
// Jobs run with ctx, so cancelling it aborts an in-flight run.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.cities) == 0 || len(s.sources) == 0 {
		s.logger.Warn("nothing to schedule", "cities", len(s.cities), "sources", len(s.sources))
		return nil
	}

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	_, err := s.scheduler.Every(1).Day().At(s.at).Do(func() {
		s.mu.Lock()
		jobCtx := s.ctx
		s.mu.Unlock()
		if _, err := s.RunCurrentYear(jobCtx); err != nil {
			s.logger.Error("scheduled run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule daily run at %s: %w", s.at, err)
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", "at", s.at, "cities", len(s.cities), "sources", len(s.sources))
	return nil
}

// NextRun reports when the daily job fires next. It is the zero time before
// Start.
func (s *Scheduler) NextRun() time.Time {
	_, next := s.scheduler.NextRun()
	return next
}

// RunCurrentYear runs the pipeline restricted to the clock's current year.
func (s *Scheduler) RunCurrentYear(ctx context.Context) (*Result, error) {
	year := s.clock.Now().UTC().Year()
	s.logger.Info("running scheduled pipeline", "year", year)

	res, err := s.pipeline.ForYears([]int{year}).Run(ctx, s.cities, s.sources)
	if err != nil {
		return res, err
	}

	s.mu.Lock()
	s.lastRun = res
	s.mu.Unlock()
	s.logger.Info("scheduled pipeline complete", "run_id", res.RunID, "year", year)
	return res, nil
}

// LastRun returns the most recent successful scheduled result.
func (s *Scheduler) LastRun() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
		s.logger.Info("shutting down")
	}
}
