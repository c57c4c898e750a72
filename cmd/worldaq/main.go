package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/lox/worldaq/internal/config"
	"github.com/lox/worldaq/internal/metrics"
	"github.com/lox/worldaq/internal/store"
)

type Globals struct {
	Config    string `help:"Path to the YAML configuration file. Defaults to ./worldaq.yaml when present." env:"WORLDAQ_CONFIG"`
	LogLevel  string `help:"Override the configured log level (debug, info, warn, error)."`
	LogFormat string `help:"Override the configured log format (text, json)."`
}

type CLI struct {
	Globals

	Run      RunCmd      `cmd:"" help:"Build per-city datasets for the configured years."`
	Schedule ScheduleCmd `cmd:"" help:"Rebuild the current year every day at the configured time."`
	Catalog  CatalogCmd  `cmd:"" help:"Manage station catalogs."`
	Report   ReportCmd   `cmd:"" help:"Print ingest health and the latest run's city outcomes."`
}

// app is the per-invocation state shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("worldaq"),
		kong.Description("Per-city daily weather and air quality datasets from public sources."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	a, err := cli.Globals.setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worldaq: %v\n", err)
		os.Exit(1)
	}

	err = kctx.Run(a)
	if path := a.cfg.Paths.MetricsFile; path != "" {
		if werr := metrics.WriteTextfile(path); werr != nil {
			a.logger.Warn("write metrics textfile failed", "path", path, "error", werr)
		}
	}
	kctx.FatalIfErrorf(err)
}

const defaultConfigPath = "worldaq.yaml"

// setup loads the configuration and builds the root logger.
func (g *Globals) setup() (*app, error) {
	path := g.Config
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.LogFormat = g.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: newLogger(cfg.LogLevel, cfg.LogFormat)}, nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openStore opens and migrates the SQLite database.
func (a *app) openStore() (*store.Store, func(), error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.Paths.Database), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create database dir: %w", err)
	}
	db, err := store.Open(a.cfg.Paths.Database)
	if err != nil {
		return nil, nil, err
	}
	st := store.New(db, nil, a.logger)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return st, func() { db.Close() }, nil
}
