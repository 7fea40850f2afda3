package main

import (
	"os"
	"time"

	"github.com/jrsteele09/sentinel-auth/apiclient"
	"github.com/jrsteele09/sentinel-auth/authflow"
	"github.com/jrsteele09/sentinel-auth/credstore"
	"github.com/jrsteele09/sentinel-auth/internal/config"
	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/jrsteele09/sentinel-auth/metrics"
	"github.com/jrsteele09/sentinel-auth/providers"
	"github.com/jrsteele09/sentinel-auth/session"
	"github.com/jrsteele09/sentinel-auth/useragent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// app holds the wired components for one CLI invocation.
type app struct {
	cfg      config.Config
	registry *providers.Registry
	manager  *session.Manager
	api      *apiclient.Client
	metrics  *prometheus.Registry
}

func setupLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

func newApp(cfg config.Config) (*app, error) {
	logger := log.Logger

	store, err := credstore.New(cfg, logger)
	if err != nil {
		return nil, err
	}

	settings, err := cfg.GetAuthSettings()
	if err != nil {
		return nil, err
	}
	registry, err := providers.FromConfig(settings, providers.Deps{
		Flows:    authflow.NewInMemoryRepo(cfg.GetAuthFlowTimeout()),
		Prompter: useragent.NewLoopbackPrompter(&logger),
		Logger:   &logger,
	})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	collector, err := metrics.New(reg, session.Statuses...)
	if err != nil {
		return nil, errors.Wrapf(err, "[newApp] metrics")
	}

	opts := append(session.OptionsFromConfig(cfg),
		session.WithLogger(&logger),
		session.WithMetrics(collector),
	)
	manager := session.New(store, registry, opts...)

	return &app{
		cfg:      cfg,
		registry: registry,
		manager:  manager,
		api:      apiclient.New(cfg.GetAPIURL(), manager),
		metrics:  reg,
	}, nil
}

// writeMetrics leaves the collected metrics in the Prometheus text format at path,
// for a node_exporter textfile collector or a push job. An empty path disables it.
func (a *app) writeMetrics(path string) error {
	if path == "" {
		return nil
	}
	return errors.Wrapf(prometheus.WriteToTextfile(path, a.metrics), "[writeMetrics] %s", path)
}
