package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gmsas95/preventx/internal/api"
	"github.com/gmsas95/preventx/internal/config"
	"github.com/gmsas95/preventx/internal/cron"
	"github.com/gmsas95/preventx/internal/engine"
	"github.com/gmsas95/preventx/internal/events"
	"github.com/gmsas95/preventx/internal/ingest"
	"github.com/gmsas95/preventx/internal/metrics"
	"github.com/gmsas95/preventx/internal/ruleset"
	"github.com/gmsas95/preventx/internal/store"
	"go.uber.org/zap"
)

type App struct {
	Config     *config.Config
	Store      *store.Store
	Logger     *zap.Logger
	Rules      *ruleset.Holder
	Metrics    *metrics.Metrics
	Hub        *events.Hub
	Engine     *engine.Engine
	CronRunner *cron.Runner
	Ingest     *ingest.Subscriber
	Version    string

	kafka *events.KafkaPublisher
}

// New wires the engine and its event sinks. Background workers are started
// by RunServer only.
func New(cfg *config.Config, st *store.Store, logger *zap.Logger, version string) (*App, error) {
	rules, err := ruleset.NewHolder(cfg.Ruleset.Path, logger.Named("ruleset"))
	if err != nil {
		return nil, fmt.Errorf("failed to load ruleset: %w", err)
	}

	app := &App{
		Config:  cfg,
		Store:   st,
		Logger:  logger,
		Rules:   rules,
		Metrics: metrics.Default(),
		Hub:     events.NewHub(events.DefaultBuffer, logger.Named("hub")),
		Version: version,
	}

	sinks := []events.Sink{{Name: "hub", Publisher: app.Hub}}
	if cfg.Kafka.Enabled {
		kp, err := events.NewKafkaPublisher(cfg.Kafka, logger.Named("kafka"))
		if err != nil {
			return nil, err
		}
		app.kafka = kp
		sinks = append(sinks, events.Sink{Name: "kafka", Publisher: kp})
	}

	app.Engine = engine.New(engine.Deps{
		Store:        st,
		Rules:        rules,
		Publisher:    events.NewMulti(app.Metrics, sinks...),
		Metrics:      app.Metrics,
		Logger:       logger.Named("engine"),
		LookbackDays: cfg.Scheduler.MissedLookbackDays,
	})

	app.CronRunner = cron.NewRunner(cron.Config{
		Interval:       cfg.Scheduler.Interval,
		MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		UsersPerSecond: cfg.Scheduler.UsersPerSecond,
	}, app.Engine, app.Metrics, logger.Named("cron"))

	if cfg.MQTT.Enabled {
		app.Ingest = ingest.NewSubscriber(cfg.MQTT, app.Engine, app.Metrics, logger.Named("mqtt"))
	}

	return app, nil
}

// RunSweep runs a single sweep and rescore pass over every user.
func (app *App) RunSweep(ctx context.Context) (*cron.Summary, error) {
	return app.CronRunner.RunOnce(ctx)
}

// RunMissedSweep moves every user's elapsed Pending doses to Missed without
// rescoring. It returns the number of doses moved.
func (app *App) RunMissedSweep(ctx context.Context) (int, error) {
	return app.Engine.SweepMissed(ctx)
}

// RunServer starts the API and background workers and blocks until SIGINT
// or SIGTERM.
func (app *App) RunServer() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if app.Config.Ruleset.Watch {
		if err := app.Rules.Watch(ctx); err != nil {
			app.Logger.Warn("Ruleset hot reload disabled", zap.Error(err))
		}
	}

	if app.Config.Scheduler.Enabled {
		if err := app.CronRunner.Start(); err != nil {
			app.Logger.Error("Failed to start cron runner", zap.Error(err))
		}
	}

	if app.Ingest != nil {
		if err := app.Ingest.Start(); err != nil {
			app.Logger.Error("Failed to start MQTT ingest", zap.Error(err))
			app.Ingest = nil
		}
	}

	server := api.New(app.Config, app.Engine, app.Hub, app.Metrics, app.Logger.Named("api"), app.Version)

	go func() {
		if err := server.Start(); err != nil {
			app.Logger.Fatal("Server error", zap.Error(err))
		}
	}()

	app.Logger.Info("Server started",
		zap.String("address", app.Config.Server.Address),
		zap.Int("port", app.Config.Server.Port),
		zap.String("url", fmt.Sprintf("http://localhost:%d", app.Config.Server.Port)),
		zap.String("ruleset", app.Rules.Get().Version),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info("Shutting down...")

	if app.Ingest != nil {
		app.Ingest.Stop()
	}

	if app.CronRunner.IsRunning() {
		app.CronRunner.Stop()
	}

	if err := server.Shutdown(); err != nil {
		app.Logger.Error("Server shutdown error", zap.Error(err))
	}
}

// Close releases the event sinks and the store.
func (app *App) Close() error {
	var errs []error
	if app.kafka != nil {
		errs = append(errs, app.kafka.Close())
	}
	if app.Store != nil {
		errs = append(errs, app.Store.Close())
	}
	return errors.Join(errs...)
}
