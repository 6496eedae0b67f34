// cmd/reader/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"sensor-reader/internal/calibration"
	"sensor-reader/internal/config"
	"sensor-reader/internal/connection"
	"sensor-reader/internal/database"
	"sensor-reader/internal/events"
	"sensor-reader/internal/handler"
	"sensor-reader/internal/metrics"
	"sensor-reader/internal/pipeline"
	"sensor-reader/internal/processor"
	"sensor-reader/internal/repository"
	"sensor-reader/internal/routes"
	"sensor-reader/internal/storage"
	"sensor-reader/internal/transport"
	"sensor-reader/internal/utils"
)

// Options are the command line overrides
type Options struct {
	ConfigPath string
	Demo       bool
	Output     string
	Once       bool
	Migrate    string
}

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	service  *utils.ServiceLogger
	bus      *events.Bus
	metrics  *metrics.Pipeline
	moisture *calibration.Moisture

	provider transport.Provider
	manager  *connection.Manager
	runner   *pipeline.Runner

	server   *http.Server
	feed     *handler.LiveFeedHandler
	database *database.DB
	samples  repository.SampleRepository
	mirror   *repository.Mirror
}

func main() {
	var opts Options
	pflag.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to config file")
	pflag.BoolVar(&opts.Demo, "demo", false, "Read from the simulated sensor")
	pflag.StringVarP(&opts.Output, "output", "o", "", "Override output.path")
	pflag.BoolVar(&opts.Once, "once", false, "Exit after the first failed session instead of reconnecting")
	pflag.StringVar(&opts.Migrate, "migrate", "", "Run a mirror schema command (up, down, version, force:N) and exit")
	pflag.Parse()

	if opts.Migrate != "" {
		if err := runMigrate(opts); err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	app, err := NewApplication(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	os.Exit(app.Start())
}

// NewApplication creates a new application instance
func NewApplication(opts Options) (*Application, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.Demo {
		cfg.Transport.Type = config.TransportDemo
	}
	if opts.Output != "" {
		cfg.Output.Path = opts.Output
	}
	if opts.Once {
		cfg.Stream.Reconnect.Mode = config.ReconnectOnce
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &Application{
		config:  cfg,
		logger:  logger,
		service: utils.NewServiceLogger(logger, "sensor-reader"),
		bus:     events.NewBus(logger),
		metrics: metrics.NewPipeline(),
	}
	app.service.LogServiceStart(cfg.App.Version,
		zap.String("transport", cfg.Transport.Type),
		zap.String("output", cfg.Output.Path),
		zap.String("reconnect", cfg.Stream.Reconnect.Mode),
	)

	app.moisture, err = calibration.NewMoisture(cfg.Calibration)
	if err != nil {
		return nil, fmt.Errorf("invalid calibration: %w", err)
	}

	if err := app.initializePipeline(); err != nil {
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if cfg.Database.Enabled {
		if err := app.initializeDatabase(); err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}

	if cfg.HTTP.Enabled {
		app.initializeServer()
	}

	return app, nil
}

// initializePipeline wires transport, connection manager and runner
func (app *Application) initializePipeline() error {
	provider, err := transport.CreateProvider(&app.config.Transport, app.logger)
	if err != nil {
		return err
	}
	app.provider = provider

	app.manager = connection.NewManager(provider, connection.Config{
		Signature:   transport.SignatureFromConfig(&app.config.Transport),
		ScanTimeout: app.config.Stream.ScanTimeout,
		ReadTimeout: app.config.Stream.ReadTimeout,
	}, app.logger,
		connection.WithPublisher(app.bus),
		connection.WithMetrics(app.metrics),
	)

	outputPath := app.config.Output.Path
	openWriter := func(truncate bool) (processor.SampleWriter, error) {
		log, err := storage.Open(outputPath, truncate, app.logger)
		if err != nil {
			return nil, err
		}
		return log, nil
	}

	app.runner = pipeline.NewRunner(app.manager, openWriter,
		pipeline.StrategyFromConfig(app.config.Stream.Reconnect),
		pipeline.RunnerConfig{
			QueueCapacity:   app.config.Queue.Capacity,
			MaxFrameSize:    app.config.Stream.MaxFrameSize,
			TruncateOnStart: app.config.Output.TruncateOnStart,
		},
		app.logger,
		pipeline.WithRunnerPublisher(app.bus),
		pipeline.WithRunnerMetrics(app.metrics),
	)

	app.logger.Info("Pipeline initialized", zap.String("transport", provider.Type()))
	return nil
}

// initializeDatabase connects the sample mirror and runs migrations
func (app *Application) initializeDatabase() error {
	db, err := database.NewConnection(&app.config.Database, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	app.database = db

	migrator := database.NewMigrator(db, app.logger, &app.config.Database)
	if _, err := migrator.Up(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	if app.config.Database.Retention > 0 {
		if _, err := migrator.Prune(app.config.Database.Retention); err != nil {
			app.logger.Warn("Failed to prune sample mirror", zap.Error(err))
		}
	}

	app.samples = repository.NewSampleRepository(db, app.logger)
	app.mirror = repository.NewMirror(app.samples, app.bus, app.moisture, app.metrics, app.logger)

	app.logger.Info("Database initialized successfully")
	return nil
}

// runMigrate applies a schema maintenance command to the mirror database
func runMigrate(opts Options) error {
	cmd, err := database.ParseMigrateCommand(opts.Migrate)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer utils.CloseLogger(logger)

	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	status, err := database.NewMigrator(db, logger, &cfg.Database).Run(cmd)
	if err != nil {
		return err
	}
	fmt.Printf("sample mirror schema version %d (dirty=%t)\n", status.Version, status.Dirty)
	return nil
}

// initializeServer builds the status HTTP server
func (app *Application) initializeServer() {
	app.feed = handler.NewLiveFeedHandler(app.bus, app.config.Security.AllowedOrigins, app.logger)

	deps := routes.Dependencies{
		Pipeline: app.runner,
		Moisture: app.moisture,
		Metrics:  app.metrics,
		Feed:     app.feed,
	}
	if app.database != nil {
		deps.DB = app.database
		deps.Mirror = app.samples
	}

	router := routes.NewRouter(app.config, app.logger, deps)
	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router.SetupRouter(),
		ReadTimeout:  app.config.HTTP.ReadTimeout,
		WriteTimeout: app.config.HTTP.WriteTimeout,
		IdleTimeout:  app.config.HTTP.IdleTimeout,
	}
}

// Start runs the pipeline until a signal, a fatal error, or the reconnect
// strategy gives up, and returns the process exit code
func (app *Application) Start() int {
	go app.bus.Start()
	if app.mirror != nil {
		app.mirror.Start()
	}

	serverErr := make(chan error, 1)
	if app.server != nil {
		app.feed.Start()
		go func() {
			app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))
			if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- app.runner.Run(context.Background())
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var err error
	reason := "pipeline finished"
	select {
	case sig := <-quit:
		reason = "received " + sig.String()
		app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		err = app.stopPipeline(runErr)
	case err = <-runErr:
		if err != nil {
			reason = "pipeline failed"
		}
	case srvErr := <-serverErr:
		reason = "http server failed"
		app.logger.Error("HTTP server failed", zap.Error(srvErr))
		if stopErr := app.stopPipeline(runErr); stopErr != nil {
			err = stopErr
		} else {
			err = srvErr
		}
	}

	app.shutdown(reason)

	if err != nil {
		app.logger.Error("Sensor reader exited with error", zap.Error(err))
		_ = utils.CloseLogger(app.logger)
		return 1
	}
	_ = utils.CloseLogger(app.logger)
	return 0
}

// stopPipeline drains the current session and returns the runner's result
func (app *Application) stopPipeline(runErr <-chan error) error {
	ctx, cancel := context.WithTimeout(context.Background(), app.config.Stream.DrainTimeout)
	defer cancel()

	if err := app.runner.Shutdown(ctx); err != nil {
		return err
	}
	return <-runErr
}

// shutdown stops the HTTP server and the optional sinks
func (app *Application) shutdown(reason string) {
	app.service.LogServiceStop(reason)

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), app.config.HTTP.ShutdownTimeout)
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("HTTP server shutdown error", zap.Error(err))
		} else {
			app.logger.Info("HTTP server stopped")
		}
		cancel()
		app.feed.Stop()
	}

	if app.mirror != nil {
		app.mirror.Stop()
	}
	app.bus.Stop()

	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		}
	}

	stats := app.runner.Snapshot()
	app.logger.Info("Application shutdown completed",
		zap.Int64("sessions", stats.Sessions),
		zap.Int64("recorded", stats.Totals.Recorded),
		zap.Int64("rejected", stats.Totals.Rejected),
	)
}
