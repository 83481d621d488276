package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/crmstack/services/automation/config"
	"example.com/crmstack/services/automation/internal/api"
	"example.com/crmstack/services/automation/internal/api/handlers"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server for rules, events, simulation, and lead qualification. Events accepted over HTTP are processed by an in-process worker pool.`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, err := buildApplication(cfg)
	if err != nil {
		return err
	}
	defer app.tracer.Close()
	defer app.cache.Close()

	// Make sure the standard CRM event types exist
	if err := app.definitions.SeedDefaults(ctx); err != nil {
		return err
	}

	automationHandler := handlers.NewAutomationHandler(
		app.rules, app.definitions, app.events, app.emitter, app.simulator, app.cache, app.elastic, app.tracer)
	qualificationHandler := handlers.NewQualificationHandler(app.qualification, app.tracer)
	metricsHandler := handlers.NewMetricsHandler(app.metrics, app.tracer)

	server := api.NewServer(cfg, automationHandler, qualificationHandler, metricsHandler)

	g, ctx := errgroup.WithContext(ctx)

	// Events emitted over HTTP are drained by the same process
	g.Go(func() error {
		return app.worker.Run(ctx)
	})

	g.Go(func() error {
		return server.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("API server error")
		return err
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
