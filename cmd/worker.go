package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/crmstack/services/automation/config"
	"example.com/crmstack/services/automation/internal/messaging"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker to process CRM domain events from Azure Service Bus and run scheduled and condition-triggered rules.`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	if err := app.definitions.SeedDefaults(ctx); err != nil {
		return err
	}

	consumer, err := messaging.NewConsumer(cfg.Azure, app.emitter)
	if err != nil {
		return err
	}
	defer consumer.Close()

	g, ctx := errgroup.WithContext(ctx)

	// Drain the event queue
	g.Go(func() error {
		return app.worker.Run(ctx)
	})

	// Feed CRM domain events from the bus into the queue
	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting Service Bus processor")
		return consumer.Run(ctx)
	})

	// Periodically run schedule and condition triggered rules
	g.Go(func() error {
		return app.sweeper.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
