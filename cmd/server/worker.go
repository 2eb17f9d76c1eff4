package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"fulfillment-service/config"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/worker"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var _ worker.MessageSource = (*broker.Consumer)(nil)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker to consume fulfillment events and run the auto-dispatch sweep`,
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, cleanup, err := bootstrap()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)
	if !startBackground(ctx, g, a, cfg) {
		a.logger.Warn("Nothing to run: Kafka and auto dispatch are both disabled")
		return nil
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Worker error", zap.Error(err))
		return err
	}

	a.logger.Info("Worker shutting down gracefully")
	return nil
}

// startBackground adds the event worker and dispatch sweeper to g.
// It reports whether anything was started.
func startBackground(ctx context.Context, g *errgroup.Group, a *app, cfg *config.Config) bool {
	started := false

	if cfg.Kafka.Enabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
		eventWorker := worker.NewEventWorker(consumer, a.events)
		g.Go(func() error {
			defer func() {
				if err := eventWorker.Stop(); err != nil {
					a.logger.Warn("Error closing consumer", zap.Error(err))
				}
			}()
			return eventWorker.Start(ctx)
		})
		started = true
	}

	if cfg.Fulfillment.AutoDispatch {
		sweeper := worker.NewDispatchSweeper(a.engine, a.dispatch, cfg.Fulfillment.DispatchBatchLimit, cfg.Fulfillment.DispatchInterval)
		g.Go(func() error {
			return sweeper.Run(ctx)
		})
		started = true
	}
	return started
}
