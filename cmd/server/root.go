package main

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/util"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

const serviceName = "fulfillment-service"

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Order fulfillment service",
	Long: `Order fulfillment service: order and batch lifecycle, driver
availability, driver assignment and authoritative carts.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd)
}

// bootstrap loads configuration and sets up logging and tracing
func bootstrap() (*config.Config, func(), error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := util.GetLogger()
	logger.Info("Config loaded",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
		zap.String("database_driver", cfg.Database.Driver))

	tp, err := util.InitTracer(serviceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	cleanup := func() {
		shutdownTracer(tp)
		util.SyncLogger()
	}
	return cfg, cleanup, nil
}

func shutdownTracer(tp *sdktrace.TracerProvider) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		util.GetLogger().Warn("Error shutting down tracer", zap.Error(err))
	}
}
