package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/ratelimit-gateway/internal/app"
	"github.com/turtacn/ratelimit-gateway/internal/config"
	"github.com/turtacn/ratelimit-gateway/internal/infrastructure/monitoring"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

func main() {
	var configFile string

	cmd := &cobra.Command{
		Use:          "ratelimit-gateway",
		Short:        "Distributed, policy-driven rate limiting gateway",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config.yaml (default: /etc/ratelimit-gateway or ./config.yaml)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	// Logger for startup
	startupLogger, err := monitoring.NewZapLogger(&config.LogConfig{Level: "info"})
	if err != nil {
		log.Fatalf("Failed to create startup logger: %v", err)
	}

	// Load config
	cfg, err := config.LoadConfig(configFile, startupLogger)
	if err != nil {
		startupLogger.Error(context.Background(), "Failed to load config", err)
		return err
	}

	// Initialize logger
	appLogger, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error(ctx, "Failed to initialize gateway", err)
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gateway.Close(closeCtx); err != nil {
			appLogger.Error(closeCtx, "Failed to release resources", err)
		}
	}()

	appLogger.Info(ctx, "Starting rate limiting gateway",
		logger.String("http_addr", cfg.Server.Addr()),
		logger.Int("grpc_port", cfg.Server.GRPCPort),
		logger.String("upstream", cfg.Server.UpstreamURL),
	)
	if err := gateway.Run(ctx); err != nil {
		appLogger.Error(ctx, "Gateway stopped with error", err)
		return err
	}
	appLogger.Info(context.Background(), "Gateway stopped")
	return nil
}
