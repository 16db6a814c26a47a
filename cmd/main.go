package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/3FT-io/plategen/pkg/api"
	"github.com/3FT-io/plategen/pkg/config"
	"github.com/3FT-io/plategen/pkg/core"
)

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	cfg := config.DefaultConfig()
	if err := config.LoadFromEnv(cfg); err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := core.NewNode(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create node", zap.Error(err))
	}

	if err := node.Start(ctx); err != nil {
		logger.Fatal("Failed to start node", zap.Error(err))
	}

	// Initialize API
	server, err := api.NewAPI(node, cfg, logger.Named("api"))
	if err != nil {
		logger.Fatal("Failed to create API", zap.Error(err))
	}

	// Start API server
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down")

	// Stop accepting requests before tearing down sessions and peers
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	if err := node.Stop(); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
}
