package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/camward/camward/internal/config"
	"github.com/camward/camward/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	username := flag.String("username", "", "device username override")
	password := flag.String("password", "", "device password override")
	network := flag.String("network", "", "network CIDR override")
	flag.Parse()

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Camward starting")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if *username != "" {
		cfg.Username = *username
	}
	if *password != "" {
		cfg.Password = *password
	}
	if *network != "" {
		cfg.Network = *network
	}

	orch, err := orchestrator.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}
	defer orch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel the run loop on shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("Camward ready", zap.String("network", cfg.Network))

	if err := orch.Run(ctx); err != nil {
		logger.Fatal("auto-configuration failed", zap.Error(err))
	}

	logger.Info("Camward stopped")
}
