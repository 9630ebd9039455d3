package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/OpenMachineBridge/internal/config"
	"github.com/KevinKickass/OpenMachineBridge/internal/system"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the service config")
	debug := pflag.Bool("debug", false, "development logging")
	pflag.Parse()

	// Logger initialisieren
	var logger *zap.Logger
	var err error
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Config laden
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	logger.Info("Config loaded successfully", zap.String("path", *configPath))

	// Graceful Shutdown auf Signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lifecycle, err := system.NewLifecycleManager(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to assemble system", zap.Error(err))
	}

	logger.Info("OpenMachineBridge starting")
	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("System stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	logger.Info("OpenMachineBridge stopped successfully")
}
