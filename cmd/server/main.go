// Package main provides the API server entry point for the prospecting job service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/crm-prospector/internal/api"
	"github.com/crm-prospector/internal/config"
	"github.com/crm-prospector/internal/job"
	"github.com/crm-prospector/internal/logging"
	"github.com/crm-prospector/internal/provider"
	"github.com/crm-prospector/internal/storage"
)

func main() {
	fmt.Println("CRM Prospector API Server")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Job store
	logger.WithField("backend", cfg.Store.Backend).Info("Opening job store...")
	store, err := storage.Open(context.Background(), &cfg.Store)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open job store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("Error closing job store")
		}
	}()

	// Lead providers
	registry, err := provider.NewRegistryFromConfig(&cfg.Provider)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize lead providers")
	}
	logger.WithFields(map[string]interface{}{
		"providers": registry.Names(),
		"default":   registry.Default(),
	}).Info("Lead providers initialized")

	// Runner
	jobs := job.NewProspectJobService(store, registry, job.OptionsFromConfig(&cfg.Runner))

	serverConfig := api.ServerConfigFrom(cfg)
	server := api.NewServer(serverConfig, jobs, store)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	// Stop taking requests first, then fail whatever is still running
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := jobs.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Prospect runner did not stop cleanly")
	}

	logger.Info("Server exited")
}
