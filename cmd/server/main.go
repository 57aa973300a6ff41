package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/brain-tumor-api/internal/cache"
	"github.com/Brownie44l1/brain-tumor-api/internal/config"
	"github.com/Brownie44l1/brain-tumor-api/internal/handlers"
	"github.com/Brownie44l1/brain-tumor-api/internal/logger"
	"github.com/Brownie44l1/brain-tumor-api/internal/metrics"
	"github.com/Brownie44l1/brain-tumor-api/internal/model"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logg, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logg.Sync()

	logg.Info("loading model",
		zap.String("model", cfg.ModelPath),
		zap.String("metadata", cfg.MetadataPath))

	modelServer, err := model.NewServer(cfg.ModelPath, cfg.MetadataPath, cfg.SharedLibraryPath)
	if err != nil {
		logg.Fatal("failed to load model", zap.Error(err))
	}
	defer modelServer.Close()

	results, err := cache.NewResults(cfg.CacheSize)
	if err != nil {
		logg.Fatal("failed to create result cache", zap.Error(err))
	}

	collectors := metrics.New()
	handler, err := handlers.NewHandler(modelServer, cfg, results, collectors, logg)
	if err != nil {
		logg.Fatal("failed to initialize handlers", zap.Error(err))
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handlers.SetupRoutes(handler, collectors, logg),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logg.Info("server starting",
			zap.String("addr", server.Addr),
			zap.Strings("classes", modelServer.Metadata.Classes),
			zap.Int("image_size", modelServer.Metadata.ImageSize),
			zap.String("layout", modelServer.Metadata.Layout))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logg.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logg.Error("server forced to shutdown", zap.Error(err))
	}
}
