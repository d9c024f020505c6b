package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/dr-api/internal/app"
	"github.com/Brownie44l1/dr-api/internal/config"
	"github.com/Brownie44l1/dr-api/internal/handlers"
	"github.com/Brownie44l1/dr-api/internal/logging"
	"github.com/Brownie44l1/dr-api/internal/screening"
)

// projectRoot lets `go run` from cmd/server find the default models/ directory.
func projectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if filepath.Base(wd) == "server" {
		return filepath.Join(wd, "../..")
	}
	return wd
}

func resolve(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func main() {
	configPath := flag.String("config", os.Getenv("DRSCREEN_CONFIG"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Server.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync(logger)

	root := projectRoot()
	cfg.Model.Path = resolve(root, cfg.Model.Path)
	cfg.Model.MetadataPath = resolve(root, cfg.Model.MetadataPath)

	backend, err := app.Build(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build inference backend", zap.Error(err))
	}
	defer backend.Close()

	if backend.Loader != nil {
		logger.Info("loading model", zap.String("path", cfg.Model.Path))
		if err := backend.Loader.Load(); err != nil {
			logger.Fatal("failed to load model", zap.Error(err))
		}
	}

	interp, err := screening.NewInterpreter(cfg.Model.DRClassIndex)
	if err != nil {
		logger.Fatal("invalid interpreter config", zap.Error(err))
	}

	handler := handlers.NewHandler(backend.Provider, interp, cfg.Constraints(), cfg.Inference.Backend, logger)
	defer handler.Close()
	handler.StartReaper(cfg.Server.SessionTTL)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("backend", cfg.Inference.Backend),
			zap.Int("dr_class_index", cfg.Model.DRClassIndex),
			zap.Strings("endpoints", []string{
				"GET /",
				"GET /health",
				"POST /predict",
				"POST /analyze",
				"POST /sessions",
				"GET /sessions/{id}",
				"PUT /sessions/{id}/image",
				"DELETE /sessions/{id}/result",
				"DELETE /sessions/{id}",
			}))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}
