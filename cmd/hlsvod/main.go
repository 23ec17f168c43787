package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamhouse/hlsvod/internal/cachewatch"
	"github.com/streamhouse/hlsvod/internal/config"
	"github.com/streamhouse/hlsvod/internal/httpapi"
	"github.com/streamhouse/hlsvod/internal/logging"
	"github.com/streamhouse/hlsvod/internal/media"
	"github.com/streamhouse/hlsvod/internal/router"
)

func main() {
	// The YAML config file path comes from the environment rather than a
	// flag of its own, since every other recognised option of spec.md §6.5
	// is itself a flag parsed by config.Load below.
	cfg, err := config.Load(os.Getenv("HLSVOD_CONFIG_FILE"), os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "hlsvod:", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Debug)
	logger.Info("starting hlsvod", "root_path", cfg.RootPath, "port", cfg.Port, "cache_path", cfg.CachePath)

	if err := os.MkdirAll(cfg.CachePath, 0o755); err != nil {
		logger.Error("failed to create cache directory", "error", err)
		os.Exit(1)
	}
	// The cache root is owned by this process for its entire lifetime, per
	// spec.md §6.4: on exit it is removed entirely, not left for the next
	// run to inherit.
	defer os.RemoveAll(cfg.CachePath)

	watcher, err := cachewatch.New(logger, cfg.CachePath)
	if err != nil {
		logger.Warn("cache integrity watch disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	store := media.NewStore(logger, media.Config{
		RootPath:        cfg.RootPath,
		CacheRoot:       cfg.CachePath,
		FFmpegBinary:    cfg.FFmpegBinary(),
		FFprobeBinary:   cfg.FFprobeBinary(),
		TargetLength:    3.5,
		Tolerance:       1.25,
		MinBufferLength: cfg.BufferLength.Seconds(),
		MaxBufferLength: cfg.MaxBufferLength().Seconds(),
	}, config.MediaLRUCapacity)

	r := router.New(logger, store, cfg.MaxClientNumber)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := httpapi.NewHandler(logger, cfg, store, r)
	handler.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}()

	logger.Info("listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
