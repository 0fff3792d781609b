// Package main is the entry point for the gridtiles server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridtiles/server/internal/api"
	"github.com/gridtiles/server/internal/cache"
	"github.com/gridtiles/server/internal/config"
	"github.com/gridtiles/server/internal/dataset"
	"github.com/gridtiles/server/internal/dataset/tiledbstore"
	"github.com/gridtiles/server/internal/dataset/zarrstore"
	"github.com/gridtiles/server/internal/logger"
	"github.com/gridtiles/server/internal/metrics"
	"github.com/gridtiles/server/internal/render"
	"github.com/gridtiles/server/internal/service"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.Build(cfg.Log, os.Stderr)
	log.Info().Int("port", cfg.Server.Port).Msg("starting gridtiles server")

	var provider *metrics.Provider
	if cfg.Server.Metrics {
		provider = metrics.New("gridtiles")
	}

	cacheManager, err := cache.NewManager(cache.Config{
		MaxPayloadBytes: int64(cfg.Cache.PayloadSizeMB) << 20,
		MetadataEntries: cfg.Cache.MetadataEntries,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize cache")
	}
	if provider != nil {
		provider.ObserveCache("gridtiles", cacheManager.Stats)
	}

	registry := api.NewRegistry()
	datasetIDs := cfg.DatasetIDs()
	log.Info().Int("count", len(datasetIDs)).Msg("initializing datasets")

	for _, id := range datasetIDs {
		dcfg := cfg.Datasets[id]

		ds, err := openDataset(id, dcfg)
		if err != nil {
			if errors.Is(err, tiledbstore.ErrUnsupported) {
				log.Warn().Str("dataset", id).Str("path", dcfg.Path).Msg("skipping: tiledb not enabled in this build")
				continue
			}
			log.Fatal().Err(err).Str("dataset", id).Msg("failed to open dataset")
		}
		log.Info().
			Str("dataset", id).
			Str("source", dcfg.Source).
			Str("path", dcfg.Path).
			Strs("variables", ds.VarNames()).
			Msg("dataset loaded")

		renderer, err := render.New(dcfg.Render.RendererConfig())
		if err != nil {
			log.Fatal().Err(err).Str("dataset", id).Msg("failed to build renderer")
		}

		svc, err := service.New(service.Config{
			Dataset:  ds,
			CRS:      dcfg.CRS,
			XAxis:    dcfg.XAxis,
			YAxis:    dcfg.YAxis,
			Renderer: renderer,
			Cache:    cacheManager,
			Metrics:  provider,
			Logger:   log.With().Str("dataset", id).Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Str("dataset", id).Msg("failed to build service")
		}
		if err := registry.Register(svc); err != nil {
			log.Fatal().Err(err).Str("dataset", id).Msg("failed to register dataset")
		}
	}

	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      log,
		Metrics:     provider,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// openDataset builds the configured source.
func openDataset(id string, dcfg config.DatasetConfig) (dataset.Dataset, error) {
	switch dcfg.Source {
	case "zarr":
		return zarrstore.Open(id, dcfg.Path, zarrstore.Options{})
	case "tiledb":
		return tiledbstore.Open(id, dcfg.Path, tiledbstore.Options{})
	}
	return nil, fmt.Errorf("unknown source %q", dcfg.Source)
}
