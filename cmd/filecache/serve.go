package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/filecache"
	"github.com/always-cache/filecache/cache"
	"github.com/always-cache/filecache/internal/config"
	"github.com/always-cache/filecache/metrics/prom"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var origin, listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Proxy requests to the origin and cache the responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if origin != "" {
				cfg.Origin = origin
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "", "origin URL to proxy to (overrides config)")
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, logFile := newLogger(cfg.Log)
	if logFile != nil {
		defer logFile.Close()
	}
	log.Logger = logger

	var (
		reg     *prometheus.Registry
		metrics cache.Metrics
	)
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = prom.New(reg, "filecache", "cache", nil)
	}

	cacheConfig, err := cfg.CacheConfig(&logger, metrics)
	if err != nil {
		return err
	}
	store, err := cache.Open(cacheConfig)
	if err != nil {
		return err
	}
	// runs after the server has shut down and all entries are closed
	defer store.Close()

	proxyConfig, err := cfg.ProxyConfig(store, &logger)
	if err != nil {
		return err
	}
	proxy := filecache.New(proxyConfig)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(logger, proxy, reg, cfg.Metrics.Path),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	store.Start(ctx)
	g.Go(func() error {
		logger.Info().Msgf("Proxying %s to %s (with hostname '%s')", cfg.Listen, cfg.Origin, cfg.OriginHost)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
