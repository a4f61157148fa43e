package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetplane/fleetplane/internal/anomaly"
	"github.com/fleetplane/fleetplane/internal/api"
	"github.com/fleetplane/fleetplane/internal/audit"
	"github.com/fleetplane/fleetplane/internal/autoheal"
	"github.com/fleetplane/fleetplane/internal/cache"
	"github.com/fleetplane/fleetplane/internal/config"
	"github.com/fleetplane/fleetplane/internal/fanout"
	"github.com/fleetplane/fleetplane/internal/health"
	"github.com/fleetplane/fleetplane/internal/metrics"
	"github.com/fleetplane/fleetplane/internal/relay"
	"github.com/fleetplane/fleetplane/internal/schema"
	"github.com/fleetplane/fleetplane/internal/services"
	"github.com/fleetplane/fleetplane/internal/store"
	"github.com/fleetplane/fleetplane/internal/triage"
	"github.com/fleetplane/fleetplane/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting fleetplane", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	var cacheCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			cacheCloser = provider
		}
	}
	if cacheCloser != nil {
		defer cacheCloser.Close()
	}

	registry, err := schema.NewRegistry(cfg.Schema.PackPath, cfg.Schema.AllowUnknown, logger)
	if err != nil {
		logger.Error("failed to load schema pack", slog.Any("error", err))
		os.Exit(1)
	}

	probe, err := api.NewProbe(cfg.Server)
	if err != nil {
		logger.Error("failed to create probe server", slog.Any("error", err))
		os.Exit(1)
	}

	eventStore, err := store.Open(cfg.Store.Path, logger, probe.SetNotServing)
	if err != nil {
		logger.Error("failed to open event store", slog.Any("error", err))
		os.Exit(1)
	}
	defer eventStore.Close()

	trail, err := audit.Open(cfg.Audit.Path, cfg.Audit.MaxEntries, logger)
	if err != nil {
		logger.Error("failed to open audit trail", slog.Any("error", err))
		os.Exit(1)
	}
	defer trail.Close()

	hub := fanout.NewHub(cfg.Fanout.SubscriberBuffer, logger, metrics.FanoutDropped)
	defer hub.Close()

	pipeline := services.NewPipeline(registry, eventStore, hub,
		utils.ComponentLogger(logger, "pipeline"))
	monitor := health.NewMonitor(cfg, health.NewHTTPProber(), pipeline, trail,
		utils.ComponentLogger(logger, "health"))
	classifier := triage.NewClassifier(cfg.Triage, cacheProvider,
		utils.ComponentLogger(logger, "triage"))
	detector := anomaly.NewDetector(cfg.Anomaly, trail,
		utils.ComponentLogger(logger, "anomaly"))

	var claims cache.Provider
	if cfg.Cache.Enabled {
		claims = cacheProvider
	}
	engine := autoheal.NewEngine(cfg, autoheal.NewCooldownRegistry(),
		autoheal.NewHTTPRestarter(cfg.Health.Targets), pipeline, trail, claims,
		utils.ComponentLogger(logger, "autoheal"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor.Start(ctx)

	if cfg.Autoheal.Enabled {
		sub, err := hub.Subscribe("autoheal", cfg.Fanout.SubscriberBuffer)
		if err != nil {
			logger.Error("autoheal subscribe failed", slog.Any("error", err))
			os.Exit(1)
		}
		engine.Run(ctx, sub)
	}

	anomalySub, err := hub.Subscribe("anomaly", cfg.Fanout.SubscriberBuffer)
	if err != nil {
		logger.Error("anomaly subscribe failed", slog.Any("error", err))
		os.Exit(1)
	}
	detector.Run(ctx, anomalySub)

	var eventRelay *relay.Relay
	if cfg.Relay.Enabled && cfg.Relay.URL != "" {
		eventRelay, err = relay.New(cfg.Relay, logger)
		if err != nil {
			logger.Warn("relay unavailable", slog.Any("error", err))
		} else {
			relaySub, err := hub.Subscribe("relay", cfg.Fanout.SubscriberBuffer)
			if err != nil {
				logger.Error("relay subscribe failed", slog.Any("error", err))
				os.Exit(1)
			}
			eventRelay.Run(ctx, relaySub)
		}
	}

	handlers := api.NewHandlers(registry, eventStore, pipeline, hub,
		monitor, engine, classifier, detector, trail, logger)
	server, err := api.NewServer(cfg.Server, handlers.Routes())
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("probe server listening", slog.String("address", probe.Address()))
		if serveErr := probe.Start(); serveErr != nil {
			logger.Error("probe server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	go func() {
		logger.Info("api server listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("api server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	probe.Shutdown(shutdownCtx)

	monitor.Stop()
	engine.Wait()
	detector.Wait()
	if eventRelay != nil {
		eventRelay.Close()
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	if err := eventStore.Checkpoint(); err != nil {
		logger.Warn("event store checkpoint failed", slog.Any("error", err))
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("fleetplane stopped")
}
