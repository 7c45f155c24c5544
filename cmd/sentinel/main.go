package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackglass/coherence-sentinel/internal/api"
	"github.com/blackglass/coherence-sentinel/internal/config"
	"github.com/blackglass/coherence-sentinel/internal/correlate"
	"github.com/blackglass/coherence-sentinel/internal/detect"
	"github.com/blackglass/coherence-sentinel/internal/ingest"
	"github.com/blackglass/coherence-sentinel/internal/metrics"
	"github.com/blackglass/coherence-sentinel/internal/playbook"
	"github.com/blackglass/coherence-sentinel/internal/profile"
	"github.com/blackglass/coherence-sentinel/internal/sentinel"
	"github.com/blackglass/coherence-sentinel/internal/utils"
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
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting coherence-sentinel",
		slog.String("api_address", cfg.Server.APIAddress),
		slog.String("source", cfg.Ingest.Source))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	detCfg := detect.Config{
		SeizureFactor:      cfg.Detection.SeizureFactor,
		CPUBaselineStdDev:  cfg.Detection.CPUBaselineStdDev,
		CPUNominalMean:     cfg.Detection.CPUNominalMean,
		CPUNominalBand:     cfg.Detection.CPUNominalBand,
		FeverRateLimit:     cfg.Detection.FeverRateLimitMBs,
		AmplificationLimit: cfg.Detection.AmplificationLimit,
		BrainZThreshold:    cfg.Detection.BrainZThreshold,
		BrainMinSamples:    cfg.Detection.BrainMinSamples,
	}
	physics := detect.NewPhysics(detCfg)
	var brain detect.Detector
	if cfg.Detection.Enhanced {
		b, brainErr := detect.NewBrain(detCfg, cfg.Window.Capacity)
		if brainErr != nil {
			logger.Warn("enhanced detection unavailable, staying on baseline",
				slog.Any("error", brainErr))
		} else {
			brain = b
			logger.Info("enhanced detection active",
				slog.Int("hosts", len(cfg.Detection.EnhancedHosts)))
		}
	}
	selector := detect.NewSelector(physics, brain, cfg.Detection.EnhancedHosts)

	correlator := correlate.NewEngine(correlate.Config{
		GraceWindow:  cfg.Correlation.GraceWindow,
		HostGroups:   cfg.Correlation.HostGroups,
		RiskStrategy: cfg.Correlation.RiskStrategy,
		HistoryCap:   cfg.Correlation.HistoryCap,
	}, logger)

	pb, err := playbook.New(cfg.Playbook.Path, logger)
	if err != nil {
		logger.Error("failed to load playbook", slog.Any("error", err))
		os.Exit(1)
	}

	sent := sentinel.New(sentinel.Config{
		Workers:          cfg.Ingest.Workers,
		QueueSize:        cfg.Ingest.QueueSize,
		WindowCapacity:   cfg.Window.Capacity,
		WindowSpan:       cfg.Window.Span,
		WarmupMinSamples: cfg.Window.WarmupMinSamples,
		PollInterval:     cfg.Sentinel.PollInterval,
		SeverityFloor:    cfg.Sentinel.SeverityFloor,
		VetoFloor:        cfg.Sentinel.VetoFloor,
		MaxSignalLag:     cfg.Sentinel.MaxSignalLag,
		FlapWindow:       cfg.Sentinel.FlapWindow,
		FlapTransitions:  cfg.Sentinel.FlapTransitions,
	}, selector, correlator, pb, logger)

	pipeline := sentinel.NewPipeline(sent, ingest.NewNormalizer(cfg.Ingest.AllowedHosts), logger)

	store := profile.NewMemoryStore(0)
	digester := profile.NewDigester(correlator, store, logger)

	handlers := api.NewHandlers(sent, correlator, digester, logger)
	server, err := api.NewServer(cfg.Server, handlers.Routes())
	if err != nil {
		logger.Error("failed to create API server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, err := buildAdapter(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise telemetry source", slog.Any("error", err))
		os.Exit(1)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if runErr := pipeline.Run(ctx); runErr != nil {
			logger.Error("pipeline exited", slog.Any("error", runErr))
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if runErr := sent.Run(ctx); runErr != nil {
			logger.Error("evaluation loop exited", slog.Any("error", runErr))
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sink := pipeline.SinkFor(adapter.Name())
		if runErr := adapter.Run(ctx, sink); runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.Error("telemetry adapter exited", slog.Any("error", runErr))
			stop()
		}
	}()

	if cfg.Playbook.Watch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if watchErr := pb.Watch(ctx); watchErr != nil {
				logger.Warn("playbook watch stopped", slog.Any("error", watchErr))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.Sentinel.ProfileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, digestErr := digester.Digest(ctx); digestErr != nil {
					logger.Warn("profile digest failed", slog.Any("error", digestErr))
				}
			}
		}
	}()

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
			if serveErr := metricsServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", serveErr))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("API server listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("API server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if shutdownErr := metricsServer.Shutdown(metricsCtx); shutdownErr != nil && !errors.Is(shutdownErr, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", shutdownErr))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("coherence-sentinel stopped")
}

// buildAdapter constructs the configured telemetry source. The remote
// connector's credentials are validated before the pipeline starts so a bad
// key fails the boot instead of silently producing nothing.
func buildAdapter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ingest.Adapter, error) {
	switch cfg.Ingest.Source {
	case "sim":
		return ingest.NewSim(ingest.SimConfig{
			Host:          cfg.Ingest.Sim.Host,
			Interval:      cfg.Ingest.Sim.Interval,
			Seed:          cfg.Ingest.Sim.Seed,
			AmplifyFrom:   cfg.Ingest.Sim.AmplifyFrom,
			AmplifyUntil:  cfg.Ingest.Sim.AmplifyUntil,
			AmplifyFactor: cfg.Ingest.Sim.AmplifyFactor,
		}, logger), nil

	case "local":
		return ingest.NewLocal(ingest.LocalConfig{
			Host:     cfg.Ingest.Local.Host,
			Interval: cfg.Ingest.Local.Interval,
		}, logger), nil

	case "scrape":
		return ingest.NewScrape(ingest.ScrapeConfig{
			Endpoint: cfg.Ingest.Scrape.Endpoint,
			Host:     cfg.Ingest.Scrape.Host,
			Interval: cfg.Ingest.Scrape.Interval,
			Timeout:  cfg.Ingest.Scrape.Timeout,
			Metrics:  cfg.Ingest.Scrape.Metrics,
			Auth: ingest.ScrapeAuth{
				Mode:        cfg.Ingest.Scrape.Auth.Mode,
				Header:      cfg.Ingest.Scrape.Auth.Header,
				KeyEnv:      cfg.Ingest.Scrape.Auth.KeyEnv,
				TokenEnv:    cfg.Ingest.Scrape.Auth.TokenEnv,
				Username:    cfg.Ingest.Scrape.Auth.Username,
				PasswordEnv: cfg.Ingest.Scrape.Auth.PasswordEnv,
			},
			InsecureSkipVerify: cfg.Ingest.Scrape.InsecureSkipVerify,
			RatePerSec:         cfg.Ingest.Scrape.RatePerSec,
			Burst:              cfg.Ingest.Scrape.Burst,
		}, logger)

	case "remote":
		remote, err := ingest.NewRemote(ingest.RemoteConfig{
			BaseURL:    cfg.Ingest.Remote.BaseURL,
			APIKeyEnv:  cfg.Ingest.Remote.APIKeyEnv,
			AppKeyEnv:  cfg.Ingest.Remote.AppKeyEnv,
			HostFilter: cfg.Ingest.Remote.HostFilter,
			Host:       cfg.Ingest.Remote.Host,
			Lag:        cfg.Ingest.Remote.Lag,
			Lookback:   cfg.Ingest.Remote.Lookback,
			Interval:   cfg.Ingest.Remote.Interval,
			Timeout:    cfg.Ingest.Remote.Timeout,
			RatePerSec: cfg.Ingest.Remote.RatePerSec,
			Burst:      cfg.Ingest.Remote.Burst,
		}, logger)
		if err != nil {
			return nil, err
		}

		pingCtx, cancel := context.WithTimeout(ctx, cfg.Ingest.Remote.Timeout)
		defer cancel()
		if err := remote.Ping(pingCtx); err != nil {
			if errors.Is(err, ingest.ErrRateLimited) {
				logger.Warn("remote API rate limited during validation, continuing",
					slog.Any("error", err))
				return remote, nil
			}
			return nil, err
		}
		logger.Info("remote API credentials validated")
		return remote, nil

	default:
		return nil, fmt.Errorf("unsupported ingest source %q", cfg.Ingest.Source)
	}
}
