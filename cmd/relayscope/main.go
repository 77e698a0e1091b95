package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"relayscope/internal/catalog"
	"relayscope/internal/common"
	"relayscope/internal/config"
	"relayscope/internal/dispatch"
	"relayscope/internal/entitlement"
	"relayscope/internal/health"
	"relayscope/internal/metrics"
	"relayscope/internal/models"
	"relayscope/internal/monitor"
	"relayscope/internal/probe"
	"relayscope/internal/server"
	"relayscope/internal/storage"
	"relayscope/internal/visibility"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file (YAML)")
		addr       = flag.String("addr", "", "address for the web server (overrides listen)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Listen = *addr
	}

	logger, err := common.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	app := fx.New(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Provide(
			metrics.NewCollector,
			newHealthStorage,
			newReportStorage,
			newClassifier,
			newDispatcher,
			newCatalog,
			newResolver,
			newMonitor,
			newServer,
		),
		fx.Invoke(registerLifecycle),
	)
	app.Run()
}

func newHealthStorage(cfg config.Config) (*storage.HealthStorage, error) {
	return storage.NewHealthStorage(cfg.HealthRecordsPath())
}

func newReportStorage(cfg config.Config) (*storage.ReportStorage, error) {
	return storage.NewReportStorage(cfg.ReportPath())
}

func newClassifier(cfg config.Config, store *storage.HealthStorage, collector *metrics.Collector, logger *zap.Logger) (*health.Classifier, error) {
	classifier, err := health.NewClassifier(health.Options{
		InitialStatus: models.HealthStatus(cfg.Health.InitialStatus),
		Observer:      collector,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	restored := classifier.Restore(store.Records())
	logger.Info("restored health records", zap.Int("records", restored))
	return classifier, nil
}

func newDispatcher(cfg config.Config, collector *metrics.Collector, logger *zap.Logger) (*dispatch.Dispatcher, error) {
	prober, err := probe.New(probe.Config{
		Strategy: cfg.Probe.Strategy,
		Timeout:  cfg.Probe.Timeout(),
		Region:   cfg.Probe.Region,
	})
	if err != nil {
		return nil, err
	}
	return dispatch.New(prober, cfg.Probe.Concurrency, cfg.Probe.Timeout(),
		dispatch.WithObserver(collector),
		dispatch.WithLogger(logger.Named("dispatch")),
	), nil
}

func newCatalog(cfg config.Config, logger *zap.Logger) catalog.Source {
	if cfg.Catalog.URL != "" {
		logger.Info("using remote catalog", zap.String("url", cfg.Catalog.URL))
		return catalog.NewHTTPSource(cfg.Catalog.URL, cfg.Catalog.APIKey, logger)
	}
	logger.Info("using catalog file", zap.String("path", cfg.Catalog.File))
	return catalog.NewFileSource(cfg.Catalog.File)
}

func newResolver(cfg config.Config, logger *zap.Logger) entitlement.Resolver {
	chain := entitlement.Chain{entitlement.NewStaticResolver(cfg.Entitlement.PrivilegedUsers, nil)}
	if cfg.Entitlement.URL != "" {
		chain = append(chain, entitlement.NewHTTPResolver(
			cfg.Entitlement.URL,
			cfg.Entitlement.APIKey,
			cfg.Entitlement.CacheTTL(),
			nil,
			logger,
		))
	}
	return chain
}

func newMonitor(
	cfg config.Config,
	source catalog.Source,
	dispatcher *dispatch.Dispatcher,
	classifier *health.Classifier,
	records *storage.HealthStorage,
	reports *storage.ReportStorage,
	collector *metrics.Collector,
	logger *zap.Logger,
) *monitor.Monitor {
	return monitor.New(monitor.Options{
		Catalog:       source,
		Dispatcher:    dispatcher,
		Classifier:    classifier,
		Records:       records,
		Reports:       reports,
		Observer:      collector,
		Logger:        logger.Named("monitor"),
		Interval:      cfg.Health.Interval(),
		Sources:       cfg.Health.Sources,
		DefaultSource: cfg.Health.DefaultSource,
	})
}

func newServer(
	cfg config.Config,
	dispatcher *dispatch.Dispatcher,
	mon *monitor.Monitor,
	reports *storage.ReportStorage,
	resolver entitlement.Resolver,
	collector *metrics.Collector,
	logger *zap.Logger,
) *server.Server {
	var limiter *rate.Limiter
	if n := cfg.Admin.RatePerMinute; n > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}
	return server.New(server.Options{
		Addr:         cfg.Listen,
		Dispatcher:   dispatcher,
		Health:       mon,
		Reports:      reports,
		Resolver:     resolver,
		Policy:       visibility.Policy{FreeLimit: cfg.Visibility.FreeLimit},
		Metrics:      collector,
		Logger:       logger,
		AdminToken:   cfg.Admin.Token,
		TriggerLimit: limiter,
		ProbeInfo: map[string]any{
			"strategy":    cfg.Probe.Strategy,
			"timeout_ms":  cfg.Probe.TimeoutMs,
			"concurrency": dispatcher.Ceiling(),
			"region":      cfg.Probe.Region,
		},
	})
}

func registerLifecycle(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg config.Config, mon *monitor.Monitor, srv *server.Server, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			mon.Start()
			go func() {
				logger.Info("relayscope listening",
					zap.String("addr", cfg.Listen),
					zap.Duration("interval", cfg.Health.Interval()),
				)
				if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			err := srv.Shutdown(ctx)
			mon.Stop()
			return err
		},
	})
}
