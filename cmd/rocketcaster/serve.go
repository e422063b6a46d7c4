package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rocketcaster/pkg/admin"
	"rocketcaster/pkg/auth"
	"rocketcaster/pkg/config"
	"rocketcaster/pkg/directory"
	"rocketcaster/pkg/forum"
	"rocketcaster/pkg/gemini"
	"rocketcaster/pkg/proxy"
	"rocketcaster/pkg/ratelimit"
	"rocketcaster/pkg/router"
	"rocketcaster/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 30 * time.Second
	certValidity    = 5 * 365 * 24 * time.Hour
)

func serveCmd() *cobra.Command {
	var (
		address     string
		hostname    string
		autoCert    bool
		skipMigrate bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gemini server",
		Long: `Start the gemini server together with the metrics/health HTTP
endpoint and the gRPC health service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}
			if hostname != "" {
				cfg.Server.Hostname = hostname
			}

			return serve(cmd.Context(), cfg, autoCert, !skipMigrate, logger)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "gemini listening address (overrides config)")
	cmd.Flags().StringVar(&hostname, "hostname", "", "server host name (overrides config)")
	cmd.Flags().BoolVar(&autoCert, "auto-cert", true, "generate a self-signed server certificate when none exists")
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply database migrations on start")

	return cmd
}

// app is a fully wired server that has not started listening yet.
type app struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *admin.Metrics
	monitor  *admin.Monitor
	router   *router.Router
	server   *gemini.Server

	closers []func() error
}

func buildApp(ctx context.Context, cfg *config.Config, autoCert, migrate bool, logger *zap.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if autoCert {
		created, err := auth.NewCertManager().EnsureServerCertificate(cfg.Server.CertFile, cfg.Server.KeyFile, cfg.Server.Hostname, certValidity)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare server certificate: %w", err)
		}
		if created {
			logger.Info("Generated self-signed server certificate",
				zap.String("cert", cfg.Server.CertFile),
				zap.String("hostname", cfg.Server.Hostname))
		}
	}

	builder, err := auth.NewTLSConfigBuilder(&auth.AuthConfig{
		CertPath: cfg.Server.CertFile,
		KeyPath:  cfg.Server.KeyFile,
		Hostname: cfg.Server.Hostname,
	})
	if err != nil {
		return nil, err
	}
	tlsConfig, err := builder.BuildServerConfig()
	if err != nil {
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = admin.NewMetrics(a.registry)

	s, storeCheck, err := openStore(ctx, cfg, migrate, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, s.Close)

	limiter, limiterCheck, err := openLimiter(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, limiter.Close)

	dir, err := openDirectory(cfg, logger)
	if err != nil {
		return nil, err
	}

	streamer := proxy.NewStreamer(&http.Client{}, proxy.Options{
		MaxSize:                cfg.Proxy.MaxSize,
		ProbeTimeout:           cfg.Proxy.ProbeTimeout,
		MaxConcurrentTransfers: cfg.Proxy.MaxConcurrentTransfers,
		UserAgent:              cfg.Directory.UserAgent,
		Hooks:                  a.metrics.ProxyHooks(),
	}, logger.Named("proxy"))

	f, err := forum.New(forum.Deps{
		Store:       s,
		Directory:   dir,
		Streamer:    streamer,
		Limiter:     limiter,
		Metrics:     a.metrics,
		Logger:      logger.Named("forum"),
		RecentPosts: cfg.RecentPosts,
	})
	if err != nil {
		return nil, err
	}

	a.router = router.New(auth.NewMiddleware(s, logger.Named("auth")), logger.Named("router"))
	f.Register(a.router)

	a.monitor = admin.NewMonitor(a.metrics, s, logger.Named("health"))
	a.monitor.AddCheck("store", storeCheck)
	if limiterCheck != nil {
		a.monitor.AddCheck("rate_limiter", limiterCheck)
	}

	a.server = gemini.NewServer(cfg.Server.Address, tlsConfig, a.router, logger.Named("gemini"))
	a.server.ReadTimeout = cfg.Server.ReadTimeout
	a.server.OnResponse = a.metrics.ObserveResponse

	return a, nil
}

// Close releases the store and the limiter, last opened first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func serve(ctx context.Context, cfg *config.Config, autoCert, migrate bool, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := buildApp(ctx, cfg, autoCert, migrate, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.monitor.Start(ctx)
	defer a.monitor.Stop()

	var httpServer *http.Server
	if cfg.Admin.MetricsAddress != "" {
		httpServer = admin.StartHTTPServer(cfg.Admin.MetricsAddress, a.monitor, a.registry, logger.Named("admin"))
	}
	if cfg.Admin.GRPCAddress != "" {
		grpcServer, _, err := admin.StartGRPCServer(cfg.Admin.GRPCAddress, a.monitor, logger.Named("admin"))
		if err != nil {
			return fmt.Errorf("failed to start gRPC health server: %w", err)
		}
		defer grpcServer.GracefulStop()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- a.server.ListenAndServe()
	}()

	logger.Info("Rocketcaster started",
		zap.String("address", cfg.Server.Address),
		zap.String("hostname", cfg.Server.Hostname),
		zap.String("database", string(cfg.Database.Driver)),
		zap.String("rate_limiter", string(cfg.RateLimit.Backend)),
		zap.Int("routes", len(a.router.Routes())))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, gemini.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-sigChan:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Gemini server did not drain cleanly", zap.Error(err))
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server did not stop cleanly", zap.Error(err))
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool, logger *zap.Logger) (store.Store, admin.Check, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pg, err := store.OpenPostgres(ctx, cfg.Database.URL, logger.Named("store"))
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := pg.MigrateUp(); err != nil {
				pg.Close()
				return nil, nil, err
			}
		}
		return pg, pg.Ping, nil
	default:
		logger.Warn("Using the in-memory store; all data is lost on restart")
		mem := store.NewMemory()
		return mem, func(ctx context.Context) error {
			_, err := mem.Stats(ctx)
			return err
		}, nil
	}
}

func openLimiter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ratelimit.Limiter, admin.Check, error) {
	policy := ratelimit.Policy{Requests: cfg.RateLimit.Requests, Window: cfg.RateLimit.Window}

	switch cfg.RateLimit.Backend {
	case config.LimiterRedis:
		limiter := ratelimit.NewRedis(ratelimit.RedisOptions{
			Addr: cfg.RateLimit.RedisAddr,
			DB:   cfg.RateLimit.RedisDB,
		}, policy, logger.Named("ratelimit"))
		if err := limiter.Ping(ctx); err != nil {
			limiter.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RateLimit.RedisAddr, err)
		}
		return limiter, limiter.Ping, nil
	default:
		return ratelimit.NewMemory(policy), nil, nil
	}
}

func openDirectory(cfg *config.Config, logger *zap.Logger) (directory.Directory, error) {
	if cfg.Directory.APIKey == "" || cfg.Directory.APISecret == "" {
		logger.Warn("PODCAST_INDEX_API_KEY or PODCAST_INDEX_API_SECRET is not set; using an empty directory")
		return directory.NewStatic(), nil
	}

	return directory.NewPodcastIndex(directory.Config{
		BaseURL:   cfg.Directory.BaseURL,
		APIKey:    cfg.Directory.APIKey,
		APISecret: cfg.Directory.APISecret,
		UserAgent: cfg.Directory.UserAgent,
		Timeout:   cfg.Directory.Timeout,
	}, logger.Named("directory"))
}
