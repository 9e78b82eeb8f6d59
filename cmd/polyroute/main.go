// Package main provides the entry point for the polyroute query router.
package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/TFMV/polyroute/cmd/polyroute/config"
	"github.com/TFMV/polyroute/cmd/polyroute/middleware"
	"github.com/TFMV/polyroute/cmd/polyroute/server"
	"github.com/TFMV/polyroute/pkg/cache"
	"github.com/TFMV/polyroute/pkg/catalog"
	"github.com/TFMV/polyroute/pkg/cost"
	"github.com/TFMV/polyroute/pkg/infrastructure/memory"
	"github.com/TFMV/polyroute/pkg/infrastructure/metrics"
	"github.com/TFMV/polyroute/pkg/models"
	"github.com/TFMV/polyroute/pkg/repositories"
	"github.com/TFMV/polyroute/pkg/repositories/duckdb"
	"github.com/TFMV/polyroute/pkg/services"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polyroute",
		Short: "Polystore query router",
		Long: `polyroute decides, for every query of a polystore, which data stores
execute which part of it.

It enumerates placement combinations, scores them with a blend of static
estimates and observed execution costs, and caches the winners per query
class.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("catalog", "", "catalog YAML file")
	rootCmd.PersistentFlags().String("catalog-dsn", "", "DuckDB catalog database")
	rootCmd.PersistentFlags().String("stats", "", "statistics YAML file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the admin API and health endpoints",
		Long: `Start the routing service with its admin HTTP API, gRPC health service and
Prometheus metrics.

Example:
  polyroute serve --config ./polyroute.yaml
  polyroute serve --catalog ./catalog.yaml --admin-address 127.0.0.1:8080`,
		RunE: runServe,
	}
	serveCmd.Flags().String("admin-address", "0.0.0.0:8080", "admin API listen address")
	serveCmd.Flags().String("grpc-address", "0.0.0.0:8815", "gRPC health listen address")
	serveCmd.Flags().String("metrics-address", ":9090", "metrics server address")
	serveCmd.Flags().Bool("metrics", true, "enable Prometheus metrics")
	serveCmd.Flags().String("warm-cache", "", "Arrow IPC plan cache export to load on start")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")

	routeCmd := &cobra.Command{
		Use:   "route",
		Short: "Route a query file once and print the decision",
		Long: `Route the plan of a query file against a catalog and print the decision as
JSON. Query files are YAML or JSON:

  plan:
    kind: SCAN
    entity_id: 1
    columns: [1, 2]`,
		RunE: func(cmd *cobra.Command, args []string) error { return runRoute(cmd, false) },
	}
	explainCmd := &cobra.Command{
		Use:   "explain",
		Short: "Print every scored candidate of a query file",
		RunE:  func(cmd *cobra.Command, args []string) error { return runRoute(cmd, true) },
	}
	for _, c := range []*cobra.Command{routeCmd, explainCmd} {
		c.Flags().StringP("query", "q", "", "query file (YAML or JSON)")
		_ = c.MarkFlagRequired("query")
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "polyroute\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", commit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(serveCmd, routeCmd, explainCmd, versionCmd)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":        "log_level",
	"catalog":          "catalog.path",
	"catalog-dsn":      "catalog.dsn",
	"stats":            "statistics.path",
	"admin-address":    "admin.address",
	"grpc-address":     "grpc.address",
	"metrics-address":  "metrics.address",
	"metrics":          "metrics.enabled",
	"shutdown-timeout": "shutdown_timeout",
}

func loadConfig(cmd *cobra.Command) (*viper.Viper, *config.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	v, err := config.New(configFile)
	if err != nil {
		return nil, nil, err
	}

	// Bind flags to viper; unset flags leave file and env values alone
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
			}
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	return v, cfg, nil
}

func setupLogging(level string, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}

	logger := zerolog.New(w).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "polyroute")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}

	return logger.Logger()
}

// router bundles the routing service with the catalog it routes against.
type router struct {
	view    *catalog.View
	cache   *cache.ShardedPlanCache
	source  server.CatalogSource
	repo    repositories.CatalogRepository
	service services.RoutingService
	node    uuid.UUID
}

func newRouter(ctx context.Context, cfg *config.Config, logger zerolog.Logger, collector metrics.Collector) (*router, error) {
	rt := &router{node: uuid.New()}
	if cfg.NodeID != "" {
		node, err := uuid.Parse(cfg.NodeID)
		if err != nil {
			return nil, fmt.Errorf("invalid node_id: %w", err)
		}
		rt.node = node
	}

	var snap *catalog.Snapshot
	if cfg.Catalog.DSN != "" {
		repo, err := duckdb.NewCatalogRepository(duckdb.Config{DSN: cfg.Catalog.DSN, MotherDuckToken: cfg.Catalog.MotherDuckToken}, logger.With().Str("component", "catalog_repository").Logger())
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		if snap, err = repo.Load(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		rt.repo = repo
		rt.source = repo
	} else {
		var err error
		if snap, err = catalog.LoadYAML(cfg.Catalog.Path); err != nil {
			return nil, err
		}
		rt.source = server.NewYAMLSource(cfg.Catalog.Path)
	}
	rt.view = catalog.NewView(snap)

	var stats cost.Statistics
	if cfg.Statistics.Path != "" {
		static, err := cost.LoadStatisticsYAML(cfg.Statistics.Path)
		if err != nil {
			rt.Close()
			return nil, err
		}
		stats = cost.NewCachedStatistics(static, cfg.Statistics.CacheTTL)
	}

	rt.cache = cache.NewShardedPlanCache(cfg.CacheConfig())

	svc, err := services.NewRoutingService(services.Dependencies{
		View:      rt.view,
		Cache:     rt.cache,
		Estimator: cost.NewEstimator(stats),
		Logger:    &loggerAdapter{logger: logger.With().Str("component", "routing_service").Logger()},
		Metrics:   &serviceMetricsAdapter{collector: collector},
		Node:      rt.node,
	}, cfg.Routing)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.service = svc

	logger.Info().
		Uint64("catalog_version", snap.Version()).
		Int("entities", len(snap.Entities())).
		Int("adapters", len(snap.Adapters())).
		Str("node", rt.node.String()).
		Msg("Router initialized")
	return rt, nil
}

func (rt *router) Close() error {
	if rt.repo != nil {
		return rt.repo.Close()
	}
	return nil
}

func runRoute(cmd *cobra.Command, explain bool) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.LogLevel, cmd.ErrOrStderr())

	queryFile, _ := cmd.Flags().GetString("query")
	req, err := readRouteRequest(queryFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRouter(ctx, cfg, logger, metrics.NewNoOpCollector())
	if err != nil {
		return err
	}
	defer rt.Close()

	stmt, err := req.Statement(rt.node)
	if err != nil {
		return err
	}
	route := rt.service.Route
	if explain || req.Explain {
		route = rt.service.Explain
	}
	decision, err := route(ctx, req.Plan, stmt)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(decision)
}

func readRouteRequest(path string) (*models.RouteRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read query file: %w", err)
	}
	var req models.RouteRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse query file: %w", err)
	}
	if req.Plan == nil {
		return nil, fmt.Errorf("query file %s has no plan", path)
	}
	return &req, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	v, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.LogLevel, os.Stdout)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	collector := metrics.NewPrometheusCollector()
	rt, err := newRouter(ctx, cfg, logger, collector)
	if err != nil {
		return err
	}
	defer rt.Close()

	if warm, _ := cmd.Flags().GetString("warm-cache"); warm != "" {
		if err := warmCache(warm, rt.cache, logger); err != nil {
			return err
		}
	}

	if err := registerGauges(collector, rt); err != nil {
		return err
	}

	// Hot reload of the routing section
	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			reloadRouting(v, rt.service, logger, e.Name)
		})
		v.WatchConfig()
	}

	// Catalog polling
	refresher := server.NewCatalogRefresher(rt.source, rt.view, cfg.Catalog.RefreshInterval,
		logger.With().Str("component", "catalog_refresher").Logger())
	go refresher.Run(ctx)

	// Start metrics server
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Address, collector)
		go func() {
			logger.Info().Str("address", cfg.Metrics.Address).Msg("Starting metrics server")
			if err := metricsServer.Start(); err != nil {
				logger.Error().Err(err).Msg("Metrics server error")
			}
		}()
	}

	// Middleware
	authMW := middleware.NewAuthMiddleware(cfg.Admin.Auth, logger.With().Str("component", "auth_middleware").Logger())
	logMW := middleware.NewLoggingMiddleware(logger.With().Str("component", "logging_middleware").Logger())
	metricsMW := middleware.NewMetricsMiddleware(&middlewareMetricsAdapter{collector: collector})
	recoverMW := middleware.NewRecoveryMiddleware(logger.With().Str("component", "recovery_middleware").Logger())

	admin := server.New(rt.service, logger.With().Str("component", "admin_api").Logger(), server.Options{
		Node:       rt.node,
		View:       rt.view,
		Middleware: []func(next http.Handler) http.Handler{recoverMW.Handler, metricsMW.Handler, authMW.Handler, logMW.Handler},
	})

	adminListener, err := net.Listen("tcp", cfg.Admin.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Admin.Address, err)
	}

	serverErrCh := make(chan error, 2)
	go func() {
		if err := admin.Serve(adminListener); err != nil {
			serverErrCh <- fmt.Errorf("admin API error: %w", err)
		}
	}()

	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
	)
	if cfg.GRPC.Enabled {
		grpcServer, healthServer = server.NewGRPCServer(cfg.GRPC, recoverMW.UnaryInterceptor(), logMW.UnaryInterceptor(), metricsMW.UnaryInterceptor())

		grpcListener, err := net.Listen("tcp", cfg.GRPC.Address)
		if err != nil {
			// the admin API is already serving, so go through the shutdown path
			serverErrCh <- fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Address, err)
		} else {
			go func() {
				logger.Info().Str("address", cfg.GRPC.Address).Bool("reflection", cfg.GRPC.Reflection).Msg("gRPC health server listening")
				if err := grpcServer.Serve(grpcListener); err != nil {
					serverErrCh <- fmt.Errorf("gRPC server error: %w", err)
				}
			}()
		}
	}

	// Set up signal handling
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdownCh)

	// Wait for shutdown signal or server error
	var serveErr error
	select {
	case <-shutdownCh:
		logger.Info().Msg("Received shutdown signal")
	case serveErr = <-serverErrCh:
		logger.Error().Err(serveErr).Msg("Server failed")
	case <-ctx.Done():
		logger.Info().Msg("Context cancelled")
	}

	// Graceful shutdown
	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("Starting graceful shutdown")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if healthServer != nil {
		// NOT_SERVING while draining
		healthServer.Shutdown()
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during admin API shutdown")
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("Server shutdown complete")
	return serveErr
}

// registerGauges exports values read at scrape time.
func registerGauges(collector *metrics.PrometheusCollector, rt *router) error {
	if err := collector.RegisterGaugeFunc("plan_cache_size", "Number of cached routing plans.", func() float64 {
		return float64(rt.service.CacheStats().Size)
	}); err != nil {
		return err
	}
	if err := collector.RegisterGaugeFunc("plan_cache_hit_rate", "Plan cache hit rate.", func() float64 {
		return rt.service.CacheStats().HitRate
	}); err != nil {
		return err
	}
	if err := collector.RegisterGaugeFunc("plan_cache_arrow_peak_bytes", "Peak Arrow memory of plan cache export and import.", func() float64 {
		return float64(memory.Shared().PeakBytes())
	}); err != nil {
		return err
	}
	return collector.RegisterGaugeFunc("catalog_version", "Version of the catalog snapshot routed against.", func() float64 {
		return float64(rt.view.Current().Version())
	})
}

// reloadRouting applies the routing section of a changed config file. An
// invalid file keeps the active options.
func reloadRouting(v *viper.Viper, svc services.RoutingService, logger zerolog.Logger, file string) {
	cfg, err := config.Load(v)
	if err != nil {
		logger.Error().Err(err).Str("file", file).Msg("Ignoring invalid configuration change")
		return
	}
	if err := svc.UpdateOptions(cfg.Routing); err != nil {
		logger.Error().Err(err).Str("file", file).Msg("Rejected routing options")
		return
	}
	logger.Info().Str("file", file).Str("options", cfg.Routing.String()).Msg("Routing options reloaded")
}

func warmCache(path string, c cache.PlanCache, logger zerolog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open plan cache export: %w", err)
	}
	defer f.Close()

	n, err := cache.Import(f, c)
	var corrupt *cache.CorruptPlansError
	switch {
	case stderrors.As(err, &corrupt):
		logger.Warn().Err(err).Str("file", path).Int("skipped", len(corrupt.Causes)).Msg("Skipped corrupt cached plans")
	case err != nil:
		return fmt.Errorf("failed to import plan cache: %w", err)
	}
	logger.Info().Str("file", path).Int("plans", n).Msg("Plan cache warmed")
	return nil
}
