package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/modelgate/api/handlers"
	"github.com/BaSui01/modelgate/config"
	"github.com/BaSui01/modelgate/gateway/balancer"
	"github.com/BaSui01/modelgate/gateway/dispatch"
	"github.com/BaSui01/modelgate/gateway/health"
	"github.com/BaSui01/modelgate/gateway/store"
	"github.com/BaSui01/modelgate/gateway/tokenizer"
	"github.com/BaSui01/modelgate/internal/cache"
	"github.com/BaSui01/modelgate/internal/database"
	"github.com/BaSui01/modelgate/internal/metrics"
	"github.com/BaSui01/modelgate/internal/server"
	"github.com/BaSui01/modelgate/internal/telemetry"
)

// Server assembles the gateway: stores, balancer, dispatcher, prober,
// HTTP ingress, and the metrics listener.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers
	db     *gorm.DB

	pool        *database.PoolManager
	cacheMgr    *cache.Manager
	cfgStore    *store.ConfigStore
	healthStore *store.HealthStore
	logStore    *store.LogStore
	dispatcher  *dispatch.Dispatcher
	prober      *health.Prober
	collector   *metrics.Collector

	httpManager    *server.Manager
	metricsManager *server.Manager

	bgCancel context.CancelFunc
}

// NewServer builds an unstarted server around its dependencies.
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{cfg: cfg, logger: logger, otel: otel, db: db}
}

// Start wires and launches everything. It returns after the listeners
// are up; WaitForShutdown blocks until the process is told to stop.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("modelgate", s.logger)

	if err := s.initStores(); err != nil {
		return fmt.Errorf("init stores: %w", err)
	}
	s.initGateway()

	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if err := s.prober.Start(bgCtx); err != nil {
		return fmt.Errorf("start prober: %w", err)
	}
	if s.cfg.Gateway.LogRetention > 0 {
		go s.logStore.RunRetention(bgCtx, s.cfg.Gateway.LogRetention, s.cfg.Gateway.LogRetention/10)
	}

	if err := s.startHTTPServer(bgCtx); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort))
	return nil
}

func (s *Server) initStores() error {
	pool, err := database.NewPoolManager(s.db, database.PoolConfig{
		MaxIdleConns:    s.cfg.Database.MaxIdleConns,
		MaxOpenConns:    s.cfg.Database.MaxOpenConns,
		ConnMaxLifetime: s.cfg.Database.ConnMaxLifetime,
	}, s.logger)
	if err != nil {
		return err
	}
	s.pool = pool

	// The gateway keeps serving without Redis; reads just skip the
	// cache layer.
	cacheMgr, err := cache.NewManager(cache.Config{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
	}, s.logger)
	if err != nil {
		s.logger.Warn("redis not available, routing cache disabled", zap.Error(err))
	} else {
		s.cacheMgr = cacheMgr
	}

	s.cfgStore = store.NewConfigStore(s.db, s.cacheMgr, s.cfg.Gateway.CandidateCacheTTL, s.logger)
	s.healthStore = store.NewHealthStore(s.db, s.logger)
	s.logStore = store.NewLogStore(s.db, s.logger)
	return nil
}

func (s *Server) initGateway() {
	b := balancer.New(s.cfgStore, s.logger)
	s.dispatcher = dispatch.New(dispatch.Config{
		RequestTimeout: s.cfg.Gateway.RequestTimeout,
		MaxRetries:     s.cfg.Gateway.MaxRetries,
	}, b, s.logStore, tokenizer.NewCounter(), s.collector, s.logger)

	s.prober = health.NewProber(health.ProberConfig{
		Interval:    s.cfg.Gateway.HealthCheckInterval,
		MaxFailures: s.cfg.Gateway.HealthCheckMaxErrors,
	}, s.cfgStore, s.healthStore, s.collector, s.logger)
}

func (s *Server) startHTTPServer(bgCtx context.Context) error {
	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(handlers.CheckFunc{CheckName: "database", Fn: s.pool.Ping})
	if s.cacheMgr != nil {
		healthHandler.RegisterCheck(handlers.CheckFunc{CheckName: "redis", Fn: s.cacheMgr.Ping})
	}

	chatHandler := handlers.NewChatHandler(s.dispatcher, s.logger)
	modelsHandler := handlers.NewModelsHandler(s.cfgStore, s.logger)
	adminHandler := handlers.NewAdminHandler(s.cfgStore, s.healthStore, s.logStore, s.prober, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler.HandleLive)
	mux.HandleFunc("/healthz", healthHandler.HandleLive)
	mux.HandleFunc("/ready", healthHandler.HandleReady)
	mux.HandleFunc("/readyz", healthHandler.HandleReady)
	mux.HandleFunc("/version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("/v1/chat/completions", chatHandler.HandleCompletion)
	mux.HandleFunc("/v1/models", modelsHandler.HandleList)

	adminAuth := AdminAuth(s.cfg.Auth.AdminKey, s.cfg.Auth.JWTSecret, s.logger)
	mux.HandleFunc("/admin/providers", adminAuth(adminHandler.HandleProviders))
	mux.HandleFunc("/admin/stats", adminAuth(adminHandler.HandleStats))
	mux.HandleFunc("/admin/logs", adminAuth(adminHandler.HandleLogs))
	mux.HandleFunc("/admin/probe", adminAuth(adminHandler.HandleProbe))
	mux.HandleFunc("/admin/cache/invalidate", adminAuth(adminHandler.HandleInvalidateCache))

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	}
	if s.cfg.Auth.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(bgCtx, s.cfg.Auth.RateLimitRPS, s.cfg.Auth.RateLimitBurst, s.logger))
	}
	middlewares = append(middlewares,
		APIKeyAuth(s.cfg.Auth.APIKeys, skipAuthPaths, s.logger))

	handler := Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then shuts everything
// down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the background loops and listeners in dependency
// order.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.prober != nil {
		s.prober.Stop()
	}
	if s.bgCancel != nil {
		s.bgCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.cacheMgr != nil {
		if err := s.cacheMgr.Close(); err != nil {
			s.logger.Error("cache close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
