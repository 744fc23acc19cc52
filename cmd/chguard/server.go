package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/chguard/api/handlers"
	"github.com/BaSui01/chguard/config"
	"github.com/BaSui01/chguard/connection"
	"github.com/BaSui01/chguard/internal/audit"
	"github.com/BaSui01/chguard/internal/cache"
	"github.com/BaSui01/chguard/internal/chclient"
	"github.com/BaSui01/chguard/internal/metrics"
	"github.com/BaSui01/chguard/internal/server"
	"github.com/BaSui01/chguard/internal/telemetry"
	"github.com/BaSui01/chguard/startup"
)

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func newServeCmd(opts *options) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the health API and metrics servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := opts.newLogger(cfg.Log)
			defer func() { _ = logger.Sync() }()

			logger.Info("Starting chguard",
				zap.String("version", Version),
				zap.String("build_time", BuildTime),
				zap.String("git_commit", GitCommit),
			)

			srv := NewServer(cfg, opts.newDialer(cfg.ClickHouse, logger), logger)
			result, err := srv.Start(cmd.Context())
			if err == nil && strict && !result.Ready {
				err = fmt.Errorf("startup checks failed at stage %q", result.FailedStage)
			}
			if err != nil {
				_ = srv.Shutdown(context.Background())
				return err
			}

			waitErr := srv.WaitForShutdown(cmd.Context())
			if err := srv.Shutdown(context.Background()); err != nil {
				logger.Error("shutdown completed with errors", zap.Error(err))
			}
			logger.Info("chguard stopped")
			return waitErr
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit when startup dependency checks fail instead of serving degraded")
	return cmd
}

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装连接管理器、缓存、审计与两个 HTTP 服务器
type Server struct {
	cfg    *config.Config
	dialer chclient.Dialer
	logger *zap.Logger

	registry  *prometheus.Registry
	collector *metrics.Collector
	telemetry *telemetry.Providers

	manager *connection.Manager
	cache   *cache.Manager
	audit   *audit.Scheduler

	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, dialer chclient.Dialer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		dialer: dialer,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 按顺序初始化所有组件并启动 HTTP 服务器（非阻塞）
//
// 启动检查失败不会返回错误，服务以降级状态继续运行，结果由调用方决定如何处理。
func (s *Server) Start(ctx context.Context) (startup.Result, error) {
	// 1. 指标
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("chguard", s.registry, s.logger)

	// 2. 遥测
	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers

	// 3. 连接管理器（进程级单例）与启动检查
	s.manager = connection.Init(s.cfg.ClickHouse, s.dialer,
		connection.WithLogger(s.logger),
		connection.WithCollector(s.collector),
	)
	result := startup.New(s.manager, s.logger).Run(ctx)
	if !result.Ready {
		s.logger.Error("startup checks failed, serving degraded",
			zap.String("failed_stage", string(result.FailedStage)),
		)
	}

	// 4. 报告缓存（可选）
	if s.cfg.Redis.Enabled {
		c, err := cache.NewManager(ctx, s.cfg.Redis, s.logger)
		if err != nil {
			s.logger.Warn("report cache unavailable, serving uncached reports", zap.Error(err))
		} else {
			s.cache = c
		}
	}

	// 5. 定时审计
	s.audit, err = audit.New(s.cfg.Audit, s.manager, s.collector, s.logger)
	if err != nil {
		return result, fmt.Errorf("failed to create audit scheduler: %w", err)
	}
	if err := s.audit.Start(); err != nil {
		return result, fmt.Errorf("failed to start audit scheduler: %w", err)
	}

	// 6. HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return result, fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 7. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return result, fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("ready", result.Ready),
	)
	return result, nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// newHealthHandler 组装健康面 handler
func (s *Server) newHealthHandler() *handlers.HealthHandler {
	hopts := []handlers.HandlerOption{
		handlers.WithCollector(s.collector),
		handlers.WithReconnectLimit(s.cfg.Server.ReconnectRPS, s.cfg.Server.ReconnectBurst),
	}
	if s.cache != nil {
		hopts = append(hopts, handlers.WithReportCache(s.cache, s.cfg.Server.ReportCacheTTL))
	}

	h := handlers.NewHealthHandler(s.manager, s.logger, hopts...)
	if s.cache != nil {
		h.RegisterCheck(handlers.NewPingHealthCheck("redis", s.cache.Ping))
	}
	return h
}

func (s *Server) startHTTPServer() error {
	router := handlers.NewRouter(s.newHealthHandler(), s.collector, s.logger)
	s.httpManager = server.NewManager(router,
		server.FromServerConfig("api", s.cfg.Server.HTTPPort, s.cfg.Server), s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// metricsHandler 暴露本进程 registry 中的指标
func (s *Server) metricsHandler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	return r
}

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		s.logger.Info("metrics server disabled")
		return nil
	}
	s.metricsManager = server.NewManager(s.metricsHandler(),
		server.FromServerConfig("metrics", s.cfg.Server.MetricsPort, s.cfg.Server), s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞直到收到信号、ctx 取消或服务器异常退出
func (s *Server) WaitForShutdown(ctx context.Context) error {
	managers := make([]*server.Manager, 0, 2)
	if s.httpManager != nil {
		managers = append(managers, s.httpManager)
	}
	if s.metricsManager != nil {
		managers = append(managers, s.metricsManager)
	}
	return server.WaitForShutdown(ctx, s.logger, managers...)
}

// Shutdown 按启动的逆序关闭所有组件，可重复调用
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Starting graceful shutdown...")

	var errs []error

	// 1. 停止接收请求
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	// 2. 停止审计并等待进行中的一轮
	if s.audit != nil {
		if err := s.audit.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit scheduler: %w", err))
		}
	}

	// 3. 关闭缓存
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("report cache: %w", err))
		}
	}

	// 4. 关闭连接管理器单例
	if err := connection.Teardown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("connection manager: %w", err))
	}

	// 5. Metrics 服务器最后关闭，便于观察关闭过程
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}

	// 6. 刷新遥测
	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	if len(errs) == 0 {
		s.logger.Info("Graceful shutdown completed")
	}
	return errors.Join(errs...)
}
