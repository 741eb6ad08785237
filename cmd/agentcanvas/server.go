package main

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentcanvas/api/handlers"
	"github.com/BaSui01/agentcanvas/config"
	"github.com/BaSui01/agentcanvas/internal/metrics"
	"github.com/BaSui01/agentcanvas/internal/server"
	"github.com/BaSui01/agentcanvas/internal/telemetry"
	"github.com/BaSui01/agentcanvas/workflow"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 AgentCanvas 的主服务器
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 工作流
	registry *workflow.Registry
	backend  *runBackend
	files    *workflowFiles
	watcher  *config.FileWatcher

	// Handlers
	healthHandler   *handlers.HealthHandler
	workflowHandler *handlers.WorkflowHandler
	runHandler      *handlers.RunHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 后台任务（限流清理、连接池上报）生命周期
	cancel context.CancelFunc
}

// NewServer 创建新的服务器实例。providers 可为 nil
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		telemetry: providers,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	// 1. 初始化指标收集器
	if s.metricsCollector == nil {
		s.metricsCollector = metrics.NewCollector("agentcanvas", s.logger)
	}

	// 2. 初始化工作流引擎
	if err := s.initWorkflows(ctx); err != nil {
		return fmt.Errorf("failed to init workflows: %w", err)
	}

	// 3. 初始化 Handlers
	s.initHandlers()

	// 4. 定义文件热加载
	if err := s.initWatcher(ctx); err != nil {
		return fmt.Errorf("failed to init workflow watcher: %w", err)
	}

	// 5. 启动 HTTP 服务器
	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Int("workflows", s.registry.Len()),
		zap.String("store", s.cfg.Store.Type),
		zap.String("generation_mode", s.cfg.Generation.Mode),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initWorkflows 组装生成客户端、运行记录存储与工作流注册表
func (s *Server) initWorkflows(ctx context.Context) error {
	client, err := buildGenerationClient(s.cfg, s.metricsCollector, s.logger)
	if err != nil {
		return err
	}

	s.backend, err = openRunStore(ctx, s.cfg, s.metricsCollector, s.logger)
	if err != nil {
		return err
	}

	s.registry = workflow.NewRegistry(client,
		workflow.WithRunStore(s.backend.store),
		workflow.WithObserver(s.metricsCollector),
		workflow.WithDefaultModel(s.cfg.Generation.DefaultModel),
		workflow.WithLogger(s.logger),
		workflow.WithEventBuffer(256),
	)

	s.files = newWorkflowFiles(s.registry, s.logger)
	return s.files.LoadAll(s.cfg.Server.WorkflowFiles)
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger).
		WithEngineStats(func() handlers.EngineStats {
			return handlers.EngineStats{Workflows: s.registry.Len(), ActiveRuns: s.registry.Active()}
		})
	for _, check := range s.backend.checks {
		s.healthHandler.RegisterCheck(check)
	}

	s.workflowHandler = handlers.NewWorkflowHandler(s.registry, s.logger).
		WithOriginPatterns(s.cfg.Server.CORSAllowedOrigins)
	s.runHandler = handlers.NewRunHandler(s.backend.store, s.logger)

	s.logger.Info("Handlers initialized", zap.Strings("readiness_checks", s.healthHandler.CheckNames()))
}

// initWatcher 定义文件变更时重新加载
func (s *Server) initWatcher(ctx context.Context) error {
	if !s.cfg.Server.WatchWorkflows || len(s.cfg.Server.WorkflowFiles) == 0 {
		return nil
	}
	watcher, err := config.NewFileWatcher(s.cfg.Server.WorkflowFiles,
		config.WithPollInterval(s.cfg.Server.WatchInterval),
		config.WithWatcherLogger(s.logger),
	)
	if err != nil {
		return err
	}
	watcher.OnChange(s.files.Handle)
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	s.watcher = watcher
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册全部路由
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// 健康检查端点
	s.healthHandler.Register(mux)

	// 版本信息端点
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 工作流与运行记录
	s.workflowHandler.Register(mux)
	s.runHandler.Register(mux)

	return mux
}

// handler 构建中间件链。MetricsMiddleware 必须紧贴 mux 才能拿到路由模式
func (s *Server) handler(ctx context.Context) http.Handler {
	return Chain(s.routes(),
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
	)
}

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer(ctx context.Context) error {
	serverConfig := server.DefaultConfig()
	serverConfig.Addr = fmt.Sprintf(":%d", s.cfg.Server.HTTPPort)
	serverConfig.ReadTimeout = s.cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = s.cfg.Server.WriteTimeout
	serverConfig.IdleTimeout = 2 * s.cfg.Server.ReadTimeout
	serverConfig.ShutdownTimeout = s.cfg.Server.ShutdownTimeout
	serverConfig.CertFile = s.cfg.Server.TLSCertFile
	serverConfig.KeyFile = s.cfg.Server.TLSKeyFile

	s.httpManager = server.NewManager("api", s.handler(ctx), serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started",
		zap.String("addr", s.httpManager.Addr()),
		zap.Bool("tls", s.httpManager.TLS()),
	)
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器，端口为 0 时不启动
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metricsCollector.Handler())

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = fmt.Sprintf(":%d", s.cfg.Server.MetricsPort)
	serverConfig.ReadTimeout = s.cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = s.cfg.Server.ReadTimeout
	serverConfig.ShutdownTimeout = s.cfg.Server.ShutdownTimeout

	s.metricsManager = server.NewManager("metrics", mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.String("addr", s.metricsManager.Addr()))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Wait 阻塞直到 ctx 结束或任一服务器异常退出
func (s *Server) Wait(ctx context.Context) error {
	var metricsErrs <-chan error
	if s.metricsManager != nil {
		metricsErrs = s.metricsManager.Errors()
	}
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
		return nil
	case err := <-s.httpManager.Errors():
		return fmt.Errorf("http server: %w", err)
	case err := <-metricsErrs:
		return fmt.Errorf("metrics server: %w", err)
	}
}

// Shutdown 优雅关闭所有服务，可在启动失败后调用
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	// 0. 就绪探针先返回 503
	if s.healthHandler != nil {
		s.healthHandler.SetDraining(true)
	}

	// 1. 取消进行中的运行
	if s.registry != nil {
		if n := s.registry.CancelAll(); n > 0 {
			s.logger.Info("Canceled active runs", zap.Int("count", n))
		}
	}

	// 2. 停止定义文件监听
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Error("Workflow watcher stop error", zap.Error(err))
		}
	}

	// 3. 并行关闭 HTTP 与 Metrics 服务器
	ctx := context.Background()
	var g errgroup.Group
	for _, m := range []*server.Manager{s.httpManager, s.metricsManager} {
		if m == nil {
			continue
		}
		g.Go(func() error { return m.Shutdown(ctx) })
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("Server shutdown error", zap.Error(err))
	}

	// 4. 停止后台任务并关闭存储连接
	if s.cancel != nil {
		s.cancel()
	}
	if s.backend != nil {
		s.backend.Close()
	}

	// 5. 刷新遥测数据
	if s.telemetry != nil {
		tctx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := s.telemetry.Shutdown(tctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
