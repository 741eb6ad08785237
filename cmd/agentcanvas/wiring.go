package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcanvas/api/handlers"
	"github.com/BaSui01/agentcanvas/config"
	"github.com/BaSui01/agentcanvas/generation"
	"github.com/BaSui01/agentcanvas/internal/cache"
	"github.com/BaSui01/agentcanvas/internal/database"
	"github.com/BaSui01/agentcanvas/internal/metrics"
	"github.com/BaSui01/agentcanvas/internal/tlsutil"
	"github.com/BaSui01/agentcanvas/llm/providers/openaicompat"
	"github.com/BaSui01/agentcanvas/persistence"
	"github.com/BaSui01/agentcanvas/workflow"
)

// =============================================================================
// 🤖 生成客户端
// =============================================================================

// buildGenerationClient 按配置组装生成客户端: 传输 -> 熔断 -> 重试 -> 限流 -> 观测。
// collector 可为 nil
func buildGenerationClient(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (generation.Client, error) {
	tlsCfg, err := tlsutil.ClientWithCA(cfg.Generation.CAFile)
	if err != nil {
		return nil, fmt.Errorf("generation tls: %w", err)
	}

	var client generation.Client
	switch cfg.Generation.Mode {
	case "llm":
		provider := openaicompat.New(openaicompat.Config{
			ProviderName:  cfg.LLM.Provider,
			APIKey:        cfg.LLM.APIKey,
			BaseURL:       cfg.LLM.BaseURL,
			DefaultModel:  cfg.LLM.Model,
			FallbackModel: cfg.LLM.FallbackModel,
			Timeout:       cfg.LLM.Timeout,
			TLS:           tlsCfg,
		}, logger)
		client = generation.NewProviderClient(provider, logger)
	case "http", "":
		client = generation.NewHTTPClient(generation.HTTPConfig{
			Endpoint: cfg.Generation.Endpoint,
			APIKey:   cfg.Generation.APIKey,
			Timeout:  cfg.Generation.Timeout,
			TLS:      tlsCfg,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown generation mode %q", cfg.Generation.Mode)
	}

	// 熔断在重试内侧：熔断错误不可重试，重试循环会立即停止
	if cfg.Generation.BreakerThreshold > 0 {
		client = generation.NewBreakerClient(client, generation.BreakerConfig{
			Threshold:    cfg.Generation.BreakerThreshold,
			ResetTimeout: cfg.Generation.BreakerResetTimeout,
			OnStateChange: func(from, to generation.BreakerState) {
				logger.Info("generation breaker state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
				if collector != nil {
					collector.RecordBreakerState(to.String())
				}
			},
		}, logger)
	}
	if cfg.Generation.MaxRetries > 0 {
		retry := generation.DefaultRetryConfig()
		retry.MaxRetries = cfg.Generation.MaxRetries
		if cfg.Generation.RetryInitialDelay > 0 {
			retry.InitialDelay = cfg.Generation.RetryInitialDelay
		}
		if cfg.Generation.RetryMaxDelay > 0 {
			retry.MaxDelay = cfg.Generation.RetryMaxDelay
		}
		client = generation.NewRetryClient(client, retry, logger)
	}
	if cfg.Generation.RateLimitRPS > 0 {
		client = generation.NewRateLimitedClient(client, cfg.Generation.RateLimitRPS, cfg.Generation.RateLimitBurst)
	}

	var observer generation.Observer
	if collector != nil {
		observer = collector
	}
	instrumented, err := generation.NewInstrumentedClient(client, observer)
	if err != nil {
		return nil, fmt.Errorf("failed to instrument generation client: %w", err)
	}
	return instrumented, nil
}

// =============================================================================
// 💾 运行记录存储
// =============================================================================

// runBackend 运行记录存储及其依赖的连接
type runBackend struct {
	store   workflow.RunStore
	checks  []handlers.HealthCheck
	closers []func() error
	logger  *zap.Logger
	once    sync.Once
}

// Close 逆序关闭底层连接，可重复调用
func (b *runBackend) Close() {
	b.once.Do(func() {
		for i := len(b.closers) - 1; i >= 0; i-- {
			if err := b.closers[i](); err != nil {
				b.logger.Warn("failed to close run store backend", zap.Error(err))
			}
		}
	})
}

// openRunStore 按 store.type 打开存储。collector 非 nil 时定期上报数据库连接数
func openRunStore(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (*runBackend, error) {
	b := &runBackend{logger: logger}

	switch cfg.Store.Type {
	case "", "memory":
		b.store = persistence.NewMemoryRunStore(cfg.Store.Capacity)

	case "redis":
		mgr, err := cache.Open(ctx, cache.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxRetries:   cfg.Redis.MaxRetries,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			TLS:          cfg.Redis.TLSEnabled,
		}, logger)
		if err != nil {
			return nil, err
		}
		go mgr.Monitor(ctx, cfg.Store.MonitorInterval, func(st cache.Stats) {
			if collector != nil {
				collector.RecordDBPool("redis", st.Healthy, st.InUse(), st.Idle, st.Timeouts)
			}
		})
		b.closers = append(b.closers, mgr.Close)
		b.store = persistence.NewRedisRunStore(mgr.Client(), persistence.RedisConfig{
			KeyPrefix: cfg.Store.KeyPrefix,
			TTL:       cfg.Store.TTL,
		}, logger)
		b.checks = append(b.checks, handlers.NewPingCheck("redis", mgr.Ping))

	case "database":
		pm, err := database.Open(ctx, database.Options{
			Driver:             cfg.Database.Driver,
			DSN:                cfg.Database.DSN(),
			MaxOpenConns:       cfg.Database.MaxOpenConns,
			MaxIdleConns:       cfg.Database.MaxIdleConns,
			ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
			SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
		}, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pm.Close)
		store, err := persistence.NewGormRunStore(pm.DB(), logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.store = store
		b.checks = append(b.checks, handlers.NewPingCheck("database", pm.Ping))
		go pm.Monitor(ctx, cfg.Store.MonitorInterval, func(st database.Stats) {
			if collector != nil {
				collector.RecordDBPool(st.Driver, st.Healthy, st.InUse, st.Idle, st.WaitCount)
			}
		})

	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}

	logger.Info("run store ready", zap.String("type", cfg.Store.Type))
	return b, nil
}

// =============================================================================
// 📂 工作流定义文件
// =============================================================================

// workflowFiles 记录定义文件与工作流 id 的对应关系，供热加载使用
type workflowFiles struct {
	registry *workflow.Registry
	logger   *zap.Logger

	mu  sync.Mutex
	ids map[string]string
}

func newWorkflowFiles(registry *workflow.Registry, logger *zap.Logger) *workflowFiles {
	return &workflowFiles{
		registry: registry,
		logger:   logger.With(zap.String("component", "workflow_files")),
		ids:      make(map[string]string),
	}
}

// Load 加载一个定义文件并注册。定义可以先有校验问题，运行时才拒绝
func (f *workflowFiles) Load(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	def, err := loadWorkflowFile(abs)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.ids[abs]; ok && prev != def.ID {
		// 文件改了 id，旧 id 下线
		if err := f.registry.Remove(prev); err != nil {
			f.logger.Warn("failed to remove previous workflow id", zap.String("id", prev), zap.Error(err))
		}
	}
	e, err := f.registry.Put(def)
	if err != nil {
		return "", err
	}
	f.ids[abs] = e.ID()

	if verr := workflow.Validate(def); verr != nil {
		f.logger.Warn("workflow loaded with problems",
			zap.String("path", abs),
			zap.String("workflow_id", e.ID()),
			zap.Int("violations", len(verr.Violations)))
	} else {
		f.logger.Info("workflow loaded", zap.String("path", abs), zap.String("workflow_id", e.ID()))
	}
	return e.ID(), nil
}

// LoadAll 加载全部目标（文件或目录），任一失败即返回
func (f *workflowFiles) LoadAll(targets []string) error {
	paths, err := config.ExpandDefinitionPaths(targets)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if _, err := f.Load(p); err != nil {
			return fmt.Errorf("failed to load workflow %s: %w", p, err)
		}
	}
	return nil
}

// Handle 响应文件变更事件
func (f *workflowFiles) Handle(evt config.FileEvent) {
	switch evt.Op {
	case config.FileOpCreate, config.FileOpWrite:
		if _, err := f.Load(evt.Path); err != nil {
			f.logger.Error("failed to reload workflow", zap.String("path", evt.Path), zap.Error(err))
		}
	case config.FileOpRemove:
		f.mu.Lock()
		defer f.mu.Unlock()
		id, ok := f.ids[evt.Path]
		if !ok {
			return
		}
		if err := f.registry.Remove(id); err != nil {
			f.logger.Warn("failed to unload workflow", zap.String("workflow_id", id), zap.Error(err))
			return
		}
		delete(f.ids, evt.Path)
		f.logger.Info("workflow unloaded", zap.String("path", evt.Path), zap.String("workflow_id", id))
	}
}

// Paths 返回已加载文件的绝对路径
func (f *workflowFiles) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, 0, len(f.ids))
	for p := range f.ids {
		paths = append(paths, p)
	}
	return paths
}
