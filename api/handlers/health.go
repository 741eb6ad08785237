package handlers

import (
	"context"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// 探针状态
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDraining  = "draining"

	checkPass = "pass"
	checkFail = "fail"
)

// HealthCheck 就绪检查项（运行记录存储的 Redis、数据库等）
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// EngineStats 工作流引擎概况
type EngineStats struct {
	Workflows  int `json:"workflows"`
	ActiveRuns int `json:"active_runs"`
}

// ServiceHealthResponse 探针响应
type ServiceHealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Engine    *EngineStats           `json:"engine,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// HealthHandler 存活与就绪探针。进入关闭流程后就绪探针固定返回 503，
// 让负载均衡先摘除实例
type HealthHandler struct {
	logger   *zap.Logger
	timeout  time.Duration
	stats    func() EngineStats
	draining atomic.Bool

	mu     sync.RWMutex
	checks []HealthCheck
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger.With(zap.String("component", "health")),
		timeout: 5 * time.Second,
	}
}

// WithEngineStats 在响应中附带引擎概况
func (h *HealthHandler) WithEngineStats(fn func() EngineStats) *HealthHandler {
	h.stats = fn
	return h
}

// WithTimeout 设置单次就绪检查的总超时
func (h *HealthHandler) WithTimeout(d time.Duration) *HealthHandler {
	if d > 0 {
		h.timeout = d
	}
	return h
}

// RegisterCheck 注册就绪检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// SetDraining 标记实例正在关闭
func (h *HealthHandler) SetDraining(draining bool) {
	if h.draining.Swap(draining) != draining {
		h.logger.Info("readiness changed", zap.Bool("draining", draining))
	}
}

// CheckNames 返回已注册检查的名字，按字母序
func (h *HealthHandler) CheckNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		names = append(names, c.Name())
	}
	slices.Sort(names)
	return names
}

// Register 挂载探针路由
func (h *HealthHandler) Register(mux *http.ServeMux) {
	for _, p := range []string{"/health", "/healthz"} {
		mux.HandleFunc("GET "+p, h.HandleHealth)
	}
	for _, p := range []string{"/ready", "/readyz"} {
		mux.HandleFunc("GET "+p, h.HandleReady)
	}
}

func (h *HealthHandler) response(status string) ServiceHealthResponse {
	resp := ServiceHealthResponse{Status: status, Timestamp: time.Now().UTC()}
	if h.stats != nil {
		st := h.stats()
		resp.Engine = &st
	}
	return resp
}

// HandleHealth 存活探针，不访问外部依赖
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.response(StatusHealthy))
}

// HandleReady 就绪探针。并发执行所有检查，任一失败返回 503
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, h.response(StatusDraining))
		return
	}

	h.mu.RLock()
	checks := slices.Clone(h.checks)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	results := h.runChecks(ctx, checks)

	resp := h.response(StatusHealthy)
	resp.Checks = results
	code := http.StatusOK
	for _, res := range results {
		if res.Status == checkFail {
			resp.Status = StatusUnhealthy
			code = http.StatusServiceUnavailable
			break
		}
	}
	WriteJSON(w, code, resp)
}

// runChecks 并发执行检查，一个失败不影响其它检查
func (h *HealthHandler) runChecks(ctx context.Context, checks []HealthCheck) map[string]CheckResult {
	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			start := time.Now()
			err := check.Check(ctx)
			took := time.Since(start)

			res := CheckResult{Status: checkPass, DurationMS: took.Milliseconds()}
			if err != nil {
				res.Status = checkFail
				res.Message = err.Error()
				h.logger.Warn("readiness check failed",
					zap.String("check", check.Name()),
					zap.Duration("took", took),
					zap.Error(err))
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]CheckResult, len(checks))
	for i, check := range checks {
		out[check.Name()] = results[i]
	}
	return out
}

// HandleVersion 返回构建信息
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := map[string]string{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
		"go_version": runtime.Version(),
	}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, info)
	}
}

// PingCheck 以 ping 函数实现的检查
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingCheck 创建 ping 检查
func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

func (c *PingCheck) Name() string { return c.name }

func (c *PingCheck) Check(ctx context.Context) error { return c.ping(ctx) }
