package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// 延迟分桶：HTTP 请求偏短，工作流与生成请求偏长
var (
	httpBuckets       = prometheus.DefBuckets
	generationBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}
	runBuckets        = []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300}
	sizeBuckets       = prometheus.ExponentialBuckets(100, 10, 8)
)

// Collector 持有独立的 Registry，/metrics 只暴露本进程注册的指标
type Collector struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	httpRequestSize  *prometheus.HistogramVec
	httpResponseSize *prometheus.HistogramVec

	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	nodesTotal      *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec
	guardRejections *prometheus.CounterVec

	generationTotal    *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	breakerState       prometheus.Gauge

	dbUp    *prometheus.GaugeVec
	dbConns *prometheus.GaugeVec
	dbWaits *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，同时注册 Go 运行时与进程指标
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
	f := promauto.With(reg)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),

		httpRequests:     counter("http_requests_total", "HTTP requests by route and status class", "method", "path", "status"),
		httpDuration:     histogram("http_request_duration_seconds", "HTTP request latency", httpBuckets, "method", "path"),
		httpRequestSize:  histogram("http_request_size_bytes", "HTTP request body size", sizeBuckets, "method", "path"),
		httpResponseSize: histogram("http_response_size_bytes", "HTTP response body size", sizeBuckets, "method", "path"),

		runsTotal:       counter("workflow_runs_total", "Finished workflow runs by final status", "status"),
		runDuration:     histogram("workflow_run_duration_seconds", "Workflow run wall time", runBuckets, "status"),
		nodesTotal:      counter("workflow_nodes_total", "Executed nodes by kind and outcome", "kind", "state"),
		nodeDuration:    histogram("workflow_node_duration_seconds", "Node execution time", generationBuckets, "kind"),
		guardRejections: counter("workflow_guard_rejections_total", "Run or node starts refused by the execution guard", "scope"),

		generationTotal:    counter("generation_requests_total", "Generation requests by model and outcome", "model", "status"),
		generationDuration: histogram("generation_request_duration_seconds", "Generation request latency", generationBuckets, "model"),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_breaker_state",
			Help:      "Generation circuit breaker state (0 closed, 1 open, 2 half open)",
		}),

		dbUp:    gauge("db_up", "Whether the last database ping succeeded", "database"),
		dbConns: gauge("db_connections", "Database connections by state", "database", "state"),
		dbWaits: gauge("db_wait_count", "Cumulative waits for a free database connection", "database"),
	}

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry 返回底层 Registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		Registry:          c.registry,
		EnableOpenMetrics: true,
	})
}

// =============================================================================
// 🎯 HTTP
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求。path 应为路由模式而非原始路径
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	if requestSize > 0 {
		c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	}
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔀 工作流（实现 workflow.RunObserver）
// =============================================================================

// RecordRun 记录一次运行
func (c *Collector) RecordRun(status string, duration time.Duration) {
	c.runsTotal.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordNode 记录一次节点执行
func (c *Collector) RecordNode(kind, state string, duration time.Duration) {
	c.nodesTotal.WithLabelValues(kind, state).Inc()
	c.nodeDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordGuardRejection 记录被并发守卫拒绝的启动
func (c *Collector) RecordGuardRejection(scope string) {
	c.guardRejections.WithLabelValues(scope).Inc()
}

// =============================================================================
// 🤖 生成服务（实现 generation.Observer）
// =============================================================================

// RecordGeneration 记录生成请求
func (c *Collector) RecordGeneration(model, status string, duration time.Duration) {
	if model == "" {
		model = "default"
	}
	c.generationTotal.WithLabelValues(model, status).Inc()
	c.generationDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordBreakerState 记录熔断器状态，state 取 closed/open/half_open
func (c *Collector) RecordBreakerState(state string) {
	switch state {
	case "open":
		c.breakerState.Set(1)
	case "half_open":
		c.breakerState.Set(2)
	default:
		c.breakerState.Set(0)
	}
}

// =============================================================================
// 🗄️ 数据库
// =============================================================================

// RecordDBPool 记录一次连接池快照
func (c *Collector) RecordDBPool(database string, up bool, inUse, idle int, waitCount int64) {
	upValue := 0.0
	if up {
		upValue = 1
	}
	c.dbUp.WithLabelValues(database).Set(upValue)
	c.dbConns.WithLabelValues(database, "in_use").Set(float64(inUse))
	c.dbConns.WithLabelValues(database, "idle").Set(float64(idle))
	c.dbWaits.WithLabelValues(database).Set(float64(waitCount))
}

// statusClass 把状态码归为 2xx/3xx/4xx/5xx
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
