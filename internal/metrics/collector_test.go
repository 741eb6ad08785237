package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcanvas/generation"
	"github.com/BaSui01/agentcanvas/workflow"
)

var (
	_ workflow.RunObserver = (*Collector)(nil)
	_ generation.Observer  = (*Collector)(nil)
)

// 每个 Collector 持有独立 Registry，同名 namespace 可重复创建
func TestNewCollector_IndependentRegistries(t *testing.T) {
	a := NewCollector("agentcanvas", nil)
	b := NewCollector("agentcanvas", zap.NewNop())

	a.RecordRun("completed", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.runsTotal.WithLabelValues("completed")))
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	c.RecordHTTPRequest("GET", "/api/v1/runs/{id}", 200, 100*time.Millisecond, 0, 2048)
	c.RecordHTTPRequest("GET", "/api/v1/runs/{id}", 200, 50*time.Millisecond, 0, 1024)
	c.RecordHTTPRequest("POST", "/api/v1/workflows/{id}/runs", 409, 5*time.Millisecond, 64, 64)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/api/v1/runs/{id}", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("POST", "/api/v1/workflows/{id}/runs", "4xx")))
	// 无请求体的 GET 不记录请求大小
	assert.Equal(t, 1, testutil.CollectAndCount(c.httpRequestSize))
}

func TestCollector_WorkflowMetrics(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	c.RecordRun(string(workflow.RunCompleted), time.Second)
	c.RecordRun(string(workflow.RunCanceled), time.Second)
	c.RecordRun(string(workflow.RunCompleted), 2*time.Second)
	c.RecordNode("generate", "completed", 100*time.Millisecond)
	c.RecordNode("decision", "error", 10*time.Millisecond)
	c.RecordGuardRejection("run")
	c.RecordGuardRejection("run")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsTotal.WithLabelValues(string(workflow.RunCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues(string(workflow.RunCanceled))))
	assert.Equal(t, 2, testutil.CollectAndCount(c.runDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodesTotal.WithLabelValues("decision", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.guardRejections.WithLabelValues("run")))
}

func TestCollector_GenerationMetrics(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	c.RecordGeneration("gpt-4o", "success", 500*time.Millisecond)
	c.RecordGeneration("gpt-4o", "error", 100*time.Millisecond)
	c.RecordGeneration("", "success", time.Millisecond)

	assert.Equal(t, 3, testutil.CollectAndCount(c.generationTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.generationTotal.WithLabelValues("default", "success")))

	for state, want := range map[string]float64{
		generation.BreakerOpen.String():     1,
		generation.BreakerHalfOpen.String(): 2,
		generation.BreakerClosed.String():   0,
	} {
		c.RecordBreakerState(state)
		assert.Equal(t, want, testutil.ToFloat64(c.breakerState), state)
	}
}

func TestCollector_RecordDBPool(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	c.RecordDBPool("postgres", true, 3, 2, 7)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dbUp.WithLabelValues("postgres")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.dbConns.WithLabelValues("postgres", "in_use")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.dbConns.WithLabelValues("postgres", "idle")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.dbWaits.WithLabelValues("postgres")))

	c.RecordDBPool("postgres", false, 0, 0, 7)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.dbUp.WithLabelValues("postgres")))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("canvas", zap.NewNop())
	c.RecordRun("completed", time.Second)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `canvas_workflow_runs_total{status="completed"} 1`)
	assert.Contains(t, text, "go_goroutines")
	assert.False(t, strings.Contains(text, "canvas_http_requests_total{"), "no samples before any request")
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordHTTPRequest("GET", "/health", 200, time.Millisecond, 0, 16)
			c.RecordNode("generate", "completed", time.Millisecond)
			c.RecordGeneration("m", "success", time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/health", "2xx")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.nodesTotal.WithLabelValues("generate", "completed")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.generationTotal.WithLabelValues("m", "success")))
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{201: "2xx", 302: "3xx", 499: "4xx", 502: "5xx", 0: "unknown", 700: "unknown"}
	for code, want := range tests {
		assert.Equal(t, want, statusClass(code), code)
	}
}
