// MockGenerationClient 是生成服务的测试模拟实现。
//
// 支持固定响应、按节点响应、延迟、闸门阻塞与错误注入场景。
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/agentcanvas/generation"
	"github.com/BaSui01/agentcanvas/types"
)

// --- MockGenerationClient 结构 ---

// MockGenerationClient 是 generation.Client 的模拟实现
type MockGenerationClient struct {
	mu sync.RWMutex

	// 响应配置
	response      string
	nodeResponses map[string]string
	nodeErrors    map[string]error
	err           error

	// 调用记录
	calls        []MockGenerationCall
	generateFunc func(ctx context.Context, req *generation.Request) (string, error)

	// 行为控制
	delay     time.Duration
	gate      <-chan struct{}
	failAfter int // 在第 N 次调用后失败
	callCount int
}

// MockGenerationCall 记录单次调用
type MockGenerationCall struct {
	Request  generation.Request
	Response string
	Error    error
	At       time.Time
}

var _ generation.Client = (*MockGenerationClient)(nil)

// --- 构造函数和 Builder 方法 ---

// NewMockGenerationClient 创建新的 MockGenerationClient
func NewMockGenerationClient() *MockGenerationClient {
	return &MockGenerationClient{
		response:      "Mock response",
		nodeResponses: make(map[string]string),
		nodeErrors:    make(map[string]error),
	}
}

// WithResponse 设置默认响应内容
func (m *MockGenerationClient) WithResponse(response string) *MockGenerationClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithNodeResponse 设置指定节点的响应内容
func (m *MockGenerationClient) WithNodeResponse(nodeID, response string) *MockGenerationClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeResponses[nodeID] = response
	return m
}

// WithNodeError 设置指定节点返回的错误
func (m *MockGenerationClient) WithNodeError(nodeID string, err error) *MockGenerationClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeErrors[nodeID] = err
	return m
}

// WithError 设置所有调用返回的错误
func (m *MockGenerationClient) WithError(err error) *MockGenerationClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay 设置响应延迟，ctx 取消时提前返回
func (m *MockGenerationClient) WithDelay(d time.Duration) *MockGenerationClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithGate 设置闸门，调用阻塞到 gate 关闭或 ctx 取消
func (m *MockGenerationClient) WithGate(gate <-chan struct{}) *MockGenerationClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = gate
	return m
}

// WithFailAfter 设置在第 N 次调用后失败
func (m *MockGenerationClient) WithFailAfter(n int) *MockGenerationClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithGenerateFunc 设置自定义 Generate 函数，优先于其他响应配置
func (m *MockGenerationClient) WithGenerateFunc(fn func(ctx context.Context, req *generation.Request) (string, error)) *MockGenerationClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateFunc = fn
	return m
}

// --- Client 接口实现 ---

// Generate 执行一次模拟生成
func (m *MockGenerationClient) Generate(ctx context.Context, req *generation.Request) (string, error) {
	m.mu.Lock()
	m.callCount++
	count := m.callCount
	delay, gate, fn := m.delay, m.gate, m.generateFunc
	m.mu.Unlock()

	if err := m.wait(ctx, delay, gate); err != nil {
		m.record(req, "", err)
		return "", err
	}

	var (
		text string
		err  error
	)
	if fn != nil {
		text, err = fn(ctx, req)
	} else {
		text, err = m.respond(req.NodeID, count)
	}
	m.record(req, text, err)
	return text, err
}

func (m *MockGenerationClient) wait(ctx context.Context, delay time.Duration, gate <-chan struct{}) error {
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (m *MockGenerationClient) respond(nodeID string, count int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failAfter > 0 && count > m.failAfter {
		return "", types.NewError(types.ErrUpstreamError, "mock: fail after limit reached").WithRetryable(true)
	}
	if err, ok := m.nodeErrors[nodeID]; ok {
		return "", err
	}
	if m.err != nil {
		return "", m.err
	}
	if text, ok := m.nodeResponses[nodeID]; ok {
		return text, nil
	}
	return m.response, nil
}

func (m *MockGenerationClient) record(req *generation.Request, text string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockGenerationCall{
		Request:  *req,
		Response: text,
		Error:    err,
		At:       time.Now(),
	})
}

// --- 查询方法 ---

// GetCalls 返回所有调用记录
func (m *MockGenerationClient) GetCalls() []MockGenerationCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]MockGenerationCall, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// CallCount 返回已开始的调用次数
func (m *MockGenerationClient) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// CallsFor 返回指定节点的调用记录
func (m *MockGenerationClient) CallsFor(nodeID string) []MockGenerationCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []MockGenerationCall
	for _, c := range m.calls {
		if c.Request.NodeID == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// NodeOrder 按完成顺序返回节点 ID
func (m *MockGenerationClient) NodeOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, len(m.calls))
	for i, c := range m.calls {
		ids[i] = c.Request.NodeID
	}
	return ids
}

// Reset 清空调用记录与计数
func (m *MockGenerationClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
}

// ErrMockGeneration 是预置的生成错误
var ErrMockGeneration = errors.New("mock generation error")
