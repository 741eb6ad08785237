package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcanvas/internal/tlsutil"
)

// ErrClosed 连接已关闭
var ErrClosed = errors.New("redis: manager closed")

// Options Redis 连接参数，零值字段取默认值
type Options struct {
	Addr         string
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
	TLS          bool

	// 建连与探活超时
	DialTimeout time.Duration
	// 慢命令阈值，负数表示不记录
	SlowCommandThreshold time.Duration
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = "localhost:6379"
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.SlowCommandThreshold == 0 {
		o.SlowCommandThreshold = 100 * time.Millisecond
	}
	return o
}

func (o Options) redisOptions() *redis.Options {
	ro := &redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		MaxRetries:   o.MaxRetries,
		PoolSize:     o.PoolSize,
		MinIdleConns: o.MinIdleConns,
		DialTimeout:  o.DialTimeout,
	}
	if o.TLS {
		ro.TLSConfig = tlsutil.Client()
	}
	return ro
}

// Manager 持有运行记录存储共用的 Redis 客户端
type Manager struct {
	client *redis.Client
	opts   Options
	logger *zap.Logger
	closed atomic.Bool
}

// Open 建立连接并探活，失败时释放客户端
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	m := &Manager{
		client: redis.NewClient(opts.redisOptions()),
		opts:   opts,
		logger: logger.With(zap.String("component", "redis"), zap.String("addr", opts.Addr)),
	}
	if opts.SlowCommandThreshold > 0 {
		m.client.AddHook(slowCommandHook{logger: m.logger, threshold: opts.SlowCommandThreshold})
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := m.client.Ping(pingCtx).Err(); err != nil {
		_ = m.client.Close()
		return nil, fmt.Errorf("redis %s: ping: %w", opts.Addr, err)
	}

	m.logger.Info("redis connected", zap.Int("db", opts.DB), zap.Bool("tls", opts.TLS))
	return m, nil
}

// Client 返回底层客户端
func (m *Manager) Client() *redis.Client {
	return m.client
}

// Ping 探活；关闭后返回 ErrClosed
func (m *Manager) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.client.Ping(ctx).Err()
}

// Close 关闭连接，可重复调用
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.logger.Info("closing redis connection")
	return m.client.Close()
}

// Stats 一次探活与连接池统计
type Stats struct {
	Healthy  bool
	Total    int
	Idle     int
	Stale    int
	Hits     int64
	Misses   int64
	Timeouts int64
}

// InUse 正在使用的连接数
func (s Stats) InUse() int {
	return max(s.Total-s.Idle, 0)
}

// Snapshot 探活一次并读取连接池统计
func (m *Manager) Snapshot(ctx context.Context) Stats {
	ps := m.client.PoolStats()
	return Stats{
		Healthy:  m.Ping(ctx) == nil,
		Total:    int(ps.TotalConns),
		Idle:     int(ps.IdleConns),
		Stale:    int(ps.StaleConns),
		Hits:     int64(ps.Hits),
		Misses:   int64(ps.Misses),
		Timeouts: int64(ps.Timeouts),
	}
}

// Monitor 立即上报一次，之后每隔 interval 上报，直到 ctx 结束或连接关闭。
// 健康状态翻转时记录日志
func (m *Manager) Monitor(ctx context.Context, interval time.Duration, report func(Stats)) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		pingCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
		st := m.Snapshot(pingCtx)
		cancel()
		if ctx.Err() != nil || m.closed.Load() {
			return
		}

		switch {
		case st.Healthy && !healthy:
			m.logger.Info("redis reachable again")
		case !st.Healthy && healthy:
			m.logger.Error("redis health check failed", zap.Int64("timeouts", st.Timeouts))
		}
		healthy = st.Healthy
		if report != nil {
			report(st)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
