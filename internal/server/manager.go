package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/agentcanvas/internal/tlsutil"
	"go.uber.org/zap"
)

// Config 服务器配置
type Config struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	// 0 表示不限制，同步运行工作流的请求可能很长
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	// 超过后强制关闭仍未结束的连接
	ShutdownTimeout time.Duration
	// 两者都设置时以 HTTPS 提供服务
	CertFile string
	KeyFile  string
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Manager 管理一个 http.Server 的监听、服务与关闭。
// API 服务与 metrics 服务各持有一个
type Manager struct {
	name   string
	config Config
	server *http.Server
	logger *zap.Logger
	errCh  chan error

	mu       sync.Mutex
	listener net.Listener
	served   chan struct{}
	closed   bool
}

// NewManager 创建管理器，name 用于日志区分（如 "api"、"metrics"）
func NewManager(name string, handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "http_server"), zap.String("server", name))
	return &Manager{
		name:   name,
		config: config,
		server: &http.Server{
			Handler:           handler,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
			MaxHeaderBytes:    config.MaxHeaderBytes,
			ErrorLog:          zap.NewStdLog(logger),
		},
		logger: logger,
		errCh:  make(chan error, 1),
	}
}

// TLS 报告是否以 HTTPS 提供服务
func (m *Manager) TLS() bool {
	return m.config.CertFile != "" && m.config.KeyFile != ""
}

// Start 监听并在后台提供服务。证书在这里加载，错误同步返回
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return fmt.Errorf("server %s is closed", m.name)
	case m.listener != nil:
		return fmt.Errorf("server %s already started", m.name)
	}

	var tlsConfig *tls.Config
	if m.TLS() {
		cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
		if err != nil {
			return fmt.Errorf("server %s: load tls key pair: %w", m.name, err)
		}
		tlsConfig = tlsutil.Server()
		tlsConfig.Certificates = []tls.Certificate{cert}
		tlsConfig.NextProtos = []string{"h2", "http/1.1"}
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("server %s: listen on %s: %w", m.name, m.config.Addr, err)
	}
	m.logger.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", tlsConfig != nil))

	m.listener = ln
	if tlsConfig != nil {
		m.server.TLSConfig = tlsConfig
		ln = tls.NewListener(ln, tlsConfig)
	}
	m.served = make(chan struct{})
	go m.serve(ln, m.served)
	return nil
}

func (m *Manager) serve(ln net.Listener, served chan struct{}) {
	defer close(served)
	err := m.server.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}
	m.logger.Error("server exited", zap.Error(err))
	select {
	case m.errCh <- err:
	default:
	}
}

// Shutdown 等待进行中的请求结束，超过 ShutdownTimeout 后强制关闭连接。
// 重复调用返回 nil
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	served := m.served
	m.mu.Unlock()

	if m.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ShutdownTimeout)
		defer cancel()
	}

	start := time.Now()
	err := m.server.Shutdown(ctx)
	if err != nil {
		m.logger.Warn("graceful shutdown incomplete, closing connections", zap.Error(err))
		err = errors.Join(fmt.Errorf("server %s: shutdown: %w", m.name, err), m.server.Close())
	}
	if served != nil {
		<-served
	}

	m.mu.Lock()
	m.listener = nil
	m.mu.Unlock()
	m.logger.Info("server stopped", zap.Duration("took", time.Since(start)))
	return err
}

// Errors 服务异常退出时收到一个错误，正常关闭不会写入
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr 返回实际监听地址，未启动时返回配置的地址
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 已启动且未关闭
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener != nil && !m.closed
}
