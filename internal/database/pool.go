package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// 支持的驱动
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// ErrClosed 连接池已关闭
var ErrClosed = errors.New("database pool is closed")

// Dialector 按驱动名返回 GORM 方言。sqlite 使用纯 Go 实现，无需 cgo
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case DriverPostgres, "postgresql":
		return postgres.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	case DriverSQLite, "sqlite3":
		return sqlite.Open(dsn), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// Options 连接参数。零值字段使用默认值
type Options struct {
	Driver string
	DSN    string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// 慢查询阈值，0 表示不记录
	SlowQueryThreshold time.Duration
	// Open 时首次探活的超时
	PingTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 25
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 5
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 5 * time.Minute
	}
	if o.ConnMaxIdleTime <= 0 {
		o.ConnMaxIdleTime = time.Minute
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 5 * time.Second
	}
	return o
}

// Pool 持有运行记录存储使用的 GORM 连接
type Pool struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	driver string
	logger *zap.Logger
	closed atomic.Bool
}

// Open 打开数据库、应用连接池参数并探活一次，连不上时直接返回错误。
// SQL 日志经由 zap 输出
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Pool, error) {
	opts = opts.withDefaults()
	dialector, err := Dialector(opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:               NewGormLogger(logger, opts.SlowQueryThreshold),
		TranslateError:       true,
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", opts.Driver, err)
	}
	p, err := Wrap(db, opts, logger)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("ping %s database: %w", opts.Driver, err)
	}
	return p, nil
}

// Wrap 包装已打开的 GORM 实例并应用连接池参数，不做探活
func Wrap(db *gorm.DB, opts Options, logger *zap.Logger) (*Pool, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	opts = opts.withDefaults()
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(opts.ConnMaxIdleTime)

	p := &Pool{
		db:     db,
		sqlDB:  sqlDB,
		driver: db.Dialector.Name(),
		logger: logger.With(zap.String("component", "db_pool")),
	}
	p.logger.Info("database pool ready",
		zap.String("driver", p.driver),
		zap.Int("max_open_conns", opts.MaxOpenConns),
		zap.Int("max_idle_conns", opts.MaxIdleConns))
	return p, nil
}

// DB 返回 GORM 实例
func (p *Pool) DB() *gorm.DB { return p.db }

// Driver 返回方言名，用作指标标签
func (p *Pool) Driver() string { return p.driver }

// Ping 探活，关闭后返回 ErrClosed
func (p *Pool) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return p.sqlDB.PingContext(ctx)
}

// Close 关闭连接池，可重复调用
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.logger.Info("closing database pool")
	return p.sqlDB.Close()
}

// Stats 一次探活与连接池统计的快照
type Stats struct {
	Driver    string
	Healthy   bool
	MaxOpen   int
	Open      int
	InUse     int
	Idle      int
	WaitCount int64
	WaitTime  time.Duration
}

// Snapshot 探活一次并返回当前连接池状态
func (p *Pool) Snapshot(ctx context.Context) Stats {
	healthy := p.Ping(ctx) == nil
	s := p.sqlDB.Stats()
	return Stats{
		Driver:    p.driver,
		Healthy:   healthy,
		MaxOpen:   s.MaxOpenConnections,
		Open:      s.OpenConnections,
		InUse:     s.InUse,
		Idle:      s.Idle,
		WaitCount: s.WaitCount,
		WaitTime:  s.WaitDuration,
	}
}

// Monitor 首次立即上报，之后每个 interval 探活一次并把快照交给 report，
// 直到 ctx 结束或连接池关闭。健康状态翻转时记录日志
func (p *Pool) Monitor(ctx context.Context, interval time.Duration, report func(Stats)) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		st := p.Snapshot(pingCtx)
		cancel()
		if ctx.Err() != nil || p.closed.Load() {
			return
		}

		if st.Healthy != healthy {
			healthy = st.Healthy
			if healthy {
				p.logger.Info("database reachable again")
			} else {
				p.logger.Error("database health check failed", zap.Int("open", st.Open))
			}
		}
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
