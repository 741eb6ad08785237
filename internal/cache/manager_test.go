package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func setupTestRedis(t *testing.T, mutate func(*Options), logger *zap.Logger) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	opts := Options{Addr: mr.Addr(), DialTimeout: time.Second}
	if mutate != nil {
		mutate(&opts)
	}

	manager, err := Open(context.Background(), opts, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return mr, manager
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, "localhost:6379", o.Addr)
	assert.Equal(t, 10, o.PoolSize)
	assert.Equal(t, 5*time.Second, o.DialTimeout)
	assert.Equal(t, 100*time.Millisecond, o.SlowCommandThreshold)

	o = Options{SlowCommandThreshold: -1, TLS: true}.withDefaults()
	assert.Equal(t, time.Duration(-1), o.SlowCommandThreshold)
	assert.NotNil(t, o.redisOptions().TLSConfig)
	assert.Nil(t, Options{}.redisOptions().TLSConfig)
}

func TestOpen(t *testing.T) {
	mr, manager := setupTestRedis(t, nil, zap.NewNop())

	require.NoError(t, manager.Ping(context.Background()))
	require.NoError(t, manager.Client().Set(context.Background(), "k", "v", 0).Err())
	assert.True(t, mr.Exists("k"))
}

func TestOpen_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), Options{Addr: addr, DialTimeout: 200 * time.Millisecond}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}

func TestManager_Close(t *testing.T) {
	_, manager := setupTestRedis(t, nil, zap.NewNop())

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())
	assert.ErrorIs(t, manager.Ping(context.Background()), ErrClosed)
}

func TestManager_Snapshot(t *testing.T) {
	mr, manager := setupTestRedis(t, nil, zap.NewNop())

	st := manager.Snapshot(context.Background())
	assert.True(t, st.Healthy)
	assert.GreaterOrEqual(t, st.Total, 1)
	assert.GreaterOrEqual(t, st.InUse(), 0)

	mr.Close()
	assert.False(t, manager.Snapshot(context.Background()).Healthy)
}

func TestStats_InUse(t *testing.T) {
	assert.Equal(t, 3, Stats{Total: 5, Idle: 2}.InUse())
	assert.Equal(t, 0, Stats{Total: 1, Idle: 2}.InUse())
}

func TestManager_MonitorReportsHealthFlip(t *testing.T) {
	mr, manager := setupTestRedis(t, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var reports []bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Monitor(ctx, 10*time.Millisecond, func(st Stats) {
			mu.Lock()
			defer mu.Unlock()
			reports = append(reports, st.Healthy)
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reports) > 0 && reports[0]
	}, 5*time.Second, 5*time.Millisecond)

	mr.Close()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !reports[len(reports)-1]
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestManager_MonitorStopsOnClose(t *testing.T) {
	_, manager := setupTestRedis(t, nil, zap.NewNop())
	require.NoError(t, manager.Close())

	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Monitor(context.Background(), time.Millisecond, func(Stats) {
			t.Error("closed manager must not report")
		})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestSlowCommandHook(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	_, manager := setupTestRedis(t, func(o *Options) {
		o.SlowCommandThreshold = time.Nanosecond
	}, zap.New(core))

	ctx := context.Background()
	require.NoError(t, manager.Client().Set(ctx, "k", "v", 0).Err())
	_, err := manager.Client().Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Get(ctx, "k")
		p.Get(ctx, "missing")
		return nil
	})
	require.Error(t, err) // redis.Nil from the missing key

	assert.NotEmpty(t, logs.FilterMessage("slow redis command").FilterField(zap.String("cmd", "set")).All())
	// 握手流水线也会被记录，按命令名区分
	gets := logs.FilterMessage("slow redis pipeline").FilterField(zap.Strings("names", []string{"get"}))
	require.Equal(t, 1, gets.Len())
	assert.Equal(t, int64(2), gets.All()[0].ContextMap()["cmds"])
}

func TestCmdNames(t *testing.T) {
	ctx := context.Background()
	cmds := []redis.Cmder{
		redis.NewStringCmd(ctx, "get", "a"),
		redis.NewStringCmd(ctx, "get", "b"),
		redis.NewStatusCmd(ctx, "set", "a", "1"),
	}
	assert.Equal(t, []string{"get", "set"}, cmdNames(cmds))
	assert.Empty(t, cmdNames(nil))
}

func TestSlowCommandHook_Disabled(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	_, manager := setupTestRedis(t, func(o *Options) {
		o.SlowCommandThreshold = -1
	}, zap.New(core))

	require.NoError(t, manager.Client().Set(context.Background(), "k", "v", 0).Err())
	assert.Empty(t, logs.FilterMessage("slow redis command").All())
}
