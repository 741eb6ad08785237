package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// DefaultTimeout 异步断言的默认等待上限
const DefaultTimeout = 5 * time.Second

// TestContext 返回 30 秒超时的上下文，测试结束时取消
func TestContext(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Eventually 在 DefaultTimeout 内轮询 condition，超时则立即失败
func Eventually(t testing.TB, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, condition, DefaultTimeout, 5*time.Millisecond, msgAndArgs...)
}

// WaitForChannel 等待一个值。通道关闭或超时时 ok 为 false
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (v T, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v, ok = <-ch:
		return v, ok
	case <-timer.C:
		return v, false
	}
}

// DrainChannel 读取直到通道关闭或超时
func DrainChannel[T any](ch <-chan T, timeout time.Duration) []T {
	return CollectUntil(ch, timeout, nil)
}

// CollectUntil 读取直到 stop 对某个值返回 true（该值包含在结果中）、
// 通道关闭或超时。运行事件流通常以 run_complete 作为 stop 条件
func CollectUntil[T any](ch <-chan T, timeout time.Duration, stop func(T) bool) []T {
	var out []T
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
			if stop != nil && stop(v) {
				return out
			}
		case <-timer.C:
			return out
		}
	}
}

// WriteFile 在 dir 下写入文件并返回完整路径
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
