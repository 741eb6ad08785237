package cache

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// slowCommandHook 记录超过阈值的命令与流水线。redis.Nil 不算失败。
// 新连接的握手（HELLO、CLIENT SETINFO 等）同样以流水线经过 hook
type slowCommandHook struct {
	logger    *zap.Logger
	threshold time.Duration
}

func (h slowCommandHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.logger.Warn("redis dial failed", zap.String("addr", addr), zap.Error(err))
		}
		return conn, err
	}
}

func (h slowCommandHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		if elapsed := time.Since(start); elapsed > h.threshold {
			h.logger.Warn("slow redis command",
				zap.String("cmd", cmd.Name()),
				zap.Duration("elapsed", elapsed),
				zap.Bool("failed", err != nil && !errors.Is(err, redis.Nil)),
			)
		}
		return err
	}
}

func (h slowCommandHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		if elapsed := time.Since(start); elapsed > h.threshold {
			h.logger.Warn("slow redis pipeline",
				zap.Int("cmds", len(cmds)),
				zap.Strings("names", cmdNames(cmds)),
				zap.Duration("elapsed", elapsed),
			)
		}
		return err
	}
}

// cmdNames 返回流水线中的命令名，相同的相邻命令只保留一个
func cmdNames(cmds []redis.Cmder) []string {
	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		if n := c.Name(); len(names) == 0 || names[len(names)-1] != n {
			names = append(names, n)
		}
	}
	return names
}
