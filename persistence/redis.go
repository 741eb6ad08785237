package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcanvas/types"
	"github.com/BaSui01/agentcanvas/workflow"
)

// RedisConfig Redis 存储配置
type RedisConfig struct {
	// KeyPrefix 键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	// TTL 记录过期时间，0 表示永不过期
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// RedisRunStore 基于 Redis 的运行记录存储。
// 记录存放在 <prefix>run:<id>，索引为 <prefix>runs:<workflowID> 与 <prefix>runs:all 两个有序集合
type RedisRunStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisRunStore 创建 Redis 存储
func NewRedisRunStore(client redis.Cmdable, cfg RedisConfig, logger *zap.Logger) *RedisRunStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentcanvas:"
	}
	return &RedisRunStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		logger: logger.With(zap.String("component", "redis_run_store")),
	}
}

func (s *RedisRunStore) runKey(runID string) string {
	return s.prefix + "run:" + runID
}

func (s *RedisRunStore) indexKey(workflowID string) string {
	if workflowID == "" {
		return s.prefix + "runs:all"
	}
	return s.prefix + "runs:" + workflowID
}

// SaveRun 写入记录并更新索引（事务管道）
func (s *RedisRunStore) SaveRun(ctx context.Context, rec *workflow.RunRecord) error {
	if rec == nil || rec.RunID == "" {
		return types.NewError(types.ErrInvalidRequest, "run record requires a run id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	member := redis.Z{Score: float64(rec.StartedAt.UnixNano()), Member: rec.RunID}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(rec.RunID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(""), member)
	if rec.WorkflowID != "" {
		pipe.ZAdd(ctx, s.indexKey(rec.WorkflowID), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("save run failed", zap.String("run_id", rec.RunID), zap.Error(err))
		return fmt.Errorf("failed to save run record: %w", err)
	}
	return nil
}

// GetRun 按 ID 获取运行记录
func (s *RedisRunStore) GetRun(ctx context.Context, runID string) (*workflow.RunRecord, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run record: %w", err)
	}
	var rec workflow.RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run record: %w", err)
	}
	return &rec, nil
}

// ListRuns 按开始时间倒序列出运行记录。已过期的记录会从索引中清理
func (s *RedisRunStore) ListRuns(ctx context.Context, workflowID string, limit int) ([]*workflow.RunRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	index := s.indexKey(workflowID)
	ids, err := s.client.ZRevRange(ctx, index, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if len(ids) == 0 {
		return []*workflow.RunRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}

	out := make([]*workflow.RunRecord, 0, len(values))
	var stale []any
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var rec workflow.RunRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			s.logger.Warn("skipping corrupt run record", zap.String("run_id", ids[i]), zap.Error(err))
			continue
		}
		out = append(out, &rec)
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, index, stale...).Err(); err != nil {
			s.logger.Debug("failed to prune run index", zap.Error(err))
		}
	}
	return out, nil
}
