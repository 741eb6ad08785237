package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentcanvas/types"
	"github.com/BaSui01/agentcanvas/workflow"
)

// runModel workflow_runs 表结构。节点与日志以 JSON 存放在 payload 列
type runModel struct {
	RunID      string    `gorm:"primaryKey;size:64"`
	WorkflowID string    `gorm:"size:128;index:idx_runs_workflow_started,priority:1"`
	Status     string    `gorm:"size:16"`
	StartedAt  time.Time `gorm:"index:idx_runs_workflow_started,priority:2"`
	Error      string    `gorm:"type:text"`
	Payload    string    `gorm:"type:text"`
	FinishedAt time.Time
	DurationMs int64
	NodeCount  int
	Failed     int
}

func (runModel) TableName() string { return "workflow_runs" }

type runPayload struct {
	Nodes []workflow.NodeRecord `json:"nodes"`
	Log   []workflow.LogEntry   `json:"log"`
}

// GormRunStore 基于 GORM 的运行记录存储
type GormRunStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormRunStore 创建存储并自动迁移表结构
func NewGormRunStore(db *gorm.DB, logger *zap.Logger) (*GormRunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&runModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate workflow_runs: %w", err)
	}
	return &GormRunStore{db: db, logger: logger.With(zap.String("component", "gorm_run_store"))}, nil
}

// SaveRun 插入或覆盖运行记录
func (s *GormRunStore) SaveRun(ctx context.Context, rec *workflow.RunRecord) error {
	if rec == nil || rec.RunID == "" {
		return types.NewError(types.ErrInvalidRequest, "run record requires a run id")
	}
	payload, err := json.Marshal(runPayload{Nodes: rec.Nodes, Log: rec.Log})
	if err != nil {
		return fmt.Errorf("failed to marshal run payload: %w", err)
	}
	m := runModel{
		RunID:      rec.RunID,
		WorkflowID: rec.WorkflowID,
		Status:     string(rec.Status),
		StartedAt:  rec.StartedAt.UTC(),
		FinishedAt: rec.FinishedAt.UTC(),
		DurationMs: rec.Duration.Milliseconds(),
		NodeCount:  len(rec.Nodes),
		Failed:     rec.Failed(),
		Error:      rec.Error,
		Payload:    string(payload),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&m).Error
	if err != nil {
		s.logger.Error("save run failed", zap.String("run_id", rec.RunID), zap.Error(err))
		return fmt.Errorf("failed to save run record: %w", err)
	}
	return nil
}

// GetRun 按 ID 获取运行记录
func (s *GormRunStore) GetRun(ctx context.Context, runID string) (*workflow.RunRecord, error) {
	var m runModel
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run record: %w", err)
	}
	return m.toRecord()
}

// ListRuns 按开始时间倒序列出运行记录
func (s *GormRunStore) ListRuns(ctx context.Context, workflowID string, limit int) ([]*workflow.RunRecord, error) {
	q := s.db.WithContext(ctx).Model(&runModel{}).Order("started_at DESC").Order("run_id DESC")
	if workflowID != "" {
		q = q.Where("workflow_id = ?", workflowID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []runModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	out := make([]*workflow.RunRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			s.logger.Warn("skipping corrupt run record", zap.String("run_id", rows[i].RunID), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *runModel) toRecord() (*workflow.RunRecord, error) {
	var p runPayload
	if m.Payload != "" {
		if err := json.Unmarshal([]byte(m.Payload), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run payload: %w", err)
		}
	}
	return &workflow.RunRecord{
		RunID:      m.RunID,
		WorkflowID: m.WorkflowID,
		Status:     workflow.RunStatus(m.Status),
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
		Duration:   time.Duration(m.DurationMs) * time.Millisecond,
		Nodes:      p.Nodes,
		Log:        p.Log,
		Error:      m.Error,
	}, nil
}
