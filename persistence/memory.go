package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/agentcanvas/types"
	"github.com/BaSui01/agentcanvas/workflow"
)

// DefaultMemoryCapacity 内存存储默认保留的运行记录数
const DefaultMemoryCapacity = 500

// MemoryRunStore 进程内运行记录存储
type MemoryRunStore struct {
	mu       sync.RWMutex
	runs     map[string]*workflow.RunRecord
	order    []string
	capacity int
}

// NewMemoryRunStore 创建内存存储。capacity <= 0 时使用默认容量
func NewMemoryRunStore(capacity int) *MemoryRunStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryRunStore{
		runs:     make(map[string]*workflow.RunRecord),
		capacity: capacity,
	}
}

// SaveRun 保存运行记录，超出容量时淘汰最早写入的记录
func (s *MemoryRunStore) SaveRun(_ context.Context, rec *workflow.RunRecord) error {
	if rec == nil || rec.RunID == "" {
		return types.NewError(types.ErrInvalidRequest, "run record requires a run id")
	}
	cp := *rec

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[rec.RunID]; !exists {
		s.order = append(s.order, rec.RunID)
	}
	s.runs[rec.RunID] = &cp

	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.runs, oldest)
	}
	return nil
}

// GetRun 按 ID 获取运行记录
func (s *MemoryRunStore) GetRun(_ context.Context, runID string) (*workflow.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return nil, notFound(runID)
	}
	cp := *rec
	return &cp, nil
}

// ListRuns 列出运行记录，最新的在前
func (s *MemoryRunStore) ListRuns(_ context.Context, workflowID string, limit int) ([]*workflow.RunRecord, error) {
	s.mu.RLock()
	out := make([]*workflow.RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		if workflowID != "" && rec.WorkflowID != workflowID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len 返回当前记录数
func (s *MemoryRunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

func sortNewestFirst(runs []*workflow.RunRecord) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].RunID > runs[j].RunID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}

func notFound(runID string) error {
	return types.NewError(types.ErrRunNotFound, fmt.Sprintf("run %q not found", runID)).
		WithHTTPStatus(types.HTTPStatusFor(types.ErrRunNotFound))
}
