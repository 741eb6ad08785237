package handlers

import (
	"net/http"
	"strconv"

	"github.com/BaSui01/agentcanvas/api"
	"github.com/BaSui01/agentcanvas/types"
	"github.com/BaSui01/agentcanvas/workflow"
	"go.uber.org/zap"
)

const (
	defaultRunListLimit = 50
	maxRunListLimit     = 500
)

// =============================================================================
// 🗂️ 运行记录 Handler
// =============================================================================

// RunHandler 已完成运行的记录查询处理器
type RunHandler struct {
	store  workflow.RunStore
	logger *zap.Logger
}

// NewRunHandler 创建运行记录处理器
func NewRunHandler(store workflow.RunStore, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		store:  store,
		logger: logger.With(zap.String("component", "run_handler")),
	}
}

// Register 挂载运行记录路由
func (h *RunHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/runs", h.HandleList)
	mux.HandleFunc("GET /api/v1/runs/{runID}", h.HandleGet)
}

// HandleGet 按 ID 获取运行记录
// @Summary 获取运行记录
// @Tags 运行记录
// @Param runID path string true "运行 ID"
// @Success 200 {object} Response{data=workflow.RunRecord}
// @Failure 404 {object} Response
// @Router /api/v1/runs/{runID} [get]
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetRun(r.Context(), r.PathValue("runID"))
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, rec)
}

// HandleList 列出运行记录，最新的在前
// @Summary 运行记录列表
// @Tags 运行记录
// @Param workflow_id query string false "按工作流过滤"
// @Param limit query int false "返回条数，默认 50，最大 500"
// @Success 200 {object} Response{data=api.RunListResponse}
// @Router /api/v1/runs [get]
func (h *RunHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "limit must be a positive integer", h.logger)
			return
		}
		limit = min(n, maxRunListLimit)
	}

	runs, err := h.store.ListRuns(r.Context(), r.URL.Query().Get("workflow_id"), limit)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	if runs == nil {
		runs = []*workflow.RunRecord{}
	}
	WriteSuccess(w, api.RunListResponse{Runs: runs})
}
