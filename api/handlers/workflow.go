package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/agentcanvas/api"
	"github.com/BaSui01/agentcanvas/types"
	"github.com/BaSui01/agentcanvas/workflow"
	"go.uber.org/zap"
)

// =============================================================================
// 🧩 工作流接口 Handler
// =============================================================================

// WorkflowHandler 工作流定义、运行与状态查询处理器
type WorkflowHandler struct {
	registry *workflow.Registry
	origins  []string
	logger   *zap.Logger
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(registry *workflow.Registry, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		registry: registry,
		logger:   logger.With(zap.String("component", "workflow_handler")),
	}
}

// Register 挂载工作流路由
func (h *WorkflowHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/workflows", h.HandleList)
	mux.HandleFunc("POST /api/v1/workflows", h.HandleCreate)
	mux.HandleFunc("POST /api/v1/workflows/validate", h.HandleValidate)
	mux.HandleFunc("GET /api/v1/workflows/{id}", h.HandleGet)
	mux.HandleFunc("PUT /api/v1/workflows/{id}", h.HandlePut)
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", h.HandleDelete)
	mux.HandleFunc("POST /api/v1/workflows/{id}/runs", h.HandleRun)
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("GET /api/v1/workflows/{id}/state", h.HandleState)
	mux.HandleFunc("GET /api/v1/workflows/{id}/logs", h.HandleLogs)
	mux.HandleFunc("GET /api/v1/workflows/{id}/stream", h.HandleStream)
	mux.HandleFunc("POST /api/v1/workflows/{id}/nodes/{nodeID}/execute", h.HandleExecuteNode)
	mux.HandleFunc("PUT /api/v1/workflows/{id}/nodes/{nodeID}/variable", h.HandleRenameVariable)
}

// =============================================================================
// 📄 定义管理
// =============================================================================

// HandleList 列出已注册的工作流
// @Summary 工作流列表
// @Tags 工作流
// @Produce json
// @Success 200 {object} Response{data=[]api.WorkflowSummary}
// @Router /api/v1/workflows [get]
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ids := h.registry.List()
	out := make([]api.WorkflowSummary, 0, len(ids))
	for _, id := range ids {
		e, ok := h.registry.Get(id)
		if !ok {
			continue
		}
		out = append(out, summarize(e))
	}
	WriteSuccess(w, out)
}

// HandleCreate 注册新工作流，请求体为 JSON 或 YAML 定义
// @Summary 创建工作流
// @Tags 工作流
// @Accept json
// @Produce json
// @Success 201 {object} Response{data=api.WorkflowSummary}
// @Failure 400 {object} Response
// @Router /api/v1/workflows [post]
func (h *WorkflowHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	def, ok := h.readDefinition(w, r)
	if !ok {
		return
	}
	if def.ID != "" {
		if _, exists := h.registry.Get(def.ID); exists {
			WriteError(w, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("workflow %q already exists", def.ID)).
				WithHTTPStatus(http.StatusConflict), h.logger)
			return
		}
	}
	e, err := h.registry.Put(def)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	requestLogger(h.logger, r).Info("workflow registered", zap.String("workflow_id", e.ID()))
	WriteStatus(w, http.StatusCreated, summarize(e))
}

// HandleValidate 校验定义但不注册，返回全部违规项
// @Summary 校验工作流
// @Tags 工作流
// @Accept json
// @Produce json
// @Success 200 {object} Response{data=api.ValidateResponse}
// @Router /api/v1/workflows/validate [post]
func (h *WorkflowHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	def, ok := h.readDefinition(w, r)
	if !ok {
		return
	}
	resp := api.ValidateResponse{Valid: true}
	if verr := workflow.Validate(def); verr != nil {
		resp.Valid = false
		resp.Violations = verr.Violations
	}
	WriteSuccess(w, resp)
}

// HandleGet 返回工作流定义；?format=yaml 时以 YAML 输出
// @Summary 获取工作流定义
// @Tags 工作流
// @Produce json
// @Param id path string true "工作流 ID"
// @Success 200 {object} Response{data=workflow.Definition}
// @Failure 404 {object} Response
// @Router /api/v1/workflows/{id} [get]
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	def := e.Definition()
	if strings.EqualFold(r.URL.Query().Get("format"), "yaml") {
		data, err := def.ToYAML()
		if err != nil {
			WriteErr(w, err, h.logger)
			return
		}
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	WriteSuccess(w, def)
}

// HandlePut 创建或替换指定 ID 的工作流定义，运行期间拒绝
// @Summary 保存工作流
// @Tags 工作流
// @Accept json
// @Produce json
// @Param id path string true "工作流 ID"
// @Success 200 {object} Response{data=api.WorkflowSummary}
// @Failure 409 {object} Response "运行中"
// @Router /api/v1/workflows/{id} [put]
func (h *WorkflowHandler) HandlePut(w http.ResponseWriter, r *http.Request) {
	def, ok := h.readDefinition(w, r)
	if !ok {
		return
	}
	def.ID = r.PathValue("id")
	e, err := h.registry.Put(def)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	requestLogger(h.logger, r).Info("workflow saved",
		zap.String("workflow_id", e.ID()),
		zap.Int("nodes", len(def.Nodes)))
	WriteSuccess(w, summarize(e))
}

// HandleDelete 注销工作流，运行期间拒绝
// @Summary 删除工作流
// @Tags 工作流
// @Param id path string true "工作流 ID"
// @Success 204
// @Router /api/v1/workflows/{id} [delete]
func (h *WorkflowHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Remove(r.PathValue("id")); err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ▶️ 运行控制
// =============================================================================

// HandleRun 启动一次完整运行。同步模式返回运行记录；async 模式立即返回 202。
// 已有运行时返回 409，校验失败返回 422 且不调用模型
// @Summary 运行工作流
// @Tags 运行
// @Accept json
// @Produce json
// @Param id path string true "工作流 ID"
// @Param request body api.RunRequest false "运行参数"
// @Success 200 {object} Response{data=workflow.RunRecord}
// @Success 202 {object} Response{data=api.RunAccepted}
// @Failure 409 {object} Response "运行中"
// @Failure 422 {object} Response "校验失败"
// @Router /api/v1/workflows/{id}/runs [post]
func (h *WorkflowHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	var req api.RunRequest
	if err := DecodeOptionalJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	opts := []workflow.RunOption{workflow.WithVariables(req.Variables)}
	if req.RunID != "" {
		opts = append(opts, workflow.WithRunID(req.RunID))
	}
	logger := requestLogger(h.logger, r).With(zap.String("workflow_id", e.ID()))

	if req.Async {
		// 后台运行不随请求结束而取消，但保留请求上下文中的 ID
		runID, done, err := e.Start(context.WithoutCancel(r.Context()), opts...)
		if err != nil {
			WriteErr(w, err, h.logger)
			return
		}
		go func() {
			res := <-done
			if res.Err != nil {
				logger.Warn("background run ended with error", zap.String("run_id", runID), zap.Error(res.Err))
			}
		}()
		WriteStatus(w, http.StatusAccepted, api.RunAccepted{
			RunID:      runID,
			WorkflowID: e.ID(),
			StateURL:   fmt.Sprintf("/api/v1/workflows/%s/state", e.ID()),
		})
		return
	}

	rec, err := e.Run(r.Context(), opts...)
	if rec == nil {
		WriteErr(w, err, h.logger)
		return
	}
	if err != nil {
		logger.Info("run ended early", zap.String("run_id", rec.RunID), zap.String("status", string(rec.Status)), zap.Error(err))
	}
	WriteSuccess(w, rec)
}

// HandleExecuteNode 单独执行一个节点，?chain=true 或请求体 chain 时继续执行后继
// @Summary 执行单个节点
// @Tags 运行
// @Param id path string true "工作流 ID"
// @Param nodeID path string true "节点 ID"
// @Param chain query bool false "是否继续执行后继节点"
// @Success 200 {object} Response{data=workflow.RunRecord}
// @Failure 404 {object} Response "节点不存在"
// @Failure 409 {object} Response "运行中"
// @Failure 422 {object} Response "输入未就绪"
// @Router /api/v1/workflows/{id}/nodes/{nodeID}/execute [post]
func (h *WorkflowHandler) HandleExecuteNode(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	var req api.ExecuteNodeRequest
	if err := DecodeOptionalJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	chain := req.Chain
	if v := r.URL.Query().Get("chain"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "chain must be a boolean", h.logger)
			return
		}
		chain = b
	}

	rec, err := e.ExecuteNode(r.Context(), r.PathValue("nodeID"), chain)
	if rec == nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, rec)
}

// HandleCancel 请求取消当前运行；正在执行的节点完成后停止调度
// @Summary 取消运行
// @Tags 运行
// @Param id path string true "工作流 ID"
// @Success 200 {object} Response{data=api.CancelResponse}
// @Router /api/v1/workflows/{id}/cancel [post]
func (h *WorkflowHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	canceled := e.Cancel()
	WriteSuccess(w, api.CancelResponse{Canceled: canceled, RunID: e.RunID()})
}

// HandleRenameVariable 重命名节点输出变量并改写所有引用
// @Summary 重命名节点变量
// @Tags 工作流
// @Accept json
// @Param id path string true "工作流 ID"
// @Param nodeID path string true "节点 ID"
// @Param request body api.RenameVariableRequest true "新名称"
// @Success 200 {object} Response{data=workflow.Definition}
// @Failure 409 {object} Response "名称冲突或运行中"
// @Router /api/v1/workflows/{id}/nodes/{nodeID}/variable [put]
func (h *WorkflowHandler) HandleRenameVariable(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	var req api.RenameVariableRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := e.RenameVariable(r.PathValue("nodeID"), req.Name); err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, e.Definition())
}

// =============================================================================
// 📊 状态与日志
// =============================================================================

// HandleState 返回节点状态快照
// @Summary 执行状态
// @Tags 运行
// @Param id path string true "工作流 ID"
// @Success 200 {object} Response{data=api.StateResponse}
// @Router /api/v1/workflows/{id}/state [get]
func (h *WorkflowHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	inFlight := e.InFlight()
	if inFlight == nil {
		inFlight = []string{}
	}
	WriteSuccess(w, api.StateResponse{
		WorkflowID: e.ID(),
		RunID:      e.RunID(),
		Running:    e.Running(),
		InFlight:   inFlight,
		Nodes:      e.States(),
		Timestamp:  time.Now(),
	})
}

// HandleLogs 返回执行日志，?since=n 只返回第 n 条之后的条目
// @Summary 执行日志
// @Tags 运行
// @Param id path string true "工作流 ID"
// @Param since query int false "起始下标"
// @Success 200 {object} Response{data=api.LogsResponse}
// @Router /api/v1/workflows/{id}/logs [get]
func (h *WorkflowHandler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "since must be a non-negative integer", h.logger)
			return
		}
		since = n
	}
	log := e.Log()
	entries := log.Since(since)
	WriteSuccess(w, api.LogsResponse{
		RunID:   e.RunID(),
		Entries: entries,
		Next:    since + len(entries),
	})
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func (h *WorkflowHandler) engine(w http.ResponseWriter, r *http.Request) (*workflow.Engine, bool) {
	e, err := h.registry.MustGet(r.PathValue("id"))
	if err != nil {
		WriteErr(w, err, h.logger)
		return nil, false
	}
	return e, true
}

// readDefinition 按 Content-Type 解析 JSON 或 YAML 定义，未带 Content-Type 时按 JSON
func (h *WorkflowHandler) readDefinition(w http.ResponseWriter, r *http.Request) (*workflow.Definition, bool) {
	ct := r.Header.Get("Content-Type")
	format := mediaType(ct)
	if ct != "" && format == formatUnknown {
		WriteErrorMessage(w, http.StatusUnsupportedMediaType, types.ErrInvalidRequest,
			"Content-Type must be JSON or YAML", h.logger)
		return nil, false
	}
	data, ok := ReadBody(w, r, h.logger)
	if !ok {
		return nil, false
	}
	var (
		def *workflow.Definition
		err error
	)
	if format == formatYAML {
		def, err = workflow.ParseYAML(data)
	} else {
		def, err = workflow.ParseJSON(data)
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid workflow definition").
			WithCause(err).
			WithHTTPStatus(http.StatusBadRequest), h.logger)
		return nil, false
	}
	return def, true
}

func summarize(e *workflow.Engine) api.WorkflowSummary {
	def := e.Definition()
	return api.WorkflowSummary{
		ID:        e.ID(),
		Name:      def.Name,
		Nodes:     len(def.Nodes),
		Edges:     len(def.Edges),
		Running:   e.Running(),
		LastRunID: e.RunID(),
	}
}
