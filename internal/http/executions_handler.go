package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"eva-checkin/internal/domain"
	"eva-checkin/internal/service"
)

// ExecutionsHandler 呼叫执行查询与服务商回调
type ExecutionsHandler struct {
	lifecycle *service.Lifecycle
	logger    *zap.Logger
}

// NewExecutionsHandler 创建 ExecutionsHandler
func NewExecutionsHandler(lifecycle *service.Lifecycle, logger *zap.Logger) *ExecutionsHandler {
	return &ExecutionsHandler{lifecycle: lifecycle, logger: logger}
}

// ListExecutions GET /api/v1/executions
// 查询参数: person_id, schedule_id, incident_id, status (逗号分隔), call_type (逗号分隔), from, to (RFC3339), limit
func (h *ExecutionsHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := domain.ExecutionFilters{
		PersonID:   optional(q.Get("person_id")),
		ScheduleID: optional(q.Get("schedule_id")),
		IncidentID: optional(q.Get("incident_id")),
		Limit:      parseInt(q.Get("limit"), 100),
	}
	for _, s := range splitList(q.Get("status")) {
		filters.Statuses = append(filters.Statuses, domain.ExecutionStatus(s))
	}
	for _, s := range splitList(q.Get("call_type")) {
		filters.CallTypes = append(filters.CallTypes, domain.CallType(s))
	}
	var err error
	if filters.From, err = parseTime("from", q.Get("from")); err != nil {
		writeError(w, h.logger, "ListExecutions", err)
		return
	}
	if filters.To, err = parseTime("to", q.Get("to")); err != nil {
		writeError(w, h.logger, "ListExecutions", err)
		return
	}

	items, err := h.lifecycle.ListExecutions(r.Context(), filters)
	if err != nil {
		writeError(w, h.logger, "ListExecutions", err)
		return
	}
	if items == nil {
		items = []domain.ScheduledCallExecution{}
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": len(items),
	}))
}

// CallOutcome POST /api/v1/calls/outcome 呼叫服务商回调
// 重复回调返回当前状态，不报错
func (h *ExecutionsHandler) CallOutcome(w http.ResponseWriter, r *http.Request) {
	var ev service.CallOutcomeEvent
	if err := readBodyJSON(r, &ev); err != nil {
		writeError(w, h.logger, "CallOutcome", err)
		return
	}
	e, err := h.lifecycle.HandleOutcome(r.Context(), ev.Report())
	if err != nil {
		writeError(w, h.logger, "CallOutcome", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(e))
}
