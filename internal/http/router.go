package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（方法 + 路径参数模式）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterHealthRoutes 健康检查
func (r *Router) RegisterHealthRoutes() {
	r.Handle("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Ok("ok"))
	})
}

// RegisterExecutionRoutes 执行查询与服务商回调
func (r *Router) RegisterExecutionRoutes(h *ExecutionsHandler) {
	r.Handle("GET /api/v1/executions", h.ListExecutions)
	r.Handle("POST /api/v1/calls/outcome", h.CallOutcome)
}

// RegisterIncidentRoutes 升级事件、求助入口、回访结论
func (r *Router) RegisterIncidentRoutes(h *IncidentsHandler) {
	r.Handle("GET /api/v1/incidents", h.ListIncidents)
	r.Handle("GET /api/v1/incidents/export", h.ExportIncidents)
	r.Handle("GET /api/v1/incidents/{id}", h.GetIncident)
	r.Handle("POST /api/v1/incidents/{id}/resolve", h.ResolveIncident)
	r.Handle("POST /api/v1/distress", h.RaiseDistress)
	r.Handle("POST /api/v1/followups/{id}/result", h.RecordFollowupResult)
}

// RegisterContactRoutes 紧急联系人
func (r *Router) RegisterContactRoutes(h *ContactsHandler) {
	r.Handle("GET /api/v1/persons/{id}/contacts", h.ListContacts)
	r.Handle("POST /api/v1/persons/{id}/contacts", h.AssignContact)
	r.Handle("PUT /api/v1/contact-assignments/{id}/priority", h.UpdatePriority)
}

// RegisterScheduleRoutes 问候计划
func (r *Router) RegisterScheduleRoutes(h *SchedulesHandler) {
	r.Handle("PUT /api/v1/schedules/{id}", h.UpdateSchedule)
	r.Handle("DELETE /api/v1/schedules/{id}", h.DeleteSchedule)
	r.Handle("GET /api/v1/schedules/{id}/next", h.NextDue)
}
