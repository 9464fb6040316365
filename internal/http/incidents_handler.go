package httpapi

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"eva-checkin/internal/domain"
	"eva-checkin/internal/service"
)

// IncidentsHandler 升级事件：查询、人工关闭、导出、求助与回访结论入口
type IncidentsHandler struct {
	orchestrator *service.Orchestrator
	logger       *zap.Logger
}

// NewIncidentsHandler 创建 IncidentsHandler
func NewIncidentsHandler(orchestrator *service.Orchestrator, logger *zap.Logger) *IncidentsHandler {
	return &IncidentsHandler{orchestrator: orchestrator, logger: logger}
}

func incidentFilters(r *http.Request, defLimit int) domain.IncidentFilters {
	q := r.URL.Query()
	f := domain.IncidentFilters{
		PersonID:       optional(q.Get("person_id")),
		NeedsAttention: q.Get("needs_attention") == "true",
		Limit:          parseInt(q.Get("limit"), defLimit),
	}
	if s := q.Get("status"); s != "" {
		status := domain.IncidentStatus(s)
		f.Status = &status
	}
	return f
}

// ListIncidents GET /api/v1/incidents?person_id=&status=&needs_attention=true&limit=
func (h *IncidentsHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	items, err := h.orchestrator.ListIncidents(r.Context(), incidentFilters(r, 100))
	if err != nil {
		writeError(w, h.logger, "ListIncidents", err)
		return
	}
	out := make([]map[string]any, 0, len(items))
	for i := range items {
		out = append(out, map[string]any{
			"incident":               items[i],
			"needs_manual_attention": items[i].NeedsManualAttention(),
		})
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": out,
		"total": len(out),
	}))
}

// GetIncident GET /api/v1/incidents/{id}
func (h *IncidentsHandler) GetIncident(w http.ResponseWriter, r *http.Request) {
	detail, err := h.orchestrator.GetIncidentDetail(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "GetIncident", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(detail))
}

type resolveIncidentRequest struct {
	Notes string `json:"notes" validate:"required,max=2000"`
}

// ResolveIncident POST /api/v1/incidents/{id}/resolve
func (h *IncidentsHandler) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	var req resolveIncidentRequest
	if err := readBodyJSON(r, &req); err != nil {
		writeError(w, h.logger, "ResolveIncident", err)
		return
	}
	inc, err := h.orchestrator.ResolveIncident(r.Context(), r.PathValue("id"), req.Notes)
	if err != nil {
		writeError(w, h.logger, "ResolveIncident", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(inc))
}

// ExportIncidents GET /api/v1/incidents/export 导出 xlsx（过滤参数同列表）
func (h *IncidentsHandler) ExportIncidents(w http.ResponseWriter, r *http.Request) {
	items, err := h.orchestrator.ListIncidents(r.Context(), incidentFilters(r, 10000))
	if err != nil {
		writeError(w, h.logger, "ExportIncidents", err)
		return
	}
	data, err := GenerateIncidentExport(items)
	if err != nil {
		h.logger.Error("GenerateIncidentExport failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(fmt.Sprintf("failed to generate export: %v", err)))
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=incidents-export.xlsx")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type distressRequest struct {
	PersonID    string  `json:"person_id" validate:"required"`
	Reason      string  `json:"reason" validate:"required,max=500"`
	Severity    int     `json:"severity" validate:"min=0,max=5"`
	ExecutionID *string `json:"execution_id"`
	ReportID    *string `json:"report_id"`
}

// RaiseDistress POST /api/v1/distress 通话中检测到的求助信号
func (h *IncidentsHandler) RaiseDistress(w http.ResponseWriter, r *http.Request) {
	var req distressRequest
	if err := readBodyJSON(r, &req); err != nil {
		writeError(w, h.logger, "RaiseDistress", err)
		return
	}
	inc, err := h.orchestrator.RaiseDistress(r.Context(), req.PersonID, req.Reason, req.Severity, req.ExecutionID, req.ReportID)
	if err != nil {
		writeError(w, h.logger, "RaiseDistress", err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(inc))
}

type followupResultRequest struct {
	HelpArrived            *bool   `json:"help_arrived" validate:"required"`
	NeedsFurtherEscalation *bool   `json:"needs_further_escalation" validate:"required"`
	ReportID               *string `json:"report_id"`
}

// RecordFollowupResult POST /api/v1/followups/{id}/result
func (h *IncidentsHandler) RecordFollowupResult(w http.ResponseWriter, r *http.Request) {
	var req followupResultRequest
	if err := readBodyJSON(r, &req); err != nil {
		writeError(w, h.logger, "RecordFollowupResult", err)
		return
	}
	f, err := h.orchestrator.RecordFollowupResult(r.Context(), r.PathValue("id"), *req.HelpArrived, *req.NeedsFurtherEscalation, req.ReportID)
	if err != nil {
		writeError(w, h.logger, "RecordFollowupResult", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(f))
}
