package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"eva-checkin/internal/service"
)

// SchedulesHandler 问候计划编辑、删除与到期预览
type SchedulesHandler struct {
	schedules *service.ScheduleService
	logger    *zap.Logger
}

// NewSchedulesHandler 创建 SchedulesHandler
func NewSchedulesHandler(schedules *service.ScheduleService, logger *zap.Logger) *SchedulesHandler {
	return &SchedulesHandler{schedules: schedules, logger: logger}
}

type scheduleRequest struct {
	Name              string   `json:"name" validate:"required,max=100"`
	Weekdays          []int    `json:"weekdays" validate:"required,min=1,dive,min=0,max=6"`
	Times             []string `json:"times" validate:"required,min=1,dive,required"`
	Timezone          string   `json:"timezone" validate:"required"`
	Topics            []string `json:"topics" validate:"dive,required"`
	Guidance          string   `json:"guidance" validate:"max=2000"`
	RetryAfterMinutes int      `json:"retry_after_minutes" validate:"min=0,max=1440"`
	MaxRetries        int      `json:"max_retries" validate:"min=0,max=10"`
	Active            *bool    `json:"active"`
}

// UpdateSchedule PUT /api/v1/schedules/{id}
// 保存后版本 +1，旧版本的待执行呼叫被取消
func (h *SchedulesHandler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := readBodyJSON(r, &req); err != nil {
		writeError(w, h.logger, "UpdateSchedule", err)
		return
	}
	sc, err := h.schedules.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "UpdateSchedule", err)
		return
	}
	sc.Name = req.Name
	sc.Weekdays = req.Weekdays
	sc.Times = req.Times
	sc.Timezone = req.Timezone
	sc.Topics = req.Topics
	sc.Guidance = req.Guidance
	sc.RetryAfterMinutes = req.RetryAfterMinutes
	sc.MaxRetries = req.MaxRetries
	if req.Active != nil {
		sc.Active = *req.Active
	}

	updated, cancelled, err := h.schedules.Update(r.Context(), sc)
	if err != nil {
		writeError(w, h.logger, "UpdateSchedule", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"schedule":          updated,
		"cancelled_pending": cancelled,
	}))
}

// DeleteSchedule DELETE /api/v1/schedules/{id}
func (h *SchedulesHandler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.schedules.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "DeleteSchedule", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"cancelled_pending": cancelled,
	}))
}

// NextDue GET /api/v1/schedules/{id}/next?from=RFC3339&n=5
func (h *SchedulesHandler) NextDue(w http.ResponseWriter, r *http.Request) {
	from, err := parseTime("from", r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, h.logger, "NextDue", err)
		return
	}
	var at time.Time // 零值表示当前时间
	if from != nil {
		at = *from
	}
	times, err := h.schedules.NextDue(r.Context(), r.PathValue("id"), at, parseInt(r.URL.Query().Get("n"), 5))
	if err != nil {
		writeError(w, h.logger, "NextDue", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"schedule_id": r.PathValue("id"),
		"next":        times,
	}))
}
