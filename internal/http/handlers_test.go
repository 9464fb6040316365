package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"eva-checkin/internal/dispatcher"
	"eva-checkin/internal/domain"
	"eva-checkin/internal/repository"
	"eva-checkin/internal/service"
	"eva-checkin/internal/store"
)

type apiFixture struct {
	store  *repository.MemoryStore
	lc     *service.Lifecycle
	orch   *service.Orchestrator
	router   *Router
	person   domain.MonitoredPerson
	schedule domain.CheckInSchedule
	now      time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		store: repository.NewMemoryStore(),
		now:   time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	logger := zap.NewNop()
	f.store.SetClock(clock)
	f.lc = service.NewLifecycle(f.store, dispatcher.NewLogDispatcher(logger), service.NewLogAlerter(logger), "GB", logger)
	f.lc.SetClock(clock)
	f.orch = service.NewOrchestrator(f.store, f.lc, store.NewMemoryKV(), 30*time.Minute, time.Hour, logger)
	schedules := service.NewScheduleService(f.store, logger)
	schedules.SetClock(clock)

	f.router = NewRouter(logger)
	f.router.RegisterHealthRoutes()
	f.router.RegisterExecutionRoutes(NewExecutionsHandler(f.lc, logger))
	f.router.RegisterIncidentRoutes(NewIncidentsHandler(f.orch, logger))
	f.router.RegisterContactRoutes(NewContactsHandler(service.NewContactResolver(f.store, "GB", logger), logger))
	f.router.RegisterScheduleRoutes(NewSchedulesHandler(schedules, logger))

	f.person = domain.MonitoredPerson{PersonID: "p1", DisplayName: "Ada", Phone: "+442079460958", Timezone: "UTC", EscalationConsent: true}
	f.store.AddPerson(f.person)
	f.store.AddPerson(domain.MonitoredPerson{PersonID: "p2", DisplayName: "Bob", Phone: "+442079460958", Timezone: "UTC", EscalationConsent: false})
	f.store.AddContact(domain.EmergencyContact{ContactID: "c1", Name: "Cara", Phone: "+442079460959", Active: true})
	f.store.AddContact(domain.EmergencyContact{ContactID: "c2", Name: "Dan", Phone: "020 7946 0960", Active: true})
	p1 := "p1"
	f.schedule = domain.CheckInSchedule{
		ScheduleID:        "s1",
		PersonID:          &p1,
		Name:              "morning",
		Weekdays:          []int{1, 2, 3, 4, 5},
		Times:             []string{"09:00"},
		Timezone:          "UTC",
		RetryAfterMinutes: 30,
		MaxRetries:        2,
		Active:            true,
		Version:           1,
	}
	f.store.AddSchedule(f.schedule)
	return f
}

type response struct {
	Code    int             `json:"code"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var out response
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	status, res := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, ResultSuccess, res.Code)
}

func TestContactRoutes(t *testing.T) {
	f := newAPIFixture(t)

	status, res := f.do(t, http.MethodPost, "/api/v1/persons/p1/contacts", map[string]any{"contact_id": "c1", "priority": 1, "relation": "daughter"})
	require.Equal(t, http.StatusCreated, status, res.Message)

	status, res = f.do(t, http.MethodPost, "/api/v1/persons/p1/contacts", map[string]any{"contact_id": "c2", "priority": 1})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, ResultError, res.Code)

	status, _ = f.do(t, http.MethodPost, "/api/v1/persons/p1/contacts", map[string]any{"contact_id": "c2"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/api/v1/persons/p1/contacts", map[string]any{"contact_id": "c2", "priority": 2})
	require.Equal(t, http.StatusCreated, status)

	status, res = f.do(t, http.MethodGet, "/api/v1/persons/p1/contacts", nil)
	require.Equal(t, http.StatusOK, status)
	var list struct {
		Items []domain.PrioritizedContact `json:"items"`
		Total int                         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &list))
	require.Equal(t, 2, list.Total)
	assert.Equal(t, "c1", list.Items[0].Contact.ContactID)

	path := "/api/v1/contact-assignments/" + list.Items[1].Assignment.AssignmentID + "/priority"
	status, _ = f.do(t, http.MethodPut, path, map[string]any{"priority": 1})
	assert.Equal(t, http.StatusConflict, status)
	status, res = f.do(t, http.MethodPut, path, map[string]any{"priority": 3})
	require.Equal(t, http.StatusOK, status)
	var a domain.ContactAssignment
	require.NoError(t, json.Unmarshal(res.Result, &a))
	assert.Equal(t, 3, a.Priority)

	status, _ = f.do(t, http.MethodGet, "/api/v1/persons/nobody/contacts", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestIncidentRoutes(t *testing.T) {
	f := newAPIFixture(t)
	status, _ := f.do(t, http.MethodPost, "/api/v1/persons/p1/contacts", map[string]any{"contact_id": "c1", "priority": 1})
	require.Equal(t, http.StatusCreated, status)

	status, res := f.do(t, http.MethodPost, "/api/v1/distress", map[string]any{"person_id": "p1", "reason": "fell in kitchen", "severity": 4})
	require.Equal(t, http.StatusCreated, status, res.Message)
	var inc domain.EscalationIncident
	require.NoError(t, json.Unmarshal(res.Result, &inc))
	assert.Equal(t, domain.SourceDistress, inc.Source)

	status, _ = f.do(t, http.MethodPost, "/api/v1/distress", map[string]any{"person_id": "p2", "reason": "help"})
	assert.Equal(t, http.StatusPreconditionFailed, status)
	status, _ = f.do(t, http.MethodPost, "/api/v1/distress", map[string]any{"person_id": "p1"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPost, "/api/v1/distress", "{oops")
	assert.Equal(t, http.StatusBadRequest, status)

	status, res = f.do(t, http.MethodGet, "/api/v1/incidents/"+inc.IncidentID, nil)
	require.Equal(t, http.StatusOK, status)
	var detail domain.IncidentDetail
	require.NoError(t, json.Unmarshal(res.Result, &detail))
	require.Len(t, detail.Attempts, 1)
	assert.Equal(t, "c1", detail.Attempts[0].ContactID)

	// 联系人接通后安排回访，回访确认救助已到达
	_, err := f.lc.HandleOutcome(context.Background(), domain.OutcomeReport{ExecutionID: *detail.Attempts[0].ExecutionID, Outcome: domain.OutcomeAnswered})
	require.NoError(t, err)
	_, res = f.do(t, http.MethodGet, "/api/v1/incidents/"+inc.IncidentID, nil)
	require.NoError(t, json.Unmarshal(res.Result, &detail))
	require.Len(t, detail.Followups, 1)

	followupPath := "/api/v1/followups/" + detail.Followups[0].FollowupID + "/result"
	status, _ = f.do(t, http.MethodPost, followupPath, map[string]any{"help_arrived": true})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPost, followupPath, map[string]any{"help_arrived": true, "needs_further_escalation": false})
	require.Equal(t, http.StatusOK, status)

	status, res = f.do(t, http.MethodGet, "/api/v1/incidents?status=resolved", nil)
	require.Equal(t, http.StatusOK, status)
	var list struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &list))
	assert.Equal(t, 1, list.Total)

	status, _ = f.do(t, http.MethodGet, "/api/v1/incidents/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestResolveIncidentRoute(t *testing.T) {
	f := newAPIFixture(t)
	_, res := f.do(t, http.MethodPost, "/api/v1/distress", map[string]any{"person_id": "p1", "reason": "alarm"})
	var inc domain.EscalationIncident
	require.NoError(t, json.Unmarshal(res.Result, &inc))
	assert.Equal(t, domain.StateNoContacts, inc.EscalationState)

	status, res := f.do(t, http.MethodGet, "/api/v1/incidents?needs_attention=true", nil)
	require.Equal(t, http.StatusOK, status)
	var list struct {
		Items []struct {
			Incident             domain.EscalationIncident `json:"incident"`
			NeedsManualAttention bool                      `json:"needs_manual_attention"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &list))
	require.Len(t, list.Items, 1)
	assert.True(t, list.Items[0].NeedsManualAttention)

	path := "/api/v1/incidents/" + inc.IncidentID + "/resolve"
	status, _ = f.do(t, http.MethodPost, path, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
	status, res = f.do(t, http.MethodPost, path, map[string]any{"notes": "neighbour checked in"})
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(res.Result, &inc))
	assert.Equal(t, domain.IncidentResolved, inc.Status)

	status, _ = f.do(t, http.MethodPost, "/api/v1/incidents/missing/resolve", map[string]any{"notes": "x"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestExportIncidents(t *testing.T) {
	f := newAPIFixture(t)
	_, _ = f.do(t, http.MethodPost, "/api/v1/distress", map[string]any{"person_id": "p1", "reason": "alarm", "severity": 2})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/export", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "incidents-export.xlsx")

	x, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer x.Close()
	rows, err := x.GetRows(incidentSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, IncidentExportHeader[0], rows[0][0])
	assert.Equal(t, "p1", rows[1][1])
	assert.Equal(t, "alarm", rows[1][3])
	assert.Equal(t, "Yes", rows[1][7])
}

func TestCallOutcomeAndExecutionRoutes(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	e, err := f.lc.ScheduleNext(ctx, domain.ScheduleTarget{Person: f.person, Schedule: f.schedule})
	require.NoError(t, err)
	require.NotNil(t, e)

	status, res := f.do(t, http.MethodGet, "/api/v1/executions?person_id=p1&status=pending&call_type=scheduled,retry", nil)
	require.Equal(t, http.StatusOK, status)
	var list struct {
		Items []domain.ScheduledCallExecution `json:"items"`
		Total int                             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, e.ExecutionID, list.Items[0].ExecutionID)

	status, _ = f.do(t, http.MethodGet, "/api/v1/executions?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	f.now = e.ScheduledFor
	require.NoError(t, f.lc.Dispatch(ctx, e.ExecutionID))

	status, _ = f.do(t, http.MethodPost, "/api/v1/calls/outcome", map[string]any{"execution_id": e.ExecutionID, "outcome": "maybe"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPost, "/api/v1/calls/outcome", map[string]any{"outcome": "answered"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPost, "/api/v1/calls/outcome", map[string]any{"call_id": "nope", "outcome": "answered"})
	// 呼叫号可能尚未写回，服务商应重试
	assert.Equal(t, http.StatusServiceUnavailable, status)

	body := map[string]any{"execution_id": e.ExecutionID, "outcome": "answered", "duration_seconds": 95}
	status, res = f.do(t, http.MethodPost, "/api/v1/calls/outcome", body)
	require.Equal(t, http.StatusOK, status, res.Message)
	var got domain.ScheduledCallExecution
	require.NoError(t, json.Unmarshal(res.Result, &got))
	assert.Equal(t, domain.ExecutionCompleted, got.Status)
	require.NotNil(t, got.DurationSeconds)
	assert.Equal(t, 95, *got.DurationSeconds)

	// 重复回调返回当前状态
	status, res = f.do(t, http.MethodPost, "/api/v1/calls/outcome", body)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(res.Result, &got))
	assert.Equal(t, domain.ExecutionCompleted, got.Status)
}

func TestScheduleRoutes(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	e, err := f.lc.ScheduleNext(ctx, domain.ScheduleTarget{Person: f.person, Schedule: f.schedule})
	require.NoError(t, err)
	require.NotNil(t, e)

	update := map[string]any{
		"name":                "morning",
		"weekdays":            []int{1, 3, 5},
		"times":               []string{"10:30"},
		"timezone":            "UTC",
		"topics":              []string{"sleep", "meals"},
		"retry_after_minutes": 20,
		"max_retries":         1,
	}
	status, res := f.do(t, http.MethodPut, "/api/v1/schedules/s1", update)
	require.Equal(t, http.StatusOK, status, res.Message)
	var updated struct {
		Schedule         domain.CheckInSchedule `json:"schedule"`
		CancelledPending int64                  `json:"cancelled_pending"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &updated))
	assert.Equal(t, 2, updated.Schedule.Version)
	assert.Equal(t, int64(1), updated.CancelledPending)
	assert.Equal(t, []string{"10:30"}, updated.Schedule.Times)

	update["times"] = []string{"25:00"}
	status, _ = f.do(t, http.MethodPut, "/api/v1/schedules/s1", update)
	assert.Equal(t, http.StatusBadRequest, status)
	update["times"] = []string{}
	status, _ = f.do(t, http.MethodPut, "/api/v1/schedules/s1", update)
	assert.Equal(t, http.StatusBadRequest, status)
	update["times"] = []string{"10:30"}
	status, _ = f.do(t, http.MethodPut, "/api/v1/schedules/missing", update)
	assert.Equal(t, http.StatusNotFound, status)

	status, res = f.do(t, http.MethodGet, "/api/v1/schedules/s1/next?from=2026-03-02T11:00:00Z&n=3", nil)
	require.Equal(t, http.StatusOK, status)
	var next struct {
		Next []time.Time `json:"next"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &next))
	require.Len(t, next.Next, 3)
	assert.True(t, next.Next[0].Equal(time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)))
	assert.True(t, next.Next[1].Equal(time.Date(2026, 3, 6, 10, 30, 0, 0, time.UTC)))
	assert.True(t, next.Next[2].Equal(time.Date(2026, 3, 9, 10, 30, 0, 0, time.UTC)))

	status, _ = f.do(t, http.MethodDelete, "/api/v1/schedules/s1", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodDelete, "/api/v1/schedules/s1", nil)
	assert.Equal(t, http.StatusNotFound, status)
}
