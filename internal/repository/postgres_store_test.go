package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eva-checkin/internal/domain"
)

func setupMockTx(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *pgTx) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, newPgTx(db)
}

var executionRowColumns = []string{
	"execution_id", "person_id", "schedule_id", "schedule_version", "call_type", "status",
	"scheduled_for", "attempted_at", "completed_at", "retry_count", "provider_call_id",
	"target_phone", "purpose", "failure_reason", "duration_seconds", "transcript_ref",
	"origin_execution_id", "incident_id", "created_at", "updated_at",
}

func TestPostgresStore_InTx_Commit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db, zap.NewNop())
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE scheduled_call_executions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var claimed bool
	err = store.InTx(context.Background(), func(tx Tx) error {
		var err error
		claimed, err = tx.Executions().Claim(context.Background(), uuid.NewString(), time.Now())
		return err
	})
	require.NoError(t, err)
	assert.True(t, claimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_RollbackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db, nil)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = store.InTx(context.Background(), func(tx Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutions_InsertPending_Conflict(t *testing.T) {
	db, mock, tx := setupMockTx(t)
	defer db.Close()

	scheduleID := uuid.NewString()
	// ON CONFLICT DO NOTHING 不返回行
	mock.ExpectQuery(`INSERT INTO scheduled_call_executions`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}))

	ok, err := tx.Executions().InsertPending(context.Background(), &domain.ScheduledCallExecution{
		PersonID:     uuid.NewString(),
		ScheduleID:   &scheduleID,
		CallType:     domain.CallTypeScheduled,
		ScheduledFor: time.Now(),
		TargetPhone:  "+447700900123",
	})
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutions_InsertPending_Success(t *testing.T) {
	db, mock, tx := setupMockTx(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO scheduled_call_executions`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	e := &domain.ScheduledCallExecution{
		PersonID:     uuid.NewString(),
		CallType:     domain.CallTypeEmergencyContact,
		ScheduledFor: now,
		TargetPhone:  "+447700900123",
	}
	ok, err := tx.Executions().InsertPending(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, e.ExecutionID)
	assert.Equal(t, domain.ExecutionPending, e.Status)
	assert.Equal(t, now, e.CreatedAt)
}

func TestExecutions_Get(t *testing.T) {
	db, mock, tx := setupMockTx(t)
	defer db.Close()

	id := uuid.NewString()
	personID := uuid.NewString()
	scheduleID := uuid.NewString()
	now := time.Now()

	rows := sqlmock.NewRows(executionRowColumns).AddRow(
		id, personID, scheduleID, 3, "retry", "failed",
		now, now, now, 1, "call-1",
		"+447700900123", "check_in", "no_answer", nil, nil,
		nil, nil, now, now,
	)
	mock.ExpectQuery(`SELECT .* FROM scheduled_call_executions WHERE execution_id = \$1`).
		WithArgs(id).
		WillReturnRows(rows)

	e, err := tx.Executions().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.CallTypeRetry, e.CallType)
	assert.Equal(t, domain.ExecutionFailed, e.Status)
	require.NotNil(t, e.ScheduleID)
	assert.Equal(t, scheduleID, *e.ScheduleID)
	require.NotNil(t, e.FailureReason)
	assert.Equal(t, domain.FailureNoAnswer, *e.FailureReason)
	assert.Nil(t, e.DurationSeconds)
	assert.Nil(t, e.IncidentID)
	assert.Equal(t, 1, e.RetryCount)
}

func TestExecutions_Get_NotFound(t *testing.T) {
	db, mock, tx := setupMockTx(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).WillReturnError(sql.ErrNoRows)

	e, err := tx.Executions().Get(context.Background(), "missing")
	assert.Nil(t, e)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecutions_Finish_NoopWhenNotInProgress(t *testing.T) {
	db, mock, tx := setupMockTx(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE scheduled_call_executions .* WHERE execution_id = \$1 AND status = 'in_progress'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	reason := domain.FailureNoAnswer
	ok, err := tx.Executions().Finish(context.Background(), "exec-1", ExecutionResult{
		Status:        domain.ExecutionFailed,
		FailureReason: &reason,
		CompletedAt:   time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecutions_List_Filters(t *testing.T) {
	db, mock, tx := setupMockTx(t)
	defer db.Close()

	personID := uuid.NewString()
	from := time.Now().Add(-24 * time.Hour)
	mock.ExpectQuery(`WHERE 1=1 AND person_id = \$1 AND status IN \(\$2, \$3\) AND scheduled_for >= \$4`).
		WithArgs(personID, "failed", "completed", from, 100).
		WillReturnRows(sqlmock.NewRows(executionRowColumns))

	out, err := tx.Executions().List(context.Background(), domain.ExecutionFilters{
		PersonID: &personID,
		Statuses: []domain.ExecutionStatus{domain.ExecutionFailed, domain.ExecutionCompleted},
		From:     &from,
	})
	require.NoError(t, err)
	assert.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSchedules_ListActiveTargets(t *testing.T) {
	db, mock, tx := setupMockTx(t)
	defer db.Close()

	now := time.Now()
	personID := uuid.NewString()
	scheduleID := uuid.NewString()
	rows := sqlmock.NewRows([]string{
		"person_id", "display_name", "phone", "timezone", "escalation_consent",
		"schedule_id", "person_id", "name", "weekdays", "times", "timezone", "topics", "guidance",
		"retry_after_minutes", "max_retries", "active", "version", "created_at", "updated_at",
	}).AddRow(
		personID, "Margaret", "+447700900123", "Europe/London", true,
		scheduleID, personID, "morning", "{1,3,5}", "{09:00,18:30}", "Europe/London", "{sleep,meals}", "be gentle",
		30, 2, true, 4, now, now,
	)
	mock.ExpectQuery(`UNION`).WithArgs(500, 0).WillReturnRows(rows)

	targets, err := tx.Schedules().ListActiveTargets(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "Margaret", targets[0].Person.DisplayName)
	assert.True(t, targets[0].Person.EscalationConsent)
	assert.Equal(t, []int{1, 3, 5}, targets[0].Schedule.Weekdays)
	assert.Equal(t, []string{"09:00", "18:30"}, targets[0].Schedule.Times)
	assert.Equal(t, []string{"sleep", "meals"}, targets[0].Schedule.Topics)
	assert.Equal(t, 4, targets[0].Schedule.Version)
}

func TestSchedules_DeleteSchedule_NotFound(t *testing.T) {
	db, mock, tx := setupMockTx(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE checkin_schedules`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := tx.Schedules().DeleteSchedule(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestContacts_CreateAssignment_DuplicatePriority(t *testing.T) {
	db, mock, tx := setupMockTx(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO contact_assignments`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_contact_assignments_priority"})

	err := tx.Contacts().CreateAssignment(context.Background(), &domain.ContactAssignment{
		PersonID:  uuid.NewString(),
		ContactID: uuid.NewString(),
		Priority:  1,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Contains(t, err.Error(), "priority 1 already used")
}

func TestContacts_CreateAssignment_DuplicateContact(t *testing.T) {
	db, mock, tx := setupMockTx(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO contact_assignments`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_contact_assignments_contact"})

	err := tx.Contacts().CreateAssignment(context.Background(), &domain.ContactAssignment{
		PersonID:  "p1",
		ContactID: "c1",
		Priority:  2,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Contains(t, err.Error(), "contact c1 already assigned to person p1")
	assert.NotContains(t, err.Error(), "priority")
}

func TestContacts_ListForPerson_ActiveOnly(t *testing.T) {
	db, mock, tx := setupMockTx(t)
	defer db.Close()

	now := time.Now()
	personID := uuid.NewString()
	rows := sqlmock.NewRows([]string{
		"assignment_id", "person_id", "contact_id", "priority", "relation", "created_at", "updated_at",
		"contact_id", "name", "phone", "email", "active", "created_at",
	}).
		AddRow("a1", personID, "c1", 1, "daughter", now, now, "c1", "Ann", "+447700900001", nil, true, now).
		AddRow("a2", personID, "c2", 5, "neighbour", now, now, "c2", "Bob", "+447700900002", "bob@example.com", true, now)
	mock.ExpectQuery(`AND c.active ORDER BY a.priority ASC`).WithArgs(personID).WillReturnRows(rows)

	out, err := tx.Contacts().ListForPerson(context.Background(), personID, true)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 1, out[0].Assignment.Priority)
	assert.Nil(t, out[0].Contact.Email)
	require.NotNil(t, out[1].Contact.Email)
	assert.Equal(t, "bob@example.com", *out[1].Contact.Email)
}

func TestIncidents_Create_DuplicateOrigin(t *testing.T) {
	db, mock, tx := setupMockTx(t)
	defer db.Close()

	origin := uuid.NewString()
	mock.ExpectQuery(`INSERT INTO escalation_incidents`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := tx.Incidents().Create(context.Background(), &domain.EscalationIncident{
		PersonID:          uuid.NewString(),
		Source:            domain.SourceUnreachable,
		OriginExecutionID: &origin,
		Reason:            "unreachable after 2 retries",
		Status:            domain.IncidentOpen,
		EscalationState:   domain.StateContacting,
		ConsentGranted:    true,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestIncidents_GetForUpdate_Locks(t *testing.T) {
	db, mock, tx := setupMockTx(t)
	defer db.Close()

	now := time.Now()
	id := uuid.NewString()
	rows := sqlmock.NewRows([]string{
		"incident_id", "person_id", "source", "origin_execution_id", "origin_report_id", "origin_event_id",
		"reason", "severity_level", "status", "escalation_state", "current_attempt_id", "consent_granted",
		"resolved_at", "resolution_notes", "created_at", "updated_at",
	}).AddRow(
		id, "p1", "distress", nil, "report-9", nil,
		"caller asked for help", 2, "open", "contacting", "att-1", true,
		nil, nil, now, now,
	)
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(id).WillReturnRows(rows)

	inc, err := tx.Incidents().GetForUpdate(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceDistress, inc.Source)
	require.NotNil(t, inc.OriginReportID)
	assert.Equal(t, "report-9", *inc.OriginReportID)
	require.NotNil(t, inc.CurrentAttemptID)
	assert.Equal(t, "att-1", *inc.CurrentAttemptID)
	assert.Nil(t, inc.ResolvedAt)
}

func TestIncidents_CompleteFollowup_Once(t *testing.T) {
	db, mock, tx := setupMockTx(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE escalation_followups`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE escalation_followups`).WillReturnResult(sqlmock.NewResult(0, 0))

	yes := true
	res := FollowupResult{HelpArrived: &yes, CompletedAt: time.Now()}
	ok, err := tx.Incidents().CompleteFollowup(context.Background(), "f1", res)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tx.Incidents().CompleteFollowup(context.Background(), "f1", res)
	require.NoError(t, err)
	assert.False(t, ok)
}
