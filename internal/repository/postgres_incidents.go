package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"eva-checkin/internal/domain"
)

// PostgresIncidentsRepository 升级事件 Repository 实现
type PostgresIncidentsRepository struct {
	q querier
}

// 确保实现了接口
var _ IncidentsRepository = (*PostgresIncidentsRepository)(nil)

const incidentColumns = `incident_id, person_id, source, origin_execution_id, origin_report_id, origin_event_id,
	reason, severity_level, status, escalation_state, current_attempt_id, consent_granted,
	resolved_at, resolution_notes, created_at, updated_at`

func scanIncident(row rowScanner) (*domain.EscalationIncident, error) {
	var (
		inc                                   domain.EscalationIncident
		originExec, originReport, originEvent sql.NullString
		currentAttempt, notes                 sql.NullString
		resolvedAt                            sql.NullTime
	)
	err := row.Scan(
		&inc.IncidentID, &inc.PersonID, &inc.Source, &originExec, &originReport, &originEvent,
		&inc.Reason, &inc.SeverityLevel, &inc.Status, &inc.EscalationState, &currentAttempt, &inc.ConsentGranted,
		&resolvedAt, &notes, &inc.CreatedAt, &inc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inc.OriginExecutionID = stringPtr(originExec)
	inc.OriginReportID = stringPtr(originReport)
	inc.OriginEventID = stringPtr(originEvent)
	inc.CurrentAttemptID = stringPtr(currentAttempt)
	inc.ResolvedAt = timePtr(resolvedAt)
	inc.ResolutionNotes = stringPtr(notes)
	return &inc, nil
}

// Create 创建事件
func (r *PostgresIncidentsRepository) Create(ctx context.Context, inc *domain.EscalationIncident) error {
	if inc.IncidentID == "" {
		inc.IncidentID = uuid.New().String()
	}
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO escalation_incidents (
			incident_id, person_id, source, origin_execution_id, origin_report_id, origin_event_id,
			reason, severity_level, status, escalation_state, current_attempt_id, consent_granted
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`,
		inc.IncidentID, inc.PersonID, string(inc.Source),
		nullString(inc.OriginExecutionID), nullString(inc.OriginReportID), nullString(inc.OriginEventID),
		inc.Reason, inc.SeverityLevel, string(inc.Status), string(inc.EscalationState),
		nullString(inc.CurrentAttemptID), inc.ConsentGranted,
	).Scan(&inc.CreatedAt, &inc.UpdatedAt)
	if uniqueViolation(err) {
		return fmt.Errorf("incident already exists for execution: %w", domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

// Get 按 ID 获取
func (r *PostgresIncidentsRepository) Get(ctx context.Context, incidentID string) (*domain.EscalationIncident, error) {
	inc, err := scanIncident(r.q.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM escalation_incidents WHERE incident_id = $1`, incidentID))
	if err != nil {
		return nil, notFound(err, "incident", incidentID)
	}
	return inc, nil
}

// GetForUpdate 读取并锁定
func (r *PostgresIncidentsRepository) GetForUpdate(ctx context.Context, incidentID string) (*domain.EscalationIncident, error) {
	inc, err := scanIncident(r.q.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM escalation_incidents WHERE incident_id = $1 FOR UPDATE`, incidentID))
	if err != nil {
		return nil, notFound(err, "incident", incidentID)
	}
	return inc, nil
}

// GetByOriginExecution 按触发执行获取
func (r *PostgresIncidentsRepository) GetByOriginExecution(ctx context.Context, executionID string) (*domain.EscalationIncident, error) {
	inc, err := scanIncident(r.q.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM escalation_incidents WHERE origin_execution_id = $1`, executionID))
	if err != nil {
		return nil, notFound(err, "incident for execution", executionID)
	}
	return inc, nil
}

// List 按条件查询，created_at 倒序
func (r *PostgresIncidentsRepository) List(ctx context.Context, filters domain.IncidentFilters) ([]domain.EscalationIncident, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	argN := 1
	if filters.PersonID != nil {
		where = append(where, fmt.Sprintf("person_id = $%d", argN))
		args = append(args, *filters.PersonID)
		argN++
	}
	if filters.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argN))
		args = append(args, string(*filters.Status))
		argN++
	}
	if filters.NeedsAttention {
		where = append(where, "status = 'open' AND escalation_state IN ('no_contacts', 'exhausted')")
	}
	query := fmt.Sprintf(`
		SELECT %s
		FROM escalation_incidents
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d`, incidentColumns, strings.Join(where, " AND "), argN)
	args = append(args, limitOrDefault(filters.Limit))

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var out []domain.EscalationIncident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

// UpdateState 更新升级进度与当前尝试
func (r *PostgresIncidentsRepository) UpdateState(ctx context.Context, incidentID string, state domain.EscalationState, currentAttemptID *string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE escalation_incidents
		SET escalation_state = $2, current_attempt_id = $3, updated_at = now()
		WHERE incident_id = $1`, incidentID, string(state), nullString(currentAttemptID))
	if err != nil {
		return fmt.Errorf("failed to update incident state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("incident %s: %w", incidentID, domain.ErrNotFound)
	}
	return nil
}

// Resolve 关闭事件（已关闭时不覆盖）
func (r *PostgresIncidentsRepository) Resolve(ctx context.Context, incidentID, notes string, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE escalation_incidents
		SET status = 'resolved', escalation_state = 'closed', resolved_at = $2, resolution_notes = $3, updated_at = now()
		WHERE incident_id = $1 AND status = 'open'`, incidentID, at, notes)
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	return nil
}

const attemptColumns = `attempt_id, incident_id, contact_id, attempt_order, status, execution_id, answered_at, created_at`

func scanAttempt(row rowScanner) (*domain.EscalationContactAttempt, error) {
	var (
		a          domain.EscalationContactAttempt
		execID     sql.NullString
		answeredAt sql.NullTime
	)
	if err := row.Scan(&a.AttemptID, &a.IncidentID, &a.ContactID, &a.AttemptOrder, &a.Status,
		&execID, &answeredAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.ExecutionID = stringPtr(execID)
	a.AnsweredAt = timePtr(answeredAt)
	return &a, nil
}

// CreateAttempt 追加联系尝试
func (r *PostgresIncidentsRepository) CreateAttempt(ctx context.Context, a *domain.EscalationContactAttempt) error {
	if a.AttemptID == "" {
		a.AttemptID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = domain.AttemptPending
	}
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO escalation_contact_attempts (attempt_id, incident_id, contact_id, attempt_order, status, execution_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		a.AttemptID, a.IncidentID, a.ContactID, a.AttemptOrder, string(a.Status), nullString(a.ExecutionID),
	).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create attempt: %w", err)
	}
	return nil
}

// GetAttemptByExecution 按呼叫执行获取尝试
func (r *PostgresIncidentsRepository) GetAttemptByExecution(ctx context.Context, executionID string) (*domain.EscalationContactAttempt, error) {
	a, err := scanAttempt(r.q.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM escalation_contact_attempts WHERE execution_id = $1`, executionID))
	if err != nil {
		return nil, notFound(err, "attempt for execution", executionID)
	}
	return a, nil
}

// ResolveAttempt pending -> answered/no_answer/failed
func (r *PostgresIncidentsRepository) ResolveAttempt(ctx context.Context, attemptID string, status domain.AttemptStatus, answeredAt *time.Time) (bool, error) {
	var at sql.NullTime
	if answeredAt != nil {
		at = sql.NullTime{Time: *answeredAt, Valid: true}
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE escalation_contact_attempts
		SET status = $2, answered_at = $3
		WHERE attempt_id = $1 AND status = 'pending'`, attemptID, string(status), at)
	if err != nil {
		return false, fmt.Errorf("failed to resolve attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to resolve attempt: %w", err)
	}
	return n > 0, nil
}

// ListAttempts 事件下的尝试，按创建顺序
func (r *PostgresIncidentsRepository) ListAttempts(ctx context.Context, incidentID string) ([]domain.EscalationContactAttempt, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM escalation_contact_attempts
		WHERE incident_id = $1
		ORDER BY created_at, attempt_order`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var out []domain.EscalationContactAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

const followupColumns = `followup_id, incident_id, attempt_id, followup_type, status, scheduled_for,
	help_arrived, needs_further_escalation, execution_id, report_id, completed_at, created_at`

func scanFollowup(row rowScanner) (*domain.EscalationFollowup, error) {
	var (
		f                    domain.EscalationFollowup
		helpArrived, further sql.NullBool
		execID, reportID     sql.NullString
		completedAt          sql.NullTime
	)
	if err := row.Scan(&f.FollowupID, &f.IncidentID, &f.AttemptID, &f.FollowupType, &f.Status, &f.ScheduledFor,
		&helpArrived, &further, &execID, &reportID, &completedAt, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.HelpArrived = boolPtr(helpArrived)
	f.NeedsFurtherEscalation = boolPtr(further)
	f.ExecutionID = stringPtr(execID)
	f.ReportID = stringPtr(reportID)
	f.CompletedAt = timePtr(completedAt)
	return &f, nil
}

// CreateFollowup 创建回访
func (r *PostgresIncidentsRepository) CreateFollowup(ctx context.Context, f *domain.EscalationFollowup) error {
	if f.FollowupID == "" {
		f.FollowupID = uuid.New().String()
	}
	if f.Status == "" {
		f.Status = domain.FollowupPending
	}
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO escalation_followups (followup_id, incident_id, attempt_id, followup_type, status, scheduled_for, execution_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		f.FollowupID, f.IncidentID, f.AttemptID, f.FollowupType, string(f.Status), f.ScheduledFor, nullString(f.ExecutionID),
	).Scan(&f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create followup: %w", err)
	}
	return nil
}

// GetFollowup 按 ID 获取
func (r *PostgresIncidentsRepository) GetFollowup(ctx context.Context, followupID string) (*domain.EscalationFollowup, error) {
	f, err := scanFollowup(r.q.QueryRowContext(ctx,
		`SELECT `+followupColumns+` FROM escalation_followups WHERE followup_id = $1`, followupID))
	if err != nil {
		return nil, notFound(err, "followup", followupID)
	}
	return f, nil
}

// GetFollowupByExecution 按回访呼叫获取
func (r *PostgresIncidentsRepository) GetFollowupByExecution(ctx context.Context, executionID string) (*domain.EscalationFollowup, error) {
	f, err := scanFollowup(r.q.QueryRowContext(ctx,
		`SELECT `+followupColumns+` FROM escalation_followups WHERE execution_id = $1`, executionID))
	if err != nil {
		return nil, notFound(err, "followup for execution", executionID)
	}
	return f, nil
}

// CompleteFollowup pending -> completed
func (r *PostgresIncidentsRepository) CompleteFollowup(ctx context.Context, followupID string, result FollowupResult) (bool, error) {
	toNullBool := func(b *bool) sql.NullBool {
		if b == nil {
			return sql.NullBool{}
		}
		return sql.NullBool{Bool: *b, Valid: true}
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE escalation_followups
		SET status = 'completed', help_arrived = $2, needs_further_escalation = $3, report_id = $4, completed_at = $5
		WHERE followup_id = $1 AND status = 'pending'`,
		followupID, toNullBool(result.HelpArrived), toNullBool(result.NeedsFurtherEscalation),
		nullString(result.ReportID), result.CompletedAt)
	if err != nil {
		return false, fmt.Errorf("failed to complete followup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to complete followup: %w", err)
	}
	return n > 0, nil
}

// ListFollowups 事件下的回访
func (r *PostgresIncidentsRepository) ListFollowups(ctx context.Context, incidentID string) ([]domain.EscalationFollowup, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+followupColumns+`
		FROM escalation_followups
		WHERE incident_id = $1
		ORDER BY created_at`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list followups: %w", err)
	}
	defer rows.Close()

	var out []domain.EscalationFollowup
	for rows.Next() {
		f, err := scanFollowup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan followup: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}
