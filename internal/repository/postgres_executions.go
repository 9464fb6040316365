package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"eva-checkin/internal/domain"
)

// PostgresExecutionsRepository 呼叫执行记录 Repository 实现
type PostgresExecutionsRepository struct {
	q querier
}

// 确保实现了接口
var _ ExecutionsRepository = (*PostgresExecutionsRepository)(nil)

const executionColumns = `execution_id, person_id, schedule_id, schedule_version, call_type, status,
	scheduled_for, attempted_at, completed_at, retry_count, provider_call_id,
	target_phone, purpose, failure_reason, duration_seconds, transcript_ref,
	origin_execution_id, incident_id, created_at, updated_at`

func scanExecution(row rowScanner) (*domain.ScheduledCallExecution, error) {
	var (
		e                                          domain.ScheduledCallExecution
		scheduleID, providerCallID, failureReason  sql.NullString
		transcriptRef, originExecutionID, incident sql.NullString
		attemptedAt, completedAt                   sql.NullTime
		duration                                   sql.NullInt64
	)
	err := row.Scan(
		&e.ExecutionID, &e.PersonID, &scheduleID, &e.ScheduleVersion, &e.CallType, &e.Status,
		&e.ScheduledFor, &attemptedAt, &completedAt, &e.RetryCount, &providerCallID,
		&e.TargetPhone, &e.Purpose, &failureReason, &duration, &transcriptRef,
		&originExecutionID, &incident, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ScheduleID = stringPtr(scheduleID)
	e.AttemptedAt = timePtr(attemptedAt)
	e.CompletedAt = timePtr(completedAt)
	e.ProviderCallID = stringPtr(providerCallID)
	if failureReason.Valid {
		fr := domain.FailureReason(failureReason.String)
		e.FailureReason = &fr
	}
	e.DurationSeconds = intPtr(duration)
	e.TranscriptRef = stringPtr(transcriptRef)
	e.OriginExecutionID = stringPtr(originExecutionID)
	e.IncidentID = stringPtr(incident)
	return &e, nil
}

func (r *PostgresExecutionsRepository) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]domain.ScheduledCallExecution, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduledCallExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// InsertPending 插入执行记录；命中唯一索引时返回 false
func (r *PostgresExecutionsRepository) InsertPending(ctx context.Context, e *domain.ScheduledCallExecution) (bool, error) {
	if e.ExecutionID == "" {
		e.ExecutionID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = domain.ExecutionPending
	}
	var failureReason *string
	if e.FailureReason != nil {
		fr := string(*e.FailureReason)
		failureReason = &fr
	}
	query := `
		INSERT INTO scheduled_call_executions (
			execution_id, person_id, schedule_id, schedule_version, call_type, status,
			scheduled_for, retry_count, target_phone, purpose, failure_reason,
			origin_execution_id, incident_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT DO NOTHING
		RETURNING created_at, updated_at`
	err := r.q.QueryRowContext(ctx, query,
		e.ExecutionID, e.PersonID, nullString(e.ScheduleID), e.ScheduleVersion, string(e.CallType), string(e.Status),
		e.ScheduledFor, e.RetryCount, e.TargetPhone, e.Purpose, nullString(failureReason),
		nullString(e.OriginExecutionID), nullString(e.IncidentID),
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert execution: %w", err)
	}
	return true, nil
}

// Get 按 ID 获取
func (r *PostgresExecutionsRepository) Get(ctx context.Context, executionID string) (*domain.ScheduledCallExecution, error) {
	e, err := scanExecution(r.q.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM scheduled_call_executions WHERE execution_id = $1`, executionID))
	if err != nil {
		return nil, notFound(err, "execution", executionID)
	}
	return e, nil
}

// GetByProviderCallID 按服务商关联 ID 获取
func (r *PostgresExecutionsRepository) GetByProviderCallID(ctx context.Context, providerCallID string) (*domain.ScheduledCallExecution, error) {
	e, err := scanExecution(r.q.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM scheduled_call_executions WHERE provider_call_id = $1`, providerCallID))
	if err != nil {
		return nil, notFound(err, "execution with provider call", providerCallID)
	}
	return e, nil
}

func (r *PostgresExecutionsRepository) execCAS(ctx context.Context, what, query string, args ...interface{}) (bool, error) {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s execution: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to %s execution: %w", what, err)
	}
	return n > 0, nil
}

// Claim pending -> in_progress
func (r *PostgresExecutionsRepository) Claim(ctx context.Context, executionID string, at time.Time) (bool, error) {
	return r.execCAS(ctx, "claim", `
		UPDATE scheduled_call_executions
		SET status = 'in_progress', attempted_at = $2, updated_at = now()
		WHERE execution_id = $1 AND status = 'pending'`, executionID, at)
}

// SetProviderCallID 记录服务商关联 ID
func (r *PostgresExecutionsRepository) SetProviderCallID(ctx context.Context, executionID, providerCallID string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE scheduled_call_executions
		SET provider_call_id = $2, updated_at = now()
		WHERE execution_id = $1`, executionID, providerCallID)
	if err != nil {
		return fmt.Errorf("failed to set provider call id: %w", err)
	}
	return nil
}

// Finish in_progress -> completed/failed
func (r *PostgresExecutionsRepository) Finish(ctx context.Context, executionID string, result ExecutionResult) (bool, error) {
	var failureReason sql.NullString
	if result.FailureReason != nil {
		failureReason = sql.NullString{String: string(*result.FailureReason), Valid: true}
	}
	var duration sql.NullInt64
	if result.DurationSeconds != nil {
		duration = sql.NullInt64{Int64: int64(*result.DurationSeconds), Valid: true}
	}
	return r.execCAS(ctx, "finish", `
		UPDATE scheduled_call_executions
		SET status = $2, failure_reason = $3, completed_at = $4, duration_seconds = $5,
			transcript_ref = $6, updated_at = now()
		WHERE execution_id = $1 AND status = 'in_progress'`,
		executionID, string(result.Status), failureReason, result.CompletedAt, duration, nullString(result.TranscriptRef))
}

// Cancel pending -> cancelled
func (r *PostgresExecutionsRepository) Cancel(ctx context.Context, executionID string, reason domain.FailureReason) (bool, error) {
	return r.execCAS(ctx, "cancel", `
		UPDATE scheduled_call_executions
		SET status = 'cancelled', failure_reason = $2, completed_at = now(), updated_at = now()
		WHERE execution_id = $1 AND status = 'pending'`, executionID, string(reason))
}

func (r *PostgresExecutionsRepository) cancelWhere(ctx context.Context, where string, args ...interface{}) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE scheduled_call_executions
		SET status = 'cancelled', failure_reason = $1, completed_at = now(), updated_at = now()
		WHERE status = 'pending' AND `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel executions: %w", err)
	}
	return res.RowsAffected()
}

// CancelPendingForSchedule 取消计划下所有待执行的 scheduled/retry 记录
func (r *PostgresExecutionsRepository) CancelPendingForSchedule(ctx context.Context, scheduleID string, reason domain.FailureReason) (int64, error) {
	return r.cancelWhere(ctx, `schedule_id = $2 AND call_type IN ('scheduled', 'retry')`, string(reason), scheduleID)
}

// CancelPendingForIncident 取消事件下所有待执行的呼叫
func (r *PostgresExecutionsRepository) CancelPendingForIncident(ctx context.Context, incidentID string, reason domain.FailureReason) (int64, error) {
	return r.cancelWhere(ctx, `incident_id = $2`, string(reason), incidentID)
}

// FindOpenForTarget 某 (人, 计划) 下未结束的 scheduled/retry 执行
func (r *PostgresExecutionsRepository) FindOpenForTarget(ctx context.Context, personID, scheduleID string) ([]domain.ScheduledCallExecution, error) {
	return r.queryExecutions(ctx, `
		SELECT `+executionColumns+`
		FROM scheduled_call_executions
		WHERE person_id = $1 AND schedule_id = $2
		  AND status IN ('pending', 'in_progress')
		  AND call_type IN ('scheduled', 'retry')
		ORDER BY scheduled_for`, personID, scheduleID)
}

// LatestScheduledOccurrence 最近一次物化的计划时间
func (r *PostgresExecutionsRepository) LatestScheduledOccurrence(ctx context.Context, personID, scheduleID string) (*time.Time, error) {
	var latest sql.NullTime
	err := r.q.QueryRowContext(ctx, `
		SELECT MAX(scheduled_for)
		FROM scheduled_call_executions
		WHERE person_id = $1 AND schedule_id = $2 AND call_type = 'scheduled' AND status <> 'cancelled'`, personID, scheduleID,
	).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest occurrence: %w", err)
	}
	return timePtr(latest), nil
}

// ListDue 已到期的待执行记录
func (r *PostgresExecutionsRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledCallExecution, error) {
	return r.queryExecutions(ctx, `
		SELECT `+executionColumns+`
		FROM scheduled_call_executions
		WHERE status = 'pending' AND scheduled_for <= $1
		ORDER BY scheduled_for
		LIMIT $2`, now, limitOrDefault(limit))
}

// ListStaleInProgress 执行中但超时未回调
func (r *PostgresExecutionsRepository) ListStaleInProgress(ctx context.Context, attemptedBefore time.Time, limit int) ([]domain.ScheduledCallExecution, error) {
	return r.queryExecutions(ctx, `
		SELECT `+executionColumns+`
		FROM scheduled_call_executions
		WHERE status = 'in_progress' AND attempted_at < $1
		ORDER BY attempted_at
		LIMIT $2`, attemptedBefore, limitOrDefault(limit))
}

// ListStalePending 错过时间窗的 scheduled/retry 待执行记录
func (r *PostgresExecutionsRepository) ListStalePending(ctx context.Context, scheduledBefore time.Time, limit int) ([]domain.ScheduledCallExecution, error) {
	return r.queryExecutions(ctx, `
		SELECT `+executionColumns+`
		FROM scheduled_call_executions
		WHERE status = 'pending' AND call_type IN ('scheduled', 'retry') AND scheduled_for < $1
		ORDER BY scheduled_for
		LIMIT $2`, scheduledBefore, limitOrDefault(limit))
}

// List 按条件查询，scheduled_for 倒序
func (r *PostgresExecutionsRepository) List(ctx context.Context, filters domain.ExecutionFilters) ([]domain.ScheduledCallExecution, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	argN := 1
	add := func(cond string, v interface{}) {
		where = append(where, fmt.Sprintf(cond, argN))
		args = append(args, v)
		argN++
	}

	if filters.PersonID != nil {
		add("person_id = $%d", *filters.PersonID)
	}
	if filters.ScheduleID != nil {
		add("schedule_id = $%d", *filters.ScheduleID)
	}
	if filters.IncidentID != nil {
		add("incident_id = $%d", *filters.IncidentID)
	}
	if len(filters.Statuses) > 0 {
		placeholders := make([]string, len(filters.Statuses))
		for i, s := range filters.Statuses {
			placeholders[i] = fmt.Sprintf("$%d", argN)
			args = append(args, string(s))
			argN++
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if len(filters.CallTypes) > 0 {
		placeholders := make([]string, len(filters.CallTypes))
		for i, t := range filters.CallTypes {
			placeholders[i] = fmt.Sprintf("$%d", argN)
			args = append(args, string(t))
			argN++
		}
		where = append(where, fmt.Sprintf("call_type IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filters.From != nil {
		add("scheduled_for >= $%d", *filters.From)
	}
	if filters.To != nil {
		add("scheduled_for < $%d", *filters.To)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM scheduled_call_executions
		WHERE %s
		ORDER BY scheduled_for DESC
		LIMIT $%d`, executionColumns, strings.Join(where, " AND "), argN)
	args = append(args, limitOrDefault(filters.Limit))
	return r.queryExecutions(ctx, query, args...)
}

func limitOrDefault(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	}
	return limit
}
