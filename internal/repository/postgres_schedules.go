package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"eva-checkin/internal/domain"
)

// PostgresSchedulesRepository 问候计划 Repository 实现
type PostgresSchedulesRepository struct {
	q querier
}

// 确保实现了接口
var _ SchedulesRepository = (*PostgresSchedulesRepository)(nil)

const scheduleColumns = `s.schedule_id, s.person_id, s.name, s.weekdays, s.times, s.timezone, s.topics, s.guidance,
	s.retry_after_minutes, s.max_retries, s.active, s.version, s.created_at, s.updated_at`

func scanSchedule(row rowScanner, s *domain.CheckInSchedule, extra ...interface{}) error {
	var (
		personID sql.NullString
		weekdays pq.Int64Array
		times    pq.StringArray
		topics   pq.StringArray
	)
	dest := append([]interface{}{}, extra...)
	dest = append(dest,
		&s.ScheduleID, &personID, &s.Name, &weekdays, &times, &s.Timezone, &topics, &s.Guidance,
		&s.RetryAfterMinutes, &s.MaxRetries, &s.Active, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	s.PersonID = stringPtr(personID)
	s.Weekdays = make([]int, len(weekdays))
	for i, d := range weekdays {
		s.Weekdays[i] = int(d)
	}
	s.Times = []string(times)
	s.Topics = []string(topics)
	return nil
}

// GetSchedule 获取未删除的计划
func (r *PostgresSchedulesRepository) GetSchedule(ctx context.Context, scheduleID string) (*domain.CheckInSchedule, error) {
	query := `SELECT ` + scheduleColumns + `
		FROM checkin_schedules s
		WHERE s.schedule_id = $1 AND s.deleted_at IS NULL`
	var s domain.CheckInSchedule
	if err := scanSchedule(r.q.QueryRowContext(ctx, query, scheduleID), &s); err != nil {
		return nil, notFound(err, "schedule", scheduleID)
	}
	return &s, nil
}

// ListActiveTargets 计划归属人与共享关联合并去重
func (r *PostgresSchedulesRepository) ListActiveTargets(ctx context.Context, limit, offset int) ([]domain.ScheduleTarget, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT * FROM (
			SELECT p.person_id, p.display_name, p.phone, p.timezone, p.escalation_consent, ` + scheduleColumns + `
			FROM checkin_schedules s
			JOIN monitored_persons p ON p.person_id = s.person_id
			WHERE s.active AND s.deleted_at IS NULL
			UNION
			SELECT p.person_id, p.display_name, p.phone, p.timezone, p.escalation_consent, ` + scheduleColumns + `
			FROM schedule_assignments a
			JOIN checkin_schedules s ON s.schedule_id = a.schedule_id
			JOIN monitored_persons p ON p.person_id = a.person_id
			WHERE a.active AND s.active AND s.deleted_at IS NULL
		) t
		ORDER BY t.person_id, t.schedule_id
		LIMIT $1 OFFSET $2`

	rows, err := r.q.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule targets: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduleTarget
	for rows.Next() {
		var t domain.ScheduleTarget
		if err := scanSchedule(rows, &t.Schedule,
			&t.Person.PersonID, &t.Person.DisplayName, &t.Person.Phone, &t.Person.Timezone, &t.Person.EscalationConsent,
		); err != nil {
			return nil, fmt.Errorf("failed to scan schedule target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateSchedule 更新定义，version +1
func (r *PostgresSchedulesRepository) UpdateSchedule(ctx context.Context, s *domain.CheckInSchedule) (int, error) {
	weekdays := make(pq.Int64Array, len(s.Weekdays))
	for i, d := range s.Weekdays {
		weekdays[i] = int64(d)
	}
	query := `
		UPDATE checkin_schedules
		SET name = $2, weekdays = $3, times = $4, timezone = $5, topics = $6, guidance = $7,
			retry_after_minutes = $8, max_retries = $9, active = $10,
			version = version + 1, updated_at = now()
		WHERE schedule_id = $1 AND deleted_at IS NULL
		RETURNING version`
	var version int
	err := r.q.QueryRowContext(ctx, query,
		s.ScheduleID, s.Name, weekdays, pq.StringArray(s.Times), s.Timezone, pq.StringArray(s.Topics), s.Guidance,
		s.RetryAfterMinutes, s.MaxRetries, s.Active,
	).Scan(&version)
	if err != nil {
		return 0, notFound(err, "schedule", s.ScheduleID)
	}
	return version, nil
}

// DeleteSchedule 软删除
func (r *PostgresSchedulesRepository) DeleteSchedule(ctx context.Context, scheduleID string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE checkin_schedules
		SET active = FALSE, deleted_at = now(), version = version + 1, updated_at = now()
		WHERE schedule_id = $1 AND deleted_at IS NULL`, scheduleID)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", scheduleID, domain.ErrNotFound)
	}
	return nil
}
