// Package repository 持久化层：执行记录、计划、联系人、升级事件。
//
// 所有读写都在 Store.InTx 中进行；状态迁移使用比较并设置（UPDATE ... WHERE status = ?），
// 返回 false 表示记录已不处于预期状态（重复回调等），由调用方视为无操作。
package repository

import (
	"context"
	"time"

	"eva-checkin/internal/domain"
)

// Store 事务入口
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx 事务内可用的各仓库
type Tx interface {
	Schedules() SchedulesRepository
	Persons() PersonsRepository
	Executions() ExecutionsRepository
	Contacts() ContactsRepository
	Incidents() IncidentsRepository
}

// SchedulesRepository 问候计划仓库
type SchedulesRepository interface {
	GetSchedule(ctx context.Context, scheduleID string) (*domain.CheckInSchedule, error)
	// ListActiveTargets 列出启用的 (人, 计划) 组合：计划归属人 + 启用的共享关联
	ListActiveTargets(ctx context.Context, limit, offset int) ([]domain.ScheduleTarget, error)
	// UpdateSchedule 更新定义并将 version +1，返回新版本号
	UpdateSchedule(ctx context.Context, s *domain.CheckInSchedule) (int, error)
	// DeleteSchedule 软删除（停用并 version +1）
	DeleteSchedule(ctx context.Context, scheduleID string) error
}

// PersonsRepository 被监护人（只读）
type PersonsRepository interface {
	GetPerson(ctx context.Context, personID string) (*domain.MonitoredPerson, error)
}

// ExecutionsRepository 呼叫执行记录仓库
type ExecutionsRepository interface {
	// InsertPending 条件插入；违反"每个 (人, 计划) 至多一条待执行"时返回 false，不报错
	InsertPending(ctx context.Context, e *domain.ScheduledCallExecution) (bool, error)
	Get(ctx context.Context, executionID string) (*domain.ScheduledCallExecution, error)
	GetByProviderCallID(ctx context.Context, providerCallID string) (*domain.ScheduledCallExecution, error)

	// Claim pending -> in_progress
	Claim(ctx context.Context, executionID string, at time.Time) (bool, error)
	SetProviderCallID(ctx context.Context, executionID, providerCallID string) error
	// Finish in_progress -> completed/failed
	Finish(ctx context.Context, executionID string, result ExecutionResult) (bool, error)
	// Cancel pending -> cancelled
	Cancel(ctx context.Context, executionID string, reason domain.FailureReason) (bool, error)
	CancelPendingForSchedule(ctx context.Context, scheduleID string, reason domain.FailureReason) (int64, error)
	CancelPendingForIncident(ctx context.Context, incidentID string, reason domain.FailureReason) (int64, error)

	// FindOpenForTarget 某 (人, 计划) 下 pending/in_progress 的 scheduled/retry 执行
	FindOpenForTarget(ctx context.Context, personID, scheduleID string) ([]domain.ScheduledCallExecution, error)
	// LatestScheduledOccurrence 某 (人, 计划) 最近一次未取消的 scheduled 执行的计划时间
	LatestScheduledOccurrence(ctx context.Context, personID, scheduleID string) (*time.Time, error)

	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledCallExecution, error)
	ListStaleInProgress(ctx context.Context, attemptedBefore time.Time, limit int) ([]domain.ScheduledCallExecution, error)
	ListStalePending(ctx context.Context, scheduledBefore time.Time, limit int) ([]domain.ScheduledCallExecution, error)
	List(ctx context.Context, filters domain.ExecutionFilters) ([]domain.ScheduledCallExecution, error)
}

// ExecutionResult 结束一次执行时写入的字段
type ExecutionResult struct {
	Status          domain.ExecutionStatus // completed | failed
	FailureReason   *domain.FailureReason
	CompletedAt     time.Time
	DurationSeconds *int
	TranscriptRef   *string
}

// ContactsRepository 紧急联系人仓库
type ContactsRepository interface {
	// ListForPerson 按 priority 升序；activeOnly 时过滤停用联系人
	ListForPerson(ctx context.Context, personID string, activeOnly bool) ([]domain.PrioritizedContact, error)
	GetContact(ctx context.Context, contactID string) (*domain.EmergencyContact, error)
	GetAssignment(ctx context.Context, assignmentID string) (*domain.ContactAssignment, error)
	// PriorityTaken priority 是否已被该人其他关联占用（excludeAssignmentID 为空表示不排除）
	PriorityTaken(ctx context.Context, personID string, priority int, excludeAssignmentID string) (bool, error)
	// CreateAssignment 违反 UNIQUE(person_id, priority) 时返回 domain.ErrConflict
	CreateAssignment(ctx context.Context, a *domain.ContactAssignment) error
	UpdatePriority(ctx context.Context, assignmentID string, priority int) error
}

// IncidentsRepository 升级事件、联系尝试、回访
type IncidentsRepository interface {
	// Create 同一触发执行重复创建时返回 domain.ErrConflict
	Create(ctx context.Context, inc *domain.EscalationIncident) error
	Get(ctx context.Context, incidentID string) (*domain.EscalationIncident, error)
	// GetForUpdate 读取并锁定事件行，保证同一事件的推进串行
	GetForUpdate(ctx context.Context, incidentID string) (*domain.EscalationIncident, error)
	GetByOriginExecution(ctx context.Context, executionID string) (*domain.EscalationIncident, error)
	List(ctx context.Context, filters domain.IncidentFilters) ([]domain.EscalationIncident, error)
	UpdateState(ctx context.Context, incidentID string, state domain.EscalationState, currentAttemptID *string) error
	Resolve(ctx context.Context, incidentID, notes string, at time.Time) error

	CreateAttempt(ctx context.Context, a *domain.EscalationContactAttempt) error
	GetAttemptByExecution(ctx context.Context, executionID string) (*domain.EscalationContactAttempt, error)
	// ResolveAttempt pending -> answered/no_answer/failed
	ResolveAttempt(ctx context.Context, attemptID string, status domain.AttemptStatus, answeredAt *time.Time) (bool, error)
	ListAttempts(ctx context.Context, incidentID string) ([]domain.EscalationContactAttempt, error)

	CreateFollowup(ctx context.Context, f *domain.EscalationFollowup) error
	GetFollowup(ctx context.Context, followupID string) (*domain.EscalationFollowup, error)
	GetFollowupByExecution(ctx context.Context, executionID string) (*domain.EscalationFollowup, error)
	// CompleteFollowup pending -> completed
	CompleteFollowup(ctx context.Context, followupID string, result FollowupResult) (bool, error)
	ListFollowups(ctx context.Context, incidentID string) ([]domain.EscalationFollowup, error)
}

// FollowupResult 回访结果
type FollowupResult struct {
	HelpArrived            *bool
	NeedsFurtherEscalation *bool
	ReportID               *string
	CompletedAt            time.Time
}
