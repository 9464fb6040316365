package domain

import "time"

// CallType 呼叫类型
type CallType string

const (
	CallTypeScheduled          CallType = "scheduled"
	CallTypeRetry              CallType = "retry"
	CallTypeEmergencyContact   CallType = "emergency_contact"
	CallTypeEscalationFollowup CallType = "escalation_followup"
)

// Retryable scheduled/retry 类型失败后按计划重试
func (t CallType) Retryable() bool {
	return t == CallTypeScheduled || t == CallTypeRetry
}

// ExecutionStatus 执行状态
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
)

// Terminal 终态
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending:    {ExecutionInProgress, ExecutionCancelled},
	ExecutionInProgress: {ExecutionCompleted, ExecutionFailed},
}

// CanTransition 状态机是否允许 from -> to
func CanTransition(from, to ExecutionStatus) bool {
	for _, s := range executionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FailureReason 失败/取消原因
type FailureReason string

const (
	FailureNoAnswer        FailureReason = "no_answer"
	FailureBusy            FailureReason = "busy"
	FailureProviderError   FailureReason = "provider_error"
	FailureTimeout         FailureReason = "timeout"
	FailureExpired         FailureReason = "expired"
	FailureSuperseded      FailureReason = "superseded"
	FailureScheduleChanged FailureReason = "schedule_changed"
	FailureIncidentClosed  FailureReason = "incident_closed"
)

// CallOutcome 呼叫服务商回调结果
type CallOutcome string

const (
	OutcomeAnswered CallOutcome = "answered"
	OutcomeNoAnswer CallOutcome = "no_answer"
	OutcomeFailed   CallOutcome = "failed"
)

// Valid 是否为合法回调结果
func (o CallOutcome) Valid() bool {
	return o == OutcomeAnswered || o == OutcomeNoAnswer || o == OutcomeFailed
}

// ScheduledCallExecution 单次呼叫执行记录（对应 scheduled_call_executions 表）
type ScheduledCallExecution struct {
	ExecutionID     string   `json:"execution_id" db:"execution_id"`
	PersonID        string   `json:"person_id" db:"person_id"`
	ScheduleID      *string  `json:"schedule_id,omitempty" db:"schedule_id"` // 临时/升级呼叫为空
	ScheduleVersion int      `json:"schedule_version" db:"schedule_version"`
	CallType        CallType `json:"call_type" db:"call_type"`

	Status       ExecutionStatus `json:"status" db:"status"`
	ScheduledFor time.Time       `json:"scheduled_for" db:"scheduled_for"`
	AttemptedAt  *time.Time      `json:"attempted_at,omitempty" db:"attempted_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	RetryCount   int             `json:"retry_count" db:"retry_count"`

	ProviderCallID *string `json:"provider_call_id,omitempty" db:"provider_call_id"` // 呼叫服务商关联 ID

	TargetPhone     string         `json:"target_phone" db:"target_phone"`
	Purpose         string         `json:"purpose" db:"purpose"`
	FailureReason   *FailureReason `json:"failure_reason,omitempty" db:"failure_reason"`
	DurationSeconds *int           `json:"duration_seconds,omitempty" db:"duration_seconds"`
	TranscriptRef   *string        `json:"transcript_ref,omitempty" db:"transcript_ref"`

	// 来源链（只向后指）
	OriginExecutionID *string `json:"origin_execution_id,omitempty" db:"origin_execution_id"` // 重试链上一条
	IncidentID        *string `json:"incident_id,omitempty" db:"incident_id"`                 // 升级呼叫所属事件

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// OutcomeReport 呼叫结束后的结果（来自回调或超时扫描）
type OutcomeReport struct {
	ExecutionID     string // 优先按执行 ID 定位
	CorrelationID   string // 其次按服务商关联 ID 定位
	Outcome         CallOutcome
	Detail          string // 服务商细分原因，如 "busy"
	DurationSeconds *int
	TranscriptRef   *string
	Timeout         bool // 超时扫描产生
}

// ExecutionFilters 执行记录查询条件
type ExecutionFilters struct {
	PersonID   *string
	ScheduleID *string
	IncidentID *string
	Statuses   []ExecutionStatus
	CallTypes  []CallType
	From       *time.Time // scheduled_for >= From
	To         *time.Time // scheduled_for < To
	Limit      int
}
