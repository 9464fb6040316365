package domain

import "time"

// IncidentStatus 事件状态
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentResolved IncidentStatus = "resolved"
)

// EscalationState 升级流程进度
type EscalationState string

const (
	StateContacting       EscalationState = "contacting"
	StateAwaitingFollowup EscalationState = "awaiting_followup"
	StateNoContacts       EscalationState = "no_contacts" // 没有联系人，待人工处理
	StateExhausted        EscalationState = "exhausted"   // 联系人都未接通，待人工处理
	StateClosed           EscalationState = "closed"
)

// IncidentSource 触发来源
type IncidentSource string

const (
	SourceUnreachable IncidentSource = "unreachable"
	SourceDistress    IncidentSource = "distress"
	SourceDevice      IncidentSource = "device_event"
)

// EscalationIncident 升级事件（对应 escalation_incidents 表）
type EscalationIncident struct {
	IncidentID string `json:"incident_id" db:"incident_id"`
	PersonID   string `json:"person_id" db:"person_id"`

	Source            IncidentSource `json:"source" db:"source"`
	OriginExecutionID *string        `json:"origin_execution_id,omitempty" db:"origin_execution_id"`
	OriginReportID    *string        `json:"origin_report_id,omitempty" db:"origin_report_id"`
	OriginEventID     *string        `json:"origin_event_id,omitempty" db:"origin_event_id"`

	Reason        string `json:"reason" db:"reason"`
	SeverityLevel int    `json:"severity_level" db:"severity_level"`

	Status           IncidentStatus  `json:"status" db:"status"`
	EscalationState  EscalationState `json:"escalation_state" db:"escalation_state"`
	CurrentAttemptID *string         `json:"current_attempt_id,omitempty" db:"current_attempt_id"`
	ConsentGranted   bool            `json:"consent_granted" db:"consent_granted"`

	ResolvedAt      *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolutionNotes *string    `json:"resolution_notes,omitempty" db:"resolution_notes"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NeedsManualAttention 没有联系人或联系人已全部尝试，需要人工介入
func (i *EscalationIncident) NeedsManualAttention() bool {
	return i.Status == IncidentOpen &&
		(i.EscalationState == StateNoContacts || i.EscalationState == StateExhausted)
}

// AttemptStatus 联系尝试状态
type AttemptStatus string

const (
	AttemptPending  AttemptStatus = "pending"
	AttemptAnswered AttemptStatus = "answered"
	AttemptNoAnswer AttemptStatus = "no_answer"
	AttemptFailed   AttemptStatus = "failed"
)

// EscalationContactAttempt 单次联系人呼叫尝试（对应 escalation_contact_attempts 表，只追加）
type EscalationContactAttempt struct {
	AttemptID    string        `json:"attempt_id" db:"attempt_id"`
	IncidentID   string        `json:"incident_id" db:"incident_id"`
	ContactID    string        `json:"contact_id" db:"contact_id"`
	AttemptOrder int           `json:"attempt_order" db:"attempt_order"` // 尝试时联系人的优先级
	Status       AttemptStatus `json:"status" db:"status"`
	ExecutionID  *string       `json:"execution_id,omitempty" db:"execution_id"`
	AnsweredAt   *time.Time    `json:"answered_at,omitempty" db:"answered_at"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
}

// FollowupStatus 回访状态
type FollowupStatus string

const (
	FollowupPending   FollowupStatus = "pending"
	FollowupCompleted FollowupStatus = "completed"
)

// FollowupHelpArrival 确认救助已到达
const FollowupHelpArrival = "help_arrival_check"

// EscalationFollowup 联系人接通后的回访（对应 escalation_followups 表）
type EscalationFollowup struct {
	FollowupID             string         `json:"followup_id" db:"followup_id"`
	IncidentID             string         `json:"incident_id" db:"incident_id"`
	AttemptID              string         `json:"attempt_id" db:"attempt_id"` // 接通的那次尝试
	FollowupType           string         `json:"followup_type" db:"followup_type"`
	Status                 FollowupStatus `json:"status" db:"status"`
	ScheduledFor           time.Time      `json:"scheduled_for" db:"scheduled_for"`
	HelpArrived            *bool          `json:"help_arrived,omitempty" db:"help_arrived"`
	NeedsFurtherEscalation *bool          `json:"needs_further_escalation,omitempty" db:"needs_further_escalation"`
	ExecutionID            *string        `json:"execution_id,omitempty" db:"execution_id"`
	ReportID               *string        `json:"report_id,omitempty" db:"report_id"`
	CompletedAt            *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt              time.Time      `json:"created_at" db:"created_at"`
}

// IncidentFilters 事件查询条件
type IncidentFilters struct {
	PersonID       *string
	Status         *IncidentStatus
	NeedsAttention bool
	Limit          int
}

// IncidentDetail 事件及其尝试/回访
type IncidentDetail struct {
	Incident  EscalationIncident         `json:"incident"`
	Attempts  []EscalationContactAttempt `json:"attempts"`
	Followups []EscalationFollowup       `json:"followups"`
}
