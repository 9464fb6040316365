package domain

import "time"

// CheckInSchedule 定时问候呼叫计划（对应 checkin_schedules 表）
type CheckInSchedule struct {
	ScheduleID string  `json:"schedule_id" db:"schedule_id"` // UUID, PRIMARY KEY
	PersonID   *string `json:"person_id,omitempty" db:"person_id"` // nullable，共享计划通过 schedule_assignments 关联

	Name string `json:"name" db:"name"`

	// 周期：星期（0=周日..6=周六）与当天时间点（"HH:MM"，计划时区下的本地时间）
	Weekdays []int    `json:"weekdays" db:"weekdays"` // INT[]
	Times    []string `json:"times" db:"times"`       // TEXT[]
	Timezone string   `json:"timezone" db:"timezone"` // IANA，如 "Europe/London"

	Topics   []string `json:"topics" db:"topics"`     // 通话话题清单
	Guidance string   `json:"guidance" db:"guidance"` // 给语音助手的自由文本说明

	// 重试策略
	RetryAfterMinutes int `json:"retry_after_minutes" db:"retry_after_minutes"`
	MaxRetries        int `json:"max_retries" db:"max_retries"`

	Active  bool `json:"active" db:"active"`
	Version int  `json:"version" db:"version"` // 每次编辑 +1，用于识别过期的待执行记录

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RetryAfter 重试间隔
func (s *CheckInSchedule) RetryAfter() time.Duration {
	return time.Duration(s.RetryAfterMinutes) * time.Minute
}

// ScheduleAssignment 被监护人与计划的多对多关联（对应 schedule_assignments 表）
type ScheduleAssignment struct {
	AssignmentID string `json:"assignment_id" db:"assignment_id"`
	PersonID     string `json:"person_id" db:"person_id"`
	ScheduleID   string `json:"schedule_id" db:"schedule_id"`
	Active       bool   `json:"active" db:"active"` // false 时暂时排除，不删除关联
}

// ScheduleTarget 扫描使用的 (人, 计划) 组合
type ScheduleTarget struct {
	Person   MonitoredPerson
	Schedule CheckInSchedule
}
