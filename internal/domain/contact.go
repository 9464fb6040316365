package domain

import "time"

// EmergencyContact 紧急联系人（对应 emergency_contacts 表）
type EmergencyContact struct {
	ContactID string    `json:"contact_id" db:"contact_id"`
	Name      string    `json:"name" db:"name"`
	Phone     string    `json:"phone" db:"phone"`
	Email     *string   `json:"email,omitempty" db:"email"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ContactAssignment 被监护人与联系人的关联（对应 contact_assignments 表）
// UNIQUE(person_id, priority)
type ContactAssignment struct {
	AssignmentID string    `json:"assignment_id" db:"assignment_id"`
	PersonID     string    `json:"person_id" db:"person_id"`
	ContactID    string    `json:"contact_id" db:"contact_id"`
	Priority     int       `json:"priority" db:"priority"` // 正整数，越小越先联系，不要求连续
	Relation     string    `json:"relation" db:"relation"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// PrioritizedContact 按优先级排序的联系人条目
type PrioritizedContact struct {
	Assignment ContactAssignment `json:"assignment"`
	Contact    EmergencyContact  `json:"contact"`
}
