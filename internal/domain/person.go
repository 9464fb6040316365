package domain

// MonitoredPerson 被监护人（对应 monitored_persons 表）
// 本服务只读；档案和授权由外部系统维护
type MonitoredPerson struct {
	PersonID          string `json:"person_id" db:"person_id"`                   // UUID, PRIMARY KEY
	DisplayName       string `json:"display_name" db:"display_name"`             // VARCHAR(100)
	Phone             string `json:"phone" db:"phone"`                           // VARCHAR(25), E.164
	Timezone          string `json:"timezone" db:"timezone"`                     // IANA 时区
	EscalationConsent bool   `json:"escalation_consent" db:"escalation_consent"` // 是否允许联系紧急联系人
}
