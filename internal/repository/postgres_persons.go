package repository

import (
	"context"

	"eva-checkin/internal/domain"
)

// PostgresPersonsRepository 被监护人只读访问
type PostgresPersonsRepository struct {
	q querier
}

var _ PersonsRepository = (*PostgresPersonsRepository)(nil)

// GetPerson 按 ID 获取被监护人
func (r *PostgresPersonsRepository) GetPerson(ctx context.Context, personID string) (*domain.MonitoredPerson, error) {
	var p domain.MonitoredPerson
	err := r.q.QueryRowContext(ctx, `
		SELECT person_id, display_name, phone, timezone, escalation_consent
		FROM monitored_persons
		WHERE person_id = $1`, personID,
	).Scan(&p.PersonID, &p.DisplayName, &p.Phone, &p.Timezone, &p.EscalationConsent)
	if err != nil {
		return nil, notFound(err, "person", personID)
	}
	return &p, nil
}
