package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"eva-checkin/internal/domain"
)

// PostgresContactsRepository 紧急联系人 Repository 实现
type PostgresContactsRepository struct {
	q querier
}

// 确保实现了接口
var _ ContactsRepository = (*PostgresContactsRepository)(nil)

// ListForPerson 按 priority 升序
func (r *PostgresContactsRepository) ListForPerson(ctx context.Context, personID string, activeOnly bool) ([]domain.PrioritizedContact, error) {
	query := `
		SELECT a.assignment_id, a.person_id, a.contact_id, a.priority, a.relation, a.created_at, a.updated_at,
			c.contact_id, c.name, c.phone, c.email, c.active, c.created_at
		FROM contact_assignments a
		JOIN emergency_contacts c ON c.contact_id = a.contact_id
		WHERE a.person_id = $1`
	if activeOnly {
		query += ` AND c.active`
	}
	query += ` ORDER BY a.priority ASC`

	rows, err := r.q.QueryContext(ctx, query, personID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var out []domain.PrioritizedContact
	for rows.Next() {
		var (
			pc    domain.PrioritizedContact
			email sql.NullString
		)
		a, c := &pc.Assignment, &pc.Contact
		if err := rows.Scan(
			&a.AssignmentID, &a.PersonID, &a.ContactID, &a.Priority, &a.Relation, &a.CreatedAt, &a.UpdatedAt,
			&c.ContactID, &c.Name, &c.Phone, &email, &c.Active, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		c.Email = stringPtr(email)
		out = append(out, pc)
	}
	return out, rows.Err()
}

// GetContact 按 ID 获取联系人
func (r *PostgresContactsRepository) GetContact(ctx context.Context, contactID string) (*domain.EmergencyContact, error) {
	var (
		c     domain.EmergencyContact
		email sql.NullString
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT contact_id, name, phone, email, active, created_at
		FROM emergency_contacts
		WHERE contact_id = $1`, contactID,
	).Scan(&c.ContactID, &c.Name, &c.Phone, &email, &c.Active, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "contact", contactID)
	}
	c.Email = stringPtr(email)
	return &c, nil
}

// GetAssignment 按 ID 获取关联
func (r *PostgresContactsRepository) GetAssignment(ctx context.Context, assignmentID string) (*domain.ContactAssignment, error) {
	var a domain.ContactAssignment
	err := r.q.QueryRowContext(ctx, `
		SELECT assignment_id, person_id, contact_id, priority, relation, created_at, updated_at
		FROM contact_assignments
		WHERE assignment_id = $1`, assignmentID,
	).Scan(&a.AssignmentID, &a.PersonID, &a.ContactID, &a.Priority, &a.Relation, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "contact assignment", assignmentID)
	}
	return &a, nil
}

// PriorityTaken 该人下 priority 是否已占用
func (r *PostgresContactsRepository) PriorityTaken(ctx context.Context, personID string, priority int, excludeAssignmentID string) (bool, error) {
	var taken bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM contact_assignments
			WHERE person_id = $1 AND priority = $2 AND assignment_id::text <> $3
		)`, personID, priority, excludeAssignmentID,
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("failed to check priority: %w", err)
	}
	return taken, nil
}

// contact_assignments 上的唯一约束（schema.sql）
const constraintAssignmentPriority = "uq_contact_assignments_priority"

// CreateAssignment 创建关联
func (r *PostgresContactsRepository) CreateAssignment(ctx context.Context, a *domain.ContactAssignment) error {
	if a.AssignmentID == "" {
		a.AssignmentID = uuid.New().String()
	}
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO contact_assignments (assignment_id, person_id, contact_id, priority, relation)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		a.AssignmentID, a.PersonID, a.ContactID, a.Priority, a.Relation,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if uniqueViolation(err) {
		if violatedConstraint(err) == constraintAssignmentPriority {
			return fmt.Errorf("priority %d already used for person %s: %w", a.Priority, a.PersonID, domain.ErrConflict)
		}
		return fmt.Errorf("contact %s already assigned to person %s: %w", a.ContactID, a.PersonID, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create contact assignment: %w", err)
	}
	return nil
}

// UpdatePriority 修改优先级
func (r *PostgresContactsRepository) UpdatePriority(ctx context.Context, assignmentID string, priority int) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE contact_assignments
		SET priority = $2, updated_at = now()
		WHERE assignment_id = $1`, assignmentID, priority)
	if uniqueViolation(err) {
		return fmt.Errorf("priority %d already used: %w", priority, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to update priority: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("contact assignment %s: %w", assignmentID, domain.ErrNotFound)
	}
	return nil
}
