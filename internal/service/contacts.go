package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"eva-checkin/internal/dispatcher"
	"eva-checkin/internal/domain"
	"eva-checkin/internal/repository"
)

// ContactResolver 被监护人的紧急联系人列表，优先级在同一人下唯一。
// 冲突时直接拒绝，不自动顺延其他联系人的优先级。
type ContactResolver struct {
	store       repository.Store
	phoneRegion string
	logger      *zap.Logger
}

// NewContactResolver 创建 ContactResolver
func NewContactResolver(store repository.Store, phoneRegion string, logger *zap.Logger) *ContactResolver {
	return &ContactResolver{store: store, phoneRegion: phoneRegion, logger: logger}
}

// AssignRequest 新增联系人关联
type AssignRequest struct {
	PersonID  string
	ContactID string
	Priority  int
	Relation  string
}

// List 按优先级升序（包含停用的联系人）
func (r *ContactResolver) List(ctx context.Context, personID string) ([]domain.PrioritizedContact, error) {
	var out []domain.PrioritizedContact
	err := r.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.Persons().GetPerson(ctx, personID); err != nil {
			return err
		}
		var err error
		out, err = tx.Contacts().ListForPerson(ctx, personID, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	return out, nil
}

// Assign 新增关联；priority 已被占用时返回 domain.ErrConflict
func (r *ContactResolver) Assign(ctx context.Context, req AssignRequest) (*domain.ContactAssignment, error) {
	if req.Priority <= 0 {
		return nil, fmt.Errorf("priority must be positive: %w", domain.ErrInvalidArgument)
	}
	a := &domain.ContactAssignment{
		PersonID:  req.PersonID,
		ContactID: req.ContactID,
		Priority:  req.Priority,
		Relation:  req.Relation,
	}
	err := r.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.Persons().GetPerson(ctx, req.PersonID); err != nil {
			return err
		}
		contact, err := tx.Contacts().GetContact(ctx, req.ContactID)
		if err != nil {
			return err
		}
		if _, err := dispatcher.NormalizePhone(contact.Phone, r.phoneRegion); err != nil {
			return fmt.Errorf("contact %s: %w", contact.ContactID, err)
		}
		taken, err := tx.Contacts().PriorityTaken(ctx, req.PersonID, req.Priority, "")
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("priority %d already used for person %s: %w", req.Priority, req.PersonID, domain.ErrConflict)
		}
		return tx.Contacts().CreateAssignment(ctx, a)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assign contact: %w", err)
	}
	r.logger.Info("Emergency contact assigned",
		zap.String("person_id", a.PersonID),
		zap.String("contact_id", a.ContactID),
		zap.Int("priority", a.Priority),
	)
	return a, nil
}

// Reprioritize 修改优先级；与该人其他关联冲突时返回 domain.ErrConflict
func (r *ContactResolver) Reprioritize(ctx context.Context, assignmentID string, priority int) (*domain.ContactAssignment, error) {
	if priority <= 0 {
		return nil, fmt.Errorf("priority must be positive: %w", domain.ErrInvalidArgument)
	}
	var out *domain.ContactAssignment
	err := r.store.InTx(ctx, func(tx repository.Tx) error {
		a, err := tx.Contacts().GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if a.Priority != priority {
			taken, err := tx.Contacts().PriorityTaken(ctx, a.PersonID, priority, assignmentID)
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("priority %d already used for person %s: %w", priority, a.PersonID, domain.ErrConflict)
			}
			if err := tx.Contacts().UpdatePriority(ctx, assignmentID, priority); err != nil {
				return err
			}
		}
		out, err = tx.Contacts().GetAssignment(ctx, assignmentID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reprioritize contact: %w", err)
	}
	return out, nil
}
