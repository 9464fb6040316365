package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eva-checkin/internal/domain"
)

func TestContactResolver_AssignAndList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addPerson("p1", true)
	h.addContact(t, "p1", "c2", phoneB, 5)
	h.addContact(t, "p1", "c1", phoneA, 2)
	h.store.AddContact(domain.EmergencyContact{ContactID: "c3", Name: "c3", Phone: phoneC, Active: false})
	_, err := h.contacts.Assign(ctx, AssignRequest{PersonID: "p1", ContactID: "c3", Priority: 9})
	require.NoError(t, err)

	list, err := h.contacts.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c1", list[0].Contact.ContactID)
	assert.Equal(t, "c2", list[1].Contact.ContactID)
	assert.Equal(t, "c3", list[2].Contact.ContactID)
	assert.False(t, list[2].Contact.Active)

	_, err = h.contacts.List(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestContactResolver_AssignRejectsDuplicatePriority(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addPerson("p1", true)
	h.addContact(t, "p1", "c1", phoneA, 1)
	h.store.AddContact(domain.EmergencyContact{ContactID: "c2", Name: "c2", Phone: phoneB, Active: true})

	_, err := h.contacts.Assign(ctx, AssignRequest{PersonID: "p1", ContactID: "c2", Priority: 1})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = h.contacts.Assign(ctx, AssignRequest{PersonID: "p1", ContactID: "c2", Priority: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = h.contacts.Assign(ctx, AssignRequest{PersonID: "p1", ContactID: "nobody", Priority: 3})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := h.contacts.List(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestContactResolver_AssignRejectsInvalidPhone(t *testing.T) {
	h := newHarness(t)
	h.addPerson("p1", true)
	h.store.AddContact(domain.EmergencyContact{ContactID: "c1", Name: "c1", Phone: "12", Active: true})

	_, err := h.contacts.Assign(context.Background(), AssignRequest{PersonID: "p1", ContactID: "c1", Priority: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestContactResolver_Reprioritize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addPerson("p1", true)
	h.addContact(t, "p1", "c1", phoneA, 1)
	h.addContact(t, "p1", "c2", phoneB, 2)

	list, err := h.contacts.List(ctx, "p1")
	require.NoError(t, err)
	second := list[1].Assignment.AssignmentID

	_, err = h.contacts.Reprioritize(ctx, second, 1)
	assert.ErrorIs(t, err, domain.ErrConflict)

	same, err := h.contacts.Reprioritize(ctx, second, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, same.Priority)

	moved, err := h.contacts.Reprioritize(ctx, second, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Nil(t, moved)

	moved, err = h.contacts.Reprioritize(ctx, second, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, moved.Priority)

	// 优先级不要求连续，顺序随之变化
	_, err = h.contacts.Reprioritize(ctx, list[0].Assignment.AssignmentID, 10)
	require.NoError(t, err)
	list, err = h.contacts.List(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "c2", list[0].Contact.ContactID)
	assert.Equal(t, "c1", list[1].Contact.ContactID)

	_, err = h.contacts.Reprioritize(ctx, "missing", 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
