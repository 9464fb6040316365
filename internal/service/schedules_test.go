package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eva-checkin/internal/domain"
)

func TestScheduleService_UpdateCancelsPendingAndBumpsVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.addPerson("p1", true)
	sc := weekdaySchedule("s1", "p1", 2)
	h.store.AddSchedule(sc)

	e, err := h.lc.ScheduleNext(ctx, domain.ScheduleTarget{Person: p, Schedule: sc})
	require.NoError(t, err)
	require.NotNil(t, e)

	edited := sc
	edited.Times = []string{"10:30"}
	updated, cancelled, err := h.schedules.Update(ctx, &edited)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cancelled)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, []string{"10:30"}, updated.Times)

	old, err := h.lc.ListExecutions(ctx, domain.ExecutionFilters{Statuses: []domain.ExecutionStatus{domain.ExecutionCancelled}})
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, domain.FailureScheduleChanged, *old[0].FailureReason)

	next, err := h.lc.ScheduleNext(ctx, domain.ScheduleTarget{Person: p, Schedule: *updated})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.ScheduleVersion)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC), next.ScheduledFor)
}

func TestScheduleService_UpdateRejectsInvalid(t *testing.T) {
	h := newHarness(t)
	sc := weekdaySchedule("s1", "p1", 2)
	h.store.AddSchedule(sc)

	bad := sc
	bad.Times = []string{"25:00"}
	_, _, err := h.schedules.Update(context.Background(), &bad)
	assert.ErrorIs(t, err, domain.ErrScheduleInvalid)

	got, err := h.schedules.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
}

func TestScheduleService_DeleteStopsScheduling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.addPerson("p1", true)
	sc := weekdaySchedule("s1", "p1", 2)
	h.store.AddSchedule(sc)
	_, err := h.lc.ScheduleNext(ctx, domain.ScheduleTarget{Person: p, Schedule: sc})
	require.NoError(t, err)

	cancelled, err := h.schedules.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cancelled)

	_, err = h.schedules.Get(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.schedules.Delete(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestScheduleService_NextDue(t *testing.T) {
	h := newHarness(t)
	h.store.AddSchedule(weekdaySchedule("s1", "p1", 2))

	// 周五 10:00 之后：下一个是周一 09:00
	friday := time.Date(2026, 3, 6, 10, 0, 0, 0, time.UTC)
	got, err := h.schedules.NextDue(context.Background(), "s1", friday, 2)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}, got)

	got, err = h.schedules.NextDue(context.Background(), "s1", time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}, got)
}

func TestScheduleNext_NoDuplicateAndStaleVersionSuperseded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.addPerson("p1", true)
	sc := weekdaySchedule("s1", "p1", 2)
	h.store.AddSchedule(sc)

	first, err := h.lc.ScheduleNext(ctx, domain.ScheduleTarget{Person: p, Schedule: sc})
	require.NoError(t, err)
	require.NotNil(t, first)

	again, err := h.lc.ScheduleNext(ctx, domain.ScheduleTarget{Person: p, Schedule: sc})
	require.NoError(t, err)
	assert.Nil(t, again)

	newer := sc
	newer.Version = 2
	replaced, err := h.lc.ScheduleNext(ctx, domain.ScheduleTarget{Person: p, Schedule: newer})
	require.NoError(t, err)
	require.NotNil(t, replaced)
	assert.Equal(t, 2, replaced.ScheduleVersion)
	assert.Equal(t, first.ScheduledFor, replaced.ScheduledFor)

	stale, err := h.lc.ListExecutions(ctx, domain.ExecutionFilters{Statuses: []domain.ExecutionStatus{domain.ExecutionCancelled}})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, first.ExecutionID, stale[0].ExecutionID)
	assert.Equal(t, domain.FailureSuperseded, *stale[0].FailureReason)
}

func TestScheduleNext_AdvancesPastCompletedOccurrence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.addPerson("p1", true)
	sc := weekdaySchedule("s1", "p1", 2)
	h.store.AddSchedule(sc)

	e, err := h.lc.ScheduleNext(ctx, domain.ScheduleTarget{Person: p, Schedule: sc})
	require.NoError(t, err)
	h.now = e.ScheduledFor
	require.NoError(t, h.lc.Dispatch(ctx, e.ExecutionID))
	_, err = h.lc.HandleOutcome(ctx, domain.OutcomeReport{ExecutionID: e.ExecutionID, Outcome: domain.OutcomeAnswered})
	require.NoError(t, err)

	// 同一分钟内再次扫描不会重复物化 09:00
	next, err := h.lc.ScheduleNext(ctx, domain.ScheduleTarget{Person: p, Schedule: sc})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), next.ScheduledFor)
}
