package schedule

import (
	"math/rand"
	"testing"
	"time"

	"eva-checkin/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weekdaySchedule(times ...string) *domain.CheckInSchedule {
	return &domain.CheckInSchedule{
		Weekdays:          []int{1, 2, 3, 4, 5},
		Times:             times,
		Timezone:          "UTC",
		RetryAfterMinutes: 30,
		MaxRetries:        2,
		Active:            true,
	}
}

func TestParseTimeOfDay(t *testing.T) {
	mins, err := ParseTimeOfDay("09:30")
	require.NoError(t, err)
	assert.Equal(t, 570, mins)

	mins, err = ParseTimeOfDay("0:05")
	require.NoError(t, err)
	assert.Equal(t, 5, mins)

	for _, bad := range []string{"", "9", "24:00", "12:60", "12:5", "ab:cd", "12:00:00"} {
		_, err := ParseTimeOfDay(bad)
		assert.ErrorIs(t, err, domain.ErrScheduleInvalid, bad)
	}
}

func TestResolveNext_SameDayBoundaryIsInclusive(t *testing.T) {
	s := weekdaySchedule("09:00")
	// 2024-01-01 是周一
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	next, ok := ResolveNext(s, now)
	require.True(t, ok)
	assert.Equal(t, now, next)
}

func TestResolveNext_LaterTimeToday(t *testing.T) {
	s := weekdaySchedule("18:00", "09:00")
	now := time.Date(2024, 1, 1, 9, 0, 1, 0, time.UTC)

	next, ok := ResolveNext(s, now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC), next)
}

func TestResolveNext_WrapsToNextAllowedDay(t *testing.T) {
	s := weekdaySchedule("09:00")
	// 周五 10:00 之后，下一次是周一
	now := time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)

	next, ok := ResolveNext(s, now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), next)
}

func TestResolveNext_SingleWeekdayWrapsFullWeek(t *testing.T) {
	s := &domain.CheckInSchedule{Weekdays: []int{1}, Times: []string{"08:00"}, Timezone: "UTC", Active: true}
	// 周一 08:01，下一次是七天后的周一
	now := time.Date(2024, 1, 1, 8, 1, 0, 0, time.UTC)

	next, ok := ResolveNext(s, now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 8, 8, 0, 0, 0, time.UTC), next)
}

func TestResolveNext_UsesScheduleTimezone(t *testing.T) {
	s := weekdaySchedule("09:00")
	s.Timezone = "America/New_York"
	// 周一 12:00 UTC = 07:00 纽约
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	next, ok := ResolveNext(s, now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC), next.UTC())
}

func TestResolveNext_None(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	noDays := weekdaySchedule("09:00")
	noDays.Weekdays = nil
	_, ok := ResolveNext(noDays, now)
	assert.False(t, ok)

	noTimes := weekdaySchedule()
	_, ok = ResolveNext(noTimes, now)
	assert.False(t, ok)

	inactive := weekdaySchedule("09:00")
	inactive.Active = false
	_, ok = ResolveNext(inactive, now)
	assert.False(t, ok)

	badZone := weekdaySchedule("09:00")
	badZone.Timezone = "Mars/Olympus"
	_, ok = ResolveNext(badZone, now)
	assert.False(t, ok)

	_, ok = ResolveNext(nil, now)
	assert.False(t, ok)
}

func TestNextN(t *testing.T) {
	s := weekdaySchedule("09:00", "17:30")
	now := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC) // 周五

	got := NextN(s, now, 3)
	require.Len(t, got, 3)
	assert.Equal(t, time.Date(2024, 1, 5, 17, 30, 0, 0, time.UTC), got[0])
	assert.Equal(t, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), got[1])
	assert.Equal(t, time.Date(2024, 1, 8, 17, 30, 0, 0, time.UTC), got[2])
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(weekdaySchedule("09:00")))

	bad := weekdaySchedule("09:00")
	bad.Weekdays = []int{7}
	assert.ErrorIs(t, Validate(bad), domain.ErrScheduleInvalid)

	bad = weekdaySchedule("25:00")
	assert.ErrorIs(t, Validate(bad), domain.ErrScheduleInvalid)

	bad = weekdaySchedule("09:00")
	bad.RetryAfterMinutes = 0
	assert.ErrorIs(t, Validate(bad), domain.ErrScheduleInvalid)

	bad = weekdaySchedule("09:00")
	bad.Timezone = "Nowhere/Zone"
	assert.ErrorIs(t, Validate(bad), domain.ErrScheduleInvalid)
}

// bruteForceNext 逐分钟扫描的参照实现
func bruteForceNext(s *domain.CheckInSchedule, now time.Time) (time.Time, bool) {
	days := weekdaySet(s.Weekdays)
	mins := map[int]bool{}
	for _, m := range sortedMinutes(s.Times) {
		mins[m] = true
	}
	start := now.Truncate(time.Minute)
	if start.Before(now) {
		start = start.Add(time.Minute)
	}
	for c := start; c.Before(now.Add(8 * 24 * time.Hour)); c = c.Add(time.Minute) {
		if days[int(c.Weekday())] && mins[c.Hour()*60+c.Minute()] {
			return c, true
		}
	}
	return time.Time{}, false
}

func TestResolveNext_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 300; i++ {
		s := &domain.CheckInSchedule{Timezone: "UTC", Active: true}
		for d := 0; d < 7; d++ {
			if rng.Intn(3) == 0 {
				s.Weekdays = append(s.Weekdays, d)
			}
		}
		for n := rng.Intn(4); n > 0; n-- {
			s.Times = append(s.Times, FormatTimeOfDay(rng.Intn(24*60)))
		}
		now := base.Add(time.Duration(rng.Int63n(int64(30 * 24 * time.Hour))))

		got, ok := ResolveNext(s, now)
		want, wantOK := bruteForceNext(s, now)

		if len(s.Weekdays) == 0 || len(s.Times) == 0 {
			assert.False(t, ok, "schedule %+v", s)
			continue
		}
		require.Equal(t, wantOK, ok, "schedule %+v now %s", s, now)
		require.True(t, ok)
		assert.Equal(t, want, got, "schedule %+v now %s", s, now)
		assert.False(t, got.Before(now))
		assert.Contains(t, s.Weekdays, int(got.Weekday()))
		assert.Contains(t, s.Times, FormatTimeOfDay(got.Hour()*60+got.Minute()))
	}
}
