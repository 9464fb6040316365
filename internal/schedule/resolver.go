// Package schedule 计算周期问候呼叫的下一次到期时间。
// 纯函数，无副作用。
package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"eva-checkin/internal/domain"
)

// scanDays 从 now 的本地日期开始向后扫描的天数（含当天），覆盖一周回绕
const scanDays = 8

// ParseTimeOfDay 解析 "HH:MM"（24 小时制），返回当天的分钟数
func ParseTimeOfDay(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("%w: time %q must be HH:MM", domain.ErrScheduleInvalid, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: hour in %q", domain.ErrScheduleInvalid, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: minute in %q", domain.ErrScheduleInvalid, s)
	}
	return h*60 + m, nil
}

// FormatTimeOfDay 分钟数格式化为 "HH:MM"
func FormatTimeOfDay(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// Validate 校验计划定义，供写入前使用
func Validate(s *domain.CheckInSchedule) error {
	if len(s.Weekdays) == 0 {
		return fmt.Errorf("%w: no weekdays", domain.ErrScheduleInvalid)
	}
	for _, d := range s.Weekdays {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: weekday %d out of range 0-6", domain.ErrScheduleInvalid, d)
		}
	}
	if len(s.Times) == 0 {
		return fmt.Errorf("%w: no times", domain.ErrScheduleInvalid)
	}
	for _, t := range s.Times {
		if _, err := ParseTimeOfDay(t); err != nil {
			return err
		}
	}
	if _, err := loadLocation(s.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q", domain.ErrScheduleInvalid, s.Timezone)
	}
	if s.RetryAfterMinutes < 0 || s.MaxRetries < 0 {
		return fmt.Errorf("%w: retry policy must not be negative", domain.ErrScheduleInvalid)
	}
	if s.MaxRetries > 0 && s.RetryAfterMinutes == 0 {
		return fmt.Errorf("%w: retry_after_minutes required when max_retries > 0", domain.ErrScheduleInvalid)
	}
	return nil
}

// ResolveNext 返回 >= now 的最早到期时刻；计划停用或没有可用星期/时间点时返回 false
func ResolveNext(s *domain.CheckInSchedule, now time.Time) (time.Time, bool) {
	if s == nil || !s.Active {
		return time.Time{}, false
	}
	loc, err := loadLocation(s.Timezone)
	if err != nil {
		return time.Time{}, false
	}

	days := weekdaySet(s.Weekdays)
	minutes := sortedMinutes(s.Times)
	if len(days) == 0 || len(minutes) == 0 {
		return time.Time{}, false
	}

	local := now.In(loc)
	y, m, d := local.Date()
	for offset := 0; offset < scanDays; offset++ {
		day := time.Date(y, m, d+offset, 0, 0, 0, 0, loc)
		if !days[int(day.Weekday())] {
			continue
		}
		for _, mins := range minutes {
			candidate := time.Date(y, m, d+offset, mins/60, mins%60, 0, 0, loc)
			if !candidate.Before(now) {
				return candidate, true
			}
		}
	}
	return time.Time{}, false
}

// NextN 从 now 起连续 n 个到期时刻（用于预览）
func NextN(s *domain.CheckInSchedule, now time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	ref := now
	for len(out) < n {
		next, ok := ResolveNext(s, ref)
		if !ok {
			break
		}
		out = append(out, next)
		ref = next.Add(time.Minute)
	}
	return out
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

func weekdaySet(weekdays []int) map[int]bool {
	set := make(map[int]bool, len(weekdays))
	for _, d := range weekdays {
		if d >= 0 && d <= 6 {
			set[d] = true
		}
	}
	return set
}

// sortedMinutes 解析时间点并升序去重；非法条目忽略
func sortedMinutes(times []string) []int {
	seen := make(map[int]bool, len(times))
	out := make([]int, 0, len(times))
	for _, t := range times {
		mins, err := ParseTimeOfDay(t)
		if err != nil || seen[mins] {
			continue
		}
		seen[mins] = true
		out = append(out, mins)
	}
	sort.Ints(out)
	return out
}
