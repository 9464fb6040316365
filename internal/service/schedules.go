package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"eva-checkin/internal/domain"
	"eva-checkin/internal/repository"
	"eva-checkin/internal/schedule"
)

// ScheduleService 计划编辑与预览。编辑/删除在同一事务内取消旧版本的待执行呼叫。
type ScheduleService struct {
	store  repository.Store
	now    func() time.Time
	logger *zap.Logger
}

// NewScheduleService 创建 ScheduleService
func NewScheduleService(store repository.Store, logger *zap.Logger) *ScheduleService {
	return &ScheduleService{store: store, now: time.Now, logger: logger}
}

// SetClock 替换时钟（测试用）
func (s *ScheduleService) SetClock(now func() time.Time) { s.now = now }

// Get 获取计划
func (s *ScheduleService) Get(ctx context.Context, scheduleID string) (*domain.CheckInSchedule, error) {
	var out *domain.CheckInSchedule
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		out, err = tx.Schedules().GetSchedule(ctx, scheduleID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return out, nil
}

// Update 校验并保存新定义，返回新版本与被取消的待执行数
func (s *ScheduleService) Update(ctx context.Context, sc *domain.CheckInSchedule) (*domain.CheckInSchedule, int64, error) {
	if err := schedule.Validate(sc); err != nil {
		return nil, 0, err
	}
	var (
		out       *domain.CheckInSchedule
		cancelled int64
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.Schedules().UpdateSchedule(ctx, sc); err != nil {
			return err
		}
		var err error
		if cancelled, err = tx.Executions().CancelPendingForSchedule(ctx, sc.ScheduleID, domain.FailureScheduleChanged); err != nil {
			return err
		}
		out, err = tx.Schedules().GetSchedule(ctx, sc.ScheduleID)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to update schedule: %w", err)
	}
	s.logger.Info("Schedule updated",
		zap.String("schedule_id", out.ScheduleID),
		zap.Int("version", out.Version),
		zap.Int64("cancelled_pending", cancelled),
	)
	return out, cancelled, nil
}

// Delete 软删除计划，取消其待执行呼叫（执行中的不受影响）
func (s *ScheduleService) Delete(ctx context.Context, scheduleID string) (int64, error) {
	var cancelled int64
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.Schedules().DeleteSchedule(ctx, scheduleID); err != nil {
			return err
		}
		var err error
		cancelled, err = tx.Executions().CancelPendingForSchedule(ctx, scheduleID, domain.FailureScheduleChanged)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete schedule: %w", err)
	}
	s.logger.Info("Schedule deleted",
		zap.String("schedule_id", scheduleID),
		zap.Int64("cancelled_pending", cancelled),
	)
	return cancelled, nil
}

// NextDue 从 from（为零值时取当前时间）起的 n 个到期时间
func (s *ScheduleService) NextDue(ctx context.Context, scheduleID string, from time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		n = 1
	}
	if n > 50 {
		n = 50
	}
	if from.IsZero() {
		from = s.now()
	}
	sc, err := s.Get(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	return schedule.NextN(sc, from, n), nil
}
