package consumer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eva-checkin/internal/config"
	"eva-checkin/internal/domain"
	"eva-checkin/internal/repository"
	"eva-checkin/internal/service"
	"eva-checkin/internal/store"
)

// dispatchConcurrency 单次扫描并发拨出上限
const dispatchConcurrency = 8

// SweepStats 单次扫描结果
type SweepStats struct {
	Skipped    bool // 未取得租约
	Expired    int
	TimedOut   int
	Scheduled  int
	Dispatched int
}

// Sweep 定时扫描：过期/超时处理、物化下一次问候、拨出到期呼叫。
// 重叠运行是安全的（唯一约束在数据层），租约只用于减少重复工作。
type Sweep struct {
	config    *config.Config
	store     repository.Store
	lifecycle *service.Lifecycle
	lease     *store.Lease
	logger    *zap.Logger
}

// NewSweep 创建扫描器；kv 为 nil 时不使用租约
func NewSweep(
	cfg *config.Config,
	st repository.Store,
	lifecycle *service.Lifecycle,
	kv store.KV,
	logger *zap.Logger,
) *Sweep {
	s := &Sweep{
		config:    cfg,
		store:     st,
		lifecycle: lifecycle,
		logger:    logger,
	}
	if kv != nil {
		s.lease = store.NewLease(kv, cfg.Sweep.LeaseKey, cfg.Sweep.Interval)
	}
	return s
}

// Start 启动扫描循环（立即执行一次，之后按 Interval 轮询）
func (s *Sweep) Start(ctx context.Context) error {
	s.logger.Info("Scheduling sweep started",
		zap.Duration("interval", s.config.Sweep.Interval),
		zap.Int("batch_size", s.config.Sweep.BatchSize),
	)

	ticker := time.NewTicker(s.config.Sweep.Interval)
	defer ticker.Stop()

	s.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduling sweep stopped")
			return nil
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Sweep) runLogged(ctx context.Context) {
	stats, err := s.RunOnce(ctx)
	if err != nil {
		// 继续下一轮，不中断
		s.logger.Error("Sweep run failed", zap.Error(err))
		return
	}
	if stats.Skipped {
		s.logger.Debug("Sweep skipped, lease held elsewhere")
		return
	}
	s.logger.Info("Sweep run finished",
		zap.Int("expired", stats.Expired),
		zap.Int("timed_out", stats.TimedOut),
		zap.Int("scheduled", stats.Scheduled),
		zap.Int("dispatched", stats.Dispatched),
	)
}

// RunOnce 执行一轮扫描。单条记录的错误只记录日志；读取失败时返回错误。
func (s *Sweep) RunOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	if s.lease != nil {
		ok, err := s.lease.TryAcquire(ctx)
		if err != nil {
			return stats, err
		}
		if !ok {
			stats.Skipped = true
			return stats, nil
		}
		defer func() {
			if err := s.lease.Release(context.Background()); err != nil {
				s.logger.Warn("Failed to release sweep lease", zap.Error(err))
			}
		}()
	}

	var err error
	if stats.Expired, err = s.expireMissed(ctx); err != nil {
		return stats, err
	}
	if stats.TimedOut, err = s.failTimedOut(ctx); err != nil {
		return stats, err
	}
	if stats.Scheduled, err = s.scheduleTargets(ctx); err != nil {
		return stats, err
	}
	if stats.Dispatched, err = s.dispatchDue(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *Sweep) listExecutions(ctx context.Context, fn func(repository.ExecutionsRepository) ([]domain.ScheduledCallExecution, error)) ([]domain.ScheduledCallExecution, error) {
	var out []domain.ScheduledCallExecution
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		out, err = fn(tx.Executions())
		return err
	})
	return out, err
}

// expireMissed 超过 MissedWindow 仍未拨出的待执行记录取消为 expired，过期的重试按失败尝试继续处理
func (s *Sweep) expireMissed(ctx context.Context) (int, error) {
	before := s.lifecycle.Now().Add(-s.config.Sweep.MissedWindow)
	stale, err := s.listExecutions(ctx, func(r repository.ExecutionsRepository) ([]domain.ScheduledCallExecution, error) {
		return r.ListStalePending(ctx, before, s.config.Sweep.BatchSize)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list stale pending executions: %w", err)
	}
	n := 0
	for _, e := range stale {
		cancelled, err := s.lifecycle.Expire(ctx, e.ExecutionID)
		if err != nil {
			s.logger.Error("Failed to expire execution",
				zap.String("execution_id", e.ExecutionID),
				zap.Error(err),
			)
			continue
		}
		if cancelled {
			n++
			s.logger.Warn("Missed check-in expired",
				zap.String("execution_id", e.ExecutionID),
				zap.String("person_id", e.PersonID),
				zap.Time("scheduled_for", e.ScheduledFor),
			)
		}
	}
	return n, nil
}

// failTimedOut 超过 CallTimeout 未回调的执行按 timeout 失败处理
func (s *Sweep) failTimedOut(ctx context.Context) (int, error) {
	before := s.lifecycle.Now().Add(-s.config.Sweep.CallTimeout)
	stale, err := s.listExecutions(ctx, func(r repository.ExecutionsRepository) ([]domain.ScheduledCallExecution, error) {
		return r.ListStaleInProgress(ctx, before, s.config.Sweep.BatchSize)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list stale in-progress executions: %w", err)
	}
	n := 0
	for _, e := range stale {
		_, err := s.lifecycle.HandleOutcome(ctx, domain.OutcomeReport{
			ExecutionID: e.ExecutionID,
			Outcome:     domain.OutcomeFailed,
			Timeout:     true,
		})
		if err != nil {
			s.logger.Error("Failed to time out execution",
				zap.String("execution_id", e.ExecutionID),
				zap.Error(err),
			)
			continue
		}
		n++
	}
	return n, nil
}

// scheduleTargets 分页遍历启用的 (人, 计划)，为每个组合物化下一次问候
func (s *Sweep) scheduleTargets(ctx context.Context) (int, error) {
	batch := s.config.Sweep.BatchSize
	created := 0
	for offset := 0; ; offset += batch {
		var targets []domain.ScheduleTarget
		err := s.store.InTx(ctx, func(tx repository.Tx) error {
			var err error
			targets, err = tx.Schedules().ListActiveTargets(ctx, batch, offset)
			return err
		})
		if err != nil {
			return created, fmt.Errorf("failed to list schedule targets: %w", err)
		}

		for _, target := range targets {
			select {
			case <-ctx.Done():
				return created, ctx.Err()
			default:
			}
			e, err := s.lifecycle.ScheduleNext(ctx, target)
			if err != nil {
				s.logger.Error("Failed to schedule next check-in",
					zap.String("person_id", target.Person.PersonID),
					zap.String("schedule_id", target.Schedule.ScheduleID),
					zap.Error(err),
				)
				continue
			}
			if e != nil {
				created++
			}
		}
		if len(targets) < batch {
			return created, nil
		}
	}
}

// dispatchDue 并发拨出到期的待执行呼叫
func (s *Sweep) dispatchDue(ctx context.Context) (int, error) {
	now := s.lifecycle.Now()
	due, err := s.listExecutions(ctx, func(r repository.ExecutionsRepository) ([]domain.ScheduledCallExecution, error) {
		return r.ListDue(ctx, now, s.config.Sweep.BatchSize)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list due executions: %w", err)
	}

	var dispatched int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dispatchConcurrency)
	for _, e := range due {
		executionID := e.ExecutionID
		g.Go(func() error {
			if err := s.lifecycle.Dispatch(gctx, executionID); err != nil {
				s.logger.Error("Failed to dispatch call",
					zap.String("execution_id", executionID),
					zap.Error(err),
				)
				return nil
			}
			atomic.AddInt64(&dispatched, 1)
			return nil
		})
	}
	_ = g.Wait()
	return int(dispatched), nil
}
