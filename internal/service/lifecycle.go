// Package service 呼叫执行生命周期、紧急联系人、升级编排与计划维护。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"eva-checkin/internal/dispatcher"
	"eva-checkin/internal/domain"
	"eva-checkin/internal/repository"
	"eva-checkin/internal/schedule"
)

// PurposeCheckIn 定时问候呼叫
const PurposeCheckIn = "check_in"

// Lifecycle 执行生命周期管理
// pending -> in_progress -> completed/failed；failed 时按计划重试或交给升级编排
type Lifecycle struct {
	store       repository.Store
	dispatcher  dispatcher.Dispatcher
	alerter     Alerter
	escalation  *Orchestrator
	phoneRegion string
	now         func() time.Time
	logger      *zap.Logger
}

// NewLifecycle 创建生命周期管理器
func NewLifecycle(
	store repository.Store,
	d dispatcher.Dispatcher,
	alerter Alerter,
	phoneRegion string,
	logger *zap.Logger,
) *Lifecycle {
	if alerter == nil {
		alerter = NewLogAlerter(logger)
	}
	return &Lifecycle{
		store:       store,
		dispatcher:  d,
		alerter:     alerter,
		phoneRegion: phoneRegion,
		now:         time.Now,
		logger:      logger,
	}
}

// SetClock 替换时钟（测试用）
func (l *Lifecycle) SetClock(now func() time.Time) { l.now = now }

// Now 当前时间
func (l *Lifecycle) Now() time.Time { return l.now() }

// ScheduleNext 为 (人, 计划) 物化下一次问候呼叫。
// 已有未结束的执行时不创建；版本过期的待执行记录先取消。
func (l *Lifecycle) ScheduleNext(ctx context.Context, target domain.ScheduleTarget) (*domain.ScheduledCallExecution, error) {
	now := l.now()
	sc := target.Schedule
	fx := &effects{}
	var created *domain.ScheduledCallExecution

	err := l.store.InTx(ctx, func(tx repository.Tx) error {
		open, err := tx.Executions().FindOpenForTarget(ctx, target.Person.PersonID, sc.ScheduleID)
		if err != nil {
			return err
		}
		var current []domain.ScheduledCallExecution
		for _, e := range open {
			if e.Status == domain.ExecutionPending && e.ScheduleVersion != sc.Version {
				if _, err := tx.Executions().Cancel(ctx, e.ExecutionID, domain.FailureSuperseded); err != nil {
					return err
				}
				l.logger.Info("Superseded pending execution from old schedule version",
					zap.String("execution_id", e.ExecutionID),
					zap.Int("execution_version", e.ScheduleVersion),
					zap.Int("schedule_version", sc.Version),
				)
				continue
			}
			current = append(current, e)
		}
		if pendingCount(current) > 1 {
			fx.alert(OperatorAlert{
				Kind:     AlertIntegrity,
				PersonID: target.Person.PersonID,
				Message:  fmt.Sprintf("%d pending executions for schedule %s", pendingCount(current), sc.ScheduleID),
			})
		}
		if len(current) > 0 {
			return nil
		}

		ref := now
		latest, err := tx.Executions().LatestScheduledOccurrence(ctx, target.Person.PersonID, sc.ScheduleID)
		if err != nil {
			return err
		}
		if latest != nil {
			if after := latest.Add(time.Minute); after.After(ref) {
				ref = after
			}
		}
		next, ok := schedule.ResolveNext(&sc, ref)
		if !ok {
			return nil
		}

		scheduleID := sc.ScheduleID
		e := &domain.ScheduledCallExecution{
			PersonID:        target.Person.PersonID,
			ScheduleID:      &scheduleID,
			ScheduleVersion: sc.Version,
			CallType:        domain.CallTypeScheduled,
			Status:          domain.ExecutionPending,
			ScheduledFor:    next,
			TargetPhone:     target.Person.Phone,
			Purpose:         PurposeCheckIn,
		}
		inserted, err := tx.Executions().InsertPending(ctx, e)
		if err != nil {
			return err
		}
		if inserted {
			created = e
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule next call: %w", err)
	}
	l.flush(ctx, fx)
	return created, nil
}

func pendingCount(list []domain.ScheduledCallExecution) int {
	n := 0
	for _, e := range list {
		if e.Status == domain.ExecutionPending {
			n++
		}
	}
	return n
}

// Dispatch 认领并发起呼叫。认领失败（已被处理）时直接返回。
// 服务商错误按 failed(provider_error) 走结果处理，不向调用方报错。
func (l *Lifecycle) Dispatch(ctx context.Context, executionID string) error {
	var req *dispatcher.CallRequest

	err := l.store.InTx(ctx, func(tx repository.Tx) error {
		e, err := tx.Executions().Get(ctx, executionID)
		if err != nil {
			return err
		}
		claimed, err := tx.Executions().Claim(ctx, executionID, l.now())
		if err != nil || !claimed {
			return err
		}
		req = &dispatcher.CallRequest{
			ExecutionID: e.ExecutionID,
			PersonID:    e.PersonID,
			PhoneNumber: e.TargetPhone,
			Purpose:     e.Purpose,
		}
		if e.IncidentID != nil {
			req.IncidentID = *e.IncidentID
		}
		if e.ScheduleID != nil {
			if sc, err := tx.Schedules().GetSchedule(ctx, *e.ScheduleID); err == nil {
				req.Topics = sc.Topics
				req.Guidance = sc.Guidance
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to claim execution %s: %w", executionID, err)
	}
	if req == nil {
		return nil
	}

	callID, err := l.placeCall(ctx, *req)
	if err != nil {
		l.logger.Warn("Call placement failed",
			zap.String("execution_id", executionID),
			zap.Error(err),
		)
		_, herr := l.HandleOutcome(ctx, domain.OutcomeReport{
			ExecutionID: executionID,
			Outcome:     domain.OutcomeFailed,
			Detail:      err.Error(),
		})
		return herr
	}

	err = l.store.InTx(ctx, func(tx repository.Tx) error {
		return tx.Executions().SetProviderCallID(ctx, executionID, callID)
	})
	if err != nil {
		return fmt.Errorf("failed to store provider call id: %w", err)
	}
	l.logger.Info("Call placed",
		zap.String("execution_id", executionID),
		zap.String("provider_call_id", callID),
	)
	return nil
}

func (l *Lifecycle) placeCall(ctx context.Context, req dispatcher.CallRequest) (string, error) {
	phone, err := dispatcher.NormalizePhone(req.PhoneNumber, l.phoneRegion)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, domain.ErrProvider)
	}
	req.PhoneNumber = phone
	return l.dispatcher.PlaceCall(ctx, req)
}

// outcomeResult 回调结果 -> 执行终态
func outcomeResult(r domain.OutcomeReport, at time.Time) repository.ExecutionResult {
	res := repository.ExecutionResult{
		Status:          domain.ExecutionFailed,
		CompletedAt:     at,
		DurationSeconds: r.DurationSeconds,
		TranscriptRef:   r.TranscriptRef,
	}
	reason := domain.FailureProviderError
	switch {
	case r.Timeout:
		reason = domain.FailureTimeout
	case r.Outcome == domain.OutcomeAnswered:
		res.Status = domain.ExecutionCompleted
		return res
	case r.Outcome == domain.OutcomeNoAnswer:
		reason = domain.FailureNoAnswer
	case strings.Contains(strings.ToLower(r.Detail), "busy"):
		reason = domain.FailureBusy
	}
	res.FailureReason = &reason
	return res
}

// HandleOutcome 处理呼叫结果（回调、事件流、超时扫描）。
// 执行不处于 in_progress 时为无操作，重复回调返回当前状态。
func (l *Lifecycle) HandleOutcome(ctx context.Context, report domain.OutcomeReport) (*domain.ScheduledCallExecution, error) {
	if !report.Timeout && !report.Outcome.Valid() {
		return nil, fmt.Errorf("unknown outcome %q: %w", report.Outcome, domain.ErrInvalidArgument)
	}
	if report.ExecutionID == "" && report.CorrelationID == "" {
		return nil, fmt.Errorf("execution_id or correlation_id required: %w", domain.ErrInvalidArgument)
	}

	now := l.now()
	fx := &effects{}
	var result *domain.ScheduledCallExecution

	err := l.store.InTx(ctx, func(tx repository.Tx) error {
		var (
			e   *domain.ScheduledCallExecution
			err error
		)
		if report.ExecutionID != "" {
			e, err = tx.Executions().Get(ctx, report.ExecutionID)
		} else {
			e, err = tx.Executions().GetByProviderCallID(ctx, report.CorrelationID)
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("provider call %s: %w", report.CorrelationID, domain.ErrNotCorrelated)
			}
		}
		if err != nil {
			return err
		}
		result = e
		if e.Status != domain.ExecutionInProgress {
			l.logger.Debug("Duplicate or late call outcome ignored",
				zap.String("execution_id", e.ExecutionID),
				zap.String("status", string(e.Status)),
			)
			return nil
		}

		res := outcomeResult(report, now)
		finished, err := tx.Executions().Finish(ctx, e.ExecutionID, res)
		if err != nil || !finished {
			return err
		}
		if result, err = tx.Executions().Get(ctx, e.ExecutionID); err != nil {
			return err
		}

		switch e.CallType {
		case domain.CallTypeScheduled, domain.CallTypeRetry:
			if res.Status == domain.ExecutionFailed {
				return l.retryOrEscalate(ctx, tx, result, fx)
			}
		case domain.CallTypeEmergencyContact:
			return l.escalation.onContactCallFinished(ctx, tx, result, report.Outcome, fx)
		case domain.CallTypeEscalationFollowup:
			if res.Status == domain.ExecutionFailed {
				return l.escalation.onFollowupCallFailed(ctx, tx, result, fx)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to handle call outcome: %w", err)
	}

	if result != nil && result.Status.Terminal() {
		l.logger.Info("Call outcome recorded",
			zap.String("execution_id", result.ExecutionID),
			zap.String("call_type", string(result.CallType)),
			zap.String("status", string(result.Status)),
		)
	}
	l.flush(ctx, fx)
	return result, nil
}

// retryOrEscalate scheduled/retry 失败后：未达上限则创建重试，否则打开升级事件
func (l *Lifecycle) retryOrEscalate(ctx context.Context, tx repository.Tx, e *domain.ScheduledCallExecution, fx *effects) error {
	if e.ScheduleID == nil {
		return nil
	}
	sc, err := tx.Schedules().GetSchedule(ctx, *e.ScheduleID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sc.Active {
		return nil
	}

	if e.RetryCount < sc.MaxRetries {
		originID := e.ExecutionID
		retry := &domain.ScheduledCallExecution{
			PersonID:          e.PersonID,
			ScheduleID:        e.ScheduleID,
			ScheduleVersion:   sc.Version,
			CallType:          domain.CallTypeRetry,
			Status:            domain.ExecutionPending,
			ScheduledFor:      l.now().Add(sc.RetryAfter()),
			RetryCount:        e.RetryCount + 1,
			TargetPhone:       e.TargetPhone,
			Purpose:           e.Purpose,
			OriginExecutionID: &originID,
		}
		inserted, err := tx.Executions().InsertPending(ctx, retry)
		if err != nil {
			return err
		}
		if !inserted {
			fx.alert(OperatorAlert{
				Kind:        AlertIntegrity,
				PersonID:    e.PersonID,
				ExecutionID: e.ExecutionID,
				Message:     "retry not created: another pending execution exists for this schedule",
			})
			return nil
		}
		l.logger.Info("Retry scheduled",
			zap.String("execution_id", retry.ExecutionID),
			zap.String("origin_execution_id", originID),
			zap.Int("retry_count", retry.RetryCount),
			zap.Time("scheduled_for", retry.ScheduledFor),
		)
		return nil
	}

	originID := e.ExecutionID
	_, err = l.escalation.openIncidentTx(ctx, tx, OpenIncidentRequest{
		PersonID:          e.PersonID,
		Source:            domain.SourceUnreachable,
		Reason:            fmt.Sprintf("unreachable after %d retries", sc.MaxRetries),
		SeverityLevel:     2,
		OriginExecutionID: &originID,
	}, fx)
	if errors.Is(err, domain.ErrConsentRequired) {
		fx.alert(OperatorAlert{
			Kind:        AlertConsentRequired,
			PersonID:    e.PersonID,
			ExecutionID: e.ExecutionID,
			Message:     fmt.Sprintf("unreachable after %d retries; escalation blocked, no consent", sc.MaxRetries),
		})
		return nil
	}
	return err
}

// Expire 错过时间窗的待执行记录取消为 expired。
// 重试记录视为一次失败尝试，继续重试或打开升级事件；两种情况都通知运营。
func (l *Lifecycle) Expire(ctx context.Context, executionID string) (bool, error) {
	fx := &effects{}
	var cancelled bool
	err := l.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		cancelled, err = tx.Executions().Cancel(ctx, executionID, domain.FailureExpired)
		if err != nil || !cancelled {
			return err
		}
		e, err := tx.Executions().Get(ctx, executionID)
		if err != nil {
			return err
		}
		msg := fmt.Sprintf("check-in scheduled for %s was never placed", e.ScheduledFor.UTC().Format(time.RFC3339))
		if e.CallType == domain.CallTypeRetry {
			msg = fmt.Sprintf("retry %d scheduled for %s was never placed", e.RetryCount, e.ScheduledFor.UTC().Format(time.RFC3339))
		}
		fx.alert(OperatorAlert{
			Kind:        AlertCheckInMissed,
			PersonID:    e.PersonID,
			ExecutionID: e.ExecutionID,
			Message:     msg,
		})
		if e.CallType == domain.CallTypeRetry {
			return l.retryOrEscalate(ctx, tx, e, fx)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to expire execution: %w", err)
	}
	l.flush(ctx, fx)
	return cancelled, nil
}

// ListExecutions 运营查询
func (l *Lifecycle) ListExecutions(ctx context.Context, filters domain.ExecutionFilters) ([]domain.ScheduledCallExecution, error) {
	if filters.From != nil && filters.To != nil && !filters.From.Before(*filters.To) {
		return nil, fmt.Errorf("from must be before to: %w", domain.ErrInvalidArgument)
	}
	var out []domain.ScheduledCallExecution
	err := l.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		out, err = tx.Executions().List(ctx, filters)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return out, nil
}
