package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"eva-checkin/internal/domain"
	"eva-checkin/internal/repository"
	"eva-checkin/internal/store"
)

// PurposeEmergencyContact 呼叫紧急联系人
const PurposeEmergencyContact = "emergency_contact"

// OpenIncidentRequest 打开升级事件的参数；三类触发共用
type OpenIncidentRequest struct {
	PersonID          string
	Source            domain.IncidentSource
	Reason            string
	SeverityLevel     int
	OriginExecutionID *string
	OriginReportID    *string
	OriginEventID     *string
}

// DeviceEvent 设备/环境事件（如问候设备长时间无心跳）
type DeviceEvent struct {
	EventID    string    `json:"event_id" validate:"required"`
	PersonID   string    `json:"person_id" validate:"required"`
	DeviceID   string    `json:"device_id"`
	EventType  string    `json:"event_type" validate:"required"`
	Severity   int       `json:"severity" validate:"min=0,max=5"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Orchestrator 升级编排：按优先级依次联系紧急联系人，接通后安排回访确认
type Orchestrator struct {
	store         repository.Store
	lifecycle     *Lifecycle
	kv            store.KV
	followupDelay time.Duration
	dedupTTL      time.Duration
	logger        *zap.Logger
}

// NewOrchestrator 创建升级编排器，并挂到 lifecycle 上接收呼叫结果
func NewOrchestrator(
	st repository.Store,
	lifecycle *Lifecycle,
	kv store.KV,
	followupDelay time.Duration,
	dedupTTL time.Duration,
	logger *zap.Logger,
) *Orchestrator {
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	o := &Orchestrator{
		store:         st,
		lifecycle:     lifecycle,
		kv:            kv,
		followupDelay: followupDelay,
		dedupTTL:      dedupTTL,
		logger:        logger,
	}
	lifecycle.escalation = o
	return o
}

func (o *Orchestrator) now() time.Time { return o.lifecycle.now() }

// OpenIncident 打开升级事件。
// 未授权联系他人时返回 domain.ErrConsentRequired，不创建任何记录。
func (o *Orchestrator) OpenIncident(ctx context.Context, req OpenIncidentRequest) (*domain.EscalationIncident, error) {
	if req.PersonID == "" || req.Reason == "" {
		return nil, fmt.Errorf("person_id and reason required: %w", domain.ErrInvalidArgument)
	}
	fx := &effects{}
	var inc *domain.EscalationIncident
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		inc, err = o.openIncidentTx(ctx, tx, req, fx)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrConsentRequired) {
			o.logger.Warn("Escalation blocked, consent required",
				zap.String("person_id", req.PersonID),
				zap.String("source", string(req.Source)),
			)
			return nil, err
		}
		return nil, fmt.Errorf("failed to open incident: %w", err)
	}
	o.lifecycle.flush(ctx, fx)
	return inc, nil
}

func (o *Orchestrator) openIncidentTx(ctx context.Context, tx repository.Tx, req OpenIncidentRequest, fx *effects) (*domain.EscalationIncident, error) {
	person, err := tx.Persons().GetPerson(ctx, req.PersonID)
	if err != nil {
		return nil, err
	}
	if !person.EscalationConsent {
		return nil, fmt.Errorf("person %s: %w", req.PersonID, domain.ErrConsentRequired)
	}
	if req.OriginExecutionID != nil {
		existing, err := tx.Incidents().GetByOriginExecution(ctx, *req.OriginExecutionID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	inc := &domain.EscalationIncident{
		PersonID:          req.PersonID,
		Source:            req.Source,
		OriginExecutionID: req.OriginExecutionID,
		OriginReportID:    req.OriginReportID,
		OriginEventID:     req.OriginEventID,
		Reason:            req.Reason,
		SeverityLevel:     req.SeverityLevel,
		Status:            domain.IncidentOpen,
		EscalationState:   domain.StateContacting,
		ConsentGranted:    true,
	}
	if err := tx.Incidents().Create(ctx, inc); err != nil {
		return nil, err
	}
	o.logger.Info("Escalation incident opened",
		zap.String("incident_id", inc.IncidentID),
		zap.String("person_id", inc.PersonID),
		zap.String("source", string(inc.Source)),
		zap.String("reason", inc.Reason),
	)

	contacts, err := tx.Contacts().ListForPerson(ctx, req.PersonID, true)
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		if err := tx.Incidents().UpdateState(ctx, inc.IncidentID, domain.StateNoContacts, nil); err != nil {
			return nil, err
		}
		inc.EscalationState = domain.StateNoContacts
		fx.alert(OperatorAlert{
			Kind:       AlertNoContacts,
			PersonID:   inc.PersonID,
			IncidentID: inc.IncidentID,
			Message:    "incident opened but person has no emergency contacts: " + inc.Reason,
		})
		return inc, nil
	}
	if err := o.startAttempt(ctx, tx, inc, contacts[0], fx); err != nil {
		return nil, err
	}
	return inc, nil
}

// startAttempt 为联系人创建呼叫执行与尝试记录，并设为当前尝试
func (o *Orchestrator) startAttempt(ctx context.Context, tx repository.Tx, inc *domain.EscalationIncident, pc domain.PrioritizedContact, fx *effects) error {
	incidentID := inc.IncidentID
	e := &domain.ScheduledCallExecution{
		PersonID:     inc.PersonID,
		CallType:     domain.CallTypeEmergencyContact,
		Status:       domain.ExecutionPending,
		ScheduledFor: o.now(),
		TargetPhone:  pc.Contact.Phone,
		Purpose:      PurposeEmergencyContact,
		IncidentID:   &incidentID,
	}
	if _, err := tx.Executions().InsertPending(ctx, e); err != nil {
		return err
	}
	executionID := e.ExecutionID
	attempt := &domain.EscalationContactAttempt{
		IncidentID:   incidentID,
		ContactID:    pc.Contact.ContactID,
		AttemptOrder: pc.Assignment.Priority,
		Status:       domain.AttemptPending,
		ExecutionID:  &executionID,
	}
	if err := tx.Incidents().CreateAttempt(ctx, attempt); err != nil {
		return err
	}
	attemptID := attempt.AttemptID
	if err := tx.Incidents().UpdateState(ctx, incidentID, domain.StateContacting, &attemptID); err != nil {
		return err
	}
	inc.EscalationState = domain.StateContacting
	inc.CurrentAttemptID = &attemptID

	o.logger.Info("Contacting emergency contact",
		zap.String("incident_id", incidentID),
		zap.String("contact_id", pc.Contact.ContactID),
		zap.Int("priority", pc.Assignment.Priority),
	)
	fx.dial(executionID)
	return nil
}

// advance 从 afterPriority 之后的下一位联系人继续；没有则标记 exhausted 并告警
func (o *Orchestrator) advance(ctx context.Context, tx repository.Tx, inc *domain.EscalationIncident, afterPriority int, fx *effects) error {
	contacts, err := tx.Contacts().ListForPerson(ctx, inc.PersonID, true)
	if err != nil {
		return err
	}
	for _, pc := range contacts {
		if pc.Assignment.Priority > afterPriority {
			return o.startAttempt(ctx, tx, inc, pc, fx)
		}
	}

	if err := tx.Incidents().UpdateState(ctx, inc.IncidentID, domain.StateExhausted, inc.CurrentAttemptID); err != nil {
		return err
	}
	inc.EscalationState = domain.StateExhausted
	fx.alert(OperatorAlert{
		Kind:       AlertEscalationExhausted,
		PersonID:   inc.PersonID,
		IncidentID: inc.IncidentID,
		Message:    "escalation exhausted, no contact reached",
	})
	return nil
}

// onContactCallFinished 联系人呼叫结束：接通则停止并安排回访，否则联系下一位
func (o *Orchestrator) onContactCallFinished(ctx context.Context, tx repository.Tx, e *domain.ScheduledCallExecution, outcome domain.CallOutcome, fx *effects) error {
	attempt, err := tx.Incidents().GetAttemptByExecution(ctx, e.ExecutionID)
	if errors.Is(err, domain.ErrNotFound) {
		fx.alert(OperatorAlert{
			Kind:        AlertIntegrity,
			PersonID:    e.PersonID,
			ExecutionID: e.ExecutionID,
			Message:     "emergency contact call has no attempt record",
		})
		return nil
	}
	if err != nil {
		return err
	}
	inc, err := tx.Incidents().GetForUpdate(ctx, attempt.IncidentID)
	if err != nil {
		return err
	}

	status := domain.AttemptFailed
	var answeredAt *time.Time
	switch {
	case e.Status == domain.ExecutionCompleted:
		status = domain.AttemptAnswered
		at := o.now()
		answeredAt = &at
	case outcome == domain.OutcomeNoAnswer:
		status = domain.AttemptNoAnswer
	}
	resolved, err := tx.Incidents().ResolveAttempt(ctx, attempt.AttemptID, status, answeredAt)
	if err != nil || !resolved {
		return err
	}
	if inc.Status != domain.IncidentOpen || inc.CurrentAttemptID == nil || *inc.CurrentAttemptID != attempt.AttemptID {
		return nil
	}

	o.logger.Info("Contact attempt finished",
		zap.String("incident_id", inc.IncidentID),
		zap.String("attempt_id", attempt.AttemptID),
		zap.String("status", string(status)),
	)
	if status != domain.AttemptAnswered {
		return o.advance(ctx, tx, inc, attempt.AttemptOrder, fx)
	}
	return o.scheduleFollowup(ctx, tx, inc, attempt)
}

// scheduleFollowup 接通后安排回访：followupDelay 后回拨被监护人确认救助已到达
func (o *Orchestrator) scheduleFollowup(ctx context.Context, tx repository.Tx, inc *domain.EscalationIncident, attempt *domain.EscalationContactAttempt) error {
	person, err := tx.Persons().GetPerson(ctx, inc.PersonID)
	if err != nil {
		return err
	}
	incidentID := inc.IncidentID
	at := o.now().Add(o.followupDelay)
	e := &domain.ScheduledCallExecution{
		PersonID:     inc.PersonID,
		CallType:     domain.CallTypeEscalationFollowup,
		Status:       domain.ExecutionPending,
		ScheduledFor: at,
		TargetPhone:  person.Phone,
		Purpose:      domain.FollowupHelpArrival,
		IncidentID:   &incidentID,
	}
	if _, err := tx.Executions().InsertPending(ctx, e); err != nil {
		return err
	}
	executionID := e.ExecutionID
	f := &domain.EscalationFollowup{
		IncidentID:   incidentID,
		AttemptID:    attempt.AttemptID,
		FollowupType: domain.FollowupHelpArrival,
		Status:       domain.FollowupPending,
		ScheduledFor: at,
		ExecutionID:  &executionID,
	}
	if err := tx.Incidents().CreateFollowup(ctx, f); err != nil {
		return err
	}
	attemptID := attempt.AttemptID
	if err := tx.Incidents().UpdateState(ctx, incidentID, domain.StateAwaitingFollowup, &attemptID); err != nil {
		return err
	}
	o.logger.Info("Follow-up scheduled",
		zap.String("incident_id", incidentID),
		zap.String("followup_id", f.FollowupID),
		zap.Time("scheduled_for", at),
	)
	return nil
}

// onFollowupCallFailed 回访呼叫未接通，视为需要继续升级
func (o *Orchestrator) onFollowupCallFailed(ctx context.Context, tx repository.Tx, e *domain.ScheduledCallExecution, fx *effects) error {
	f, err := tx.Incidents().GetFollowupByExecution(ctx, e.ExecutionID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	further := true
	_, err = o.recordFollowupTx(ctx, tx, f, repository.FollowupResult{NeedsFurtherEscalation: &further}, fx)
	return err
}

// RecordFollowupResult 记录回访结论。helpArrived 且无需继续升级时关闭事件；
// 否则从接通联系人之后的下一位继续，联系人用尽则告警。重复提交为无操作。
func (o *Orchestrator) RecordFollowupResult(ctx context.Context, followupID string, helpArrived, needsFurther bool, reportID *string) (*domain.EscalationFollowup, error) {
	fx := &effects{}
	var out *domain.EscalationFollowup
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		f, err := tx.Incidents().GetFollowup(ctx, followupID)
		if err != nil {
			return err
		}
		out, err = o.recordFollowupTx(ctx, tx, f, repository.FollowupResult{
			HelpArrived:            &helpArrived,
			NeedsFurtherEscalation: &needsFurther,
			ReportID:               reportID,
		}, fx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record follow-up result: %w", err)
	}
	o.lifecycle.flush(ctx, fx)
	return out, nil
}

func (o *Orchestrator) recordFollowupTx(ctx context.Context, tx repository.Tx, f *domain.EscalationFollowup, result repository.FollowupResult, fx *effects) (*domain.EscalationFollowup, error) {
	inc, err := tx.Incidents().GetForUpdate(ctx, f.IncidentID)
	if err != nil {
		return nil, err
	}
	result.CompletedAt = o.now()
	completed, err := tx.Incidents().CompleteFollowup(ctx, f.FollowupID, result)
	if err != nil {
		return nil, err
	}
	if !completed {
		return f, nil
	}
	if f.ExecutionID != nil {
		// 结论先于回访呼叫送达时，不再拨出
		if _, err := tx.Executions().Cancel(ctx, *f.ExecutionID, domain.FailureSuperseded); err != nil {
			return nil, err
		}
	}
	updated, err := tx.Incidents().GetFollowup(ctx, f.FollowupID)
	if err != nil {
		return nil, err
	}
	if inc.Status != domain.IncidentOpen {
		return updated, nil
	}

	helpArrived := result.HelpArrived != nil && *result.HelpArrived
	further := result.NeedsFurtherEscalation != nil && *result.NeedsFurtherEscalation
	if helpArrived && !further {
		if err := tx.Incidents().Resolve(ctx, inc.IncidentID, "help arrived (confirmed by follow-up)", o.now()); err != nil {
			return nil, err
		}
		o.logger.Info("Incident resolved by follow-up", zap.String("incident_id", inc.IncidentID))
		return updated, nil
	}

	attempts, err := tx.Incidents().ListAttempts(ctx, inc.IncidentID)
	if err != nil {
		return nil, err
	}
	after := 0
	for _, a := range attempts {
		if a.AttemptID == f.AttemptID {
			after = a.AttemptOrder
		}
	}
	o.logger.Info("Follow-up requires further escalation",
		zap.String("incident_id", inc.IncidentID),
		zap.Int("after_priority", after),
	)
	return updated, o.advance(ctx, tx, inc, after, fx)
}

// RaiseDistress 通话中的求助信号
func (o *Orchestrator) RaiseDistress(ctx context.Context, personID, reason string, severity int, contextExecutionID, reportID *string) (*domain.EscalationIncident, error) {
	return o.OpenIncident(ctx, OpenIncidentRequest{
		PersonID:          personID,
		Source:            domain.SourceDistress,
		Reason:            reason,
		SeverityLevel:     severity,
		OriginExecutionID: contextExecutionID,
		OriginReportID:    reportID,
	})
}

// HandleDeviceEvent 设备事件触发升级；同一 event_id 在 dedupTTL 内只处理一次
func (o *Orchestrator) HandleDeviceEvent(ctx context.Context, ev DeviceEvent) (*domain.EscalationIncident, error) {
	if ev.EventID == "" || ev.PersonID == "" {
		return nil, fmt.Errorf("event_id and person_id required: %w", domain.ErrInvalidArgument)
	}
	key := "eva:device-event:" + ev.EventID
	if o.kv != nil {
		seen, err := store.SeenBefore(ctx, o.kv, key, o.dedupTTL)
		if err != nil {
			return nil, err
		}
		if seen {
			o.logger.Debug("Duplicate device event ignored", zap.String("event_id", ev.EventID))
			return nil, nil
		}
	}

	reason := ev.Reason
	if reason == "" {
		reason = fmt.Sprintf("device event %s", ev.EventType)
	}
	eventID := ev.EventID
	inc, err := o.OpenIncident(ctx, OpenIncidentRequest{
		PersonID:      ev.PersonID,
		Source:        domain.SourceDevice,
		Reason:        reason,
		SeverityLevel: ev.Severity,
		OriginEventID: &eventID,
	})
	if err != nil && o.kv != nil && !errors.Is(err, domain.ErrConsentRequired) {
		// 处理失败时释放去重键，允许重投
		_, _ = o.kv.DelIfEquals(ctx, key, "1")
	}
	return inc, err
}

// ResolveIncident 人工关闭事件；任何状态下都允许，并取消该事件尚未拨出的呼叫
func (o *Orchestrator) ResolveIncident(ctx context.Context, incidentID, notes string) (*domain.EscalationIncident, error) {
	var out *domain.EscalationIncident
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		inc, err := tx.Incidents().GetForUpdate(ctx, incidentID)
		if err != nil {
			return err
		}
		if inc.Status == domain.IncidentOpen {
			if err := tx.Incidents().Resolve(ctx, incidentID, notes, o.now()); err != nil {
				return err
			}
			cancelled, err := tx.Executions().CancelPendingForIncident(ctx, incidentID, domain.FailureIncidentClosed)
			if err != nil {
				return err
			}
			o.logger.Info("Incident resolved manually",
				zap.String("incident_id", incidentID),
				zap.Int64("cancelled_calls", cancelled),
			)
		}
		out, err = tx.Incidents().Get(ctx, incidentID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve incident: %w", err)
	}
	return out, nil
}

// ListIncidents 运营查询
func (o *Orchestrator) ListIncidents(ctx context.Context, filters domain.IncidentFilters) ([]domain.EscalationIncident, error) {
	var out []domain.EscalationIncident
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		out, err = tx.Incidents().List(ctx, filters)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	return out, nil
}

// GetIncidentDetail 事件及其尝试、回访
func (o *Orchestrator) GetIncidentDetail(ctx context.Context, incidentID string) (*domain.IncidentDetail, error) {
	var out domain.IncidentDetail
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		inc, err := tx.Incidents().Get(ctx, incidentID)
		if err != nil {
			return err
		}
		out.Incident = *inc
		if out.Attempts, err = tx.Incidents().ListAttempts(ctx, incidentID); err != nil {
			return err
		}
		out.Followups, err = tx.Incidents().ListFollowups(ctx, incidentID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return &out, nil
}
