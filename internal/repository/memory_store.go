package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"eva-checkin/internal/domain"
)

// MemoryStore 内存实现，用于测试和无数据库的本地运行。
// InTx 期间持有全局锁；fn 返回错误时恢复到事务开始前的快照。
type MemoryStore struct {
	mu    sync.Mutex
	state memState
	now   func() time.Time
}

type memSchedule struct {
	domain.CheckInSchedule
	deleted bool
}

type memState struct {
	seq                 int64
	order               map[string]int64
	persons             map[string]domain.MonitoredPerson
	schedules           map[string]memSchedule
	scheduleAssignments map[string]domain.ScheduleAssignment
	executions          map[string]domain.ScheduledCallExecution
	contacts            map[string]domain.EmergencyContact
	contactAssignments  map[string]domain.ContactAssignment
	incidents           map[string]domain.EscalationIncident
	attempts            map[string]domain.EscalationContactAttempt
	followups           map[string]domain.EscalationFollowup
}

// NewMemoryStore 创建空的内存 Store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			order:               map[string]int64{},
			persons:             map[string]domain.MonitoredPerson{},
			schedules:           map[string]memSchedule{},
			scheduleAssignments: map[string]domain.ScheduleAssignment{},
			executions:          map[string]domain.ScheduledCallExecution{},
			contacts:            map[string]domain.EmergencyContact{},
			contactAssignments:  map[string]domain.ContactAssignment{},
			incidents:           map[string]domain.EscalationIncident{},
			attempts:            map[string]domain.EscalationContactAttempt{},
			followups:           map[string]domain.EscalationFollowup{},
		},
		now: time.Now,
	}
}

// 确保实现了接口
var _ Store = (*MemoryStore)(nil)

// SetClock 替换记录时间戳使用的时钟
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (st memState) clone() memState {
	return memState{
		seq:                 st.seq,
		order:               copyMap(st.order),
		persons:             copyMap(st.persons),
		schedules:           copyMap(st.schedules),
		scheduleAssignments: copyMap(st.scheduleAssignments),
		executions:          copyMap(st.executions),
		contacts:            copyMap(st.contacts),
		contactAssignments:  copyMap(st.contactAssignments),
		incidents:           copyMap(st.incidents),
		attempts:            copyMap(st.attempts),
		followups:           copyMap(st.followups),
	}
}

// InTx 串行执行 fn
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&memTx{s: s}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) track(id string) {
	s.state.seq++
	s.state.order[id] = s.state.seq
}

// 种子数据（测试/本地运行）

// AddPerson 写入被监护人
func (s *MemoryStore) AddPerson(p domain.MonitoredPerson) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.persons[p.PersonID] = p
}

// AddSchedule 写入计划（version 为 0 时置 1）
func (s *MemoryStore) AddSchedule(sc domain.CheckInSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.Version == 0 {
		sc.Version = 1
	}
	s.state.schedules[sc.ScheduleID] = memSchedule{CheckInSchedule: sc}
}

// AddScheduleAssignment 写入共享计划关联
func (s *MemoryStore) AddScheduleAssignment(a domain.ScheduleAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.AssignmentID == "" {
		a.AssignmentID = uuid.NewString()
	}
	s.state.scheduleAssignments[a.AssignmentID] = a
}

// AddContact 写入联系人
func (s *MemoryStore) AddContact(c domain.EmergencyContact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.contacts[c.ContactID] = c
}

// AddContactAssignment 写入联系人关联（不做优先级校验）
func (s *MemoryStore) AddContactAssignment(a domain.ContactAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.AssignmentID == "" {
		a.AssignmentID = uuid.NewString()
	}
	s.state.contactAssignments[a.AssignmentID] = a
}

type memTx struct {
	s *MemoryStore
}

func (t *memTx) Schedules() SchedulesRepository   { return memSchedules{t} }
func (t *memTx) Persons() PersonsRepository       { return memPersons{t} }
func (t *memTx) Executions() ExecutionsRepository { return memExecutions{t} }
func (t *memTx) Contacts() ContactsRepository     { return memContacts{t} }
func (t *memTx) Incidents() IncidentsRepository   { return memIncidents{t} }

func (t *memTx) st() *memState { return &t.s.state }

func notFoundID(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
}

// ---- schedules / persons ----

type memSchedules struct{ tx *memTx }

func (r memSchedules) GetSchedule(_ context.Context, scheduleID string) (*domain.CheckInSchedule, error) {
	sc, ok := r.tx.st().schedules[scheduleID]
	if !ok || sc.deleted {
		return nil, notFoundID("schedule", scheduleID)
	}
	out := sc.CheckInSchedule
	return &out, nil
}

func (r memSchedules) ListActiveTargets(_ context.Context, limit, offset int) ([]domain.ScheduleTarget, error) {
	st := r.tx.st()
	type key struct{ person, schedule string }
	seen := map[key]bool{}
	var all []domain.ScheduleTarget
	add := func(personID string, sc memSchedule) {
		if !sc.Active || sc.deleted {
			return
		}
		p, ok := st.persons[personID]
		if !ok || seen[key{personID, sc.ScheduleID}] {
			return
		}
		seen[key{personID, sc.ScheduleID}] = true
		all = append(all, domain.ScheduleTarget{Person: p, Schedule: sc.CheckInSchedule})
	}
	for _, sc := range st.schedules {
		if sc.PersonID != nil {
			add(*sc.PersonID, sc)
		}
	}
	for _, a := range st.scheduleAssignments {
		if sc, ok := st.schedules[a.ScheduleID]; ok && a.Active {
			add(a.PersonID, sc)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Person.PersonID != all[j].Person.PersonID {
			return all[i].Person.PersonID < all[j].Person.PersonID
		}
		return all[i].Schedule.ScheduleID < all[j].Schedule.ScheduleID
	})
	if limit <= 0 {
		limit = 500
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (r memSchedules) UpdateSchedule(_ context.Context, s *domain.CheckInSchedule) (int, error) {
	st := r.tx.st()
	cur, ok := st.schedules[s.ScheduleID]
	if !ok || cur.deleted {
		return 0, notFoundID("schedule", s.ScheduleID)
	}
	next := *s
	next.PersonID = cur.PersonID
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = r.tx.s.now()
	st.schedules[s.ScheduleID] = memSchedule{CheckInSchedule: next}
	return next.Version, nil
}

func (r memSchedules) DeleteSchedule(_ context.Context, scheduleID string) error {
	st := r.tx.st()
	cur, ok := st.schedules[scheduleID]
	if !ok || cur.deleted {
		return notFoundID("schedule", scheduleID)
	}
	cur.Active = false
	cur.deleted = true
	cur.Version++
	cur.UpdatedAt = r.tx.s.now()
	st.schedules[scheduleID] = cur
	return nil
}

type memPersons struct{ tx *memTx }

func (r memPersons) GetPerson(_ context.Context, personID string) (*domain.MonitoredPerson, error) {
	p, ok := r.tx.st().persons[personID]
	if !ok {
		return nil, notFoundID("person", personID)
	}
	return &p, nil
}

// ---- executions ----

type memExecutions struct{ tx *memTx }

func sameSchedule(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (r memExecutions) InsertPending(_ context.Context, e *domain.ScheduledCallExecution) (bool, error) {
	st := r.tx.st()
	if e.ExecutionID == "" {
		e.ExecutionID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = domain.ExecutionPending
	}
	for _, x := range st.executions {
		if x.PersonID != e.PersonID || !sameSchedule(x.ScheduleID, e.ScheduleID) || e.ScheduleID == nil {
			continue
		}
		if e.CallType.Retryable() && e.Status == domain.ExecutionPending &&
			x.CallType.Retryable() && x.Status == domain.ExecutionPending {
			return false, nil
		}
		if e.CallType == domain.CallTypeScheduled && x.CallType == domain.CallTypeScheduled &&
			x.Status != domain.ExecutionCancelled && x.ScheduledFor.Equal(e.ScheduledFor) {
			return false, nil
		}
	}
	now := r.tx.s.now()
	e.CreatedAt, e.UpdatedAt = now, now
	st.executions[e.ExecutionID] = *e
	r.tx.s.track(e.ExecutionID)
	return true, nil
}

func (r memExecutions) Get(_ context.Context, executionID string) (*domain.ScheduledCallExecution, error) {
	e, ok := r.tx.st().executions[executionID]
	if !ok {
		return nil, notFoundID("execution", executionID)
	}
	return &e, nil
}

func (r memExecutions) GetByProviderCallID(_ context.Context, providerCallID string) (*domain.ScheduledCallExecution, error) {
	for _, e := range r.tx.st().executions {
		if e.ProviderCallID != nil && *e.ProviderCallID == providerCallID {
			out := e
			return &out, nil
		}
	}
	return nil, notFoundID("execution with provider call", providerCallID)
}

// update 在状态为 from 时应用 mutate
func (r memExecutions) update(executionID string, from domain.ExecutionStatus, mutate func(e *domain.ScheduledCallExecution)) bool {
	st := r.tx.st()
	e, ok := st.executions[executionID]
	if !ok || e.Status != from {
		return false
	}
	mutate(&e)
	e.UpdatedAt = r.tx.s.now()
	st.executions[executionID] = e
	return true
}

func (r memExecutions) Claim(_ context.Context, executionID string, at time.Time) (bool, error) {
	return r.update(executionID, domain.ExecutionPending, func(e *domain.ScheduledCallExecution) {
		e.Status = domain.ExecutionInProgress
		e.AttemptedAt = &at
	}), nil
}

func (r memExecutions) SetProviderCallID(_ context.Context, executionID, providerCallID string) error {
	st := r.tx.st()
	e, ok := st.executions[executionID]
	if !ok {
		return notFoundID("execution", executionID)
	}
	e.ProviderCallID = &providerCallID
	st.executions[executionID] = e
	return nil
}

func (r memExecutions) Finish(_ context.Context, executionID string, result ExecutionResult) (bool, error) {
	return r.update(executionID, domain.ExecutionInProgress, func(e *domain.ScheduledCallExecution) {
		at := result.CompletedAt
		e.Status = result.Status
		e.FailureReason = result.FailureReason
		e.CompletedAt = &at
		e.DurationSeconds = result.DurationSeconds
		e.TranscriptRef = result.TranscriptRef
	}), nil
}

func (r memExecutions) cancel(executionID string, reason domain.FailureReason) bool {
	now := r.tx.s.now()
	return r.update(executionID, domain.ExecutionPending, func(e *domain.ScheduledCallExecution) {
		e.Status = domain.ExecutionCancelled
		e.FailureReason = &reason
		e.CompletedAt = &now
	})
}

func (r memExecutions) Cancel(_ context.Context, executionID string, reason domain.FailureReason) (bool, error) {
	return r.cancel(executionID, reason), nil
}

func (r memExecutions) CancelPendingForSchedule(_ context.Context, scheduleID string, reason domain.FailureReason) (int64, error) {
	var n int64
	for id, e := range r.tx.st().executions {
		if e.ScheduleID != nil && *e.ScheduleID == scheduleID && e.CallType.Retryable() && r.cancel(id, reason) {
			n++
		}
	}
	return n, nil
}

func (r memExecutions) CancelPendingForIncident(_ context.Context, incidentID string, reason domain.FailureReason) (int64, error) {
	var n int64
	for id, e := range r.tx.st().executions {
		if e.IncidentID != nil && *e.IncidentID == incidentID && r.cancel(id, reason) {
			n++
		}
	}
	return n, nil
}

// filter 返回满足 keep 的记录，按 less 排序
func (r memExecutions) filter(keep func(e domain.ScheduledCallExecution) bool, less func(a, b domain.ScheduledCallExecution) bool, limit int) []domain.ScheduledCallExecution {
	st := r.tx.st()
	var out []domain.ScheduledCallExecution
	for _, e := range st.executions {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return st.order[out[i].ExecutionID] < st.order[out[j].ExecutionID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func byScheduledFor(a, b domain.ScheduledCallExecution) bool { return a.ScheduledFor.Before(b.ScheduledFor) }

func (r memExecutions) FindOpenForTarget(_ context.Context, personID, scheduleID string) ([]domain.ScheduledCallExecution, error) {
	return r.filter(func(e domain.ScheduledCallExecution) bool {
		return e.PersonID == personID && e.ScheduleID != nil && *e.ScheduleID == scheduleID &&
			e.CallType.Retryable() &&
			(e.Status == domain.ExecutionPending || e.Status == domain.ExecutionInProgress)
	}, byScheduledFor, 0), nil
}

func (r memExecutions) LatestScheduledOccurrence(_ context.Context, personID, scheduleID string) (*time.Time, error) {
	var latest *time.Time
	for _, e := range r.tx.st().executions {
		if e.PersonID != personID || e.ScheduleID == nil || *e.ScheduleID != scheduleID || e.CallType != domain.CallTypeScheduled {
			continue
		}
		if e.Status == domain.ExecutionCancelled {
			continue
		}
		if latest == nil || e.ScheduledFor.After(*latest) {
			t := e.ScheduledFor
			latest = &t
		}
	}
	return latest, nil
}

func (r memExecutions) ListDue(_ context.Context, now time.Time, limit int) ([]domain.ScheduledCallExecution, error) {
	return r.filter(func(e domain.ScheduledCallExecution) bool {
		return e.Status == domain.ExecutionPending && !e.ScheduledFor.After(now)
	}, byScheduledFor, limitOrDefault(limit)), nil
}

func (r memExecutions) ListStaleInProgress(_ context.Context, attemptedBefore time.Time, limit int) ([]domain.ScheduledCallExecution, error) {
	return r.filter(func(e domain.ScheduledCallExecution) bool {
		return e.Status == domain.ExecutionInProgress && e.AttemptedAt != nil && e.AttemptedAt.Before(attemptedBefore)
	}, func(a, b domain.ScheduledCallExecution) bool {
		return a.AttemptedAt.Before(*b.AttemptedAt)
	}, limitOrDefault(limit)), nil
}

func (r memExecutions) ListStalePending(_ context.Context, scheduledBefore time.Time, limit int) ([]domain.ScheduledCallExecution, error) {
	return r.filter(func(e domain.ScheduledCallExecution) bool {
		return e.Status == domain.ExecutionPending && e.CallType.Retryable() && e.ScheduledFor.Before(scheduledBefore)
	}, byScheduledFor, limitOrDefault(limit)), nil
}

func containsValue[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (r memExecutions) List(_ context.Context, f domain.ExecutionFilters) ([]domain.ScheduledCallExecution, error) {
	return r.filter(func(e domain.ScheduledCallExecution) bool {
		switch {
		case f.PersonID != nil && e.PersonID != *f.PersonID:
			return false
		case f.ScheduleID != nil && (e.ScheduleID == nil || *e.ScheduleID != *f.ScheduleID):
			return false
		case f.IncidentID != nil && (e.IncidentID == nil || *e.IncidentID != *f.IncidentID):
			return false
		case len(f.Statuses) > 0 && !containsValue(f.Statuses, e.Status):
			return false
		case len(f.CallTypes) > 0 && !containsValue(f.CallTypes, e.CallType):
			return false
		case f.From != nil && e.ScheduledFor.Before(*f.From):
			return false
		case f.To != nil && !e.ScheduledFor.Before(*f.To):
			return false
		}
		return true
	}, func(a, b domain.ScheduledCallExecution) bool {
		return a.ScheduledFor.After(b.ScheduledFor)
	}, limitOrDefault(f.Limit)), nil
}

// ---- contacts ----

type memContacts struct{ tx *memTx }

func (r memContacts) ListForPerson(_ context.Context, personID string, activeOnly bool) ([]domain.PrioritizedContact, error) {
	st := r.tx.st()
	var out []domain.PrioritizedContact
	for _, a := range st.contactAssignments {
		if a.PersonID != personID {
			continue
		}
		c, ok := st.contacts[a.ContactID]
		if !ok || (activeOnly && !c.Active) {
			continue
		}
		out = append(out, domain.PrioritizedContact{Assignment: a, Contact: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Assignment.Priority < out[j].Assignment.Priority })
	return out, nil
}

func (r memContacts) GetContact(_ context.Context, contactID string) (*domain.EmergencyContact, error) {
	c, ok := r.tx.st().contacts[contactID]
	if !ok {
		return nil, notFoundID("contact", contactID)
	}
	return &c, nil
}

func (r memContacts) GetAssignment(_ context.Context, assignmentID string) (*domain.ContactAssignment, error) {
	a, ok := r.tx.st().contactAssignments[assignmentID]
	if !ok {
		return nil, notFoundID("contact assignment", assignmentID)
	}
	return &a, nil
}

func (r memContacts) PriorityTaken(_ context.Context, personID string, priority int, excludeAssignmentID string) (bool, error) {
	for id, a := range r.tx.st().contactAssignments {
		if a.PersonID == personID && a.Priority == priority && id != excludeAssignmentID {
			return true, nil
		}
	}
	return false, nil
}

func (r memContacts) CreateAssignment(ctx context.Context, a *domain.ContactAssignment) error {
	st := r.tx.st()
	for _, x := range st.contactAssignments {
		if x.PersonID != a.PersonID {
			continue
		}
		if x.Priority == a.Priority {
			return fmt.Errorf("priority %d already used for person %s: %w", a.Priority, a.PersonID, domain.ErrConflict)
		}
		if x.ContactID == a.ContactID {
			return fmt.Errorf("contact %s already assigned to person %s: %w", a.ContactID, a.PersonID, domain.ErrConflict)
		}
	}
	if a.AssignmentID == "" {
		a.AssignmentID = uuid.NewString()
	}
	now := r.tx.s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	st.contactAssignments[a.AssignmentID] = *a
	return nil
}

func (r memContacts) UpdatePriority(ctx context.Context, assignmentID string, priority int) error {
	st := r.tx.st()
	a, ok := st.contactAssignments[assignmentID]
	if !ok {
		return notFoundID("contact assignment", assignmentID)
	}
	if taken, _ := r.PriorityTaken(ctx, a.PersonID, priority, assignmentID); taken {
		return fmt.Errorf("priority %d already used: %w", priority, domain.ErrConflict)
	}
	a.Priority = priority
	a.UpdatedAt = r.tx.s.now()
	st.contactAssignments[assignmentID] = a
	return nil
}

// ---- incidents ----

type memIncidents struct{ tx *memTx }

func (r memIncidents) Create(_ context.Context, inc *domain.EscalationIncident) error {
	st := r.tx.st()
	if inc.OriginExecutionID != nil {
		for _, x := range st.incidents {
			if x.OriginExecutionID != nil && *x.OriginExecutionID == *inc.OriginExecutionID {
				return fmt.Errorf("incident already exists for execution: %w", domain.ErrConflict)
			}
		}
	}
	if inc.IncidentID == "" {
		inc.IncidentID = uuid.NewString()
	}
	now := r.tx.s.now()
	inc.CreatedAt, inc.UpdatedAt = now, now
	st.incidents[inc.IncidentID] = *inc
	r.tx.s.track(inc.IncidentID)
	return nil
}

func (r memIncidents) Get(_ context.Context, incidentID string) (*domain.EscalationIncident, error) {
	inc, ok := r.tx.st().incidents[incidentID]
	if !ok {
		return nil, notFoundID("incident", incidentID)
	}
	return &inc, nil
}

func (r memIncidents) GetForUpdate(ctx context.Context, incidentID string) (*domain.EscalationIncident, error) {
	return r.Get(ctx, incidentID)
}

func (r memIncidents) GetByOriginExecution(_ context.Context, executionID string) (*domain.EscalationIncident, error) {
	for _, inc := range r.tx.st().incidents {
		if inc.OriginExecutionID != nil && *inc.OriginExecutionID == executionID {
			out := inc
			return &out, nil
		}
	}
	return nil, notFoundID("incident for execution", executionID)
}

func (r memIncidents) List(_ context.Context, f domain.IncidentFilters) ([]domain.EscalationIncident, error) {
	st := r.tx.st()
	var out []domain.EscalationIncident
	for _, inc := range st.incidents {
		if f.PersonID != nil && inc.PersonID != *f.PersonID {
			continue
		}
		if f.Status != nil && inc.Status != *f.Status {
			continue
		}
		if f.NeedsAttention && !inc.NeedsManualAttention() {
			continue
		}
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return st.order[out[i].IncidentID] > st.order[out[j].IncidentID] })
	if limit := limitOrDefault(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memIncidents) UpdateState(_ context.Context, incidentID string, state domain.EscalationState, currentAttemptID *string) error {
	st := r.tx.st()
	inc, ok := st.incidents[incidentID]
	if !ok {
		return notFoundID("incident", incidentID)
	}
	inc.EscalationState = state
	inc.CurrentAttemptID = currentAttemptID
	inc.UpdatedAt = r.tx.s.now()
	st.incidents[incidentID] = inc
	return nil
}

func (r memIncidents) Resolve(_ context.Context, incidentID, notes string, at time.Time) error {
	st := r.tx.st()
	inc, ok := st.incidents[incidentID]
	if !ok || inc.Status != domain.IncidentOpen {
		return nil
	}
	inc.Status = domain.IncidentResolved
	inc.EscalationState = domain.StateClosed
	inc.ResolvedAt = &at
	inc.ResolutionNotes = &notes
	inc.UpdatedAt = r.tx.s.now()
	st.incidents[incidentID] = inc
	return nil
}

func (r memIncidents) CreateAttempt(_ context.Context, a *domain.EscalationContactAttempt) error {
	if a.AttemptID == "" {
		a.AttemptID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = domain.AttemptPending
	}
	a.CreatedAt = r.tx.s.now()
	r.tx.st().attempts[a.AttemptID] = *a
	r.tx.s.track(a.AttemptID)
	return nil
}

func (r memIncidents) GetAttemptByExecution(_ context.Context, executionID string) (*domain.EscalationContactAttempt, error) {
	for _, a := range r.tx.st().attempts {
		if a.ExecutionID != nil && *a.ExecutionID == executionID {
			out := a
			return &out, nil
		}
	}
	return nil, notFoundID("attempt for execution", executionID)
}

func (r memIncidents) ResolveAttempt(_ context.Context, attemptID string, status domain.AttemptStatus, answeredAt *time.Time) (bool, error) {
	st := r.tx.st()
	a, ok := st.attempts[attemptID]
	if !ok || a.Status != domain.AttemptPending {
		return false, nil
	}
	a.Status = status
	a.AnsweredAt = answeredAt
	st.attempts[attemptID] = a
	return true, nil
}

func (r memIncidents) ListAttempts(_ context.Context, incidentID string) ([]domain.EscalationContactAttempt, error) {
	st := r.tx.st()
	var out []domain.EscalationContactAttempt
	for _, a := range st.attempts {
		if a.IncidentID == incidentID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return st.order[out[i].AttemptID] < st.order[out[j].AttemptID] })
	return out, nil
}

func (r memIncidents) CreateFollowup(_ context.Context, f *domain.EscalationFollowup) error {
	if f.FollowupID == "" {
		f.FollowupID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = domain.FollowupPending
	}
	f.CreatedAt = r.tx.s.now()
	r.tx.st().followups[f.FollowupID] = *f
	r.tx.s.track(f.FollowupID)
	return nil
}

func (r memIncidents) GetFollowup(_ context.Context, followupID string) (*domain.EscalationFollowup, error) {
	f, ok := r.tx.st().followups[followupID]
	if !ok {
		return nil, notFoundID("followup", followupID)
	}
	return &f, nil
}

func (r memIncidents) GetFollowupByExecution(_ context.Context, executionID string) (*domain.EscalationFollowup, error) {
	for _, f := range r.tx.st().followups {
		if f.ExecutionID != nil && *f.ExecutionID == executionID {
			out := f
			return &out, nil
		}
	}
	return nil, notFoundID("followup for execution", executionID)
}

func (r memIncidents) CompleteFollowup(_ context.Context, followupID string, result FollowupResult) (bool, error) {
	st := r.tx.st()
	f, ok := st.followups[followupID]
	if !ok || f.Status != domain.FollowupPending {
		return false, nil
	}
	at := result.CompletedAt
	f.Status = domain.FollowupCompleted
	f.HelpArrived = result.HelpArrived
	f.NeedsFurtherEscalation = result.NeedsFurtherEscalation
	f.ReportID = result.ReportID
	f.CompletedAt = &at
	st.followups[followupID] = f
	return true, nil
}

func (r memIncidents) ListFollowups(_ context.Context, incidentID string) ([]domain.EscalationFollowup, error) {
	st := r.tx.st()
	var out []domain.EscalationFollowup
	for _, f := range st.followups {
		if f.IncidentID == incidentID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return st.order[out[i].FollowupID] < st.order[out[j].FollowupID] })
	return out, nil
}
