// Package memory is an in-process implementation of the trigger and
// execution stores. Safe for concurrent use. Intended for tests and local
// development; data does not survive a restart.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Annas82200/mizan-triggers/internal/domain"
	"github.com/Annas82200/mizan-triggers/internal/ledger"
	"github.com/Annas82200/mizan-triggers/internal/registry"
)

var (
	_ registry.Store = (*Store)(nil)
	_ ledger.Store   = (*Store)(nil)
)

type executionKey struct {
	triggerID uuid.UUID
	eventID   uuid.UUID
	attempt   int
}

type tenantName struct {
	tenantID uuid.UUID
	name     string
}

type Store struct {
	// txMu serializes WithinTx units; mu guards the maps.
	txMu sync.Mutex
	mu   sync.RWMutex

	triggers   map[uuid.UUID]*domain.Trigger
	names      map[tenantName]uuid.UUID
	executions map[uuid.UUID]*domain.Execution
	firings    map[executionKey]uuid.UUID
}

func New() *Store {
	return &Store{
		triggers:   make(map[uuid.UUID]*domain.Trigger),
		names:      make(map[tenantName]uuid.UUID),
		executions: make(map[uuid.UUID]*domain.Execution),
		firings:    make(map[executionKey]uuid.UUID),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

type txKey struct{}

type journal struct {
	undo []func()
}

// WithinTx runs fn as one unit. If fn returns an error, writes made through
// the store with fn's context are rolled back.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*journal); ok {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	j := &journal{}
	if err := fn(context.WithValue(ctx, txKey{}, j)); err != nil {
		s.mu.Lock()
		for i := len(j.undo) - 1; i >= 0; i-- {
			j.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// remember must be called with mu held.
func remember(ctx context.Context, undo func()) {
	if j, ok := ctx.Value(txKey{}).(*journal); ok {
		j.undo = append(j.undo, undo)
	}
}

// Triggers

func (s *Store) InsertTrigger(ctx context.Context, t domain.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantName{t.TenantID, t.Name}
	if _, exists := s.names[key]; exists {
		return registry.ErrDuplicateTrigger
	}
	cp := cloneTrigger(t)
	s.triggers[t.ID] = &cp
	s.names[key] = t.ID
	remember(ctx, func() {
		delete(s.triggers, t.ID)
		delete(s.names, key)
	})
	return nil
}

func (s *Store) UpdateTrigger(ctx context.Context, t domain.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.triggers[t.ID]
	if !ok || cur.TenantID != t.TenantID {
		return registry.ErrTriggerNotFound
	}
	newKey := tenantName{t.TenantID, t.Name}
	if id, exists := s.names[newKey]; exists && id != t.ID {
		return registry.ErrDuplicateTrigger
	}

	prev := *cur
	oldKey := tenantName{cur.TenantID, cur.Name}

	next := cloneTrigger(t)
	// Counters are owned by IncrementTriggerCounters.
	next.TriggerCount = cur.TriggerCount
	next.SuccessCount = cur.SuccessCount
	next.FailureCount = cur.FailureCount
	next.LastTriggeredAt = cur.LastTriggeredAt
	next.CreatedAt = cur.CreatedAt
	*cur = next

	delete(s.names, oldKey)
	s.names[newKey] = t.ID
	remember(ctx, func() {
		*cur = prev
		delete(s.names, newKey)
		s.names[oldKey] = t.ID
	})
	return nil
}

func (s *Store) GetTrigger(_ context.Context, tenantID, triggerID uuid.UUID) (domain.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.triggers[triggerID]
	if !ok || t.TenantID != tenantID {
		return domain.Trigger{}, registry.ErrTriggerNotFound
	}
	return cloneTrigger(*t), nil
}

func (s *Store) GetTriggerByName(_ context.Context, tenantID uuid.UUID, name string) (domain.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.names[tenantName{tenantID, name}]
	if !ok {
		return domain.Trigger{}, registry.ErrTriggerNotFound
	}
	return cloneTrigger(*s.triggers[id]), nil
}

func (s *Store) ListTriggers(_ context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Trigger
	for _, t := range s.triggers {
		if t.TenantID == tenantID {
			out = append(out, cloneTrigger(*t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return page(out, limit, offset), nil
}

func (s *Store) ListActiveTriggers(_ context.Context, key domain.EventKey) ([]domain.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Trigger
	for _, t := range s.triggers {
		if t.IsActive && t.Key() == key {
			out = append(out, cloneTrigger(*t))
		}
	}
	registry.SortByPriority(out)
	return out, nil
}

func (s *Store) ListScheduledTriggers(context.Context) ([]domain.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Trigger
	for _, t := range s.triggers {
		if t.IsActive && t.Type == domain.TriggerTypeScheduled && t.Schedule != nil {
			out = append(out, cloneTrigger(*t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) IncrementTriggerCounters(ctx context.Context, triggerID uuid.UUID, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[triggerID]
	if !ok {
		return registry.ErrTriggerNotFound
	}
	prevTotal, prevOK, prevFail, prevLast := t.TriggerCount, t.SuccessCount, t.FailureCount, t.LastTriggeredAt

	t.TriggerCount++
	if success {
		t.SuccessCount++
	} else {
		t.FailureCount++
	}
	last := at
	t.LastTriggeredAt = &last

	remember(ctx, func() {
		t.TriggerCount, t.SuccessCount, t.FailureCount, t.LastTriggeredAt = prevTotal, prevOK, prevFail, prevLast
	})
	return nil
}

// Executions

func (s *Store) InsertExecution(ctx context.Context, e domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := executionKey{e.TriggerID, e.EventID, e.Attempt}
	if _, exists := s.firings[key]; exists {
		return ledger.ErrDuplicateExecution
	}
	cp := cloneExecution(e)
	s.executions[e.ID] = &cp
	s.firings[key] = e.ID
	remember(ctx, func() {
		delete(s.executions, e.ID)
		delete(s.firings, key)
	})
	return nil
}

func (s *Store) TransitionExecution(ctx context.Context, e domain.Execution, from ...domain.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.executions[e.ID]
	if !ok || cur.TenantID != e.TenantID {
		return ledger.ErrExecutionNotFound
	}
	allowed := false
	for _, st := range from {
		if cur.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return ledger.ErrStatusTransitionDenied
	}

	prev := *cur
	cur.Status = e.Status
	cur.OutputData = maps.Clone(e.OutputData)
	cur.ErrorKind = e.ErrorKind
	cur.ErrorMessage = e.ErrorMessage
	cur.ExecutionTimeMs = e.ExecutionTimeMs
	cur.StartedAt = e.StartedAt
	cur.CompletedAt = e.CompletedAt
	remember(ctx, func() { *cur = prev })
	return nil
}

func (s *Store) GetExecution(_ context.Context, tenantID, executionID uuid.UUID) (domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[executionID]
	if !ok || e.TenantID != tenantID {
		return domain.Execution{}, ledger.ErrExecutionNotFound
	}
	return cloneExecution(*e), nil
}

func (s *Store) ListExecutions(_ context.Context, tenantID, triggerID uuid.UUID, limit, offset int) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Execution
	for _, e := range s.executions {
		if e.TenantID == tenantID && e.TriggerID == triggerID {
			out = append(out, cloneExecution(*e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Attempt > out[j].Attempt
	})
	return page(out, limit, offset), nil
}

func (s *Store) ListUnfinishedExecutions(_ context.Context, olderThan time.Time, limit int) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Execution
	for _, e := range s.executions {
		if e.Status.Terminal() || !e.CreatedAt.Before(olderThan) {
			continue
		}
		out = append(out, cloneExecution(*e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneTrigger(t domain.Trigger) domain.Trigger {
	t.ActionConfig = maps.Clone(t.ActionConfig)
	if t.Conditions != nil {
		t.Conditions = append([]byte(nil), t.Conditions...)
	}
	if t.Schedule != nil {
		sc := *t.Schedule
		t.Schedule = &sc
	}
	return t
}

func cloneExecution(e domain.Execution) domain.Execution {
	e.InputData = maps.Clone(e.InputData)
	e.OutputData = maps.Clone(e.OutputData)
	return e
}
