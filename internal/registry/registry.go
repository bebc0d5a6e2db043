// Package registry owns trigger definitions: tenant-scoped CRUD, candidate
// lookup by event key, and the bookkeeping counters.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Annas82200/mizan-triggers/internal/condition"
	"github.com/Annas82200/mizan-triggers/internal/domain"
)

var (
	// ErrTriggerNotFound is returned for unknown trigger ids, including ids
	// that exist under another tenant.
	ErrTriggerNotFound  = errors.New("trigger not found")
	ErrInvalidTrigger   = errors.New("invalid trigger")
	ErrDuplicateTrigger = errors.New("trigger name already exists for tenant")
)

type Store interface {
	InsertTrigger(ctx context.Context, t domain.Trigger) error
	UpdateTrigger(ctx context.Context, t domain.Trigger) error
	GetTrigger(ctx context.Context, tenantID, triggerID uuid.UUID) (domain.Trigger, error)
	GetTriggerByName(ctx context.Context, tenantID uuid.UUID, name string) (domain.Trigger, error)
	ListTriggers(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.Trigger, error)
	// ListActiveTriggers returns active triggers for key. Order is not relied on.
	ListActiveTriggers(ctx context.Context, key domain.EventKey) ([]domain.Trigger, error)
	ListScheduledTriggers(ctx context.Context) ([]domain.Trigger, error)
	// IncrementTriggerCounters must be a single atomic increment in the store,
	// never a read-modify-write. Returns ErrTriggerNotFound for unknown ids.
	IncrementTriggerCounters(ctx context.Context, triggerID uuid.UUID, success bool, at time.Time) error
}

// CronValidator checks cron expressions of scheduled triggers.
type CronValidator interface {
	Validate(expression, timezone string) error
}

type Registry struct {
	store  Store
	cron   CronValidator // optional
	clock  func() time.Time
	logger logrus.FieldLogger
}

func New(store Store, logger logrus.FieldLogger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		store:  store,
		clock:  time.Now,
		logger: logger.WithField("component", "registry"),
	}
}

// WithClock overrides the timestamp source.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// WithCronValidator enables cron validation for scheduled triggers.
func (r *Registry) WithCronValidator(v CronValidator) *Registry {
	r.cron = v
	return r
}

// ListCandidates returns active triggers for the event key ordered by
// priority ascending, then creation order.
func (r *Registry) ListCandidates(ctx context.Context, key domain.EventKey) ([]domain.Trigger, error) {
	triggers, err := r.store.ListActiveTriggers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list active triggers: %w", err)
	}

	out := triggers[:0]
	for _, t := range triggers {
		// Defensive against store implementations that leak rows.
		if !t.IsActive || t.TenantID != key.TenantID {
			continue
		}
		out = append(out, t)
	}
	SortByPriority(out)
	return out, nil
}

// SortByPriority orders triggers by priority, then creation time, then id.
func SortByPriority(triggers []domain.Trigger) {
	sort.SliceStable(triggers, func(i, j int) bool {
		a, b := triggers[i], triggers[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// RecordOutcome atomically bumps triggerCount and the matching outcome
// counter, and stamps lastTriggeredAt.
func (r *Registry) RecordOutcome(ctx context.Context, triggerID uuid.UUID, success bool) error {
	if err := r.store.IncrementTriggerCounters(ctx, triggerID, success, r.clock().UTC()); err != nil {
		if errors.Is(err, ErrTriggerNotFound) {
			r.logger.WithField("trigger_id", triggerID).Error("record outcome for unknown trigger")
		}
		return err
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, tenantID, triggerID uuid.UUID) (domain.Trigger, error) {
	return r.store.GetTrigger(ctx, tenantID, triggerID)
}

func (r *Registry) GetByName(ctx context.Context, tenantID uuid.UUID, name string) (domain.Trigger, error) {
	return r.store.GetTriggerByName(ctx, tenantID, name)
}

func (r *Registry) List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.Trigger, error) {
	return r.store.ListTriggers(ctx, tenantID, limit, offset)
}

func (r *Registry) ListScheduled(ctx context.Context) ([]domain.Trigger, error) {
	return r.store.ListScheduledTriggers(ctx)
}

// CreateInput holds the administrator-supplied fields of a new trigger.
type CreateInput struct {
	TenantID     uuid.UUID
	Name         string
	Type         domain.TriggerType
	SourceModule string
	EventType    string
	Conditions   json.RawMessage
	TargetModule string
	Action       string
	ActionConfig map[string]any
	Priority     int
	IsActive     *bool // defaults to true
	Schedule     *domain.Schedule
}

func (r *Registry) Create(ctx context.Context, in CreateInput) (domain.Trigger, error) {
	now := r.clock().UTC()
	t := domain.Trigger{
		ID:           uuid.New(),
		TenantID:     in.TenantID,
		Name:         in.Name,
		Type:         in.Type,
		SourceModule: in.SourceModule,
		EventType:    in.EventType,
		Conditions:   in.Conditions,
		TargetModule: in.TargetModule,
		Action:       in.Action,
		ActionConfig: in.ActionConfig,
		Priority:     in.Priority,
		IsActive:     true,
		Schedule:     in.Schedule,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.Type == "" {
		t.Type = domain.TriggerTypeEventBased
	}
	if t.Priority == 0 {
		t.Priority = 5
	}
	if in.IsActive != nil {
		t.IsActive = *in.IsActive
	}
	if t.ActionConfig == nil {
		t.ActionConfig = map[string]any{}
	}

	if err := r.validate(t); err != nil {
		return domain.Trigger{}, err
	}
	if err := r.store.InsertTrigger(ctx, t); err != nil {
		return domain.Trigger{}, err
	}

	r.logger.WithFields(logrus.Fields{
		"tenant_id":  t.TenantID,
		"trigger_id": t.ID,
		"event":      t.SourceModule + "/" + t.EventType,
		"target":     t.TargetModule + "/" + t.Action,
	}).Info("trigger created")
	return t, nil
}

// Patch holds the mutable fields of a trigger. Nil fields are left as is.
type Patch struct {
	Name         *string
	Conditions   json.RawMessage
	ActionConfig map[string]any
	Priority     *int
	IsActive     *bool
	Schedule     *domain.Schedule
}

// Update applies p to the trigger. Counters are never touched here.
func (r *Registry) Update(ctx context.Context, tenantID, triggerID uuid.UUID, p Patch) (domain.Trigger, error) {
	t, err := r.store.GetTrigger(ctx, tenantID, triggerID)
	if err != nil {
		return domain.Trigger{}, err
	}

	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Conditions != nil {
		t.Conditions = p.Conditions
	}
	if p.ActionConfig != nil {
		t.ActionConfig = p.ActionConfig
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.IsActive != nil {
		t.IsActive = *p.IsActive
	}
	if p.Schedule != nil {
		t.Schedule = p.Schedule
	}
	t.UpdatedAt = r.clock().UTC()

	if err := r.validate(t); err != nil {
		return domain.Trigger{}, err
	}
	if err := r.store.UpdateTrigger(ctx, t); err != nil {
		return domain.Trigger{}, err
	}
	return t, nil
}

// Disable soft-disables a trigger. Triggers are never hard-deleted because
// execution history references them.
func (r *Registry) Disable(ctx context.Context, tenantID, triggerID uuid.UUID) (domain.Trigger, error) {
	inactive := false
	t, err := r.Update(ctx, tenantID, triggerID, Patch{IsActive: &inactive})
	if err != nil {
		return domain.Trigger{}, err
	}
	r.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "trigger_id": triggerID}).Info("trigger disabled")
	return t, nil
}

func (r *Registry) validate(t domain.Trigger) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidTrigger, fmt.Sprintf(format, args...))
	}

	if t.TenantID == uuid.Nil {
		return invalid("tenant id is required")
	}
	if t.Name == "" {
		return invalid("name is required")
	}
	if !t.Type.Valid() {
		return invalid("unknown trigger type %q", t.Type)
	}
	if t.SourceModule == "" || t.EventType == "" {
		return invalid("source module and event type are required")
	}
	if t.TargetModule == "" || t.Action == "" {
		return invalid("target module and action are required")
	}
	if t.Priority < domain.MinPriority || t.Priority > domain.MaxPriority {
		return invalid("priority must be between %d and %d", domain.MinPriority, domain.MaxPriority)
	}
	if err := condition.Validate(t.Conditions); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}

	if t.Type == domain.TriggerTypeScheduled {
		if t.Schedule == nil || t.Schedule.CronExpression == "" {
			return invalid("scheduled triggers need a cron expression")
		}
		if r.cron != nil {
			tz := t.Schedule.Timezone
			if tz == "" {
				tz = "UTC"
			}
			if err := r.cron.Validate(t.Schedule.CronExpression, tz); err != nil {
				return invalid("schedule: %v", err)
			}
		}
	} else if t.Schedule != nil {
		return invalid("only scheduled triggers may carry a schedule")
	}
	return nil
}
