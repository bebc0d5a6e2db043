package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TriggerType string

const (
	TriggerTypeEventBased     TriggerType = "event_based"
	TriggerTypeThresholdBased TriggerType = "threshold_based"
	TriggerTypeScheduled      TriggerType = "scheduled"
)

// Valid reports whether t is one of the known trigger types.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerTypeEventBased, TriggerTypeThresholdBased, TriggerTypeScheduled:
		return true
	}
	return false
}

const (
	MinPriority = 1
	MaxPriority = 10
)

// Schedule is only set on scheduled triggers.
type Schedule struct {
	CronExpression string
	Timezone       string // IANA timezone, defaults to UTC
}

// Trigger is a tenant-scoped rule mapping a source event to a target action.
type Trigger struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Name     string

	Type         TriggerType
	SourceModule string
	EventType    string

	// Conditions is the raw predicate tree. Empty means unconditional.
	Conditions json.RawMessage

	TargetModule string
	Action       string
	ActionConfig map[string]any

	IsActive bool
	Priority int

	Schedule *Schedule

	// Bookkeeping, written only through the registry's RecordOutcome.
	LastTriggeredAt *time.Time
	TriggerCount    int64
	SuccessCount    int64
	FailureCount    int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventKey identifies the (tenant, source module, event type) a trigger listens on.
type EventKey struct {
	TenantID     uuid.UUID
	SourceModule string
	EventType    string
}

func (t Trigger) Key() EventKey {
	return EventKey{TenantID: t.TenantID, SourceModule: t.SourceModule, EventType: t.EventType}
}
