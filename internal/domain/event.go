package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is emitted by a business module and routed to matching triggers.
type Event struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	SourceModule string
	EventType    string
	Payload      map[string]any
	OccurredAt   time.Time
}

func (e Event) Key() EventKey {
	return EventKey{TenantID: e.TenantID, SourceModule: e.SourceModule, EventType: e.EventType}
}

// EventReport is the outcome of handling one event.
type EventReport struct {
	EventID uuid.UUID
	Results []ExecutionResult
	Err     error
}

// Envelope carries an event through the bus. Reply is nil when nobody waits;
// otherwise it must have capacity for one report.
type Envelope struct {
	Event Event
	Reply chan<- EventReport
}
