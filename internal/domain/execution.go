package domain

import (
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// Execution records one attempt to fire a trigger against an event occurrence.
// Retries and replays are new rows.
type Execution struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	TriggerID uuid.UUID
	EventID   uuid.UUID

	Attempt int        // 1-based
	RetryOf *uuid.UUID // previous attempt, nil on the first
	Manual  bool       // created by an administrative replay

	Status ExecutionStatus

	InputData  map[string]any
	OutputData map[string]any

	ErrorKind       ErrorKind
	ErrorMessage    string
	ExecutionTimeMs int64

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}
