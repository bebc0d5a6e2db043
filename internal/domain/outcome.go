package domain

import "github.com/google/uuid"

type ErrorKind string

const (
	ErrorKindNone               ErrorKind = ""
	ErrorKindUnknownAction      ErrorKind = "UnknownAction"
	ErrorKindTimeout            ErrorKind = "Timeout"
	ErrorKindModuleHandlerError ErrorKind = "ModuleHandlerError"
	ErrorKindValidation         ErrorKind = "ValidationError"
	ErrorKindCircuitOpen        ErrorKind = "CircuitOpen"
	ErrorKindInterrupted        ErrorKind = "Interrupted"
)

// Outcome is what a dispatch produced.
type Outcome struct {
	Success      bool
	Output       map[string]any
	ErrorKind    ErrorKind
	ErrorMessage string
	// Transient marks a failure as worth retrying.
	Transient bool
}

// ExecutionResult summarizes what happened to one matched trigger for one event.
// Executions holds every attempt in order; the last one is final.
type ExecutionResult struct {
	TriggerID  uuid.UUID
	Priority   int
	Executions []Execution
	// Skipped is set when the firing was already recorded for this event.
	Skipped bool
	// Err is set when the ledger could not record the firing.
	Err error
}

// Final returns the last attempt, or false if none was made.
func (r ExecutionResult) Final() (Execution, bool) {
	if len(r.Executions) == 0 {
		return Execution{}, false
	}
	return r.Executions[len(r.Executions)-1], true
}
