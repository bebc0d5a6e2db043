package api

import (
	"encoding/json"
	"time"

	"github.com/Annas82200/mizan-triggers/internal/domain"
)

type ScheduleRequest struct {
	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone,omitempty"` // default UTC
}

type CreateTriggerRequest struct {
	Name         string           `json:"name"`
	TriggerType  string           `json:"trigger_type,omitempty"` // default event_based
	SourceModule string           `json:"source_module"`
	EventType    string           `json:"event_type"`
	Conditions   json.RawMessage  `json:"conditions,omitempty"`
	TargetModule string           `json:"target_module"`
	Action       string           `json:"action"`
	ActionConfig map[string]any   `json:"action_config,omitempty"`
	Priority     int              `json:"priority,omitempty"` // default 5
	IsActive     *bool            `json:"is_active,omitempty"`
	Schedule     *ScheduleRequest `json:"schedule,omitempty"`
}

// UpdateTriggerRequest changes only the fields that are present.
type UpdateTriggerRequest struct {
	Name         *string          `json:"name,omitempty"`
	Conditions   json.RawMessage  `json:"conditions,omitempty"`
	ActionConfig map[string]any   `json:"action_config,omitempty"`
	Priority     *int             `json:"priority,omitempty"`
	IsActive     *bool            `json:"is_active,omitempty"`
	Schedule     *ScheduleRequest `json:"schedule,omitempty"`
}

type EmitEventRequest struct {
	EventID      string         `json:"event_id,omitempty"`
	SourceModule string         `json:"source_module"`
	EventType    string         `json:"event_type"`
	Payload      map[string]any `json:"payload"`
}

type TriggerResponse struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	Name            string           `json:"name"`
	TriggerType     string           `json:"trigger_type"`
	SourceModule    string           `json:"source_module"`
	EventType       string           `json:"event_type"`
	Conditions      json.RawMessage  `json:"conditions,omitempty"`
	TargetModule    string           `json:"target_module"`
	Action          string           `json:"action"`
	ActionConfig    map[string]any   `json:"action_config"`
	IsActive        bool             `json:"is_active"`
	Priority        int              `json:"priority"`
	Schedule        *ScheduleRequest `json:"schedule,omitempty"`
	LastTriggeredAt *string          `json:"last_triggered_at,omitempty"`
	TriggerCount    int64            `json:"trigger_count"`
	SuccessCount    int64            `json:"success_count"`
	FailureCount    int64            `json:"failure_count"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
}

type ExecutionResponse struct {
	ID              string         `json:"id"`
	TriggerID       string         `json:"trigger_id"`
	EventID         string         `json:"event_id"`
	Attempt         int            `json:"attempt"`
	RetryOf         *string        `json:"retry_of,omitempty"`
	Manual          bool           `json:"manual"`
	Status          string         `json:"status"`
	InputData       map[string]any `json:"input_data"`
	OutputData      map[string]any `json:"output_data,omitempty"`
	ErrorKind       string         `json:"error_kind,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	CreatedAt       string         `json:"created_at"`
	StartedAt       *string        `json:"started_at,omitempty"`
	CompletedAt     *string        `json:"completed_at,omitempty"`
}

// ResultResponse is the outcome of one matched trigger.
type ResultResponse struct {
	TriggerID  string              `json:"trigger_id"`
	Skipped    bool                `json:"skipped,omitempty"`
	Error      string              `json:"error,omitempty"`
	Executions []ExecutionResponse `json:"executions"`
}

type EmitEventResponse struct {
	EventID string           `json:"event_id"`
	Results []ResultResponse `json:"results,omitempty"`
}

type ListTriggersResponse struct {
	Triggers []TriggerResponse `json:"triggers"`
}

type ListExecutionsResponse struct {
	Executions []ExecutionResponse `json:"executions"`
}

type StatsResponse struct {
	TriggerID string `json:"trigger_id"`
	Bucket    string `json:"bucket"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toTriggerResponse(t domain.Trigger) TriggerResponse {
	resp := TriggerResponse{
		ID:              t.ID.String(),
		TenantID:        t.TenantID.String(),
		Name:            t.Name,
		TriggerType:     string(t.Type),
		SourceModule:    t.SourceModule,
		EventType:       t.EventType,
		Conditions:      t.Conditions,
		TargetModule:    t.TargetModule,
		Action:          t.Action,
		ActionConfig:    t.ActionConfig,
		IsActive:        t.IsActive,
		Priority:        t.Priority,
		LastTriggeredAt: formatTimePtr(t.LastTriggeredAt),
		TriggerCount:    t.TriggerCount,
		SuccessCount:    t.SuccessCount,
		FailureCount:    t.FailureCount,
		CreatedAt:       formatTime(t.CreatedAt),
		UpdatedAt:       formatTime(t.UpdatedAt),
	}
	if t.Schedule != nil {
		resp.Schedule = &ScheduleRequest{
			CronExpression: t.Schedule.CronExpression,
			Timezone:       t.Schedule.Timezone,
		}
	}
	return resp
}

func toExecutionResponse(e domain.Execution) ExecutionResponse {
	resp := ExecutionResponse{
		ID:              e.ID.String(),
		TriggerID:       e.TriggerID.String(),
		EventID:         e.EventID.String(),
		Attempt:         e.Attempt,
		Manual:          e.Manual,
		Status:          string(e.Status),
		InputData:       e.InputData,
		OutputData:      e.OutputData,
		ErrorKind:       string(e.ErrorKind),
		ErrorMessage:    e.ErrorMessage,
		ExecutionTimeMs: e.ExecutionTimeMs,
		CreatedAt:       formatTime(e.CreatedAt),
		StartedAt:       formatTimePtr(e.StartedAt),
		CompletedAt:     formatTimePtr(e.CompletedAt),
	}
	if e.RetryOf != nil {
		id := e.RetryOf.String()
		resp.RetryOf = &id
	}
	return resp
}

func toResultResponse(r domain.ExecutionResult) ResultResponse {
	resp := ResultResponse{
		TriggerID:  r.TriggerID.String(),
		Skipped:    r.Skipped,
		Executions: make([]ExecutionResponse, len(r.Executions)),
	}
	if r.Err != nil {
		resp.Error = r.Err.Error()
	}
	for i, e := range r.Executions {
		resp.Executions[i] = toExecutionResponse(e)
	}
	return resp
}
