package api

import (
	"encoding/json"
	"strings"
	"testing"
)

func validCreateRequest() CreateTriggerRequest {
	return CreateTriggerRequest{
		Name:         "critical gaps",
		SourceModule: "skills",
		EventType:    "skill_gap_detected",
		Conditions:   json.RawMessage(`{"priority":"critical"}`),
		TargetModule: "lxp",
		Action:       "create_learning_path",
		Priority:     5,
	}
}

func TestValidateCreateTrigger_ValidRequest(t *testing.T) {
	if err := validateCreateTrigger(validCreateRequest()); err != nil {
		t.Errorf("valid request should not return error, got: %v", err)
	}
}

func TestValidateCreateTrigger_ScheduledValid(t *testing.T) {
	req := validCreateRequest()
	req.TriggerType = "scheduled"
	req.Schedule = &ScheduleRequest{CronExpression: "0 8 * * 1", Timezone: "Asia/Riyadh"}

	if err := validateCreateTrigger(req); err != nil {
		t.Errorf("valid scheduled request should not return error, got: %v", err)
	}
}

func TestValidateCreateTrigger_Errors(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(r *CreateTriggerRequest)
		wantErr string
	}{
		{
			name:    "missing name",
			modify:  func(r *CreateTriggerRequest) { r.Name = "" },
			wantErr: "name is required",
		},
		{
			name:    "missing source_module",
			modify:  func(r *CreateTriggerRequest) { r.SourceModule = "" },
			wantErr: "source_module is required",
		},
		{
			name:    "missing event_type",
			modify:  func(r *CreateTriggerRequest) { r.EventType = "" },
			wantErr: "event_type is required",
		},
		{
			name:    "missing target_module",
			modify:  func(r *CreateTriggerRequest) { r.TargetModule = "" },
			wantErr: "target_module is required",
		},
		{
			name:    "missing action",
			modify:  func(r *CreateTriggerRequest) { r.Action = "" },
			wantErr: "action is required",
		},
		{
			name:    "unknown trigger_type",
			modify:  func(r *CreateTriggerRequest) { r.TriggerType = "webhook" },
			wantErr: "trigger_type must be one of",
		},
		{
			name:    "priority too high",
			modify:  func(r *CreateTriggerRequest) { r.Priority = 11 },
			wantErr: "priority must be between 1 and 10",
		},
		{
			name:    "negative priority",
			modify:  func(r *CreateTriggerRequest) { r.Priority = -1 },
			wantErr: "priority must be between 1 and 10",
		},
		{
			name:    "malformed conditions",
			modify:  func(r *CreateTriggerRequest) { r.Conditions = json.RawMessage(`{"all": 3}`) },
			wantErr: "invalid conditions",
		},
		{
			name:    "scheduled without schedule",
			modify:  func(r *CreateTriggerRequest) { r.TriggerType = "scheduled" },
			wantErr: "schedule is required",
		},
		{
			name: "schedule on event trigger",
			modify: func(r *CreateTriggerRequest) {
				r.Schedule = &ScheduleRequest{CronExpression: "* * * * *"}
			},
			wantErr: "schedule is only allowed",
		},
		{
			name: "bad cron",
			modify: func(r *CreateTriggerRequest) {
				r.TriggerType = "scheduled"
				r.Schedule = &ScheduleRequest{CronExpression: "61 * * * *"}
			},
			wantErr: "invalid schedule.cron_expression",
		},
		{
			name: "seconds field rejected",
			modify: func(r *CreateTriggerRequest) {
				r.TriggerType = "scheduled"
				r.Schedule = &ScheduleRequest{CronExpression: "0 0 * * * *"}
			},
			wantErr: "invalid schedule.cron_expression",
		},
		{
			name: "empty cron",
			modify: func(r *CreateTriggerRequest) {
				r.TriggerType = "scheduled"
				r.Schedule = &ScheduleRequest{}
			},
			wantErr: "schedule.cron_expression is required",
		},
		{
			name: "bad timezone",
			modify: func(r *CreateTriggerRequest) {
				r.TriggerType = "scheduled"
				r.Schedule = &ScheduleRequest{CronExpression: "* * * * *", Timezone: "Mars/Olympus"}
			},
			wantErr: "invalid schedule.timezone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validCreateRequest()
			tt.modify(&req)

			err := validateCreateTrigger(req)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestValidateUpdateTrigger(t *testing.T) {
	empty := ""
	zero := 0
	three := 3

	if err := validateUpdateTrigger(UpdateTriggerRequest{}); err != nil {
		t.Errorf("empty update should be valid, got: %v", err)
	}
	if err := validateUpdateTrigger(UpdateTriggerRequest{Priority: &three}); err != nil {
		t.Errorf("priority 3 should be valid, got: %v", err)
	}
	if err := validateUpdateTrigger(UpdateTriggerRequest{Name: &empty}); err == nil {
		t.Error("empty name should be rejected")
	}
	if err := validateUpdateTrigger(UpdateTriggerRequest{Priority: &zero}); err == nil {
		t.Error("priority 0 should be rejected")
	}
	if err := validateUpdateTrigger(UpdateTriggerRequest{Conditions: json.RawMessage(`{"not": 5}`)}); err == nil {
		t.Error("malformed conditions should be rejected")
	}
}

func TestValidateEmitEvent(t *testing.T) {
	if err := validateEmitEvent(EmitEventRequest{SourceModule: "skills", EventType: "gap"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := validateEmitEvent(EmitEventRequest{EventType: "gap"}); err == nil {
		t.Error("missing source_module should be rejected")
	}
	if err := validateEmitEvent(EmitEventRequest{SourceModule: "skills"}); err == nil {
		t.Error("missing event_type should be rejected")
	}
}
