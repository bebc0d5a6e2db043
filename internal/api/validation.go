package api

import (
	"fmt"
	"time"

	"github.com/Annas82200/mizan-triggers/internal/condition"
	"github.com/Annas82200/mizan-triggers/internal/cron"
	"github.com/Annas82200/mizan-triggers/internal/domain"
)

func validateCreateTrigger(req CreateTriggerRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if req.SourceModule == "" {
		return fmt.Errorf("source_module is required")
	}
	if req.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if req.TargetModule == "" {
		return fmt.Errorf("target_module is required")
	}
	if req.Action == "" {
		return fmt.Errorf("action is required")
	}

	typ := domain.TriggerType(req.TriggerType)
	if req.TriggerType != "" && !typ.Valid() {
		return fmt.Errorf("trigger_type must be one of event_based, threshold_based, scheduled")
	}
	if typ == domain.TriggerTypeScheduled && req.Schedule == nil {
		return fmt.Errorf("schedule is required for scheduled triggers")
	}
	if typ != domain.TriggerTypeScheduled && req.Schedule != nil {
		return fmt.Errorf("schedule is only allowed on scheduled triggers")
	}

	return validateCommon(req.Priority, req.Conditions, req.Schedule)
}

func validateUpdateTrigger(req UpdateTriggerRequest) error {
	if req.Name != nil && *req.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
		if priority == 0 {
			return fmt.Errorf("priority must be between %d and %d", domain.MinPriority, domain.MaxPriority)
		}
	}
	return validateCommon(priority, req.Conditions, req.Schedule)
}

// validateCommon checks the fields shared by create and update. A zero
// priority means unset.
func validateCommon(priority int, conditions []byte, schedule *ScheduleRequest) error {
	if priority != 0 && (priority < domain.MinPriority || priority > domain.MaxPriority) {
		return fmt.Errorf("priority must be between %d and %d", domain.MinPriority, domain.MaxPriority)
	}
	if err := condition.Validate(conditions); err != nil {
		return fmt.Errorf("invalid conditions: %w", err)
	}
	if schedule == nil {
		return nil
	}

	if schedule.CronExpression == "" {
		return fmt.Errorf("schedule.cron_expression is required")
	}
	if err := validateCron(schedule.CronExpression); err != nil {
		return fmt.Errorf("invalid schedule.cron_expression: %w", err)
	}
	tz := schedule.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if err := validateTimezone(tz); err != nil {
		return fmt.Errorf("invalid schedule.timezone: %w", err)
	}
	return nil
}

func validateEmitEvent(req EmitEventRequest) error {
	if req.SourceModule == "" {
		return fmt.Errorf("source_module is required")
	}
	if req.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	return nil
}

var cronParser = cron.NewParser()

func validateCron(expr string) error {
	return cronParser.Validate(expr, "UTC")
}

func validateTimezone(tz string) error {
	_, err := time.LoadLocation(tz)
	return err
}
