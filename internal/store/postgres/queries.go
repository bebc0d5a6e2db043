package postgres

const triggerColumns = `
    id, tenant_id, name, type, source_module, event_type,
    conditions, target_module, action, action_config,
    is_active, priority, cron_expression, timezone,
    last_triggered_at, trigger_count, success_count, failure_count,
    created_at, updated_at`

const executionColumns = `
    id, tenant_id, trigger_id, event_id, attempt, retry_of, manual, status,
    input_data, output_data, error_kind, error_message, execution_time_ms,
    created_at, started_at, completed_at`

const queryInsertTrigger = `
INSERT INTO triggers (` + triggerColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
`

// Counters and created_at are left alone; they belong to IncrementTriggerCounters.
const queryUpdateTrigger = `
UPDATE triggers
SET name = $3, type = $4, source_module = $5, event_type = $6,
    conditions = $7, target_module = $8, action = $9, action_config = $10,
    is_active = $11, priority = $12, cron_expression = $13, timezone = $14,
    updated_at = $15
WHERE id = $1 AND tenant_id = $2
`

const queryGetTrigger = `
SELECT` + triggerColumns + `
FROM triggers
WHERE tenant_id = $1 AND id = $2
`

const queryGetTriggerByName = `
SELECT` + triggerColumns + `
FROM triggers
WHERE tenant_id = $1 AND name = $2
`

const queryListTriggers = `
SELECT` + triggerColumns + `
FROM triggers
WHERE tenant_id = $1
ORDER BY created_at, id
LIMIT $2 OFFSET $3
`

const queryListActiveTriggers = `
SELECT` + triggerColumns + `
FROM triggers
WHERE tenant_id = $1
  AND source_module = $2
  AND event_type = $3
  AND is_active
`

const queryListScheduledTriggers = `
SELECT` + triggerColumns + `
FROM triggers
WHERE is_active AND type = 'scheduled'
ORDER BY id
`

const queryIncrementTriggerCounters = `
UPDATE triggers
SET trigger_count = trigger_count + 1,
    success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
    failure_count = failure_count + CASE WHEN $2 THEN 0 ELSE 1 END,
    last_triggered_at = $3
WHERE id = $1
`

const queryInsertExecution = `
INSERT INTO trigger_executions (` + executionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
`

// The status guard in WHERE is evaluated after the row lock is taken, so
// concurrent transitions of one row serialize.
const queryTransitionExecution = `
UPDATE trigger_executions
SET status = $3, output_data = $4, error_kind = $5, error_message = $6,
    execution_time_ms = $7, started_at = $8, completed_at = $9
WHERE id = $1 AND tenant_id = $2
  AND status = ANY($10)
`

const queryExecutionExists = `
SELECT EXISTS (SELECT 1 FROM trigger_executions WHERE id = $1 AND tenant_id = $2)
`

const queryGetExecution = `
SELECT` + executionColumns + `
FROM trigger_executions
WHERE tenant_id = $1 AND id = $2
`

const queryListExecutions = `
SELECT` + executionColumns + `
FROM trigger_executions
WHERE tenant_id = $1 AND trigger_id = $2
ORDER BY created_at DESC, attempt DESC
LIMIT $3 OFFSET $4
`

const queryListUnfinishedExecutions = `
SELECT` + executionColumns + `
FROM trigger_executions
WHERE status IN ('pending', 'running')
  AND created_at < $1
ORDER BY created_at ASC
LIMIT $2
`
