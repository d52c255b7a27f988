package schema

// Event type constants for the process event log.
const (
	EventProcessStarted   = "process_started"
	EventProcessCompleted = "process_completed"
	EventProcessFailed    = "process_failed"
	EventProcessCancelled = "process_cancelled"

	EventStepStarted   = "step_started"
	EventStepSucceeded = "step_succeeded"
	EventStepDegraded  = "step_degraded"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventVariablesMerged    = "variables_merged"
	EventCircuitBreakerOpen = "circuit_breaker_open"
	EventRetentionPurged    = "retention_purged"
)
