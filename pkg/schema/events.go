package schema

// Event types appended to the execution journal on lifecycle transitions.
const (
	EventNarrativeStarted   = "narrative.started"
	EventNarrativeSucceeded = "narrative.succeeded"
	EventNarrativeFailed    = "narrative.failed"

	EventActStarted   = "act.started"
	EventActCompleted = "act.completed"
	EventActFailed    = "act.failed"
	EventActRetrying  = "act.retrying"
	EventActSkipped   = "act.skipped"

	EventActRetryAttempt  = "act.retry_attempt"
	EventProcessorFailed  = "processor.failed"
	EventExtractionStored = "extraction.stored"

	EventTaskPaused   = "task.paused"
	EventTaskResumed  = "task.resumed"
	EventTaskProbe    = "task.probe"
	EventStoreBreaker = "store.circuit_open"
)
