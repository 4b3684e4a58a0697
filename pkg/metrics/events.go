package metrics

// Event names shared by emitters and sinks.
const (
	EventActorCreated = "actor_created"
	EventActorEvicted = "actor_evicted"

	EventTurnStarted   = "turn_started"
	EventTurnCompleted = "turn_completed"
	EventTurnFailed    = "turn_failed"
	EventBargeIn       = "barge_in"
	EventFirstStatus   = "first_status_ms"
	EventFirstToken    = "first_token_ms"
	EventTurnLatency   = "turn_latency_ms"

	EventEmitted         = "event_emitted"
	EventListenerDropped = "listener_dropped"

	EventVerification       = "verification"
	EventToolCall           = "tool_call"
	EventToolLatency        = "tool_latency_ms"
	EventPreconditionUnmet  = "precondition_unmet"
	EventWorkflowStep       = "workflow_step"
	EventModelCall          = "model_call"
	EventRateLimit          = "rate_limit"
	EventBreakerOpen        = "breaker_open"
	EventBreakerClose       = "breaker_close"
	EventBreakerDenied      = "breaker_denied"
	EventStoreWrite         = "store_write"
	EventEventExport        = "event_export"
	EventEscalationNotified = "escalation_notified"

	EventPayloadRejected = "payload_rejected"
	EventSocketOpened    = "socket_opened"
	EventSocketClosed    = "socket_closed"
)
