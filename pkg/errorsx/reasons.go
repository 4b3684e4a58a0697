package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonPayloadInvalid ReasonCode = "payload_invalid"

	ReasonPreconditionUnmet ReasonCode = "precondition_unmet"
	ReasonArgsInvalid       ReasonCode = "args_invalid"
	ReasonAdapterCall       ReasonCode = "adapter_call"
	ReasonToolTimeout       ReasonCode = "tool_timeout"
	ReasonResultInvalid     ReasonCode = "result_invalid"

	ReasonModelGenerate    ReasonCode = "model_generate"
	ReasonModelStream      ReasonCode = "model_stream"
	ReasonModelRateLimit   ReasonCode = "model_rate_limit"
	ReasonModelCircuitOpen ReasonCode = "model_circuit_open"

	ReasonWorkflowUnavailable ReasonCode = "workflow_unavailable"
	ReasonWorkflowSignal      ReasonCode = "workflow_signal"

	ReasonSummaryDecode  ReasonCode = "summary_decode"
	ReasonSnapshotDecode ReasonCode = "snapshot_decode"
	ReasonStoreWrite     ReasonCode = "store_write"
	ReasonStoreRead      ReasonCode = "store_read"

	ReasonListenerSend ReasonCode = "listener_send"
	ReasonEventExport  ReasonCode = "event_export"

	ReasonTurnPanic ReasonCode = "turn_panic"

	ReasonProviderInit ReasonCode = "provider_init"
	ReasonNotifySend   ReasonCode = "notify_send"
)
