package schema

// RunContext is the flow metadata carried into a re-invocation.
type RunContext struct {
	EventGroupID             string `json:"event_group_id,omitempty"`
	ParentStepIdempotencyKey string `json:"parent_step_idempotency_key,omitempty"`
	PreventReleaseEvents     bool   `json:"prevent_release_events,omitempty"`
}

// RunOptions are passed to the workflow runner when a timer or scheduled job
// re-invokes a workflow.
type RunOptions struct {
	TransactionID string     `json:"transaction_id,omitempty"`
	LogOnError    bool       `json:"log_on_error"`
	ThrowOnError  bool       `json:"throw_on_error"`
	Context       RunContext `json:"context"`
}

// RunContextFromMetadata copies the propagated fields of md; nil yields a zero value.
func RunContextFromMetadata(md *FlowMetadata) RunContext {
	if md == nil {
		return RunContext{}
	}
	return RunContext{
		EventGroupID:             md.EventGroupID,
		ParentStepIdempotencyKey: md.ParentStepIdempotencyKey,
		PreventReleaseEvents:     md.PreventReleaseEvents,
	}
}
