package validation

import (
	"fmt"

	"github.com/rendis/sagastore/pkg/schema"
)

// validateSemantic checks what the schema cannot express: unique step ids,
// a single root, and has_async_steps agreeing with the step definitions.
func validateSemantic(flow *schema.TransactionFlow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]int, len(flow.Steps))
	async := false
	for i, st := range flow.Steps {
		path := fmt.Sprintf("/steps/%d", i)
		if st == nil {
			result.Add(path, "step is null")
			continue
		}
		if prev, dup := seen[st.ID]; dup {
			result.Addf(path+"/id", "duplicate step id %q (first at /steps/%d)", st.ID, prev)
		} else {
			seen[st.ID] = i
		}
		if i > 0 && st.ID == schema.RootStepID {
			result.Add(path+"/id", "root step must be the first step")
		}
		if st.Definition.Async {
			async = true
		}
		if st.Definition.MaxRetries > 0 && st.Definition.RetryInterval <= 0 {
			result.Add(path+"/definition/retry_interval", "must be positive when max_retries is set")
		}
	}

	if async && !flow.HasAsyncSteps {
		result.Add("/has_async_steps", "must be true when a step is async")
	}
	return result
}
