package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/sagastore/pkg/schema"
)

const flowSchemaURL = "https://sagastore.dev/schemas/transaction-flow.json"

// flowSchemaJSON is the JSON Schema of a stored TransactionFlow.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://sagastore.dev/schemas/transaction-flow.json",
  "type": "object",
  "required": ["model_id", "transaction_id", "run_id", "state", "steps"],
  "properties": {
    "model_id": { "type": "string", "minLength": 1 },
    "transaction_id": { "type": "string", "minLength": 1 },
    "run_id": { "type": "string", "minLength": 1 },
    "state": {
      "enum": ["NOT_STARTED", "INVOKING", "WAITING_TO_COMPENSATE", "COMPENSATING", "DONE", "FAILED", "REVERTED"]
    },
    "has_async_steps": { "type": "boolean" },
    "cancelled_at": { "type": "string", "format": "date-time" },
    "started_at": { "type": "string", "format": "date-time" },
    "timeout": { "type": "integer", "minimum": 0 },
    "metadata": {
      "type": "object",
      "properties": {
        "parent_step_idempotency_key": { "type": "string" },
        "event_group_id": { "type": "string" },
        "prevent_release_events": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "prefixItems": [
        { "$ref": "#/$defs/step", "properties": { "id": { "const": "_root" } } }
      ],
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "phase": {
      "type": "object",
      "properties": {
        "state": {
          "enum": ["", "NOT_STARTED", "INVOKING", "COMPENSATING", "DONE", "REVERTED", "FAILED",
                   "DORMANT", "SKIPPED", "SKIPPED_FAILURE", "TIMEOUT"]
        },
        "last_attempt": { "type": "string", "format": "date-time" }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "depth": { "type": "integer", "minimum": 0 },
        "definition": {
          "type": "object",
          "properties": {
            "action": { "type": "string" },
            "async": { "type": "boolean" },
            "timeout": { "type": "integer", "minimum": 0 },
            "max_retries": { "type": "integer", "minimum": 0 },
            "retry_interval": { "type": "integer", "minimum": 0 }
          },
          "additionalProperties": false
        },
        "invoke": { "$ref": "#/$defs/phase" },
        "compensate": { "$ref": "#/$defs/phase" },
        "attempts": { "type": "integer", "minimum": 0 },
        "last_attempt": { "type": "string", "format": "date-time" }
      },
      "additionalProperties": false
    }
  }
}`

// compileFlowSchema compiles the embedded flow schema.
func compileFlowSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	if err := c.AddResource(flowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}
	compiled, err := c.Compile(flowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}
	return compiled, nil
}

// validateStructural checks doc, a decoded JSON value, against the flow schema.
func validateStructural(s *jsonschema.Schema, doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := s.Validate(doc)
	if err == nil {
		return result
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		result.Add("/", err.Error())
		return result
	}
	collectViolations(verr, result)
	return result
}

// collectViolations walks a ValidationError tree and records its leaves.
func collectViolations(verr *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		result.Add(loc, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, result)
	}
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
