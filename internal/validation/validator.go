// Package validation checks transaction flows before they are first stored.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/sagastore/pkg/schema"
)

// FlowValidator runs the two validation stages:
//  1. Structural (JSON Schema Draft 2020-12)
//  2. Semantic (step ids, root placement, async consistency)
//
// It is safe for concurrent use.
type FlowValidator struct {
	flowSchema *jsonschema.Schema
}

// NewFlowValidator compiles the flow schema.
func NewFlowValidator() (*FlowValidator, error) {
	s, err := compileFlowSchema()
	if err != nil {
		return nil, err
	}
	return &FlowValidator{flowSchema: s}, nil
}

// Validate returns every issue found in flow. Structural issues
// short-circuit the semantic stage.
func (v *FlowValidator) Validate(flow *schema.TransactionFlow) *schema.ValidationResult {
	if flow == nil {
		r := &schema.ValidationResult{}
		r.Add("/", "transaction flow is nil")
		return r
	}

	doc, err := toJSONValue(flow)
	if err != nil {
		r := &schema.ValidationResult{}
		r.Addf("/", "serialize transaction flow: %v", err)
		return r
	}
	result := validateStructural(v.flowSchema, doc)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(flow))
	return result
}

// ValidateFlow is Validate as an error.
func (v *FlowValidator) ValidateFlow(flow *schema.TransactionFlow) error {
	return v.Validate(flow).ToError()
}

// ValidateJSON validates a flow document, or a checkpoint document carrying
// one under "flow".
func (v *FlowValidator) ValidateJSON(raw []byte) error {
	var probe struct {
		Flow json.RawMessage `json:"flow"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidArgument, "parse flow document: %v", err).WithCause(err)
	}
	if len(probe.Flow) > 0 {
		raw = probe.Flow
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidArgument, "parse flow document: %v", err).WithCause(err)
	}
	result := validateStructural(v.flowSchema, doc)
	if !result.Valid() {
		return result.ToError()
	}

	var flow schema.TransactionFlow
	if err := json.Unmarshal(raw, &flow); err != nil {
		return fmt.Errorf("decode flow: %w", err)
	}
	return validateSemantic(&flow).ToError()
}
