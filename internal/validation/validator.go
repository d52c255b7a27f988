// Package validation checks inbound form submissions and flow definitions
// before they reach the engine. Structural rules live in embedded JSON
// Schemas (Draft 2020-12); the handful of rules a schema cannot express are
// applied on top.
package validation

import "github.com/rendis/onboard/pkg/schema"

// Validator guards the engine's two inbound surfaces.
type Validator interface {
	// ValidateSubmission checks the initial form-submission payload that
	// seeds a process context.
	ValidateSubmission(submission map[string]any) error

	// ValidateFlow checks a flow definition: shape, known step names,
	// parseable overrides.
	ValidateFlow(def *schema.FlowDefinition) error

	// ValidateInput checks arbitrary input data against a caller-supplied
	// JSON Schema, e.g. a flow's custom input schema.
	ValidateInput(input map[string]any, inputSchema []byte) error
}
