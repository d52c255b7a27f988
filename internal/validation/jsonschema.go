package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/onboard/pkg/schema"
)

// submissionSchemaJSON is the JSON Schema for the form-submission payload
// that starts an onboarding process. Embedded as a constant to avoid
// filesystem dependencies. Additional properties are allowed: form payloads
// grow faster than schemas, and unknown keys simply land in the context.
const submissionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://onboard.dev/schemas/submission.json",
  "type": "object",
  "required": ["customerId", "customerName", "customerEmail", "requestedProduct", "requestedAmount"],
  "properties": {
    "customerId": {
      "type": "string",
      "minLength": 1
    },
    "customerName": {
      "type": "string",
      "minLength": 1
    },
    "customerEmail": {
      "type": "string",
      "format": "email"
    },
    "requestedProduct": {
      "type": "string",
      "minLength": 1
    },
    "requestedAmount": {
      "type": "number",
      "exclusiveMinimum": 0
    },
    "customerType": { "type": "string" },
    "customerAddress": { "type": "string" },
    "riskProfile": {
      "type": "string",
      "enum": ["LOW", "MEDIUM", "HIGH"]
    },
    "expectedRevenue": {
      "type": "number",
      "minimum": 0
    },
    "estimatedCosts": {
      "type": "number",
      "minimum": 0
    },
    "businessUnit": { "type": "string" },
    "salesRepresentative": { "type": "string" },
    "activityId": { "type": "string" },
    "documentType": {
      "type": "string",
      "enum": ["QUOTE", "CONTRACT", "SIGNED", "quote", "contract", "signed"]
    },
    "formSubmissionId": { "type": "string" },
    "customerData": { "type": "object" }
  },
  "additionalProperties": true
}`

// flowSchemaJSON is the JSON Schema for flow definitions.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://onboard.dev/schemas/flow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["step"],
      "properties": {
        "step": {
          "type": "string",
          "minLength": 1
        },
        "when": { "type": "string" },
        "critical": { "type": "boolean" },
        "document_type": {
          "type": "string",
          "enum": ["QUOTE", "CONTRACT", "SIGNED"]
        },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements Validator using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	submissionSchema *jsonschema.Schema
	flowSchema       *jsonschema.Schema
	knownSteps       map[string]bool

	// mu guards the cache for dynamic input-schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded schemas. knownSteps is the set
// of step names the catalog can execute; flows referencing anything else are
// rejected.
func NewJSONSchemaValidator(knownSteps []string) (*JSONSchemaValidator, error) {
	compile := func(id, source string) (*jsonschema.Schema, error) {
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", id, err)
		}
		if err := c.AddResource(id, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", id, err)
		}
		return c.Compile(id)
	}

	subSchema, err := compile("https://onboard.dev/schemas/submission.json", submissionSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile submission schema: %w", err)
	}
	flowSchema, err := compile("https://onboard.dev/schemas/flow.json", flowSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}

	known := make(map[string]bool, len(knownSteps))
	for _, s := range knownSteps {
		known[s] = true
	}

	return &JSONSchemaValidator{
		submissionSchema: subSchema,
		flowSchema:       flowSchema,
		knownSteps:       known,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateSubmission validates the form-submission payload.
func (v *JSONSchemaValidator) ValidateSubmission(submission map[string]any) error {
	if submission == nil {
		return schema.NewError(schema.ErrCodeValidation, "submission is nil")
	}
	doc, err := toJSONValue(submission)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize submission").WithCause(err)
	}
	if err := v.submissionSchema.Validate(doc); err != nil {
		return toOnboardError(err)
	}
	return nil
}

// ValidateFlow validates a flow definition structurally and then applies the
// checks JSON Schema cannot express: known step names, no duplicate steps,
// parseable timeout overrides.
func (v *JSONSchemaValidator) ValidateFlow(def *schema.FlowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize flow definition").WithCause(err)
	}
	if err := v.flowSchema.Validate(doc); err != nil {
		return toOnboardError(err)
	}

	seen := make(map[string]struct{}, len(def.Steps))
	for i, fs := range def.Steps {
		if len(v.knownSteps) > 0 && !v.knownSteps[fs.Step] {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("steps[%d] references unknown step %q", i, fs.Step))
		}
		if _, dup := seen[fs.Step]; dup {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("steps[%d] duplicates step %q", i, fs.Step))
		}
		seen[fs.Step] = struct{}{}

		if fs.Timeout != "" {
			if _, err := time.ParseDuration(fs.Timeout); err != nil {
				return schema.NewError(schema.ErrCodeValidation,
					fmt.Sprintf("steps[%d] has invalid timeout %q", i, fs.Timeout)).WithCause(err)
			}
		}
	}
	return nil
}

// ValidateInput validates input data against a JSON Schema provided as raw
// bytes. The schema is compiled and cached for subsequent calls.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toOnboardError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new
// one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("onboard://input-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding so that numeric
// values become json.Number, which is what the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toOnboardError converts a jsonschema.ValidationError into an OnboardError
// carrying every leaf violation.
func toOnboardError(err error) *schema.OnboardError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
