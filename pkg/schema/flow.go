package schema

import "encoding/json"

// FlowDefinition is the JSON-serializable description of an onboarding flow:
// an ordered list of catalog steps, optionally guarded. The engine executes
// the steps strictly in order, one at a time per instance.
type FlowDefinition struct {
	Name     string         `json:"name"`
	Steps    []FlowStep     `json:"steps"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FlowStep references a catalog step by name and carries flow-level
// overrides.
type FlowStep struct {
	Step string `json:"step"`

	// When is an optional CEL guard evaluated against the context snapshot
	// (bound as `values`). A false result skips the step; an evaluation
	// error is treated as false and logged.
	When string `json:"when,omitempty"`

	// Critical overrides the catalog's critical flag for this flow.
	Critical *bool `json:"critical,omitempty"`

	// DocumentType forces the document category resolution for
	// document-handling steps (QUOTE, CONTRACT, SIGNED).
	DocumentType string `json:"document_type,omitempty"`

	// Timeout overrides the per-client call timeout (e.g. "5s").
	Timeout string `json:"timeout,omitempty"`
}

// DefaultOnboardingFlow returns the built-in customer onboarding flow:
// simulate → assess profitability → generate contract → route for
// signature → archive. The archive step is guarded so it only runs once a
// document exists to archive.
func DefaultOnboardingFlow() FlowDefinition {
	return FlowDefinition{
		Name: "onboarding-process",
		Steps: []FlowStep{
			{Step: StepSimulatorAPI},
			{Step: StepProfitabilityCheck},
			{Step: StepContractGeneration},
			{Step: StepESignUpload},
			{Step: StepVisionArchive, When: `has(values.contractId) || has(values.quoteId)`},
		},
	}
}

// ParseFlow decodes a flow definition from JSON.
func ParseFlow(data []byte) (*FlowDefinition, error) {
	var def FlowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, NewError(ErrCodeValidation, "invalid flow definition JSON").WithCause(err)
	}
	if def.Name == "" {
		return nil, NewError(ErrCodeValidation, "flow name is required")
	}
	if len(def.Steps) == 0 {
		return nil, NewError(ErrCodeValidation, "flow has no steps")
	}
	return &def, nil
}
