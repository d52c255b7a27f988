package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/onboard/pkg/schema"
)

// ProcessRecord is the persisted form of an onboarding process instance.
// Context holds the JSON snapshot of the process context, binary values
// included via their base64 envelope.
type ProcessRecord struct {
	ID          string               `json:"id"`
	Flow        string               `json:"flow"`
	Status      schema.ProcessStatus `json:"status"`
	Context     json.RawMessage      `json:"context"`
	LastError   string               `json:"last_error,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// ProcessUpdate carries the mutable fields of a process row. Nil fields are
// left untouched.
type ProcessUpdate struct {
	Status      *schema.ProcessStatus
	Context     json.RawMessage
	LastError   *string
	CompletedAt *time.Time
}

// ProcessFilter narrows ListProcesses.
type ProcessFilter struct {
	Status schema.ProcessStatus
	Limit  int
}

// StepState is the materialized record of a step's last invocation.
type StepState struct {
	ProcessID   string            `json:"process_id"`
	Step        string            `json:"step"`
	Outcome     schema.StepOutcome `json:"outcome"`
	Fallback    bool              `json:"fallback"`
	Error       string            `json:"error,omitempty"`
	Values      json.RawMessage   `json:"values,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
}

// Event is an append-only record of something that happened to a process.
type Event struct {
	Seq       int64           `json:"seq"`
	ProcessID string          `json:"process_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
