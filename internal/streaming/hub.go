package streaming

import "context"

// ProcessEvent is a real-time event emitted during process execution.
type ProcessEvent struct {
	ProcessID string `json:"process_id"`
	Step      string `json:"step,omitempty"`
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ProcessID string   `json:"process_id,omitempty"`
	Types     []string `json:"types,omitempty"`
}

// EventHub provides pub/sub for real-time process events.
type EventHub interface {
	Publish(ctx context.Context, event ProcessEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan ProcessEvent, func(), error)
}
