// Package process holds the mutable, keyed state of one onboarding process
// instance: a bag of dynamically-typed values accumulated by the workflow
// steps.
//
// A Context is owned by a single instance and is mutated by at most one
// step at a time (the engine serializes step execution per instance), so it
// carries no internal locking. Absence of a key is a valid, common state;
// readers must use the safe accessors rather than assume presence.
package process

import (
	"encoding/json"

	"github.com/rendis/onboard/pkg/schema"
)

// Context is the accumulated state of one process instance.
type Context struct {
	id     string
	values map[string]Value
}

// NewContext creates an empty context for the given instance id.
func NewContext(id string) *Context {
	return &Context{id: id, values: make(map[string]Value)}
}

// ID returns the process instance id.
func (c *Context) ID() string { return c.id }

// Get returns the value for key, or Absent when the key was never written.
func (c *Context) Get(key string) Value {
	return c.values[key]
}

// Set writes a value. Setting Absent removes nothing; absent writes are
// skipped so a step cannot accidentally shadow an upstream key with a hole.
func (c *Context) Set(key string, v Value) {
	if v.IsAbsent() {
		return
	}
	c.values[key] = v
}

// Merge writes every non-absent entry of vals into the context.
func (c *Context) Merge(vals map[string]Value) {
	for k, v := range vals {
		c.Set(k, v)
	}
}

// MergeAny converts and merges plain Go values (e.g. a decoded JSON body).
func (c *Context) MergeAny(vals map[string]any) {
	for k, raw := range vals {
		c.Set(k, FromAny(raw))
	}
}

// Has reports whether key has been written.
func (c *Context) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Len returns the number of keys written.
func (c *Context) Len() int { return len(c.values) }

// Snapshot returns a shallow copy of the value map. Mutating the returned
// map does not affect the context; nested maps and binary payloads are
// shared.
func (c *Context) Snapshot() map[string]Value {
	out := make(map[string]Value, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Plain returns the context values unwrapped into plain Go types, suitable
// for expression evaluation and API responses.
func (c *Context) Plain() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v.Interface()
	}
	return out
}

// contextWire is the persisted JSON form of a Context.
type contextWire struct {
	ID     string           `json:"id"`
	Values map[string]Value `json:"values"`
}

// MarshalJSON serializes the context for persistence.
func (c *Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(contextWire{ID: c.id, Values: c.values})
}

// UnmarshalJSON restores a persisted context.
func (c *Context) UnmarshalJSON(data []byte) error {
	var w contextWire
	if err := json.Unmarshal(data, &w); err != nil {
		return schema.NewError(schema.ErrCodeStore, "corrupt context snapshot").WithCause(err)
	}
	c.id = w.ID
	c.values = w.Values
	if c.values == nil {
		c.values = make(map[string]Value)
	}
	return nil
}
