package clients

import (
	"context"

	"github.com/rendis/onboard/pkg/schema"
)

// SimulatorClient wraps the tariff simulator API. It posts the raw form
// submission data and returns the classification fields (result,
// recommendation, tariffType) plus the applied tariff details.
type SimulatorClient struct {
	caller *caller
}

// NewSimulatorClient creates a simulator adapter.
func NewSimulatorClient(cfg Config) *SimulatorClient {
	return &SimulatorClient{caller: newCaller("simulator", cfg)}
}

func (c *SimulatorClient) Name() string { return schema.StepSimulatorAPI }

func (c *SimulatorClient) Call(ctx context.Context, req map[string]any) (map[string]any, error) {
	return c.caller.postJSON(ctx, "", requestID(req), nil, req)
}
