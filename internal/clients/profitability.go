package clients

import (
	"context"

	"github.com/rendis/onboard/pkg/schema"
)

const analysisTypeHeader = "X-Analysis-Type"

// ProfitabilityClient wraps the profitability analysis API. Responses carry
// a profitabilityRatio field that the rules package bands against the
// configured thresholds.
type ProfitabilityClient struct {
	caller *caller
}

// NewProfitabilityClient creates a profitability adapter.
func NewProfitabilityClient(cfg Config) *ProfitabilityClient {
	return &ProfitabilityClient{caller: newCaller("profitability", cfg)}
}

func (c *ProfitabilityClient) Name() string { return schema.StepProfitabilityCheck }

func (c *ProfitabilityClient) Call(ctx context.Context, req map[string]any) (map[string]any, error) {
	headers := map[string]string{analysisTypeHeader: "CONTRACT_PROFITABILITY"}
	return c.caller.postJSON(ctx, "", requestID(req), headers, req)
}
