package clients

import (
	"context"

	"github.com/rendis/onboard/pkg/schema"
)

const contractTypeHeader = "X-Contract-Type"

// ContractGeneratorClient wraps the contract generation API. The derived
// contract type travels both in the payload and as a routing header so the
// generator can pick the template without parsing the body.
type ContractGeneratorClient struct {
	caller *caller
}

// NewContractGeneratorClient creates a contract generator adapter.
func NewContractGeneratorClient(cfg Config) *ContractGeneratorClient {
	return &ContractGeneratorClient{caller: newCaller("contract-generator", cfg)}
}

func (c *ContractGeneratorClient) Name() string { return schema.StepContractGeneration }

func (c *ContractGeneratorClient) Call(ctx context.Context, req map[string]any) (map[string]any, error) {
	headers := map[string]string{}
	if ct := stringField(req, "contractType"); ct != "" {
		headers[contractTypeHeader] = ct
	}
	return c.caller.postJSON(ctx, "/generate", requestID(req), headers, req)
}
