package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/onboard/internal/rules"
	"github.com/rendis/onboard/pkg/schema"
)

// FallbackPolicy synthesizes substitute collaborator responses when a call
// fails. The synthesized maps are shaped like real responses so they flow
// through the same per-step normalizer as live data; only the bookkeeping
// fallback marker distinguishes them afterwards.
type FallbackPolicy struct {
	thresholds rules.Thresholds

	// Injectable for deterministic tests.
	now   func() time.Time
	newID func() string
}

// NewFallbackPolicy creates a policy with the given profitability thresholds.
func NewFallbackPolicy(thresholds rules.Thresholds) *FallbackPolicy {
	return &FallbackPolicy{
		thresholds: thresholds,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

const timestampLayout = "20060102_150405"

func (p *FallbackPolicy) timestamp() string {
	return p.now().Format(timestampLayout)
}

// Simulator returns the conservative default classification.
func (p *FallbackPolicy) Simulator(req map[string]any) map[string]any {
	return map[string]any{
		"result": string(schema.SimulatorStandard),
		"isMock": true,
	}
}

// Profitability computes the local substitute ratio from the revenue and
// cost figures already present in the request.
func (p *FallbackPolicy) Profitability(req map[string]any) map[string]any {
	ratio := p.thresholds.FallbackRatio(
		numericValue(req, "expectedRevenue"),
		numericValue(req, "estimatedCosts"),
	)
	return map[string]any{
		"profitabilityRatio": ratio,
		"calculationMethod":  "FALLBACK",
		"isMock":             true,
	}
}

// Contract builds a plain-text substitute contract so the downstream
// signature and archive steps always have a document to work with.
func (p *FallbackPolicy) Contract(req map[string]any) map[string]any {
	instanceID := fmt.Sprintf("%v", req[schema.KeyProcessInstanceID])
	contractID := fmt.Sprintf("CONTRACT_%s_%s", instanceID, p.timestamp())

	return map[string]any{
		"contractId":  contractID,
		"contractPdf": p.contractBody(req, contractID),
		"status":      schema.ContractStatusReadyForSign,
		"duration":    "12",
		"terms":       "Standard terms and conditions apply",
		"isMock":      true,
	}
}

// ESign synthesizes a pending signature session scoped to the instance.
func (p *FallbackPolicy) ESign(req map[string]any) map[string]any {
	instanceID := fmt.Sprintf("%v", req[schema.KeyProcessInstanceID])
	return map[string]any{
		"documentId": "MOCK_" + p.newID(),
		"signUrl":    "https://mock-esign.com/sign/" + instanceID,
		"webhookId":  "WEBHOOK_" + p.newID(),
		"status":     schema.ContractStatusPendingSignature,
		"isMock":     true,
	}
}

// Vision synthesizes an archive acknowledgement carrying the retention date
// computed for the request.
func (p *FallbackPolicy) Vision(req map[string]any) map[string]any {
	instanceID := fmt.Sprintf("%v", req[schema.KeyProcessInstanceID])
	out := map[string]any{
		"documentId":       "VISION_" + p.newID(),
		"archiveReference": fmt.Sprintf("ARCH_%s_%s", instanceID, p.timestamp()),
		"archiveLocation":  "/mock/archive/location",
		"isMock":           true,
	}
	if rd, ok := req["retentionDate"]; ok {
		out["retentionDate"] = rd
	}
	return out
}

// contractBody renders the substitute contract as plain text. Real contracts
// arrive as PDFs; the substitute is a readable placeholder a human can
// countersign manually if the generator stays down.
func (p *FallbackPolicy) contractBody(req map[string]any, contractID string) []byte {
	body := fmt.Sprintf(`CONTRACT DOCUMENT
=================

Contract ID: %s
Process Instance: %v
Generation Date: %s

CUSTOMER INFORMATION:
Customer ID: %v
Customer Name: %v
Customer Email: %v

PRODUCT INFORMATION:
Product: %v
Amount: %v
Contract Type: %v
Tariff: %v

TERMS AND CONDITIONS:
This is a substitute contract generated while the contract service was unavailable.
All standard terms and conditions apply.
Risk Profile: %v
Profitability Status: %v

SIGNATURE SECTION:
Customer Signature: _______________________
Company Representative: ___________________
Date: ____________________________________
`,
		contractID,
		req[schema.KeyProcessInstanceID],
		p.now().Format(time.RFC3339),
		req[schema.KeyCustomerID],
		req[schema.KeyCustomerName],
		req[schema.KeyCustomerEmail],
		req["requestedProduct"],
		req["contractAmount"],
		req["contractType"],
		req["appliedTariff"],
		req["riskProfile"],
		req[schema.KeyProfitabilityBand],
	)
	return []byte(body)
}
