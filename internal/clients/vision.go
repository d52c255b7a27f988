package clients

import (
	"context"

	"github.com/rendis/onboard/pkg/schema"
)

const archiveTypeHeader = "X-Archive-Type"

// VisionClient wraps the Vision long-term document archive. Every archived
// document carries its retention date so purging stays the archive's
// responsibility, not ours.
type VisionClient struct {
	caller *caller
}

// NewVisionClient creates a Vision archive adapter.
func NewVisionClient(cfg Config) *VisionClient {
	return &VisionClient{caller: newCaller("vision", cfg)}
}

func (c *VisionClient) Name() string { return schema.StepVisionArchive }

func (c *VisionClient) Call(ctx context.Context, req map[string]any) (map[string]any, error) {
	headers := map[string]string{archiveTypeHeader: "BUSINESS_DOCUMENT"}
	fields := stringFields(req,
		schema.KeyProcessInstanceID, schema.KeyCustomerID, schema.KeyCustomerName,
		"documentCategory", "documentName", "retentionDate", "businessUnit", "productType",
		"quoteId", "quoteAmount", "contractId", "contractAmount",
		"sourceDocumentId", "eSignDocumentId", schema.KeySignatureStatus,
	)
	name := stringField(req, "documentName")
	if name == "" {
		name = "document.pdf"
	}
	return c.caller.postMultipart(ctx, "/archive", requestID(req), headers, fields, name, bytesField(req, "document"))
}
