package clients

import (
	"context"

	"github.com/rendis/onboard/pkg/schema"
)

// ESignClient wraps the electronic signature provider. Uploads are
// multipart: the document metadata travels as form fields and the PDF as a
// binary "document" part under the name the provider displays to signers.
type ESignClient struct {
	caller *caller
}

// NewESignClient creates an e-sign adapter.
func NewESignClient(cfg Config) *ESignClient {
	return &ESignClient{caller: newCaller("esign", cfg)}
}

func (c *ESignClient) Name() string { return schema.StepESignUpload }

func (c *ESignClient) Call(ctx context.Context, req map[string]any) (map[string]any, error) {
	fields := stringFields(req,
		"documentType", "documentName", schema.KeyProcessInstanceID,
		schema.KeyCustomerID, "signerEmail", "signerName", "webhookUrl", "returnUrl",
	)
	name := stringField(req, "documentName")
	if name == "" {
		name = "document.pdf"
	}
	return c.caller.postMultipart(ctx, "/upload", requestID(req), nil, fields, name, bytesField(req, "document"))
}
