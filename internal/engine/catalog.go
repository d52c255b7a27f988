package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/onboard/internal/expressions"
	"github.com/rendis/onboard/internal/process"
	"github.com/rendis/onboard/internal/rules"
	"github.com/rendis/onboard/pkg/schema"
)

// FieldSpec maps one request field to its source in the process context.
// A plain source names a context key; a "jq:" prefix marks a gojq expression
// evaluated against the context snapshot.
type FieldSpec struct {
	Target string
	Source string
}

const jqPrefix = "jq:"

// StepDefinition binds a step name to its request shape, collaborator,
// response normalizer, fallback synthesis and criticality.
type StepDefinition struct {
	Name     string
	Critical bool
	Timeout  time.Duration

	Fields    []FieldSpec
	Prepare   func(c *Catalog, view *process.Context, req map[string]any)
	Normalize func(c *Catalog, req, resp map[string]any) (map[string]any, error)
	Fallback  func(p *FallbackPolicy, req map[string]any) map[string]any
}

// CatalogConfig carries the environment-dependent pieces of the catalog.
type CatalogConfig struct {
	Thresholds     rules.Thresholds
	WebhookURL     string
	RetentionYears int
	StepTimeout    time.Duration
}

// Catalog holds the step definitions of the onboarding flow and the shared
// machinery to build requests and normalize responses.
type Catalog struct {
	cfg    CatalogConfig
	jq     *expressions.GoJQEngine
	logger *slog.Logger
	now    func() time.Time

	steps map[string]*StepDefinition
	order []string
}

// NewCatalog builds the five-step onboarding catalog.
func NewCatalog(cfg CatalogConfig, jq *expressions.GoJQEngine, logger *slog.Logger) *Catalog {
	if cfg.RetentionYears <= 0 {
		cfg.RetentionYears = 7
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	c := &Catalog{
		cfg:    cfg,
		jq:     jq,
		logger: logger,
		now:    time.Now,
		steps:  make(map[string]*StepDefinition),
	}
	for _, def := range []*StepDefinition{
		c.simulatorStep(),
		c.profitabilityStep(),
		c.contractStep(),
		c.eSignStep(),
		c.visionStep(),
	} {
		def.Timeout = cfg.StepTimeout
		c.steps[def.Name] = def
		c.order = append(c.order, def.Name)
	}
	return c
}

// Step returns the definition for a step name.
func (c *Catalog) Step(name string) (*StepDefinition, bool) {
	def, ok := c.steps[name]
	return def, ok
}

// Order returns the canonical step order of the flow.
func (c *Catalog) Order() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// BuildRequest resolves the step's field specs against the context and runs
// the step's Prepare hook for computed fields. Absent sources are omitted.
func (c *Catalog) BuildRequest(ctx context.Context, view *process.Context, def *StepDefinition) (map[string]any, error) {
	req := map[string]any{
		schema.KeyProcessInstanceID: view.ID(),
	}

	var plain map[string]any
	for _, spec := range def.Fields {
		if expr, ok := strings.CutPrefix(spec.Source, jqPrefix); ok {
			if plain == nil {
				plain = view.Plain()
			}
			out, err := c.jq.Evaluate(ctx, expr, plain)
			if err != nil {
				return nil, err
			}
			if out != nil {
				req[spec.Target] = out
			}
			continue
		}
		if v := view.Get(spec.Source); v.Kind() != process.KindAbsent {
			req[spec.Target] = v.Interface()
		}
	}

	if def.Prepare != nil {
		def.Prepare(c, view, req)
	}
	return req, nil
}

// --- simulatorApi ---

func (c *Catalog) simulatorStep() *StepDefinition {
	return &StepDefinition{
		Name:     schema.StepSimulatorAPI,
		Critical: false,
		Fields: []FieldSpec{
			{Target: schema.KeyCustomerID, Source: schema.KeyCustomerID},
			{Target: "customerType", Source: "customerType"},
			{Target: "requestedAmount", Source: "requestedAmount"},
			{Target: "requestedProduct", Source: "requestedProduct"},
			{Target: "riskProfile", Source: "riskProfile"},
			{Target: "customerData", Source: "customerData"},
			{Target: "formSubmissionId", Source: "formSubmissionId"},
			{Target: "submissionTimestamp", Source: "submissionTimestamp"},
			{Target: schema.KeyActivityID, Source: schema.KeyActivityID},
		},
		Normalize: func(c *Catalog, req, resp map[string]any) (map[string]any, error) {
			class := rules.ClassifySimulatorResult(resp)
			values := map[string]any{
				schema.KeySimulatorResult: string(class),
				"simulatorResponse":       resp,
			}
			// Tariff details feed the profitability and contract requests.
			if v, ok := resp["appliedTariff"]; ok {
				values["appliedTariff"] = v
			}
			if v, ok := resp["tariffConditions"]; ok {
				values["tariffConditions"] = v
			}
			return values, nil
		},
		Fallback: (*FallbackPolicy).Simulator,
	}
}

// --- profitabilityCheck ---

func (c *Catalog) profitabilityStep() *StepDefinition {
	return &StepDefinition{
		Name:     schema.StepProfitabilityCheck,
		Critical: false,
		Fields: []FieldSpec{
			{Target: schema.KeyCustomerID, Source: schema.KeyCustomerID},
			{Target: "requestedAmount", Source: "requestedAmount"},
			{Target: "requestedProduct", Source: "requestedProduct"},
			{Target: "riskProfile", Source: "riskProfile"},
			{Target: schema.KeySimulatorResult, Source: schema.KeySimulatorResult},
			{Target: "appliedTariff", Source: "appliedTariff"},
			{Target: "tariffConditions", Source: "tariffConditions"},
			{Target: "expectedRevenue", Source: "expectedRevenue"},
			{Target: "estimatedCosts", Source: "estimatedCosts"},
			{Target: "contractDuration", Source: "contractDuration"},
		},
		Prepare: func(c *Catalog, view *process.Context, req map[string]any) {
			req["analysisTimestamp"] = c.now().UnixMilli()
		},
		Normalize: func(c *Catalog, req, resp map[string]any) (map[string]any, error) {
			score := c.cfg.Thresholds.ScoreFromResponse(resp)
			values := map[string]any{
				schema.KeyProfitabilityBand: string(c.cfg.Thresholds.Band(score)),
				"profitabilityScore":        score,
				"profitabilityResult":       resp,
			}
			if v, ok := resp["calculationMethod"]; ok {
				values["calculationMethod"] = v
			}
			return values, nil
		},
		Fallback: (*FallbackPolicy).Profitability,
	}
}

// --- contractGeneration ---

func (c *Catalog) contractStep() *StepDefinition {
	return &StepDefinition{
		Name:     schema.StepContractGeneration,
		Critical: true,
		Fields: []FieldSpec{
			{Target: schema.KeyCustomerID, Source: schema.KeyCustomerID},
			{Target: schema.KeyCustomerName, Source: schema.KeyCustomerName},
			{Target: schema.KeyCustomerEmail, Source: schema.KeyCustomerEmail},
			{Target: "customerAddress", Source: "customerAddress"},
			{Target: "requestedProduct", Source: "requestedProduct"},
			{Target: "requestedAmount", Source: "requestedAmount"},
			{Target: "appliedTariff", Source: "appliedTariff"},
			{Target: "tariffConditions", Source: "tariffConditions"},
			{Target: schema.KeySimulatorResult, Source: schema.KeySimulatorResult},
			{Target: schema.KeyProfitabilityBand, Source: schema.KeyProfitabilityBand},
			{Target: "profitabilityScore", Source: "profitabilityScore"},
			{Target: "riskProfile", Source: "riskProfile"},
			{Target: "businessUnit", Source: "businessUnit"},
			{Target: "salesRepresentative", Source: "salesRepresentative"},
			{Target: "baseQuoteId", Source: "quoteId"},
			{Target: "quoteAmount", Source: "quoteAmount"},
			{Target: "quotedTerms", Source: "quotedTerms"},
		},
		Prepare: func(c *Catalog, view *process.Context, req map[string]any) {
			req["contractType"] = string(c.deriveContractType(view))
			req["contractAmount"] = c.resolveContractAmount(view)
			req["generationTimestamp"] = c.now().Format(time.RFC3339)
		},
		Normalize: func(c *Catalog, req, resp map[string]any) (map[string]any, error) {
			contractID := stringOf(resp, "contractId")
			if contractID == "" {
				return nil, schema.NewError(schema.ErrCodeMalformed, "contract response missing contractId")
			}
			values := map[string]any{
				"contractId":            contractID,
				schema.KeyContractPdf:   toBytes(resp["contractPdf"]),
				"contractStatus":        stringOf(resp, "status"),
				"contractType":          req["contractType"],
				"finalContractAmount":   req["contractAmount"],
				"contractDuration":      resp["duration"],
				"contractTerms":         resp["terms"],
				"contractGeneratedAtMs": c.now().UnixMilli(),
			}
			return values, nil
		},
		Fallback: (*FallbackPolicy).Contract,
	}
}

// resolveContractAmount picks the amount the contract commits to. Quotes
// committed during modification take precedence over the originally
// requested amount; a value that does not parse as a number is skipped with
// a warning so a bad quote never poisons the contract.
func (c *Catalog) resolveContractAmount(view *process.Context) float64 {
	for _, key := range []string{"quoteAmount", "requestedAmount"} {
		if !view.Has(key) {
			continue
		}
		amount, err := view.Get(key).CoerceNumber()
		if err != nil {
			c.logger.Warn("non-numeric amount skipped",
				slog.String("field", key), slog.String("error", err.Error()))
			continue
		}
		return amount
	}
	return 0
}

// deriveContractType applies the routing rules over the current context. A
// numeric parse failure on the quote-modification flag degrades to false.
func (c *Catalog) deriveContractType(view *process.Context) schema.ContractType {
	sim := schema.SimulatorClass(view.Get(schema.KeySimulatorResult).StringOr(string(schema.SimulatorStandard)))
	band := schema.ProfitabilityBand(view.Get(schema.KeyProfitabilityBand).StringOr(string(schema.BandAcceptable)))
	modified := view.Get(schema.KeyQuoteModified).BoolOr(false)
	return rules.DetermineContractType(sim, band, modified)
}

// --- eSignUpload ---

func (c *Catalog) eSignStep() *StepDefinition {
	return &StepDefinition{
		Name:     schema.StepESignUpload,
		Critical: true,
		Fields: []FieldSpec{
			{Target: schema.KeyCustomerID, Source: schema.KeyCustomerID},
			{Target: schema.KeyCustomerEmail, Source: schema.KeyCustomerEmail},
			{Target: schema.KeyCustomerName, Source: schema.KeyCustomerName},
			{Target: "signerEmail", Source: schema.KeyCustomerEmail},
			{Target: "signerName", Source: schema.KeyCustomerName},
			{Target: "returnUrl", Source: "returnUrl"},
		},
		Prepare: func(c *Catalog, view *process.Context, req map[string]any) {
			docType := c.resolveSignatureDocument(view)
			req[schema.KeyDocumentType] = string(docType)
			req["webhookUrl"] = c.cfg.WebhookURL

			customerID := view.Get(schema.KeyCustomerID).StringOr("")
			switch docType {
			case schema.DocumentQuote:
				if v := view.Get("quoteId"); v.Kind() != process.KindAbsent {
					req["quoteId"] = v.Interface()
				}
				if v := view.Get("quoteAmount"); v.Kind() != process.KindAbsent {
					req["quoteAmount"] = v.Interface()
				}
				req["documentName"] = fmt.Sprintf("Quote_%s_%s", customerID, c.now().Format(timestampLayout))
				if b, ok := view.Get(schema.KeyQuotePdf).AsBinary(); ok {
					req["document"] = b
				}
			default:
				if v := view.Get("contractId"); v.Kind() != process.KindAbsent {
					req["contractId"] = v.Interface()
				}
				if v := view.Get("finalContractAmount"); v.Kind() != process.KindAbsent {
					req["contractAmount"] = v.Interface()
				}
				req["documentName"] = fmt.Sprintf("Contract_%s_%s", customerID, c.now().Format(timestampLayout))
				if b, ok := view.Get(schema.KeyContractPdf).AsBinary(); ok {
					req["document"] = b
				}
			}
		},
		Normalize: func(c *Catalog, req, resp map[string]any) (map[string]any, error) {
			docID := stringOf(resp, "documentId")
			if docID == "" {
				return nil, schema.NewError(schema.ErrCodeMalformed, "esign response missing documentId")
			}
			return map[string]any{
				"eSignDocumentId":         docID,
				"eSignUrl":                resp["signUrl"],
				"eSignWebhookId":          resp["webhookId"],
				schema.KeySignatureStatus: stringOf(resp, "status"),
				schema.KeyDocumentType:    req[schema.KeyDocumentType],
			}, nil
		},
		Fallback: (*FallbackPolicy).ESign,
	}
}

// resolveSignatureDocument picks the document kind to route for signature:
// activity hint first, then the documentType variable, quote by default.
func (c *Catalog) resolveSignatureDocument(view *process.Context) schema.DocumentCategory {
	activity := strings.ToLower(view.Get(schema.KeyActivityID).StringOr(""))
	if strings.Contains(activity, "quote") {
		return schema.DocumentQuote
	}
	if strings.Contains(activity, "contract") {
		return schema.DocumentContract
	}
	if dt := view.Get(schema.KeyDocumentType).StringOr(""); dt != "" {
		return schema.DocumentCategory(strings.ToUpper(dt))
	}
	return schema.DocumentQuote
}

// --- visionArchive ---

func (c *Catalog) visionStep() *StepDefinition {
	return &StepDefinition{
		Name:     schema.StepVisionArchive,
		Critical: false,
		Fields: []FieldSpec{
			{Target: schema.KeyCustomerID, Source: schema.KeyCustomerID},
			{Target: schema.KeyCustomerName, Source: schema.KeyCustomerName},
			{Target: schema.KeyActivityID, Source: schema.KeyActivityID},
			{Target: "businessUnit", Source: "businessUnit"},
			{Target: "riskProfile", Source: "riskProfile"},
			{Target: "productType", Source: "requestedProduct"},
			// The archive indexes on whichever document the flow produced.
			{Target: "sourceDocumentId", Source: "jq:.contractId // .quoteId"},
		},
		Prepare: func(c *Catalog, view *process.Context, req map[string]any) {
			category := c.resolveArchiveCategory(view)
			req["documentCategory"] = string(category)

			customerID := view.Get(schema.KeyCustomerID).StringOr("")
			retention := c.now().AddDate(c.cfg.RetentionYears, 0, 0)
			req["retentionDate"] = retention.Format("2006-01-02T15:04:05")
			req["retentionYears"] = c.cfg.RetentionYears

			switch category {
			case schema.DocumentQuote:
				if v := view.Get("quoteId"); v.Kind() != process.KindAbsent {
					req["quoteId"] = v.Interface()
				}
				if v := view.Get("quoteAmount"); v.Kind() != process.KindAbsent {
					req["quoteAmount"] = v.Interface()
				}
				req["documentName"] = fmt.Sprintf("Quote_%s_%s", customerID, c.now().Format(timestampLayout))
			default:
				if v := view.Get("contractId"); v.Kind() != process.KindAbsent {
					req["contractId"] = v.Interface()
				}
				if v := view.Get("finalContractAmount"); v.Kind() != process.KindAbsent {
					req["contractAmount"] = v.Interface()
				}
				req["documentName"] = fmt.Sprintf("Contract_%s_%s", customerID, c.now().Format(timestampLayout))
			}

			if category == schema.DocumentSigned {
				if v := view.Get("eSignDocumentId"); v.Kind() != process.KindAbsent {
					req["eSignDocumentId"] = v.Interface()
				}
				if v := view.Get(schema.KeySignatureStatus); v.Kind() != process.KindAbsent {
					req[schema.KeySignatureStatus] = v.Interface()
				}
				if v := view.Get("signedTimestamp"); v.Kind() != process.KindAbsent {
					req["signedTimestamp"] = v.Interface()
				}
			}

			req["document"] = c.archiveContent(view, category, customerID)
		},
		Normalize: func(c *Catalog, req, resp map[string]any) (map[string]any, error) {
			ref := stringOf(resp, "archiveReference")
			if ref == "" {
				return nil, schema.NewError(schema.ErrCodeMalformed, "archive response missing archiveReference")
			}
			return map[string]any{
				"visionDocumentId":       resp["documentId"],
				"visionArchiveReference": ref,
				"visionRetentionDate":    resp["retentionDate"],
				"archiveTimestampMs":     c.now().UnixMilli(),
			}, nil
		},
		Fallback: (*FallbackPolicy).Vision,
	}
}

// resolveArchiveCategory follows the same activity-hint chain as the
// signature step, plus the signed-document check in between.
func (c *Catalog) resolveArchiveCategory(view *process.Context) schema.DocumentCategory {
	activity := strings.ToLower(view.Get(schema.KeyActivityID).StringOr(""))
	if strings.Contains(activity, "quote") {
		return schema.DocumentQuote
	}
	if strings.Contains(activity, "contract") {
		return schema.DocumentContract
	}
	if view.Get(schema.KeySignatureStatus).StringOr("") == schema.ContractStatusSigned {
		return schema.DocumentSigned
	}
	if dt := view.Get(schema.KeyDocumentType).StringOr(""); dt != "" {
		return schema.DocumentCategory(strings.ToUpper(dt))
	}
	return schema.DocumentContract
}

// archiveContent selects the binary payload for the category, falling back
// to a readable placeholder so compliance always receives something.
func (c *Catalog) archiveContent(view *process.Context, category schema.DocumentCategory, customerID string) []byte {
	var content []byte
	switch category {
	case schema.DocumentQuote:
		content, _ = view.Get(schema.KeyQuotePdf).AsBinary()
	default:
		content, _ = view.Get(schema.KeyContractPdf).AsBinary()
	}
	if len(content) > 0 {
		return content
	}
	placeholder := fmt.Sprintf("Placeholder document - %s\nProcess ID: %s\nCustomer: %s\nTimestamp: %s",
		category, view.ID(), customerID, c.now().Format(timestampLayout))
	return []byte(placeholder)
}

// --- shared helpers ---

func stringOf(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// toBytes accepts binary payloads as raw bytes or base64 text, which is how
// JSON collaborators ship documents.
func toBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		if decoded, err := base64.StdEncoding.DecodeString(b); err == nil {
			return decoded
		}
		return []byte(b)
	default:
		return nil
	}
}

func numericValue(m map[string]any, key string) process.Value {
	v, ok := m[key]
	if !ok || v == nil {
		return process.Absent
	}
	return process.FromAny(v)
}
