package schema

// ProcessStatus represents the lifecycle state of an onboarding process
// instance.
type ProcessStatus string

const (
	ProcessStatusRunning   ProcessStatus = "RUNNING"
	ProcessStatusCompleted ProcessStatus = "COMPLETED"
	ProcessStatusFailed    ProcessStatus = "FAILED"
)

// StepOutcome classifies how a single step invocation ended.
//
// DEGRADED means the step completed using synthesized fallback data because
// its external collaborator was unavailable. It is never silently promoted
// to SUCCESS.
type StepOutcome string

const (
	OutcomeSuccess  StepOutcome = "SUCCESS"
	OutcomeDegraded StepOutcome = "DEGRADED"
	OutcomeFailed   StepOutcome = "FAILED"
)

// SimulatorClass is the normalized classification of a simulator response.
type SimulatorClass string

const (
	SimulatorStandard SimulatorClass = "STANDARD"
	SimulatorSpecific SimulatorClass = "SPECIFIC"
)

// ProfitabilityBand classifies a profitability ratio against the configured
// minimum and target thresholds.
type ProfitabilityBand string

const (
	BandAcceptable   ProfitabilityBand = "ACCEPTABLE"
	BandMarginal     ProfitabilityBand = "MARGINAL"
	BandUnacceptable ProfitabilityBand = "UNACCEPTABLE"
)

// ContractType is derived from the simulator class, the profitability band
// and the quote-modification flag, never stored as free text.
type ContractType string

const (
	ContractStandard ContractType = "STANDARD"
	ContractCustom   ContractType = "CUSTOM"
)

// DocumentCategory selects which binary payload and metadata set a
// document-handling step operates on.
type DocumentCategory string

const (
	DocumentQuote    DocumentCategory = "QUOTE"
	DocumentContract DocumentCategory = "CONTRACT"
	DocumentSigned   DocumentCategory = "SIGNED"
)

// Contract lifecycle statuses reported by the generator and signature steps.
const (
	ContractStatusDraft            = "DRAFT"
	ContractStatusReadyForSign     = "READY_FOR_SIGNATURE"
	ContractStatusPendingSignature = "PENDING_SIGNATURE"
	ContractStatusSigned           = "SIGNED"
)

// Canonical step names of the onboarding flow.
const (
	StepSimulatorAPI       = "simulatorApi"
	StepProfitabilityCheck = "profitabilityCheck"
	StepContractGeneration = "contractGeneration"
	StepESignUpload        = "eSignUpload"
	StepVisionArchive      = "visionArchive"
)

// Well-known process context keys shared across packages. Step-owned result
// keys are declared next to the step catalog; only keys read by more than
// one component live here.
const (
	KeyProcessInstanceID = "processInstanceId"
	KeyActivityID        = "activityId"
	KeyCustomerID        = "customerId"
	KeyCustomerName      = "customerName"
	KeyCustomerEmail     = "customerEmail"
	KeyDocumentType      = "documentType"
	KeyQuoteModified     = "quoteModifications"
	KeySimulatorResult   = "simulatorResult"
	KeyProfitabilityBand = "profitabilityStatus"
	KeySignatureStatus   = "signatureStatus"
	KeyContractPdf       = "contractPdf"
	KeyQuotePdf          = "quotePdf"
)

// Bookkeeping key suffixes written by the step executor for every step.
const (
	SuffixStatus    = "Status"
	SuffixError     = "Error"
	SuffixTimestamp = "Timestamp"
	SuffixFallback  = "Fallback"
)

// StatusKey returns the bookkeeping status key for a step.
func StatusKey(step string) string { return step + SuffixStatus }

// ErrorKey returns the bookkeeping error key for a step.
func ErrorKey(step string) string { return step + SuffixError }

// TimestampKey returns the bookkeeping timestamp key for a step.
func TimestampKey(step string) string { return step + SuffixTimestamp }

// FallbackKey returns the bookkeeping fallback-marker key for a step.
func FallbackKey(step string) string { return step + SuffixFallback }
