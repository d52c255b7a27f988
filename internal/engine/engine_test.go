package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/onboard/internal/clients"
	"github.com/rendis/onboard/internal/expressions"
	"github.com/rendis/onboard/internal/rules"
	"github.com/rendis/onboard/internal/store"
	"github.com/rendis/onboard/internal/streaming"
	"github.com/rendis/onboard/pkg/schema"
)

// --- test doubles ---

// stubClient is a scriptable collaborator for executor and engine tests.
type stubClient struct {
	name    string
	respond func(ctx context.Context, req map[string]any) (map[string]any, error)

	mu    sync.Mutex
	calls []map[string]any
}

func (s *stubClient) Name() string { return s.name }

func (s *stubClient) Call(ctx context.Context, req map[string]any) (map[string]any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return s.respond(ctx, req)
}

func (s *stubClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubClient) lastCall() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

// memStore is an in-memory store.Store for engine tests.
type memStore struct {
	mu        sync.Mutex
	processes map[string]*store.ProcessRecord
	steps     map[string]map[string]*store.StepState
	events    []*store.Event
	nextSeq   int64
}

func newMemStore() *memStore {
	return &memStore{
		processes: make(map[string]*store.ProcessRecord),
		steps:     make(map[string]map[string]*store.StepState),
	}
}

func (m *memStore) CreateProcess(_ context.Context, rec *store.ProcessRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processes[rec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "process %s already exists", rec.ID)
	}
	clone := *rec
	m.processes[rec.ID] = &clone
	return nil
}

func (m *memStore) GetProcess(_ context.Context, id string) (*store.ProcessRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.processes[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "process %s not found", id)
	}
	clone := *rec
	return &clone, nil
}

func (m *memStore) UpdateProcess(_ context.Context, id string, upd store.ProcessUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.processes[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "process %s not found", id)
	}
	if upd.Status != nil {
		rec.Status = *upd.Status
	}
	if upd.Context != nil {
		rec.Context = upd.Context
	}
	if upd.LastError != nil {
		rec.LastError = *upd.LastError
	}
	if upd.CompletedAt != nil {
		rec.CompletedAt = upd.CompletedAt
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) ListProcesses(_ context.Context, filter store.ProcessFilter) ([]*store.ProcessRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ProcessRecord
	for _, rec := range m.processes {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		clone := *rec
		out = append(out, &clone)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) DeleteProcess(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processes[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "process %s not found", id)
	}
	delete(m.processes, id)
	delete(m.steps, id)
	return nil
}

func (m *memStore) ListExpired(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, rec := range m.processes {
		if rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			out = append(out, id)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) UpsertStepState(_ context.Context, state *store.StepState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps[state.ProcessID] == nil {
		m.steps[state.ProcessID] = make(map[string]*store.StepState)
	}
	clone := *state
	m.steps[state.ProcessID][state.Step] = &clone
	return nil
}

func (m *memStore) ListStepStates(_ context.Context, processID string) ([]*store.StepState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.StepState
	for _, st := range m.steps[processID] {
		clone := *st
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

func (m *memStore) AppendEvent(_ context.Context, ev *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	clone := *ev
	clone.Seq = m.nextSeq
	m.events = append(m.events, &clone)
	return nil
}

func (m *memStore) GetEvents(_ context.Context, processID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, ev := range m.events {
		if ev.ProcessID == processID && ev.Seq > since {
			clone := *ev
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

func (m *memStore) stepState(processID, step string) *store.StepState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps[processID] == nil {
		return nil
	}
	return m.steps[processID][step]
}

func (m *memStore) eventTypes(processID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events {
		if ev.ProcessID == processID {
			out = append(out, ev.Type)
		}
	}
	return out
}

// --- harness ---

type respondFunc func(ctx context.Context, req map[string]any) (map[string]any, error)

func okJSON(resp map[string]any) respondFunc {
	return func(context.Context, map[string]any) (map[string]any, error) {
		return resp, nil
	}
}

func failWith(err error) respondFunc {
	return func(context.Context, map[string]any) (map[string]any, error) {
		return nil, err
	}
}

func happyResponses() map[string]respondFunc {
	return map[string]respondFunc{
		schema.StepSimulatorAPI: okJSON(map[string]any{
			"result":        "STANDARD",
			"appliedTariff": "BASE_2026",
		}),
		schema.StepProfitabilityCheck: okJSON(map[string]any{
			"profitabilityRatio": 0.22,
		}),
		schema.StepContractGeneration: okJSON(map[string]any{
			"contractId":  "CT-1001",
			"contractPdf": "JVBERi0xLjQ=",
			"status":      schema.ContractStatusReadyForSign,
			"duration":    "24",
			"terms":       "standard",
		}),
		schema.StepESignUpload: okJSON(map[string]any{
			"documentId": "ES-2002",
			"signUrl":    "https://esign.example.com/sign/ES-2002",
			"webhookId":  "WH-3003",
			"status":     schema.ContractStatusPendingSignature,
		}),
		schema.StepVisionArchive: okJSON(map[string]any{
			"documentId":       "VIS-4004",
			"archiveReference": "AR-5005",
			"retentionDate":    "2033-08-31T00:00:00",
		}),
	}
}

type harness struct {
	engine   *Engine
	store    *memStore
	stubs    map[string]*stubClient
	breakers *CircuitBreakerRegistry
}

func newHarness(t *testing.T, responses map[string]respondFunc) *harness {
	t.Helper()

	thresholds, err := rules.NewThresholds(0.05, 0.15)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cat := NewCatalog(CatalogConfig{
		Thresholds:  thresholds,
		WebhookURL:  "https://webhooks.example.com/esign",
		StepTimeout: 200 * time.Millisecond,
	}, expressions.NewGoJQEngine(), logger)

	stubs := make(map[string]*stubClient)
	stepClients := make(map[string]clients.Client)
	for _, name := range cat.Order() {
		respond, ok := responses[name]
		require.True(t, ok, "no stub response for step %s", name)
		stub := &stubClient{name: name, respond: respond}
		stubs[name] = stub
		stepClients[name] = stub
	}

	breakers := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	exec := NewExecutor(cat, stepClients, breakers, NewFallbackPolicy(thresholds), nil, logger)

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	st := newMemStore()
	eng := NewEngine(exec, cat, cel, st, breakers, nil, logger)
	return &harness{engine: eng, store: st, stubs: stubs, breakers: breakers}
}

func (h *harness) runToCompletion(t *testing.T, initial map[string]any) *StatusReport {
	t.Helper()
	id, err := h.engine.StartProcess(context.Background(), schema.DefaultOnboardingFlow(), initial)
	require.NoError(t, err)
	h.engine.Wait(id)
	report, err := h.engine.Status(context.Background(), id)
	require.NoError(t, err)
	return report
}

func defaultInitialVars() map[string]any {
	return map[string]any{
		schema.KeyCustomerID:    "CUST-77",
		schema.KeyCustomerName:  "Ada Marsh",
		schema.KeyCustomerEmail: "ada@example.com",
		"requestedProduct":      "ELECTRICITY_FLEX",
		"requestedAmount":       5000.0,
		"expectedRevenue":       1000.0,
		"estimatedCosts":        850.0,
		"riskProfile":           "LOW",
	}
}

// --- engine tests ---

func TestEngineHappyPath(t *testing.T) {
	h := newHarness(t, happyResponses())
	report := h.runToCompletion(t, defaultInitialVars())

	assert.Equal(t, schema.ProcessStatusCompleted, report.Status)
	assert.Empty(t, report.LastError)
	require.NotNil(t, report.CompletedAt)

	vars := report.Variables
	assert.Equal(t, "STANDARD", vars[schema.KeySimulatorResult])
	assert.Equal(t, string(schema.BandAcceptable), vars[schema.KeyProfitabilityBand])
	assert.Equal(t, "CT-1001", vars["contractId"])
	assert.Equal(t, "ES-2002", vars["eSignDocumentId"])
	assert.Equal(t, "AR-5005", vars["visionArchiveReference"])

	require.Len(t, report.Steps, 5)
	for _, st := range report.Steps {
		assert.Equal(t, schema.OutcomeSuccess, st.Outcome, "step %s", st.Step)
		assert.False(t, st.Fallback, "step %s", st.Step)
	}

	for _, name := range []string{
		schema.StepSimulatorAPI,
		schema.StepProfitabilityCheck,
		schema.StepContractGeneration,
		schema.StepESignUpload,
		schema.StepVisionArchive,
	} {
		assert.Equal(t, 1, h.stubs[name].callCount(), "step %s", name)
		assert.Equal(t, "SUCCESS", vars[schema.StatusKey(name)], "step %s", name)
		assert.Equal(t, false, vars[schema.FallbackKey(name)], "step %s", name)
	}

	events := h.store.eventTypes(report.ProcessID)
	assert.Contains(t, events, schema.EventProcessStarted)
	assert.Contains(t, events, schema.EventProcessCompleted)
	assert.NotContains(t, events, schema.EventStepDegraded)
}

func TestEngineCriticalStepDegradedFailsProcess(t *testing.T) {
	responses := happyResponses()
	responses[schema.StepContractGeneration] = failWith(
		schema.NewError(schema.ErrCodeService, "contract generator returned 503"))

	h := newHarness(t, responses)
	report := h.runToCompletion(t, defaultInitialVars())

	assert.Equal(t, schema.ProcessStatusFailed, report.Status)
	assert.Contains(t, report.LastError, "STEP_FAILED")
	assert.Contains(t, report.LastError, schema.StepContractGeneration)

	// The fallback contract was committed before the process was halted.
	vars := report.Variables
	assert.Contains(t, vars["contractId"], "CONTRACT_"+report.ProcessID)
	assert.Equal(t, schema.ContractStatusReadyForSign, vars["contractStatus"])
	assert.Equal(t, true, vars[schema.FallbackKey(schema.StepContractGeneration)])
	assert.Equal(t, "FAILED", vars[schema.StatusKey(schema.StepContractGeneration)])

	st := h.store.stepState(report.ProcessID, schema.StepContractGeneration)
	require.NotNil(t, st)
	assert.Equal(t, schema.OutcomeDegraded, st.Outcome)
	assert.True(t, st.Fallback)
	assert.Contains(t, st.Error, schema.ErrCodeService)

	// Downstream steps never ran.
	assert.Nil(t, h.store.stepState(report.ProcessID, schema.StepESignUpload))
	assert.Nil(t, h.store.stepState(report.ProcessID, schema.StepVisionArchive))
	assert.Equal(t, 0, h.stubs[schema.StepESignUpload].callCount())

	events := h.store.eventTypes(report.ProcessID)
	assert.Contains(t, events, schema.EventStepDegraded)
	assert.Contains(t, events, schema.EventProcessFailed)
}

func TestEngineNonCriticalFallbacksContinue(t *testing.T) {
	responses := happyResponses()
	responses[schema.StepSimulatorAPI] = failWith(
		schema.NewError(schema.ErrCodeTransport, "connection refused"))
	responses[schema.StepProfitabilityCheck] = failWith(
		schema.NewError(schema.ErrCodeTimeout, "deadline exceeded"))

	h := newHarness(t, responses)
	report := h.runToCompletion(t, defaultInitialVars())

	assert.Equal(t, schema.ProcessStatusCompleted, report.Status)

	vars := report.Variables
	assert.Equal(t, "STANDARD", vars[schema.KeySimulatorResult])
	assert.Equal(t, "FALLBACK", vars["calculationMethod"])
	// (1000 - 850) / 1000 = 0.15 lands exactly on the target threshold.
	assert.Equal(t, string(schema.BandAcceptable), vars[schema.KeyProfitabilityBand])
	assert.Equal(t, true, vars[schema.FallbackKey(schema.StepSimulatorAPI)])
	assert.Equal(t, true, vars[schema.FallbackKey(schema.StepProfitabilityCheck)])

	// The live contract step still ran with the synthesized upstream data.
	assert.Equal(t, "CT-1001", vars["contractId"])
	assert.Equal(t, false, vars[schema.FallbackKey(schema.StepContractGeneration)])

	st := h.store.stepState(report.ProcessID, schema.StepSimulatorAPI)
	require.NotNil(t, st)
	assert.Equal(t, schema.OutcomeDegraded, st.Outcome)
}

func TestEngineGuardSkipsArchiveWithoutDocument(t *testing.T) {
	h := newHarness(t, happyResponses())

	flow := schema.FlowDefinition{
		Name: "archive-only",
		Steps: []schema.FlowStep{
			{Step: schema.StepSimulatorAPI},
			{Step: schema.StepVisionArchive, When: `has(values.contractId) || has(values.quoteId)`},
		},
	}
	id, err := h.engine.StartProcess(context.Background(), flow, defaultInitialVars())
	require.NoError(t, err)
	h.engine.Wait(id)

	report, err := h.engine.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.ProcessStatusCompleted, report.Status)

	assert.Equal(t, 0, h.stubs[schema.StepVisionArchive].callCount())
	assert.Nil(t, h.store.stepState(id, schema.StepVisionArchive))
	assert.Contains(t, h.store.eventTypes(id), schema.EventStepSkipped)
}

func TestEngineQuoteModificationMergesBeforeNextStep(t *testing.T) {
	release := make(chan struct{})
	responses := happyResponses()
	simulated := responses[schema.StepSimulatorAPI]
	responses[schema.StepSimulatorAPI] = func(ctx context.Context, req map[string]any) (map[string]any, error) {
		<-release
		return simulated(ctx, req)
	}

	h := newHarness(t, responses)
	id, err := h.engine.StartProcess(context.Background(), schema.DefaultOnboardingFlow(), defaultInitialVars())
	require.NoError(t, err)

	err = h.engine.ApplyQuoteModification(context.Background(), id, map[string]any{
		"quoteId":     "Q-88",
		"quoteAmount": 7500.0,
	})
	require.NoError(t, err)
	close(release)
	h.engine.Wait(id)

	report, err := h.engine.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.ProcessStatusCompleted, report.Status)

	vars := report.Variables
	assert.Equal(t, true, vars[schema.KeyQuoteModified])
	// A modified quote routes to a CUSTOM contract and its amount wins over
	// the originally requested one.
	assert.Equal(t, string(schema.ContractCustom), vars["contractType"])
	assert.InDelta(t, 7500.0, vars["finalContractAmount"], 0.001)

	contractReq := h.stubs[schema.StepContractGeneration].lastCall()
	require.NotNil(t, contractReq)
	assert.Equal(t, string(schema.ContractCustom), contractReq["contractType"])
	assert.InDelta(t, 7500.0, contractReq["contractAmount"], 0.001)

	assert.Contains(t, h.store.eventTypes(id), schema.EventVariablesMerged)
}

func TestEngineUpdateRejectedAfterCompletion(t *testing.T) {
	h := newHarness(t, happyResponses())
	report := h.runToCompletion(t, defaultInitialVars())

	err := h.engine.ApplyQuoteModification(context.Background(), report.ProcessID, map[string]any{"quoteAmount": 1.0})
	require.Error(t, err)
	var obErr *schema.OnboardError
	require.ErrorAs(t, err, &obErr)
	assert.Equal(t, schema.ErrCodeConflict, obErr.Code)
}

func TestEngineCancelStopsRun(t *testing.T) {
	blocked := make(chan struct{})
	responses := happyResponses()
	responses[schema.StepSimulatorAPI] = func(ctx context.Context, req map[string]any) (map[string]any, error) {
		close(blocked)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	h := newHarness(t, responses)
	id, err := h.engine.StartProcess(context.Background(), schema.DefaultOnboardingFlow(), defaultInitialVars())
	require.NoError(t, err)

	<-blocked
	require.NoError(t, h.engine.Cancel(context.Background(), id))
	h.engine.Wait(id)

	report, err := h.engine.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.ProcessStatusFailed, report.Status)
	assert.Contains(t, report.LastError, "CANCELLED")
	assert.Contains(t, h.store.eventTypes(id), schema.EventProcessCancelled)

	// Steps after the cancellation point never ran.
	assert.Equal(t, 0, h.stubs[schema.StepContractGeneration].callCount())
}

func TestEngineRejectsUnknownStep(t *testing.T) {
	h := newHarness(t, happyResponses())
	flow := schema.FlowDefinition{
		Name:  "broken",
		Steps: []schema.FlowStep{{Step: "meterReading"}},
	}
	_, err := h.engine.StartProcess(context.Background(), flow, nil)
	require.Error(t, err)
	var obErr *schema.OnboardError
	require.ErrorAs(t, err, &obErr)
	assert.Equal(t, schema.ErrCodeValidation, obErr.Code)
}

func TestEngineRejectsBadTimeoutOverride(t *testing.T) {
	h := newHarness(t, happyResponses())
	flow := schema.FlowDefinition{
		Name:  "bad-timeout",
		Steps: []schema.FlowStep{{Step: schema.StepSimulatorAPI, Timeout: "soon"}},
	}
	_, err := h.engine.StartProcess(context.Background(), flow, nil)
	require.Error(t, err)
}

func TestEngineCriticalOverridePromotesStep(t *testing.T) {
	responses := happyResponses()
	responses[schema.StepSimulatorAPI] = failWith(
		schema.NewError(schema.ErrCodeTransport, "connection refused"))

	h := newHarness(t, responses)
	critical := true
	flow := schema.FlowDefinition{
		Name: "strict-simulation",
		Steps: []schema.FlowStep{
			{Step: schema.StepSimulatorAPI, Critical: &critical},
			{Step: schema.StepProfitabilityCheck},
		},
	}
	id, err := h.engine.StartProcess(context.Background(), flow, defaultInitialVars())
	require.NoError(t, err)
	h.engine.Wait(id)

	report, err := h.engine.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.ProcessStatusFailed, report.Status)
	assert.Equal(t, 0, h.stubs[schema.StepProfitabilityCheck].callCount())
}

func TestEngineStatusNotFound(t *testing.T) {
	h := newHarness(t, happyResponses())
	_, err := h.engine.Status(context.Background(), "no-such-id")
	require.Error(t, err)
	var obErr *schema.OnboardError
	require.ErrorAs(t, err, &obErr)
	assert.Equal(t, schema.ErrCodeNotFound, obErr.Code)
}

func TestEngineRecoverOrphans(t *testing.T) {
	h := newHarness(t, happyResponses())

	now := time.Now().UTC()
	require.NoError(t, h.store.CreateProcess(context.Background(), &store.ProcessRecord{
		ID:        "orphan-1",
		Flow:      "onboarding-process",
		Status:    schema.ProcessStatusRunning,
		Context:   json.RawMessage(`{"id":"orphan-1","values":{}}`),
		CreatedAt: now,
		UpdatedAt: now,
	}))

	recovered, err := h.engine.RecoverOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	rec, err := h.store.GetProcess(context.Background(), "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ProcessStatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "interrupted by restart")
}

func TestEngineShutdownWaitsForInstances(t *testing.T) {
	h := newHarness(t, happyResponses())
	id, err := h.engine.StartProcess(context.Background(), schema.DefaultOnboardingFlow(), defaultInitialVars())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(ctx))

	report, err := h.engine.Status(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, schema.ProcessStatusRunning, report.Status)

	_, err = h.engine.StartProcess(context.Background(), schema.DefaultOnboardingFlow(), nil)
	require.Error(t, err)
}

func TestEnginePublishesEventsToHub(t *testing.T) {
	h := newHarness(t, happyResponses())
	hub := streaming.NewMemoryHub()
	h.engine.SetEventHub(hub)

	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{
		Types: []string{schema.EventProcessStarted, schema.EventStepSucceeded, schema.EventProcessCompleted},
	})
	require.NoError(t, err)
	defer cancel()

	report := h.runToCompletion(t, defaultInitialVars())
	require.Equal(t, schema.ProcessStatusCompleted, report.Status)

	var got []streaming.ProcessEvent
	for len(ch) > 0 {
		got = append(got, <-ch)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, schema.EventProcessStarted, got[0].Type)
	assert.Equal(t, report.ProcessID, got[0].ProcessID)
	last := got[len(got)-1]
	assert.Equal(t, schema.EventProcessCompleted, last.Type)

	var steps []string
	for _, ev := range got {
		if ev.Type == schema.EventStepSucceeded {
			steps = append(steps, ev.Step)
		}
	}
	assert.Equal(t, []string{
		schema.StepSimulatorAPI,
		schema.StepProfitabilityCheck,
		schema.StepContractGeneration,
		schema.StepESignUpload,
		schema.StepVisionArchive,
	}, steps)
}

func TestEngineCriticalStepMalformedResponseContinues(t *testing.T) {
	responses := happyResponses()
	responses[schema.StepContractGeneration] = okJSON(map[string]any{
		"status": "READY_FOR_SIGNATURE",
	})

	h := newHarness(t, responses)
	report := h.runToCompletion(t, defaultInitialVars())

	// A 2xx response missing contractId is recovered locally with the
	// synthesized contract; criticality escalation is reserved for
	// unavailable or unreachable collaborators.
	assert.Equal(t, schema.ProcessStatusCompleted, report.Status)
	assert.Empty(t, report.LastError)

	vars := report.Variables
	assert.Contains(t, vars["contractId"], "CONTRACT_"+report.ProcessID)
	assert.Equal(t, true, vars[schema.FallbackKey(schema.StepContractGeneration)])
	assert.Equal(t, "FAILED", vars[schema.StatusKey(schema.StepContractGeneration)])

	st := h.store.stepState(report.ProcessID, schema.StepContractGeneration)
	require.NotNil(t, st)
	assert.Equal(t, schema.OutcomeDegraded, st.Outcome)
	assert.True(t, st.Fallback)
	assert.Contains(t, st.Error, schema.ErrCodeMalformed)

	// Downstream steps ran against the fallback contract.
	assert.Equal(t, 1, h.stubs[schema.StepESignUpload].callCount())
	assert.Equal(t, 1, h.stubs[schema.StepVisionArchive].callCount())
}
