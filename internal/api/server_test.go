package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/onboard/internal/engine"
	"github.com/rendis/onboard/internal/store"
	"github.com/rendis/onboard/internal/validation"
	"github.com/rendis/onboard/pkg/schema"
)

// fakeService is a scriptable ProcessService.
type fakeService struct {
	startedFlow  *schema.FlowDefinition
	startedVars  map[string]any
	mergedID     string
	mergedValues map[string]any
	cancelledID  string

	startErr  error
	statusErr error
	mergeErr  error
	cancelErr error

	report *engine.StatusReport
	events []*store.Event
}

func (f *fakeService) StartProcess(_ context.Context, flow schema.FlowDefinition, initial map[string]any) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.startedFlow = &flow
	f.startedVars = initial
	return "proc-123", nil
}

func (f *fakeService) Status(_ context.Context, id string) (*engine.StatusReport, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if f.report != nil {
		return f.report, nil
	}
	return &engine.StatusReport{
		ProcessID: id,
		Flow:      "onboarding-process",
		Status:    schema.ProcessStatusRunning,
		Variables: map[string]any{"customerId": "CUST-1"},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeService) ApplyQuoteModification(_ context.Context, id string, values map[string]any) error {
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.mergedID = id
	f.mergedValues = values
	return nil
}

func (f *fakeService) Cancel(_ context.Context, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelledID = id
	return nil
}

func (f *fakeService) Events(_ context.Context, id string, since int64) ([]*store.Event, error) {
	var out []*store.Event
	for _, ev := range f.events {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, svc *fakeService, cfg Config) *httptest.Server {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator([]string{
		schema.StepSimulatorAPI,
		schema.StepProfitabilityCheck,
		schema.StepContractGeneration,
		schema.StepESignUpload,
		schema.StepVisionArchive,
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(svc, v, nil, logger, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func validStartBody() map[string]any {
	return map[string]any{
		"customerId":       "CUST-1",
		"customerName":     "Ada Marsh",
		"customerEmail":    "ada@example.com",
		"requestedProduct": "ELECTRICITY_FLEX",
		"requestedAmount":  5000.0,
	}
}

func TestStartSubmission(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc, Config{})

	resp := postJSON(t, ts.URL+"/api/workflow/form-submission/start", validStartBody(), nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	body := decodeJSON(t, resp)
	assert.Equal(t, "proc-123", body["processInstanceId"])
	assert.Equal(t, "RUNNING", body["status"])

	require.NotNil(t, svc.startedFlow)
	assert.Equal(t, "onboarding-process", svc.startedFlow.Name)
	assert.Equal(t, "CUST-1", svc.startedVars["customerId"])
}

func TestStartSubmissionInvalidPayload(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc, Config{})

	bad := validStartBody()
	delete(bad, "customerEmail")
	resp := postJSON(t, ts.URL+"/api/workflow/form-submission/start", bad, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])
	assert.Nil(t, svc.startedFlow)
}

func TestStartSubmissionMalformedJSON(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc, Config{})

	req, err := http.NewRequest(http.MethodPost,
		ts.URL+"/api/workflow/form-submission/start", bytes.NewReader([]byte("{nope")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartCustomFlowWithInputSchema(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc, Config{})

	flow := map[string]any{
		"name":  "simulation-only",
		"steps": []map[string]any{{"step": schema.StepSimulatorAPI}},
		"metadata": map[string]any{
			"inputSchema": map[string]any{
				"type":     "object",
				"required": []string{"customerId"},
			},
		},
	}

	resp := postJSON(t, ts.URL+"/api/workflow/flows/start", map[string]any{
		"flow":      flow,
		"variables": map[string]any{"customerId": "CUST-1"},
	}, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Variables violating the flow's own schema are rejected.
	resp = postJSON(t, ts.URL+"/api/workflow/flows/start", map[string]any{
		"flow":      flow,
		"variables": map[string]any{},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartCustomFlowUnknownStep(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc, Config{})

	resp := postJSON(t, ts.URL+"/api/workflow/flows/start", map[string]any{
		"flow": map[string]any{
			"name":  "bad",
			"steps": []map[string]any{{"step": "meterReading"}},
		},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Nil(t, svc.startedFlow)
}

func TestStatusEndpoint(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc, Config{})

	resp, err := http.Get(ts.URL + "/api/workflow/process/proc-9/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Equal(t, "proc-9", body["processInstanceId"])
	assert.Equal(t, "RUNNING", body["status"])
}

func TestStatusNotFound(t *testing.T) {
	svc := &fakeService{statusErr: schema.NewError(schema.ErrCodeNotFound, "process missing")}
	ts := newTestServer(t, svc, Config{})

	resp, err := http.Get(ts.URL + "/api/workflow/process/nope/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQuoteModification(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc, Config{})

	resp := postJSON(t, ts.URL+"/api/workflow/process/proc-5/complete-quote-modification",
		map[string]any{"quoteAmount": 7500.0}, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "proc-5", svc.mergedID)
	assert.InDelta(t, 7500.0, svc.mergedValues["quoteAmount"], 0.001)
}

func TestQuoteModificationEmptyBody(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc, Config{})

	resp := postJSON(t, ts.URL+"/api/workflow/process/proc-5/complete-quote-modification",
		map[string]any{}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQuoteModificationConflict(t *testing.T) {
	svc := &fakeService{mergeErr: schema.NewError(schema.ErrCodeConflict, "process already finished")}
	ts := newTestServer(t, svc, Config{})

	resp := postJSON(t, ts.URL+"/api/workflow/process/proc-5/complete-quote-modification",
		map[string]any{"quoteAmount": 1.0}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc, Config{})

	resp := postJSON(t, ts.URL+"/api/workflow/process/proc-7/cancel", map[string]any{}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "proc-7", svc.cancelledID)
}

func TestEventsEndpoint(t *testing.T) {
	svc := &fakeService{events: []*store.Event{
		{Seq: 1, ProcessID: "proc-3", Type: schema.EventProcessStarted},
		{Seq: 2, ProcessID: "proc-3", Type: schema.EventStepSucceeded},
	}}
	ts := newTestServer(t, svc, Config{})

	resp, err := http.Get(ts.URL + "/api/workflow/process/proc-3/events?since=1")
	require.NoError(t, err)
	body := decodeJSON(t, resp)
	events, ok := body["events"].([]any)
	require.True(t, ok)
	assert.Len(t, events, 1)

	resp, err = http.Get(ts.URL + "/api/workflow/process/proc-3/events?since=banana")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBearerAuth(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc, Config{AuthToken: "sekrit"})

	// Missing token.
	resp := postJSON(t, ts.URL+"/api/workflow/form-submission/start", validStartBody(), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong token.
	resp = postJSON(t, ts.URL+"/api/workflow/form-submission/start", validStartBody(),
		map[string]string{"Authorization": "Bearer wrong"})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct token.
	resp = postJSON(t, ts.URL+"/api/workflow/form-submission/start", validStartBody(),
		map[string]string{"Authorization": "Bearer sekrit"})
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Health stays open.
	health, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestRequestIDHonored(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc, Config{})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

func TestBreakersEndpoint(t *testing.T) {
	svc := &fakeService{}
	v, err := validation.NewJSONSchemaValidator([]string{schema.StepSimulatorAPI})
	require.NoError(t, err)

	reg := engine.NewCircuitBreakerRegistry(engine.CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		HalfOpenMax:      1,
	})
	reg.RecordFailure("contracts")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(svc, v, nil, logger, Config{})
	srv.SetBreakerInspector(reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/workflow/breakers")
	require.NoError(t, err)
	body := decodeJSON(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	breakers, ok := body["breakers"].(map[string]any)
	require.True(t, ok)
	contracts, ok := breakers["contracts"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "open", contracts["state"])
}

func TestBreakersEndpointAbsentWithoutInspector(t *testing.T) {
	ts := newTestServer(t, &fakeService{}, Config{})

	resp, err := http.Get(ts.URL + "/api/workflow/breakers")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
