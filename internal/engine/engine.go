package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/onboard/internal/expressions"
	"github.com/rendis/onboard/internal/logging"
	"github.com/rendis/onboard/internal/metrics"
	"github.com/rendis/onboard/internal/process"
	"github.com/rendis/onboard/internal/store"
	"github.com/rendis/onboard/internal/streaming"
	"github.com/rendis/onboard/pkg/schema"
)

// updateBuffer bounds how many variable merges can be queued against a
// running instance before callers are pushed back.
const updateBuffer = 16

// StatusReport is the externally visible state of one process instance.
type StatusReport struct {
	ProcessID   string               `json:"processInstanceId"`
	Flow        string               `json:"flow"`
	Status      schema.ProcessStatus `json:"status"`
	Variables   map[string]any       `json:"variables"`
	Steps       []*store.StepState   `json:"steps"`
	LastError   string               `json:"lastError,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
}

// update is a variable merge queued against a running instance.
type update struct {
	values map[string]any
	reason string
}

// instance is the in-memory handle of one running process.
type instance struct {
	id      string
	flow    schema.FlowDefinition
	view    *process.Context
	updates chan update
	cancel  context.CancelFunc
	done    chan struct{}
}

// Engine drives onboarding processes: one goroutine per instance walks the
// flow's steps in order, delegating each invocation to the step executor and
// persisting state after every step. Variable merges arriving while a step
// runs are applied at the next step boundary.
type Engine struct {
	executor *Executor
	catalog  *Catalog
	cel      *expressions.CELEngine
	store    store.Store
	breakers *CircuitBreakerRegistry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	hub      streaming.EventHub
	newID    func() string

	mu        sync.Mutex
	instances map[string]*instance
	closed    bool
	wg        sync.WaitGroup
}

// NewEngine wires a process engine. The breaker registry must be the one the
// executor admits calls through; the engine reads it to surface open-circuit
// transitions on the event log.
func NewEngine(
	executor *Executor,
	catalog *Catalog,
	cel *expressions.CELEngine,
	st store.Store,
	breakers *CircuitBreakerRegistry,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		executor:  executor,
		catalog:   catalog,
		cel:       cel,
		store:     st,
		breakers:  breakers,
		metrics:   m,
		logger:    logger,
		newID:     uuid.NewString,
		instances: make(map[string]*instance),
	}
}

// SetEventHub attaches a hub that receives a copy of every appended process
// event. Call before StartProcess; the hub is optional.
func (e *Engine) SetEventHub(hub streaming.EventHub) {
	e.hub = hub
}

// StartProcess creates a new process instance for the flow, seeds its context
// with the initial variables and begins executing steps asynchronously. The
// returned id is immediately queryable via Status.
func (e *Engine) StartProcess(ctx context.Context, flow schema.FlowDefinition, initial map[string]any) (string, error) {
	if len(flow.Steps) == 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "flow has no steps")
	}
	for _, fs := range flow.Steps {
		if _, ok := e.catalog.Step(fs.Step); !ok {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "flow references unknown step %q", fs.Step)
		}
		if fs.Timeout != "" {
			if _, err := time.ParseDuration(fs.Timeout); err != nil {
				return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q for step %q", fs.Timeout, fs.Step).WithCause(err)
			}
		}
	}

	id := e.newID()
	view := process.NewContext(id)
	view.MergeAny(initial)
	view.Set(schema.KeyProcessInstanceID, process.String(id))

	snapshot, err := json.Marshal(view)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeStore, "context snapshot failed").WithCause(err)
	}
	now := time.Now().UTC()
	rec := &store.ProcessRecord{
		ID:        id,
		Flow:      flow.Name,
		Status:    schema.ProcessStatusRunning,
		Context:   snapshot,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateProcess(ctx, rec); err != nil {
		return "", err
	}
	e.appendEvent(ctx, id, schema.EventProcessStarted, map[string]any{"flow": flow.Name})

	inst := &instance{
		id:      id,
		flow:    flow,
		view:    view,
		updates: make(chan update, updateBuffer),
		done:    make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", schema.NewError(schema.ErrCodeConflict, "engine is shutting down")
	}
	e.instances[id] = inst
	e.wg.Add(1)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ProcessesStarted.WithLabelValues(flow.Name).Inc()
		e.metrics.ActiveProcesses.Inc()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel
	go e.run(runCtx, inst)
	return id, nil
}

// Status reports the persisted state of a process, running or finished.
func (e *Engine) Status(ctx context.Context, id string) (*StatusReport, error) {
	rec, err := e.store.GetProcess(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListStepStates(ctx, id)
	if err != nil {
		return nil, err
	}

	var view process.Context
	vars := map[string]any{}
	if len(rec.Context) > 0 {
		if err := json.Unmarshal(rec.Context, &view); err == nil {
			vars = view.Plain()
		}
	}
	return &StatusReport{
		ProcessID:   rec.ID,
		Flow:        rec.Flow,
		Status:      rec.Status,
		Variables:   vars,
		Steps:       steps,
		LastError:   rec.LastError,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		CompletedAt: rec.CompletedAt,
	}, nil
}

// Events returns the process event log after the given sequence number.
func (e *Engine) Events(ctx context.Context, id string, since int64) ([]*store.Event, error) {
	if _, err := e.store.GetProcess(ctx, id); err != nil {
		return nil, err
	}
	return e.store.GetEvents(ctx, id, since)
}

// ApplyQuoteModification queues updated quote variables against a running
// instance and flags the context so contract-type derivation sees the
// modification. The merge takes effect at the next step boundary.
func (e *Engine) ApplyQuoteModification(ctx context.Context, id string, values map[string]any) error {
	merged := make(map[string]any, len(values)+1)
	for k, v := range values {
		merged[k] = v
	}
	merged[schema.KeyQuoteModified] = true
	return e.queueUpdate(ctx, id, update{values: merged, reason: "quote_modification"})
}

// queueUpdate delivers a variable merge to a live instance.
func (e *Engine) queueUpdate(ctx context.Context, id string, upd update) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		rec, err := e.store.GetProcess(ctx, id)
		if err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "process %s is %s, not accepting updates", id, rec.Status)
	}

	select {
	case inst.updates <- upd:
		return nil
	case <-inst.done:
		return schema.NewErrorf(schema.ErrCodeConflict, "process %s already finished", id)
	default:
		return schema.NewErrorf(schema.ErrCodeConflict, "process %s update queue is full", id)
	}
}

// Cancel stops a running instance. Finished processes are left untouched.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if ok {
		inst.cancel()
		return nil
	}

	rec, err := e.store.GetProcess(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != schema.ProcessStatusRunning {
		return schema.NewErrorf(schema.ErrCodeConflict, "process %s already finished with status %s", id, rec.Status)
	}
	// Orphaned RUNNING row with no live goroutine (e.g. after a restart).
	return e.finishRecord(ctx, id, schema.ProcessStatusFailed, "CANCELLED: process cancelled", schema.EventProcessCancelled)
}

// RecoverOrphans marks RUNNING rows without a live goroutine as FAILED.
// Called once at startup so a restart never leaves processes stuck in
// RUNNING forever.
func (e *Engine) RecoverOrphans(ctx context.Context) (int, error) {
	recs, err := e.store.ListProcesses(ctx, store.ProcessFilter{Status: schema.ProcessStatusRunning})
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, rec := range recs {
		e.mu.Lock()
		_, live := e.instances[rec.ID]
		e.mu.Unlock()
		if live {
			continue
		}
		if err := e.finishRecord(ctx, rec.ID, schema.ProcessStatusFailed,
			"EXECUTION_ERROR: process interrupted by restart", schema.EventProcessFailed); err != nil {
			e.logger.ErrorContext(ctx, "orphan recovery failed",
				slog.String("process_id", rec.ID), slog.String("error", err.Error()))
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Shutdown cancels all running instances and waits for their goroutines to
// exit, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, inst := range e.instances {
		inst.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeTimeout, "shutdown wait expired").WithCause(ctx.Err())
	}
}

// run walks the flow's steps in order. It is the only goroutine mutating the
// instance's context, so merges and step commits never race.
func (e *Engine) run(ctx context.Context, inst *instance) {
	defer e.wg.Done()
	defer close(inst.done)
	defer func() {
		e.mu.Lock()
		delete(e.instances, inst.id)
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.ActiveProcesses.Dec()
		}
	}()

	ctx = logging.WithProcessID(ctx, inst.id)
	log := logging.LogWith(ctx, e.logger)
	log.InfoContext(ctx, "process started", slog.String("flow", inst.flow.Name))

	finalStatus := schema.ProcessStatusCompleted
	finalEvent := schema.EventProcessCompleted
	lastError := ""

	for _, fs := range inst.flow.Steps {
		e.drainUpdates(ctx, inst)

		if err := ctx.Err(); err != nil {
			finalStatus = schema.ProcessStatusFailed
			finalEvent = schema.EventProcessCancelled
			lastError = "CANCELLED: process cancelled"
			log.WarnContext(ctx, "process cancelled", slog.String("step", fs.Step))
			break
		}

		if fs.When != "" {
			pass, err := e.cel.EvaluateBool(ctx, fs.When, inst.view.Plain())
			if err != nil {
				log.WarnContext(ctx, "guard evaluation failed, skipping step",
					slog.String("step", fs.Step), slog.String("error", err.Error()))
				pass = false
			}
			if !pass {
				e.appendEvent(ctx, inst.id, schema.EventStepSkipped,
					map[string]any{"step": fs.Step, "guard": fs.When})
				continue
			}
		}

		if fs.DocumentType != "" {
			inst.view.Set(schema.KeyDocumentType, process.String(fs.DocumentType))
		}

		result := e.executeFlowStep(ctx, inst, fs)
		e.persistStep(ctx, inst, result)

		if halt, reason := e.shouldHalt(fs, result); halt {
			finalStatus = schema.ProcessStatusFailed
			finalEvent = schema.EventProcessFailed
			lastError = reason
			log.ErrorContext(ctx, "process failed",
				slog.String("step", result.Step), slog.String("error", reason))
			break
		}
	}

	if finalStatus == schema.ProcessStatusCompleted {
		e.drainUpdates(ctx, inst)
		log.InfoContext(ctx, "process completed")
	}

	// Persist the final snapshot with a background context; the run context
	// may already be cancelled.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.finishInstance(persistCtx, inst, finalStatus, lastError, finalEvent); err != nil {
		log.ErrorContext(ctx, "final state persistence failed", slog.String("error", err.Error()))
	}
	if e.metrics != nil {
		e.metrics.ProcessesEnded.WithLabelValues(string(finalStatus)).Inc()
	}
}

// executeFlowStep applies flow-level overrides and delegates to the executor.
func (e *Engine) executeFlowStep(ctx context.Context, inst *instance, fs schema.FlowStep) *StepResult {
	stepCtx := ctx
	if fs.Timeout != "" {
		if d, err := time.ParseDuration(fs.Timeout); err == nil && d > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}
	e.appendEvent(ctx, inst.id, schema.EventStepStarted, map[string]any{"step": fs.Step})
	return e.executor.ExecuteStep(stepCtx, inst.view, fs.Step)
}

// shouldHalt decides whether a step result stops the flow. FAILED always
// halts: the executor only fails on configuration defects, never on
// collaborator trouble. DEGRADED halts only for critical steps, after the
// fallback values have already been committed, and only when the cause is
// an unavailable or misbehaving collaborator. Locally recoverable causes
// (malformed responses, validation rejects) never halt: their defaults are
// already committed and the flow can finish on them.
func (e *Engine) shouldHalt(fs schema.FlowStep, result *StepResult) (bool, string) {
	switch result.Outcome {
	case schema.OutcomeFailed:
		return true, errorMessage(result.Err)
	case schema.OutcomeDegraded:
		var obErr *schema.OnboardError
		if errors.As(result.Err, &obErr) && obErr.IsLocal() {
			return false, ""
		}
		critical := false
		if def, ok := e.catalog.Step(fs.Step); ok {
			critical = def.Critical
		}
		if fs.Critical != nil {
			critical = *fs.Critical
		}
		if critical {
			return true, "STEP_FAILED: critical step " + result.Step + " degraded to fallback data"
		}
	}
	return false, ""
}

// drainUpdates applies all queued variable merges to the instance context.
func (e *Engine) drainUpdates(ctx context.Context, inst *instance) {
	for {
		select {
		case upd := <-inst.updates:
			inst.view.MergeAny(upd.values)
			keys := make([]string, 0, len(upd.values))
			for k := range upd.values {
				keys = append(keys, k)
			}
			e.appendEvent(ctx, inst.id, schema.EventVariablesMerged,
				map[string]any{"reason": upd.reason, "keys": keys})
			logging.LogWith(ctx, e.logger).InfoContext(ctx, "variables merged",
				slog.String("reason", upd.reason), slog.Int("count", len(upd.values)))
		default:
			return
		}
	}
}

// persistStep snapshots the context and records the step state plus its
// lifecycle event. Persistence trouble is logged, never fatal to the run.
func (e *Engine) persistStep(ctx context.Context, inst *instance, result *StepResult) {
	log := logging.LogWith(ctx, e.logger)
	completed := time.Now().UTC()

	snapshot, err := json.Marshal(inst.view)
	if err != nil {
		log.ErrorContext(ctx, "context snapshot failed", slog.String("error", err.Error()))
	} else if err := e.store.UpdateProcess(ctx, inst.id, store.ProcessUpdate{Context: snapshot}); err != nil {
		log.ErrorContext(ctx, "context persistence failed", slog.String("error", err.Error()))
	}

	state := &store.StepState{
		ProcessID:   inst.id,
		Step:        result.Step,
		Outcome:     result.Outcome,
		Fallback:    result.IsFallback,
		CompletedAt: &completed,
	}
	if result.Err != nil {
		state.Error = errorMessage(result.Err)
	}
	if result.Values != nil {
		if raw, err := json.Marshal(result.Values); err == nil {
			state.Values = raw
		}
	}
	if err := e.store.UpsertStepState(ctx, state); err != nil {
		log.ErrorContext(ctx, "step state persistence failed",
			slog.String("step", result.Step), slog.String("error", err.Error()))
	}

	eventType := schema.EventStepSucceeded
	payload := map[string]any{"step": result.Step}
	switch result.Outcome {
	case schema.OutcomeDegraded:
		eventType = schema.EventStepDegraded
		payload["error"] = state.Error
	case schema.OutcomeFailed:
		eventType = schema.EventStepFailed
		payload["error"] = state.Error
	}
	e.appendEvent(ctx, inst.id, eventType, payload)

	if result.IsFallback && e.breakers != nil {
		if e.breakers.GetState(result.Step) == CircuitOpen {
			e.appendEvent(ctx, inst.id, schema.EventCircuitBreakerOpen,
				map[string]any{"step": result.Step})
		}
	}
}

// finishInstance writes the terminal snapshot, status and event for a run.
func (e *Engine) finishInstance(ctx context.Context, inst *instance, status schema.ProcessStatus, lastError, eventType string) error {
	snapshot, err := json.Marshal(inst.view)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "context snapshot failed").WithCause(err)
	}
	completed := time.Now().UTC()
	upd := store.ProcessUpdate{
		Status:      &status,
		Context:     snapshot,
		CompletedAt: &completed,
	}
	if lastError != "" {
		upd.LastError = &lastError
	}
	if err := e.store.UpdateProcess(ctx, inst.id, upd); err != nil {
		return err
	}
	payload := map[string]any{"status": string(status)}
	if lastError != "" {
		payload["error"] = lastError
	}
	e.appendEvent(ctx, inst.id, eventType, payload)
	return nil
}

// finishRecord marks a process terminal directly on the store, used for rows
// that have no live goroutine.
func (e *Engine) finishRecord(ctx context.Context, id string, status schema.ProcessStatus, lastError, eventType string) error {
	completed := time.Now().UTC()
	upd := store.ProcessUpdate{
		Status:      &status,
		LastError:   &lastError,
		CompletedAt: &completed,
	}
	if err := e.store.UpdateProcess(ctx, id, upd); err != nil {
		return err
	}
	e.appendEvent(ctx, id, eventType, map[string]any{"status": string(status), "error": lastError})
	return nil
}

// appendEvent records a process event, logging instead of failing when the
// store rejects it.
func (e *Engine) appendEvent(ctx context.Context, processID, eventType string, payload map[string]any) {
	ev := &store.Event{ProcessID: processID, Type: eventType, CreatedAt: time.Now().UTC()}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "event append failed",
			slog.String("process_id", processID),
			slog.String("type", eventType),
			slog.String("error", err.Error()))
	}
	if e.hub != nil {
		se := streaming.ProcessEvent{ProcessID: processID, Type: eventType, Payload: payload}
		if step, ok := payload["step"].(string); ok {
			se.Step = step
		}
		if err := e.hub.Publish(ctx, se); err != nil {
			e.logger.WarnContext(ctx, "event publish failed",
				slog.String("process_id", processID),
				slog.String("type", eventType),
				slog.String("error", err.Error()))
		}
	}
}

// Wait blocks until the identified process's goroutine exits. Intended for
// tests and synchronous callers; production callers poll Status.
func (e *Engine) Wait(id string) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	<-inst.done
}
