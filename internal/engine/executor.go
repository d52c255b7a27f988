package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/onboard/internal/clients"
	"github.com/rendis/onboard/internal/logging"
	"github.com/rendis/onboard/internal/metrics"
	"github.com/rendis/onboard/internal/process"
	"github.com/rendis/onboard/pkg/schema"
)

// StepResult is the outcome of a single step invocation. Values have already
// been committed to the process context when the executor returns.
type StepResult struct {
	Step       string
	Outcome    schema.StepOutcome
	Values     map[string]any
	IsFallback bool
	Err        error
}

// Executor runs one step against its collaborator with the full resilience
// chain: circuit breaker admission, bounded call, fallback synthesis and a
// single atomic commit into the process context.
type Executor struct {
	catalog  *Catalog
	clients  map[string]clients.Client
	breakers *CircuitBreakerRegistry
	fallback *FallbackPolicy
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewExecutor wires an executor. The clients map is keyed by step name.
func NewExecutor(
	catalog *Catalog,
	stepClients map[string]clients.Client,
	breakers *CircuitBreakerRegistry,
	fallback *FallbackPolicy,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		catalog:  catalog,
		clients:  stepClients,
		breakers: breakers,
		fallback: fallback,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// ExecuteStep runs the named step. The context write happens exactly once
// per invocation: a collaborator response arriving after the timeout branch
// has committed fallback data is discarded.
//
// DEGRADED results are returned to the caller even for non-critical steps;
// deciding whether a degraded outcome halts the flow is the engine's call,
// not the executor's.
func (e *Executor) ExecuteStep(ctx context.Context, view *process.Context, stepName string) *StepResult {
	ctx = logging.WithStep(logging.WithProcessID(ctx, view.ID()), stepName)
	log := logging.LogWith(ctx, e.logger)
	start := e.now()

	def, ok := e.catalog.Step(stepName)
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeNotFound, "unknown step %q", stepName)
		return e.commit(view, &StepResult{Step: stepName, Outcome: schema.OutcomeFailed, Err: err}, start)
	}

	req, err := e.catalog.BuildRequest(ctx, view, def)
	if err != nil {
		// A broken field spec is a flow configuration defect; synthesizing
		// data from a half-built request would hide it.
		log.ErrorContext(ctx, "request build failed", slog.String("error", err.Error()))
		return e.commit(view, &StepResult{Step: stepName, Outcome: schema.OutcomeFailed, Err: err}, start)
	}

	resp, callErr := e.callCollaborator(ctx, def, req)
	if callErr == nil {
		values, normErr := def.Normalize(e.catalog, req, resp)
		if normErr == nil {
			e.breakers.RecordSuccess(def.Name)
			return e.commit(view, &StepResult{
				Step:    stepName,
				Outcome: schema.OutcomeSuccess,
				Values:  values,
			}, start)
		}
		// A 2xx we cannot use is still the collaborator misbehaving; the
		// breaker counts it alongside transport trouble.
		var obErr *schema.OnboardError
		if errors.As(normErr, &obErr) && obErr.IsCollaboratorFailure() {
			e.breakers.RecordFailure(def.Name)
		} else {
			e.breakers.RecordSuccess(def.Name)
		}
		log.WarnContext(ctx, "collaborator response rejected",
			slog.String("error", normErr.Error()))
		callErr = normErr
	}

	log.WarnContext(ctx, "collaborator call failed, synthesizing fallback",
		slog.String("error", callErr.Error()))

	values, fbErr := def.Normalize(e.catalog, req, def.Fallback(e.fallback, req))
	if fbErr != nil {
		// Fallback synthesis is local and total; reaching this means the
		// step definition itself is inconsistent.
		log.ErrorContext(ctx, "fallback normalization failed", slog.String("error", fbErr.Error()))
		return e.commit(view, &StepResult{Step: stepName, Outcome: schema.OutcomeFailed, Err: fbErr}, start)
	}

	return e.commit(view, &StepResult{
		Step:       stepName,
		Outcome:    schema.OutcomeDegraded,
		Values:     values,
		IsFallback: true,
		Err:        callErr,
	}, start)
}

// callCollaborator performs breaker admission and the bounded call. The call
// runs in its own goroutine with a buffered result channel so the timeout
// branch can return without waiting for the straggler; the stale response is
// dropped when it eventually lands in the buffer.
func (e *Executor) callCollaborator(ctx context.Context, def *StepDefinition, req map[string]any) (map[string]any, error) {
	client, ok := e.clients[def.Name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "no client wired for step %q", def.Name)
	}

	if err := e.breakers.AllowRequest(def.Name); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	type callOutcome struct {
		resp map[string]any
		err  error
	}
	done := make(chan callOutcome, 1)
	go func() {
		resp, err := client.Call(callCtx, req)
		done <- callOutcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			e.breakers.RecordFailure(def.Name)
			return nil, out.err
		}
		// Success is recorded by the caller once the response body has
		// also passed normalization.
		return out.resp, nil
	case <-callCtx.Done():
		e.breakers.RecordFailure(def.Name)
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "step %q timed out after %s", def.Name, def.Timeout).
			WithCause(callCtx.Err()).
			WithStep(def.Name)
	}
}

// commit writes the step values plus the bookkeeping quadruple into the
// context and records metrics. This is the single write point per invocation.
func (e *Executor) commit(view *process.Context, result *StepResult, start time.Time) *StepResult {
	if result.Values != nil {
		view.MergeAny(result.Values)
	}

	status := "SUCCESS"
	if result.Outcome != schema.OutcomeSuccess {
		status = "FAILED"
	}
	view.Set(schema.StatusKey(result.Step), process.String(status))
	view.Set(schema.TimestampKey(result.Step), process.Number(float64(e.now().UnixMilli())))
	view.Set(schema.FallbackKey(result.Step), process.Bool(result.IsFallback))
	if result.Err != nil {
		view.Set(schema.ErrorKey(result.Step), process.String(errorMessage(result.Err)))
	}

	if e.metrics != nil {
		e.metrics.StepsTotal.WithLabelValues(result.Step, string(result.Outcome)).Inc()
		if result.IsFallback {
			e.metrics.FallbacksTotal.WithLabelValues(result.Step).Inc()
		}
		e.metrics.StepDuration.WithLabelValues(result.Step).Observe(e.now().Sub(start).Seconds())
	}
	return result
}

func errorMessage(err error) string {
	var obErr *schema.OnboardError
	if errors.As(err, &obErr) {
		return obErr.Code + ": " + obErr.Message
	}
	return err.Error()
}
