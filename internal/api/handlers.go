package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rendis/onboard/pkg/schema"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 2 << 20

// handleStartSubmission starts the default onboarding flow from a raw
// form-submission payload. The body is the submission itself; every field
// lands in the process context.
func (s *Server) handleStartSubmission(w http.ResponseWriter, r *http.Request) {
	var submission map[string]any
	if err := decodeBody(r, &submission); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if err := s.validator.ValidateSubmission(submission); err != nil {
		writeServiceError(w, err)
		return
	}

	id, err := s.service.StartProcess(r.Context(), schema.DefaultOnboardingFlow(), submission)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"processInstanceId": id,
		"status":            string(schema.ProcessStatusRunning),
	})
}

// handleStartCustomFlow starts a caller-supplied flow definition. When the
// flow's metadata carries an inputSchema, the variables are validated
// against it.
func (s *Server) handleStartCustomFlow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Flow      schema.FlowDefinition `json:"flow"`
		Variables map[string]any        `json:"variables"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if err := s.validator.ValidateFlow(&body.Flow); err != nil {
		writeServiceError(w, err)
		return
	}

	if raw, ok := body.Flow.Metadata["inputSchema"]; ok {
		schemaBytes, err := json.Marshal(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable inputSchema in flow metadata")
			return
		}
		vars := body.Variables
		if vars == nil {
			vars = map[string]any{}
		}
		if err := s.validator.ValidateInput(vars, schemaBytes); err != nil {
			writeServiceError(w, err)
			return
		}
	}

	id, err := s.service.StartProcess(r.Context(), body.Flow, body.Variables)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"processInstanceId": id,
		"flow":              body.Flow.Name,
		"status":            string(schema.ProcessStatusRunning),
	})
}

// handleStatus reports the persisted state of a process.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleQuoteModification merges updated quote variables into a running
// process.
func (s *Server) handleQuoteModification(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if err := decodeBody(r, &values); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if len(values) == 0 {
		writeError(w, http.StatusBadRequest, "quote modification payload is empty")
		return
	}

	id := r.PathValue("id")
	if err := s.service.ApplyQuoteModification(r.Context(), id, values); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"processInstanceId": id,
		"merged":            "true",
	})
}

// handleCancel stops a running process.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.Cancel(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"processInstanceId": id,
		"cancelled":         "true",
	})
}

// handleBreakers reports per-collaborator circuit breaker diagnostics.
func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.breakers.Stats()})
}

// handleEvents returns the process event log, optionally after ?since=N.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = parsed
	}

	events, err := s.service.Events(r.Context(), r.PathValue("id"), since)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processInstanceId": r.PathValue("id"),
		"events":            events,
	})
}

// decodeBody strictly decodes a JSON request body.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// writeServiceError renders an engine error with its mapped HTTP status and
// structured details.
func writeServiceError(w http.ResponseWriter, err error) {
	status := httpStatusFor(err)
	var obErr *schema.OnboardError
	if errors.As(err, &obErr) {
		body := map[string]any{
			"error": obErr.Message,
			"code":  obErr.Code,
		}
		if len(obErr.Details) > 0 {
			body["details"] = obErr.Details
		}
		writeJSON(w, status, body)
		return
	}
	writeError(w, status, err.Error())
}
