// Package clients contains the HTTP adapters for the external collaborators
// of the onboarding flow. Each adapter file wraps one collaborator API and
// normalizes its failures into schema error codes so the step executor can
// decide between retry, fallback and escalation without inspecting transport
// details.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"github.com/rendis/onboard/pkg/schema"
)

// Client is the contract every collaborator adapter satisfies. The request
// and response are loosely typed maps; field selection and normalization
// happen in the step catalog, not here.
type Client interface {
	Name() string
	Call(ctx context.Context, req map[string]any) (map[string]any, error)
}

// Config configures a single collaborator adapter.
type Config struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	MaxResponseBody int64
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultTimeout         = 30 * time.Second

	headerRequestID = "X-Request-ID"
)

// caller is the shared JSON/multipart plumbing used by all adapter files.
// A single pooled http.Client is reused across calls.
type caller struct {
	name       string
	cfg        Config
	httpClient *http.Client
}

func newCaller(name string, cfg Config) *caller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &caller{
		name: name,
		cfg:  cfg,
		httpClient: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
	}
}

// postJSON sends the payload as an application/json POST to baseURL+path and
// decodes the JSON response body into a map.
func (c *caller) postJSON(ctx context.Context, path, requestID string, headers map[string]string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: failed to marshal request body", c.name).WithCause(err)
	}
	return c.post(ctx, path, requestID, "application/json", headers, bytes.NewReader(body))
}

// postMultipart sends a multipart/form-data POST with the given string
// fields plus a single binary part named "document". The document part is
// omitted when content is empty, mirroring collaborators that accept
// metadata-only submissions.
func (c *caller) postMultipart(ctx context.Context, path, requestID string, headers map[string]string, fields map[string]string, fileName string, content []byte) (map[string]any, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: failed to write multipart field %q", c.name, k).WithCause(err)
		}
	}
	if len(content) > 0 {
		part, err := w.CreateFormFile("document", fileName)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: failed to create document part", c.name).WithCause(err)
		}
		if _, err := part.Write(content); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: failed to write document part", c.name).WithCause(err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: failed to finalize multipart body", c.name).WithCause(err)
	}
	return c.post(ctx, path, requestID, w.FormDataContentType(), headers, &buf)
}

func (c *caller) post(ctx context.Context, path, requestID, contentType string, headers map[string]string, body io.Reader) (map[string]any, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: failed to create request", c.name).WithCause(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerRequestID, requestID)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "%s: failed to read response body", c.name).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, schema.NewErrorf(schema.ErrCodeService, "%s: server returned %d", c.name, resp.StatusCode).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode,
				"body":        truncate(string(raw), 512),
			})
	}

	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMalformed, "%s: response is not a JSON object", c.name).
			WithCause(err).
			WithDetails(map[string]any{"body": truncate(string(raw), 512)})
	}
	return parsed, nil
}

// transportError distinguishes timeouts from other network failures so the
// executor can log them apart. Both are collaborator failures and take the
// fallback path.
func (c *caller) transportError(err error) *schema.OnboardError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "%s: request timed out", c.name).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeTransport, "%s: request failed", c.name).WithCause(err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// requestID extracts the correlation id from the request map. Adapters never
// synthesize one; the engine always seeds processInstanceId.
func requestID(req map[string]any) string {
	return stringField(req, schema.KeyProcessInstanceID)
}

func stringField(req map[string]any, key string) string {
	v, ok := req[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		return fmt.Sprintf("%v", s)
	}
}

func bytesField(req map[string]any, key string) []byte {
	v, ok := req[key]
	if !ok || v == nil {
		return nil
	}
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		return nil
	}
}

// stringFields flattens scalar request values to strings for multipart form
// fields, skipping nils and binary payloads.
func stringFields(req map[string]any, keys ...string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok := req[k]
		if !ok || v == nil {
			continue
		}
		if _, isBytes := v.([]byte); isBytes {
			continue
		}
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
