package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dshills/flowmachine/flow"
)

// IdempotencyHeader carries the dedup ID on every request.
const IdempotencyHeader = "Idempotency-Key"

// HTTPResponse is the result recorded for an HTTP operation.
type HTTPResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
}

// StatusError is returned for a non-2xx response. It is wrapped with
// flow.Transient for 408, 429 and 5xx statuses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// HTTPRequest describes one HTTP call made on behalf of a flow step.
//
// Example:
//
//	notify := ops.NewHTTPRequest(http.MethodPost, "https://hooks.example.com/paid").
//	    WithJSON(map[string]any{"order": orderID})
//	return flow.Await(ops.Operation("notify", notify))
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte

	client *http.Client
	encErr error
}

// NewHTTPRequest creates a request using http.DefaultClient. Timeouts come
// from the manager's operation timeout via the context.
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{Method: strings.ToUpper(method), URL: url, client: http.DefaultClient}
}

// WithClient sets the client used to send the request.
func (r *HTTPRequest) WithClient(c *http.Client) *HTTPRequest {
	r.client = c
	return r
}

// WithHeader adds a request header.
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
	return r
}

// WithJSON sets a JSON request body. An encoding failure surfaces from Call
// as a permanent error.
func (r *HTTPRequest) WithJSON(v any) *HTTPRequest {
	b, err := json.Marshal(v)
	if err != nil {
		r.encErr = err
		return r
	}
	r.Body = b
	return r.WithHeader("Content-Type", "application/json")
}

// Call sends the request and returns the encoded HTTPResponse.
func (r *HTTPRequest) Call(ctx context.Context, dedupID flow.DedupID) (json.RawMessage, error) {
	if r.URL == "" {
		return nil, fmt.Errorf("http operation: url is required")
	}
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s", r.Method)
	}
	if r.encErr != nil {
		return nil, fmt.Errorf("http operation: encode body: %w", r.encErr)
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range r.Headers {
		req.Header.Set(key, value)
	}
	req.Header.Set(IdempotencyHeader, string(dedupID))

	client := r.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, flow.Transient(fmt.Errorf("failed to execute request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, flow.Transient(fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if retryableStatus(resp.StatusCode) {
			return nil, flow.Transient(serr)
		}
		return nil, serr
	}

	out := HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)),
		Body:       string(respBody),
	}
	for key, values := range resp.Header {
		out.Headers[key] = strings.Join(values, ", ")
	}
	return json.Marshal(out)
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}
