// Package upstream implements the outbound call to the caller-specified
// LLM endpoint: HTTP Basic auth, a configurable delta-field adapter, and
// both the batch and streaming (SSE) response shapes.
//
// The core treats this as an opaque async call returning either a full
// body or a line iterator; this package is the minimal concrete adapter
// the pipeline drives it through.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DeltaField selects which field of the upstream's streaming chunk carries
// the incremental content. Upstream vendors disagree on this shape, so it
// is configured per deployment rather than guessed.
type DeltaField string

const (
	DeltaContent        DeltaField = "content"
	DeltaSystemResponse DeltaField = "system_response"
	DeltaChoicesDelta   DeltaField = "choices[0].delta.content"
)

// Request is one call to the upstream endpoint.
type Request struct {
	TargetEndpoint string
	Username       string
	Password       string
	Model          string
	SystemPrompt   string
	UserInput      string
	Messages       []Message
	Temperature    float64
	TopP           float64
	Stream         bool
}

// Message is a single chat message in the upstream's request body.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage mirrors whatever token-usage object the upstream reports, passed
// through to the client unmodified.
type Usage map[string]any

// BatchResult is the outcome of a non-streaming call.
type BatchResult struct {
	Content string // raw content field, expected to be a JSON array string
	Usage   Usage
}

// ErrorResult describes a non-2xx upstream response.
type ErrorResult struct {
	StatusCode int
	Body       []byte
}

func (e *ErrorResult) Error() string {
	return fmt.Sprintf("upstream: status %d", e.StatusCode)
}

// LooksLikeHTML reports whether the error body appears to be an HTML error
// page rather than a JSON error envelope, which usually means a
// reverse-proxy or load balancer failed in front of the model rather than
// the model itself.
func (e *ErrorResult) LooksLikeHTML() bool {
	trimmed := bytes.TrimSpace(e.Body)
	return bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<!doctype")) ||
		bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<html"))
}

// Client issues calls to caller-specified upstream endpoints over a single
// shared, pooled *http.Client, matching the core's "outbound HTTP client is
// shared and thread-safe" resource policy.
type Client struct {
	http       *http.Client
	deltaField DeltaField
}

// Options configures a Client.
type Options struct {
	HTTPTimeout    time.Duration
	ConnectTimeout time.Duration
	MaxConnections int
	MaxKeepalive   int
	DeltaField     DeltaField
}

// New creates a Client with a bounded connection pool.
func New(opts Options) *Client {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 100
	}
	if opts.MaxKeepalive <= 0 {
		opts.MaxKeepalive = 20
	}
	if opts.DeltaField == "" {
		opts.DeltaField = DeltaContent
	}

	transport := &http.Transport{
		MaxIdleConns:        opts.MaxConnections,
		MaxIdleConnsPerHost: opts.MaxKeepalive,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.HTTPTimeout,
		},
		deltaField: opts.DeltaField,
	}
}

func buildBody(req Request) ([]byte, error) {
	messages := req.Messages
	if len(messages) == 0 {
		messages = []Message{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserInput},
		}
	}
	payload := map[string]any{
		"model":       req.Model,
		"messages":    messages,
		"temperature": req.Temperature,
		"top_p":       req.TopP,
		"stream":      req.Stream,
	}
	return json.Marshal(payload)
}

func (c *Client) do(ctx context.Context, req Request) (*http.Response, error) {
	body, err := buildBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.TargetEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(req.Username, req.Password)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &connectionError{err}
	}
	return resp, nil
}

type connectionError struct{ err error }

func (e *connectionError) Error() string { return e.err.Error() }
func (e *connectionError) Unwrap() error { return e.err }

// IsConnectionError reports whether err originated from a failed dial or
// transport-level failure rather than a non-2xx HTTP response.
func IsConnectionError(err error) bool {
	var ce *connectionError
	return errors.As(err, &ce)
}

// IsTimeout reports whether err is a context deadline/timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// CallBatch issues a non-streaming request and returns the raw content
// field (expected to hold a JSON array string) plus any usage metadata.
func (c *Client) CallBatch(ctx context.Context, req Request) (*BatchResult, error) {
	req.Stream = false
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ErrorResult{StatusCode: resp.StatusCode, Body: data}
	}

	var envelope map[string]any
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("upstream: malformed batch response: %w", err)
	}

	content := extractDelta(envelope, c.deltaField, false)
	return &BatchResult{Content: content, Usage: extractUsage(envelope)}, nil
}

// Chunk is one decoded SSE/delta event from a streaming call.
type Chunk struct {
	Delta string
	Done  bool
}

// CallStream issues a streaming request and returns a line iterator: call
// Next repeatedly until done or err != nil. The returned closer must be
// called to release the underlying connection.
type StreamIterator struct {
	scanner *bufio.Scanner
	client  *Client
	body    io.Closer
}

// CallStream opens a streaming upstream call.
func (c *Client) CallStream(ctx context.Context, req Request) (*StreamIterator, error) {
	req.Stream = true
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &ErrorResult{StatusCode: resp.StatusCode, Body: data}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &StreamIterator{scanner: scanner, client: c, body: resp.Body}, nil
}

// Next reads the next SSE line, stripping an optional "data: " prefix and
// stopping on the "[DONE]" sentinel. ok is false once the stream ends
// (either via [DONE] or EOF); err is non-nil only on a genuine read error.
func (it *StreamIterator) Next() (chunk Chunk, ok bool, err error) {
	for it.scanner.Scan() {
		line := strings.TrimSpace(it.scanner.Text())
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "data:")
		line = strings.TrimSpace(line)
		if line == "[DONE]" {
			return Chunk{Done: true}, false, nil
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			// Not every line of a real SSE stream is a data frame (some
			// deployments interleave comments or event: lines); skip
			// anything that doesn't parse as JSON rather than failing the
			// whole stream.
			continue
		}
		delta := extractDelta(payload, it.client.deltaField, true)
		if delta == "" {
			continue
		}
		return Chunk{Delta: delta}, true, nil
	}
	if err := it.scanner.Err(); err != nil {
		return Chunk{}, false, err
	}
	return Chunk{}, false, nil
}

// Close releases the underlying connection.
func (it *StreamIterator) Close() error {
	return it.body.Close()
}

func extractUsage(envelope map[string]any) Usage {
	if u, ok := envelope["usage"].(map[string]any); ok {
		return Usage(u)
	}
	return nil
}

// extractDelta pulls the configured delta field out of envelope. streaming
// selects between the per-chunk "choices[0].delta.content" shape and the
// batch "choices[0].message.content" shape when field is DeltaChoicesDelta.
func extractDelta(envelope map[string]any, field DeltaField, streaming bool) string {
	switch field {
	case DeltaSystemResponse:
		if s, ok := envelope["system_response"].(string); ok {
			return s
		}
	case DeltaChoicesDelta:
		choices, ok := envelope["choices"].([]any)
		if !ok || len(choices) == 0 {
			return ""
		}
		first, ok := choices[0].(map[string]any)
		if !ok {
			return ""
		}
		key := "message"
		if streaming {
			key = "delta"
		}
		inner, ok := first[key].(map[string]any)
		if !ok {
			return ""
		}
		if s, ok := inner["content"].(string); ok {
			return s
		}
	default: // DeltaContent
		if s, ok := envelope["content"].(string); ok {
			return s
		}
	}
	return ""
}
