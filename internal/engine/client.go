package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Operation names one workflow exposed by the engine.
type Operation string

const (
	OpVideo      Operation = "video"
	OpImage      Operation = "image"
	OpStoryboard Operation = "storyboard"
	OpScene      Operation = "scene"
)

var defaultTimeouts = map[Operation]time.Duration{
	OpImage:      45 * time.Second,
	OpScene:      90 * time.Second,
	OpStoryboard: 3 * time.Minute,
	OpVideo:      5 * time.Minute,
}

var defaultBackoffs = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// ErrRejected is returned when the engine answered 2xx but reported failure.
var ErrRejected = errors.New("engine rejected the request")

type Config struct {
	BaseURL    string
	APIKey     string
	AuthHeader string
	Paths      map[Operation]string
	// Timeouts override the per-operation call bounds.
	Timeouts map[Operation]time.Duration
	Backoffs []time.Duration
}

type Client struct {
	baseURL    string
	apiKey     string
	authHeader string
	paths      map[Operation]string
	timeouts   map[Operation]time.Duration
	backoffs   []time.Duration
	httpClient *http.Client
}

// Request is the payload posted to a workflow.
type Request struct {
	JobID          uuid.UUID       `json:"job_id"`
	UserID         uuid.UUID       `json:"user_id"`
	Kind           string          `json:"kind"`
	SceneID        *uuid.UUID      `json:"scene_id,omitempty"`
	Media          string          `json:"media,omitempty"`
	SourceImageURL string          `json:"source_image_url,omitempty"`
	ImageURL       string          `json:"image_url,omitempty"`
	Prompt         string          `json:"prompt,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	CallbackURL    string          `json:"callback_url,omitempty"`
}

// Response is the engine's synchronous answer. Result URLs are optional: the
// engine may instead write them to the job row later.
type Response struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	ResultURL string `json:"result_url,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	ClipURL   string `json:"clip_url,omitempty"`
}

// StatusError is a non-2xx answer from the engine.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the engine refused the call before starting work.
func (e *StatusError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func NewClient(cfg Config) *Client {
	header := cfg.AuthHeader
	if header == "" {
		header = "x-api-key"
	}
	timeouts := make(map[Operation]time.Duration, len(defaultTimeouts))
	for op, d := range defaultTimeouts {
		timeouts[op] = d
	}
	for op, d := range cfg.Timeouts {
		if d > 0 {
			timeouts[op] = d
		}
	}
	backoffs := cfg.Backoffs
	if backoffs == nil {
		backoffs = defaultBackoffs
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		authHeader: header,
		paths:      cfg.Paths,
		timeouts:   timeouts,
		backoffs:   backoffs,
		httpClient: &http.Client{},
	}
}

// Timeout is the bound applied to a single call of op.
func (c *Client) Timeout(op Operation) time.Duration {
	return c.timeouts[op]
}

// Dispatch posts req to the workflow for op. Calls the engine refused with a
// retryable status are retried with backoff; anything else is returned as is.
func (c *Client) Dispatch(ctx context.Context, op Operation, req Request) (*Response, error) {
	path, ok := c.paths[op]
	if !ok || path == "" {
		return nil, fmt.Errorf("no engine path configured for %s", op)
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var out *Response
	err = c.RetryWithBackoff(ctx, func() error {
		resp, err := c.post(ctx, op, c.baseURL+"/"+strings.TrimPrefix(path, "/"), jsonData)
		if err != nil {
			return err
		}
		out = resp
		return nil
	}, len(c.backoffs)+1)
	if err != nil {
		return nil, err
	}

	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = out.Message
		}
		if msg == "" {
			msg = "no reason given"
		}
		return out, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, op Operation, url string, body []byte) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.Timeout(op))
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(c.authHeader, c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("engine %s call timed out after %s: %w", op, c.Timeout(op), err)
		}
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	// Some workflows answer 2xx with an empty body once the run is queued.
	if len(bytes.TrimSpace(respBody)) == 0 {
		return &Response{Success: true}, nil
	}

	var result Response
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return &result, nil
}

// RetryWithBackoff executes fn until it succeeds, maxRetries attempts are used,
// ctx ends, or fn fails with an error that is not worth retrying.
func (c *Client) RetryWithBackoff(ctx context.Context, fn func() error, maxRetries int) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return err
		}
		// a timed-out call may already be running on the engine
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		if i < len(c.backoffs) {
			select {
			case <-time.After(c.backoffs[i]):
			case <-ctx.Done():
				return fmt.Errorf("retry aborted: %w", lastErr)
			}
		}
	}

	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}
