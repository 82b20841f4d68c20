// Package inference talks to the embedding and liveness model services.
//
// Both services speak JSON over HTTP. Images travel base64-encoded.
//
//	POST {embedding}/v1/embed     {"image": "..."}        -> {"vector": [...], "model": "..."}
//	POST {liveness}/v1/liveness   {"frames": ["...", ...]} -> {"confidence": 0.93}
//
// The embedding service answers 422 with {"error": {"code": "no_face"}}
// when it finds no usable face.
package inference

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout bounds a single inference call.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

var (
	// ErrBaseURLRequired is returned when a client has no service URL.
	ErrBaseURLRequired = errors.New("inference service URL is required")

	// ErrUnexpectedStatus is returned for non-2xx responses.
	ErrUnexpectedStatus = errors.New("unexpected inference service status")

	// ErrMalformedResponse is returned when a response cannot be decoded.
	ErrMalformedResponse = errors.New("malformed inference service response")
)

// ClientConfig configures a service client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// HTTPClient overrides the instrumented default.
	HTTPClient *http.Client
}

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(cfg ClientConfig) (*client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrBaseURLRequired
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
	}, nil
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// statusError carries a non-2xx response.
type statusError struct {
	status int
	code   string
}

func (e *statusError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("%s: %d (%s)", ErrUnexpectedStatus, e.status, e.code)
	}
	return fmt.Sprintf("%s: %d", ErrUnexpectedStatus, e.status)
}

func (e *statusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// post sends body as JSON and decodes a 2xx response into out.
func (c *client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return &statusError{status: resp.StatusCode, code: eb.Error.Code}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}
