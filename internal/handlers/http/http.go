package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxBody = 2048

// HTTP calls a webhook. Payload:
//
//	{"url": "https://example.com/hook", "method": "POST", "headers": {...}, "body": {...}, "expect_status": [200, 204]}
type HTTP struct {
	Client *http.Client
}

type Request struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	Body         json.RawMessage   `json:"body,omitempty"`
	ExpectStatus []int             `json:"expect_status,omitempty"`
}

// StatusError reports a response with an unexpected status code.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

func (e *StatusError) Details() map[string]any {
	return map[string]any{"url": e.URL, "status_code": e.StatusCode, "body": e.Body}
}

func (h HTTP) Handle(ctx context.Context, payload json.RawMessage) error {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("invalid HTTP request payload: %w", err)
	}
	if req.URL == "" {
		return fmt.Errorf("url is required")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if !expected(resp.StatusCode, req.ExpectStatus) {
		return &StatusError{URL: req.URL, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

func expected(code int, want []int) bool {
	if len(want) == 0 {
		return code < 400
	}
	for _, w := range want {
		if code == w {
			return true
		}
	}
	return false
}
