// Package remote is the HTTP client for the suggestion and job API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultEnqueueTimeout = 10 * time.Second
	DefaultSuggestTimeout = 30 * time.Second
	DefaultStatusTimeout  = 10 * time.Second
)

const maxErrorBody = 64 * 1024

// Config holds connection settings. Zero timeouts take the defaults.
type Config struct {
	BaseURL        string
	Token          string
	EnqueueTimeout time.Duration
	SuggestTimeout time.Duration
	StatusTimeout  time.Duration
	HTTPClient     *http.Client
}

type Client struct {
	config     Config
	httpClient *http.Client
}

func New(config Config) *Client {
	if config.EnqueueTimeout <= 0 {
		config.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if config.SuggestTimeout <= 0 {
		config.SuggestTimeout = DefaultSuggestTimeout
	}
	if config.StatusTimeout <= 0 {
		config.StatusTimeout = DefaultStatusTimeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{config: config, httpClient: httpClient}
}

// GenerateSuggestions asks for ranked reply suggestions. Nothing is sent to
// the conversation; results are for human review.
func (c *Client) GenerateSuggestions(ctx context.Context, req SuggestionRequest, idempotencyKey string) (*SuggestionResponse, error) {
	var out SuggestionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/suggestions", c.config.SuggestTimeout, idempotencyKey, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EnqueueSummary(ctx context.Context, req SummaryRequest, idempotencyKey string) (*JobAccepted, error) {
	var out JobAccepted
	if err := c.do(ctx, http.MethodPost, "/v1/summaries", c.config.EnqueueTimeout, idempotencyKey, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EnqueueReport(ctx context.Context, req ReportRequest, idempotencyKey string) (*JobAccepted, error) {
	var out JobAccepted
	if err := c.do(ctx, http.MethodPost, "/v1/reports", c.config.EnqueueTimeout, idempotencyKey, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) JobStatus(ctx context.Context, id string) (*JobStatus, error) {
	var out JobStatus
	path := "/v1/jobs/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, path, c.config.StatusTimeout, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends one JSON request bounded by timeout. Every failure is an *Error.
func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, idempotencyKey string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &Error{Err: fmt.Errorf("marshaling request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return &Error{Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody*16))
	if err != nil {
		return transportError(fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Status:    resp.StatusCode,
			Body:      truncate(string(respBody), maxErrorBody),
			Retryable: RetryableStatus(resp.StatusCode),
		}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Status: resp.StatusCode, Body: truncate(string(respBody), 512), Err: fmt.Errorf("parsing response: %w", err)}
	}
	return nil
}
