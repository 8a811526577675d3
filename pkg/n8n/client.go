// Package n8n is a client for the automation runtime's public REST API:
// workflow definitions and execution traces.
package n8n

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

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
	"github.com/Mindburn-Labs/autofix/pkg/definition"
)

const (
	apiKeyHeader = "X-N8N-API-KEY"
	service      = "n8n"

	maxBodyBytes = 32 << 20
)

// HTTPDoer is satisfied by *http.Client and resiliency.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	// BaseURL is the API root, e.g. https://n8n.example.com/api/v1.
	BaseURL string
	APIKey  string
	Timeout time.Duration
	HTTP    HTTPDoer
}

type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    HTTPDoer
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		http:    cfg.HTTP,
	}
}

// GetWorkflowRaw fetches a workflow document as returned by the runtime.
func (c *Client) GetWorkflowRaw(ctx context.Context, workflowID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/workflows/"+url.PathEscape(workflowID), nil)
}

// GetWorkflow fetches and decodes a workflow definition.
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (definition.Document, error) {
	raw, err := c.GetWorkflowRaw(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	doc, err := definition.Decode(raw)
	if err != nil {
		return nil, contracts.NewUpstreamError(service, http.StatusOK, err)
	}
	return doc, nil
}

// UpdateWorkflow replaces the workflow definition.
func (c *Client) UpdateWorkflow(ctx context.Context, workflowID string, doc definition.Document) error {
	body, err := doc.Encode()
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, "/workflows/"+url.PathEscape(workflowID), body)
	return err
}

// GetExecution fetches an execution including its run data.
func (c *Client) GetExecution(ctx context.Context, executionID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(executionID)+"?includeData=true", nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("n8n: create request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, contracts.NewUpstreamError(service, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, contracts.NewUpstreamError(service, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, contracts.NewUpstreamError(service, resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, snippet(raw)))
	}
	return json.RawMessage(raw), nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if r := []rune(s); len(r) > 200 {
		return string(r[:200])
	}
	return s
}
