package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
)

const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	DefaultModel            = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens        = 4096
	anthropicVersion        = "2023-06-01"

	// maxResponseBytes bounds what is read from the provider.
	maxResponseBytes = 4 << 20
)

type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	HTTP    HTTPDoer
	Logger  *slog.Logger
}

// AnthropicClient calls the Messages API.
type AnthropicClient struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	http    HTTPDoer
	logger  *slog.Logger
}

func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAnthropicBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "llm")
	}
	return &AnthropicClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		http:    cfg.HTTP,
		logger:  cfg.Logger,
	}
}

type anthropicError struct {
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete posts req to /messages and returns the response body unchanged.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("anthropic: API key not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, contracts.NewUpstreamError("anthropic", 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, contracts.NewUpstreamError("anthropic", resp.StatusCode, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr anthropicError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != nil {
			return nil, contracts.NewUpstreamError("anthropic", resp.StatusCode, fmt.Errorf("%s: %s", apiErr.Error.Type, apiErr.Error.Message))
		}
		return nil, contracts.NewUpstreamError("anthropic", resp.StatusCode, nil)
	}

	c.logger.DebugContext(ctx, "model call completed",
		"model", req.Model,
		"duration", time.Since(start),
		"response_bytes", len(raw),
	)
	return json.RawMessage(raw), nil
}
