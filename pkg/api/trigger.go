package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
)

// DefaultTriggerTimeout bounds a failure report so a workflow's error
// handler never waits long on the debugger.
const DefaultTriggerTimeout = 5 * time.Second

// TriggerClient reports failures to a running autofix server.
type TriggerClient struct {
	url   string
	token string
	http  *http.Client
}

// NewTriggerClient posts to baseURL + "/webhook/auto-debugger". token is
// sent as a bearer token when non-empty.
func NewTriggerClient(baseURL, token string, timeout time.Duration) *TriggerClient {
	if timeout <= 0 {
		timeout = DefaultTriggerTimeout
	}
	return &TriggerClient{
		url:   strings.TrimRight(baseURL, "/") + "/webhook/auto-debugger",
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

// Report sends ev and expects 202 Accepted.
func (c *TriggerClient) Report(ctx context.Context, ev contracts.FailureEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("trigger: marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("trigger: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return contracts.NewUpstreamError("autofix", 0, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return contracts.NewUpstreamError("autofix", resp.StatusCode, fmt.Errorf("report failure: %s", strings.TrimSpace(string(raw))))
	}
	return nil
}
