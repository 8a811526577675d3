// Package llm talks to the model provider.
package llm

import (
	"context"
	"encoding/json"
	"net/http"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the provider-neutral completion request built by the diagnosis
// package.
type Request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []Message `json:"messages"`
}

// Client returns the provider's raw response envelope. Interpreting it is
// the caller's job so that malformed output can degrade gracefully.
type Client interface {
	Complete(ctx context.Context, req Request) (json.RawMessage, error)
}

// HTTPDoer is satisfied by *http.Client and resiliency.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
