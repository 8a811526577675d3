// Package tracker files a tracking issue for every applied fix.
package tracker

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

const (
	DefaultGitHubBaseURL = "https://api.github.com"
	service              = "github"
)

// DefaultLabels are attached to every issue.
var DefaultLabels = []string{"auto-fix", "self-healing"}

// HTTPDoer is satisfied by *http.Client and resiliency.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Issue summarizes one applied fix.
type Issue struct {
	WorkflowName         string
	ExecutionID          string
	ErrorMessage         string
	Analysis             string
	FixSummary           string
	Changes              string
	CredentialsPreserved bool
}

// Title is "[Auto-Fix] <workflow>: <first 60 chars of the error>".
func (i Issue) Title() string {
	msg := i.ErrorMessage
	if r := []rune(msg); len(r) > 60 {
		msg = string(r[:60])
	}
	return "[Auto-Fix] " + i.WorkflowName + ": " + msg
}

// Body renders the markdown issue body.
func (i Issue) Body() string {
	creds := "No credentials to preserve"
	if i.CredentialsPreserved {
		creds = "Credentials preserved successfully"
	}
	var b strings.Builder
	b.WriteString("## Auto-Fix Applied\n\n")
	b.WriteString("**Workflow:** " + i.WorkflowName + "\n")
	b.WriteString("**Execution ID:** " + i.ExecutionID + "\n\n")
	b.WriteString("### Analysis\n" + i.Analysis + "\n\n")
	b.WriteString("### Fix Applied\n" + i.FixSummary + "\n\n")
	b.WriteString("### Changes\n```\n" + i.Changes + "\n```\n\n")
	b.WriteString("### Credential Preservation\n" + creds)
	return b.String()
}

type GitHubConfig struct {
	Token   string
	Owner   string
	Repo    string
	BaseURL string
	Labels  []string
	Timeout time.Duration
	HTTP    HTTPDoer
}

// GitHub creates issues through the REST API.
type GitHub struct {
	cfg GitHubConfig
}

func NewGitHub(cfg GitHubConfig) *GitHub {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGitHubBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if len(cfg.Labels) == 0 {
		cfg.Labels = DefaultLabels
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: cfg.Timeout}
	}
	return &GitHub{cfg: cfg}
}

type createIssueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// CreateIssue files the issue and returns its html_url.
func (g *GitHub) CreateIssue(ctx context.Context, issue Issue) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(createIssueRequest{Title: issue.Title(), Body: issue.Body(), Labels: g.cfg.Labels})
	if err != nil {
		return "", fmt.Errorf("github: marshal issue: %w", err)
	}
	url := fmt.Sprintf("%s/repos/%s/%s/issues", g.cfg.BaseURL, g.cfg.Owner, g.cfg.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}

	resp, err := g.cfg.HTTP.Do(req)
	if err != nil {
		return "", contracts.NewUpstreamError(service, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		return "", contracts.NewUpstreamError(service, resp.StatusCode, fmt.Errorf("create issue: %s", strings.TrimSpace(string(raw))))
	}
	var out struct {
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", contracts.NewUpstreamError(service, resp.StatusCode, err)
	}
	return out.HTMLURL, nil
}
