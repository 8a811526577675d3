package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/autofix/pkg/api"
	"github.com/Mindburn-Labs/autofix/pkg/auth"
	"github.com/Mindburn-Labs/autofix/pkg/contracts"
	"github.com/Mindburn-Labs/autofix/pkg/definition"
	"github.com/Mindburn-Labs/autofix/pkg/patch"
)

// runPatchCmd applies an operations file to a saved definition without
// touching any server, so an operator can preview what a fix would change.
func runPatchCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("patch", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		defPath    string
		opsPath    string
		policyExpr string
		outPath    string
		jsonOutput bool
	)
	cmd.StringVar(&defPath, "definition", "", "Path to a workflow definition JSON file (REQUIRED)")
	cmd.StringVar(&opsPath, "operations", "", "Path to a JSON array of fix operations (REQUIRED)")
	cmd.StringVar(&policyExpr, "policy", os.Getenv("PATCH_POLICY"), "CEL expression gating each operation")
	cmd.StringVar(&outPath, "out", "", "Write the merged definition to this path")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if defPath == "" || opsPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --definition and --operations are required")
		cmd.Usage()
		return 2
	}

	rawDef, err := os.ReadFile(defPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error reading definition: %v\n", err)
		return 2
	}
	doc, err := definition.Decode(rawDef)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	rawOps, err := os.ReadFile(opsPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error reading operations: %v\n", err)
		return 2
	}
	policy, err := patch.NewOperationPolicy(policyExpr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	res, err := patch.NewEngine(policy, nil).ApplyEncoded(doc, rawOps)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s❌ Patch failed:%s %v\n", ColorBold+ColorRed, ColorReset, err)
		return 1
	}

	if outPath != "" {
		merged, err := res.Merged.Encode()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error encoding result: %v\n", err)
			return 1
		}
		if err := os.WriteFile(outPath, merged, 0600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error writing result: %v\n", err)
			return 1
		}
	}

	if jsonOutput {
		result := map[string]any{
			"changes":               nonNil(res.Changes),
			"skipped":               nonNil(res.Skipped),
			"credentials_preserved": res.CredentialsPreserved,
		}
		if outPath != "" {
			result["out"] = outPath
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "%d change(s), %d skipped\n", len(res.Changes), len(res.Skipped))
	for _, c := range res.Changes {
		_, _ = fmt.Fprintf(stdout, "  %s+%s %s\n", ColorGreen, ColorReset, c)
	}
	for _, s := range res.Skipped {
		_, _ = fmt.Fprintf(stdout, "  %s-%s %s\n", ColorGray, ColorReset, s)
	}
	if res.CredentialsPreserved {
		_, _ = fmt.Fprintln(stdout, "Credentials preserved")
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// runReportCmd posts a failure event, as a workflow's error handler would.
func runReportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("report", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var ev contracts.FailureEvent
	url := cmd.String("url", envOr("AUTOFIX_URL", "http://localhost:8080"), "Server base URL")
	token := cmd.String("token", os.Getenv("AUTOFIX_TOKEN"), "Bearer token with the trigger scope")
	timeout := cmd.Duration("timeout", api.DefaultTriggerTimeout, "Request timeout")
	cmd.StringVar(&ev.WorkflowID, "workflow-id", "", "Failed workflow ID (REQUIRED)")
	cmd.StringVar(&ev.WorkflowName, "workflow-name", "", "Failed workflow name")
	cmd.StringVar(&ev.ExecutionID, "execution-id", "", "Failed execution ID (REQUIRED)")
	cmd.StringVar(&ev.NodeName, "node", "", "Failed node name")
	cmd.StringVar(&ev.ErrorMessage, "error", "", "Error message")
	cmd.StringVar(&ev.Severity, "severity", "error", "Severity")
	cmd.StringVar(&ev.ExecutionURL, "execution-url", "", "Link to the failed execution")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	if err := ev.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if err := api.NewTriggerClient(*url, *token, *timeout).Report(context.Background(), ev); err != nil {
		_, _ = fmt.Fprintf(stderr, "%s❌ Report failed:%s %v\n", ColorBold+ColorRed, ColorReset, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Accepted: execution %s\n", ev.ExecutionID)
	return 0
}

// runTokenCmd issues a bearer token signed with TRIGGER_JWT_SECRET.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	subject := cmd.String("subject", "", "Token subject, e.g. the calling workflow (REQUIRED)")
	scopes := cmd.String("scope", auth.ScopeTrigger, "Comma-separated scopes")
	ttl := cmd.Duration("ttl", 30*24*time.Hour, "Token lifetime")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --subject is required")
		cmd.Usage()
		return 2
	}
	v := auth.NewJWTValidator(os.Getenv("TRIGGER_JWT_SECRET"))
	if v == nil {
		_, _ = fmt.Fprintln(stderr, "Error: TRIGGER_JWT_SECRET is not set")
		return 2
	}

	var list []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	tok, err := v.Issue(*subject, *ttl, list...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}
