// Package approval turns operator decisions into ledger transitions and, for
// approvals, into exactly one application of the stored fix.
//
// The ledger claim is the serialization point: whoever wins the claim for a
// Pending record is the only caller that fetches, patches and writes back the
// definition. Every path after a successful claim ends in a terminal status.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
	"github.com/Mindburn-Labs/autofix/pkg/definition"
	"github.com/Mindburn-Labs/autofix/pkg/idempotency"
	"github.com/Mindburn-Labs/autofix/pkg/notify"
	"github.com/Mindburn-Labs/autofix/pkg/patch"
	"github.com/Mindburn-Labs/autofix/pkg/store/ledger"
	"github.com/Mindburn-Labs/autofix/pkg/tracker"
)

// DefaultLease bounds how long an approval may hold a record.
const DefaultLease = 5 * time.Minute

// DefaultFinalizeTimeout bounds the terminal ledger write, which runs even
// when the event context has already expired. The lease must outlast the
// application plus this window, or a second approver could claim the record
// while the first is still writing.
const DefaultFinalizeTimeout = 10 * time.Second

// Outcome reports what Handle did with an event.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	// OutcomeIgnored means the event had no effect: the record was missing,
	// terminal, or claimed by someone else.
	OutcomeIgnored Outcome = "ignored"
)

// Acknowledger confirms receipt of a decision to the approval channel.
type Acknowledger interface {
	AnswerCallback(ctx context.Context, queryID, text string) error
}

// Notifier delivers outcome messages to the operator.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// DefinitionStore reads and writes live definitions.
type DefinitionStore interface {
	GetWorkflow(ctx context.Context, workflowID string) (definition.Document, error)
	UpdateWorkflow(ctx context.Context, workflowID string, doc definition.Document) error
}

// Tracker files a tracking issue and returns its URL.
type Tracker interface {
	CreateIssue(ctx context.Context, issue tracker.Issue) (string, error)
}

// Archive keeps the pre-fix definition and returns a reference to it.
type Archive interface {
	Save(ctx context.Context, doc definition.Document) (string, error)
}

// Config wires a Machine. Tracker, Archive, Acknowledger and Once are
// optional.
type Config struct {
	Ledger       ledger.Ledger
	Definitions  DefinitionStore
	Engine       *patch.Engine
	Notifier     Notifier
	Acknowledger Acknowledger
	Tracker      Tracker
	Archive      Archive
	Once         idempotency.Store
	Lease        time.Duration

	// FinalizeTimeout is reserved at the end of the lease for the terminal
	// write. Defaults to DefaultFinalizeTimeout.
	FinalizeTimeout time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

type Machine struct {
	cfg Config
	log *slog.Logger
}

func NewMachine(cfg Config) (*Machine, error) {
	var missing []string
	if cfg.Ledger == nil {
		missing = append(missing, "ledger")
	}
	if cfg.Definitions == nil {
		missing = append(missing, "definitions")
	}
	if cfg.Notifier == nil {
		missing = append(missing, "notifier")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("approval: missing %s", strings.Join(missing, ", "))
	}
	if cfg.Engine == nil {
		cfg.Engine = patch.NewEngine(nil, nil)
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if cfg.Lease <= cfg.FinalizeTimeout {
		return nil, fmt.Errorf("approval: lease %s must exceed finalize timeout %s", cfg.Lease, cfg.FinalizeTimeout)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "approval")
	}
	return &Machine{cfg: cfg, log: logger}, nil
}

// Handle processes one decision. Acknowledgment is attempted first and never
// blocks processing. Events that cannot change anything return
// OutcomeIgnored with a nil error.
func (m *Machine) Handle(ctx context.Context, ev contracts.ApprovalEvent) (Outcome, error) {
	if ev.ExecutionID == "" {
		return OutcomeIgnored, fmt.Errorf("%w: missing execution_id", contracts.ErrInvalidEvent)
	}
	m.acknowledge(ctx, ev)

	switch ev.Decision {
	case contracts.DecisionApprove:
		return m.approve(ctx, ev.ExecutionID)
	case contracts.DecisionDecline:
		return m.decline(ctx, ev.ExecutionID)
	default:
		return OutcomeIgnored, fmt.Errorf("%w: %q", ErrUnknownAction, ev.Decision)
	}
}

func (m *Machine) acknowledge(ctx context.Context, ev contracts.ApprovalEvent) {
	if m.cfg.Acknowledger == nil || ev.AckToken == "" {
		return
	}
	if m.cfg.Once != nil {
		first, err := m.cfg.Once.Claim(ctx, "ack:"+ev.AckToken)
		if err != nil {
			m.log.Warn("ack dedupe unavailable", "ack_token", ev.AckToken, "error", err)
		} else if !first {
			return
		}
	}
	// The outcome is not known yet, so the text only confirms receipt.
	text := "Approval received"
	if ev.Decision == contracts.DecisionDecline {
		text = "Decline received"
	}
	if err := m.cfg.Acknowledger.AnswerCallback(ctx, ev.AckToken, text); err != nil {
		m.log.Warn("acknowledge failed", "execution_id", ev.ExecutionID, "error", err)
	}
}

func (m *Machine) decline(ctx context.Context, executionID string) (Outcome, error) {
	_, err := m.cfg.Ledger.UpdateStatus(ctx, executionID, contracts.StatusSkipped, ledger.Update{
		ResultText: "Skipped by operator",
	})
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrInvalidTransition):
		m.log.Info("decline ignored", "execution_id", executionID, "reason", err)
		return OutcomeIgnored, nil
	case errors.Is(err, ledger.ErrClaimed):
		m.log.Warn("decline ignored: application in progress", "execution_id", executionID)
		return OutcomeIgnored, nil
	default:
		return OutcomeIgnored, fmt.Errorf("approval: skip %s: %w", executionID, err)
	}

	m.notify(ctx, executionID, notify.SkippedMessage(executionID))
	return OutcomeSkipped, nil
}

func (m *Machine) approve(ctx context.Context, executionID string) (Outcome, error) {
	rec, err := m.cfg.Ledger.FindByExecutionID(ctx, executionID)
	if errors.Is(err, ledger.ErrNotFound) {
		m.log.Info("approve ignored: no record", "execution_id", executionID)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("approval: find %s: %w", executionID, err)
	}
	if rec.Status.IsTerminal() {
		m.log.Info("approve ignored: already decided", "execution_id", executionID, "status", rec.Status)
		return OutcomeIgnored, nil
	}

	owner := uuid.NewString()
	claimedAt := time.Now()
	rec, err = m.cfg.Ledger.Claim(ctx, executionID, owner, m.cfg.Lease)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrInvalidTransition), errors.Is(err, ledger.ErrClaimed):
		m.log.Info("approve ignored: claim lost", "execution_id", executionID, "reason", err)
		return OutcomeIgnored, nil
	default:
		return OutcomeIgnored, fmt.Errorf("approval: claim %s: %w", executionID, err)
	}

	return m.apply(ctx, rec, owner, claimedAt.Add(m.cfg.Lease-m.cfg.FinalizeTimeout))
}

// applied is what a successful application leaves behind.
type applied struct {
	result      patch.Result
	revisionRef string
	issueURL    string
}

// apply runs the fix until deadline, which leaves FinalizeTimeout of the lease
// for the terminal write.
func (m *Machine) apply(ctx context.Context, rec contracts.LedgerRecord, owner string, deadline time.Time) (Outcome, error) {
	log := m.log.With("execution_id", rec.ExecutionID, "workflow_id", rec.WorkflowID)

	runCtx, cancelRun := context.WithDeadline(ctx, deadline)
	out, err := m.run(runCtx, rec, log)
	cancelRun()
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.FinalizeTimeout)
	defer cancel()

	if err != nil {
		log.Error("fix application failed", "error", err)
		detail := err.Error()
		if _, uerr := m.cfg.Ledger.UpdateStatus(fctx, rec.ExecutionID, contracts.StatusFailed, ledger.Update{
			Owner:      owner,
			ResultText: "Failed: " + detail,
		}); uerr != nil {
			return OutcomeFailed, fmt.Errorf("approval: record failure for %s: %w", rec.ExecutionID, uerr)
		}
		m.notify(fctx, rec.ExecutionID, notify.FailedMessage(detail))
		return OutcomeFailed, nil
	}

	now := m.cfg.Clock().UTC()
	if _, err := m.cfg.Ledger.UpdateStatus(fctx, rec.ExecutionID, contracts.StatusApplied, ledger.Update{
		Owner:             owner,
		AppliedAt:         &now,
		ResultText:        resultText(out.result),
		ExternalReference: out.issueURL,
		RevisionRef:       out.revisionRef,
	}); err != nil {
		// The definition is already written; the lease expired under us.
		log.Error("applied fix could not be recorded", "error", err)
		return OutcomeApplied, fmt.Errorf("approval: record success for %s: %w", rec.ExecutionID, err)
	}

	log.Info("fix applied", "changes", len(out.result.Changes), "skipped", len(out.result.Skipped))
	m.notify(fctx, rec.ExecutionID, notify.AppliedMessage(rec.WorkflowName, out.result.Diff(), out.result.CredentialsPreserved, out.issueURL))
	return OutcomeApplied, nil
}

// run does the fallible part of an application. Panics become errors so the
// record still reaches a terminal status.
func (m *Machine) run(ctx context.Context, rec contracts.LedgerRecord, log *slog.Logger) (out applied, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error during application: %v", r)
		}
	}()

	proposal, err := rec.Proposal()
	if err != nil {
		return out, fmt.Errorf("%w: %v", patch.ErrMalformedProposal, err)
	}
	current, err := m.cfg.Definitions.GetWorkflow(ctx, rec.WorkflowID)
	if err != nil {
		return out, fmt.Errorf("fetch definition: %w", err)
	}

	out.result, err = m.cfg.Engine.Apply(current, proposal)
	if err != nil {
		return out, err
	}
	if len(out.result.Changes) == 0 {
		log.Warn("no operation matched the live definition", "skipped", out.result.Skipped)
		return out, nil
	}

	if m.cfg.Archive != nil {
		if out.revisionRef, err = m.cfg.Archive.Save(ctx, current); err != nil {
			log.Warn("archive pre-fix definition failed", "error", err)
			out.revisionRef = ""
		}
	}

	// A store that ignores ctx must still not write after the lease window.
	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("lease window elapsed before update: %w", err)
	}
	if err := m.cfg.Definitions.UpdateWorkflow(ctx, rec.WorkflowID, out.result.Merged); err != nil {
		return out, fmt.Errorf("update definition: %w", err)
	}

	if m.cfg.Tracker != nil {
		url, err := m.cfg.Tracker.CreateIssue(ctx, tracker.Issue{
			WorkflowName:         rec.WorkflowName,
			ExecutionID:          rec.ExecutionID,
			ErrorMessage:         rec.ErrorMessage,
			Analysis:             rec.Analysis,
			FixSummary:           rec.FixSummary,
			Changes:              out.result.Diff(),
			CredentialsPreserved: out.result.CredentialsPreserved,
		})
		if err != nil {
			log.Warn("tracking issue not created", "error", err)
		}
		out.issueURL = url
	}
	return out, nil
}

func (m *Machine) notify(ctx context.Context, executionID, text string) {
	if err := m.cfg.Notifier.Send(ctx, text); err != nil {
		m.log.Warn("notification failed", "execution_id", executionID, "error", err)
	}
}

func resultText(res patch.Result) string {
	if len(res.Changes) == 0 {
		note := "no changes applied"
		if len(res.Skipped) > 0 {
			note += " (" + strings.Join(res.Skipped, "; ") + ")"
		}
		return "Success: " + note
	}
	return "Success: " + res.Diff()
}
