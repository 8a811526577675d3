// Package debugger handles the failure side of the loop: a failure event is
// turned into a diagnosed, persisted and announced fix proposal.
package debugger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
	"github.com/Mindburn-Labs/autofix/pkg/diagnosis"
	"github.com/Mindburn-Labs/autofix/pkg/idempotency"
	"github.com/Mindburn-Labs/autofix/pkg/llm"
	"github.com/Mindburn-Labs/autofix/pkg/notify"
	"github.com/Mindburn-Labs/autofix/pkg/store/ledger"
)

// ErrDuplicateFailure is returned when the failure was already handled.
var ErrDuplicateFailure = errors.New("debugger: failure already handled")

// Runtime fetches the failing definition and its execution trace.
type Runtime interface {
	GetWorkflowRaw(ctx context.Context, workflowID string) (json.RawMessage, error)
	GetExecution(ctx context.Context, executionID string) (json.RawMessage, error)
}

// Announcer presents proposals to the operator.
type Announcer interface {
	SendProposal(ctx context.Context, rec contracts.LedgerRecord) error
	Send(ctx context.Context, text string) error
}

// Recorder is the slice of the ledger the debugger writes to.
type Recorder interface {
	Append(ctx context.Context, rec contracts.LedgerRecord) error
}

type Config struct {
	Runtime   Runtime
	Model     llm.Client
	Builder   diagnosis.Builder
	Ledger    Recorder
	Announcer Announcer
	// Once de-duplicates redelivered failure events. Optional.
	Once   idempotency.Store
	Logger *slog.Logger
	Clock  func() time.Time
}

// Debugger diagnoses failures.
type Debugger struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) (*Debugger, error) {
	if cfg.Runtime == nil || cfg.Model == nil || cfg.Ledger == nil || cfg.Announcer == nil {
		return nil, errors.New("debugger: runtime, model, ledger and announcer are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "debugger")
	}
	return &Debugger{cfg: cfg, log: logger}, nil
}

// HandleFailure diagnoses one failure and records a Pending proposal.
// When no proposal can be produced the operator is told so and the error is
// returned; nothing is written to the ledger.
func (d *Debugger) HandleFailure(ctx context.Context, ev contracts.FailureEvent) (*contracts.LedgerRecord, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	log := d.log.With("execution_id", ev.ExecutionID, "workflow_id", ev.WorkflowID)

	if d.cfg.Once != nil {
		first, err := d.cfg.Once.Claim(ctx, "failure:"+ev.ExecutionID)
		if err != nil {
			log.Warn("failure dedupe unavailable", "error", err)
		} else if !first {
			log.Info("duplicate failure event dropped")
			return nil, ErrDuplicateFailure
		}
	}

	workflow, err := d.cfg.Runtime.GetWorkflowRaw(ctx, ev.WorkflowID)
	if err != nil {
		return nil, d.abort(ctx, ev, fmt.Errorf("fetch definition: %w", err))
	}
	execution, err := d.cfg.Runtime.GetExecution(ctx, ev.ExecutionID)
	if err != nil {
		// The trace only enriches the prompt.
		log.Warn("execution trace unavailable", "error", err)
		execution = nil
	}

	req := d.cfg.Builder.Build(ev, diagnosis.DiagnosticContextFrom(workflow, execution))
	raw, err := d.cfg.Model.Complete(ctx, req)
	if err != nil {
		return nil, d.abort(ctx, ev, fmt.Errorf("model request: %w", err))
	}

	proposal := diagnosis.ParseResponse(raw)
	if proposal.Fallback {
		log.Warn("model response was not structured; using fallback proposal")
	}

	rec, err := contracts.NewLedgerRecord(ev, proposal, d.cfg.Clock())
	if err != nil {
		return nil, fmt.Errorf("debugger: build record: %w", err)
	}
	if err := d.cfg.Ledger.Append(ctx, *rec); err != nil {
		if errors.Is(err, ledger.ErrDuplicateKey) {
			log.Warn("pending proposal already exists; not announcing again")
			return nil, fmt.Errorf("%w: %v", ErrDuplicateFailure, err)
		}
		return nil, fmt.Errorf("debugger: append record: %w", err)
	}

	if err := d.cfg.Announcer.SendProposal(ctx, *rec); err != nil {
		// The record is durable; the operator can still act on it via the API.
		log.Error("proposal notification failed", "error", err)
	}
	log.Info("fix proposal recorded",
		"confidence", rec.Confidence,
		"operations", len(proposal.Operations),
		"proposal_hash", rec.ProposalHash)
	return rec, nil
}

func (d *Debugger) abort(ctx context.Context, ev contracts.FailureEvent, cause error) error {
	d.log.Error("diagnosis failed", "execution_id", ev.ExecutionID, "error", cause)
	if err := d.cfg.Announcer.Send(ctx, notify.DiagnosisFailedMessage(ev, cause.Error())); err != nil {
		d.log.Warn("diagnosis failure notification failed", "error", err)
	}
	return fmt.Errorf("debugger: %w", cause)
}
