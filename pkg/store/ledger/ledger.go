// Package ledger is the durable record of fix proposals and their approval
// state. Every write is committed before the call returns, so callers may
// notify or apply immediately after.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
)

var (
	// ErrNotFound is returned when no record exists for an execution id.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned by Append when a Pending record already
	// exists for the execution id.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrInvalidTransition is returned when the record is terminal or the
	// target status is not reachable.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrClaimed is returned when another owner holds the record's claim.
	ErrClaimed = errors.New("claimed by another owner")
)

// Update carries the columns written alongside a status transition.
type Update struct {
	// Owner must hold the claim for Applied and Failed.
	Owner             string
	AppliedAt         *time.Time
	ResultText        string
	ExternalReference string
	RevisionRef       string
}

// Ledger is the durable interface for fix record management.
type Ledger interface {
	// Append persists a new Pending record.
	Append(ctx context.Context, rec contracts.LedgerRecord) error

	// FindByExecutionID returns the live Pending record for the execution,
	// or the most recent terminal one.
	FindByExecutionID(ctx context.Context, executionID string) (contracts.LedgerRecord, error)

	// Claim leases the Pending record to owner. Claims are re-entrant for
	// the same owner and may be taken over once expired.
	Claim(ctx context.Context, executionID, owner string, lease time.Duration) (contracts.LedgerRecord, error)

	// UpdateStatus moves the Pending record to a terminal status.
	UpdateStatus(ctx context.Context, executionID string, to contracts.Status, u Update) (contracts.LedgerRecord, error)

	// List returns up to limit records, newest first.
	List(ctx context.Context, limit int) ([]contracts.LedgerRecord, error)
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// checkTransition validates the target of UpdateStatus.
func checkTransition(to contracts.Status, u Update) error {
	if !contracts.CanTransition(contracts.StatusPending, to) {
		return ErrInvalidTransition
	}
	if to != contracts.StatusSkipped && u.Owner == "" {
		return ErrClaimed
	}
	return nil
}

// classify explains why a conditional write matched no row.
func classify(rec contracts.LedgerRecord, err error) error {
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return ErrInvalidTransition
	}
	return ErrClaimed
}
