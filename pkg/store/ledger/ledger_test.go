package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRecord(t *testing.T, executionID string, at time.Time) contracts.LedgerRecord {
	t.Helper()
	rec, err := contracts.NewLedgerRecord(contracts.FailureEvent{
		WorkflowID:   "wf-1",
		WorkflowName: "Orders Sync",
		ExecutionID:  executionID,
		NodeName:     "HTTP Request",
		ErrorMessage: "Timeout",
		Severity:     "High",
	}, contracts.FixProposal{
		Analysis:   "slow upstream",
		FixSummary: "raise timeout",
		Operations: []contracts.FixOperation{{
			Type:     contracts.OpUpdateNode,
			NodeName: "HTTP Request",
			Updates:  map[string]any{"parameters": map[string]any{"timeout": 30000}},
		}},
		Confidence: contracts.ConfidenceHigh,
	}, at)
	require.NoError(t, err)
	return *rec
}

func openSQLite(t *testing.T, clock *fakeClock) Ledger {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	l := NewSQLLedger(db).WithClock(clock.Now)
	require.NoError(t, l.Init(context.Background()))
	return l
}

var backends = map[string]func(t *testing.T, clock *fakeClock) Ledger{
	"memory": func(t *testing.T, clock *fakeClock) Ledger { return NewMemoryLedgerWithClock(clock.Now) },
	"sqlite": openSQLite,
}

func TestLedger_AppendAndFind(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			l := open(t, clock)

			rec := newRecord(t, "exec-1", clock.Now())
			require.NoError(t, l.Append(ctx, rec))

			got, err := l.FindByExecutionID(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, rec.ID, got.ID)
			assert.Equal(t, contracts.StatusPending, got.Status)
			assert.Equal(t, "Orders Sync", got.WorkflowName)
			assert.Equal(t, rec.ProposalHash, got.ProposalHash)
			assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

			p, err := got.Proposal()
			require.NoError(t, err)
			require.Len(t, p.Operations, 1)
			assert.Equal(t, "HTTP Request", p.Operations[0].NodeName)

			err = l.Append(ctx, newRecord(t, "exec-1", clock.Now()))
			assert.ErrorIs(t, err, ErrDuplicateKey)

			_, err = l.FindByExecutionID(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLedger_ClaimAndApply(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			l := open(t, clock)
			require.NoError(t, l.Append(ctx, newRecord(t, "exec-1", clock.Now())))

			claimed, err := l.Claim(ctx, "exec-1", "worker-a", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, "worker-a", claimed.ClaimedBy)
			assert.Equal(t, contracts.StatusPending, claimed.Status)

			// Re-entrant for the holder, exclusive for everyone else.
			_, err = l.Claim(ctx, "exec-1", "worker-a", time.Minute)
			require.NoError(t, err)
			_, err = l.Claim(ctx, "exec-1", "worker-b", time.Minute)
			assert.ErrorIs(t, err, ErrClaimed)

			// Decline cannot race a live claim.
			_, err = l.UpdateStatus(ctx, "exec-1", contracts.StatusSkipped, Update{})
			assert.ErrorIs(t, err, ErrClaimed)

			// Only the holder can finish.
			_, err = l.UpdateStatus(ctx, "exec-1", contracts.StatusApplied, Update{Owner: "worker-b"})
			assert.ErrorIs(t, err, ErrClaimed)

			at := clock.Now()
			done, err := l.UpdateStatus(ctx, "exec-1", contracts.StatusApplied, Update{
				Owner:             "worker-a",
				AppliedAt:         &at,
				ResultText:        "Success: Updated HTTP Request",
				ExternalReference: "https://github.com/o/r/issues/1",
				RevisionRef:       "sha256:abc",
			})
			require.NoError(t, err)
			assert.Equal(t, contracts.StatusApplied, done.Status)
			require.NotNil(t, done.AppliedAt)
			assert.True(t, at.Equal(*done.AppliedAt))
			assert.Equal(t, "https://github.com/o/r/issues/1", done.ExternalReference)
			assert.Empty(t, done.ClaimedBy)

			// Terminal records absorb everything.
			_, err = l.Claim(ctx, "exec-1", "worker-a", time.Minute)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			_, err = l.UpdateStatus(ctx, "exec-1", contracts.StatusFailed, Update{Owner: "worker-a"})
			assert.ErrorIs(t, err, ErrInvalidTransition)
			_, err = l.UpdateStatus(ctx, "exec-1", contracts.StatusSkipped, Update{})
			assert.ErrorIs(t, err, ErrInvalidTransition)

			got, err := l.FindByExecutionID(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, contracts.StatusApplied, got.Status)
		})
	}
}

func TestLedger_ExpiredClaimCanBeTakenOver(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			l := open(t, clock)
			require.NoError(t, l.Append(ctx, newRecord(t, "exec-1", clock.Now())))

			_, err := l.Claim(ctx, "exec-1", "worker-a", time.Minute)
			require.NoError(t, err)

			clock.Advance(2 * time.Minute)
			got, err := l.Claim(ctx, "exec-1", "worker-b", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, "worker-b", got.ClaimedBy)

			_, err = l.UpdateStatus(ctx, "exec-1", contracts.StatusFailed, Update{Owner: "worker-a"})
			assert.ErrorIs(t, err, ErrClaimed)

			clock.Advance(2 * time.Minute)
			skipped, err := l.UpdateStatus(ctx, "exec-1", contracts.StatusSkipped, Update{ResultText: "skipped"})
			require.NoError(t, err)
			assert.Equal(t, contracts.StatusSkipped, skipped.Status)
		})
	}
}

func TestLedger_InvalidTargetsAndMissing(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			l := open(t, clock)

			_, err := l.UpdateStatus(ctx, "exec-1", contracts.StatusPending, Update{})
			assert.ErrorIs(t, err, ErrInvalidTransition)
			_, err = l.UpdateStatus(ctx, "exec-1", contracts.StatusSkipped, Update{})
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = l.Claim(ctx, "exec-1", "w", time.Minute)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = l.UpdateStatus(ctx, "exec-1", contracts.StatusApplied, Update{})
			assert.ErrorIs(t, err, ErrClaimed)
		})
	}
}

func TestLedger_NewProposalAfterTerminal(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			l := open(t, clock)

			first := newRecord(t, "exec-1", clock.Now())
			require.NoError(t, l.Append(ctx, first))
			_, err := l.UpdateStatus(ctx, "exec-1", contracts.StatusSkipped, Update{})
			require.NoError(t, err)

			clock.Advance(time.Second)
			second := newRecord(t, "exec-1", clock.Now())
			require.NoError(t, l.Append(ctx, second))

			got, err := l.FindByExecutionID(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, second.ID, got.ID)

			_, err = l.UpdateStatus(ctx, "exec-1", contracts.StatusSkipped, Update{})
			require.NoError(t, err)
			got, err = l.FindByExecutionID(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, second.ID, got.ID, "most recent terminal record wins")
		})
	}
}

func TestLedger_List(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			l := open(t, clock)
			for i := 0; i < 5; i++ {
				require.NoError(t, l.Append(ctx, newRecord(t, fmt.Sprintf("exec-%d", i), clock.Now())))
				clock.Advance(time.Second)
			}

			recs, err := l.List(ctx, 3)
			require.NoError(t, err)
			require.Len(t, recs, 3)
			assert.Equal(t, "exec-4", recs[0].ExecutionID)
			assert.Equal(t, "exec-2", recs[2].ExecutionID)

			recs, err = l.List(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, recs, 5)
		})
	}
}

func TestLedger_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			l := open(t, clock)
			require.NoError(t, l.Append(ctx, newRecord(t, "exec-1", clock.Now())))

			var wins, conflicts atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					owner := fmt.Sprintf("worker-%d", i)
					if _, err := l.Claim(ctx, "exec-1", owner, time.Minute); err != nil {
						if assert.ErrorIs(t, err, ErrClaimed) {
							conflicts.Add(1)
						}
						return
					}
					wins.Add(1)
				}(i)
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
			assert.Equal(t, int32(15), conflicts.Load())
		})
	}
}
