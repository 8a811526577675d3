package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
)

// MemoryLedger implements Ledger in process memory.
type MemoryLedger struct {
	mu      sync.Mutex
	records []contracts.LedgerRecord
	clock   func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return NewMemoryLedgerWithClock(time.Now)
}

func NewMemoryLedgerWithClock(clock func() time.Time) *MemoryLedger {
	return &MemoryLedger{clock: clock}
}

func (m *MemoryLedger) Append(ctx context.Context, rec contracts.LedgerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(rec.ExecutionID); ok {
		return ErrDuplicateKey
	}
	for _, r := range m.records {
		if r.ID == rec.ID {
			return ErrDuplicateKey
		}
	}
	rec.Operations = append([]byte(nil), rec.Operations...)
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryLedger) FindByExecutionID(ctx context.Context, executionID string) (contracts.LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.find(executionID)
	if !ok {
		return contracts.LedgerRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryLedger) Claim(ctx context.Context, executionID, owner string, lease time.Duration) (contracts.LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	i, ok := m.live(executionID)
	if !ok {
		return contracts.LedgerRecord{}, m.notLive(executionID)
	}
	rec := &m.records[i]
	if rec.ClaimLive(now) && rec.ClaimedBy != owner {
		return contracts.LedgerRecord{}, ErrClaimed
	}
	until := now.Add(lease)
	rec.ClaimedBy = owner
	rec.ClaimedUntil = &until
	rec.UpdatedAt = now
	return *rec, nil
}

func (m *MemoryLedger) UpdateStatus(ctx context.Context, executionID string, to contracts.Status, u Update) (contracts.LedgerRecord, error) {
	if err := checkTransition(to, u); err != nil {
		return contracts.LedgerRecord{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	i, ok := m.live(executionID)
	if !ok {
		return contracts.LedgerRecord{}, m.notLive(executionID)
	}
	rec := &m.records[i]
	if to == contracts.StatusSkipped {
		if rec.ClaimLive(now) {
			return contracts.LedgerRecord{}, ErrClaimed
		}
	} else if rec.ClaimedBy != u.Owner {
		return contracts.LedgerRecord{}, ErrClaimed
	}

	rec.Status = to
	rec.UpdatedAt = now
	if u.AppliedAt != nil {
		at := u.AppliedAt.UTC()
		rec.AppliedAt = &at
	}
	rec.ResultText = u.ResultText
	rec.ExternalReference = u.ExternalReference
	rec.RevisionRef = u.RevisionRef
	rec.ClaimedBy = ""
	rec.ClaimedUntil = nil
	return *rec, nil
}

func (m *MemoryLedger) List(ctx context.Context, limit int) ([]contracts.LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]contracts.LedgerRecord, len(m.records))
	copy(out, m.records)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// live returns the index of the Pending record for executionID.
func (m *MemoryLedger) live(executionID string) (int, bool) {
	for i, r := range m.records {
		if r.ExecutionID == executionID && r.Status == contracts.StatusPending {
			return i, true
		}
	}
	return -1, false
}

func (m *MemoryLedger) find(executionID string) (contracts.LedgerRecord, bool) {
	if i, ok := m.live(executionID); ok {
		return m.records[i], true
	}
	var latest *contracts.LedgerRecord
	for i := range m.records {
		r := &m.records[i]
		if r.ExecutionID != executionID {
			continue
		}
		if latest == nil || !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return contracts.LedgerRecord{}, false
	}
	return *latest, true
}

func (m *MemoryLedger) notLive(executionID string) error {
	rec, ok := m.find(executionID)
	if !ok {
		return ErrNotFound
	}
	return classify(rec, nil)
}
