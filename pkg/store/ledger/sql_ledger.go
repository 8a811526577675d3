package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
)

// timeLayout is fixed width so TEXT comparison orders chronologically on
// every backend.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLLedger implements Ledger using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLLedger struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db, clock: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (s *SQLLedger) WithClock(clock func() time.Time) *SQLLedger {
	s.clock = clock
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS fix_records (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	workflow_name TEXT NOT NULL DEFAULT '',
	node_name TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL DEFAULT '',
	execution_url TEXT NOT NULL DEFAULT '',
	analysis TEXT NOT NULL DEFAULT '',
	fix_summary TEXT NOT NULL DEFAULT '',
	operations TEXT NOT NULL DEFAULT '[]',
	confidence TEXT NOT NULL DEFAULT 'low',
	risk TEXT NOT NULL DEFAULT '',
	proposal_hash TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	applied_at TEXT,
	result_text TEXT NOT NULL DEFAULT '',
	external_reference TEXT NOT NULL DEFAULT '',
	revision_ref TEXT NOT NULL DEFAULT '',
	claimed_by TEXT,
	claimed_until TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS fix_records_live ON fix_records (execution_id) WHERE status = 'Pending';
CREATE INDEX IF NOT EXISTS fix_records_created ON fix_records (created_at);
`

func (s *SQLLedger) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init ledger schema: %w", err)
		}
	}
	return nil
}

const recordColumns = `id, execution_id, workflow_id, workflow_name, node_name, error_message, severity,
	execution_url, analysis, fix_summary, operations, confidence, risk, proposal_hash, status,
	created_at, updated_at, applied_at, result_text, external_reference, revision_ref,
	claimed_by, claimed_until`

func (s *SQLLedger) Append(ctx context.Context, rec contracts.LedgerRecord) error {
	query := `
		INSERT INTO fix_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`
	ops := string(rec.Operations)
	if ops == "" {
		ops = "[]"
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.ExecutionID, rec.WorkflowID, rec.WorkflowName, rec.NodeName, rec.ErrorMessage, rec.Severity,
		rec.ExecutionURL, rec.Analysis, rec.FixSummary, ops, string(rec.Confidence), rec.Risk, rec.ProposalHash,
		string(rec.Status), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), nullTime(rec.AppliedAt),
		rec.ResultText, rec.ExternalReference, rec.RevisionRef, nullString(rec.ClaimedBy), nullTime(rec.ClaimedUntil),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

func (s *SQLLedger) FindByExecutionID(ctx context.Context, executionID string) (contracts.LedgerRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM fix_records WHERE execution_id = $1
		ORDER BY CASE WHEN status = 'Pending' THEN 0 ELSE 1 END, created_at DESC LIMIT 1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.LedgerRecord{}, ErrNotFound
	}
	if err != nil {
		return contracts.LedgerRecord{}, fmt.Errorf("find record: %w", err)
	}
	return rec, nil
}

func (s *SQLLedger) Claim(ctx context.Context, executionID, owner string, lease time.Duration) (contracts.LedgerRecord, error) {
	// Optimistic locking: a single conditional UPDATE is the serialization point.
	now := s.clock().UTC()
	query := `
		UPDATE fix_records
		SET claimed_by = $1, claimed_until = $2, updated_at = $3
		WHERE execution_id = $4 AND status = 'Pending'
		  AND (claimed_until IS NULL OR claimed_until < $3 OR claimed_by = $1)
	`
	res, err := s.db.ExecContext(ctx, query, owner, formatTime(now.Add(lease)), formatTime(now), executionID)
	if err != nil {
		return contracts.LedgerRecord{}, fmt.Errorf("claim record: %w", err)
	}
	if err := s.expectOne(ctx, res, executionID); err != nil {
		return contracts.LedgerRecord{}, err
	}
	return s.FindByExecutionID(ctx, executionID)
}

func (s *SQLLedger) UpdateStatus(ctx context.Context, executionID string, to contracts.Status, u Update) (contracts.LedgerRecord, error) {
	if err := checkTransition(to, u); err != nil {
		return contracts.LedgerRecord{}, err
	}
	now := formatTime(s.clock().UTC())

	set := `
		UPDATE fix_records
		SET status = $1, updated_at = $2, applied_at = $3, result_text = $4,
		    external_reference = $5, revision_ref = $6, claimed_by = NULL, claimed_until = NULL
		WHERE execution_id = $7 AND status = 'Pending'`
	args := []any{string(to), now, nullTime(u.AppliedAt), u.ResultText, u.ExternalReference, u.RevisionRef, executionID}
	if to == contracts.StatusSkipped {
		set += ` AND (claimed_until IS NULL OR claimed_until < $2)`
	} else {
		set += ` AND claimed_by = $8`
		args = append(args, u.Owner)
	}

	res, err := s.db.ExecContext(ctx, set, args...)
	if err != nil {
		return contracts.LedgerRecord{}, fmt.Errorf("update record status: %w", err)
	}
	if err := s.expectOne(ctx, res, executionID); err != nil {
		return contracts.LedgerRecord{}, err
	}
	return s.FindByExecutionID(ctx, executionID)
}

func (s *SQLLedger) List(ctx context.Context, limit int) ([]contracts.LedgerRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM fix_records ORDER BY created_at DESC LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.LedgerRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// expectOne turns a zero-row conditional update into the matching sentinel.
func (s *SQLLedger) expectOne(ctx context.Context, res sql.Result, executionID string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	return classify(s.FindByExecutionID(ctx, executionID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (contracts.LedgerRecord, error) {
	var (
		rec                           contracts.LedgerRecord
		ops, confidence, status       string
		createdAt, updatedAt          string
		appliedAt, claimedBy, claimed sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.ExecutionID, &rec.WorkflowID, &rec.WorkflowName, &rec.NodeName, &rec.ErrorMessage, &rec.Severity,
		&rec.ExecutionURL, &rec.Analysis, &rec.FixSummary, &ops, &confidence, &rec.Risk, &rec.ProposalHash, &status,
		&createdAt, &updatedAt, &appliedAt, &rec.ResultText, &rec.ExternalReference, &rec.RevisionRef,
		&claimedBy, &claimed,
	)
	if err != nil {
		return contracts.LedgerRecord{}, err
	}
	rec.Operations = []byte(ops)
	rec.Confidence = contracts.Confidence(confidence)
	rec.Status = contracts.Status(status)
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return contracts.LedgerRecord{}, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return contracts.LedgerRecord{}, err
	}
	if rec.AppliedAt, err = parseNullTime(appliedAt); err != nil {
		return contracts.LedgerRecord{}, err
	}
	if rec.ClaimedUntil, err = parseNullTime(claimed); err != nil {
		return contracts.LedgerRecord{}, err
	}
	rec.ClaimedBy = claimedBy.String
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ledger time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			(code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE"))
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
