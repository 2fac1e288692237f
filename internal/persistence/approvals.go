package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Approval is a single gate sign-off for a task. A task can carry at most
// one approval per gate type; approving the same gate twice overwrites the
// prior row rather than stacking a history.
type Approval struct {
	TaskID       string
	GateType     string
	ApprovedBy   string
	Notes        string
	EvidenceLink string
	CreatedAt    time.Time
}

var ErrApprovalNotFound = errors.New("approval not found")

// RecordApprovalTx upserts the (task_id, gate_type) approval row inside the
// caller's transaction.
func RecordApprovalTx(ctx context.Context, tx *sql.Tx, a Approval) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO approvals (task_id, gate_type, approved_by, notes, evidence_link, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(task_id, gate_type) DO UPDATE SET
			approved_by = excluded.approved_by,
			notes = excluded.notes,
			evidence_link = excluded.evidence_link,
			created_at = CURRENT_TIMESTAMP;
	`, a.TaskID, a.GateType, a.ApprovedBy, nullableString(a.Notes), nullableString(a.EvidenceLink))
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

func scanApproval(scanFn func(dest ...any) error) (Approval, error) {
	var a Approval
	var notes, evidence sql.NullString
	if err := scanFn(&a.TaskID, &a.GateType, &a.ApprovedBy, &notes, &evidence, &a.CreatedAt); err != nil {
		return Approval{}, err
	}
	a.Notes = notes.String
	a.EvidenceLink = evidence.String
	return a, nil
}

// GetApprovalTx looks up the approval for a task's current gate inside an
// in-flight transaction — the read the ValidateTransition call into DONE
// needs to know whether HasApproval is true.
func GetApprovalTx(ctx context.Context, tx *sql.Tx, taskID, gateType string) (Approval, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT task_id, gate_type, approved_by, notes, evidence_link, created_at
		FROM approvals WHERE task_id = ? AND gate_type = ?;
	`, taskID, gateType)
	a, err := scanApproval(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, ErrApprovalNotFound
	}
	if err != nil {
		return Approval{}, fmt.Errorf("scan approval: %w", err)
	}
	return a, nil
}

// ListApprovals returns every approval recorded for a task.
func (s *Store) ListApprovals(ctx context.Context, taskID string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, gate_type, approved_by, notes, evidence_link, created_at
		FROM approvals WHERE task_id = ? ORDER BY created_at ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
