package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Activity is an append-only audit row. Activities are never updated or
// deleted by user-facing paths.
type Activity struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Action    string    `json:"action"`
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state,omitempty"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Activity actions. create/transition/assign/approve/coerce_scope/override
// mirror task lifecycle events; the ALL_CAPS actions mirror content-bearing
// commands that don't move the state machine.
const (
	ActionCreate           = "create"
	ActionTransition       = "transition"
	ActionAssign           = "assign"
	ActionApprove          = "approve"
	ActionCoerceScope      = "coerce_scope"
	ActionExecutionSummary = "execution_summary"
	ActionOverride         = "override"
	ActionCommentAdded     = "COMMENT_ADDED"
	ActionDodUpdated       = "DOD_UPDATED"
	ActionEvidenceAdded    = "EVIDENCE_ADDED"
	ActionEvidenceBulk     = "EVIDENCE_BULK_ADDED"
	ActionDocsUpdatedSet   = "DOCS_UPDATED_SET"
)

// AppendActivityTx is the exported entry point the governance engine uses
// to log an activity row inside its own transaction.
func AppendActivityTx(ctx context.Context, tx *sql.Tx, taskID, action, fromState, toState, actor, reason string) (int64, error) {
	return appendActivityTx(ctx, tx, taskID, action, fromState, toState, actor, reason)
}

func appendActivityTx(ctx context.Context, tx *sql.Tx, taskID, action, fromState, toState, actor, reason string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO activities (task_id, action, from_state, to_state, actor, reason, created_at)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), CURRENT_TIMESTAMP);
	`, taskID, action, fromState, toState, actor, reason)
	if err != nil {
		return 0, fmt.Errorf("insert activity: %w", err)
	}
	return res.LastInsertId()
}

func scanActivity(scanFn func(dest ...any) error) (Activity, error) {
	var a Activity
	var from, to, reason sql.NullString
	if err := scanFn(&a.ID, &a.TaskID, &a.Action, &from, &to, &a.Actor, &reason, &a.CreatedAt); err != nil {
		return Activity{}, err
	}
	a.FromState = from.String
	a.ToState = to.String
	a.Reason = reason.String
	return a, nil
}

// ListActivities returns every activity for a task, oldest first — the total
// order consumers rely on for "activity count" and "first approve row"
// assertions.
func (s *Store) ListActivities(ctx context.Context, taskID string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, action, from_state, to_state, actor, reason, created_at
		FROM activities WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
