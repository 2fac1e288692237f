package persistence

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrStaleVersion = errors.New("stale version")
)

// EvidenceItem is one entry in metadata.evidence. The array is append-only.
type EvidenceItem struct {
	Link    string    `json:"link"`
	Note    string    `json:"note,omitempty"`
	AddedAt time.Time `json:"addedAt"`
}

// DodStatusItem is one entry in metadata.dodStatus.
type DodStatusItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// OverrideFields records a founder-issued exemption that bypasses gate
// approval on the way into DONE.
type OverrideFields struct {
	By                string    `json:"by"`
	Reason            string    `json:"reason"`
	AcceptedRisk      string    `json:"acceptedRisk"`
	ReviewDeadlineISO string    `json:"reviewDeadlineIso"`
	SetAt             time.Time `json:"setAt"`
}

// Metadata is the task.metadata JSON blob modeled as a tagged struct with
// named optional fields for every key the kernel and engine recognize.
// Unknown keys round-trip byte-for-byte through Extra so a client that reads
// and rewrites metadata never silently drops data it didn't understand.
type Metadata struct {
	PolicyVersion    string
	DodChecklist     []string
	DodStatus        []DodStatusItem
	Evidence         []EvidenceItem
	DocsUpdated      *bool
	EvidenceRequired *bool
	AuditLink        string
	Override         *OverrideFields
	Extra            map[string]json.RawMessage
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+8)
	for k, v := range m.Extra {
		out[k] = v
	}
	set := func(key string, val any) error {
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		out[key] = b
		return nil
	}
	if m.PolicyVersion != "" {
		if err := set("policy_version", m.PolicyVersion); err != nil {
			return nil, err
		}
	}
	if m.DodChecklist != nil {
		if err := set("dodChecklist", m.DodChecklist); err != nil {
			return nil, err
		}
	}
	if m.DodStatus != nil {
		if err := set("dodStatus", m.DodStatus); err != nil {
			return nil, err
		}
	}
	if m.Evidence != nil {
		if err := set("evidence", m.Evidence); err != nil {
			return nil, err
		}
	}
	if m.DocsUpdated != nil {
		if err := set("docsUpdated", *m.DocsUpdated); err != nil {
			return nil, err
		}
	}
	if m.EvidenceRequired != nil {
		if err := set("evidenceRequired", *m.EvidenceRequired); err != nil {
			return nil, err
		}
	}
	if m.AuditLink != "" {
		if err := set("auditLink", m.AuditLink); err != nil {
			return nil, err
		}
	}
	if m.Override != nil {
		if err := set("override", m.Override); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		return json.Unmarshal(v, dst)
	}
	if err := take("policy_version", &m.PolicyVersion); err != nil {
		return fmt.Errorf("metadata.policy_version: %w", err)
	}
	if err := take("dodChecklist", &m.DodChecklist); err != nil {
		return fmt.Errorf("metadata.dodChecklist: %w", err)
	}
	if err := take("dodStatus", &m.DodStatus); err != nil {
		return fmt.Errorf("metadata.dodStatus: %w", err)
	}
	if err := take("evidence", &m.Evidence); err != nil {
		return fmt.Errorf("metadata.evidence: %w", err)
	}
	if v, ok := raw["docsUpdated"]; ok {
		var docsUpdated bool
		if err := json.Unmarshal(v, &docsUpdated); err != nil {
			return fmt.Errorf("metadata.docsUpdated: %w", err)
		}
		m.DocsUpdated = &docsUpdated
		delete(raw, "docsUpdated")
	}
	if v, ok := raw["evidenceRequired"]; ok {
		var evidenceRequired bool
		if err := json.Unmarshal(v, &evidenceRequired); err != nil {
			return fmt.Errorf("metadata.evidenceRequired: %w", err)
		}
		m.EvidenceRequired = &evidenceRequired
		delete(raw, "evidenceRequired")
	}
	if err := take("auditLink", &m.AuditLink); err != nil {
		return fmt.Errorf("metadata.auditLink: %w", err)
	}
	if v, ok := raw["override"]; ok {
		var o OverrideFields
		if err := json.Unmarshal(v, &o); err != nil {
			return fmt.Errorf("metadata.override: %w", err)
		}
		m.Override = &o
		delete(raw, "override")
	}
	m.Extra = raw
	return nil
}

// Task is a governed work item.
type Task struct {
	ID            string
	Title         string
	Description   string
	TaskType      string
	State         string
	Priority      string
	Scope         string
	ProductID     string
	AssignedGroup string
	Executor      string
	CreatedBy     string
	Gate          string
	DodRequired   bool
	Metadata      Metadata
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const taskIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewTaskID mints a gov-<UTC timestamp>-<6 lowercase alnum> identifier. The
// timestamp component gives rows a natural creation-order sort; the random
// suffix absorbs same-second collisions, which CreateTask retries on.
func NewTaskID() string {
	ts := time.Now().UTC().Format("20060102T150405Z")
	suffix := make([]byte, 6)
	for i := range suffix {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(taskIDAlphabet))))
		suffix[i] = taskIDAlphabet[n.Int64()]
	}
	return fmt.Sprintf("gov-%s-%s", ts, suffix)
}

func scanTask(scanFn func(dest ...any) error) (Task, error) {
	var t Task
	var description, productID, executor sql.NullString
	var metadataRaw string
	if err := scanFn(
		&t.ID, &t.Title, &description, &t.TaskType, &t.State, &t.Priority,
		&t.Scope, &productID, &t.AssignedGroup, &executor, &t.CreatedBy,
		&t.Gate, &t.DodRequired, &metadataRaw, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return Task{}, err
	}
	t.Description = description.String
	t.ProductID = productID.String
	t.Executor = executor.String
	if err := json.Unmarshal([]byte(metadataRaw), &t.Metadata); err != nil {
		return Task{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return t, nil
}

const taskColumns = `id, title, description, task_type, state, priority, scope, product_id, assigned_group, executor, created_by, gate, dod_required, metadata, version, created_at, updated_at`

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateTaskTx inserts a fresh task row with version=1. The caller runs it
// inside a transaction alongside the matching "create" activity row.
func CreateTaskTx(ctx context.Context, tx *sql.Tx, t Task) error {
	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, title, description, task_type, state, priority, scope, product_id,
			assigned_group, executor, created_by, gate, dod_required, metadata,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, t.ID, t.Title, nullableString(t.Description), t.TaskType, t.State, t.Priority,
		t.Scope, nullableString(t.ProductID), t.AssignedGroup, nullableString(t.Executor),
		t.CreatedBy, t.Gate, t.DodRequired, string(metadataJSON))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a single task by id outside of any transaction, for the
// read endpoints.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// getTaskTx reads a task row inside an in-flight transaction.
func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// MutateTaskTx reads the task, lets mutate edit it in place, and writes the
// result back with version incremented by exactly one — the one path every
// non-create command uses to touch a task row. If expectedVersion is
// non-nil and does not match the row's current version, it returns
// ErrStaleVersion and mutate is never called, so the command makes no
// writes at all.
func MutateTaskTx(ctx context.Context, tx *sql.Tx, id string, expectedVersion *int, mutate func(*Task) error) (Task, error) {
	t, err := getTaskTx(ctx, tx, id)
	if err != nil {
		return Task{}, err
	}
	if expectedVersion != nil && *expectedVersion != t.Version {
		return Task{}, ErrStaleVersion
	}
	oldVersion := t.Version
	if err := mutate(&t); err != nil {
		return Task{}, err
	}
	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return Task{}, fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			title = ?, description = ?, task_type = ?, state = ?, priority = ?,
			scope = ?, product_id = ?, assigned_group = ?, executor = ?,
			created_by = ?, gate = ?, dod_required = ?, metadata = ?,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?;
	`, t.Title, nullableString(t.Description), t.TaskType, t.State, t.Priority,
		t.Scope, nullableString(t.ProductID), t.AssignedGroup, nullableString(t.Executor),
		t.CreatedBy, t.Gate, t.DodRequired, string(metadataJSON), id, oldVersion)
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Task{}, fmt.Errorf("update task rows affected: %w", err)
	}
	if affected != 1 {
		return Task{}, ErrStaleVersion
	}
	t.Version = oldVersion + 1
	return t, nil
}

// NoOpTaskTx reads the task without mutating it — used for same-state
// transitions, which succeed without bumping version or writing an
// activity row.
func NoOpTaskTx(ctx context.Context, tx *sql.Tx, id string) (Task, error) {
	return getTaskTx(ctx, tx, id)
}

// ListTasksByGroup returns tasks assigned to a group, most recently updated
// first. Used by operational tooling (doctor, cockpit polling) rather than
// the core command set.
func (s *Store) ListTasksByGroup(ctx context.Context, group string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE assigned_group = ? ORDER BY updated_at DESC LIMIT ?;
	`, group, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
