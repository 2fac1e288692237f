package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Access levels a capability grant can carry. Level 2 and 3 grants are
// time-bounded; level 0 and 1 never expire.
const (
	AccessNone            = 0
	AccessRead            = 1
	AccessWriteReversible = 2
	AccessWriteIrreversible = 3
)

var (
	ErrCapabilityNotFound  = errors.New("capability not found")
	ErrExpiryRequired      = errors.New("access level 2 and 3 grants require an expiry")
	ErrInsufficientApprovers = errors.New("access level 3 requires two distinct-group approvals")
)

// Capability is a group's standing grant to call a provider at a given
// access level.
type Capability struct {
	GroupFolder    string
	Provider       string
	AccessLevel    int
	AllowedActions []string
	DeniedActions  []string
	GrantedBy      string
	GrantedAt      time.Time
	ExpiresAt      *time.Time
	Active         bool
}

func joinActions(actions []string) sql.NullString {
	if len(actions) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: strings.Join(actions, ","), Valid: true}
}

func splitActions(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	return strings.Split(s.String, ",")
}

// GrantCapabilityTx creates or replaces a group's capability grant for a
// provider. Level 2/3 grants must carry an expiry; level 3 additionally
// requires that at least two approvals from distinct groups already exist
// in capability_approvals for this (group, provider) pair — callers record
// approvals via RecordCapabilityApprovalTx before calling this.
func GrantCapabilityTx(ctx context.Context, tx *sql.Tx, c Capability) error {
	if (c.AccessLevel == AccessWriteReversible || c.AccessLevel == AccessWriteIrreversible) && c.ExpiresAt == nil {
		return ErrExpiryRequired
	}
	if c.AccessLevel == AccessWriteIrreversible {
		n, err := CountDistinctCapabilityApproversTx(ctx, tx, c.GroupFolder, c.Provider)
		if err != nil {
			return err
		}
		if n < 2 {
			return ErrInsufficientApprovers
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO capabilities (group_folder, provider, access_level, allowed_actions, denied_actions, granted_by, granted_at, expires_at, active)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?, 1)
		ON CONFLICT(group_folder, provider) DO UPDATE SET
			access_level = excluded.access_level,
			allowed_actions = excluded.allowed_actions,
			denied_actions = excluded.denied_actions,
			granted_by = excluded.granted_by,
			granted_at = CURRENT_TIMESTAMP,
			expires_at = excluded.expires_at,
			active = 1;
	`, c.GroupFolder, c.Provider, c.AccessLevel, joinActions(c.AllowedActions), joinActions(c.DeniedActions),
		c.GrantedBy, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("grant capability: %w", err)
	}
	return nil
}

// RevokeCapabilityTx deactivates a grant without deleting its row, so the
// broker's audit trail can still explain why a later call was denied.
func RevokeCapabilityTx(ctx context.Context, tx *sql.Tx, group, provider string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE capabilities SET active = 0 WHERE group_folder = ? AND provider = ?;
	`, group, provider)
	if err != nil {
		return fmt.Errorf("revoke capability: %w", err)
	}
	return nil
}

// RecordCapabilityApprovalTx logs one approval toward the two-distinct-group
// threshold that access level 3 grants require.
func RecordCapabilityApprovalTx(ctx context.Context, tx *sql.Tx, group, provider, approvedBy string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO capability_approvals (group_folder, provider, approved_by, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP);
	`, group, provider, approvedBy)
	if err != nil {
		return fmt.Errorf("record capability approval: %w", err)
	}
	return nil
}

// CountDistinctCapabilityApproversTx counts the distinct approving groups
// recorded for a (group, provider) pair.
func CountDistinctCapabilityApproversTx(ctx context.Context, tx *sql.Tx, group, provider string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT approved_by) FROM capability_approvals WHERE group_folder = ? AND provider = ?;
	`, group, provider).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count capability approvers: %w", err)
	}
	return n, nil
}

func scanCapability(scanFn func(dest ...any) error) (Capability, error) {
	var c Capability
	var allowed, denied sql.NullString
	var expiresAt sql.NullTime
	var active bool
	if err := scanFn(&c.GroupFolder, &c.Provider, &c.AccessLevel, &allowed, &denied, &c.GrantedBy, &c.GrantedAt, &expiresAt, &active); err != nil {
		return Capability{}, err
	}
	c.AllowedActions = splitActions(allowed)
	c.DeniedActions = splitActions(denied)
	c.Active = active
	if expiresAt.Valid {
		t := expiresAt.Time
		c.ExpiresAt = &t
	}
	return c, nil
}

// GetCapability fetches a group's grant for a provider, regardless of
// whether it is still active or has expired.
func (s *Store) GetCapability(ctx context.Context, group, provider string) (Capability, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT group_folder, provider, access_level, allowed_actions, denied_actions, granted_by, granted_at, expires_at, active
		FROM capabilities WHERE group_folder = ? AND provider = ?;
	`, group, provider)
	c, err := scanCapability(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Capability{}, ErrCapabilityNotFound
	}
	if err != nil {
		return Capability{}, fmt.Errorf("scan capability: %w", err)
	}
	return c, nil
}

// ListCapabilities returns every capability grant for a group.
func (s *Store) ListCapabilities(ctx context.Context, group string) ([]Capability, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_folder, provider, access_level, allowed_actions, denied_actions, granted_by, granted_at, expires_at, active
		FROM capabilities WHERE group_folder = ? ORDER BY provider ASC;
	`, group)
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	defer rows.Close()

	var out []Capability
	for rows.Next() {
		c, err := scanCapability(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ExpireCapabilities deactivates every active grant whose expiry has
// passed. Run periodically by the cron sweep.
func (s *Store) ExpireCapabilities(ctx context.Context) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE capabilities SET active = 0
			WHERE active = 1 AND expires_at IS NOT NULL AND expires_at < CURRENT_TIMESTAMP;
		`)
		if err != nil {
			return fmt.Errorf("expire capabilities: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
