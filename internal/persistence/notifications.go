package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Notification is a mention fan-out row: "task X mentioned you, here's a
// one-line snippet."
type Notification struct {
	ID          int64
	TaskID      string
	TargetGroup string
	Actor       string
	Snippet     string
	Read        bool
	CreatedAt   time.Time
}

// InsertNotificationTx records one notification inside the caller's
// transaction, alongside whatever comment or transition produced it.
func InsertNotificationTx(ctx context.Context, tx *sql.Tx, taskID, targetGroup, actor, snippet string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (task_id, target_group, actor, snippet, read, created_at)
		VALUES (?, ?, ?, ?, 0, CURRENT_TIMESTAMP);
	`, taskID, targetGroup, actor, snippet)
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	return res.LastInsertId()
}

func scanNotification(scanFn func(dest ...any) error) (Notification, error) {
	var n Notification
	var read bool
	if err := scanFn(&n.ID, &n.TaskID, &n.TargetGroup, &n.Actor, &n.Snippet, &read, &n.CreatedAt); err != nil {
		return Notification{}, err
	}
	n.Read = read
	return n, nil
}

// ListNotifications returns a group's notifications, most recent first.
// When unreadOnly is set, read rows are excluded.
func (s *Store) ListNotifications(ctx context.Context, group string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, task_id, target_group, actor, snippet, read, created_at FROM notifications WHERE target_group = ?`
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?;`

	rows, err := s.db.QueryContext(ctx, query, group, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountUnreadNotifications reports the unread badge count for a group.
func (s *Store) CountUnreadNotifications(ctx context.Context, group string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM notifications WHERE target_group = ? AND read = 0;
	`, group).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

// MarkNotificationsRead flips every unread notification for a group to
// read and returns how many rows changed.
func (s *Store) MarkNotificationsRead(ctx context.Context, group string) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE notifications SET read = 1 WHERE target_group = ? AND read = 0;
		`, group)
		if err != nil {
			return fmt.Errorf("mark notifications read: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// MarkNotificationsReadByIDs flips the given notification ids to read,
// ignoring ids that don't exist or are already read, and returns how many
// rows changed.
func (s *Store) MarkNotificationsReadByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE notifications SET read = 1 WHERE read = 0 AND id IN (%s);`,
		strings.Join(placeholders, ","))

	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("mark notifications read by ids: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
