package persistence

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/basket/govctl/internal/bus"
)

const topicIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewTopicID mints a topic-<UTC timestamp>-<6 lowercase alnum> identifier,
// following the same shape as NewTaskID.
func NewTopicID() string {
	ts := time.Now().UTC().Format("20060102T150405Z")
	suffix := make([]byte, 6)
	for i := range suffix {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(topicIDAlphabet))))
		suffix[i] = topicIDAlphabet[n.Int64()]
	}
	return fmt.Sprintf("topic-%s-%s", ts, suffix)
}

// Topic statuses.
const (
	TopicActive   = "active"
	TopicArchived = "archived"
)

var ErrTopicNotFound = errors.New("topic not found")

// Topic is a discussion thread scoped to one group, optionally mirrored
// into an external chat group (group_jid) for alert delivery.
type Topic struct {
	ID           string
	GroupFolder  string
	Title        string
	Status       string
	GroupJID     string
	CreatedAt    time.Time
	LastActivity time.Time
}

// TopicMessage is one post within a topic.
type TopicMessage struct {
	ID        int64
	TopicID   string
	Actor     string
	Body      string
	Timestamp time.Time
}

// CreateTopic inserts a new topic thread.
func (s *Store) CreateTopic(ctx context.Context, t Topic) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO topics (id, group_folder, title, status, group_jid, created_at, last_activity)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, t.ID, t.GroupFolder, t.Title, t.Status, nullableString(t.GroupJID))
		if err != nil {
			return fmt.Errorf("insert topic: %w", err)
		}
		return nil
	})
}

func scanTopic(scanFn func(dest ...any) error) (Topic, error) {
	var t Topic
	var groupJID sql.NullString
	if err := scanFn(&t.ID, &t.GroupFolder, &t.Title, &t.Status, &groupJID, &t.CreatedAt, &t.LastActivity); err != nil {
		return Topic{}, err
	}
	t.GroupJID = groupJID.String
	return t, nil
}

// GetTopic fetches a topic by id.
func (s *Store) GetTopic(ctx context.Context, id string) (Topic, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_folder, title, status, group_jid, created_at, last_activity
		FROM topics WHERE id = ?;
	`, id)
	t, err := scanTopic(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Topic{}, ErrTopicNotFound
	}
	if err != nil {
		return Topic{}, fmt.Errorf("scan topic: %w", err)
	}
	return t, nil
}

// ListTopics returns a group's topics, most recently active first.
func (s *Store) ListTopics(ctx context.Context, group string) ([]Topic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, title, status, group_jid, created_at, last_activity
		FROM topics WHERE group_folder = ? ORDER BY last_activity DESC;
	`, group)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var out []Topic
	for rows.Next() {
		t, err := scanTopic(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ArchiveTopic flips a topic's status to archived.
func (s *Store) ArchiveTopic(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE topics SET status = 'archived' WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("archive topic: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrTopicNotFound
		}
		return nil
	})
}

// PostMessage appends a message to a topic and bumps its last_activity
// timestamp so topic listings sort by recency of conversation, not
// creation.
func (s *Store) PostMessage(ctx context.Context, topicID, actor, body string) (TopicMessage, error) {
	var msg TopicMessage
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin post message tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO topic_messages (topic_id, actor, body, timestamp)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, topicID, actor, body)
		if err != nil {
			return fmt.Errorf("insert topic message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE topics SET last_activity = CURRENT_TIMESTAMP WHERE id = ?;`, topicID); err != nil {
			return fmt.Errorf("bump topic last_activity: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit post message tx: %w", err)
		}
		msg = TopicMessage{ID: id, TopicID: topicID, Actor: actor, Body: body}
		return nil
	})
	if err != nil {
		return TopicMessage{}, err
	}
	s.publish(bus.TopicChatMessage, bus.ChatMessageEvent{MessageID: msg.ID, TopicID: topicID})
	return msg, nil
}

func scanTopicMessage(scanFn func(dest ...any) error) (TopicMessage, error) {
	var m TopicMessage
	if err := scanFn(&m.ID, &m.TopicID, &m.Actor, &m.Body, &m.Timestamp); err != nil {
		return TopicMessage{}, err
	}
	return m, nil
}

// ListRecentMessages returns a cross-topic message feed ordered ascending
// by timestamp. before, when positive, restricts the feed to ids below it
// for backward pagination. The returned group_jid is that of the most
// recently active topic carrying one, since this feed has no single topic
// of its own.
func (s *Store) ListRecentMessages(ctx context.Context, limit int, before int64) ([]TopicMessage, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, topic_id, actor, body, timestamp FROM topic_messages`
	args := []any{}
	if before > 0 {
		query += ` WHERE id < ?`
		args = append(args, before)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var out []TopicMessage
	for rows.Next() {
		m, err := scanTopicMessage(rows.Scan)
		if err != nil {
			return nil, "", fmt.Errorf("scan topic message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	var groupJID sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT group_jid FROM topics WHERE group_jid IS NOT NULL AND group_jid != ''
		ORDER BY last_activity DESC LIMIT 1;
	`).Scan(&groupJID)
	if err != nil && err != sql.ErrNoRows {
		return nil, "", fmt.Errorf("lookup group jid: %w", err)
	}
	return out, groupJID.String, nil
}

// ListMessages returns a topic's messages oldest-first.
func (s *Store) ListMessages(ctx context.Context, topicID string) ([]TopicMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic_id, actor, body, timestamp FROM topic_messages
		WHERE topic_id = ? ORDER BY id ASC;
	`, topicID)
	if err != nil {
		return nil, fmt.Errorf("list topic messages: %w", err)
	}
	defer rows.Close()

	var out []TopicMessage
	for rows.Next() {
		m, err := scanTopicMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan topic message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
