package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rcourtman/billing-reconciler/internal/models"
)

// InsertNotification stores a user-facing inbox notification.
func (s *Store) InsertNotification(ctx context.Context, n *models.InboxNotification) error {
	if n == nil {
		return fmt.Errorf("notification is nil")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("encode notification payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, body, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		n.ID, n.UserID, n.Kind, n.Title, n.Body, string(payload), n.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns a user's inbox, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]*models.InboxNotification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, title, body, payload, created_at
		FROM notifications WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.InboxNotification
	for rows.Next() {
		var n models.InboxNotification
		var payload string
		var createdAt int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
				return nil, fmt.Errorf("decode notification payload: %w", err)
			}
		}
		n.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &n)
	}
	return out, rows.Err()
}
