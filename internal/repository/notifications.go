package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sopforge/backend/internal/errors"
	"sopforge/backend/pkg/models"
)

const notificationColumns = `id, organization_id, user_id, type, title, description, link, read_flag, created_at`

// CreateNotification delivers a single notification.
func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.exec(ctx, `INSERT INTO notifications (`+notificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.OrganizationID, n.UserID, string(n.Type), n.Title, n.Description, n.Link, n.Read, n.CreatedAt.UTC())
	return err
}

// CreateOrganizationNotifications fans n out to the organization's members
// with one INSERT ... SELECT, so the statement size does not grow with the
// member count.
func (s *Store) CreateOrganizationNotifications(ctx context.Context, n models.Notification, excludeUserID string) (int, error) {
	createdAt := n.CreatedAt.UTC()
	if n.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	idExpr, createdAtExpr := `lower(hex(randomblob(16)))`, `?`
	if s.db.dialect() == dialectPostgres {
		idExpr, createdAtExpr = `gen_random_uuid()::text`, `?::timestamptz`
	}
	affected, err := s.db.exec(ctx, `INSERT INTO notifications
		(id, organization_id, user_id, type, title, description, link, read_flag, created_at)
		SELECT `+idExpr+`, organization_id, user_id, ?, ?, ?, ?, FALSE, `+createdAtExpr+`
		FROM members WHERE organization_id = ? AND user_id <> ?`,
		string(n.Type), n.Title, n.Description, n.Link, createdAt, n.OrganizationID, excludeUserID)
	if err != nil {
		return 0, fmt.Errorf("failed to fan out notification: %w", err)
	}
	return int(affected), nil
}

// ListNotifications lists the user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, orgID, userID string, unreadOnly bool) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE organization_id = ? AND user_id = ?`
	args := []any{orgID, userID}
	if unreadOnly {
		query += ` AND read_flag = ?`
		args = append(args, false)
	}
	query += ` ORDER BY created_at DESC, id`

	rs, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []*models.Notification
	for rs.Next() {
		var n models.Notification
		if err := rs.Scan(&n.ID, &n.OrganizationID, &n.UserID, &n.Type, &n.Title, &n.Description,
			&n.Link, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rs.Err()
}

// MarkNotificationRead sets the read flag. Only the recipient may do so.
func (s *Store) MarkNotificationRead(ctx context.Context, orgID, userID, notificationID string) error {
	affected, err := s.db.exec(ctx, `UPDATE notifications SET read_flag = ?
		WHERE id = ? AND organization_id = ? AND user_id = ?`, true, notificationID, orgID, userID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("notification %s: %w", notificationID, errors.ErrNotFound)
	}
	return nil
}
