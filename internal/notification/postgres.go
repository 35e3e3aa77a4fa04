package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS notifications (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	message        TEXT NOT NULL DEFAULT '',
	target_user_id TEXT NOT NULL,
	related_id     TEXT NOT NULL DEFAULT '',
	related_type   TEXT NOT NULL DEFAULT '',
	is_read        BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS notifications_target_unread_idx
	ON notifications (target_user_id, is_read, created_at DESC);
`

// PostgresStore persists notifications in PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool and makes sure the notifications table exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate notifications: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

var _ Store = (*PostgresStore)(nil)

// Save inserts n; a conflicting id is ignored.
func (s *PostgresStore) Save(ctx context.Context, n *Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications
			(id, type, title, message, target_user_id, related_id, related_type, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, n.Type, n.Title, n.Message, n.TargetUserID, n.RelatedID, n.RelatedType, n.IsRead, n.CreatedAt)
	return err
}

// Get loads a single notification.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Notification, error) {
	n := &Notification{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, type, title, message, target_user_id, related_id, related_type, is_read, created_at
		FROM notifications WHERE id = $1
	`, id).Scan(
		&n.ID,
		&n.Type,
		&n.Title,
		&n.Message,
		&n.TargetUserID,
		&n.RelatedID,
		&n.RelatedType,
		&n.IsRead,
		&n.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return n, nil
}

// ListUnread returns the user's unread notifications, newest first.
func (s *PostgresStore) ListUnread(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, title, message, target_user_id, related_id, related_type, is_read, created_at
		FROM notifications
		WHERE target_user_id = $1 AND is_read = FALSE
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		var n Notification
		if err := rows.Scan(
			&n.ID,
			&n.Type,
			&n.Title,
			&n.Message,
			&n.TargetUserID,
			&n.RelatedID,
			&n.RelatedType,
			&n.IsRead,
			&n.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead flags a notification as read.
func (s *PostgresStore) MarkRead(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUnread counts the user's unread notifications.
func (s *PostgresStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications WHERE target_user_id = $1 AND is_read = FALSE
	`, userID).Scan(&count)
	return count, err
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
