package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS notifications (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	message        TEXT NOT NULL DEFAULT '',
	target_user_id TEXT NOT NULL,
	related_id     TEXT NOT NULL DEFAULT '',
	related_type   TEXT NOT NULL DEFAULT '',
	is_read        INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_target_unread_idx
	ON notifications (target_user_id, is_read, created_at);
`

// SQLiteStore persists notifications in a local SQLite database. Creation
// times are stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate notifications: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

var _ Store = (*SQLiteStore)(nil)

// sqliteDSN appends the connection pragmas to path, keeping any query
// parameters it already carries.
func sqliteDSN(path string) string {
	const pragmas = "_busy_timeout=5000&_journal_mode=WAL"
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return path + "?" + pragmas
}

const sqliteColumns = `id, type, title, message, target_user_id, related_id, related_type, is_read, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (Notification, error) {
	var (
		n       Notification
		isRead  int
		created int64
	)
	err := row.Scan(
		&n.ID,
		&n.Type,
		&n.Title,
		&n.Message,
		&n.TargetUserID,
		&n.RelatedID,
		&n.RelatedType,
		&isRead,
		&created,
	)
	if err != nil {
		return Notification{}, err
	}
	n.IsRead = isRead != 0
	n.CreatedAt = time.Unix(0, created).UTC()
	return n, nil
}

// Save inserts n; a conflicting id is ignored.
func (s *SQLiteStore) Save(ctx context.Context, n *Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}

	isRead := 0
	if n.IsRead {
		isRead = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO notifications (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Type, n.Title, n.Message, n.TargetUserID, n.RelatedID, n.RelatedType, isRead, n.CreatedAt.UnixNano())
	return err
}

// Get loads a single notification.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanSQLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &n, nil
}

// ListUnread returns the user's unread notifications, newest first.
func (s *SQLiteStore) ListUnread(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+` FROM notifications
		WHERE target_user_id = ? AND is_read = 0
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		n, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead flags a notification as read.
func (s *SQLiteStore) MarkRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// UPDATE reports zero rows for an already-read record too.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// CountUnread counts the user's unread notifications.
func (s *SQLiteStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE target_user_id = ? AND is_read = 0
	`, userID).Scan(&count)
	return count, err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
