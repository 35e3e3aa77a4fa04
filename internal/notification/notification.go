// Package notification defines the durable notification record and the Store
// contract the real-time layer writes through. Memory, Redis, PostgreSQL and
// SQLite backends are provided; uniqueness of notification ids is enforced by
// the backend, so saving the same record twice never duplicates it.
package notification

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrNotFound is returned when a notification id is unknown to the store.
	ErrNotFound = errors.New("notification: not found")
	// ErrInvalid is returned for records missing required fields.
	ErrInvalid = errors.New("notification: invalid record")
)

// Notification is a durable, per-user notice produced by the surrounding
// application (task assignment, comment mention, payment update, ...).
type Notification struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	TargetUserID string    `json:"targetUserId"`
	RelatedID    string    `json:"relatedId,omitempty"`
	RelatedType  string    `json:"relatedType,omitempty"`
	IsRead       bool      `json:"isRead"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Validate reports whether the record carries the fields every backend needs.
func (n *Notification) Validate() error {
	if n == nil {
		return ErrInvalid
	}
	if strings.TrimSpace(n.TargetUserID) == "" {
		return errors.Join(ErrInvalid, errors.New("targetUserId is required"))
	}
	if strings.TrimSpace(n.Type) == "" {
		return errors.Join(ErrInvalid, errors.New("type is required"))
	}
	return nil
}

// Normalize fills in the id and creation time when the producer omitted them.
// Ids are ULIDs so that lexical order follows creation order.
func (n *Notification) Normalize(now time.Time) {
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.CreatedAt = n.CreatedAt.UTC()
}

// Store is the persistence contract for notifications.
type Store interface {
	// Save persists n. Saving an id that already exists is a no-op.
	Save(ctx context.Context, n *Notification) error
	// Get returns a single notification or ErrNotFound.
	Get(ctx context.Context, id string) (*Notification, error)
	// ListUnread returns the unread notifications of a user, newest first.
	ListUnread(ctx context.Context, userID string) ([]Notification, error)
	// MarkRead flags a notification as read. Unknown ids yield ErrNotFound.
	MarkRead(ctx context.Context, id string) error
	// CountUnread returns the number of unread notifications of a user.
	CountUnread(ctx context.Context, userID string) (int, error)
	// Close releases the backend's resources.
	Close() error
}
