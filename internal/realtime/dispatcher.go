package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexus-realtime/internal/metrics"
	"github.com/Tyrowin/nexus-realtime/internal/notification"
)

// ErrInvalidNotification is returned by Dispatch for records missing required
// fields. It matches notification.ErrInvalid.
var ErrInvalidNotification = notification.ErrInvalid

// NotificationSaver is the part of the notification store the dispatcher
// writes through.
type NotificationSaver interface {
	Save(ctx context.Context, n *notification.Notification) error
}

// NotificationDispatcher stores a notification and then pushes it to every
// active connection of its target user. Storage is authoritative; the push is
// best effort.
type NotificationDispatcher struct {
	store   NotificationSaver
	conns   *ConnectionManager
	retries uint64
	now     func() time.Time
	logger  zerolog.Logger
}

// NewNotificationDispatcher creates a dispatcher. retries is the number of
// additional store write attempts after a failure.
func NewNotificationDispatcher(store NotificationSaver, conns *ConnectionManager, retries uint64, now func() time.Time, logger zerolog.Logger) *NotificationDispatcher {
	return &NotificationDispatcher{
		store:   store,
		conns:   conns,
		retries: retries,
		now:     now,
		logger:  logger.With().Str("component", "notifications").Logger(),
	}
}

// Dispatch persists n and pushes notification:received to the target user's
// connections. It returns how many connections the push reached. When the
// store write fails the error wraps ErrStoreWrite and nothing is pushed.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, n *notification.Notification) (int, error) {
	if err := n.Validate(); err != nil {
		metrics.NotificationsDispatched.WithLabelValues("failed").Inc()
		return 0, err
	}
	n.Normalize(d.now())

	if err := d.save(ctx, n); err != nil {
		metrics.NotificationsDispatched.WithLabelValues("failed").Inc()
		d.logger.Error().Err(err).Str("notification_id", n.ID).Str("user_id", n.TargetUserID).Msg("failed to store notification")
		return 0, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	pushed := d.conns.SendToUser(n.TargetUserID, Event{Name: EventNotificationReceived, Data: n})

	outcome := "stored"
	if pushed > 0 {
		outcome = "pushed"
	}
	metrics.NotificationsDispatched.WithLabelValues(outcome).Inc()

	d.logger.Debug().
		Str("notification_id", n.ID).
		Str("user_id", n.TargetUserID).
		Int("pushed", pushed).
		Msg("notification dispatched")
	return pushed, nil
}

func (d *NotificationDispatcher) save(ctx context.Context, n *notification.Notification) error {
	start := time.Now()
	defer func() {
		metrics.NotificationStoreLatency.Observe(time.Since(start).Seconds())
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	operation := func() error {
		err := d.store.Save(ctx, n)
		if errors.Is(err, notification.ErrInvalid) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, d.retries), ctx))
}
