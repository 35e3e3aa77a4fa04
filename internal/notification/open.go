package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Supported backend drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Driver string
	DSN    string
	// ConnectTimeout bounds the total time spent retrying the initial
	// connection. Zero means a single attempt.
	ConnectTimeout time.Duration
}

// Open constructs the configured backend. Network backends are retried with
// exponential backoff until ConnectTimeout elapses so that the process can
// start alongside its database.
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" || driver == DriverMemory {
		return NewMemoryStore(), nil
	}

	connect, err := connector(driver, opts.DSN)
	if err != nil {
		return nil, err
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if opts.ConnectTimeout > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = opts.ConnectTimeout
		b = exp
	}

	var store Store
	err = backoff.Retry(func() error {
		s, err := connect(ctx)
		if err != nil {
			return err
		}
		store = s
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("open %s notification store: %w", driver, err)
	}
	return store, nil
}

func connector(driver, dsn string) (func(context.Context) (Store, error), error) {
	if dsn == "" {
		return nil, fmt.Errorf("notification store driver %q requires a dsn", driver)
	}

	switch driver {
	case DriverRedis:
		return func(ctx context.Context) (Store, error) { return NewRedisStore(ctx, dsn) }, nil
	case DriverPostgres:
		return func(ctx context.Context) (Store, error) { return NewPostgresStore(ctx, dsn) }, nil
	case DriverSQLite:
		return func(ctx context.Context) (Store, error) { return NewSQLiteStore(ctx, dsn) }, nil
	default:
		return nil, fmt.Errorf("unknown notification store driver %q", driver)
	}
}
