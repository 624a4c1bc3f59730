// Package txretry re-runs store transactions that the database aborted for
// reasons a second attempt can fix (serialization failures, deadlocks, busy files).
package txretry

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	sqliteBusyCode             = 5
	sqliteLockedCode           = 6
	jitterFactor               = 0.1
)

// Config bounds the retry policy.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultConfig returns the retry bounds used by the stores.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   250 * time.Millisecond,
	}
}

// Executor runs transactional work under a retry policy.
type Executor struct {
	executor failsafe.Executor[any]
}

// New builds an Executor that retries errors accepted by retryable.
func New(config Config, retryable func(error) bool) *Executor {
	defaults := DefaultConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = config.BaseDelay
	}
	if retryable == nil {
		retryable = IsTransient
	}
	policy := retrypolicy.NewBuilder[any]().
		WithBackoff(config.BaseDelay, config.MaxDelay).
		WithMaxRetries(config.MaxRetries).
		WithJitterFactor(jitterFactor).
		HandleIf(func(_ any, err error) bool {
			return err != nil && retryable(err)
		}).
		ReturnLastFailure().
		Build()
	return &Executor{executor: failsafe.With(policy)}
}

// Run executes fn, retrying transient failures. The last failure is returned
// once retries are exhausted.
func (executor *Executor) Run(ctx context.Context, fn func() error) error {
	if executor == nil {
		return fn()
	}
	_, err := executor.executor.WithContext(ctx).Get(func() (any, error) {
		return nil, fn()
	})
	return err
}

// IsTransient reports PostgreSQL serialization failures and deadlocks, and SQLite busy/locked errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
