// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides RunOptimistic, the optimistic-concurrency
// transaction runner every ledger-touching operation goes through.
//
// Rows carry a version column. Writers update with
//
//	UPDATE ... SET ..., version = version+1 WHERE <key> AND version = <read version>
//
// and report ErrConflict when no row matched. RunOptimistic rolls the
// transaction back and runs the whole body again from its first read, so the
// body must be a pure function of what it reads.
package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/gorm"
)

var (
	// ErrConflict is returned by versioned writes when the row changed since
	// it was read.
	ErrConflict = errors.New("concurrent modification")

	// ErrTxnExhausted is returned when every attempt ended in a conflict.
	ErrTxnExhausted = errors.New("transaction retries exhausted")
)

// DefaultMaxAttempts bounds RunOptimistic when TxOptions leaves it unset.
const DefaultMaxAttempts = 8

// TxOptions tunes RunOptimistic.
type TxOptions struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnRetry, if set, is called after each retryable failure.
	OnRetry func(attempt int, err error)
}

// RunOptimistic runs fn in a transaction and retries it with jittered
// exponential backoff while it fails with a retryable error (see IsRetryable).
// Non-retryable errors are returned as-is after the rollback.
func RunOptimistic(ctx context.Context, db *gorm.DB, opts TxOptions, fn func(tx *gorm.DB) error) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = 5 * time.Millisecond
	}
	b.MaxInterval = opts.MaxBackoff
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = 40 * b.InitialInterval
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return struct{}{}, nil
		}
		if !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxAttempts)))

	if err != nil && IsRetryable(err) {
		return fmt.Errorf("%w after %d attempts: %v", ErrTxnExhausted, attempt, err)
	}
	return err
}

// IsRetryable reports whether err means "someone else wrote first": a version
// mismatch, or a driver-level busy/lock/serialization failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "deadlock detected")
}
