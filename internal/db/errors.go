package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrStorageBusy is returned once busy retries are exhausted.
	ErrStorageBusy = errors.New("storage busy")
	// ErrConstraint wraps constraint violations. Never retried.
	ErrConstraint = errors.New("constraint violation")
	// ErrCorruption wraps a damaged or foreign database file. Never retried.
	ErrCorruption = errors.New("storage corruption")
	// ErrSchemaTooNew means the file was written by a newer build.
	ErrSchemaTooNew = errors.New("schema version newer than supported")
	// ErrLockHeld means another run holds the (work item, stage) lock.
	ErrLockHeld = errors.New("run lock held")
	// ErrLockLost means a run no longer holds the lock it acquired.
	ErrLockLost = errors.New("run lock lost")
	// ErrNotFound is returned by lookups that require a row.
	ErrNotFound = errors.New("not found")
)

type sentinelError struct {
	kind  error
	cause error
}

func (e *sentinelError) Error() string { return e.kind.Error() + ": " + e.cause.Error() }
func (e *sentinelError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

// classify tags raw sqlite errors with the package sentinel they belong to.
// Errors that are already tagged, or are not sqlite errors, pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConstraint) || errors.Is(err, ErrCorruption) || errors.Is(err, ErrStorageBusy) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrConstraint:
			return &sentinelError{kind: ErrConstraint, cause: err}
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return &sentinelError{kind: ErrCorruption, cause: err}
		}
	}
	return err
}

// IsBusy reports whether err is lock contention inside SQLite.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// IsFatal reports whether err must stop all further use of the database.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorruption) || errors.Is(err, ErrSchemaTooNew)
}

// RetryPolicy is bounded exponential backoff with jitter.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, 0..1
}

// DefaultRetryPolicy returns the busy-retry settings for storage writes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Initial:     50 * time.Millisecond,
		Max:         500 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      0.25,
	}
}

// Backoff returns the delay before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.Initial) * math.Pow(mult, float64(attempt))
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	if p.Jitter > 0 {
		delay += delay * p.Jitter * (2*rand.Float64() - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do runs fn until it succeeds, returns a non-busy error, or the attempts run
// out. Exhaustion is reported as ErrStorageBusy.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsBusy(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff(attempt)):
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrStorageBusy, attempts, err)
}
