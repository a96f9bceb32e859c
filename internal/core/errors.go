package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// Caller errors, surfaced immediately.
	ErrInvalidRange = errors.New("invalid range")
	ErrInvalidInput = errors.New("invalid input")

	// Storage could not be reached (after one retry).
	ErrDataUnavailable = errors.New("data unavailable")
	// A record failed validation at the storage boundary.
	ErrInvalidRecord = errors.New("invalid record")

	// Expected outcomes: render "not enough data yet", not an error banner.
	ErrInsufficientData   = errors.New("insufficient data")
	ErrInsufficientCohort = errors.New("insufficient cohort")
	ErrNotOptedIn         = errors.New("not opted in to rankings")
	ErrNotFound           = errors.New("not found")

	ErrTimeout           = errors.New("timeout")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// IsExpected reports whether err is a "not enough data yet" outcome rather
// than a failure.
func IsExpected(err error) bool {
	return errors.Is(err, ErrInsufficientData) ||
		errors.Is(err, ErrInsufficientCohort) ||
		errors.Is(err, ErrNotOptedIn) ||
		errors.Is(err, ErrNotFound)
}

// StorageError classifies a raw storage failure. Deadline expiry becomes
// ErrTimeout, everything else ErrDataUnavailable.
func StorageError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrDataUnavailable) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidRecord) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrDataUnavailable, err)
}

// ContextError maps a finished context to the error taxonomy.
func ContextError(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return err
	}
}

// Retry runs fn and, if it fails with ErrDataUnavailable, runs it exactly
// once more after backoff. Other errors are returned as they are.
func Retry[T any](ctx context.Context, backoff time.Duration, fn func(context.Context) (T, error)) (T, error) {
	v, err := fn(ctx)
	if err == nil || !errors.Is(err, ErrDataUnavailable) {
		return v, err
	}

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ContextError(ctx)
	case <-timer.C:
	}
	return fn(ctx)
}
