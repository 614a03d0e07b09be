// Package lookup holds bounded, best-effort lookups (IP, geolocation) and the
// timeout combinator they share.
package lookup

import (
	"context"
	"errors"
	"time"

	xerrors "fieldops-security/internal/pkg/errors"
)

// WithTimeout runs fn with a deadline of d. It returns fn's value when fn
// finishes in time; otherwise fallback together with the reason
// (xerrors.ErrLookupTimeout on deadline, fn's own error on failure).
// fn keeps running in the background after a timeout and must honour ctx.
func WithTimeout[T any](ctx context.Context, d time.Duration, fallback T, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)

	go func() {
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return fallback, xerrors.ErrLookupTimeout
			}
			return fallback, r.err
		}
		return r.value, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fallback, xerrors.ErrLookupTimeout
		}
		return fallback, ctx.Err()
	}
}

// Value is WithTimeout for callers that only want the value.
func Value[T any](ctx context.Context, d time.Duration, fallback T, fn func(context.Context) (T, error)) T {
	v, _ := WithTimeout(ctx, d, fallback, fn)
	return v
}
