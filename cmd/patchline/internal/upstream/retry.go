// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTransientFetch marks an error as retryable. After the attempt cap
// it is still returned to the caller, who then treats the call as
// permanently failed.
var ErrTransientFetch = errors.New("transient fetch error")

// Transient wraps err so the retryer recognizes it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientFetch, err)
}

// IsTransient reports whether err carries the transient marker.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientFetch)
}

// Retryer runs an operation with a fixed small attempt cap and an
// increasing delay between attempts. Only transient errors are
// retried; permanent errors return immediately.
type Retryer struct {
	// Attempts is the total attempt cap, including the first try.
	Attempts int

	// BaseDelay is the wait after the first failure; attempt n waits
	// n * BaseDelay.
	BaseDelay time.Duration
}

// DefaultRetryer returns the pipeline's standard policy: 3 attempts,
// delays of 2s then 4s.
func DefaultRetryer() Retryer {
	return Retryer{Attempts: 3, BaseDelay: 2 * time.Second}
}

// Do runs fn, retrying transient failures up to the attempt cap.
// Context cancellation aborts the wait immediately.
func (r Retryer) Do(ctx context.Context, op string, fn func() error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := time.Duration(attempt) * r.BaseDelay
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, attempts, lastErr)
}
