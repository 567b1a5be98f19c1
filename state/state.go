/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package state is the shared substrate for sliding windows, counters, and
// TTL'd values used by the detectors, the policy engine, and the baseline
// worker.  Everything here is soft state, loss on restart means windows
// start fresh which is acceptable because windows are short.
//
// Two implementations exist: an in-memory store for tests and single node
// deployments, and a Redis backed store for multi process deployments.
// Components depend on the Store interface, never on a concrete backend.
package state

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrCASConflict  = errors.New("compare and swap conflict")
	ErrStoreClosed  = errors.New("store is closed")
	ErrEmptyKey     = errors.New("empty key")
	ErrRetryExpired = errors.New("compare and swap retries exhausted")
)

// casRetries caps optimistic update attempts; on exhaustion the caller is
// expected to drop the update and count it.
const casRetries = 3

// Member is a single entry in a sliding window.
type Member struct {
	Value string
	At    time.Time
}

type Store interface {
	// WindowAdd inserts member into the sorted window at key with timestamp
	// ts, evicts entries older than ts-window, and returns the resulting
	// window size.  Re-adding an existing member refreshes its timestamp.
	WindowAdd(ctx context.Context, key, member string, ts time.Time, window time.Duration) (int, error)

	// WindowMembers returns all members at or after since, oldest first.
	WindowMembers(ctx context.Context, key string, since time.Time) ([]Member, error)

	// Delete removes a key of any kind.
	Delete(ctx context.Context, key string) error

	// Incr bumps a counter, setting the TTL on first touch.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Counter reads a counter, zero when absent.
	Counter(ctx context.Context, key string) (int64, error)

	// Get retrieves a value, ErrNotFound when absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with a TTL, zero TTL means no expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// CompareAndSwap replaces the value at key only if it currently equals
	// old.  A nil old asserts the key is absent.  Returns ErrCASConflict
	// when the assertion fails.
	CompareAndSwap(ctx context.Context, key string, old, val []byte, ttl time.Duration) error

	Close() error
}

// Update performs an optimistic read-modify-write with a bounded retry
// count.  fn receives the current value (nil when absent) and returns the
// replacement.  On retry exhaustion ErrRetryExpired comes back and the
// caller drops the update.
func Update(ctx context.Context, s Store, key string, ttl time.Duration, fn func(cur []byte) ([]byte, error)) error {
	for i := 0; i < casRetries; i++ {
		cur, err := s.Get(ctx, key)
		if err != nil && err != ErrNotFound {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if err = s.CompareAndSwap(ctx, key, cur, next, ttl); err == nil {
			return nil
		} else if err != ErrCASConflict {
			return err
		}
	}
	return ErrRetryExpired
}
