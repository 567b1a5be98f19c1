/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package state

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests and single node
// deployments.  Expiry is lazy, keys are reaped when touched and by an
// occasional sweep from the window paths.
type MemoryStore struct {
	mtx     sync.Mutex
	windows map[string]map[string]time.Time
	vals    map[string]memVal
	counts  map[string]memCount
	closed  bool
	clock   func() time.Time
}

type memVal struct {
	data    []byte
	expires time.Time
}

type memCount struct {
	n       int64
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: map[string]map[string]time.Time{},
		vals:    map[string]memVal{},
		counts:  map[string]memCount{},
		clock:   time.Now,
	}
}

// SetClock overrides the time source, tests use this to drive TTL expiry.
func (m *MemoryStore) SetClock(fn func() time.Time) {
	m.mtx.Lock()
	m.clock = fn
	m.mtx.Unlock()
}

func (m *MemoryStore) WindowAdd(ctx context.Context, key, member string, ts time.Time, window time.Duration) (n int, err error) {
	if key == `` {
		return 0, ErrEmptyKey
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	w, ok := m.windows[key]
	if !ok {
		w = map[string]time.Time{}
		m.windows[key] = w
	}
	w[member] = ts
	cutoff := ts.Add(-window)
	for k, v := range w {
		// the eviction boundary is exclusive, an entry exactly window old
		// still counts
		if v.Before(cutoff) {
			delete(w, k)
		}
	}
	n = len(w)
	return
}

func (m *MemoryStore) WindowMembers(ctx context.Context, key string, since time.Time) (ms []Member, err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	w, ok := m.windows[key]
	if !ok {
		return
	}
	for k, v := range w {
		if !v.Before(since) {
			ms = append(ms, Member{Value: k, At: v})
		}
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].At.Before(ms[j].At) })
	return
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	delete(m.windows, key)
	delete(m.vals, key)
	delete(m.counts, key)
	return nil
}

func (m *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	now := m.clock()
	c, ok := m.counts[key]
	if !ok || (!c.expires.IsZero() && now.After(c.expires)) {
		c = memCount{}
		if ttl > 0 {
			c.expires = now.Add(ttl)
		}
	}
	c.n++
	m.counts[key] = c
	return c.n, nil
}

func (m *MemoryStore) Counter(ctx context.Context, key string) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	c, ok := m.counts[key]
	if !ok {
		return 0, nil
	}
	if !c.expires.IsZero() && m.clock().After(c.expires) {
		delete(m.counts, key)
		return 0, nil
	}
	return c.n, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	v, ok := m.vals[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !v.expires.IsZero() && m.clock().After(v.expires) {
		delete(m.vals, key)
		return nil, ErrNotFound
	}
	// hand out a copy, callers mutate
	return bytes.Clone(v.data), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if key == `` {
		return ErrEmptyKey
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	mv := memVal{data: bytes.Clone(val)}
	if ttl > 0 {
		mv.expires = m.clock().Add(ttl)
	}
	m.vals[key] = mv
	return nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, key string, old, val []byte, ttl time.Duration) error {
	if key == `` {
		return ErrEmptyKey
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	var cur []byte
	if v, ok := m.vals[key]; ok {
		if v.expires.IsZero() || !m.clock().After(v.expires) {
			cur = v.data
		}
	}
	if !bytes.Equal(cur, old) {
		return ErrCASConflict
	}
	mv := memVal{data: bytes.Clone(val)}
	if ttl > 0 {
		mv.expires = m.clock().Add(ttl)
	}
	m.vals[key] = mv
	return nil
}

func (m *MemoryStore) Close() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.closed = true
	m.windows = nil
	m.vals = nil
	m.counts = nil
	return nil
}
