/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package baseline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gravwell/gravwell/v3/ingest/log"

	"github.com/vigil-siem/vigil/events"
	"github.com/vigil-siem/vigil/metrics"
	"github.com/vigil-siem/vigil/store"
)

const (
	DefaultQueueDepth = 1024

	rebuildHistory  = 30 * 24 * time.Hour
	rebuildInterval = 7 * 24 * time.Hour
)

var ErrNotFound = errors.New("no baseline for user")

// Manager owns baseline reads and the asynchronous update path.  Observe
// never blocks the detector; a full queue drops the update and counts it.
type Manager struct {
	st   *store.Store
	lg   *log.Logger
	mets *metrics.Metrics

	queue  chan *events.Enriched
	wg     sync.WaitGroup
	ctx    context.Context
	cf     context.CancelFunc
	mtx    sync.Mutex
	cache  map[string]*UserBaseline
	now    func() time.Time
	closed bool
}

func NewManager(st *store.Store, lg *log.Logger, mets *metrics.Metrics, depth int) *Manager {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	ctx, cf := context.WithCancel(context.Background())
	return &Manager{
		st:    st,
		lg:    lg,
		mets:  mets,
		queue: make(chan *events.Enriched, depth),
		ctx:   ctx,
		cf:    cf,
		cache: map[string]*UserBaseline{},
		now:   time.Now,
	}
}

func (m *Manager) Start() {
	m.wg.Add(2)
	go m.worker()
	go m.rebuildLoop()
}

func (m *Manager) Close() error {
	m.mtx.Lock()
	if m.closed {
		m.mtx.Unlock()
		return nil
	}
	m.closed = true
	m.mtx.Unlock()
	m.cf()
	close(m.queue)
	m.wg.Wait()
	return nil
}

func cacheKey(tenant, user string) string {
	return tenant + "\x00" + user
}

// Get returns a copy of the baseline; callers may read it without
// racing the update worker.
func (m *Manager) Get(tenant, user string) (*UserBaseline, error) {
	if user == `` {
		return nil, ErrNotFound
	}
	m.mtx.Lock()
	if b, ok := m.cache[cacheKey(tenant, user)]; ok {
		cp := *b
		m.mtx.Unlock()
		return &cp, nil
	}
	m.mtx.Unlock()

	v, err := m.st.Get(store.BucketBaselines, tenant, []byte(user))
	if err == store.ErrNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	var b UserBaseline
	if err := json.Unmarshal(v, &b); err != nil {
		return nil, err
	}
	m.mtx.Lock()
	m.cache[cacheKey(tenant, user)] = &b
	cp := b
	m.mtx.Unlock()
	return &cp, nil
}

// Observe queues an authentication event for the background worker.
func (m *Manager) Observe(ev *events.Enriched) {
	if ev == nil || ev.Username == `` {
		return
	}
	if ev.Type != events.TypeAuthSuccess && ev.Type != events.TypeAuthFailure {
		return
	}
	select {
	case m.queue <- ev:
	default:
		m.mets.BaselineDrops.Inc()
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for ev := range m.queue {
		if err := m.apply(ev); err != nil {
			m.lg.Warn("baseline update failed",
				log.KV("tenant", ev.TenantID),
				log.KV("user", ev.Username),
				log.KVErr(err))
		}
	}
}

func (m *Manager) apply(ev *events.Enriched) error {
	key := cacheKey(ev.TenantID, ev.Username)
	m.mtx.Lock()
	b, ok := m.cache[key]
	m.mtx.Unlock()
	if !ok {
		var err error
		if b, err = m.load(ev.TenantID, ev.Username); err != nil {
			return err
		}
	}
	if ev.Type == events.TypeAuthSuccess {
		b.ObserveSuccess(ev)
	} else {
		b.ObserveFailure(ev)
	}
	m.mtx.Lock()
	m.cache[key] = b
	m.mtx.Unlock()
	return m.persist(b)
}

func (m *Manager) load(tenant, user string) (*UserBaseline, error) {
	v, err := m.st.Get(store.BucketBaselines, tenant, []byte(user))
	if err == store.ErrNotFound {
		return NewUserBaseline(tenant, user), nil
	} else if err != nil {
		return nil, err
	}
	var b UserBaseline
	if err := json.Unmarshal(v, &b); err != nil {
		// a corrupt record starts over rather than wedging the worker
		return NewUserBaseline(tenant, user), nil
	}
	return &b, nil
}

func (m *Manager) persist(b *UserBaseline) error {
	v, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return m.st.Put(store.BucketBaselines, b.TenantID, []byte(b.Username), v)
}

// RebuildUser recomputes one baseline from the event archive, including
// the profile type heuristics.
func (m *Manager) RebuildUser(ctx context.Context, tenant, user string) (*UserBaseline, error) {
	now := m.now()
	var history []*events.Enriched
	err := m.st.ScanRange(store.BucketEvents, tenant, now.Add(-rebuildHistory), now,
		func(ts time.Time, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ev, err := events.Decode(v)
			if err != nil {
				return nil // skip undecodable archive records
			}
			if ev.Username == user {
				history = append(history, ev)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	b := Rebuild(tenant, user, history)
	m.mtx.Lock()
	m.cache[cacheKey(tenant, user)] = b
	m.mtx.Unlock()
	if err := m.persist(b); err != nil {
		return nil, err
	}
	cp := *b
	return &cp, nil
}

// rebuildLoop runs the weekly full recompute.
func (m *Manager) rebuildLoop() {
	defer m.wg.Done()
	tck := time.NewTicker(rebuildInterval)
	defer tck.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-tck.C:
			if err := m.rebuildAll(); err != nil {
				m.lg.Error("weekly baseline rebuild failed", log.KVErr(err))
			}
		}
	}
}

func (m *Manager) rebuildAll() error {
	tenants, err := m.st.Tenants(store.BucketBaselines)
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		var users []string
		err := m.st.Scan(store.BucketBaselines, tenant, func(k, v []byte) error {
			users = append(users, string(k))
			return nil
		})
		if err != nil {
			return err
		}
		for _, user := range users {
			if m.ctx.Err() != nil {
				return m.ctx.Err()
			}
			if _, err := m.RebuildUser(m.ctx, tenant, user); err != nil {
				m.lg.Warn("baseline rebuild failed",
					log.KV("tenant", tenant),
					log.KV("user", user),
					log.KVErr(err))
			}
		}
	}
	return nil
}
