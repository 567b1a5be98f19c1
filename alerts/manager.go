/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package alerts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gravwell/gravwell/v3/ingest/log"

	"github.com/vigil-siem/vigil/detect"
	"github.com/vigil-siem/vigil/metrics"
	"github.com/vigil-siem/vigil/store"
)

const (
	DefaultCorrelationWindow = 900 * time.Second

	persistRetries  = 3
	dispatchTimeout = 100 * time.Millisecond
)

var (
	ErrNotFound      = errors.New("alert not found")
	ErrBadStatus     = errors.New("unknown alert status")
	ErrBadTransition = errors.New("status transition not allowed")
)

// Dispatcher hands a finished alert to the downstream notifier.  The
// contract is fire and forget; the manager bounds the call at 100 ms.
type Dispatcher interface {
	Dispatch(ctx context.Context, a *Alert)
}

// Decision carries the suppression outcome into alert creation.
type Decision struct {
	Suppress   bool
	Reason     string
	Confidence float64
}

type Config struct {
	CorrelationWindow time.Duration
}

// Manager is single-writer per tenant: a per-tenant mutex serializes
// fingerprint lookups and updates so merges never race.
type Manager struct {
	cfg  Config
	st   *store.Store
	disp Dispatcher
	lg   *log.Logger
	mets *metrics.Metrics

	mtx     sync.Mutex
	tenants map[string]*sync.Mutex
	now     func() time.Time
}

func NewManager(cfg Config, st *store.Store, disp Dispatcher, lg *log.Logger, mets *metrics.Metrics) *Manager {
	if cfg.CorrelationWindow <= 0 {
		cfg.CorrelationWindow = DefaultCorrelationWindow
	}
	return &Manager{
		cfg:     cfg,
		st:      st,
		disp:    disp,
		lg:      lg,
		mets:    mets,
		tenants: map[string]*sync.Mutex{},
		now:     time.Now,
	}
}

func (m *Manager) tenantLock(tenant string) *sync.Mutex {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	l, ok := m.tenants[tenant]
	if !ok {
		l = &sync.Mutex{}
		m.tenants[tenant] = l
	}
	return l
}

// HandleCandidate folds one surviving (or suppressed) candidate into the
// alert store, merging onto an existing alert when the fingerprint
// matches inside the correlation window.
func (m *Manager) HandleCandidate(ctx context.Context, cand *detect.Candidate, dec Decision) (*Alert, error) {
	fp := Fingerprint(cand.TenantID, cand.Kind, cand.SortedIPs(), cand.SortedUsers(), cand.FirstEventAt, m.cfg.CorrelationWindow)

	l := m.tenantLock(cand.TenantID)
	l.Lock()
	defer l.Unlock()

	now := m.now()
	cur, err := m.load(cand.TenantID, fp)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if cur != nil && !cur.Status.Terminal() && now.Sub(cur.LastEventAt) < m.cfg.CorrelationWindow {
		m.merge(cur, cand, dec)
		cur.UpdatedAt = now
		if err := m.persist(ctx, cur); err != nil {
			return nil, err
		}
		m.mets.AlertsMerged.Inc()
		return cur, nil
	}

	a := &Alert{
		ID:           fp,
		TenantID:     cand.TenantID,
		Kind:         cand.Kind,
		Confidence:   dec.Confidence,
		SourceIPs:    cand.SortedIPs(),
		Usernames:    cand.SortedUsers(),
		Services:     append([]string(nil), cand.Services...),
		Ports:        append([]int(nil), cand.Ports...),
		ScanClass:    cand.ScanClass,
		Pattern:      cand.Pattern,
		GeoCountries: append([]string(nil), cand.GeoCountries...),
		FirstEventAt: cand.FirstEventAt,
		LastEventAt:  cand.LastEventAt,
		EventCount:   cand.Count,
		Evidence:     append([]detect.Evidence(nil), cand.Evidence...),
		Status:       StatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if a.EventCount < 1 {
		a.EventCount = 1
	}
	if dec.Suppress {
		a.Status = StatusSuppressed
		a.SuppressionReason = dec.Reason
		a.Confidence = cand.Confidence
	}
	a.Severity = SeverityFor(a.Confidence)
	if err := m.persist(ctx, a); err != nil {
		return nil, err
	}
	m.mets.AlertsCreated.Inc()
	m.lg.Info("alert created",
		log.KV("tenant", a.TenantID),
		log.KV("id", a.ID),
		log.KV("kind", a.Kind),
		log.KV("severity", a.Severity),
		log.KV("status", a.Status))
	if a.Status == StatusOpen {
		m.dispatch(a)
	}
	return a, nil
}

// merge applies a duplicate candidate onto an existing alert.  Evidence
// is set-merged on (partition, offset) so redelivery cannot double count.
func (m *Manager) merge(a *Alert, cand *detect.Candidate, dec Decision) {
	var added int
	for _, e := range cand.Evidence {
		if !a.hasEvidence(e) {
			a.Evidence = append(a.Evidence, e)
			added++
		}
	}
	if added == 0 && cand.Count > a.EventCount {
		// evidence may be truncated upstream, trust the larger count
		added = cand.Count - a.EventCount
	}
	a.EventCount += added
	if cand.LastEventAt.After(a.LastEventAt) {
		a.LastEventAt = cand.LastEventAt
	}
	if !cand.FirstEventAt.IsZero() && cand.FirstEventAt.Before(a.FirstEventAt) {
		a.FirstEventAt = cand.FirstEventAt
	}
	conf := dec.Confidence
	if dec.Suppress {
		conf = cand.Confidence
	}
	if conf > a.Confidence {
		a.Confidence = conf
	}
	if sev := SeverityFor(a.Confidence); severityRank[sev] > severityRank[a.Severity] {
		a.Severity = sev
	}
	a.SourceIPs = mergeSorted(a.SourceIPs, cand.SourceIPs)
	a.Usernames = mergeSorted(a.Usernames, cand.Usernames)
}

// SetStatus drives the lifecycle state machine.  Dispatch fires only on
// the open to investigating transition; merges and resolver decisions stay quiet.
func (m *Manager) SetStatus(ctx context.Context, tenant, id string, next Status, reason string) (*Alert, error) {
	if !next.valid() {
		return nil, ErrBadStatus
	}
	l := m.tenantLock(tenant)
	l.Lock()
	defer l.Unlock()

	a, err := m.load(tenant, id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(a.Status, next) {
		return nil, ErrBadTransition
	}
	prev := a.Status
	a.Status = next
	a.StatusReason = reason
	a.UpdatedAt = m.now()
	if err := m.persist(ctx, a); err != nil {
		return nil, err
	}
	m.lg.Info("alert status changed",
		log.KV("tenant", tenant),
		log.KV("id", id),
		log.KV("from", prev),
		log.KV("to", next),
		log.KV("reason", reason))
	if prev == StatusOpen && next == StatusInvestigating {
		m.dispatch(a)
	}
	return a, nil
}

func transitionAllowed(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusOpen:
		return to == StatusInvestigating || to == StatusResolved || to == StatusFalsePositive
	case StatusInvestigating:
		return to == StatusResolved || to == StatusFalsePositive
	case StatusResolved:
		return to == StatusFalsePositive || to == StatusOpen
	case StatusFalsePositive:
		return to == StatusResolved || to == StatusOpen
	case StatusSuppressed:
		return to == StatusOpen
	}
	return false
}

// Get fetches one alert by fingerprint.
func (m *Manager) Get(tenant, id string) (*Alert, error) {
	l := m.tenantLock(tenant)
	l.Lock()
	defer l.Unlock()
	return m.load(tenant, id)
}

// Filter narrows List output; zero values match everything.
type Filter struct {
	Status Status
	Kind   detect.Kind
	Since  time.Time
	Limit  int
	Offset int
}

// List returns the tenant's alerts ordered by last event time descending.
func (m *Manager) List(tenant string, f Filter) ([]*Alert, error) {
	var out []*Alert
	err := m.st.Scan(store.BucketAlerts, tenant, func(k, v []byte) error {
		var a Alert
		if err := json.Unmarshal(v, &a); err != nil {
			return nil
		}
		if f.Status != `` && a.Status != f.Status {
			return nil
		}
		if f.Kind != `` && a.Kind != f.Kind {
			return nil
		}
		if !f.Since.IsZero() && a.LastEventAt.Before(f.Since) {
			return nil
		}
		out = append(out, &a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastEventAt.After(out[j].LastEventAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Stats aggregates the last 24 hours for the dashboard.
type Stats struct {
	Events24h       int `json:"events_24h"`
	Alerts24h       int `json:"alerts_24h"`
	Suppressions24h int `json:"suppressions_24h"`
	ActiveAlerts    int `json:"active_alerts"`
}

func (m *Manager) TenantStats(tenant string) (s Stats, err error) {
	now := m.now()
	cutoff := now.Add(-24 * time.Hour)
	err = m.st.Scan(store.BucketAlerts, tenant, func(k, v []byte) error {
		var a Alert
		if err := json.Unmarshal(v, &a); err != nil {
			return nil
		}
		if a.Status == StatusOpen || a.Status == StatusInvestigating {
			s.ActiveAlerts++
		}
		if a.UpdatedAt.After(cutoff) {
			s.Alerts24h++
			if a.Status == StatusSuppressed {
				s.Suppressions24h++
			}
		}
		return nil
	})
	if err != nil {
		return
	}
	err = m.st.ScanRange(store.BucketEvents, tenant, cutoff, now, func(ts time.Time, v []byte) error {
		s.Events24h++
		return nil
	})
	return
}

func (m *Manager) load(tenant, id string) (*Alert, error) {
	v, err := m.st.Get(store.BucketAlerts, tenant, []byte(id))
	if err == store.ErrNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	var a Alert
	if err := json.Unmarshal(v, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// persist writes the alert with bounded retries; on exhaustion the record
// goes to the dead letter log so it is never lost outright.
func (m *Manager) persist(ctx context.Context, a *Alert) error {
	v, err := json.Marshal(a)
	if err != nil {
		return err
	}
	var last error
	for i := 0; i < persistRetries; i++ {
		if last = m.st.Put(store.BucketAlerts, a.TenantID, []byte(a.ID), v); last == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	m.mets.AlertsDead.Inc()
	m.lg.Error("alert persist failed, dead lettering",
		log.KV("tenant", a.TenantID),
		log.KV("id", a.ID),
		log.KVErr(last))
	if dlErr := m.st.Append(store.BucketDeadLetter, a.TenantID, m.now(), v); dlErr != nil {
		return dlErr
	}
	return last
}

func (m *Manager) dispatch(a *Alert) {
	if m.disp == nil {
		return
	}
	ctx, cf := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cf()
	m.disp.Dispatch(ctx, a)
}

func mergeSorted(base, extra []string) []string {
	seen := map[string]bool{}
	for _, v := range base {
		seen[v] = true
	}
	for _, v := range extra {
		if !seen[v] {
			seen[v] = true
			base = append(base, v)
		}
	}
	sort.Strings(base)
	return base
}
