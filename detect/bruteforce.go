/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package detect

import (
	"context"
	"strings"
	"time"

	"github.com/gravwell/gravwell/v3/ingest/log"

	"github.com/vigil-siem/vigil/baseline"
	"github.com/vigil-siem/vigil/bus"
	"github.com/vigil-siem/vigil/events"
	"github.com/vigil-siem/vigil/metrics"
	"github.com/vigil-siem/vigil/state"
)

const (
	DefaultWindow               = 300 * time.Second
	DefaultThreshold            = 5
	DefaultDistributedMinIPs    = 3
	DefaultDistributedThreshold = 7

	minAdjustedThreshold = 2
	familiarBump         = 3
)

type BruteForceConfig struct {
	Window               time.Duration
	Threshold            int
	TenantThresholds     map[string]int
	DistributedMinIPs    int
	DistributedThreshold int
}

func (c *BruteForceConfig) setDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.DistributedMinIPs <= 0 {
		c.DistributedMinIPs = DefaultDistributedMinIPs
	}
	if c.DistributedThreshold <= 0 {
		c.DistributedThreshold = DefaultDistributedThreshold
	}
}

// BruteForce watches auth failures through two views of the stream: per
// (tenant, ip) for single source attacks and per (tenant, user) for
// distributed ones.  A success from an IP clears that IP's window only;
// one good login does not absolve a distributed attack.
type BruteForce struct {
	cfg  BruteForceConfig
	st   state.Store
	bl   *baseline.Manager
	lg   *log.Logger
	mets *metrics.Metrics
}

func NewBruteForce(cfg BruteForceConfig, st state.Store, bl *baseline.Manager, lg *log.Logger, mets *metrics.Metrics) *BruteForce {
	cfg.setDefaults()
	return &BruteForce{cfg: cfg, st: st, bl: bl, lg: lg, mets: mets}
}

func ipKey(tenant, ip string) string {
	return `bf:ip:` + tenant + `:` + ip
}

func userKey(tenant, user string) string {
	return `bf:user:` + tenant + `:` + user
}

// Process folds one bus record into the windows and returns zero or more
// candidates.  State members are keyed by (partition, offset) so a
// redelivered record cannot inflate a window.
func (d *BruteForce) Process(ctx context.Context, rec bus.Record) (out []*Candidate, err error) {
	ev := rec.Event
	if ev == nil || ev.SourceIP == nil {
		return
	}
	ip := ev.SourceIP.String()
	switch ev.Type {
	case events.TypeAuthSuccess:
		// reset rule: the per-IP window clears, the per-user window stays
		if err = d.st.Delete(ctx, ipKey(ev.TenantID, ip)); err != nil {
			d.softFail(err)
			err = nil
		}
		return
	case events.TypeAuthFailure:
	default:
		return
	}

	ts := ev.Timestamp
	ref := Evidence{Partition: rec.Partition, Offset: rec.Offset}.Key()
	since := ts.Add(-d.cfg.Window)

	var distributed *Candidate
	if ev.Username != `` {
		uk := userKey(ev.TenantID, ev.Username)
		if _, serr := d.st.WindowAdd(ctx, uk, ip+`|`+ref, ts, d.cfg.Window); serr != nil {
			d.softFail(serr)
		} else if members, serr := d.st.WindowMembers(ctx, uk, since); serr == nil {
			distributed = d.checkDistributed(ev, members)
		}
	}

	n, serr := d.st.WindowAdd(ctx, ipKey(ev.TenantID, ip), ref, ts, d.cfg.Window)
	if serr != nil {
		d.softFail(serr)
		return
	}
	if distributed != nil {
		// tie-break: distributed is more specific than single source
		d.mets.Candidates.WithLabelValues(string(KindBruteForceDistributed)).Inc()
		out = append(out, distributed)
		return
	}

	t := d.thresholdFor(ev, ip)
	if n < t {
		return
	}
	members, serr := d.st.WindowMembers(ctx, ipKey(ev.TenantID, ip), since)
	if serr != nil {
		d.softFail(serr)
		return
	}
	c := &Candidate{
		TenantID:   ev.TenantID,
		Kind:       KindBruteForceSingle,
		SourceIPs:  []string{ip},
		Count:      n,
		Threshold:  t,
		Confidence: confidence(n, t),
	}
	if ev.Username != `` {
		c.Usernames = []string{ev.Username}
	}
	if ev.Service != `` {
		c.Services = []string{ev.Service}
	}
	if ev.GeoCountry != `` {
		c.GeoCountries = []string{ev.GeoCountry}
	}
	for _, m := range members {
		if e, ok := parseEvidence(m.Value); ok {
			c.Evidence = append(c.Evidence, e)
		}
		c.spanTime(m.At)
	}
	d.mets.Candidates.WithLabelValues(string(KindBruteForceSingle)).Inc()
	out = append(out, c)
	return
}

func (d *BruteForce) checkDistributed(ev *events.Enriched, members []state.Member) *Candidate {
	if len(members) < d.cfg.DistributedThreshold {
		return nil
	}
	ips := map[string]bool{}
	c := &Candidate{
		TenantID:  ev.TenantID,
		Kind:      KindBruteForceDistributed,
		Usernames: []string{ev.Username},
		Count:     len(members),
		Threshold: d.cfg.DistributedThreshold,
	}
	for _, m := range members {
		idx := strings.IndexByte(m.Value, '|')
		if idx < 0 {
			continue
		}
		mip := m.Value[:idx]
		if !ips[mip] {
			ips[mip] = true
			c.SourceIPs = append(c.SourceIPs, mip)
		}
		if e, ok := parseEvidence(m.Value[idx+1:]); ok {
			c.Evidence = append(c.Evidence, e)
		}
		c.spanTime(m.At)
	}
	if len(ips) < d.cfg.DistributedMinIPs {
		return nil
	}
	if ev.GeoCountry != `` {
		c.GeoCountries = []string{ev.GeoCountry}
	}
	if ev.Service != `` {
		c.Services = []string{ev.Service}
	}
	c.Confidence = confidence(c.Count, c.Threshold)
	return c
}

// thresholdFor starts from the tenant's base threshold and adapts it on a
// high confidence baseline: service accounts tighten, familiar context
// loosens.
func (d *BruteForce) thresholdFor(ev *events.Enriched, ip string) int {
	t := d.cfg.Threshold
	if v, ok := d.cfg.TenantThresholds[ev.TenantID]; ok && v > 0 {
		t = v
	}
	if ev.Username == `` || d.bl == nil {
		return t
	}
	b, err := d.bl.Get(ev.TenantID, ev.Username)
	if err != nil || !b.HighConfidence() {
		return t
	}
	if b.ProfileType == baseline.ProfileServiceAccount {
		if t -= 3; t < minAdjustedThreshold {
			t = minAdjustedThreshold
		}
	}
	if b.KnowsHour(ev.Hour()) && b.KnowsIP(ip) {
		t += familiarBump
	}
	return t
}

func (d *BruteForce) softFail(err error) {
	d.mets.StateDropped.Inc()
	d.lg.Warn("detector state update dropped", log.KVErr(err))
}

func confidence(n, t int) float64 {
	if t <= 0 {
		return 0
	}
	c := float64(n-t+1) / float64(t)
	if c > 1 {
		c = 1
	} else if c < 0 {
		c = 0
	}
	return c
}

func (c *Candidate) spanTime(at time.Time) {
	if c.FirstEventAt.IsZero() || at.Before(c.FirstEventAt) {
		c.FirstEventAt = at
	}
	if at.After(c.LastEventAt) {
		c.LastEventAt = at
	}
}
