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
	"sort"
	"strconv"
	"time"

	"github.com/gravwell/gravwell/v3/ingest/log"

	"github.com/vigil-siem/vigil/bus"
	"github.com/vigil-siem/vigil/events"
	"github.com/vigil-siem/vigil/metrics"
	"github.com/vigil-siem/vigil/state"
)

const (
	DefaultScanWindow    = 300 * time.Second
	DefaultScanThreshold = 10

	maxTrackedPorts = 256

	ScanClassAdmin         = `admin_service_scan`
	ScanClassWeb           = `web_scan`
	ScanClassComprehensive = `comprehensive_scan`
	ScanClassGeneric       = `generic_scan`
)

var (
	adminPorts = map[int]bool{22: true, 23: true, 3389: true, 5985: true, 5986: true}
	webPorts   = map[int]bool{80: true, 443: true, 8080: true, 8443: true}
)

type PortScanConfig struct {
	Window    time.Duration
	Threshold int
}

func (c *PortScanConfig) setDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultScanWindow
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultScanThreshold
	}
}

// PortScan tracks the distinct destination ports touched by each
// (tenant, ip) pair.  Port membership and evidence live in two parallel
// windows with the same span, both bounded and TTL'd.
type PortScan struct {
	cfg  PortScanConfig
	st   state.Store
	lg   *log.Logger
	mets *metrics.Metrics
}

func NewPortScan(cfg PortScanConfig, st state.Store, lg *log.Logger, mets *metrics.Metrics) *PortScan {
	cfg.setDefaults()
	return &PortScan{cfg: cfg, st: st, lg: lg, mets: mets}
}

func portKey(tenant, ip string) string {
	return `ps:port:` + tenant + `:` + ip
}

func portEvKey(tenant, ip string) string {
	return `ps:ev:` + tenant + `:` + ip
}

func (d *PortScan) Process(ctx context.Context, rec bus.Record) (out []*Candidate, err error) {
	ev := rec.Event
	if ev == nil || ev.Type != events.TypePortConnect || ev.SourceIP == nil || ev.DstPort <= 0 {
		return
	}
	ip := ev.SourceIP.String()
	ts := ev.Timestamp
	since := ts.Add(-d.cfg.Window)
	ref := Evidence{Partition: rec.Partition, Offset: rec.Offset}.Key()

	n, serr := d.st.WindowAdd(ctx, portKey(ev.TenantID, ip), strconv.Itoa(ev.DstPort), ts, d.cfg.Window)
	if serr != nil {
		d.softFail(serr)
		return
	}
	if _, serr = d.st.WindowAdd(ctx, portEvKey(ev.TenantID, ip), ref, ts, d.cfg.Window); serr != nil {
		d.softFail(serr)
	}
	if n < d.cfg.Threshold {
		return
	}

	members, serr := d.st.WindowMembers(ctx, portKey(ev.TenantID, ip), since)
	if serr != nil {
		d.softFail(serr)
		return
	}
	var ports []int
	for _, m := range members {
		if p, err := strconv.Atoi(m.Value); err == nil {
			ports = append(ports, p)
		}
		if len(ports) >= maxTrackedPorts {
			break
		}
	}
	sort.Ints(ports)
	class, conf := classifyScan(ports)

	c := &Candidate{
		TenantID:   ev.TenantID,
		Kind:       KindPortScan,
		SourceIPs:  []string{ip},
		Ports:      ports,
		ScanClass:  class,
		Count:      len(ports),
		Threshold:  d.cfg.Threshold,
		Confidence: conf,
	}
	if ev.GeoCountry != `` {
		c.GeoCountries = []string{ev.GeoCountry}
	}
	evs, serr := d.st.WindowMembers(ctx, portEvKey(ev.TenantID, ip), since)
	if serr == nil {
		for _, m := range evs {
			if e, ok := parseEvidence(m.Value); ok {
				c.Evidence = append(c.Evidence, e)
			}
			c.spanTime(m.At)
		}
	}
	if c.FirstEventAt.IsZero() {
		c.FirstEventAt, c.LastEventAt = ts, ts
	}
	d.mets.Candidates.WithLabelValues(string(KindPortScan)).Inc()
	out = append(out, c)
	return
}

func (d *PortScan) softFail(err error) {
	d.mets.StateDropped.Inc()
	d.lg.Warn("port scan state update dropped", log.KVErr(err))
}

// classifyScan buckets a port set.  Admin service ports are checked
// first, then the well known web set, then the spread of the scan.
func classifyScan(ports []int) (string, float64) {
	var admin, web int
	buckets := map[int]bool{}
	for _, p := range ports {
		if adminPorts[p] {
			admin++
		}
		if webPorts[p] {
			web++
		}
		buckets[magnitude(p)] = true
	}
	switch {
	case admin >= 3:
		return ScanClassAdmin, 0.8
	case web >= 3:
		return ScanClassWeb, 0.5
	case len(buckets) >= 3:
		return ScanClassComprehensive, 0.7
	}
	return ScanClassGeneric, 0.4
}

// magnitude is the decimal order of the port number; a scan spanning
// three magnitudes is touching unrelated service ranges.
func magnitude(p int) (m int) {
	for p >= 10 {
		p /= 10
		m++
	}
	return
}
