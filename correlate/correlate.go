/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package correlate watches the candidate stream for multi-candidate
// attack patterns: one user probed across services, one source probing
// many users, and geographic spread on distributed attacks.  Correlation
// state is soft and windowed like detector state.
package correlate

import (
	"context"
	"strings"
	"time"

	"github.com/gravwell/gravwell/v3/ingest/log"

	"github.com/vigil-siem/vigil/detect"
	"github.com/vigil-siem/vigil/metrics"
	"github.com/vigil-siem/vigil/state"
)

const (
	DefaultWindow = 900 * time.Second

	minCrossServices = 2
	minParallelUsers = 3
	minGeoSpread     = 2

	PatternCrossService = `cross_service`
	PatternParallel     = `parallel`

	// correlation raises confidence over the triggering candidate
	confidenceLift = 0.2
)

type Config struct {
	Window time.Duration
}

type Correlator struct {
	cfg  Config
	st   state.Store
	lg   *log.Logger
	mets *metrics.Metrics
}

func New(cfg Config, st state.Store, lg *log.Logger, mets *metrics.Metrics) *Correlator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Correlator{cfg: cfg, st: st, lg: lg, mets: mets}
}

func seqKey(tenant, user string) string {
	return `cor:user:` + tenant + `:` + user
}

func parKey(tenant, ip string) string {
	return `cor:ip:` + tenant + `:` + ip
}

func geoKey(tenant, user string) string {
	return `cor:geo:` + tenant + `:` + user
}

// Process folds one candidate into the correlation windows.  The input
// candidate may be annotated in place (geo spread); any returned
// candidates are additional findings to run through suppression.
func (c *Correlator) Process(ctx context.Context, cand *detect.Candidate) (out []*detect.Candidate, err error) {
	if cand == nil {
		return
	}
	at := cand.LastEventAt
	if at.IsZero() {
		at = time.Now()
	}
	since := at.Add(-c.cfg.Window)

	if cand.Kind == detect.KindBruteForceDistributed {
		c.annotateGeoSpread(ctx, cand, at, since)
	}
	if len(cand.Usernames) == 1 && len(cand.SourceIPs) == 1 && len(cand.Services) == 1 {
		if cc := c.checkSequential(ctx, cand, at, since); cc != nil {
			out = append(out, cc)
		}
	}
	if len(cand.SourceIPs) == 1 && len(cand.Usernames) == 1 {
		if cc := c.checkParallel(ctx, cand, at, since); cc != nil {
			out = append(out, cc)
		}
	}
	return
}

// checkSequential fires when one user draws candidates across two or more
// services from the same source address.
func (c *Correlator) checkSequential(ctx context.Context, cand *detect.Candidate, at time.Time, since time.Time) *detect.Candidate {
	user := cand.Usernames[0]
	ip := cand.SourceIPs[0]
	member := ip + `|` + cand.Services[0]
	key := seqKey(cand.TenantID, user)
	if _, err := c.st.WindowAdd(ctx, key, member, at, c.cfg.Window); err != nil {
		c.softFail(err)
		return nil
	}
	members, err := c.st.WindowMembers(ctx, key, since)
	if err != nil {
		c.softFail(err)
		return nil
	}
	services := map[string]bool{}
	for _, m := range members {
		idx := strings.IndexByte(m.Value, '|')
		if idx < 0 || m.Value[:idx] != ip {
			continue
		}
		services[m.Value[idx+1:]] = true
	}
	if len(services) < minCrossServices {
		return nil
	}
	cc := &detect.Candidate{
		TenantID:     cand.TenantID,
		Kind:         detect.KindBruteForceCross,
		Pattern:      PatternCrossService,
		SourceIPs:    []string{ip},
		Usernames:    []string{user},
		Count:        cand.Count,
		Confidence:   lift(cand.Confidence),
		FirstEventAt: cand.FirstEventAt,
		LastEventAt:  cand.LastEventAt,
		GeoCountries: cand.GeoCountries,
		Evidence:     cand.Evidence,
	}
	for s := range services {
		cc.Services = append(cc.Services, s)
	}
	c.mets.Candidates.WithLabelValues(string(detect.KindBruteForceCross)).Inc()
	return cc
}

// checkParallel fires when one source address draws candidates against
// three or more users.
func (c *Correlator) checkParallel(ctx context.Context, cand *detect.Candidate, at time.Time, since time.Time) *detect.Candidate {
	ip := cand.SourceIPs[0]
	key := parKey(cand.TenantID, ip)
	if _, err := c.st.WindowAdd(ctx, key, cand.Usernames[0], at, c.cfg.Window); err != nil {
		c.softFail(err)
		return nil
	}
	members, err := c.st.WindowMembers(ctx, key, since)
	if err != nil {
		c.softFail(err)
		return nil
	}
	if len(members) < minParallelUsers {
		return nil
	}
	cc := &detect.Candidate{
		TenantID:     cand.TenantID,
		Kind:         detect.KindCorrelation,
		Pattern:      PatternParallel,
		SourceIPs:    []string{ip},
		Count:        cand.Count,
		Confidence:   lift(cand.Confidence),
		FirstEventAt: cand.FirstEventAt,
		LastEventAt:  cand.LastEventAt,
		GeoCountries: cand.GeoCountries,
		Evidence:     cand.Evidence,
	}
	for _, m := range members {
		cc.Usernames = append(cc.Usernames, m.Value)
	}
	c.mets.Candidates.WithLabelValues(string(detect.KindCorrelation)).Inc()
	return cc
}

// annotateGeoSpread marks a distributed candidate whose sources sit in
// two or more countries.
func (c *Correlator) annotateGeoSpread(ctx context.Context, cand *detect.Candidate, at time.Time, since time.Time) {
	if len(cand.Usernames) != 1 {
		return
	}
	key := geoKey(cand.TenantID, cand.Usernames[0])
	for _, cc := range cand.GeoCountries {
		if _, err := c.st.WindowAdd(ctx, key, cc, at, c.cfg.Window); err != nil {
			c.softFail(err)
			return
		}
	}
	members, err := c.st.WindowMembers(ctx, key, since)
	if err != nil {
		c.softFail(err)
		return
	}
	if len(members) < minGeoSpread {
		return
	}
	cand.GeoCountries = cand.GeoCountries[:0]
	for _, m := range members {
		cand.GeoCountries = append(cand.GeoCountries, m.Value)
	}
	cand.Pattern = `geo_spread`
}

func (c *Correlator) softFail(err error) {
	c.mets.StateDropped.Inc()
	c.lg.Warn("correlator state update dropped", log.KVErr(err))
}

func lift(conf float64) float64 {
	conf += confidenceLift
	if conf > 1 {
		conf = 1
	}
	return conf
}
