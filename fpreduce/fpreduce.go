/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package fpreduce decides whether a candidate becomes an open alert or a
// suppressed one.  Six rules run in a fixed order with first match wins;
// every decision is logged with its full reason so suppressions are
// auditable.  Suppression never discards: the alert manager still records
// the alert, just born suppressed.
package fpreduce

import (
	"context"
	"net"
	"time"

	"github.com/gravwell/gravwell/v3/ingest/log"

	"github.com/vigil-siem/vigil/baseline"
	"github.com/vigil-siem/vigil/detect"
	"github.com/vigil-siem/vigil/metrics"
	"github.com/vigil-siem/vigil/policy"
)

const (
	ReasonStaticWhitelist  = `static_whitelist`
	ReasonDynamicWhitelist = `dynamic_whitelist`
	ReasonServiceAccount   = `service_account_tolerance`
	ReasonBehavioralMatch  = `behavioral_match`
	ReasonBusinessHours    = `business_hours_adjustment`
	ReasonMaintenance      = `maintenance_window`

	// rule 5 lowers confidence instead of suppressing
	businessHoursPenalty = 0.2
	lowConfidence        = 0.5

	serviceToleranceSlack = 1
	behavioralMatchSlack  = 2
	minBaselineConfidence = 0.5
)

type Decision struct {
	Suppress   bool
	Reason     string
	Confidence float64
}

type Engine struct {
	pol  *policy.Engine
	bl   *baseline.Manager
	lg   *log.Logger
	mets *metrics.Metrics
	now  func() time.Time
}

func New(pol *policy.Engine, bl *baseline.Manager, lg *log.Logger, mets *metrics.Metrics) *Engine {
	return &Engine{pol: pol, bl: bl, lg: lg, mets: mets, now: time.Now}
}

// Evaluate runs the suppression rules against one candidate.
func (e *Engine) Evaluate(ctx context.Context, cand *detect.Candidate) Decision {
	d := e.evaluate(ctx, cand)
	if d.Suppress {
		e.mets.Suppressions.WithLabelValues(d.Reason).Inc()
		e.lg.Info("candidate suppressed",
			log.KV("tenant", cand.TenantID),
			log.KV("kind", cand.Kind),
			log.KV("ips", cand.SourceIPs),
			log.KV("users", cand.Usernames),
			log.KV("reason", d.Reason))
	} else {
		e.lg.Info("candidate allowed",
			log.KV("tenant", cand.TenantID),
			log.KV("kind", cand.Kind),
			log.KV("ips", cand.SourceIPs),
			log.KV("users", cand.Usernames),
			log.KV("confidence", d.Confidence),
			log.KV("adjustment", d.Reason))
	}
	return d
}

func (e *Engine) evaluate(ctx context.Context, cand *detect.Candidate) Decision {
	now := e.now()

	// rule 1: static whitelist
	if entry, ok := e.allIPsWhitelisted(cand); ok {
		return Decision{Suppress: true, Reason: ReasonStaticWhitelist + `:` + entry}
	}

	// rule 2: dynamic whitelist
	if e.allIPsDynamic(ctx, cand, now) {
		return Decision{Suppress: true, Reason: ReasonDynamicWhitelist}
	}

	// rules 3 and 4 need a single-user candidate with a usable baseline
	if len(cand.Usernames) == 1 {
		if b, err := e.bl.Get(cand.TenantID, cand.Usernames[0]); err == nil {
			// rule 3: service account tolerance
			if b.ProfileType == baseline.ProfileServiceAccount &&
				b.Confidence() >= minBaselineConfidence &&
				cand.Threshold > 0 && cand.Count <= cand.Threshold+serviceToleranceSlack {
				return Decision{Suppress: true, Reason: ReasonServiceAccount}
			}
			// rule 4: behavioral match
			if b.HighConfidence() && len(cand.SourceIPs) == 1 &&
				b.KnowsIP(cand.SourceIPs[0]) &&
				b.KnowsHour(cand.LastEventAt.UTC().Hour()) &&
				cand.Threshold > 0 && cand.Count <= cand.Threshold+behavioralMatchSlack {
				return Decision{Suppress: true, Reason: ReasonBehavioralMatch}
			}
		}
	}

	// rule 5: inside business hours a shaky candidate is allowed but
	// docked, humans fumble passwords at their desks
	if cand.Confidence < lowConfidence {
		if bh, ok := e.pol.BusinessHours(cand.TenantID); ok && bh.Covers(now) {
			conf := cand.Confidence - businessHoursPenalty
			if conf < 0 {
				conf = 0
			}
			return Decision{Confidence: conf, Reason: ReasonBusinessHours}
		}
	}

	// rule 6: maintenance window
	if e.allIPsInMaintenance(cand, now) {
		return Decision{Suppress: true, Reason: ReasonMaintenance}
	}

	return Decision{Confidence: cand.Confidence}
}

// allIPsWhitelisted holds only when every source address matches; one
// whitelisted participant must not absolve a distributed attack.
func (e *Engine) allIPsWhitelisted(cand *detect.Candidate) (entry string, ok bool) {
	if len(cand.SourceIPs) == 0 {
		return
	}
	for _, s := range cand.SourceIPs {
		ip := net.ParseIP(s)
		if ip == nil {
			return ``, false
		}
		ent, hit := e.pol.StaticMatch(cand.TenantID, ip)
		if !hit {
			return ``, false
		}
		entry = ent
	}
	return entry, true
}

func (e *Engine) allIPsDynamic(ctx context.Context, cand *detect.Candidate, now time.Time) bool {
	if len(cand.SourceIPs) == 0 {
		return false
	}
	for _, s := range cand.SourceIPs {
		ip := net.ParseIP(s)
		if ip == nil {
			return false
		}
		if e.pol.DynamicCount(ctx, cand.TenantID, ip, now) < e.pol.DynamicThreshold() {
			return false
		}
	}
	return true
}

func (e *Engine) allIPsInMaintenance(cand *detect.Candidate, now time.Time) bool {
	if len(cand.SourceIPs) == 0 {
		return false
	}
	for _, s := range cand.SourceIPs {
		ip := net.ParseIP(s)
		if ip == nil || !e.pol.InMaintenance(cand.TenantID, ip, now) {
			return false
		}
	}
	return true
}
