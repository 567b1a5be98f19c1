/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package detect holds the streaming detectors and the candidate
// vocabulary they share with the correlator, the suppression engine, and
// the alert manager.  Detectors produce candidates; nothing downstream
// ever calls back into a detector.
package detect

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindBruteForceSingle      Kind = `brute_force_single_source`
	KindBruteForceDistributed Kind = `brute_force_distributed`
	KindBruteForceCross       Kind = `brute_force_cross_service`
	KindPortScan              Kind = `port_scan`
	KindCorrelation           Kind = `correlation`
)

// Evidence is a stable reference to one bus record.  Keying evidence by
// (partition, offset) makes candidate emission idempotent under
// at-least-once redelivery.
type Evidence struct {
	Partition int   `json:"p"`
	Offset    int64 `json:"o"`
}

func (e Evidence) Key() string {
	return fmt.Sprintf("%d:%d", e.Partition, e.Offset)
}

func parseEvidence(s string) (ev Evidence, ok bool) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return
	}
	p, err := strconv.Atoi(s[:idx])
	if err != nil {
		return
	}
	o, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return
	}
	return Evidence{Partition: p, Offset: o}, true
}

// Candidate is a detector's tentative finding.  The suppression engine
// decides whether it becomes an open alert or a suppressed one.
type Candidate struct {
	TenantID     string     `json:"tenant"`
	Kind         Kind       `json:"kind"`
	SourceIPs    []string   `json:"ips"`
	Usernames    []string   `json:"users,omitempty"`
	Services     []string   `json:"services,omitempty"`
	Ports        []int      `json:"ports,omitempty"`
	ScanClass    string     `json:"scan_class,omitempty"`
	Pattern      string     `json:"pattern,omitempty"`
	Count        int        `json:"count"`
	Threshold    int        `json:"threshold,omitempty"`
	Confidence   float64    `json:"confidence"`
	FirstEventAt time.Time  `json:"first_event"`
	LastEventAt  time.Time  `json:"last_event"`
	GeoCountries []string   `json:"countries,omitempty"`
	Evidence     []Evidence `json:"evidence"`
}

// SortedIPs returns the source addresses in lexical order for fingerprint
// stability.
func (c *Candidate) SortedIPs() []string {
	out := append([]string(nil), c.SourceIPs...)
	sort.Strings(out)
	return out
}

func (c *Candidate) SortedUsers() []string {
	out := append([]string(nil), c.Usernames...)
	sort.Strings(out)
	return out
}
