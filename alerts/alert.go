/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package alerts turns surviving candidates into durable alert records:
// fingerprint dedup, severity scoring, the lifecycle state machine, and
// dispatch to the downstream notifier.
package alerts

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/vigil-siem/vigil/detect"
)

type Status string

const (
	StatusOpen          Status = `open`
	StatusInvestigating Status = `investigating`
	StatusResolved      Status = `resolved`
	StatusFalsePositive Status = `false_positive`
	StatusSuppressed    Status = `suppressed`
)

func (s Status) valid() bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusResolved, StatusFalsePositive, StatusSuppressed:
		return true
	}
	return false
}

// Terminal states hold no further merges; they may be reopened by an
// administrator.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

type Severity string

const (
	SeverityInfo     Severity = `info`
	SeverityLow      Severity = `low`
	SeverityMedium   Severity = `medium`
	SeverityHigh     Severity = `high`
	SeverityCritical Severity = `critical`
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityFor maps a confidence score onto the operator facing scale.
func SeverityFor(confidence float64) Severity {
	switch {
	case confidence >= 0.9:
		return SeverityCritical
	case confidence >= 0.7:
		return SeverityHigh
	case confidence >= 0.5:
		return SeverityMedium
	case confidence >= 0.2:
		return SeverityLow
	}
	return SeverityInfo
}

type Alert struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant"`
	Kind              detect.Kind       `json:"kind"`
	Severity          Severity          `json:"severity"`
	Confidence        float64           `json:"confidence"`
	SourceIPs         []string          `json:"ips"`
	Usernames         []string          `json:"users,omitempty"`
	Services          []string          `json:"services,omitempty"`
	Ports             []int             `json:"ports,omitempty"`
	ScanClass         string            `json:"scan_class,omitempty"`
	Pattern           string            `json:"pattern,omitempty"`
	GeoCountries      []string          `json:"countries,omitempty"`
	FirstEventAt      time.Time         `json:"first_event"`
	LastEventAt       time.Time         `json:"last_event"`
	EventCount        int               `json:"event_count"`
	Evidence          []detect.Evidence `json:"evidence"`
	Status            Status            `json:"status"`
	SuppressionReason string            `json:"suppression_reason,omitempty"`
	StatusReason      string            `json:"status_reason,omitempty"`
	CreatedAt         time.Time         `json:"created"`
	UpdatedAt         time.Time         `json:"updated"`
}

// Fingerprint derives the stable alert identity.  The inputs and their
// order are load bearing: dedup across restarts depends on this exact
// construction, so never reorder or reformat the terms.
func Fingerprint(tenant string, kind detect.Kind, ips, users []string, firstEventAt time.Time, window time.Duration) string {
	sep := []byte{0x1f}
	h := sha256.New()
	h.Write([]byte(tenant))
	h.Write(sep)
	h.Write([]byte(kind))
	h.Write(sep)
	for _, ip := range ips {
		h.Write([]byte(ip))
		h.Write(sep)
	}
	for _, u := range users {
		h.Write([]byte(u))
		h.Write(sep)
	}
	bucket := firstEventAt.Unix() / int64(window/time.Second)
	h.Write([]byte(strconv.FormatInt(bucket, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// hasEvidence reports whether the alert already references this record.
func (a *Alert) hasEvidence(e detect.Evidence) bool {
	for _, x := range a.Evidence {
		if x == e {
			return true
		}
	}
	return false
}
