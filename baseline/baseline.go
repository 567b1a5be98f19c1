/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package baseline maintains per user behavioral profiles: when a user
// logs in, from where, from what, and how often they fail.  Profiles feed
// the adaptive detector thresholds and the suppression engine.  A profile
// under ten samples is low confidence and must never suppress, only
// enrich.
package baseline

import (
	"math"
	"regexp"
	"time"

	"github.com/vigil-siem/vigil/events"
)

const (
	maxHours     = 24
	maxDays      = 7
	maxCountries = 10
	maxIPs       = 50
	maxDevices   = 20

	failureAlpha = 0.1

	// high confidence floor
	ConfidentSamples = 10
)

type Profile string

const (
	ProfileHuman          Profile = `human`
	ProfileServiceAccount Profile = `service_account`
	ProfileSystem         Profile = `system`
	ProfileUnknown        Profile = `unknown`
)

var (
	svcUserRE = regexp.MustCompile(`(?i)(service|api|system|bot|monitor)`)
	svcUARE   = regexp.MustCompile(`(?i)(curl|python-requests|java/|go-http)`)
)

// UserBaseline is the persisted profile for one (tenant, user).  The LRU
// slices are most-recent-first.  The welford fields carry the running
// daily login statistics between updates.
type UserBaseline struct {
	TenantID         string    `json:"tenant"`
	Username         string    `json:"user"`
	TypicalHours     []int     `json:"hours,omitempty"`
	TypicalDays      []int     `json:"days,omitempty"`
	TypicalCountries []string  `json:"countries,omitempty"`
	TypicalIPs       []string  `json:"ips,omitempty"`
	TypicalDevices   []string  `json:"devices,omitempty"`
	AvgDailyLogins   float64   `json:"avg_daily"`
	StdevDailyLogins float64   `json:"stdev_daily"`
	AvgFailureRate   float64   `json:"failure_rate"`
	ProfileType      Profile   `json:"profile"`
	SampleCount      int       `json:"samples"`
	UpdatedAt        time.Time `json:"updated"`

	DayKey       string  `json:"day_key,omitempty"`
	DayCount     int     `json:"day_count,omitempty"`
	WelfordCount int     `json:"w_n,omitempty"`
	WelfordMean  float64 `json:"w_mean,omitempty"`
	WelfordM2    float64 `json:"w_m2,omitempty"`
}

func NewUserBaseline(tenant, user string) *UserBaseline {
	return &UserBaseline{
		TenantID:    tenant,
		Username:    user,
		ProfileType: ProfileUnknown,
	}
}

// Confidence is derived, never stored.
func (b *UserBaseline) Confidence() float64 {
	c := float64(b.SampleCount) / float64(ConfidentSamples)
	if c > 1 {
		c = 1
	}
	return c
}

// HighConfidence gates suppression decisions.
func (b *UserBaseline) HighConfidence() bool {
	return b.SampleCount >= ConfidentSamples
}

// KnowsIP reports whether ip is in the recent-IP set.
func (b *UserBaseline) KnowsIP(ip string) bool {
	return contains(b.TypicalIPs, ip)
}

func (b *UserBaseline) KnowsCountry(cc string) bool {
	return cc != `` && contains(b.TypicalCountries, cc)
}

func (b *UserBaseline) KnowsDevice(fp string) bool {
	return fp != `` && contains(b.TypicalDevices, fp)
}

func (b *UserBaseline) KnowsHour(h int) bool {
	return containsInt(b.TypicalHours, h)
}

// ObserveSuccess folds a successful authentication into the profile.
func (b *UserBaseline) ObserveSuccess(ev *events.Enriched) {
	ts := ev.Timestamp.UTC()
	b.TypicalHours = lruAddInt(b.TypicalHours, ts.Hour(), maxHours)
	b.TypicalDays = lruAddInt(b.TypicalDays, int(ts.Weekday()), maxDays)
	if ev.GeoCountry != `` {
		b.TypicalCountries = lruAdd(b.TypicalCountries, ev.GeoCountry, maxCountries)
	}
	if ev.SourceIP != nil {
		b.TypicalIPs = lruAdd(b.TypicalIPs, ev.SourceIP.String(), maxIPs)
	}
	if ev.DeviceFP != `` {
		b.TypicalDevices = lruAdd(b.TypicalDevices, ev.DeviceFP, maxDevices)
	}
	b.observeDay(ts)
	b.AvgFailureRate = failureAlpha*0 + (1-failureAlpha)*b.AvgFailureRate
	b.SampleCount++
	b.UpdatedAt = ts
}

// ObserveFailure only moves the failure rate; failed attempts must not
// teach the profile new IPs or devices.
func (b *UserBaseline) ObserveFailure(ev *events.Enriched) {
	b.AvgFailureRate = failureAlpha*1 + (1-failureAlpha)*b.AvgFailureRate
	b.UpdatedAt = ev.Timestamp.UTC()
}

// observeDay pushes the previous day's login count into the Welford
// accumulator when the calendar day rolls over.
func (b *UserBaseline) observeDay(ts time.Time) {
	day := ts.Format(`2006-01-02`)
	if b.DayKey != `` && b.DayKey != day {
		b.welfordPush(float64(b.DayCount))
		b.DayCount = 0
	}
	b.DayKey = day
	b.DayCount++
}

func (b *UserBaseline) welfordPush(x float64) {
	b.WelfordCount++
	delta := x - b.WelfordMean
	b.WelfordMean += delta / float64(b.WelfordCount)
	b.WelfordM2 += delta * (x - b.WelfordMean)
	b.AvgDailyLogins = b.WelfordMean
	if b.WelfordCount > 1 {
		b.StdevDailyLogins = math.Sqrt(b.WelfordM2 / float64(b.WelfordCount-1))
	}
}

// Rebuild recomputes the profile from scratch over a login history,
// including the profile type heuristics that incremental updates skip.
func Rebuild(tenant, user string, history []*events.Enriched) *UserBaseline {
	b := NewUserBaseline(tenant, user)
	var hours []float64
	var ua string
	for _, ev := range history {
		switch ev.Type {
		case events.TypeAuthSuccess:
			b.ObserveSuccess(ev)
			hours = append(hours, float64(ev.Timestamp.UTC().Hour()))
			if v := ev.SDValue(`user_agent`); v != `` {
				ua = v
			}
		case events.TypeAuthFailure:
			b.ObserveFailure(ev)
		}
	}
	b.ProfileType = profileFor(user, ua, hours)
	return b
}

func profileFor(user, ua string, loginHours []float64) Profile {
	if svcUserRE.MatchString(user) || (ua != `` && svcUARE.MatchString(ua)) {
		return ProfileServiceAccount
	}
	if len(loginHours) >= 20 && stdev(loginHours) < 2 {
		return ProfileServiceAccount
	}
	return ProfileHuman
}

func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var m2 float64
	for _, x := range xs {
		m2 += (x - mean) * (x - mean)
	}
	return math.Sqrt(m2 / float64(len(xs)-1))
}

// lruAdd moves v to the front, evicting the tail past limit.
func lruAdd(list []string, v string, limit int) []string {
	for i, x := range list {
		if x == v {
			copy(list[1:i+1], list[:i])
			list[0] = v
			return list
		}
	}
	list = append([]string{v}, list...)
	if len(list) > limit {
		list = list[:limit]
	}
	return list
}

func lruAddInt(list []int, v, limit int) []int {
	for i, x := range list {
		if x == v {
			copy(list[1:i+1], list[:i])
			list[0] = v
			return list
		}
	}
	list = append([]int{v}, list...)
	if len(list) > limit {
		list = list[:limit]
	}
	return list
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
