/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package policy owns tenant-scoped suppression inputs: whitelists,
// business hours, and maintenance windows.  Reads go through an immutable
// per-tenant snapshot rebuilt from the durable store at most every five
// seconds, so control plane changes land within the advertised window and
// readers never contend with writers.
package policy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/asergeyev/nradix"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gravwell/gravwell/v3/ingest/log"

	"github.com/vigil-siem/vigil/metrics"
	"github.com/vigil-siem/vigil/state"
	"github.com/vigil-siem/vigil/store"
)

const (
	snapshotTTL = 5 * time.Second

	DefaultDynamicThreshold = 5
	DefaultDynamicTTL       = 24 * time.Hour
)

type Kind string

const (
	KindIP        Kind = `ip`
	KindCIDR      Kind = `cidr`
	KindUserAgent Kind = `user_agent`
	KindUsername  Kind = `username`
)

type Source string

const (
	SourceStatic  Source = `static`
	SourceDynamic Source = `dynamic`
	SourceLearned Source = `learned`
)

var (
	ErrBadKind   = errors.New("unknown whitelist kind")
	ErrBadValue  = errors.New("bad whitelist value")
	ErrNotFound  = errors.New("policy record not found")
	ErrBadWindow = errors.New("maintenance window range is inverted")
)

type WhitelistEntry struct {
	TenantID  string     `json:"tenant"`
	Kind      Kind       `json:"kind"`
	Value     string     `json:"value"`
	Source    Source     `json:"source"`
	ExpiresAt *time.Time `json:"expires,omitempty"`
	CreatedAt time.Time  `json:"created"`
}

func (w *WhitelistEntry) expired(now time.Time) bool {
	return w.ExpiresAt != nil && now.After(*w.ExpiresAt)
}

type BusinessHours struct {
	StartHour int    `json:"start"`
	EndHour   int    `json:"end"`
	Days      []int  `json:"days"`
	Location  string `json:"tz,omitempty"`
}

// Covers reports whether now falls inside the configured hours.
func (b *BusinessHours) Covers(now time.Time) bool {
	loc := time.UTC
	if b.Location != `` {
		if l, err := time.LoadLocation(b.Location); err == nil {
			loc = l
		}
	}
	t := now.In(loc)
	dayOK := len(b.Days) == 0
	for _, d := range b.Days {
		if int(t.Weekday()) == d {
			dayOK = true
			break
		}
	}
	return dayOK && t.Hour() >= b.StartHour && t.Hour() < b.EndHour
}

type MaintenanceWindow struct {
	ID            string    `json:"id"`
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	AuthorizedIPs []string  `json:"ips"`
}

func (m *MaintenanceWindow) active(now time.Time) bool {
	return !now.Before(m.From) && now.Before(m.To)
}

// storage key prefixes within the whitelists bucket
const (
	keyWhitelist   = `wl:`
	keyBizHours    = `bh`
	keyMaintenance = `mw:`
)

type Config struct {
	DynamicThreshold int
	DynamicTTL       time.Duration
}

type Engine struct {
	cfg  Config
	st   *store.Store
	soft state.Store
	lg   *log.Logger
	mets *metrics.Metrics

	snaps *snapshotCache
	now   func() time.Time
}

func NewEngine(cfg Config, st *store.Store, soft state.Store, lg *log.Logger, mets *metrics.Metrics) *Engine {
	if cfg.DynamicThreshold <= 0 {
		cfg.DynamicThreshold = DefaultDynamicThreshold
	}
	if cfg.DynamicTTL <= 0 {
		cfg.DynamicTTL = DefaultDynamicTTL
	}
	e := &Engine{
		cfg:  cfg,
		st:   st,
		soft: soft,
		lg:   lg,
		mets: mets,
		now:  time.Now,
	}
	e.snaps = newSnapshotCache(e.build)
	return e
}

// AddWhitelist persists an entry and invalidates the tenant snapshot.
func (e *Engine) AddWhitelist(tenant string, kind Kind, value string, src Source, expires *time.Time) (WhitelistEntry, error) {
	switch kind {
	case KindIP:
		if net.ParseIP(value) == nil {
			return WhitelistEntry{}, fmt.Errorf("%w: %q is not an address", ErrBadValue, value)
		}
	case KindCIDR:
		if _, _, err := net.ParseCIDR(value); err != nil {
			return WhitelistEntry{}, fmt.Errorf("%w: %v", ErrBadValue, err)
		}
	case KindUserAgent, KindUsername:
		if value == `` {
			return WhitelistEntry{}, ErrBadValue
		}
	default:
		return WhitelistEntry{}, ErrBadKind
	}
	ent := WhitelistEntry{
		TenantID:  tenant,
		Kind:      kind,
		Value:     value,
		Source:    src,
		ExpiresAt: expires,
		CreatedAt: e.now(),
	}
	v, err := json.Marshal(ent)
	if err != nil {
		return WhitelistEntry{}, err
	}
	key := keyWhitelist + string(kind) + `:` + value
	if err = e.st.Put(store.BucketWhitelists, tenant, []byte(key), v); err != nil {
		return WhitelistEntry{}, err
	}
	e.snaps.invalidate(tenant)
	e.lg.Info("whitelist entry added",
		log.KV("tenant", tenant),
		log.KV("kind", kind),
		log.KV("value", value),
		log.KV("source", src))
	return ent, nil
}

func (e *Engine) RemoveWhitelist(tenant string, kind Kind, value string) error {
	key := keyWhitelist + string(kind) + `:` + value
	if err := e.st.Delete(store.BucketWhitelists, tenant, []byte(key)); err != nil {
		return err
	}
	e.snaps.invalidate(tenant)
	return nil
}

func (e *Engine) ListWhitelist(tenant string) (out []WhitelistEntry, err error) {
	now := e.now()
	err = e.st.Scan(store.BucketWhitelists, tenant, func(k, v []byte) error {
		if !strings.HasPrefix(string(k), keyWhitelist) {
			return nil
		}
		var ent WhitelistEntry
		if err := json.Unmarshal(v, &ent); err != nil {
			return nil
		}
		if !ent.expired(now) {
			out = append(out, ent)
		}
		return nil
	})
	return
}

func (e *Engine) SetBusinessHours(tenant string, bh BusinessHours) error {
	v, err := json.Marshal(bh)
	if err != nil {
		return err
	}
	if err = e.st.Put(store.BucketWhitelists, tenant, []byte(keyBizHours), v); err != nil {
		return err
	}
	e.snaps.invalidate(tenant)
	return nil
}

func (e *Engine) OpenMaintenanceWindow(tenant string, mw MaintenanceWindow) (MaintenanceWindow, error) {
	if !mw.To.After(mw.From) {
		return MaintenanceWindow{}, ErrBadWindow
	}
	if mw.ID == `` {
		mw.ID = uuid.New().String()
	}
	v, err := json.Marshal(mw)
	if err != nil {
		return MaintenanceWindow{}, err
	}
	if err = e.st.Put(store.BucketWhitelists, tenant, []byte(keyMaintenance+mw.ID), v); err != nil {
		return MaintenanceWindow{}, err
	}
	e.snaps.invalidate(tenant)
	e.lg.Info("maintenance window opened",
		log.KV("tenant", tenant),
		log.KV("id", mw.ID),
		log.KV("until", mw.To))
	return mw, nil
}

// StaticMatch checks ip against the static and learned whitelist; the
// returned entry names the matching value for the audit log.
func (e *Engine) StaticMatch(tenant string, ip net.IP) (entry string, ok bool) {
	if ip == nil {
		return
	}
	s := e.snaps.get(tenant)
	if s == nil {
		return
	}
	now := e.now()
	if ent, hit := s.exactIPs[ip.String()]; hit && !ent.expired(now) {
		return ent.Value, true
	}
	if s.cidrs != nil {
		if v, err := s.cidrs.FindCIDR(ip.String()); err == nil && v != nil {
			if ent, isEnt := v.(*WhitelistEntry); isEnt && !ent.expired(now) {
				return ent.Value, true
			}
		}
	}
	return
}

// UserWhitelisted checks the exact username whitelist.
func (e *Engine) UserWhitelisted(tenant, user string) bool {
	if user == `` {
		return false
	}
	s := e.snaps.get(tenant)
	if s == nil {
		return false
	}
	ent, ok := s.exactUsers[user]
	return ok && !ent.expired(e.now())
}

// RecordSuccess feeds the dynamic whitelist.  Each successful auth slides
// the source's 24 hour window forward; once it holds threshold entries the
// address is promoted to a learned whitelist entry for audit visibility.
func (e *Engine) RecordSuccess(ctx context.Context, tenant string, ip net.IP, ref string, ts time.Time) {
	if ip == nil {
		return
	}
	key := `dw:` + tenant + `:` + ip.String()
	n, err := e.soft.WindowAdd(ctx, key, ref, ts, e.cfg.DynamicTTL)
	if err != nil {
		e.mets.StateDropped.Inc()
		return
	}
	if n == e.cfg.DynamicThreshold {
		exp := ts.Add(e.cfg.DynamicTTL)
		if _, err := e.AddWhitelist(tenant, KindIP, ip.String(), SourceLearned, &exp); err != nil {
			e.lg.Warn("failed to persist learned whitelist entry",
				log.KV("tenant", tenant),
				log.KV("ip", ip),
				log.KVErr(err))
		}
	}
}

// DynamicCount returns the successful auth count for ip in the trailing
// window.
func (e *Engine) DynamicCount(ctx context.Context, tenant string, ip net.IP, now time.Time) int {
	if ip == nil {
		return 0
	}
	key := `dw:` + tenant + `:` + ip.String()
	members, err := e.soft.WindowMembers(ctx, key, now.Add(-e.cfg.DynamicTTL))
	if err != nil {
		return 0
	}
	return len(members)
}

func (e *Engine) DynamicThreshold() int {
	return e.cfg.DynamicThreshold
}

// BusinessHours returns the tenant's configuration and whether one is set.
func (e *Engine) BusinessHours(tenant string) (BusinessHours, bool) {
	s := e.snaps.get(tenant)
	if s == nil || s.bizHours == nil {
		return BusinessHours{}, false
	}
	return *s.bizHours, true
}

// InMaintenance reports whether an active window authorizes ip right now.
func (e *Engine) InMaintenance(tenant string, ip net.IP, now time.Time) bool {
	if ip == nil {
		return false
	}
	s := e.snaps.get(tenant)
	if s == nil {
		return false
	}
	for _, mw := range s.maintenance {
		if !mw.active(now) {
			continue
		}
		for _, a := range mw.AuthorizedIPs {
			if a == ip.String() {
				return true
			}
			if _, ipn, err := net.ParseCIDR(a); err == nil && ipn.Contains(ip) {
				return true
			}
		}
	}
	return false
}

// build assembles a fresh snapshot from the durable store.
func (e *Engine) build(tenant string) *snapshot {
	s := &snapshot{
		exactIPs:   map[string]*WhitelistEntry{},
		exactUsers: map[string]*WhitelistEntry{},
	}
	now := e.now()
	err := e.st.Scan(store.BucketWhitelists, tenant, func(k, v []byte) error {
		key := string(k)
		switch {
		case key == keyBizHours:
			var bh BusinessHours
			if json.Unmarshal(v, &bh) == nil {
				s.bizHours = &bh
			}
		case strings.HasPrefix(key, keyMaintenance):
			var mw MaintenanceWindow
			if json.Unmarshal(v, &mw) == nil && now.Before(mw.To) {
				s.maintenance = append(s.maintenance, mw)
			}
		case strings.HasPrefix(key, keyWhitelist):
			var ent WhitelistEntry
			if json.Unmarshal(v, &ent) != nil || ent.expired(now) {
				return nil
			}
			switch ent.Kind {
			case KindIP:
				s.exactIPs[ent.Value] = &ent
			case KindUsername:
				s.exactUsers[ent.Value] = &ent
			case KindUserAgent:
				// matched upstream via tags; kept for listing only
			case KindCIDR:
				if s.cidrs == nil {
					s.cidrs = nradix.NewTree(0)
				}
				if err := s.cidrs.AddCIDR(ent.Value, &ent); err != nil {
					e.lg.Warn("skipping bad whitelist CIDR",
						log.KV("tenant", tenant),
						log.KV("value", ent.Value),
						log.KVErr(err))
				}
			}
		}
		return nil
	})
	if err != nil {
		e.lg.Error("failed to build policy snapshot", log.KV("tenant", tenant), log.KVErr(err))
	}
	return s
}
