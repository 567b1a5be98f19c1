/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package enrich attributes parsed events to tenants and classifies them.
// Tenant resolution is the single discard path, an event that no tenant
// CIDR claims never enters the pipeline.  Everything else is deterministic
// derivation from the parsed fields.
package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravwell/gravwell/v3/ingest/log"

	"github.com/vigil-siem/vigil/events"
	"github.com/vigil-siem/vigil/metrics"
)

const (
	geoCacheTTL = time.Hour
	geoTimeout  = 250 * time.Millisecond
)

// GeoFunc resolves a source address to an ISO country code.  The lookup is
// external and may be slow; the enricher bounds it with a deadline and
// proceeds without geo data on failure.
type GeoFunc func(ctx context.Context, ip net.IP) (string, error)

var (
	failureRE = regexp.MustCompile(`(?i)(failed password|authentication failure|invalid user|login_failure)`)
	successRE = regexp.MustCompile(`(?i)(accepted password|session opened|login_success)`)
	fwAppRE   = regexp.MustCompile(`(?i)(kernel|iptables|firewall)`)
	synRE     = regexp.MustCompile(`(?i)(SYN|connection attempt|new connection)`)
	dptRE     = regexp.MustCompile(`DPT=(\d{1,5})`)
	dstPortRE = regexp.MustCompile(`(?i)(?:dst|destination)[ :]*port[ =:]*(\d{1,5})`)

	// ordered, first match wins
	userREs = []*regexp.Regexp{
		regexp.MustCompile(`(?i)invalid user (\S+)`),
		regexp.MustCompile(`(?i)(?:failed password|accepted password) for (\S+)`),
		regexp.MustCompile(`(?i)session opened for user (\S+)`),
		regexp.MustCompile(`(?i)\buser[= ](\S+)`),
	}
)

// serviceTable maps app names to target services; unlisted apps are
// classified by prefix below.
var serviceTable = map[string]string{
	`sshd`:       `ssh`,
	`ssh`:        `ssh`,
	`dropbear`:   `ssh`,
	`nginx`:      `web`,
	`httpd`:      `web`,
	`apache`:     `web`,
	`apache2`:    `web`,
	`caddy`:      `web`,
	`xrdp`:       `rdp`,
	`rdp`:        `rdp`,
	`openvpn`:    `vpn`,
	`wireguard`:  `vpn`,
	`strongswan`: `vpn`,
	`pppd`:       `vpn`,
}

type Enricher struct {
	tenants *TenantTable
	geo     GeoFunc
	lg      *log.Logger
	mets    *metrics.Metrics

	mtx      sync.Mutex
	geoCache map[string]geoHit
	now      func() time.Time
}

type geoHit struct {
	country string
	exp     time.Time
}

func New(tenants *TenantTable, geo GeoFunc, lg *log.Logger, mets *metrics.Metrics) *Enricher {
	return &Enricher{
		tenants:  tenants,
		geo:      geo,
		lg:       lg,
		mets:     mets,
		geoCache: map[string]geoHit{},
		now:      time.Now,
	}
}

// Enrich resolves the tenant and derives classification for a parsed
// event.  ErrUnknownTenant is the only error; the caller discards and
// counts.
func (e *Enricher) Enrich(ctx context.Context, p *events.Parsed) (ev *events.Enriched, err error) {
	tenant, err := e.tenants.Resolve(p.SourceIP)
	if err != nil {
		e.mets.UnknownTenant.Inc()
		return
	}
	ev = &events.Enriched{
		Parsed:   *p,
		TenantID: tenant,
	}
	ev.Type = classify(p)
	ev.Username = extractUser(p)
	ev.Service = classifyService(p.AppName)
	if ev.Type == events.TypePortConnect {
		ev.DstPort = extractDstPort(p.Message)
	}
	if ua := p.SDValue(`user_agent`); ua != `` {
		sum := sha256.Sum256([]byte(ua + p.Hostname))
		ev.DeviceFP = hex.EncodeToString(sum[:])[:16]
		ev.Tags = append(ev.Tags, `ua:`+uaClass(ua))
	}
	if e.geo != nil {
		if cc := e.lookupGeo(ctx, p.SourceIP); cc != `` {
			ev.GeoCountry = cc
		}
	}
	return
}

// classify applies the derivation table: structured data wins, then
// message patterns.
func classify(p *events.Parsed) events.Type {
	switch p.SDValue(`event_type`) {
	case `login_failure`:
		return events.TypeAuthFailure
	case `login_success`:
		return events.TypeAuthSuccess
	}
	if failureRE.MatchString(p.Message) {
		return events.TypeAuthFailure
	}
	if successRE.MatchString(p.Message) {
		return events.TypeAuthSuccess
	}
	if fwAppRE.MatchString(p.AppName) && synRE.MatchString(p.Message) {
		return events.TypePortConnect
	}
	return events.TypeOther
}

func extractUser(p *events.Parsed) string {
	if u := p.SDValue(`username`); u != `` {
		return u
	}
	for _, re := range userREs {
		if m := re.FindStringSubmatch(p.Message); m != nil {
			return strings.Trim(m[1], `'"`)
		}
	}
	return ``
}

func classifyService(app string) string {
	app = strings.ToLower(app)
	if svc, ok := serviceTable[app]; ok {
		return svc
	}
	switch {
	case strings.HasPrefix(app, `api`), strings.HasSuffix(app, `-api`), strings.HasSuffix(app, `_api`):
		return `api`
	case app == ``:
		return `other`
	}
	return `other`
}

func extractDstPort(msg string) int {
	m := dptRE.FindStringSubmatch(msg)
	if m == nil {
		m = dstPortRE.FindStringSubmatch(msg)
	}
	if m == nil {
		return 0
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port > 65535 {
		return 0
	}
	return port
}

func uaClass(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case strings.Contains(ua, `curl`):
		return `curl`
	case strings.Contains(ua, `python-requests`):
		return `python-requests`
	case strings.Contains(ua, `java/`):
		return `java`
	case strings.Contains(ua, `go-http`):
		return `go-http`
	}
	return `browser`
}

func (e *Enricher) lookupGeo(ctx context.Context, ip net.IP) string {
	if ip == nil {
		return ``
	}
	key := ip.String()
	now := e.now()
	e.mtx.Lock()
	if h, ok := e.geoCache[key]; ok && now.Before(h.exp) {
		e.mtx.Unlock()
		return h.country
	}
	e.mtx.Unlock()

	gctx, cf := context.WithTimeout(ctx, geoTimeout)
	defer cf()
	cc, err := e.geo(gctx, ip)
	if err != nil {
		if gctx.Err() != nil {
			e.mets.GeoTimeouts.Inc()
		}
		return ``
	}
	e.mtx.Lock()
	e.geoCache[key] = geoHit{country: cc, exp: now.Add(geoCacheTTL)}
	e.mtx.Unlock()
	return cc
}
