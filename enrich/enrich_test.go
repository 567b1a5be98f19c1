/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package enrich

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gravwell/gravwell/v3/ingest/log"
	"github.com/stretchr/testify/require"

	"github.com/vigil-siem/vigil/events"
	"github.com/vigil-siem/vigil/metrics"
)

var testMetrics = metrics.New()

func testEnricher(t *testing.T, geo GeoFunc) *Enricher {
	t.Helper()
	tt, err := NewTenantTable(map[string][]string{
		`acme`:   {`203.0.113.0/24`, `10.1.0.0/16`},
		`globex`: {`198.51.100.0/24`},
	})
	require.NoError(t, err)
	return New(tt, geo, log.NewDiscardLogger(), testMetrics)
}

func parsed(app, msg string, src string) *events.Parsed {
	return &events.Parsed{
		Timestamp: time.Now(),
		AppName:   app,
		Message:   msg,
		SourceIP:  net.ParseIP(src),
	}
}

func TestTenantResolution(t *testing.T) {
	e := testEnricher(t, nil)
	ev, err := e.Enrich(context.Background(), parsed(`sshd`, `hello`, `203.0.113.9`))
	require.NoError(t, err)
	require.Equal(t, `acme`, ev.TenantID)

	ev, err = e.Enrich(context.Background(), parsed(`sshd`, `hello`, `198.51.100.1`))
	require.NoError(t, err)
	require.Equal(t, `globex`, ev.TenantID)

	_, err = e.Enrich(context.Background(), parsed(`sshd`, `hello`, `192.0.2.1`))
	require.ErrorIs(t, err, ErrUnknownTenant)
}

func TestTenantLongestPrefix(t *testing.T) {
	tt, err := NewTenantTable(map[string][]string{
		`wide`:   {`10.0.0.0/8`},
		`narrow`: {`10.1.2.0/24`},
	})
	require.NoError(t, err)
	tenant, err := tt.Resolve(net.ParseIP(`10.1.2.3`))
	require.NoError(t, err)
	require.Equal(t, `narrow`, tenant)
	tenant, err = tt.Resolve(net.ParseIP(`10.9.9.9`))
	require.NoError(t, err)
	require.Equal(t, `wide`, tenant)
}

func TestClassification(t *testing.T) {
	tsts := []struct {
		app  string
		msg  string
		sd   map[string]map[string]string
		want events.Type
	}{
		{app: `sshd`, msg: `Failed password for alice from 1.2.3.4`, want: events.TypeAuthFailure},
		{app: `sshd`, msg: `pam_unix: authentication failure`, want: events.TypeAuthFailure},
		{app: `sshd`, msg: `Invalid user admin from 1.2.3.4`, want: events.TypeAuthFailure},
		{app: `sshd`, msg: `Accepted password for alice`, want: events.TypeAuthSuccess},
		{app: `sshd`, msg: `pam_unix(sshd:session): session opened for user alice`, want: events.TypeAuthSuccess},
		{app: `kernel`, msg: `IN=eth0 SYN DPT=443`, want: events.TypePortConnect},
		{app: `iptables`, msg: `connection attempt DPT=22`, want: events.TypePortConnect},
		{app: `sshd`, msg: `Connection reset by peer`, want: events.TypeOther},
		// structured data wins over message content
		{app: `webapp`, msg: `request complete`,
			sd: map[string]map[string]string{`auth@1`: {`event_type`: `login_failure`}}, want: events.TypeAuthFailure},
		{app: `webapp`, msg: `request complete`,
			sd: map[string]map[string]string{`auth@1`: {`event_type`: `login_success`}}, want: events.TypeAuthSuccess},
	}
	for _, tst := range tsts {
		p := &events.Parsed{AppName: tst.app, Message: tst.msg, Structured: tst.sd}
		if got := classify(p); got != tst.want {
			t.Fatalf("%s %q: classified %v, want %v", tst.app, tst.msg, got, tst.want)
		}
	}
}

func TestUsernameExtraction(t *testing.T) {
	tsts := []struct {
		msg  string
		sd   map[string]map[string]string
		want string
	}{
		{msg: `Failed password for alice@example.com from 1.2.3.4 port 22 ssh2`, want: `alice@example.com`},
		{msg: `Invalid user admin from 1.2.3.4`, want: `admin`},
		{msg: `Accepted password for bob from 1.2.3.4`, want: `bob`},
		{msg: `session opened for user carol by (uid=0)`, want: `carol`},
		{msg: `nothing here`, want: ``},
		{msg: `ignored`, sd: map[string]map[string]string{`auth@1`: {`username`: `dave`}}, want: `dave`},
	}
	for _, tst := range tsts {
		p := &events.Parsed{Message: tst.msg, Structured: tst.sd}
		if got := extractUser(p); got != tst.want {
			t.Fatalf("%q: user %q, want %q", tst.msg, got, tst.want)
		}
	}
}

func TestServiceClassification(t *testing.T) {
	tsts := map[string]string{
		`sshd`:        `ssh`,
		`SSHD`:        `ssh`,
		`nginx`:       `web`,
		`xrdp`:        `rdp`,
		`openvpn`:     `vpn`,
		`api-gw`:      `api`,
		`apid`:        `api`,
		`billing-api`: `api`,
		`cron`:        `other`,
		``:            `other`,
	}
	for app, want := range tsts {
		if got := classifyService(app); got != want {
			t.Fatalf("%q: service %q, want %q", app, got, want)
		}
	}
}

func TestDstPortExtraction(t *testing.T) {
	tsts := map[string]int{
		`IN=eth0 OUT= SRC=1.2.3.4 DST=5.6.7.8 PROTO=TCP SPT=5555 DPT=443 SYN`: 443,
		`new connection to dst port 3389`: 3389,
		`DPT=99999 overflow`:              0,
		`no port at all`:                  0,
	}
	for msg, want := range tsts {
		if got := extractDstPort(msg); got != want {
			t.Fatalf("%q: port %d, want %d", msg, got, want)
		}
	}
}

func TestDeviceFingerprint(t *testing.T) {
	e := testEnricher(t, nil)
	p := parsed(`webapp`, `login_success`, `203.0.113.9`)
	p.Hostname = `edge1`
	p.Structured = map[string]map[string]string{`auth@1`: {`user_agent`: `curl/8.1`}}
	ev, err := e.Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, ev.DeviceFP, 16)
	require.Contains(t, ev.Tags, `ua:curl`)

	// deterministic
	ev2, err := e.Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, ev.DeviceFP, ev2.DeviceFP)
}

func TestGeoCaching(t *testing.T) {
	var calls int
	geo := func(ctx context.Context, ip net.IP) (string, error) {
		calls++
		return `NL`, nil
	}
	e := testEnricher(t, geo)
	for i := 0; i < 5; i++ {
		ev, err := e.Enrich(context.Background(), parsed(`sshd`, `hi`, `203.0.113.9`))
		require.NoError(t, err)
		require.Equal(t, `NL`, ev.GeoCountry)
	}
	require.Equal(t, 1, calls)
}

func TestGeoFailureIsNotFatal(t *testing.T) {
	geo := func(ctx context.Context, ip net.IP) (string, error) {
		return ``, errors.New(`lookup backend down`)
	}
	e := testEnricher(t, geo)
	ev, err := e.Enrich(context.Background(), parsed(`sshd`, `hi`, `203.0.113.9`))
	require.NoError(t, err)
	require.Equal(t, ``, ev.GeoCountry)
}
