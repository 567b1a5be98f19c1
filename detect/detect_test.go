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
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravwell/gravwell/v3/ingest/log"
	"github.com/stretchr/testify/require"

	"github.com/vigil-siem/vigil/baseline"
	"github.com/vigil-siem/vigil/bus"
	"github.com/vigil-siem/vigil/events"
	"github.com/vigil-siem/vigil/metrics"
	"github.com/vigil-siem/vigil/state"
	"github.com/vigil-siem/vigil/store"
)

var testMetrics = metrics.New()

func failure(tenant, ip, user string, ts time.Time) *events.Enriched {
	return &events.Enriched{
		Parsed: events.Parsed{
			Timestamp: ts,
			SourceIP:  net.ParseIP(ip),
		},
		TenantID: tenant,
		Type:     events.TypeAuthFailure,
		Username: user,
		Service:  `ssh`,
	}
}

func record(off int64, ev *events.Enriched) bus.Record {
	return bus.Record{Partition: 0, Offset: off, Event: ev}
}

func testBruteForce(t *testing.T, bl *baseline.Manager) *BruteForce {
	t.Helper()
	st := state.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return NewBruteForce(BruteForceConfig{}, st, bl, log.NewDiscardLogger(), testMetrics)
}

func TestBelowThresholdStaysQuiet(t *testing.T) {
	d := testBruteForce(t, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// exactly T-1 failures, nothing may fire
	for i := 0; i < DefaultThreshold-1; i++ {
		out, err := d.Process(context.Background(), record(int64(i), failure(`t1`, `203.0.113.10`, `alice@example.com`, base.Add(time.Duration(i)*time.Second))))
		require.NoError(t, err)
		require.Empty(t, out)
	}
}

func TestThresholdFiresAtExactlyT(t *testing.T) {
	d := testBruteForce(t, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var got []*Candidate
	for i := 0; i < DefaultThreshold; i++ {
		out, err := d.Process(context.Background(), record(int64(i), failure(`t1`, `203.0.113.10`, `alice@example.com`, base.Add(time.Duration(i)*time.Second))))
		require.NoError(t, err)
		got = append(got, out...)
	}
	require.Len(t, got, 1)
	c := got[0]
	require.Equal(t, KindBruteForceSingle, c.Kind)
	require.Equal(t, DefaultThreshold, c.Count)
	// confidence at exactly T is 1/T
	require.InDelta(t, 1.0/float64(DefaultThreshold), c.Confidence, 1e-9)
	require.Equal(t, []string{`203.0.113.10`}, c.SourceIPs)
	require.Equal(t, []string{`alice@example.com`}, c.Usernames)
	require.Len(t, c.Evidence, DefaultThreshold)
}

func TestSingleSourceSevenFailures(t *testing.T) {
	d := testBruteForce(t, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var last *Candidate
	for i := 0; i < 7; i++ {
		out, err := d.Process(context.Background(), record(int64(i), failure(`t1`, `203.0.113.10`, `alice@example.com`, base.Add(time.Duration(i*20)*time.Second))))
		require.NoError(t, err)
		if len(out) > 0 {
			last = out[len(out)-1]
		}
	}
	require.NotNil(t, last)
	require.Equal(t, 7, last.Count)
	require.InDelta(t, 0.6, last.Confidence, 1e-9)
}

func TestEvictionBoundary(t *testing.T) {
	d := testBruteForce(t, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// T-1 failures together, then two more past the window edge; the
	// early burst is evicted so the count never reaches T
	var fired []*Candidate
	for i := 0; i < DefaultThreshold-1; i++ {
		out, err := d.Process(context.Background(), record(int64(i), failure(`t1`, `203.0.113.10`, ``, base)))
		require.NoError(t, err)
		fired = append(fired, out...)
	}
	for i := 0; i < 2; i++ {
		out, err := d.Process(context.Background(), record(int64(90+i), failure(`t1`, `203.0.113.10`, ``, base.Add(DefaultWindow+time.Duration(i+1)*time.Second))))
		require.NoError(t, err)
		fired = append(fired, out...)
	}
	require.Empty(t, fired)
}

func TestEntryExactlyWindowOldSurvives(t *testing.T) {
	d := testBruteForce(t, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < DefaultThreshold-1; i++ {
		_, err := d.Process(context.Background(), record(int64(i), failure(`t1`, `203.0.113.10`, ``, base)))
		require.NoError(t, err)
	}
	// entries are distinct by offset so all T-1 sit at the same instant;
	// one more exactly window later keeps them all in scope
	out, err := d.Process(context.Background(), record(98, failure(`t1`, `203.0.113.10`, ``, base.Add(DefaultWindow))))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, DefaultThreshold, out[0].Count)
}

func TestRedeliveryDoesNotInflate(t *testing.T) {
	d := testBruteForce(t, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < DefaultThreshold-1; i++ {
		_, err := d.Process(context.Background(), record(int64(i), failure(`t1`, `203.0.113.10`, `alice`, base.Add(time.Duration(i)*time.Second))))
		require.NoError(t, err)
	}
	// same record redelivered must not push the window over threshold
	out, err := d.Process(context.Background(), record(0, failure(`t1`, `203.0.113.10`, `alice`, base)))
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestSuccessClearsIPWindowOnly(t *testing.T) {
	d := testBruteForce(t, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var fired []*Candidate
	for i := 0; i < 4; i++ {
		out, err := d.Process(context.Background(), record(int64(i), failure(`t1`, `203.0.113.20`, `carol@example.com`, base.Add(time.Duration(i)*time.Second))))
		require.NoError(t, err)
		fired = append(fired, out...)
	}
	ok := failure(`t1`, `203.0.113.20`, `carol@example.com`, base.Add(5*time.Second))
	ok.Type = events.TypeAuthSuccess
	_, err := d.Process(context.Background(), record(4, ok))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		out, err := d.Process(context.Background(), record(int64(10+i), failure(`t1`, `203.0.113.20`, `carol@example.com`, base.Add(time.Duration(6+i)*time.Second))))
		require.NoError(t, err)
		fired = append(fired, out...)
	}
	require.Empty(t, fired)
}

func TestDistributedAttack(t *testing.T) {
	d := testBruteForce(t, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ips := []string{
		`203.0.113.11`, `203.0.113.11`, `203.0.113.11`,
		`203.0.113.12`, `203.0.113.12`,
		`203.0.113.13`, `203.0.113.13`,
	}
	var last *Candidate
	for i, ip := range ips {
		out, err := d.Process(context.Background(), record(int64(i), failure(`t1`, ip, `bob@example.com`, base.Add(time.Duration(i*10)*time.Second))))
		require.NoError(t, err)
		if len(out) > 0 {
			last = out[len(out)-1]
		}
	}
	require.NotNil(t, last)
	require.Equal(t, KindBruteForceDistributed, last.Kind)
	require.Equal(t, 7, last.Count)
	require.ElementsMatch(t, []string{`203.0.113.11`, `203.0.113.12`, `203.0.113.13`}, last.SourceIPs)
	require.Equal(t, []string{`bob@example.com`}, last.Usernames)
	require.Len(t, last.Evidence, 7)
}

func TestDistributedNeedsThreeIPs(t *testing.T) {
	d := testBruteForce(t, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// 7 failures for one user but only two IPs; first IP alone crosses the
	// single source threshold, so single source fires instead
	ips := []string{`203.0.113.11`, `203.0.113.11`, `203.0.113.11`, `203.0.113.11`, `203.0.113.11`, `203.0.113.12`, `203.0.113.12`}
	var kinds []Kind
	for i, ip := range ips {
		out, err := d.Process(context.Background(), record(int64(i), failure(`t1`, ip, `bob@example.com`, base.Add(time.Duration(i)*time.Second))))
		require.NoError(t, err)
		for _, c := range out {
			kinds = append(kinds, c.Kind)
		}
	}
	require.NotEmpty(t, kinds)
	for _, k := range kinds {
		require.Equal(t, KindBruteForceSingle, k)
	}
}

func TestServiceAccountThreshold(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), `vigil.db`))
	require.NoError(t, err)
	defer st.Close()
	bl := baseline.NewManager(st, log.NewDiscardLogger(), testMetrics, 16)

	// seed a high confidence service account profile directly through the
	// archive and a rebuild
	base := time.Now().Add(-24 * time.Hour)
	for i := 0; i < 25; i++ {
		ev := failure(`t1`, `10.0.0.5`, `api_bot`, base.Add(time.Duration(i)*time.Hour))
		ev.Type = events.TypeAuthSuccess
		v, err := events.Encode(ev)
		require.NoError(t, err)
		require.NoError(t, st.Append(store.BucketEvents, `t1`, ev.Timestamp, v))
	}
	b, err := bl.RebuildUser(context.Background(), `t1`, `api_bot`)
	require.NoError(t, err)
	require.Equal(t, baseline.ProfileServiceAccount, b.ProfileType)
	require.True(t, b.HighConfidence())

	d := testBruteForce(t, bl)
	now := time.Now()
	var last *Candidate
	for i := 0; i < 6; i++ {
		// fresh source IP so the familiar-context bump stays out of play
		out, err := d.Process(context.Background(), record(int64(i), failure(`t1`, `172.16.0.99`, `api_bot`, now.Add(time.Duration(i)*time.Second))))
		require.NoError(t, err)
		if len(out) > 0 {
			last = out[len(out)-1]
		}
	}
	require.NotNil(t, last)
	// service accounts run at T = max(2, 5-3) = 2; six failures saturate
	require.Equal(t, 2, last.Threshold)
	require.Equal(t, 1.0, last.Confidence)
}

func TestPortScanDetection(t *testing.T) {
	st := state.NewMemoryStore()
	defer st.Close()
	d := NewPortScan(PortScanConfig{}, st, log.NewDiscardLogger(), testMetrics)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ports := []int{22, 23, 3389, 80, 443, 8080, 8443, 5985, 5986, 445}
	var last *Candidate
	for i, p := range ports {
		ev := failure(`t2`, `198.51.100.10`, ``, base.Add(time.Duration(i*5)*time.Second))
		ev.Type = events.TypePortConnect
		ev.DstPort = p
		out, err := d.Process(context.Background(), record(int64(i), ev))
		require.NoError(t, err)
		if len(out) > 0 {
			last = out[len(out)-1]
		}
	}
	require.NotNil(t, last)
	require.Equal(t, KindPortScan, last.Kind)
	require.Equal(t, ScanClassAdmin, last.ScanClass)
	require.Equal(t, 10, last.Count)
	require.InDelta(t, 0.8, last.Confidence, 1e-9)
	require.Len(t, last.Ports, 10)
}

func TestPortScanDuplicatePortsDoNotCount(t *testing.T) {
	st := state.NewMemoryStore()
	defer st.Close()
	d := NewPortScan(PortScanConfig{}, st, log.NewDiscardLogger(), testMetrics)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var fired []*Candidate
	for i := 0; i < 20; i++ {
		ev := failure(`t2`, `198.51.100.10`, ``, base.Add(time.Duration(i)*time.Second))
		ev.Type = events.TypePortConnect
		ev.DstPort = 22 + i%3 // only three distinct ports
		out, err := d.Process(context.Background(), record(int64(i), ev))
		require.NoError(t, err)
		fired = append(fired, out...)
	}
	require.Empty(t, fired)
}

func TestClassifyScan(t *testing.T) {
	tsts := []struct {
		ports []int
		want  string
	}{
		{ports: []int{22, 23, 3389, 5985, 80, 81, 82, 83, 84, 85}, want: ScanClassAdmin},
		{ports: []int{80, 443, 8080, 8443, 81, 82, 83, 84, 85, 86}, want: ScanClassWeb},
		{ports: []int{5, 50, 500, 5000, 50000, 6, 60, 600, 6000, 60000}, want: ScanClassComprehensive},
		{ports: []int{8081, 8082, 8083, 8084, 8085, 8086, 8087, 8088, 8089, 8090}, want: ScanClassGeneric},
	}
	for _, tst := range tsts {
		got, _ := classifyScan(tst.ports)
		if got != tst.want {
			t.Fatalf("%v: classified %s, want %s", tst.ports, got, tst.want)
		}
	}
}
