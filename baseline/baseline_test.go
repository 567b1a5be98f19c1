/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package baseline

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravwell/gravwell/v3/ingest/log"
	"github.com/stretchr/testify/require"

	"github.com/vigil-siem/vigil/events"
	"github.com/vigil-siem/vigil/metrics"
	"github.com/vigil-siem/vigil/store"
)

var testMetrics = metrics.New()

func success(user, ip, cc string, ts time.Time) *events.Enriched {
	return &events.Enriched{
		Parsed: events.Parsed{
			Timestamp: ts,
			SourceIP:  net.ParseIP(ip),
		},
		TenantID:   `acme`,
		Type:       events.TypeAuthSuccess,
		Username:   user,
		GeoCountry: cc,
	}
}

func TestConfidence(t *testing.T) {
	b := NewUserBaseline(`acme`, `alice`)
	require.Equal(t, 0.0, b.Confidence())
	require.False(t, b.HighConfidence())
	ts := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		b.ObserveSuccess(success(`alice`, `10.0.0.1`, `NL`, ts))
	}
	require.InDelta(t, 0.5, b.Confidence(), 1e-9)
	for i := 0; i < 5; i++ {
		b.ObserveSuccess(success(`alice`, `10.0.0.1`, `NL`, ts))
	}
	require.Equal(t, 1.0, b.Confidence())
	require.True(t, b.HighConfidence())
}

func TestLRUBounds(t *testing.T) {
	b := NewUserBaseline(`acme`, `alice`)
	ts := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < maxIPs+10; i++ {
		b.ObserveSuccess(success(`alice`, fmt.Sprintf("10.0.%d.%d", i/256, i%256), ``, ts))
	}
	require.Len(t, b.TypicalIPs, maxIPs)
	// most recent first, oldest evicted
	require.Equal(t, "10.0.0.59", b.TypicalIPs[0])
	require.False(t, b.KnowsIP(`10.0.0.0`))
	require.True(t, b.KnowsIP(`10.0.0.59`))
}

func TestLRUMoveToFront(t *testing.T) {
	l := lruAdd(nil, `a`, 3)
	l = lruAdd(l, `b`, 3)
	l = lruAdd(l, `c`, 3)
	l = lruAdd(l, `a`, 3)
	require.Equal(t, []string{`a`, `c`, `b`}, l)
	l = lruAdd(l, `d`, 3)
	require.Equal(t, []string{`d`, `a`, `c`}, l)
}

func TestWelfordDailyLogins(t *testing.T) {
	b := NewUserBaseline(`acme`, `alice`)
	// 3 logins a day for 4 days, the 4th day is still open so three
	// completed days feed the stats
	for day := 1; day <= 4; day++ {
		for i := 0; i < 3; i++ {
			ts := time.Date(2025, 6, day, 9+i, 0, 0, 0, time.UTC)
			b.ObserveSuccess(success(`alice`, `10.0.0.1`, ``, ts))
		}
	}
	require.Equal(t, 3, b.WelfordCount)
	require.InDelta(t, 3.0, b.AvgDailyLogins, 1e-9)
	require.InDelta(t, 0.0, b.StdevDailyLogins, 1e-9)
}

func TestFailureRateEWMA(t *testing.T) {
	b := NewUserBaseline(`acme`, `alice`)
	ts := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	ev := success(`alice`, `10.0.0.1`, ``, ts)
	fail := *ev
	fail.Type = events.TypeAuthFailure

	b.ObserveFailure(&fail)
	require.InDelta(t, 0.1, b.AvgFailureRate, 1e-9)
	b.ObserveSuccess(ev)
	require.InDelta(t, 0.09, b.AvgFailureRate, 1e-9)
}

func TestProfileHeuristics(t *testing.T) {
	tsts := []struct {
		user  string
		ua    string
		hours []float64
		want  Profile
	}{
		{user: `api_bot`, want: ProfileServiceAccount},
		{user: `backup-service`, want: ProfileServiceAccount},
		{user: `monitor1`, want: ProfileServiceAccount},
		{user: `alice`, ua: `curl/8.1`, want: ProfileServiceAccount},
		{user: `alice`, ua: `python-requests/2.31`, want: ProfileServiceAccount},
		{user: `alice`, ua: `Mozilla/5.0`, want: ProfileHuman},
		{user: `alice`, want: ProfileHuman},
	}
	for _, tst := range tsts {
		if got := profileFor(tst.user, tst.ua, tst.hours); got != tst.want {
			t.Fatalf("%s/%s: profile %s, want %s", tst.user, tst.ua, got, tst.want)
		}
	}

	// tight login hours across >= 20 logins marks a service account even
	// with a human looking name
	tight := make([]float64, 25)
	for i := range tight {
		tight[i] = 3
	}
	require.Equal(t, ProfileServiceAccount, profileFor(`alice`, ``, tight))

	spread := []float64{1, 4, 9, 14, 20, 23, 2, 8, 13, 17, 22, 0, 6, 11, 15, 19, 21, 3, 7, 12, 16}
	require.Equal(t, ProfileHuman, profileFor(`alice`, ``, spread))
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), `vigil.db`))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(st, log.NewDiscardLogger(), testMetrics, 16)
}

func TestManagerObserveAndGet(t *testing.T) {
	m := testManager(t)
	m.Start()
	defer m.Close()

	_, err := m.Get(`acme`, `alice`)
	require.ErrorIs(t, err, ErrNotFound)

	ts := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		m.Observe(success(`alice`, `10.0.0.1`, `NL`, ts))
	}
	require.Eventually(t, func() bool {
		b, err := m.Get(`acme`, `alice`)
		return err == nil && b.SampleCount == 12
	}, 5*time.Second, 10*time.Millisecond)

	b, err := m.Get(`acme`, `alice`)
	require.NoError(t, err)
	require.True(t, b.HighConfidence())
	require.True(t, b.KnowsIP(`10.0.0.1`))
	require.True(t, b.KnowsCountry(`NL`))
	require.True(t, b.KnowsHour(9))
}

func TestManagerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, `vigil.db`))
	require.NoError(t, err)
	m := NewManager(st, log.NewDiscardLogger(), testMetrics, 16)
	m.Start()
	ts := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	m.Observe(success(`alice`, `10.0.0.1`, ``, ts))
	require.Eventually(t, func() bool {
		b, err := m.Get(`acme`, `alice`)
		return err == nil && b.SampleCount == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Close())
	require.NoError(t, st.Close())

	st2, err := store.Open(filepath.Join(dir, `vigil.db`))
	require.NoError(t, err)
	defer st2.Close()
	m2 := NewManager(st2, log.NewDiscardLogger(), testMetrics, 16)
	b, err := m2.Get(`acme`, `alice`)
	require.NoError(t, err)
	require.Equal(t, 1, b.SampleCount)
}

func TestRebuildFromArchive(t *testing.T) {
	m := testManager(t)
	base := time.Now().Add(-48 * time.Hour)
	for i := 0; i < 25; i++ {
		ev := success(`api_bot`, `10.0.0.9`, ``, base.Add(time.Duration(i)*time.Hour))
		v, err := events.Encode(ev)
		require.NoError(t, err)
		require.NoError(t, m.st.Append(store.BucketEvents, `acme`, ev.Timestamp, v))
	}
	b, err := m.RebuildUser(context.Background(), `acme`, `api_bot`)
	require.NoError(t, err)
	require.Equal(t, 25, b.SampleCount)
	require.Equal(t, ProfileServiceAccount, b.ProfileType)

	// rebuilt profile is persisted and readable through Get
	got, err := m.Get(`acme`, `api_bot`)
	require.NoError(t, err)
	require.Equal(t, ProfileServiceAccount, got.ProfileType)
}
