/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/gravwell/gravwell/v3/ingest/log"
	"github.com/stretchr/testify/require"

	"github.com/vigil-siem/vigil/detect"
	"github.com/vigil-siem/vigil/metrics"
	"github.com/vigil-siem/vigil/state"
)

var testMetrics = metrics.New()

func testCorrelator(t *testing.T) *Correlator {
	t.Helper()
	st := state.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return New(Config{}, st, log.NewDiscardLogger(), testMetrics)
}

func candidate(user, ip, svc string, ts time.Time) *detect.Candidate {
	return &detect.Candidate{
		TenantID:     `t1`,
		Kind:         detect.KindBruteForceSingle,
		SourceIPs:    []string{ip},
		Usernames:    []string{user},
		Services:     []string{svc},
		Count:        5,
		Threshold:    5,
		Confidence:   0.4,
		FirstEventAt: ts.Add(-time.Minute),
		LastEventAt:  ts,
		Evidence:     []detect.Evidence{{Partition: 0, Offset: ts.UnixNano()}},
	}
}

func TestCrossService(t *testing.T) {
	c := testCorrelator(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	out, err := c.Process(context.Background(), candidate(`alice`, `203.0.113.10`, `ssh`, base))
	require.NoError(t, err)
	require.Empty(t, out)

	out, err = c.Process(context.Background(), candidate(`alice`, `203.0.113.10`, `web`, base.Add(2*time.Minute)))
	require.NoError(t, err)
	require.Len(t, out, 1)
	cc := out[0]
	require.Equal(t, detect.KindBruteForceCross, cc.Kind)
	require.Equal(t, PatternCrossService, cc.Pattern)
	require.ElementsMatch(t, []string{`ssh`, `web`}, cc.Services)
	require.InDelta(t, 0.6, cc.Confidence, 1e-9)
}

func TestCrossServiceNeedsSameIP(t *testing.T) {
	c := testCorrelator(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	_, err := c.Process(context.Background(), candidate(`alice`, `203.0.113.10`, `ssh`, base))
	require.NoError(t, err)
	out, err := c.Process(context.Background(), candidate(`alice`, `203.0.113.11`, `web`, base.Add(time.Minute)))
	require.NoError(t, err)
	for _, cc := range out {
		require.NotEqual(t, detect.KindBruteForceCross, cc.Kind)
	}
}

func TestCrossServiceWindowExpires(t *testing.T) {
	c := testCorrelator(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	_, err := c.Process(context.Background(), candidate(`alice`, `203.0.113.10`, `ssh`, base))
	require.NoError(t, err)
	out, err := c.Process(context.Background(), candidate(`alice`, `203.0.113.10`, `web`, base.Add(DefaultWindow+time.Minute)))
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestParallelUsers(t *testing.T) {
	c := testCorrelator(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	users := []string{`alice`, `bob`, `carol`}
	var found *detect.Candidate
	for i, u := range users {
		out, err := c.Process(context.Background(), candidate(u, `203.0.113.10`, `ssh`, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		for _, cc := range out {
			if cc.Pattern == PatternParallel {
				found = cc
			}
		}
	}
	require.NotNil(t, found)
	require.Equal(t, detect.KindCorrelation, found.Kind)
	require.ElementsMatch(t, []string{`alice`, `bob`, `carol`}, found.Usernames)
	require.Equal(t, []string{`203.0.113.10`}, found.SourceIPs)
}

func TestGeoSpreadAnnotation(t *testing.T) {
	c := testCorrelator(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	d1 := candidate(`bob`, `203.0.113.11`, `ssh`, base)
	d1.Kind = detect.KindBruteForceDistributed
	d1.GeoCountries = []string{`NL`}
	_, err := c.Process(context.Background(), d1)
	require.NoError(t, err)
	require.Empty(t, d1.Pattern)

	d2 := candidate(`bob`, `203.0.113.12`, `ssh`, base.Add(time.Minute))
	d2.Kind = detect.KindBruteForceDistributed
	d2.GeoCountries = []string{`BR`}
	_, err = c.Process(context.Background(), d2)
	require.NoError(t, err)
	require.Equal(t, `geo_spread`, d2.Pattern)
	require.ElementsMatch(t, []string{`NL`, `BR`}, d2.GeoCountries)
}
