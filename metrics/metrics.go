/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package metrics holds the process-wide Prometheus counters for every
// drop, suppression, and error path in the pipeline.  The counters are
// registered once at startup and shared by reference.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	ParseErrors    prometheus.Counter
	UnknownTenant  prometheus.Counter
	GeoTimeouts    prometheus.Counter
	BusRetries     prometheus.Counter
	StateDropped   prometheus.Counter
	Candidates     *prometheus.CounterVec
	Suppressions   *prometheus.CounterVec
	AlertsCreated  prometheus.Counter
	AlertsMerged   prometheus.Counter
	AlertsDead     prometheus.Counter
	BaselineDrops  prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		FramesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_frames_received_total",
				Help: "Syslog frames accepted by the listeners",
			},
			[]string{"transport"},
		),
		FramesDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_frames_dropped_total",
				Help: "Frames dropped before parsing",
			},
			[]string{"reason"}, // oversize, buffer_full, read_error
		),
		ParseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vigil_parse_errors_total",
			Help: "Frames that fell through to the unknown format",
		}),
		UnknownTenant: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vigil_unknown_tenant_total",
			Help: "Events discarded because no tenant CIDR matched",
		}),
		GeoTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vigil_geo_timeouts_total",
			Help: "Geo lookups that timed out, event proceeded without geo",
		}),
		BusRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vigil_bus_publish_retries_total",
			Help: "Publish attempts retried against an unavailable bus",
		}),
		StateDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vigil_state_updates_dropped_total",
			Help: "Soft state updates dropped after CAS retry exhaustion",
		}),
		Candidates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_detection_candidates_total",
				Help: "Candidates emitted by the detectors",
			},
			[]string{"kind"},
		),
		Suppressions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_suppressions_total",
				Help: "Candidates suppressed by the false positive engine",
			},
			[]string{"rule"},
		),
		AlertsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vigil_alerts_created_total",
			Help: "New alert records created",
		}),
		AlertsMerged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vigil_alerts_merged_total",
			Help: "Candidates merged into an existing alert by fingerprint",
		}),
		AlertsDead: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vigil_alerts_deadlettered_total",
			Help: "Alerts sent to the dead letter log after persist failures",
		}),
		BaselineDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vigil_baseline_updates_dropped_total",
			Help: "Baseline updates dropped because the queue was full",
		}),
	}
}
