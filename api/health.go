/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package api

import "sync"

type HealthStatus string

const (
	HealthOK       HealthStatus = `ok`
	HealthDegraded HealthStatus = `degraded`
	HealthDown     HealthStatus = `down`
)

// HealthRegistry tracks component liveness as reported by the pipeline.
// Components start as down and flip to ok once running.
type HealthRegistry struct {
	mtx        sync.Mutex
	components map[string]HealthStatus
}

func NewHealthRegistry(components ...string) *HealthRegistry {
	h := &HealthRegistry{components: map[string]HealthStatus{}}
	for _, c := range components {
		h.components[c] = HealthDown
	}
	return h
}

func (h *HealthRegistry) Set(component string, st HealthStatus) {
	h.mtx.Lock()
	h.components[component] = st
	h.mtx.Unlock()
}

func (h *HealthRegistry) Snapshot() map[string]HealthStatus {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	out := make(map[string]HealthStatus, len(h.components))
	for k, v := range h.components {
		out[k] = v
	}
	return out
}

// Healthy reports whether every component is ok.
func (h *HealthRegistry) Healthy() bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, v := range h.components {
		if v != HealthOK {
			return false
		}
	}
	return true
}
