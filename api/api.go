/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package api exposes the query and control plane over HTTP: alert
// queries and lifecycle, baselines, tenant policy CRUD, detection stats,
// health, and the Prometheus scrape endpoint.  Authentication lives in
// the fronting admin gateway; this surface only enforces that a request
// scoped to one tenant cannot read another.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gravwell/gravwell/v3/ingest/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigil-siem/vigil/alerts"
	"github.com/vigil-siem/vigil/baseline"
	"github.com/vigil-siem/vigil/detect"
	"github.com/vigil-siem/vigil/policy"
)

const (
	errKindNotFound        = `not_found`
	errKindInvalidArgument = `invalid_argument`
	errKindTenantForbidden = `tenant_forbidden`
	errKindInternal        = `internal`

	tenantHeader = `X-Tenant-ID`

	maxPageSize = 500
)

type Server struct {
	alerts *alerts.Manager
	bl     *baseline.Manager
	pol    *policy.Engine
	health *HealthRegistry
	lg     *log.Logger
}

func NewServer(am *alerts.Manager, bl *baseline.Manager, pol *policy.Engine, health *HealthRegistry, lg *log.Logger) *Server {
	return &Server{alerts: am, bl: bl, pol: pol, health: health, lg: lg}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(`/healthz`, s.handleHealth).Methods(http.MethodGet)
	r.Handle(`/metrics`, promhttp.Handler()).Methods(http.MethodGet)

	t := r.PathPrefix(`/api/tenants/{tenant}`).Subrouter()
	t.Use(s.tenantGuard)
	t.HandleFunc(`/alerts`, s.handleListAlerts).Methods(http.MethodGet)
	t.HandleFunc(`/alerts/{id}`, s.handleGetAlert).Methods(http.MethodGet)
	t.HandleFunc(`/alerts/{id}/status`, s.handleSetStatus).Methods(http.MethodPut)
	t.HandleFunc(`/baselines/{user}`, s.handleGetBaseline).Methods(http.MethodGet)
	t.HandleFunc(`/stats`, s.handleStats).Methods(http.MethodGet)
	t.HandleFunc(`/whitelist`, s.handleListWhitelist).Methods(http.MethodGet)
	t.HandleFunc(`/whitelist`, s.handleAddWhitelist).Methods(http.MethodPost)
	// value may be a CIDR, so let it span slashes
	t.HandleFunc(`/whitelist/{kind}/{value:.+}`, s.handleRemoveWhitelist).Methods(http.MethodDelete)
	t.HandleFunc(`/business-hours`, s.handleSetBusinessHours).Methods(http.MethodPut)
	t.HandleFunc(`/maintenance`, s.handleOpenMaintenance).Methods(http.MethodPost)
	return r
}

// tenantGuard rejects requests whose authenticated tenant header names a
// different tenant than the path.  An absent header is trusted plumbing
// from the admin gateway.
func (s *Server) tenantGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := mux.Vars(r)[`tenant`]
		if tenant == `` {
			s.writeError(w, http.StatusBadRequest, errKindInvalidArgument, `missing tenant`)
			return
		}
		if hdr := r.Header.Get(tenantHeader); hdr != `` && hdr != tenant {
			s.writeError(w, http.StatusForbidden, errKindTenantForbidden, `tenant mismatch`)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Snapshot()
	code := http.StatusOK
	if !s.health.Healthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{`components`: snap})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)[`tenant`]
	f := alerts.Filter{
		Status: alerts.Status(r.URL.Query().Get(`status`)),
		Kind:   detect.Kind(r.URL.Query().Get(`kind`)),
		Limit:  100,
	}
	q := r.URL.Query()
	if v := q.Get(`limit`); v != `` {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPageSize {
			s.writeError(w, http.StatusBadRequest, errKindInvalidArgument, `bad limit`)
			return
		}
		f.Limit = n
	}
	if v := q.Get(`offset`); v != `` {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, errKindInvalidArgument, `bad offset`)
			return
		}
		f.Offset = n
	}
	if v := q.Get(`since`); v != `` {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, errKindInvalidArgument, `since must be RFC3339`)
			return
		}
		f.Since = ts
	}
	list, err := s.alerts.List(tenant, f)
	if err != nil {
		s.internal(w, err)
		return
	}
	if list == nil {
		list = []*alerts.Alert{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{`alerts`: list})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	a, err := s.alerts.Get(v[`tenant`], v[`id`])
	if err == alerts.ErrNotFound {
		s.writeError(w, http.StatusNotFound, errKindNotFound, `no such alert`)
		return
	} else if err != nil {
		s.internal(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	var req struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errKindInvalidArgument, `bad request body`)
		return
	}
	a, err := s.alerts.SetStatus(r.Context(), v[`tenant`], v[`id`], alerts.Status(req.Status), req.Reason)
	switch {
	case errors.Is(err, alerts.ErrNotFound):
		s.writeError(w, http.StatusNotFound, errKindNotFound, `no such alert`)
	case errors.Is(err, alerts.ErrBadStatus), errors.Is(err, alerts.ErrBadTransition):
		s.writeError(w, http.StatusBadRequest, errKindInvalidArgument, err.Error())
	case err != nil:
		s.internal(w, err)
	default:
		s.writeJSON(w, http.StatusOK, a)
	}
}

func (s *Server) handleGetBaseline(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	b, err := s.bl.Get(v[`tenant`], v[`user`])
	if err == baseline.ErrNotFound {
		s.writeError(w, http.StatusNotFound, errKindNotFound, `no baseline for user`)
		return
	} else if err != nil {
		s.internal(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.alerts.TenantStats(mux.Vars(r)[`tenant`])
	if err != nil {
		s.internal(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	list, err := s.pol.ListWhitelist(mux.Vars(r)[`tenant`])
	if err != nil {
		s.internal(w, err)
		return
	}
	if list == nil {
		list = []policy.WhitelistEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{`whitelist`: list})
}

func (s *Server) handleAddWhitelist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind      string     `json:"kind"`
		Value     string     `json:"value"`
		ExpiresAt *time.Time `json:"expires,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errKindInvalidArgument, `bad request body`)
		return
	}
	ent, err := s.pol.AddWhitelist(mux.Vars(r)[`tenant`], policy.Kind(req.Kind), req.Value, policy.SourceStatic, req.ExpiresAt)
	if errors.Is(err, policy.ErrBadKind) || errors.Is(err, policy.ErrBadValue) {
		s.writeError(w, http.StatusBadRequest, errKindInvalidArgument, err.Error())
		return
	} else if err != nil {
		s.internal(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ent)
}

func (s *Server) handleRemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	if err := s.pol.RemoveWhitelist(v[`tenant`], policy.Kind(v[`kind`]), v[`value`]); err != nil {
		s.internal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetBusinessHours(w http.ResponseWriter, r *http.Request) {
	var bh policy.BusinessHours
	if err := json.NewDecoder(r.Body).Decode(&bh); err != nil {
		s.writeError(w, http.StatusBadRequest, errKindInvalidArgument, `bad request body`)
		return
	}
	if bh.StartHour < 0 || bh.StartHour > 23 || bh.EndHour < 1 || bh.EndHour > 24 || bh.StartHour >= bh.EndHour {
		s.writeError(w, http.StatusBadRequest, errKindInvalidArgument, `bad hour range`)
		return
	}
	if err := s.pol.SetBusinessHours(mux.Vars(r)[`tenant`], bh); err != nil {
		s.internal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOpenMaintenance(w http.ResponseWriter, r *http.Request) {
	var mw policy.MaintenanceWindow
	if err := json.NewDecoder(r.Body).Decode(&mw); err != nil {
		s.writeError(w, http.StatusBadRequest, errKindInvalidArgument, `bad request body`)
		return
	}
	out, err := s.pol.OpenMaintenanceWindow(mux.Vars(r)[`tenant`], mw)
	if errors.Is(err, policy.ErrBadWindow) {
		s.writeError(w, http.StatusBadRequest, errKindInvalidArgument, err.Error())
		return
	} else if err != nil {
		s.internal(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set(`Content-Type`, `application/json`)
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.lg.Warn("failed to write response", log.KVErr(err))
	}
}

// writeError emits the stable error envelope; internal details never
// leak to the caller.
func (s *Server) writeError(w http.ResponseWriter, code int, kind, msg string) {
	s.writeJSON(w, code, map[string]any{
		`error`: map[string]string{
			`kind`:    kind,
			`message`: msg,
		},
	})
}

func (s *Server) internal(w http.ResponseWriter, err error) {
	s.lg.Error("api internal error", log.KVErr(err))
	s.writeError(w, http.StatusInternalServerError, errKindInternal, `internal error`)
}
