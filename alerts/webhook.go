/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package alerts

import (
	"bytes"
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gravwell/gravwell/v3/ingest/log"
)

// Webhook posts alerts to an external notifier.  Dispatch is fire and
// forget, a failed POST is logged and the alert record is already durable.
type Webhook struct {
	url string
	cl  *http.Client
	lg  *log.Logger
}

func NewWebhook(url string, lg *log.Logger) *Webhook {
	return &Webhook{
		url: url,
		cl:  &http.Client{},
		lg:  lg,
	}
}

func (w *Webhook) Dispatch(ctx context.Context, a *Alert) {
	v, err := json.Marshal(a)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(v))
	if err != nil {
		return
	}
	req.Header.Set(`Content-Type`, `application/json`)
	resp, err := w.cl.Do(req)
	if err != nil {
		w.lg.Warn("alert dispatch failed",
			log.KV("tenant", a.TenantID),
			log.KV("id", a.ID),
			log.KVErr(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.lg.Warn("alert dispatch rejected",
			log.KV("tenant", a.TenantID),
			log.KV("id", a.ID),
			log.KV("status", resp.StatusCode))
	}
}
