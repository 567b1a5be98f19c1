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
	"io"
	"net"
	"net/http"
	"strings"
)

var ErrGeoUnavailable = errors.New("geo service unavailable")

// NewHTTPGeo returns a GeoFunc backed by a simple HTTP country service:
// GET endpoint/<ip> answering with a bare ISO country code.  The enricher
// supplies the deadline and caches results.
func NewHTTPGeo(endpoint string) GeoFunc {
	endpoint = strings.TrimRight(endpoint, `/`)
	cl := &http.Client{}
	return func(ctx context.Context, ip net.IP) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+`/`+ip.String(), nil)
		if err != nil {
			return ``, err
		}
		resp, err := cl.Do(req)
		if err != nil {
			return ``, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return ``, ErrGeoUnavailable
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 16))
		if err != nil {
			return ``, err
		}
		return strings.ToUpper(strings.TrimSpace(string(body))), nil
	}
}
