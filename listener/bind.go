/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package listener

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

type bindType int

const (
	bindTCP bindType = iota
	bindUDP
	bindTLS
)

var ErrInvalidBind = errors.New("invalid bind specification")

// translateBind cracks a scheme://host:port bind string.  A bare
// host:port defaults to TCP.
func translateBind(v string) (bt bindType, addr string, err error) {
	if v == `` {
		err = ErrInvalidBind
		return
	}
	addr = v
	if idx := strings.Index(v, `://`); idx >= 0 {
		scheme := strings.ToLower(v[:idx])
		addr = v[idx+3:]
		switch scheme {
		case `tcp`:
			bt = bindTCP
		case `udp`:
			bt = bindUDP
		case `tls`:
			bt = bindTLS
		default:
			err = fmt.Errorf("%w: unknown scheme %q", ErrInvalidBind, scheme)
			return
		}
	}
	var host, port string
	if host, port, err = net.SplitHostPort(addr); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidBind, err)
		return
	} else if port == `` {
		err = fmt.Errorf("%w: missing port in %q", ErrInvalidBind, addr)
		return
	}
	_ = host // empty host binds every interface
	return
}

func (b bindType) String() string {
	switch b {
	case bindUDP:
		return `udp`
	case bindTLS:
		return `tls`
	}
	return `tcp`
}
