/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package events holds the shared event vocabulary for the vigil pipeline.
// Raw frames come off the listeners, the parser produces Parsed events, and
// the enricher attaches tenant and classification data to produce Enriched
// events.  Everything downstream of the enricher speaks Enriched.
package events

import (
	"errors"
	"net"
	"time"
)

const (
	TransportUDP Transport = iota
	TransportTCP
	TransportTLS
)

const (
	FormatUnknown Format = iota
	FormatRFC3164
	FormatRFC5424
	FormatCisco
)

const (
	TypeOther Type = iota
	TypeAuthSuccess
	TypeAuthFailure
	TypePortConnect
)

var (
	ErrMissingTenant = errors.New("event is missing a tenant id")
)

type Transport int

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return `udp`
	case TransportTCP:
		return `tcp`
	case TransportTLS:
		return `tls`
	}
	return `unknown`
}

type Format int

func (f Format) String() string {
	switch f {
	case FormatRFC3164:
		return `rfc3164`
	case FormatRFC5424:
		return `rfc5424`
	case FormatCisco:
		return `cisco`
	}
	return `unknown`
}

type Type int

func (t Type) String() string {
	switch t {
	case TypeAuthSuccess:
		return `auth_success`
	case TypeAuthFailure:
		return `auth_failure`
	case TypePortConnect:
		return `port_connect`
	}
	return `other`
}

// Raw is a frame as it came off the wire.  It lives from listener receipt
// until the parser emits a Parsed event and is never persisted.
type Raw struct {
	Data       []byte
	SourceIP   net.IP
	SourcePort int
	Transport  Transport
	Received   time.Time
}

// Parsed is the canonical normalized syslog record.  Timestamp is always
// set; when a frame carries no usable timestamp the listener receipt time
// is used instead.
type Parsed struct {
	Timestamp  time.Time                    `json:"ts"`
	Facility   int                          `json:"facility"`
	Severity   int                          `json:"severity"`
	Hostname   string                       `json:"hostname,omitempty"`
	AppName    string                       `json:"app,omitempty"`
	ProcID     string                       `json:"procid,omitempty"`
	MsgID      string                       `json:"msgid,omitempty"`
	Message    string                       `json:"message"`
	Structured map[string]map[string]string `json:"sd,omitempty"`
	Raw        []byte                       `json:"raw,omitempty"`
	SourceIP   net.IP                       `json:"src"`
	SourcePort int                          `json:"srcport,omitempty"`
	Format     Format                       `json:"format"`
}

// SDValue pulls a single structured data parameter out of the event,
// scanning every SD element.  The empty string means not present.
func (p *Parsed) SDValue(name string) string {
	for _, params := range p.Structured {
		if v, ok := params[name]; ok {
			return v
		}
	}
	return ``
}

// Enriched is a Parsed event with tenant attribution and classification.
// TenantID is mandatory; an event that cannot be attributed to a tenant is
// dropped by the enricher and never reaches the bus.
type Enriched struct {
	Parsed
	TenantID   string   `json:"tenant"`
	Type       Type     `json:"type"`
	Username   string   `json:"user,omitempty"`
	Service    string   `json:"service,omitempty"`
	GeoCountry string   `json:"geo,omitempty"`
	DeviceFP   string   `json:"devicefp,omitempty"`
	DstPort    int      `json:"dstport,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

func (e *Enriched) Validate() error {
	if e.TenantID == `` {
		return ErrMissingTenant
	}
	return nil
}

// Hour returns the event hour of day in UTC, used for baseline matching.
func (e *Enriched) Hour() int {
	return e.Timestamp.UTC().Hour()
}
