/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package parse decodes raw syslog frames into the canonical Parsed event.
// RFC5424 is attempted first, then RFC3164, then a Cisco style heuristic;
// anything left over ships as an unknown-format event with the whole
// payload as the message.  Parse errors are never fatal, the caller gets a
// usable event plus an error to count.
package parse

import (
	"bytes"
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/crewjam/rfc5424"
	"github.com/gravwell/gravwell/v3/timegrinder"
	"github.com/gravwell/syslogparser"
	"github.com/gravwell/syslogparser/rfc3164"

	"github.com/vigil-siem/vigil/events"
)

var (
	ErrNilRaw        = errors.New("nil raw message")
	ErrEmptyFrame    = errors.New("empty frame")
	ErrMalformed     = errors.New("malformed frame")
	ErrBadPriority   = errors.New("invalid priority header")
	ErrRenderUnknown = errors.New("cannot render an unknown format event")

	// %FAC-SEV-MNEMONIC: at the front of a Cisco message body
	ciscoRE = regexp.MustCompile(`%([A-Z][A-Z0-9_]*)-(\d)-([A-Z0-9_]+):`)
	priRE   = regexp.MustCompile(`^<(\d{1,3})>`)
)

type Parser struct {
	tg *timegrinder.TimeGrinder
}

func New() (*Parser, error) {
	tg, err := timegrinder.NewTimeGrinder(timegrinder.Config{EnableLeftMostSeed: true})
	if err != nil {
		return nil, err
	}
	return &Parser{tg: tg}, nil
}

// Parse always produces an event.  The returned error marks a frame that
// fell through to the unknown format, callers count it and move on.
func (p *Parser) Parse(raw *events.Raw) (ev *events.Parsed, err error) {
	if raw == nil {
		return nil, ErrNilRaw
	}
	data := bytes.TrimSpace(raw.Data)
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	ev = &events.Parsed{
		Raw:        append([]byte(nil), raw.Data...),
		SourceIP:   raw.SourceIP,
		SourcePort: raw.SourcePort,
		Format:     events.FormatUnknown,
	}

	if tp, derr := syslogparser.DetectRFC(data); derr == nil && tp == syslogparser.RFC_5424 {
		if p.parse5424(data, raw, ev) {
			return
		}
	}
	if p.parse3164(data, raw, ev) {
		return
	}
	if p.parseCisco(data, raw, ev) {
		return
	}

	// unknown format: whole payload as the message, receipt time as the
	// timestamp unless the grinder can pull one out
	ev.Message = string(data)
	if pri, rest, ok := splitPriority(data); ok {
		ev.Facility = pri >> 3
		ev.Severity = pri & 7
		ev.Message = string(rest)
	}
	if ts, ok, terr := p.tg.Extract(data); terr == nil && ok {
		ev.Timestamp = normalizeYear(ts.UTC(), raw.Received)
	} else {
		ev.Timestamp = raw.Received.UTC()
	}
	err = ErrMalformed
	return
}

func (p *Parser) parse5424(data []byte, raw *events.Raw, ev *events.Parsed) bool {
	var m rfc5424.Message
	if err := m.UnmarshalBinary(data); err != nil {
		return false
	}
	ev.Format = events.FormatRFC5424
	ev.Facility = int(m.Priority) >> 3
	ev.Severity = int(m.Priority) & 7
	ev.Hostname = m.Hostname
	ev.AppName = m.AppName
	ev.ProcID = m.ProcessID
	ev.MsgID = m.MessageID
	ev.Message = string(m.Message)
	if len(m.StructuredData) > 0 {
		ev.Structured = make(map[string]map[string]string, len(m.StructuredData))
		for _, sd := range m.StructuredData {
			params := make(map[string]string, len(sd.Parameters))
			for _, p := range sd.Parameters {
				params[p.Name] = p.Value
			}
			ev.Structured[sd.ID] = params
		}
	}
	if m.Timestamp.IsZero() {
		ev.Timestamp = raw.Received.UTC()
	} else {
		ev.Timestamp = m.Timestamp.UTC()
	}
	return true
}

func (p *Parser) parse3164(data []byte, raw *events.Raw, ev *events.Parsed) bool {
	pr := rfc3164.NewParser(data)
	if pr == nil || pr.Parse() != nil {
		return false
	}
	parts := pr.Dump()
	if len(parts) == 0 {
		return false
	}
	ev.Format = events.FormatRFC3164
	ev.Hostname = partString(parts, `Hostname`)
	ev.AppName = partString(parts, `Appname`)
	ev.Message = partString(parts, `Message`)
	ev.Facility = partInt(parts, `Facility`)
	ev.Severity = partInt(parts, `Severity`)
	if ts, ok := parts[`Timestamp`].(time.Time); ok && !ts.IsZero() {
		ev.Timestamp = normalizeYear(ts.UTC(), raw.Received)
	} else {
		ev.Timestamp = raw.Received.UTC()
	}
	return true
}

func (p *Parser) parseCisco(data []byte, raw *events.Raw, ev *events.Parsed) bool {
	body := data
	var pri int
	var havePri bool
	if v, rest, ok := splitPriority(data); ok {
		pri, body, havePri = v, rest, true
	}
	idx := ciscoRE.FindSubmatchIndex(body)
	if idx == nil {
		return false
	}
	ev.Format = events.FormatCisco
	ev.AppName = string(body[idx[2]:idx[3]])
	ev.MsgID = string(body[idx[6]:idx[7]])
	if sev, err := strconv.Atoi(string(body[idx[4]:idx[5]])); err == nil {
		ev.Severity = sev
	}
	if havePri {
		ev.Facility = pri >> 3
	}
	ev.Message = string(bytes.TrimSpace(body[idx[1]:]))
	if ts, ok, err := p.tg.Extract(body[:idx[0]]); err == nil && ok {
		ev.Timestamp = normalizeYear(ts.UTC(), raw.Received)
	} else {
		ev.Timestamp = raw.Received.UTC()
	}
	return true
}

// partString pulls a string field out of an rfc3164 parts map.
func partString(parts syslogparser.LogParts, key string) string {
	if v, ok := parts[key].(string); ok {
		return v
	}
	return ""
}

// partInt pulls an integer field out of an rfc3164 parts map.
func partInt(parts syslogparser.LogParts, key string) int {
	if v, ok := parts[key].(int); ok {
		return v
	}
	return 0
}

// splitPriority cracks a leading <PRI> header off the frame.
func splitPriority(data []byte) (pri int, rest []byte, ok bool) {
	m := priRE.FindSubmatch(data)
	if m == nil {
		return
	}
	v, err := strconv.Atoi(string(m[1]))
	if err != nil || v > 191 {
		return
	}
	pri = v
	rest = data[len(m[0]):]
	ok = true
	return
}

// normalizeYear pins a timestamp that carried no year to the receipt year,
// rolling back one year when that lands more than 24 hours in the future.
// This handles the Dec 31 / Jan 1 boundary.
func normalizeYear(ts, received time.Time) time.Time {
	if received.IsZero() {
		return ts
	}
	r := received.UTC()
	fixed := time.Date(r.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), time.UTC)
	if fixed.After(r.Add(24 * time.Hour)) {
		fixed = fixed.AddDate(-1, 0, 0)
	}
	return fixed
}

// Render emits a Parsed event back onto the wire in RFC5424 form.  Only
// events parsed as RFC5424 round trip exactly (modulo whitespace and
// structured data ordering).
func Render(ev *events.Parsed) ([]byte, error) {
	if ev == nil {
		return nil, ErrNilRaw
	} else if ev.Format == events.FormatUnknown {
		return nil, ErrRenderUnknown
	}
	m := rfc5424.Message{
		Priority:  rfc5424.Priority(ev.Facility<<3 | ev.Severity),
		Timestamp: ev.Timestamp,
		Hostname:  ev.Hostname,
		AppName:   ev.AppName,
		ProcessID: ev.ProcID,
		MessageID: ev.MsgID,
		Message:   []byte(ev.Message),
	}
	for id, params := range ev.Structured {
		sd := rfc5424.StructuredData{ID: id}
		for k, v := range params {
			sd.Parameters = append(sd.Parameters, rfc5424.SDParam{Name: k, Value: v})
		}
		m.StructuredData = append(m.StructuredData, sd)
	}
	return m.MarshalBinary()
}
