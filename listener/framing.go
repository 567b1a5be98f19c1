/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package listener

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"github.com/vigil-siem/vigil/metrics"
)

const (
	maxTCPFrame   = 1024 * 1024
	maxRFC6587Len = 7 // up to 7 digits of length prefix
)

var errFrameTooBig = errors.New("frame exceeds maximum length")

// frames reads syslog frames off a stream connection and delivers them on
// the returned channel.  Each frame decides its own framing: a leading
// ASCII digit means RFC6587 octet counting, anything else falls back to
// newline termination.  The channel closes on read error, idle timeout,
// or context cancellation.
func frames(ctx context.Context, conn net.Conn, mets *metrics.Metrics) <-chan []byte {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		scn := bufio.NewScanner(&deadlineReader{c: conn, d: tcpIdleTimeout})
		scn.Buffer(make([]byte, 0, 4096), maxTCPFrame+maxRFC6587Len+1)
		scn.Split(splitFrame)
		for scn.Scan() {
			frame := append([]byte(nil), scn.Bytes()...)
			if len(frame) == 0 {
				continue
			}
			select {
			case ch <- frame:
			case <-ctx.Done():
				return
			}
		}
		if err := scn.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				mets.FramesDropped.WithLabelValues(`read_error`).Inc()
			}
		}
	}()
	return ch
}

// deadlineReader arms the read deadline on every read so an idle peer gets
// cut loose after tcpIdleTimeout.
type deadlineReader struct {
	c net.Conn
	d time.Duration
}

func (r *deadlineReader) Read(p []byte) (n int, err error) {
	if err = r.c.SetReadDeadline(time.Now().Add(r.d)); err != nil {
		return
	}
	return r.c.Read(p)
}

// splitFrame is a bufio.SplitFunc handling both framings on the same
// connection.  Leading CR/LF and NUL bytes between frames are eaten.
func splitFrame(data []byte, atEOF bool) (advance int, token []byte, err error) {
	// strip inter-frame junk
	for advance < len(data) && (data[advance] == '\n' || data[advance] == '\r' || data[advance] == 0) {
		advance++
	}
	data = data[advance:]
	if len(data) == 0 {
		return
	}
	if data[0] >= '1' && data[0] <= '9' {
		return splitOctet(advance, data, atEOF)
	}
	// newline framed
	for i, b := range data {
		if b == '\n' {
			token = dropCR(data[:i])
			advance += i + 1
			return
		}
	}
	if len(data) > maxTCPFrame {
		err = errFrameTooBig
		return
	}
	if atEOF {
		token = dropCR(data)
		advance += len(data)
		return
	}
	advance = 0 // need more data, undo the junk skip
	return
}

func splitOctet(skipped int, data []byte, atEOF bool) (advance int, token []byte, err error) {
	var n int
	var i int
	for i = 0; i < len(data) && i <= maxRFC6587Len; i++ {
		if data[i] == ' ' {
			break
		}
		if data[i] < '0' || data[i] > '9' {
			// not actually octet counted, treat the frame as newline framed
			return splitNewlineFallback(skipped, data, atEOF)
		}
		n = n*10 + int(data[i]-'0')
	}
	if i > maxRFC6587Len || n > maxTCPFrame {
		err = errFrameTooBig
		return
	}
	if i >= len(data) {
		if atEOF {
			err = errors.New("truncated octet counted frame")
		}
		return // need the space
	}
	body := data[i+1:]
	if len(body) < n {
		if atEOF {
			err = errors.New("truncated octet counted frame")
		}
		return
	}
	token = body[:n]
	advance = skipped + i + 1 + n
	return
}

func splitNewlineFallback(skipped int, data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' {
			token = dropCR(data[:i])
			advance = skipped + i + 1
			return
		}
	}
	if atEOF {
		token = dropCR(data)
		advance = skipped + len(data)
	}
	return
}

func dropCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		return data[:len(data)-1]
	}
	return data
}
