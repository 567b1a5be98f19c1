/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package listener owns the syslog intake: UDP, TCP, and TLS binds that
// hand raw frames with their source address onto a bounded ingress
// channel.  When the channel backs up, TCP and TLS readers stop reading
// and let the OS buffers absorb; UDP drops with a counter because UDP is
// lossy by contract.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gravwell/gravwell/v3/ingest/log"

	"github.com/vigil-siem/vigil/events"
	"github.com/vigil-siem/vigil/metrics"
)

const (
	// DefaultIngressBuffer is the raw frame channel capacity.
	DefaultIngressBuffer = 10000

	maxUDPFrame    = 64 * 1024
	tcpIdleTimeout = 60 * time.Second
	minTLSVersion  = tls.VersionTLS12

	acceptFailLimit = 3
)

var (
	ErrAlreadyRunning = errors.New("listener set already running")
	ErrNotRunning     = errors.New("listener set is not running")
	ErrNoListeners    = errors.New("no listeners configured")
)

type Config struct {
	Name     string
	Bind     string // scheme://host:port, scheme one of udp, tcp, tls
	CertFile string
	KeyFile  string
}

// Set is the group of concurrent listeners feeding one ingress channel.
type Set struct {
	mtx     sync.Mutex
	cfgs    []Config
	out     chan *events.Raw
	lg      *log.Logger
	mets    *metrics.Metrics
	wg      sync.WaitGroup
	closers map[int]io.Closer
	connID  int
	ctx     context.Context
	cf      context.CancelFunc
	running bool
}

func NewSet(cfgs []Config, buffer int, lg *log.Logger, mets *metrics.Metrics) (*Set, error) {
	if len(cfgs) == 0 {
		return nil, ErrNoListeners
	} else if lg == nil {
		return nil, errors.New("nil logger")
	} else if mets == nil {
		return nil, errors.New("nil metrics")
	}
	if buffer <= 0 {
		buffer = DefaultIngressBuffer
	}
	for _, c := range cfgs {
		if _, _, err := translateBind(c.Bind); err != nil {
			return nil, fmt.Errorf("listener %s: %w", c.Name, err)
		}
	}
	ctx, cf := context.WithCancel(context.Background())
	return &Set{
		cfgs:    cfgs,
		out:     make(chan *events.Raw, buffer),
		lg:      lg,
		mets:    mets,
		closers: map[int]io.Closer{},
		ctx:     ctx,
		cf:      cf,
	}, nil
}

// Output is the bounded ingress channel; closed after Close drains.
func (s *Set) Output() <-chan *events.Raw {
	return s.out
}

func (s *Set) Start() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	for _, c := range s.cfgs {
		bt, addr, err := translateBind(c.Bind)
		if err != nil {
			return err
		}
		switch bt {
		case bindUDP:
			ua, err := net.ResolveUDPAddr(`udp`, addr)
			if err != nil {
				return fmt.Errorf("listener %s bad bind %q: %w", c.Name, c.Bind, err)
			}
			conn, err := net.ListenUDP(`udp`, ua)
			if err != nil {
				return fmt.Errorf("listener %s failed to bind %q: %w", c.Name, c.Bind, err)
			}
			id := s.addCloser(conn)
			s.wg.Add(1)
			go s.serveUDP(conn, id, c.Name)
		case bindTCP:
			ta, err := net.ResolveTCPAddr(`tcp`, addr)
			if err != nil {
				return fmt.Errorf("listener %s bad bind %q: %w", c.Name, c.Bind, err)
			}
			l, err := net.ListenTCP(`tcp`, ta)
			if err != nil {
				return fmt.Errorf("listener %s failed to bind %q: %w", c.Name, c.Bind, err)
			}
			id := s.addCloser(l)
			s.wg.Add(1)
			go s.acceptor(l, id, c.Name, events.TransportTCP)
		case bindTLS:
			tc := &tls.Config{MinVersion: minTLSVersion}
			tc.Certificates = make([]tls.Certificate, 1)
			var err error
			if tc.Certificates[0], err = tls.LoadX509KeyPair(c.CertFile, c.KeyFile); err != nil {
				return fmt.Errorf("listener %s failed to load certificate: %w", c.Name, err)
			}
			l, err := tls.Listen(`tcp`, addr, tc)
			if err != nil {
				return fmt.Errorf("listener %s failed to bind %q: %w", c.Name, c.Bind, err)
			}
			id := s.addCloser(l)
			s.wg.Add(1)
			go s.acceptor(l, id, c.Name, events.TransportTLS)
		}
	}
	s.running = true
	s.lg.Info("listeners started", log.KV("count", len(s.cfgs)))
	return nil
}

// Close stops accepting, tears down live connections, and closes the
// output channel once every handler exits.
func (s *Set) Close() error {
	s.mtx.Lock()
	if !s.running {
		s.mtx.Unlock()
		return ErrNotRunning
	}
	s.running = false
	s.cf()
	for _, c := range s.closers {
		c.Close()
	}
	s.mtx.Unlock()
	s.wg.Wait()
	close(s.out)
	return nil
}

func (s *Set) addCloser(c io.Closer) int {
	s.mtx.Lock()
	s.connID++
	id := s.connID
	s.closers[id] = c
	s.mtx.Unlock()
	return id
}

func (s *Set) delCloser(id int) {
	s.mtx.Lock()
	delete(s.closers, id)
	s.mtx.Unlock()
}

func (s *Set) serveUDP(conn *net.UDPConn, id int, name string) {
	defer s.wg.Done()
	defer s.delCloser(id)
	defer conn.Close()
	buff := make([]byte, maxUDPFrame+1)
	for {
		n, raddr, err := conn.ReadFromUDP(buff)
		if err != nil {
			if s.ctx.Err() != nil || isClosed(err) {
				return
			}
			s.mets.FramesDropped.WithLabelValues(`read_error`).Inc()
			continue
		}
		if raddr == nil || n == 0 {
			continue
		}
		if n > maxUDPFrame {
			// never truncate silently
			s.mets.FramesDropped.WithLabelValues(`oversize`).Inc()
			continue
		}
		raw := &events.Raw{
			Data:       append([]byte(nil), buff[:n]...),
			SourceIP:   raddr.IP,
			SourcePort: raddr.Port,
			Transport:  events.TransportUDP,
			Received:   time.Now(),
		}
		select {
		case s.out <- raw:
			s.mets.FramesReceived.WithLabelValues(`udp`).Inc()
		default:
			s.mets.FramesDropped.WithLabelValues(`buffer_full`).Inc()
		}
	}
}

func (s *Set) acceptor(lst net.Listener, id int, name string, tp events.Transport) {
	var failCount int
	defer s.wg.Done()
	defer s.delCloser(id)
	defer lst.Close()
	for {
		conn, err := lst.Accept()
		if err != nil {
			if s.ctx.Err() != nil || isClosed(err) {
				return
			}
			failCount++
			s.lg.Warn("failed to accept connection", log.KV("listener", name), log.KVErr(err))
			if failCount > acceptFailLimit {
				return
			}
			continue
		}
		failCount = 0
		s.lg.Info("accepted connection",
			log.KV("address", conn.RemoteAddr()),
			log.KV("listener", name),
			log.KV("transport", tp))
		cid := s.addCloser(conn)
		s.wg.Add(1)
		go s.serveConn(conn, cid, tp)
	}
}

func (s *Set) serveConn(conn net.Conn, id int, tp events.Transport) {
	defer s.wg.Done()
	defer s.delCloser(id)
	defer conn.Close()

	var rip net.IP
	var rport int
	if host, port, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		rip = net.ParseIP(host)
		fmt.Sscanf(port, "%d", &rport)
	}
	if rip == nil {
		s.lg.Warn("failed to resolve remote address", log.KV("address", conn.RemoteAddr()))
		return
	}

	for frame := range frames(s.ctx, conn, s.mets) {
		raw := &events.Raw{
			Data:       frame,
			SourceIP:   rip,
			SourcePort: rport,
			Transport:  tp,
			Received:   time.Now(),
		}
		// a full channel blocks here, which stops the read loop and lets
		// the kernel buffers push back on the sender
		select {
		case s.out <- raw:
			s.mets.FramesReceived.WithLabelValues(tp.String()).Inc()
		case <-s.ctx.Done():
			return
		}
	}
}

func isClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), `closed`)
}
