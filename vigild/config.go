/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gravwell/gravwell/v3/ingest/config"

	"github.com/vigil-siem/vigil/listener"
)

const (
	defaultStorePath     = `/opt/vigil/vigil.db`
	defaultHTTPListen    = `:8080`
	defaultIngressBuffer = 10000
	defaultRetentionDays = 30
)

type global struct {
	Log_Level      string
	Log_File       string
	Store_Path     string
	HTTP_Listen    string
	Ingress_Buffer int
	Retention_Days int
	State_Backend  string // memory or redis
	Redis_Addr     string
	Redis_Password string
	Bus_Backend    string // memory or kafka
	Kafka_Broker   []string
	Kafka_Topic    string
	Partitions     int
	Geo_Endpoint   string
	Dispatch_URL   string
}

type lst struct {
	Bind_String string //IP port pair 127.0.0.1:1234
	Cert_File   string
	Key_File    string
}

type tenant struct {
	CIDR                  []string
	Brute_Force_Threshold int
}

type detection struct {
	Brute_Force_Window_Secs   int
	Brute_Force_Threshold     int
	Distributed_Min_IPs       int
	Distributed_Threshold     int
	Scan_Window_Secs          int
	Scan_Threshold            int
	Correlation_Window_Secs   int
	Dynamic_Whitelist_Count   int
	Dynamic_Whitelist_TTL_Hrs int
}

type cfgType struct {
	Global    global
	Listener  map[string]*lst
	Tenant    map[string]*tenant
	Detection detection
}

func GetConfig(path, overlayPath string) (*cfgType, error) {
	var c cfgType
	if err := config.LoadConfigFile(&c, path); err != nil {
		return nil, err
	}
	if overlayPath != `` {
		if err := config.LoadConfigOverlays(&c, overlayPath); err != nil {
			return nil, err
		}
	}
	if err := verifyConfig(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func verifyConfig(c *cfgType) error {
	g := &c.Global
	if g.Store_Path == `` {
		g.Store_Path = defaultStorePath
	}
	if g.HTTP_Listen == `` {
		g.HTTP_Listen = defaultHTTPListen
	}
	if g.Ingress_Buffer <= 0 {
		g.Ingress_Buffer = defaultIngressBuffer
	}
	if g.Retention_Days <= 0 {
		g.Retention_Days = defaultRetentionDays
	}
	switch strings.ToLower(g.State_Backend) {
	case ``, `memory`:
		g.State_Backend = `memory`
	case `redis`:
		if g.Redis_Addr == `` {
			return errors.New("State-Backend redis requires Redis-Addr")
		}
		g.State_Backend = `redis`
	default:
		return fmt.Errorf("unknown State-Backend %q", g.State_Backend)
	}
	switch strings.ToLower(g.Bus_Backend) {
	case ``, `memory`:
		g.Bus_Backend = `memory`
	case `kafka`:
		if len(g.Kafka_Broker) == 0 {
			return errors.New("Bus-Backend kafka requires at least one Kafka-Broker")
		}
		g.Bus_Backend = `kafka`
	default:
		return fmt.Errorf("unknown Bus-Backend %q", g.Bus_Backend)
	}

	if len(c.Listener) == 0 {
		return errors.New("No listeners specified")
	}
	bindMp := make(map[string]string, 1)
	for k, v := range c.Listener {
		if len(v.Bind_String) == 0 {
			return fmt.Errorf("Listener %s has no Bind-String", k)
		}
		if n, ok := bindMp[v.Bind_String]; ok {
			return errors.New("Bind-String for " + k + " already in use by " + n)
		}
		bindMp[v.Bind_String] = k
		if (v.Cert_File == ``) != (v.Key_File == ``) {
			return fmt.Errorf("Listener %s must set both Cert-File and Key-File or neither", k)
		}
	}

	if len(c.Tenant) == 0 {
		return errors.New("No tenants specified")
	}
	for name, t := range c.Tenant {
		if len(t.CIDR) == 0 {
			return fmt.Errorf("Tenant %s has no CIDR ranges", name)
		}
		for _, cidr := range t.CIDR {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("Tenant %s CIDR %q: %v", name, cidr, err)
			}
		}
	}
	return nil
}

func (c *cfgType) listenerConfigs() (out []listener.Config) {
	for name, v := range c.Listener {
		out = append(out, listener.Config{
			Name:     name,
			Bind:     v.Bind_String,
			CertFile: v.Cert_File,
			KeyFile:  v.Key_File,
		})
	}
	return
}

func (c *cfgType) tenantCIDRs() map[string][]string {
	out := make(map[string][]string, len(c.Tenant))
	for name, t := range c.Tenant {
		out[name] = t.CIDR
	}
	return out
}

func (c *cfgType) tenantThresholds() map[string]int {
	out := map[string]int{}
	for name, t := range c.Tenant {
		if t.Brute_Force_Threshold > 0 {
			out[name] = t.Brute_Force_Threshold
		}
	}
	return out
}

func secs(v int) time.Duration {
	return time.Duration(v) * time.Second
}

func (c *cfgType) retention() time.Duration {
	return time.Duration(c.Global.Retention_Days) * 24 * time.Hour
}
