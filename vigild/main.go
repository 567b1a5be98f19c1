/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// vigild is the vigil daemon: syslog ingestion, tenant-aware detection,
// and the HTTP control plane, all in one process.  Multi-node deployments
// point the state backend at Redis and the bus at Kafka; the single node
// default keeps everything in-process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravwell/gravwell/v3/ingest/log"

	"github.com/vigil-siem/vigil/alerts"
	"github.com/vigil-siem/vigil/api"
	"github.com/vigil-siem/vigil/baseline"
	"github.com/vigil-siem/vigil/bus"
	"github.com/vigil-siem/vigil/correlate"
	"github.com/vigil-siem/vigil/detect"
	"github.com/vigil-siem/vigil/enrich"
	"github.com/vigil-siem/vigil/fpreduce"
	"github.com/vigil-siem/vigil/listener"
	"github.com/vigil-siem/vigil/metrics"
	"github.com/vigil-siem/vigil/parse"
	"github.com/vigil-siem/vigil/pipeline"
	"github.com/vigil-siem/vigil/policy"
	"github.com/vigil-siem/vigil/state"
	"github.com/vigil-siem/vigil/store"
)

const (
	defaultConfigLoc  = `/opt/vigil/etc/vigil.conf`
	defaultConfigDLoc = `/opt/vigil/etc/vigil.conf.d`
	appName           = `vigild`
	version           = `1.0.0`
)

var (
	confLoc  = flag.String("config-file", defaultConfigLoc, "Location of the configuration file")
	confDLoc = flag.String("config-overlays", defaultConfigDLoc, "Location of the configuration overlay directory")
	verbose  = flag.Bool("v", false, "Verbose logging to stderr")
	ver      = flag.Bool("version", false, "Print version and exit")

	lg *log.Logger
)

func main() {
	flag.Parse()
	if *ver {
		fmt.Printf("%s %s\n", appName, version)
		return
	}
	cfg, err := GetConfig(*confLoc, *confDLoc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration %s: %v\n", *confLoc, err)
		os.Exit(-1)
	}
	if lg, err = newLogger(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(-1)
	}
	mets := metrics.New()

	st, err := store.Open(cfg.Global.Store_Path)
	if err != nil {
		lg.FatalCode(0, "failed to open store", log.KV("path", cfg.Global.Store_Path), log.KVErr(err))
	}
	defer st.Close()

	soft, err := newStateStore(cfg)
	if err != nil {
		lg.FatalCode(0, "failed to connect state backend", log.KV("backend", cfg.Global.State_Backend), log.KVErr(err))
	}

	b, err := newBus(cfg)
	if err != nil {
		lg.FatalCode(0, "failed to connect bus", log.KV("backend", cfg.Global.Bus_Backend), log.KVErr(err))
	}

	tt, err := enrich.NewTenantTable(cfg.tenantCIDRs())
	if err != nil {
		lg.FatalCode(0, "bad tenant configuration", log.KVErr(err))
	}
	pr, err := parse.New()
	if err != nil {
		lg.FatalCode(0, "failed to build parser", log.KVErr(err))
	}
	ls, err := listener.NewSet(cfg.listenerConfigs(), cfg.Global.Ingress_Buffer, lg, mets)
	if err != nil {
		lg.FatalCode(0, "bad listener configuration", log.KVErr(err))
	}

	var geo enrich.GeoFunc
	if cfg.Global.Geo_Endpoint != `` {
		geo = enrich.NewHTTPGeo(cfg.Global.Geo_Endpoint)
	}
	var disp alerts.Dispatcher
	if cfg.Global.Dispatch_URL != `` {
		disp = alerts.NewWebhook(cfg.Global.Dispatch_URL, lg)
	}

	bl := baseline.NewManager(st, lg, mets, baseline.DefaultQueueDepth)
	pol := policy.NewEngine(policy.Config{
		DynamicThreshold: cfg.Detection.Dynamic_Whitelist_Count,
		DynamicTTL:       time.Duration(cfg.Detection.Dynamic_Whitelist_TTL_Hrs) * time.Hour,
	}, st, soft, lg, mets)
	am := alerts.NewManager(alerts.Config{
		CorrelationWindow: secs(cfg.Detection.Correlation_Window_Secs),
	}, st, disp, lg, mets)

	hr := api.NewHealthRegistry(pipeline.CompListeners, pipeline.CompIngest, pipeline.CompConsumer)
	pipe := pipeline.New(pipeline.Config{Retention: cfg.retention()}, pipeline.Deps{
		Listeners: ls,
		Parser:    pr,
		Enricher:  enrich.New(tt, geo, lg, mets),
		Bus:       b,
		Store:     st,
		Soft:      soft,
		Baselines: bl,
		Policy:    pol,
		BruteForce: detect.NewBruteForce(detect.BruteForceConfig{
			Window:               secs(cfg.Detection.Brute_Force_Window_Secs),
			Threshold:            cfg.Detection.Brute_Force_Threshold,
			TenantThresholds:     cfg.tenantThresholds(),
			DistributedMinIPs:    cfg.Detection.Distributed_Min_IPs,
			DistributedThreshold: cfg.Detection.Distributed_Threshold,
		}, soft, bl, lg, mets),
		PortScan: detect.NewPortScan(detect.PortScanConfig{
			Window:    secs(cfg.Detection.Scan_Window_Secs),
			Threshold: cfg.Detection.Scan_Threshold,
		}, soft, lg, mets),
		Correlator: correlate.New(correlate.Config{
			Window: secs(cfg.Detection.Correlation_Window_Secs),
		}, soft, lg, mets),
		Suppressor: fpreduce.New(pol, bl, lg, mets),
		Alerts:     am,
		Health:     hr,
		Logger:     lg,
		Metrics:    mets,
	})

	if err = pipe.Start(); err != nil {
		lg.FatalCode(0, "failed to start pipeline", log.KVErr(err))
	}

	srv := &http.Server{
		Addr:    cfg.Global.HTTP_Listen,
		Handler: api.NewServer(am, bl, pol, hr, lg).Router(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error("http server failed", log.KVErr(err))
		}
	}()
	lg.Info("vigild running",
		log.KV("listeners", len(cfg.Listener)),
		log.KV("tenants", len(cfg.Tenant)),
		log.KV("http", cfg.Global.HTTP_Listen))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	lg.Info("shutting down")

	sctx, cf := context.WithTimeout(context.Background(), pipeline.DrainTimeout)
	defer cf()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Error("http shutdown error", log.KVErr(err))
	}
	if err := pipe.Close(); err != nil {
		lg.Error("pipeline shutdown error", log.KVErr(err))
	}
}

func newLogger(cfg *cfgType) (l *log.Logger, err error) {
	if cfg.Global.Log_File != `` {
		if l, err = log.NewFile(cfg.Global.Log_File); err != nil {
			return
		}
	} else {
		if l, err = log.NewStderrLogger(``); err != nil {
			return
		}
	}
	if *verbose {
		err = l.SetLevelString(`DEBUG`)
	} else if cfg.Global.Log_Level != `` {
		err = l.SetLevelString(cfg.Global.Log_Level)
	}
	return
}

func newStateStore(cfg *cfgType) (state.Store, error) {
	if cfg.Global.State_Backend == `redis` {
		return state.NewRedisStore(state.RedisConfig{
			Addr:     cfg.Global.Redis_Addr,
			Password: cfg.Global.Redis_Password,
		})
	}
	return state.NewMemoryStore(), nil
}

func newBus(cfg *cfgType) (bus.Bus, error) {
	parts := cfg.Global.Partitions
	if parts <= 0 {
		parts = bus.DefaultPartitions
	}
	if cfg.Global.Bus_Backend == `kafka` {
		topic := cfg.Global.Kafka_Topic
		if topic == `` {
			topic = `vigil-events`
		}
		return bus.NewKafkaBus(bus.KafkaConfig{
			Brokers:      cfg.Global.Kafka_Broker,
			Topic:        topic,
			PartitionCnt: parts,
		}, lg)
	}
	return bus.NewMemBus(bus.MemBusConfig{Partitions: parts})
}
