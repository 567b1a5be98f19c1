/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package pipeline wires the stages together: syslog listeners feed the
// parser and enricher, enriched events go onto the partitioned bus, and a
// consumer group drives detection, correlation, suppression, and alerting.
// The bus is the only durable hand-off; everything upstream of it applies
// back-pressure instead of buffering unbounded.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gravwell/gravwell/v3/ingest/log"

	"github.com/vigil-siem/vigil/alerts"
	"github.com/vigil-siem/vigil/api"
	"github.com/vigil-siem/vigil/baseline"
	"github.com/vigil-siem/vigil/bus"
	"github.com/vigil-siem/vigil/correlate"
	"github.com/vigil-siem/vigil/detect"
	"github.com/vigil-siem/vigil/enrich"
	"github.com/vigil-siem/vigil/events"
	"github.com/vigil-siem/vigil/fpreduce"
	"github.com/vigil-siem/vigil/listener"
	"github.com/vigil-siem/vigil/metrics"
	"github.com/vigil-siem/vigil/parse"
	"github.com/vigil-siem/vigil/policy"
	"github.com/vigil-siem/vigil/state"
	"github.com/vigil-siem/vigil/store"
)

const (
	// DrainTimeout bounds shutdown: in-flight events get this long to
	// reach the bus before the process exits.
	DrainTimeout = 10 * time.Second

	// EventRetention is how long archived events stay queryable.
	EventRetention = 30 * 24 * time.Hour

	consumerGroup = `vigil-detectors`
	pruneInterval = time.Hour

	publishBackoff    = 100 * time.Millisecond
	publishBackoffMax = 2 * time.Second
)

// component names reported to the health registry
const (
	CompListeners = `listeners`
	CompIngest    = `ingest`
	CompConsumer  = `consumer`
)

type Config struct {
	Retention time.Duration
}

type Pipeline struct {
	cfg  Config
	ls   *listener.Set
	pr   *parse.Parser
	en   *enrich.Enricher
	b    bus.Bus
	st   *store.Store
	soft state.Store
	bl   *baseline.Manager
	pol  *policy.Engine
	bf   *detect.BruteForce
	ps   *detect.PortScan
	cor  *correlate.Correlator
	fp   *fpreduce.Engine
	am   *alerts.Manager
	hr   *api.HealthRegistry
	lg   *log.Logger
	mets *metrics.Metrics

	ingestWG sync.WaitGroup
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Deps struct {
	Listeners  *listener.Set
	Parser     *parse.Parser
	Enricher   *enrich.Enricher
	Bus        bus.Bus
	Store      *store.Store
	Soft       state.Store
	Baselines  *baseline.Manager
	Policy     *policy.Engine
	BruteForce *detect.BruteForce
	PortScan   *detect.PortScan
	Correlator *correlate.Correlator
	Suppressor *fpreduce.Engine
	Alerts     *alerts.Manager
	Health     *api.HealthRegistry
	Logger     *log.Logger
	Metrics    *metrics.Metrics
}

func New(cfg Config, d Deps) *Pipeline {
	if cfg.Retention <= 0 {
		cfg.Retention = EventRetention
	}
	return &Pipeline{
		cfg:  cfg,
		ls:   d.Listeners,
		pr:   d.Parser,
		en:   d.Enricher,
		b:    d.Bus,
		st:   d.Store,
		soft: d.Soft,
		bl:   d.Baselines,
		pol:  d.Policy,
		bf:   d.BruteForce,
		ps:   d.PortScan,
		cor:  d.Correlator,
		fp:   d.Suppressor,
		am:   d.Alerts,
		hr:   d.Health,
		lg:   d.Logger,
		mets: d.Metrics,
	}
}

// Start brings up the listeners, the ingest loop, and the consumer group.
func (p *Pipeline) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	if err := p.ls.Start(); err != nil {
		cancel()
		return err
	}
	p.setHealth(CompListeners, api.HealthOK)

	p.bl.Start()

	p.ingestWG.Add(1)
	go func() {
		defer p.ingestWG.Done()
		p.ingestLoop(ctx)
	}()
	p.setHealth(CompIngest, api.HealthOK)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.setHealth(CompConsumer, api.HealthOK)
		if err := p.b.Run(ctx, consumerGroup, p.handleRecord); err != nil && !errors.Is(err, context.Canceled) {
			p.lg.Error("consumer group exited", log.KVErr(err))
			p.setHealth(CompConsumer, api.HealthDown)
		}
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.janitor(ctx)
	}()
	return nil
}

// Close drains in flight events and tears the stages down in order:
// listeners first so nothing new arrives, then the ingest loop, then the
// consumers.
func (p *Pipeline) Close() error {
	if err := p.ls.Close(); err != nil {
		p.lg.Warn("listener shutdown error", log.KVErr(err))
	}
	p.setHealth(CompListeners, api.HealthDown)

	// the ingest loop exits on its own once the listener output closes;
	// give it the drain window before cutting the consumers loose
	drained := make(chan struct{})
	go func() {
		p.ingestWG.Wait()
		close(drained)
	}()
	drain := time.NewTimer(DrainTimeout)
	defer drain.Stop()
	select {
	case <-drained:
	case <-drain.C:
		p.lg.Warn("drain timeout exceeded, abandoning in-flight events")
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.bl.Close()
	return p.b.Close()
}

// ingestLoop pulls raw frames, parses, enriches, and publishes.  It exits
// when the listener output channel closes.
func (p *Pipeline) ingestLoop(ctx context.Context) {
	for raw := range p.ls.Output() {
		pe, err := p.pr.Parse(raw)
		if err != nil {
			if pe == nil {
				continue
			}
			p.mets.ParseErrors.Inc()
		}
		ev, err := p.en.Enrich(ctx, pe)
		if err != nil || ev == nil {
			continue
		}
		p.publish(ctx, ev)
	}
}

// publish retries with exponential backoff until the event lands or the
// context dies.  Blocking here is the back-pressure path: the listener
// channel fills and UDP frames start dropping at the edge.
func (p *Pipeline) publish(ctx context.Context, ev *events.Enriched) {
	backoff := publishBackoff
	for {
		pctx, cf := context.WithTimeout(ctx, bus.PublishTimeout)
		err := p.b.Publish(pctx, ev)
		cf()
		if err == nil {
			return
		}
		if errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
			return
		}
		p.mets.BusRetries.Inc()
		p.lg.Warn("bus publish failed, retrying",
			log.KV("tenant", ev.TenantID),
			log.KVErr(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > publishBackoffMax {
			backoff = publishBackoffMax
		}
	}
}

// handleRecord is the consumer side: archive, baseline, detect,
// correlate, suppress, alert.  A nil return acks the record; detector
// state errors are soft-failed inside the detectors so redelivery is
// reserved for alert persistence failures.
func (p *Pipeline) handleRecord(ctx context.Context, rec bus.Record) error {
	ev := rec.Event
	if ev == nil {
		return nil
	}
	p.archive(ev)
	p.bl.Observe(ev)
	if ev.Type == events.TypeAuthSuccess {
		ref := detect.Evidence{Partition: rec.Partition, Offset: rec.Offset}.Key()
		p.pol.RecordSuccess(ctx, ev.TenantID, ev.SourceIP, ref, ev.Timestamp)
	}

	var cands []*detect.Candidate
	var err error
	switch ev.Type {
	case events.TypeAuthSuccess, events.TypeAuthFailure:
		cands, err = p.bf.Process(ctx, rec)
	case events.TypePortConnect:
		cands, err = p.ps.Process(ctx, rec)
	default:
		return nil
	}
	if err != nil {
		// state substrate failure; the detector already counted it
		return nil
	}

	for _, cand := range cands {
		extra, cerr := p.cor.Process(ctx, cand)
		if cerr != nil {
			p.lg.Warn("correlation failed", log.KV("tenant", cand.TenantID), log.KVErr(cerr))
		}
		for _, c := range append([]*detect.Candidate{cand}, extra...) {
			if aerr := p.finish(ctx, c); aerr != nil {
				return aerr
			}
		}
	}
	return nil
}

// finish runs suppression and hands the survivor to the alert manager.
func (p *Pipeline) finish(ctx context.Context, cand *detect.Candidate) error {
	d := p.fp.Evaluate(ctx, cand)
	_, err := p.am.HandleCandidate(ctx, cand, alerts.Decision{
		Suppress:   d.Suppress,
		Reason:     d.Reason,
		Confidence: d.Confidence,
	})
	if err != nil {
		p.lg.Error("alert handling failed",
			log.KV("tenant", cand.TenantID),
			log.KV("kind", cand.Kind),
			log.KVErr(err))
	}
	return err
}

// archive appends the event to the tenant's durable log for stats and
// baseline rebuilds.  Archive failures are logged, never fatal.
func (p *Pipeline) archive(ev *events.Enriched) {
	v, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err = p.st.Append(store.BucketEvents, ev.TenantID, ev.Timestamp, v); err != nil {
		p.lg.Warn("event archive failed", log.KV("tenant", ev.TenantID), log.KVErr(err))
	}
}

// janitor prunes archived events past retention.
func (p *Pipeline) janitor(ctx context.Context) {
	tkr := time.NewTicker(pruneInterval)
	defer tkr.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tkr.C:
			cutoff := time.Now().Add(-p.cfg.Retention)
			if n, err := p.st.Prune(store.BucketEvents, cutoff); err != nil {
				p.lg.Warn("event prune failed", log.KVErr(err))
			} else if n > 0 {
				p.lg.Info("pruned archived events", log.KV("removed", n))
			}
		}
	}
}

func (p *Pipeline) setHealth(comp string, st api.HealthStatus) {
	if p.hr != nil {
		p.hr.Set(comp, st)
	}
}
