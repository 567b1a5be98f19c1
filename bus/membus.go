/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package bus

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vigil-siem/vigil/events"
)

const (
	defaultRetained = 65536 // per-partition record cap before the oldest are dropped
)

// MemBus is the in-process Bus used by tests and single node deployments.
// Each partition is an append-only slice with per-group committed offsets.
type MemBus struct {
	mtx        sync.Mutex
	parts      []*memPartition
	partitions int
	visibility time.Duration
	retained   int
	closed     bool
}

type memPartition struct {
	mtx     sync.Mutex
	cond    *sync.Cond
	base    int64 // offset of recs[0]
	recs    []*events.Enriched
	commits map[string]int64 // group -> next offset to deliver
}

type MemBusConfig struct {
	Partitions int
	Visibility time.Duration
	Retained   int
}

func NewMemBus(cfg MemBusConfig) (*MemBus, error) {
	if cfg.Partitions <= 0 {
		cfg.Partitions = DefaultPartitions
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = VisibilityTimeout
	}
	if cfg.Retained <= 0 {
		cfg.Retained = defaultRetained
	}
	mb := &MemBus{
		partitions: cfg.Partitions,
		visibility: cfg.Visibility,
		retained:   cfg.Retained,
		parts:      make([]*memPartition, cfg.Partitions),
	}
	for i := range mb.parts {
		p := &memPartition{commits: map[string]int64{}}
		p.cond = sync.NewCond(&p.mtx)
		mb.parts[i] = p
	}
	return mb, nil
}

func (mb *MemBus) Partitions() int {
	return mb.partitions
}

func (mb *MemBus) Publish(ctx context.Context, ev *events.Enriched) error {
	if ev == nil {
		return ErrNilEvent
	} else if err := ev.Validate(); err != nil {
		return err
	}
	mb.mtx.Lock()
	if mb.closed {
		mb.mtx.Unlock()
		return ErrClosed
	}
	p := mb.parts[PartitionFor(ev.TenantID, mb.partitions)]
	mb.mtx.Unlock()

	p.mtx.Lock()
	if len(p.recs) >= mb.retained {
		// enforce retention by dropping the oldest
		drop := len(p.recs) - mb.retained + 1
		p.recs = p.recs[drop:]
		p.base += int64(drop)
	}
	p.recs = append(p.recs, ev)
	p.cond.Broadcast()
	p.mtx.Unlock()
	return nil
}

// Run consumes every partition concurrently, delivering records in order
// within each partition.  A handler error leaves the record uncommitted;
// it is redelivered after the visibility timeout.
func (mb *MemBus) Run(ctx context.Context, group string, h Handler) error {
	mb.mtx.Lock()
	if mb.closed {
		mb.mtx.Unlock()
		return ErrClosed
	}
	parts := mb.parts
	mb.mtx.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	for i := range parts {
		part, idx := parts[i], i
		eg.Go(func() error {
			return mb.consumePartition(ctx, part, idx, group, h)
		})
	}
	// wake the waiters when the context dies so they can exit
	go func() {
		<-ctx.Done()
		for _, p := range parts {
			p.mtx.Lock()
			p.cond.Broadcast()
			p.mtx.Unlock()
		}
	}()
	return eg.Wait()
}

func (mb *MemBus) consumePartition(ctx context.Context, p *memPartition, idx int, group string, h Handler) error {
	for {
		p.mtx.Lock()
		next, ok := p.commits[group]
		if !ok || next < p.base {
			next = p.base
		}
		for next >= p.base+int64(len(p.recs)) && ctx.Err() == nil {
			p.cond.Wait()
			if next < p.base {
				next = p.base
			}
		}
		if ctx.Err() != nil {
			p.mtx.Unlock()
			return ctx.Err()
		}
		ev := p.recs[next-p.base]
		p.mtx.Unlock()

		rec := Record{Partition: idx, Offset: next, Event: ev}
		if err := h(ctx, rec); err != nil {
			// leave uncommitted, redeliver after the visibility timeout
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(mb.visibility):
			}
			continue
		}
		p.mtx.Lock()
		p.commits[group] = next + 1
		p.mtx.Unlock()
	}
}

func (mb *MemBus) Close() error {
	mb.mtx.Lock()
	defer mb.mtx.Unlock()
	if mb.closed {
		return ErrClosed
	}
	mb.closed = true
	for _, p := range mb.parts {
		p.mtx.Lock()
		p.cond.Broadcast()
		p.mtx.Unlock()
	}
	return nil
}
