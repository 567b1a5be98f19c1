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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vigil-siem/vigil/events"
)

func testEvent(tenant, msg string) *events.Enriched {
	return &events.Enriched{
		Parsed: events.Parsed{
			Timestamp: time.Now(),
			Message:   msg,
		},
		TenantID: tenant,
	}
}

func TestPartitionForStability(t *testing.T) {
	a := PartitionFor(`t1`, 16)
	for i := 0; i < 100; i++ {
		if PartitionFor(`t1`, 16) != a {
			t.Fatal("partition mapping is not stable")
		}
	}
	if a < 0 || a >= 16 {
		t.Fatalf("partition %d out of range", a)
	}
}

func TestMemBusOrderedDelivery(t *testing.T) {
	mb, err := NewMemBus(MemBusConfig{Partitions: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer mb.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const count = 50
	for i := 0; i < count; i++ {
		if err := mb.Publish(ctx, testEvent(`t1`, string(rune('a'+i%26)))); err != nil {
			t.Fatal(err)
		}
	}

	var mtx sync.Mutex
	var got []int64
	done := make(chan struct{})
	go mb.Run(ctx, `g1`, func(ctx context.Context, rec Record) error {
		mtx.Lock()
		got = append(got, rec.Offset)
		n := len(got)
		mtx.Unlock()
		if n == count {
			close(done)
		}
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	mtx.Lock()
	defer mtx.Unlock()
	for i, off := range got {
		if off != int64(i) {
			t.Fatalf("offset %d at position %d, delivery out of order", off, i)
		}
	}
}

func TestMemBusRedelivery(t *testing.T) {
	mb, err := NewMemBus(MemBusConfig{Partitions: 1, Visibility: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer mb.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mb.Publish(ctx, testEvent(`t1`, `boom`)); err != nil {
		t.Fatal(err)
	}
	var mtx sync.Mutex
	var attempts int
	done := make(chan struct{})
	go mb.Run(ctx, `g1`, func(ctx context.Context, rec Record) error {
		mtx.Lock()
		attempts++
		n := attempts
		mtx.Unlock()
		if n < 3 {
			return errors.New("nack")
		}
		if n == 3 {
			close(done)
		}
		return nil
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("record was not redelivered")
	}
	mtx.Lock()
	defer mtx.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d", attempts)
	}
}

func TestMemBusGroupIsolation(t *testing.T) {
	mb, err := NewMemBus(MemBusConfig{Partitions: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer mb.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mb.Publish(ctx, testEvent(`t1`, `one`)); err != nil {
		t.Fatal(err)
	}
	seen := make(chan string, 2)
	h := func(name string) Handler {
		return func(ctx context.Context, rec Record) error {
			seen <- name
			return nil
		}
	}
	go mb.Run(ctx, `ga`, h(`ga`))
	go mb.Run(ctx, `gb`, h(`gb`))

	got := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case n := <-seen:
			got[n]++
		case <-time.After(5 * time.Second):
			t.Fatal("timed out, both groups should receive the record")
		}
	}
	if got[`ga`] != 1 || got[`gb`] != 1 {
		t.Fatalf("group delivery counts %v", got)
	}
}

func TestMemBusRejectsMissingTenant(t *testing.T) {
	mb, err := NewMemBus(MemBusConfig{Partitions: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer mb.Close()
	if err := mb.Publish(context.Background(), &events.Enriched{}); err != events.ErrMissingTenant {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
}
