/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package bus is the durable ordered-per-key hand-off between ingestion
// and processing.  Events are partitioned by hash(tenant_id) mod N, so all
// events for a tenant land on one partition and the detectors see them in
// ingestion order.  Delivery is at-least-once: a record that is not acked
// inside the visibility timeout is redelivered and the consumers are
// expected to be idempotent.
package bus

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/vigil-siem/vigil/events"
)

const (
	// DefaultPartitions is fixed at startup, rebalancing is not supported.
	DefaultPartitions = 16

	// VisibilityTimeout is how long an unacked record stays invisible
	// before redelivery.
	VisibilityTimeout = 30 * time.Second

	// PublishTimeout bounds a single publish before back-pressure is
	// surfaced to the listeners.
	PublishTimeout = 5 * time.Second
)

var (
	ErrClosed       = errors.New("bus is closed")
	ErrNilEvent     = errors.New("nil event")
	ErrBadPartition = errors.New("invalid partition count")
)

// Record is one delivered event.  Partition and Offset together form the
// stable identity used for evidence dedup under redelivery.
type Record struct {
	Partition int
	Offset    int64
	Event     *events.Enriched
}

// Handler processes one record.  A nil return acks the record, anything
// else leaves it for redelivery.
type Handler func(ctx context.Context, rec Record) error

type Bus interface {
	// Publish appends the event to its tenant partition.
	Publish(ctx context.Context, ev *events.Enriched) error

	// Run joins the consumer group and feeds records to h until the
	// context is cancelled.  Records within a partition are delivered in
	// order, one at a time.
	Run(ctx context.Context, group string, h Handler) error

	Partitions() int
	Close() error
}

// PartitionFor maps a tenant to its partition.  The hash covers only the
// tenant id, never the source address, so per tenant ordering holds.
func PartitionFor(tenant string, partitions int) int {
	h := fnv.New32a()
	h.Write([]byte(tenant))
	return int(h.Sum32() % uint32(partitions))
}
