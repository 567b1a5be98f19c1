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
	"crypto/tls"
	"errors"
	"sync"

	"github.com/IBM/sarama"
	"github.com/gravwell/gravwell/v3/ingest/log"

	"github.com/vigil-siem/vigil/events"
)

const (
	kafkaVersion  = `2.1.1`
	minTLSVersion = tls.VersionTLS12
)

// KafkaBus is the production Bus, a Kafka topic with one partition per
// bus partition and consumer-group delivery.  The producer picks the
// partition itself with PartitionFor so that the mapping is identical to
// the in-memory bus.
type KafkaBus struct {
	KafkaConfig
	mtx  sync.Mutex
	prod sarama.SyncProducer
	lg   *log.Logger
}

type KafkaConfig struct {
	Brokers       []string
	Topic         string
	PartitionCnt  int
	UseTLS        bool
	SkipTLSVerify bool
}

func NewKafkaBus(cfg KafkaConfig, lg *log.Logger) (kb *KafkaBus, err error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers")
	} else if cfg.Topic == `` {
		return nil, errors.New("no kafka topic")
	} else if cfg.PartitionCnt <= 0 {
		return nil, ErrBadPartition
	} else if lg == nil {
		return nil, errors.New("nil logger")
	}
	sc := sarama.NewConfig()
	if sc.Version, err = sarama.ParseKafkaVersion(kafkaVersion); err != nil {
		return
	}
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Return.Successes = true
	sc.Producer.Partitioner = sarama.NewManualPartitioner
	sc.Producer.Timeout = PublishTimeout
	if cfg.UseTLS {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{MinVersion: minTLSVersion}
		if cfg.SkipTLSVerify {
			sc.Net.TLS.Config.InsecureSkipVerify = true
		}
	}
	var prod sarama.SyncProducer
	if prod, err = sarama.NewSyncProducer(cfg.Brokers, sc); err != nil {
		return
	}
	kb = &KafkaBus{
		KafkaConfig: cfg,
		prod:        prod,
		lg:          lg,
	}
	return
}

func (kb *KafkaBus) Partitions() int {
	return kb.PartitionCnt
}

func (kb *KafkaBus) Publish(ctx context.Context, ev *events.Enriched) error {
	if ev == nil {
		return ErrNilEvent
	} else if err := ev.Validate(); err != nil {
		return err
	}
	b, err := events.Encode(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:     kb.Topic,
		Key:       sarama.StringEncoder(ev.TenantID),
		Value:     sarama.ByteEncoder(b),
		Partition: int32(PartitionFor(ev.TenantID, kb.PartitionCnt)),
	}
	_, _, err = kb.prod.SendMessage(msg)
	return err
}

func (kb *KafkaBus) Run(ctx context.Context, group string, h Handler) error {
	sc := sarama.NewConfig()
	var err error
	if sc.Version, err = sarama.ParseKafkaVersion(kafkaVersion); err != nil {
		return err
	}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	if kb.UseTLS {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{MinVersion: minTLSVersion}
		if kb.SkipTLSVerify {
			sc.Net.TLS.Config.InsecureSkipVerify = true
		}
	}
	client, err := sarama.NewConsumerGroup(kb.Brokers, group, sc)
	if err != nil {
		return err
	}
	defer client.Close()
	kc := &kafkaGroupHandler{ctx: ctx, h: h, lg: kb.lg, topic: kb.Topic}
	var i int
	for {
		i++
		kb.lg.Info("consumer start", log.KV("attempt", i), log.KV("group", group))
		if err := client.Consume(ctx, []string{kb.Topic}, kc); err != nil {
			kb.lg.Error("consumer error", log.KVErr(err))
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (kb *KafkaBus) Close() error {
	kb.mtx.Lock()
	defer kb.mtx.Unlock()
	if kb.prod == nil {
		return ErrClosed
	}
	err := kb.prod.Close()
	kb.prod = nil
	return err
}

type kafkaGroupHandler struct {
	ctx   context.Context
	h     Handler
	lg    *log.Logger
	topic string
}

func (kc *kafkaGroupHandler) Setup(cgs sarama.ConsumerGroupSession) error {
	kc.lg.Info("consumer group session starting", log.KV("member", cgs.MemberID()))
	return nil
}

func (kc *kafkaGroupHandler) Cleanup(cgs sarama.ConsumerGroupSession) error {
	// never return an error out of Cleanup, sarama treats it as fatal and
	// won't rejoin the group after a routine rebalance
	kc.lg.Info("consumer group session done", log.KV("member", cgs.MemberID()))
	return nil
}

func (kc *kafkaGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	if claim.Topic() != kc.topic {
		return errors.New("claim routine got the wrong topic")
	}
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			} else if msg == nil {
				continue
			}
			ev, err := events.Decode(msg.Value)
			if err != nil {
				// poison record, count it and move on rather than wedging
				// the partition
				kc.lg.Error("undecodable bus record",
					log.KV("partition", msg.Partition),
					log.KV("offset", msg.Offset),
					log.KVErr(err))
				session.MarkMessage(msg, ``)
				continue
			}
			rec := Record{
				Partition: int(msg.Partition),
				Offset:    msg.Offset,
				Event:     ev,
			}
			if err = kc.h(kc.ctx, rec); err != nil {
				// do not mark, the record redelivers after the session
				// offset is retried
				kc.lg.Warn("handler failed, leaving record uncommitted",
					log.KV("partition", msg.Partition),
					log.KV("offset", msg.Offset),
					log.KVErr(err))
				continue
			}
			session.MarkMessage(msg, ``)
		case <-kc.ctx.Done():
			return nil
		}
	}
}
