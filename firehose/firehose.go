// Package firehose re-publishes every domain event to a kafka topic so
// downstream consumers (archival, analytics) can tail the relay without
// holding a websocket open.
package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"chatrelay/bus"
	"chatrelay/wire"
)

const (
	writeTimeout = 3 * time.Second

	backoffMinInterval = time.Second
	backoffMaxInterval = 60 * time.Second
	backoffMultiplier  = 1.5

	// queueBuffer bounds how far kafka may lag behind the bus before
	// records are dropped.
	queueBuffer = 1024
)

// IKafkaWriter is the kafka surface the firehose needs; *kafka.Writer
// satisfies it.
type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// NewWriter builds the production kafka writer.
func NewWriter(brokers []string, topic string) IKafkaWriter {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   writeTimeout,
			DualStack: true,
		},
	})
}

// Firehose tails the bus and writes records to kafka in publish order.
type Firehose struct {
	writer        IKafkaWriter
	sendQ, clearQ *bus.Queue
	maxBytes      int
	wg            sync.WaitGroup
}

// New attaches to the bus. maxBytes bounds one serialized record; oversize
// records are dropped with a log, mirroring the relay's payload limit.
func New(b *bus.Bus, writer IKafkaWriter, maxBytes int) *Firehose {
	return &Firehose{
		writer:   writer,
		sendQ:    b.Listen(bus.KindSend, queueBuffer),
		clearQ:   b.Listen(bus.KindClear, queueBuffer),
		maxBytes: maxBytes,
	}
}

// Run pumps events until ctx is cancelled, then detaches and closes the
// writer.
func (f *Firehose) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Info("firehose: ready")

	f.wg.Add(2)
	go f.pump(ctx, f.sendQ)
	go f.pump(ctx, f.clearQ)

	<-ctx.Done()

	glog.Info("firehose: stopping")
	f.sendQ.Close()
	f.clearQ.Close()
	f.wg.Wait()

	if err := f.writer.Close(); err != nil {
		glog.Errorf("firehose: close writer err: %v", err)
	}

	glog.Info("firehose: stopped")
	stopDoneNotifyC <- struct{}{}
}

func (f *Firehose) pump(ctx context.Context, q *bus.Queue) {
	defer f.wg.Done()

	for e := range q.C() {
		if err := f.write(ctx, e); err != nil {
			if err == context.Canceled {
				return
			}
			glog.Errorf("firehose: drop record, kind: %s, channel: %s, err: %v", e.Kind, e.ChannelID, err)
		}
	}
}

// write serializes one event and retries the kafka write with backoff until
// it lands or ctx ends.
func (f *Firehose) write(ctx context.Context, e bus.Event) error {
	record := &wire.FirehoseRecord{
		Kind:      string(e.Kind),
		ChannelID: e.ChannelID,
		Message:   e.Message,
		Time:      time.Now().Unix(),
	}
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal: %v", err)
	}
	if len(value) > f.maxBytes {
		return fmt.Errorf("record exceeds max limit: %d bytes", f.maxBytes)
	}

	km := kafka.Message{
		Key:   []byte(e.ChannelID),
		Value: value,
	}

	var sleep time.Duration
	for {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := f.writer.WriteMessages(writeCtx, km)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return context.Canceled
		}

		glog.Errorf("firehose: write to kafka err: %v", err)
		backoff(&sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return context.Canceled
		}
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = backoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * backoffMultiplier)
		if *d > backoffMaxInterval {
			*d = backoffMaxInterval
		}
	}
}
