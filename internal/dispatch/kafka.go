package dispatch

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"github.com/yanun0323/go-hft/pkg/backoff"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer that hashes message keys so each
// partition key lands on one kafka partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// KafkaSink forwards notifications to kafka, keyed by partition so
// per-(exchange, pair) order survives the hop.
type KafkaSink struct {
	sub     *Subscription
	writer  MessageWriter
	backoff backoff.Policy
	retries int
}

func NewKafkaSink(d *Dispatcher, writer MessageWriter, caps Capability, size int) *KafkaSink {
	return &KafkaSink{
		sub:     d.Subscribe(caps, size),
		writer:  writer,
		backoff: backoff.Default(),
		retries: 3,
	}
}

// Run forwards until ctx is done. Messages that still fail after the
// retries are logged and skipped.
func (s *KafkaSink) Run(ctx context.Context) error {
	defer s.sub.Close()

	for {
		n, err := s.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		msg, err := encode(n)
		if err != nil {
			logs.Errorf("encode notification, kind: %s, partition: %s, err: %+v", n.Kind, n.PartitionKey(), err)
			continue
		}

		if err := s.write(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logs.Errorf("write notification, kind: %s, partition: %s, seq: %d, err: %+v", n.Kind, n.PartitionKey(), n.Seq, err)
		}
	}
}

func (s *KafkaSink) write(ctx context.Context, msg kafka.Message) error {
	var err error
	for attempt := 1; attempt <= s.retries; attempt++ {
		if err = s.writer.WriteMessages(ctx, msg); err == nil {
			return nil
		}
		if attempt == s.retries {
			break
		}
		if werr := s.backoff.Wait(ctx, attempt); werr != nil {
			return werr
		}
	}
	return err
}

// Dropped is the number of notifications the sink fell behind on.
func (s *KafkaSink) Dropped() uint64 {
	return s.sub.Dropped()
}

func (s *KafkaSink) Close() error {
	s.sub.Close()
	return s.writer.Close()
}

func encode(n Notification) (kafka.Message, error) {
	payload, err := sonic.Marshal(n)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "marshal notification")
	}
	return kafka.Message{
		Key:   []byte(n.PartitionKey()),
		Value: payload,
		Time:  n.Time,
	}, nil
}
