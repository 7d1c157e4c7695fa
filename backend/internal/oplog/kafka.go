package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/op"
)

const DefaultTopicPrefix = "collab.ops."

// KafkaBridge maps one session to one single-partition topic, so Kafka's
// partition offsets are exactly the session's dense, gap-free log offsets.
type KafkaBridge struct {
	producer    sarama.SyncProducer
	consumer    sarama.Consumer
	admin       sarama.ClusterAdmin
	topicPrefix string
}

func NewKafkaBridge(producer sarama.SyncProducer, consumer sarama.Consumer, admin sarama.ClusterAdmin, topicPrefix string) *KafkaBridge {
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	return &KafkaBridge{
		producer:    producer,
		consumer:    consumer,
		admin:       admin,
		topicPrefix: topicPrefix,
	}
}

// ProducerConfig returns the sarama config the bridge requires on its
// producer: SyncProducer needs Return.Successes, and local acks are enough
// because ordering, not replication, is what the engine leans on.
func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return cfg
}

// ConsumerConfig enables the error channel so a dying partition consumer
// surfaces as stream termination instead of a silent stall.
func ConsumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true
	return cfg
}

func (b *KafkaBridge) topic(sessionID string) string {
	return b.topicPrefix + sessionID
}

func (b *KafkaBridge) Append(ctx context.Context, sessionID string, o op.Operation) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	value, err := json.Marshal(o)
	if err != nil {
		return 0, err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic(sessionID),
		Key:   sarama.StringEncoder(sessionID),
		Value: sarama.ByteEncoder(value),
	}
	_, offset, err := b.producer.SendMessage(msg)
	if err != nil {
		return 0, mapKafkaErr(err)
	}
	return offset, nil
}

func (b *KafkaBridge) Subscribe(ctx context.Context, sessionID string, from int64) (Stream, error) {
	start := from
	if start < 0 {
		start = sarama.OffsetOldest
	}
	pc, err := b.consumer.ConsumePartition(b.topic(sessionID), 0, start)
	if err != nil {
		return nil, mapKafkaErr(err)
	}
	s := &kafkaStream{
		pc:      pc,
		records: make(chan Record, 256),
		done:    make(chan struct{}),
	}
	go s.pump(ctx, sessionID)
	return s, nil
}

func (b *KafkaBridge) Provision(ctx context.Context, sessionID string) error {
	if b.admin == nil {
		return nil
	}
	detail := &sarama.TopicDetail{NumPartitions: 1, ReplicationFactor: 1}
	err := b.admin.CreateTopic(b.topic(sessionID), detail, false)
	if err == nil || errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

type kafkaStream struct {
	pc      sarama.PartitionConsumer
	records chan Record

	mu   sync.Mutex
	err  error
	done chan struct{}

	closeOnce sync.Once
}

func (s *kafkaStream) pump(ctx context.Context, sessionID string) {
	defer close(s.records)
	for {
		select {
		case msg, ok := <-s.pc.Messages():
			if !ok {
				s.setErr(fmt.Errorf("%w: consumer closed", ErrUnavailable))
				return
			}
			var o op.Operation
			if err := json.Unmarshal(msg.Value, &o); err != nil {
				// A record we cannot decode can never be applied anywhere,
				// so skipping it is safe for convergence.
				zap.S().Warnw("skipping undecodable log record",
					"session", sessionID, "offset", msg.Offset, "error", err)
				continue
			}
			select {
			case s.records <- Record{Offset: msg.Offset, Op: o}:
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			case <-s.done:
				return
			}
		case kerr, ok := <-s.pc.Errors():
			if ok && kerr != nil {
				s.setErr(mapKafkaErr(kerr.Err))
			} else {
				s.setErr(fmt.Errorf("%w: consumer closed", ErrUnavailable))
			}
			return
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case <-s.done:
			return
		}
	}
}

func (s *kafkaStream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *kafkaStream) Records() <-chan Record { return s.records }

func (s *kafkaStream) HighWaterMark() int64 { return s.pc.HighWaterMarkOffset() }

func (s *kafkaStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *kafkaStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.pc.AsyncClose()
	})
	return nil
}

func mapKafkaErr(err error) error {
	if errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
		return fmt.Errorf("%w: %v", ErrSessionUnknown, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
