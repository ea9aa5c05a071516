package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xtrntr/fairlaunch/internal/models"
)

// Producer ships one encoded event to the chain-submission layer.
type Producer interface {
	Publish(ctx context.Context, key, value []byte) error
	Close() error
}

// SaramaProducer publishes through a sarama SyncProducer.
type SaramaProducer struct {
	producer sarama.SyncProducer
	topic    string
}

// NewSaramaProducer dials brokers with acks from all in-sync replicas.
func NewSaramaProducer(brokers []string, topic string) (*SaramaProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewSaramaProducerFrom(producer, topic), nil
}

// NewSaramaProducerFrom wraps an existing SyncProducer.
func NewSaramaProducerFrom(producer sarama.SyncProducer, topic string) *SaramaProducer {
	return &SaramaProducer{producer: producer, topic: topic}
}

func (p *SaramaProducer) Publish(_ context.Context, key, value []byte) error {
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	})
	return err
}

func (p *SaramaProducer) Close() error {
	return p.producer.Close()
}

// KafkaWriterProducer publishes through a segmentio/kafka-go writer.
type KafkaWriterProducer struct {
	writer *kafka.Writer
}

// NewKafkaWriterProducer creates a synchronous writer requiring all acks.
func NewKafkaWriterProducer(brokers []string, topic string) *KafkaWriterProducer {
	return &KafkaWriterProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			MaxAttempts:  3,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaWriterProducer) Publish(ctx context.Context, key, value []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
	})
}

func (p *KafkaWriterProducer) Close() error {
	return p.writer.Close()
}

// Message is the wire form of a published event.
type Message struct {
	V     int               `json:"v"`
	Event models.AuditEvent `json:"event"`
}

// Broadcaster drains the trail to a Producer in seq order, at least once.
type Broadcaster struct {
	trail    *Trail
	producer Producer
	interval time.Duration
	log      *zap.Logger
	cursor   atomic.Uint64 // last published seq
}

// NewBroadcaster starts publishing after seq startAfter.
func NewBroadcaster(trail *Trail, producer Producer, interval time.Duration, startAfter uint64, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	b := &Broadcaster{
		trail:    trail,
		producer: producer,
		interval: interval,
		log:      log,
	}
	b.cursor.Store(startAfter)
	return b
}

// Cursor returns the last published seq.
func (b *Broadcaster) Cursor() uint64 {
	return b.cursor.Load()
}

// Run publishes on every tick until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.log.Info("audit broadcaster started", zap.Uint64("cursor", b.Cursor()))
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info("audit broadcaster stopped", zap.Uint64("cursor", b.Cursor()))
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.PublishPending(ctx); err != nil {
				b.log.Warn("audit publish failed, will retry", zap.Error(err))
			}
		}
	}
}

// PublishPending sends every event after the cursor. It stops at the first
// failure so ordering is preserved and the failed event is retried.
func (b *Broadcaster) PublishPending(ctx context.Context) (int, error) {
	sent := 0
	for ev, err := range b.trail.Query(Filter{FromSeq: b.Cursor() + 1}) {
		if err != nil {
			return sent, err
		}
		value, err := json.Marshal(Message{V: 1, Event: ev})
		if err != nil {
			return sent, fmt.Errorf("failed to encode event %d: %w", ev.Seq, err)
		}
		if err := b.producer.Publish(ctx, []byte(ev.RefID), value); err != nil {
			return sent, fmt.Errorf("failed to publish event %d: %w", ev.Seq, err)
		}
		b.cursor.Store(ev.Seq)
		sent++
	}
	return sent, nil
}
