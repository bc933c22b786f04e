// Package transport carries work batches between processes over Kafka.
//
// It is a compatibility path next to the outbox: a producer publishes
// encoded descriptor batches and a consumer replays them through an
// executor. Segment merges are never sent across processes.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Aman-CERP/indexsync/internal/codec"
	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

// HeaderIndexName is the message header carrying the target index.
const HeaderIndexName = "index-name"

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	// RequiredAcks is -1 (all), 0 (none) or 1 (leader).
	RequiredAcks int
	// Compression is one of gzip, snappy, lz4, zstd, or empty for none.
	Compression string
}

// Producer publishes work batches.
type Producer struct {
	writer MessageWriter
	topic  string
	logger *slog.Logger
}

// NewProducer creates a producer writing to cfg.Brokers.
func NewProducer(cfg ProducerConfig, logger *slog.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.ConfigError("at least one broker is required", nil)
	}
	if cfg.Topic == "" {
		return nil, errors.ConfigError("transport topic is required", nil)
	}

	var compression kafka.Compression
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "snappy":
		compression = kafka.Snappy
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "":
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown compression %q", cfg.Compression), nil)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{}, // same index, same partition
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		Compression:            compression,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		AllowAutoTopicCreation: true,
	}
	return NewProducerWithWriter(writer, cfg.Topic, logger), nil
}

// NewProducerWithWriter creates a producer over an existing writer.
func NewProducerWithWriter(w MessageWriter, topic string, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{writer: w, topic: topic, logger: logger}
}

// Send publishes batch as one message for indexName. Segment merges are
// dropped; a batch with nothing left is not sent.
func (p *Producer) Send(ctx context.Context, indexName string, batch []*work.Descriptor) error {
	filtered := make([]*work.Descriptor, 0, len(batch))
	for _, d := range batch {
		if d.Kind() == work.KindMergeSegments {
			continue
		}
		filtered = append(filtered, d)
	}
	if dropped := len(batch) - len(filtered); dropped > 0 {
		p.logger.Debug("transport_merge_dropped",
			slog.String("index", indexName),
			slog.Int("dropped", dropped))
	}
	if len(filtered) == 0 {
		return nil
	}

	data, err := codec.EncodeBatch(filtered)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:     []byte(indexName),
		Value:   data,
		Headers: []kafka.Header{{Key: HeaderIndexName, Value: []byte(indexName)}},
		Time:    time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.New(errors.ErrCodeBackendUnavailable,
			fmt.Sprintf("failed to publish work batch for %s", indexName), err).
			WithDetail("topic", p.topic)
	}

	p.logger.Debug("transport_batch_sent",
		slog.String("index", indexName),
		slog.Int("items", len(filtered)),
		slog.Int("bytes", len(data)))
	return nil
}

// Close closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
