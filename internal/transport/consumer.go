package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Aman-CERP/indexsync/internal/codec"
	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/internal/executor"
	"github.com/Aman-CERP/indexsync/internal/plan"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
	// Retry bounds replays of a batch whose submission failed outright.
	Retry errors.RetryConfig
}

// Consumer replays received work batches through an executor.
type Consumer struct {
	reader    MessageReader
	submitter plan.Submitter
	retry     errors.RetryConfig
	failures  plan.FailureHandler
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithFailureHandler receives batches that could not be fully applied.
func WithFailureHandler(h plan.FailureHandler) ConsumerOption {
	return func(c *Consumer) { c.failures = h }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// NewConsumer creates a consumer group reader for cfg.Topic.
func NewConsumer(cfg ConsumerConfig, sub plan.Submitter, opts ...ConsumerOption) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.ConfigError("at least one broker is required", nil)
	}
	if cfg.Topic == "" {
		return nil, errors.ConfigError("transport topic is required", nil)
	}
	if cfg.GroupID == "" {
		return nil, errors.ConfigError("transport group id is required", nil)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	})
	return NewConsumerWithReader(reader, sub, cfg.Retry, opts...), nil
}

// NewConsumerWithReader creates a consumer over an existing reader.
func NewConsumerWithReader(r MessageReader, sub plan.Submitter, retry errors.RetryConfig, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		reader:    r,
		submitter: sub,
		retry:     retry,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.failures == nil {
		c.failures = plan.LogFailureHandler(c.logger)
	}
	c.retry.ShouldRetry = errors.IsRetryable
	return c
}

// Start consumes in the background until Stop or ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.InternalError("transport consumer is already running", nil)
	}
	c.running = true

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeLoop(ctx)
	}()

	c.logger.Info("transport_consumer_started")
	return nil
}

// Stop stops consuming and closes the reader.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		return errors.InternalError("failed to close transport reader", err)
	}
	c.logger.Info("transport_consumer_stopped")
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("transport_fetch_failed", slog.String("error", err.Error()))
			if errors.Sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}

		c.handle(ctx, msg)

		// Committed even when the batch failed; failures went to the handler.
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("transport_commit_failed",
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()))
		}
	}
}

// handle applies one message. Undecodable messages are logged and skipped.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	indexName := headerValue(msg, HeaderIndexName)
	batch, err := codec.DecodeBatch(msg.Value)
	if err != nil {
		c.logger.Error("transport_message_undecodable",
			append([]any{
				slog.String("index", indexName),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			}, errors.LogAttrs(err)...)...)
		return
	}
	if len(batch) == 0 {
		return
	}

	report, err := errors.RetryWithResult(ctx, c.retry, func() (*executor.Report, error) {
		f, err := c.submitter.Submit(ctx, batch, executor.SubmitOptions{Backpressure: executor.Block})
		if err != nil {
			return nil, err
		}
		return f.Wait(ctx)
	})

	refs := entityRefs(batch)
	switch {
	case err != nil:
		c.failures.HandleFailure(ctx, plan.FailureContext{
			Pending: refs,
			Err:     errors.New(errors.ErrCodeSubmissionFailed, fmt.Sprintf("work batch for %s was not applied", indexName), err),
		})
	case !report.FullySuccessful():
		c.failures.HandleFailure(ctx, plan.FailureContext{
			Refs:    report.FailedRefs(),
			Pending: refs,
			Err:     report.Err,
			Report:  report,
		})
	default:
		c.logger.Debug("transport_batch_applied",
			slog.String("index", indexName),
			slog.Int("items", report.Submitted))
	}
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func entityRefs(batch []*work.Descriptor) []work.EntityReference {
	refs := make([]work.EntityReference, 0, len(batch))
	for _, d := range batch {
		if !d.Entity().IsZero() {
			refs = append(refs, d.Entity())
		}
	}
	return refs
}
