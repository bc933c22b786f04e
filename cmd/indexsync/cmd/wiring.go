package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Aman-CERP/indexsync/internal/backend"
	"github.com/Aman-CERP/indexsync/internal/config"
	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/internal/executor"
	"github.com/Aman-CERP/indexsync/internal/outbox"
	"github.com/Aman-CERP/indexsync/internal/plan"
	"github.com/Aman-CERP/indexsync/internal/transport"
)

// openBackend opens the backend selected by cfg.Backend.
func openBackend(cfg *config.Config, logger *slog.Logger) (backend.Backend, error) {
	mapping, err := backend.MappingFromFields(cfg.Backend.Mapping)
	if err != nil {
		return nil, err
	}
	switch cfg.Backend.Kind {
	case "remote":
		return backend.NewRemote(backend.RemoteConfig{
			URL:      cfg.Backend.URL,
			Version:  cfg.Backend.Version,
			PoolSize: cfg.Backend.PoolSize,
			Mapping:  mapping,
		}, logger)
	default:
		return backend.NewLocal(cfg.Backend.Path,
			backend.WithLocalLogger(logger),
			backend.WithLocalMapping(mapping))
	}
}

// createIndexes creates the configured indexes with their mapping on a
// remote cluster. Existing indexes are left alone; the local backend has
// nothing to create.
func createIndexes(ctx context.Context, b backend.Backend, indexes []string, logger *slog.Logger) error {
	remote, ok := b.(*backend.Remote)
	if !ok {
		return nil
	}
	for _, index := range indexes {
		if err := remote.PutMapping(ctx, index); err != nil {
			return errors.New(errors.ErrCodeBackendResponse, fmt.Sprintf("failed to create index %s", index), err).
				WithSuggestion("check the cluster is reachable and backend.mapping matches the existing index")
		}
		logger.Info("backend_index_ready", slog.String("index", index))
	}
	return nil
}

func executorConfig(cfg *config.Config) executor.Config {
	e := cfg.Executor
	return executor.Config{
		PoolSize:      e.PoolSize,
		QueueSize:     e.QueueSize,
		MaxBatchSize:  e.MaxBatchSize,
		MaxBatchBytes: e.MaxBatchBytes,
		Retry: errors.RetryConfig{
			MaxRetries:   e.MaxRetries,
			InitialDelay: config.Duration(e.RetryInitialDelay),
			MaxDelay:     config.Duration(e.RetryMaxDelay),
			Multiplier:   2.0,
			Jitter:       true,
		},
		CircuitMaxFailures:  e.CircuitMaxFailures,
		CircuitResetTimeout: config.Duration(e.CircuitResetTimeout),
	}
}

func submitOptions(cfg *config.Config) (executor.SubmitOptions, error) {
	bp, err := executor.ParseBackpressure(strings.ToLower(cfg.Executor.Backpressure))
	if err != nil {
		return executor.SubmitOptions{}, errors.ConfigError("invalid backpressure policy", err)
	}
	return executor.SubmitOptions{
		Backpressure: bp,
		Wait:         config.Duration(cfg.Executor.WaitTimeout),
	}, nil
}

func outboxConfig(cfg *config.Config) (outbox.Config, error) {
	strategy, err := plan.ParseStrategy(strings.ToLower(cfg.Outbox.Strategy))
	if err != nil {
		return outbox.Config{}, errors.ConfigError("invalid outbox strategy", err)
	}
	oc := outbox.DefaultConfig()
	oc.BatchSize = cfg.Outbox.BatchSize
	oc.PollInterval = config.Duration(cfg.Outbox.PollInterval)
	oc.ClaimTimeout = config.Duration(cfg.Outbox.ClaimTimeout)
	oc.MaxRetries = cfg.Outbox.MaxRetries
	oc.Strategy = strategy
	oc.CleanStaleRoutes = cfg.Outbox.CleanStaleRoutes
	return oc, nil
}

func transportConsumerConfig(cfg *config.Config) transport.ConsumerConfig {
	return transport.ConsumerConfig{
		Brokers: cfg.Transport.Brokers,
		Topic:   cfg.Transport.Topic,
		GroupID: cfg.Transport.GroupID,
		Retry:   errors.DefaultRetryConfig(),
	}
}

// pipeline is the running set of components behind `indexsync run`.
type pipeline struct {
	exec      *executor.Executor
	store     *outbox.Store
	consumer  *outbox.Consumer
	transport *transport.Consumer
	logger    *slog.Logger
}

// newPipeline opens the backend, executor and outbox described by cfg, and
// the Kafka consumer when brokers are configured. All metrics go to reg.
func newPipeline(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*pipeline, error) {
	oc, err := outboxConfig(cfg)
	if err != nil {
		return nil, err
	}
	if oc.Submit, err = submitOptions(cfg); err != nil {
		return nil, err
	}

	b, err := openBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := createIndexes(ctx, b, cfg.Backend.Indexes, logger); err != nil {
		_ = b.Close()
		return nil, err
	}
	exec, err := executor.New(b, executorConfig(cfg),
		executor.WithLogger(logger), executor.WithRegisterer(reg))
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	p := &pipeline{exec: exec, logger: logger}

	p.store, err = outbox.Open(ctx, cfg.Outbox.Path, outbox.WithStoreLogger(logger))
	if err != nil {
		p.close()
		return nil, err
	}

	failures := plan.LogFailureHandler(logger)
	consumerOpts := []outbox.ConsumerOption{
		outbox.WithFailureHandler(failures),
		outbox.WithRegisterer(reg),
		outbox.WithConsumerLogger(logger),
	}
	if cfg.Outbox.RoutingField != "" {
		resolver, err := plan.NewCachedResolver(plan.FieldResolver(cfg.Outbox.RoutingField), cfg.Outbox.RoutingCacheSize)
		if err != nil {
			p.close()
			return nil, errors.ConfigError("invalid outbox routing cache", err)
		}
		consumerOpts = append(consumerOpts, outbox.WithRoutingResolver(resolver))
	}
	p.consumer, err = outbox.NewConsumer(p.store, exec, oc, consumerOpts...)
	if err != nil {
		p.close()
		return nil, err
	}

	if cfg.Transport.Enabled() {
		p.transport, err = transport.NewConsumer(transportConsumerConfig(cfg), exec,
			transport.WithFailureHandler(failures),
			transport.WithLogger(logger))
		if err != nil {
			p.close()
			return nil, err
		}
	}
	return p, nil
}

// run blocks until ctx is done.
func (p *pipeline) run(ctx context.Context) error {
	if p.transport != nil {
		if err := p.transport.Start(ctx); err != nil {
			return err
		}
	}
	return p.consumer.Run(ctx)
}

func (p *pipeline) close() {
	if p.transport != nil {
		if err := p.transport.Stop(); err != nil {
			p.logger.Warn("transport_stop_failed", errors.LogAttrs(err)...)
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			p.logger.Warn("outbox_close_failed", errors.LogAttrs(err)...)
		}
	}
	if err := p.exec.Close(shutdownTimeout); err != nil {
		p.logger.Warn("executor_close_failed", errors.LogAttrs(err)...)
	}
}
