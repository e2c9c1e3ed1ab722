package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/teemow/fhir-scheduling-mcp/internal/config"
	"github.com/teemow/fhir-scheduling-mcp/internal/events"
	"github.com/teemow/fhir-scheduling-mcp/internal/fhir"
	"github.com/teemow/fhir-scheduling-mcp/internal/instrumentation"
	"github.com/teemow/fhir-scheduling-mcp/internal/ledger"
	"github.com/teemow/fhir-scheduling-mcp/internal/lock"
	"github.com/teemow/fhir-scheduling-mcp/internal/scheduling"
	"github.com/teemow/fhir-scheduling-mcp/internal/server"
)

// dependencies are the external systems the scheduling service talks to.
// Optional ones are nil when not configured.
type dependencies struct {
	store     *fhir.Client
	locker    lock.Locker
	redis     *lock.RedisLocker
	publisher events.Publisher
	kafka     *events.KafkaPublisher
	ledger    *ledger.SQLiteLedger
}

// openStore creates the FHIR store client from cfg.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger, metrics *instrumentation.Metrics) (*fhir.Client, error) {
	store, err := fhir.NewClient(ctx, fhir.Options{
		BaseURL:      cfg.FHIR.BaseURL,
		TokenURL:     cfg.FHIR.TokenURL,
		ClientID:     cfg.FHIR.ClientID,
		ClientSecret: cfg.FHIR.ClientSecret,
		Timeout:      cfg.FHIR.Timeout,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create FHIR client: %w", err)
	}
	return store, nil
}

// openLedger opens the ledger when a path is configured.
func openLedger(cfg config.Config) (*ledger.SQLiteLedger, error) {
	if cfg.Reconcile.LedgerPath == "" {
		return nil, nil
	}
	l, err := ledger.Open(cfg.Reconcile.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return l, nil
}

// openDependencies creates every dependency of the serve command. On error
// anything already opened is closed again.
func openDependencies(ctx context.Context, cfg config.Config, logger *slog.Logger, metrics *instrumentation.Metrics) (_ *dependencies, err error) {
	d := &dependencies{}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if d.store, err = openStore(ctx, cfg, logger, metrics); err != nil {
		return nil, err
	}

	switch cfg.Lock.Backend {
	case config.LockBackendRedis:
		d.redis = lock.NewRedisLocker(lock.RedisOptions{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
		})
		d.locker = d.redis
	case config.LockBackendNone:
		d.locker = lock.NoopLocker{}
	default:
		d.locker = lock.NewMemoryLocker()
	}

	if len(cfg.Events.KafkaBrokers) > 0 {
		d.kafka, err = events.NewKafkaPublisher(strings.Join(cfg.Events.KafkaBrokers, ","), cfg.Events.KafkaTopic, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		d.publisher = d.kafka
	} else {
		d.publisher = events.NewLogPublisher(logger)
	}

	if d.ledger, err = openLedger(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// serviceOptions returns the scheduling options for the configured dependencies.
func (d *dependencies) serviceOptions(cfg config.Config, logger *slog.Logger, metrics *instrumentation.Metrics) []scheduling.Option {
	opts := []scheduling.Option{
		scheduling.WithLocker(d.locker),
		scheduling.WithPublisher(d.publisher),
		scheduling.WithLockTTL(cfg.Lock.TTL),
		scheduling.WithLogger(logger),
		scheduling.WithMetrics(metrics),
	}
	if d.ledger != nil {
		opts = append(opts, scheduling.WithLedger(d.ledger))
	}
	return opts
}

// addHealthChecks registers a readiness check per configured dependency.
func (d *dependencies) addHealthChecks(h *server.HealthChecker) {
	h.AddCheck("fhir", d.store.CheckAuth)
	if d.redis != nil {
		h.AddCheck("redis", d.redis.Ping)
	}
	if d.kafka != nil {
		h.AddCheck("kafka", d.kafka.Ping)
	}
	if d.ledger != nil {
		h.AddCheck("ledger", d.ledger.Ping)
	}
}

// Close releases the connections held by the dependencies.
func (d *dependencies) Close() error {
	var errs []error
	if d.kafka != nil {
		if err := d.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka: %w", err))
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if d.ledger != nil {
		if err := d.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ledger: %w", err))
		}
	}
	return errors.Join(errs...)
}
