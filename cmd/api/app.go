package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"saukidata/auth"
	"saukidata/catalog"
	"saukidata/config"
	"saukidata/db"
	"saukidata/httpclient"
	"saukidata/order"
	"saukidata/outbox"
	"saukidata/payment"
	"saukidata/provisioning"
	"saukidata/reconcile"
	"saukidata/tracing"
)

const verifierTimeout = 20 * time.Second

// app holds the wired collaborators for one process.
type app struct {
	cfg        config.Config
	log        zerolog.Logger
	tracer     trace.Tracer
	ledger     order.Ledger
	plans      catalog.Catalog
	operators  *auth.Service
	reconciler *reconcile.Service
	outbox     outbox.Store
	publisher  outbox.Publisher
	migrate    func(ctx context.Context) ([]string, error)
	closers    []func() error
}

// newStorage opens the ledger backend named by cfg.Database.Driver. It is enough for
// migrate, stuck and operator commands, which need no outbound clients.
func newStorage(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var operatorRepo auth.Repository
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: cfg.Database.MaxConns})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })

		a.ledger = order.NewRepository(pool)
		a.outbox = outbox.NewPGStore(pool)
		operatorRepo = auth.NewRepository(pool)
		if len(cfg.Plans) == 0 {
			a.plans = catalog.NewRepository(pool)
		}
		a.migrate = func(ctx context.Context) ([]string, error) { return db.Migrate(ctx, pool) }

	case "sqlite":
		sqlDB, err := db.OpenSQLite(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sqlDB.Close)

		ledger := order.NewSQLiteRepository(sqlDB)
		operators := auth.NewSQLiteRepository(sqlDB)
		a.ledger = ledger
		a.outbox = outbox.NewSQLiteStore(sqlDB)
		operatorRepo = operators
		a.migrate = func(ctx context.Context) ([]string, error) {
			if err := ledger.Migrate(ctx); err != nil {
				return nil, err
			}
			if err := operators.Migrate(ctx); err != nil {
				return nil, err
			}
			return []string{"sqlite:orders", "sqlite:operators"}, nil
		}

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	if a.plans == nil {
		static, err := catalog.NewStaticCatalog(cfg.Plans)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.plans = static
	}

	a.operators = auth.NewService(operatorRepo, cfg.Auth.JWTSecret).WithTokenTTL(cfg.Auth.TokenTTL.Std())
	return a, nil
}

// newApp wires storage plus the outbound clients, cache, tracer and relay used by serve
// and reconcile.
func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	tp, err := tracing.Init(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint, cfg.Tracing.SampleRatio)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	a, err := newStorage(ctx, cfg, log)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(sctx)
	})
	a.tracer = otel.Tracer("saukidata")

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable; plan lookups will bypass the cache until it recovers")
		}
		a.plans = catalog.NewRedisCache(a.plans, rdb, cfg.Redis.CacheTTL.Std())
	}

	gatewayHTTP, err := httpclient.New(a.tracer, httpclient.Options{Timeout: verifierTimeout})
	if err != nil {
		a.Close()
		return nil, err
	}
	providerHTTP, err := httpclient.New(a.tracer, httpclient.Options{
		ProxyURL: cfg.Provider.ProxyURL,
		Timeout:  cfg.Provider.Timeout.Std(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	verifier := payment.NewFlutterwaveClient(gatewayHTTP, cfg.Payment.BaseURL, cfg.Payment.SecretKey)
	provisioner := provisioning.NewAmigoClient(providerHTTP, cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Networks)

	a.reconciler = reconcile.NewService(a.ledger, a.plans, verifier, provisioner).
		WithTimeouts(cfg.Reconcile.ProvisionTimeout.Std(), cfg.Reconcile.SettleTimeout.Std()).
		WithLogger(log)

	if len(cfg.Kafka.Brokers) > 0 {
		kp := outbox.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix)
		a.closers = append(a.closers, kp.Close)
		a.publisher = kp
	} else {
		a.publisher = outbox.LogPublisher{Log: log.With().Str("component", "outbox").Logger()}
	}
	return a, nil
}

func (a *app) relay() *outbox.Relay {
	r := outbox.NewRelay(a.outbox, a.publisher)
	if d := a.cfg.Outbox.PollInterval.Std(); d > 0 {
		r.PollInterval = d
	}
	if a.cfg.Outbox.BatchSize > 0 {
		r.BatchSize = a.cfg.Outbox.BatchSize
	}
	if a.cfg.Outbox.MaxAttempts > 0 {
		r.MaxAttempts = a.cfg.Outbox.MaxAttempts
	}
	r.Log = a.log.With().Str("component", "outbox").Logger()
	return r
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
