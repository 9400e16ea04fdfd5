// Builds the adapters and their dependencies from the configuration.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/maruel/docstore/internal/config"
	"github.com/maruel/docstore/internal/docstore"
	"github.com/maruel/docstore/internal/history"
	"github.com/maruel/docstore/internal/jsondb"
	"github.com/maruel/docstore/internal/lock"
	"github.com/maruel/docstore/internal/mongodb"
)

// app holds everything a command needs.
type app struct {
	cfg      *config.Config
	db       *jsondb.Store
	history  *history.Repo
	registry *docstore.Registry
	adapter  docstore.Adapter
	metrics  *prometheus.Registry
	closers  []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, registry: docstore.NewRegistry(), metrics: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			err = errors.Join(err, a.Close(context.WithoutCancel(ctx)))
		}
	}()

	validator := docstore.NewSchemaValidator()
	if cfg.SchemasDir != "" {
		if err := validator.LoadDir(cfg.SchemasDir); err != nil {
			return nil, err
		}
	}

	cols, err := cfg.StoreCollections()
	if err != nil {
		return nil, err
	}
	if a.db, err = jsondb.Open(cfg.DataDir, append(cols, docstore.Counters())); err != nil {
		return nil, err
	}
	provider, err := a.lockProvider(ctx)
	if err != nil {
		return nil, err
	}
	opts := docstore.Options{
		Store:      cfg.Store,
		Defaults:   cfg.Defaults(),
		References: cfg.References,
		Validator:  validator,
		Metrics:    docstore.NewMetrics(a.metrics),
	}
	if cfg.History.Enabled {
		if a.history, err = history.Open(cfg.DataDir, cfg.History.AuthorName, cfg.History.AuthorEmail); err != nil {
			return nil, err
		}
		opts.Recorder = a.history
	}
	svc, err := docstore.NewService(a.db, lock.NewManager(provider, cfg.LockOptions()), opts)
	if err != nil {
		return nil, err
	}
	if err := a.registry.Register(config.BackendJSON, svc); err != nil {
		return nil, err
	}

	if cfg.MongoDB.URI != "" {
		m, err := mongodb.Connect(ctx, cfg.MongoDB.URI, cfg.MongoDB.Database, cfg.CollectionNames(), mongodb.Options{
			Defaults:   opts.Defaults,
			References: cfg.References,
			Validator:  validator,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, m.Close)
		if err := a.registry.Register(config.BackendMongoDB, m); err != nil {
			return nil, err
		}
	}
	if a.adapter, err = a.registry.Get(cfg.Backend); err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "docstore: ready", "backend", cfg.Backend, "data_dir", cfg.DataDir, "lock", cfg.Lock.Provider)
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) lockProvider(ctx context.Context) (lock.Provider, error) {
	l := a.cfg.Lock
	switch l.Provider {
	case config.ProviderLocal:
		return lock.NewLocal(), nil
	case config.ProviderFlock:
		return lock.NewFlock(a.cfg.LockDir())
	case config.ProviderDynamoDB:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if l.DynamoDB.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(l.DynamoDB.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if l.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = aws.String(l.DynamoDB.Endpoint)
			}
		})
		return lock.NewDynamoDB(client, l.DynamoDB.Table), nil
	case config.ProviderNATS:
		nc, err := nats.Connect(l.NATS.URL,
			nats.Name("docstore"),
			nats.MaxReconnects(5),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return nc.Drain() })
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("failed to open JetStream: %w", err)
		}
		// Keys outlive the longest lease so that expiry is decided by the
		// lease itself.
		return lock.NewNATS(ctx, js, l.NATS.Bucket, 4*l.TTL)
	default:
		return nil, fmt.Errorf("unknown lock provider %q", l.Provider)
	}
}
