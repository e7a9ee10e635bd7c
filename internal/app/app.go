// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/bathyscape/mbharvest/internal/catalog"
	"github.com/bathyscape/mbharvest/internal/config"
	"github.com/bathyscape/mbharvest/internal/harvest"
	"github.com/bathyscape/mbharvest/internal/ledger"
	"github.com/bathyscape/mbharvest/internal/logging"
	"github.com/bathyscape/mbharvest/internal/pipeline"
	memorypub "github.com/bathyscape/mbharvest/internal/publisher/memory"
	pubsubpub "github.com/bathyscape/mbharvest/internal/publisher/pubsub"
	gcsstore "github.com/bathyscape/mbharvest/internal/storage/gcs"
	localstore "github.com/bathyscape/mbharvest/internal/storage/local"
)

// App holds the shared, long-lived services for the harvester. It is built
// once at startup from validated configuration and torn down by Close.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	ledger    harvest.Ledger
	blobs     harvest.BlobStore
	publisher harvest.Publisher
	pipeline  harvest.Pipeline

	closers []func()
}

// Config returns the validated configuration the container was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Ledger returns the configured survey ledger.
func (a *App) Ledger() harvest.Ledger { return a.ledger }

// Blobs returns the configured blob store.
func (a *App) Blobs() harvest.BlobStore { return a.blobs }

// Publisher returns the completion-event publisher, which may be nil when
// the provider is noop.
func (a *App) Publisher() harvest.Publisher { return a.publisher }

// Pipeline returns the processing pipeline, or nil when disabled.
func (a *App) Pipeline() harvest.Pipeline { return a.pipeline }

// New creates the service container. It fails fast if any critical service
// cannot be initialized, before any catalog traffic happens.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}

	switch cfg.Ledger.Provider {
	case "postgres":
		logger.Info("connecting to postgres ledger", zap.String("table", cfg.Ledger.Table))
		pg, err := ledger.NewPostgres(ctx, ledger.PostgresConfig{
			DSN:      cfg.Ledger.DSN,
			Table:    cfg.Ledger.Table,
			MaxConns: cfg.Ledger.MaxConns,
			MinConns: cfg.Ledger.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize ledger: %w", err)
		}
		a.ledger = pg
	case "memory":
		logger.Info("using in-memory ledger, state will not survive the process")
		a.ledger = ledger.NewMemory()
	default:
		return nil, fmt.Errorf("unknown ledger provider: %s", cfg.Ledger.Provider)
	}
	a.closers = append(a.closers, a.ledger.Close)

	switch cfg.Storage.Provider {
	case "local":
		logger.Info("using local blob store", zap.String("dir", cfg.Harvest.OutputDir))
		a.blobs, err = localstore.New(localstore.Config{BaseDir: cfg.Harvest.OutputDir})
	case "gcs":
		logger.Info("using GCS blob store", zap.String("bucket", cfg.Storage.GCSBucket))
		var client *storage.Client
		client, err = storage.NewClient(ctx)
		if err != nil {
			break
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.blobs, err = gcsstore.New(client, gcsstore.Config{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.Prefix,
		})
	default:
		err = fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize blob store: %w", err)
	}

	switch cfg.Publisher.Provider {
	case "pubsub":
		logger.Info("connecting to pub/sub", zap.String("topic", cfg.Publisher.TopicName))
		pub, err := pubsubpub.New(ctx, cfg.Publisher.ProjectID, cfg.Publisher.TopicName)
		if err != nil {
			return nil, fmt.Errorf("initialize publisher: %w", err)
		}
		a.publisher = pub
		a.closers = append(a.closers, func() { _ = pub.Close() })
	case "memory":
		a.publisher = memorypub.New()
	case "noop":
		logger.Info("completion events disabled")
	default:
		return nil, fmt.Errorf("unknown publisher provider: %s", cfg.Publisher.Provider)
	}

	if cfg.Pipeline.Enabled {
		p, err := pipeline.NewExec(pipeline.ExecConfig{
			Command: cfg.Pipeline.Command,
			Args:    cfg.Pipeline.Args,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize pipeline: %w", err)
		}
		a.pipeline = p
	}

	return a, nil
}

// NewCatalogClient builds the catalog HTTP client from configuration.
func (a *App) NewCatalogClient() *catalog.Client {
	return catalog.NewClient(catalog.ClientConfig{
		BaseURL:  a.cfg.Catalog.BaseURL,
		PageSize: a.cfg.Catalog.PageSize,
		Timeout:  a.cfg.CatalogTimeout(),
	}, a.logger)
}

// NewFileResolver builds the directory-listing file resolver.
func (a *App) NewFileResolver() *catalog.Resolver {
	return catalog.NewResolver(catalog.ResolverConfig{
		BaseURL:    a.cfg.Files.BaseURL,
		Extensions: a.cfg.Harvest.Extensions,
		UserAgent:  a.cfg.Files.UserAgent,
		MaxDepth:   a.cfg.Files.MaxDepth,
		Timeout:    a.cfg.FilesTimeout(),
	}, a.logger)
}

// Close gracefully shuts down all services in the container.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}
