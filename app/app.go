// Package app assembles the orchestrator and its adapters from
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"

	"github.com/georgepadayatti/signflow/api"
	"github.com/georgepadayatti/signflow/config"
	"github.com/georgepadayatti/signflow/notify"
	"github.com/georgepadayatti/signflow/sign/remote"
	"github.com/georgepadayatti/signflow/storage/blob"
	"github.com/georgepadayatti/signflow/storage/cache"
	"github.com/georgepadayatti/signflow/storage/store"
	"github.com/georgepadayatti/signflow/workflow"
)

// App is a configured orchestrator with the adapters it runs on.
type App struct {
	Config       *config.AppConfig
	Logger       *slog.Logger
	Orchestrator *workflow.Orchestrator
	Provider     *remote.Client
	Store        workflow.Store
	Blobs        workflow.BlobStore

	closers []func() error
}

// Build creates the adapters selected by cfg. The caller must Close the
// App.
func Build(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	switch cfg.Storage.Blob.Driver {
	case config.DriverGCS:
		g, err := blob.NewGCS(ctx, cfg.Storage.Blob.Bucket)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		a.Blobs = g
	case config.DriverS3:
		s, err := blob.NewS3(ctx, blob.S3Options{
			Bucket:   cfg.Storage.Blob.Bucket,
			Region:   cfg.Storage.Blob.Region,
			Endpoint: cfg.Storage.Blob.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		a.Blobs = s
	default:
		a.Blobs = blob.NewMemory()
	}

	var notifier workflow.Notifier = notify.NewLog(logger)
	switch cfg.Storage.Store.Driver {
	case config.DriverPostgres:
		pool, err := store.Connect(ctx, cfg.Storage.Store.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.Store = store.NewPostgres(pool)
	case config.DriverFirestore:
		c, err := firestore.NewClient(ctx, cfg.Storage.Store.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, c.Close)
		a.Store = store.NewFirestore(c, cfg.Storage.Store.LockLease)
		notifier = notify.Multi{notifier, notify.NewFirestoreOutbox(c, "")}
	default:
		a.Store = store.NewMemory()
	}

	var contexts workflow.ContextCache
	switch cfg.Storage.Cache.Driver {
	case config.DriverDynamoDB:
		d, err := cache.NewDynamoDB(ctx, cache.DynamoDBOptions{
			Table:    cfg.Storage.Cache.Table,
			Region:   cfg.Storage.Cache.Region,
			Endpoint: cfg.Storage.Cache.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		contexts = d
	default:
		contexts = cache.NewMemory(nil)
	}

	a.Provider = remote.NewClient(cfg.Provider.Remote(), remote.WithLogger(logger))
	a.Orchestrator = workflow.NewOrchestrator(workflow.Deps{
		Store:    a.Store,
		Blobs:    a.Blobs,
		Cache:    contexts,
		Notifier: notifier,
		Provider: a.Provider,
		Logger:   logger,
	}, cfg.WorkflowOptions())
	return a, nil
}

// Migrate creates the PostgreSQL schema when the store is PostgreSQL.
func (a *App) Migrate(ctx context.Context) error {
	if pg, ok := a.Store.(*store.Postgres); ok {
		return pg.Migrate(ctx)
	}
	return nil
}

// Server returns the HTTP API for the orchestrator.
func (a *App) Server() *api.Server {
	return api.NewServer(a.Orchestrator, a.Provider, a.Logger, api.Options{
		MaxBodyBytes:   a.Config.Server.MaxBodyBytes,
		PresignTTL:     a.Config.Storage.Blob.PresignTTL,
		RequestTimeout: a.Config.Server.RequestTimeout,
	})
}

// Close releases the clients Build opened.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
