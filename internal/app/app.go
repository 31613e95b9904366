// Package app assembles the pipeline, its backends and the scheduler from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-elt/internal/config"
	"github.com/dvloznov/finance-elt/internal/extract"
	infraBQ "github.com/dvloznov/finance-elt/internal/infra/bigquery"
	"github.com/dvloznov/finance-elt/internal/logger"
	"github.com/dvloznov/finance-elt/internal/notify"
	"github.com/dvloznov/finance-elt/internal/objectstore"
	"github.com/dvloznov/finance-elt/internal/pipeline"
	"github.com/dvloznov/finance-elt/internal/scheduler"
	"github.com/dvloznov/finance-elt/internal/statestore"
	"github.com/dvloznov/finance-elt/internal/statestore/memory"
	"github.com/dvloznov/finance-elt/internal/statestore/postgres"
	"github.com/dvloznov/finance-elt/internal/warehouse"
	"github.com/dvloznov/finance-elt/internal/warehouse/memwh"
)

const localProject = "local"

// App is a fully wired pipeline.
type App struct {
	Config    *config.Config
	Pipeline  *pipeline.Pipeline
	State     statestore.Store
	Scheduler *scheduler.Scheduler

	closers []func() error
}

// Wire builds every backend named by cfg. opts.OnTick is left to the caller.
func Wire(ctx context.Context, cfg *config.Config, opts scheduler.Options) (*App, error) {
	log := logger.FromContext(ctx)
	a := &App{Config: cfg}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var bq *bigquery.Client
	if cfg.Warehouse == config.BackendBigQuery || cfg.StateStore == config.BackendBigQuery {
		client, err := bigquery.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("Wire: creating BigQuery client: %w", err)
		}
		if cfg.Location != "" {
			client.Location = cfg.Location
		}
		bq = client
		a.closers = append(a.closers, client.Close)
	}

	store, err := a.objectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	project := cfg.ProjectID
	var wh warehouse.Warehouse
	switch cfg.Warehouse {
	case config.BackendBigQuery:
		wh = infraBQ.NewWarehouseWithClient(bq, infraBQ.Options{
			Project:     cfg.ProjectID,
			Dataset:     cfg.Dataset,
			Location:    cfg.Location,
			LoadTimeout: cfg.LoadTimeout,
		})
	default:
		local := memwh.New()
		pipeline.RegisterLocalModels(local)
		wh = local
		if project == "" {
			project = localProject
		}
	}

	switch cfg.StateStore {
	case config.BackendBigQuery:
		a.State = infraBQ.NewRunStoreWithClient(bq, cfg.ProjectID, cfg.Dataset)
	case config.BackendPostgres:
		pg, err := postgres.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("Wire: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.State = pg
	default:
		a.State = memory.NewStore()
	}

	fetcher, err := extract.NewClient(extract.Options{
		Endpoint: cfg.APIURL,
		Token:    cfg.APIToken,
		Timeout:  cfg.APITimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("Wire: %w", err)
	}

	def, err := pipeline.Load(cfg.PipelineFile)
	if err != nil {
		return nil, fmt.Errorf("Wire: %w", err)
	}

	a.Pipeline, err = pipeline.Build(def, pipeline.Backends{
		Fetcher:   fetcher,
		Store:     store,
		Warehouse: wh,
		Project:   project,
		Dataset:   cfg.Dataset,
	})
	if err != nil {
		return nil, fmt.Errorf("Wire: %w", err)
	}

	if opts.Schedule == "" {
		opts.Schedule = cfg.Schedule
	}
	if opts.LogicalDateLag == 0 {
		opts.LogicalDateLag = cfg.LogicalDateLag
	}
	if opts.RunTimeout == 0 {
		opts.RunTimeout = cfg.RunTimeout
	}

	executor := scheduler.NewExecutor(a.State, cfg.MaxParallel)
	a.Scheduler = scheduler.New(a.State, executor, a.Pipeline.Graph, Notifier(cfg), opts)

	log.Info().
		Str("pipeline", def.Name).
		Str("object_store", cfg.ObjectStore).
		Str("warehouse", cfg.Warehouse).
		Str("state_store", cfg.StateStore).
		Int("steps", a.Pipeline.Graph.Len()).
		Msg("Pipeline wired")

	ok = true
	return a, nil
}

func (a *App) objectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, error) {
	switch cfg.ObjectStore {
	case config.BackendGCS:
		gcs, err := objectstore.NewGCSStore(ctx, cfg.StagingBucket)
		if err != nil {
			return nil, fmt.Errorf("Wire: %w", err)
		}
		a.closers = append(a.closers, gcs.Close)
		return gcs, nil
	case config.BackendMinIO:
		s3, err := objectstore.NewMinIOStore(objectstore.MinIOOptions{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			UseSSL:    cfg.MinIO.UseSSL,
			Region:    cfg.MinIO.Region,
			Bucket:    cfg.StagingBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("Wire: %w", err)
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("Wire: %w", err)
		}
		return s3, nil
	default:
		bucket := cfg.StagingBucket
		if bucket == "" {
			bucket = "staging"
		}
		return objectstore.NewMemoryStore(bucket), nil
	}
}

// Notifier returns the log notifier, plus Notion when it is configured.
func Notifier(cfg *config.Config) notify.Notifier {
	notifiers := notify.Multi{notify.LogNotifier{}}
	if cfg.NotionToken != "" && cfg.NotionDatabaseID != "" {
		notifiers = append(notifiers, notify.NewNotionNotifier(notify.NewNotionClient(cfg.NotionToken), cfg.NotionDatabaseID))
	}
	return notifiers
}

// Close releases backend clients in reverse order of creation.
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
