package main

import (
	"context"
	"errors"
	"fmt"

	"reportsync/internal/config"
	"reportsync/internal/gcs"
	"reportsync/internal/objstore"
	"reportsync/internal/queue"
	"reportsync/internal/redisqueue"
	"reportsync/internal/reports"
	"reportsync/internal/s3store"
	"reportsync/internal/store"
)

func openQueue(ctx context.Context, cfg config.Queue) (queue.TaskQueue, error) {
	switch cfg.Backend {
	case "redis":
		return redisqueue.Dial(ctx, redisqueue.Config{URL: cfg.RedisURL, Password: cfg.RedisPassword})
	default:
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		if err := store.Init(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init db: %w", err)
		}
		return store.New(db), nil
	}
}

// openObjectStore returns the store and a func releasing its client.
func openObjectStore(ctx context.Context, cfg config.ObjectStore) (objstore.Store, func() error, error) {
	switch cfg.Backend {
	case "s3":
		client, err := s3store.NewClient(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("s3 client: %w", err)
		}
		return s3store.NewStore(client, cfg.Bucket, cfg.Endpoint, cfg.Region), func() error { return nil }, nil
	default:
		s, err := gcs.Open(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}

func openReports(ctx context.Context, cfg config.Reports) (reports.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return reports.OpenPostgres(ctx, cfg.PostgresDSN)
	default:
		client, err := reports.NewFirestoreClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		return reports.NewFirestoreStore(client), nil
	}
}

// deps is everything the commands share. Fields stay nil when a command
// does not need them.
type deps struct {
	queue   queue.TaskQueue
	objects objstore.Store
	reports reports.Store
	closers []func() error
}

func (d *deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	return errors.Join(errs...)
}

// open connects the queue and, when withUpload is set, the object and
// report stores. Cloud clients keep ctx for token refresh, so it must live
// as long as they do.
func open(ctx context.Context, cfg *config.Config, withUpload bool) (*deps, error) {
	d := &deps{}
	q, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return nil, err
	}
	d.queue = q
	d.closers = append(d.closers, q.Close)
	if !withUpload {
		return d, nil
	}

	objects, closeObjects, err := openObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.objects = objects
	d.closers = append(d.closers, closeObjects)

	rep, err := openReports(ctx, cfg.Reports)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.reports = rep
	d.closers = append(d.closers, rep.Close)
	return d, nil
}
