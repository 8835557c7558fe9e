// Package upload drives the immediate, foreground upload of a batch of
// local files: one item at a time in position order, resuming safely from
// objects an earlier attempt already wrote.
package upload

import (
	"context"
	"fmt"
	"time"

	"reportsync/internal/classify"
	"reportsync/internal/dedup"
	"reportsync/internal/hash"
	"reportsync/internal/logging"
	"reportsync/internal/metrics"
	"reportsync/internal/objstore"
)

const metricsPath = "immediate"

type Coordinator struct {
	store    objstore.Store
	resolver *dedup.Resolver
	mode     Mode
	logger   logging.Logger
}

func NewCoordinator(store objstore.Store, mode Mode, logger logging.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		resolver: dedup.NewResolver(store),
		mode:     mode,
		logger:   logger,
	}
}

func (c *Coordinator) Mode() Mode { return c.mode }

// UploadBatch uploads b sequentially. onProgress, if not nil, receives 0 at
// start, non-decreasing values capped at 99 while items are in flight, and
// 100 once on Success.
//
// A cancelled ctx stops the batch before its next item and yields Retry
// with the items not yet completed. An upload already handed to the object
// store is not rolled back.
func (c *Coordinator) UploadBatch(ctx context.Context, b Batch, onProgress func(int)) Outcome {
	log := c.logger.With("report", b.owner(), "mode", c.mode.String(), "items", len(b.Items))
	p := newProgress(len(b.Items), onProgress)
	p.start()

	urls := make([]string, 0, len(b.Items))
	var skipped []Item
	var skipKinds []classify.Kind

	for i, item := range b.Items {
		if err := ctx.Err(); err != nil {
			return c.finish(ctx, log, Outcome{
				Status:    Retry,
				URLs:      urls,
				Remaining: b.Items[i:],
				Skipped:   skipped,
				SkipKinds: skipKinds,
				Reason:    "cancelled",
				Err:       err,
			})
		}

		url, err := c.uploadItem(ctx, b, item, func(fraction float64) { p.report(i, fraction) })
		if err != nil {
			if ctx.Err() != nil {
				return c.finish(ctx, log, Outcome{
					Status:    Retry,
					URLs:      urls,
					Remaining: b.Items[i:],
					Skipped:   skipped,
					SkipKinds: skipKinds,
					Reason:    "cancelled",
					Err:       err,
				})
			}

			kind := classify.Classify(err)
			metrics.ItemFailures.WithLabelValues(metricsPath, kind.String()).Inc()

			if c.mode == BestEffort {
				log.Warn(ctx, "skipping item", "position", item.Position, "kind", kind.String(), "err", err)
				skipped = append(skipped, item)
				skipKinds = append(skipKinds, kind)
				p.report(i+1, 0)
				continue
			}

			status := Failure
			if kind.Decision() == classify.Transient {
				status = Retry
			}
			return c.finish(ctx, log, Outcome{
				Status:    status,
				URLs:      urls,
				Remaining: b.Items[i:],
				Reason:    fmt.Sprintf("item %d (%s): %v", item.Position, kind, err),
				Err:       err,
			})
		}

		urls = append(urls, url)
		p.report(i+1, 0)
	}

	p.finish()
	return c.finish(ctx, log, Outcome{Status: Success, URLs: urls, Skipped: skipped, SkipKinds: skipKinds})
}

func (c *Coordinator) finish(ctx context.Context, log logging.Logger, o Outcome) Outcome {
	metrics.BatchOutcomes.WithLabelValues(c.mode.String(), o.Status.String()).Inc()
	if o.Status == Success {
		log.Info(ctx, "batch uploaded", "urls", len(o.URLs), "skipped", len(o.Skipped))
	} else {
		log.Warn(ctx, "batch incomplete", "outcome", o.Status.String(), "remaining", len(o.Remaining), "reason", o.Reason)
	}
	return o
}

func (c *Coordinator) uploadItem(ctx context.Context, b Batch, item Item, onFraction func(float64)) (string, error) {
	key := b.Template.Key(item.Position)
	owner := b.owner()

	url, ok, err := c.resolver.Resolve(ctx, key, owner, item.Position)
	if err != nil {
		return "", fmt.Errorf("dedup %s: %w", key, err)
	}
	if ok {
		metrics.DedupHits.WithLabelValues(metricsPath).Inc()
		c.logger.Debug(ctx, "object already uploaded", "key", key, "position", item.Position)
		return url, nil
	}

	src, err := hash.Open(item.LocalPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrCorruptSource, item.LocalPath, err)
	}
	defer src.Close()

	md := objstore.OwnerTag{OwnerReportID: owner, SourceIndex: item.Position}.Metadata()
	src.Tag(md)

	// the store reports progress through a callback; turn it into a stream
	// drained here so the coordinator owns ordering
	events := make(chan objstore.Progress, 16)
	done := make(chan error, 1)
	start := time.Now()

	go func() {
		defer close(events)
		done <- c.store.Put(ctx, objstore.PutRequest{
			Key:         key,
			Body:        src.File,
			Size:        src.Size,
			ContentType: b.contentType(),
			Metadata:    md,
			CRC32C:      src.CRC32C,
			OnProgress: func(written int64) {
				events <- objstore.Progress{Written: written, Total: src.Size}
			},
		})
	}()

	for ev := range events {
		if ev.Total > 0 {
			onFraction(float64(ev.Written) / float64(ev.Total))
		}
	}
	if err := <-done; err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	metrics.ObjectsUploaded.WithLabelValues(metricsPath).Inc()
	metrics.UploadLatency.WithLabelValues(metricsPath).Observe(time.Since(start).Seconds())

	url, err = c.store.URL(ctx, key)
	if err != nil {
		return "", fmt.Errorf("url %s: %w", key, err)
	}
	return url, nil
}
