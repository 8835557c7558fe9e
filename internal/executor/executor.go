// Package executor runs one durable retry task: upload a single local file,
// read back its URL and union-append it to the report field the task names.
package executor

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"reportsync/internal/classify"
	"reportsync/internal/dedup"
	"reportsync/internal/hash"
	"reportsync/internal/logging"
	"reportsync/internal/metrics"
	"reportsync/internal/model"
	"reportsync/internal/objstore"
	"reportsync/internal/reports"
)

const metricsPath = "queued"

type Result int

const (
	Completed Result = iota
	Retry
	PermanentFailure
)

func (r Result) String() string {
	switch r {
	case Completed:
		return "completed"
	case Retry:
		return "retry"
	default:
		return "permanent_failure"
	}
}

type Executor struct {
	store    objstore.Store
	reports  reports.Store
	resolver *dedup.Resolver
	logger   logging.Logger
}

func New(store objstore.Store, rep reports.Store, logger logging.Logger) *Executor {
	return &Executor{
		store:    store,
		reports:  rep,
		resolver: dedup.NewResolver(store),
		logger:   logger,
	}
}

// Run executes task once. The error is the cause of a Retry or
// PermanentFailure and nil on Completed.
func (e *Executor) Run(ctx context.Context, task model.RetryTask) (Result, error) {
	if err := task.Validate(); err != nil {
		return PermanentFailure, err
	}

	err := e.run(ctx, task)
	if err == nil {
		return Completed, nil
	}

	kind := classify.Classify(err)
	metrics.ItemFailures.WithLabelValues(metricsPath, kind.String()).Inc()
	if kind.Decision() == classify.Transient {
		return Retry, err
	}
	return PermanentFailure, fmt.Errorf("%s: %w", kind, err)
}

func (e *Executor) run(ctx context.Context, task model.RetryTask) error {
	log := e.logger.With("task", task.ID, "key", task.StoragePath)

	// keys in the batch layout carry their position, which lets a retry
	// reuse an object an earlier attempt finished writing
	reportID, index, layout := objstore.ParseKey(task.StoragePath)
	layout = layout && reportID == task.ReportID

	var url string
	if layout {
		u, ok, err := e.resolver.Resolve(ctx, task.StoragePath, task.ReportID, index)
		if err != nil {
			return fmt.Errorf("dedup %s: %w", task.StoragePath, err)
		}
		if ok {
			metrics.DedupHits.WithLabelValues(metricsPath).Inc()
			log.Debug(ctx, "object already uploaded")
			url = u
		}
	}

	if url == "" {
		md := map[string]string{objstore.MetaOwnerReportID: task.ReportID}
		if layout {
			md = objstore.OwnerTag{OwnerReportID: task.ReportID, SourceIndex: index}.Metadata()
		}
		if err := e.put(ctx, task, md); err != nil {
			return err
		}

		u, err := e.store.URL(ctx, task.StoragePath)
		if err != nil {
			return fmt.Errorf("url %s: %w", task.StoragePath, err)
		}
		url = u
	}

	if err := e.reports.AppendURL(ctx, task.Scope(), task.FieldName, url); err != nil {
		return fmt.Errorf("append to report: %w", err)
	}
	log.Info(ctx, "task completed", "field", task.FieldName)
	return nil
}

func (e *Executor) put(ctx context.Context, task model.RetryTask, md map[string]string) error {
	path := LocalPath(task.LocalURI)

	src, err := hash.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", classify.ErrCorruptSource, path, err)
	}
	defer src.Close()
	src.Tag(md)

	start := time.Now()
	err = e.store.Put(ctx, objstore.PutRequest{
		Key:         task.StoragePath,
		Body:        src.File,
		Size:        src.Size,
		ContentType: task.MimeType,
		Metadata:    md,
		CRC32C:      src.CRC32C,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", task.StoragePath, err)
	}
	metrics.ObjectsUploaded.WithLabelValues(metricsPath).Inc()
	metrics.UploadLatency.WithLabelValues(metricsPath).Observe(time.Since(start).Seconds())
	return nil
}

// LocalPath turns a local file URI into a filesystem path, decoding
// percent escapes. Plain paths pass through unchanged.
func LocalPath(uri string) string {
	if !strings.HasPrefix(uri, "file:") {
		return uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return strings.TrimPrefix(uri, "file://")
	}
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Path
}
