// Package pipeline saves a batch of local photos to a report. It tries the
// immediate upload first and falls back to the durable retry queue for
// whatever could not be finished, so a file is never dropped silently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"reportsync/internal/janitor"
	"reportsync/internal/logging"
	"reportsync/internal/model"
	"reportsync/internal/objstore"
	"reportsync/internal/reports"
	"reportsync/internal/upload"
	"reportsync/internal/worker"
)

type SaveRequest struct {
	Scope    model.ReportScope
	Field    string // report field receiving the URLs, e.g. "photos"
	Category objstore.Category
	Name     string // object base name, e.g. "photo"
	// Paths in position order.
	Paths []string
	// Stage copies the files into the cache first, leaving the originals
	// untouched by cleanup.
	Stage bool
}

func (r SaveRequest) validate() error {
	switch {
	case r.Scope.OrganizationID == "" || r.Scope.ProjectID == "" || r.Scope.ReportID == "":
		return fmt.Errorf("%w: incomplete report scope %q", model.ErrMalformedTask, r.Scope.String())
	case r.Field == "":
		return fmt.Errorf("%w: missing report field", model.ErrMalformedTask)
	case r.Name == "":
		return fmt.Errorf("%w: missing object name", model.ErrMalformedTask)
	}
	_, err := objstore.ParseCategory(string(r.Category))
	return err
}

type SaveResult struct {
	Outcome upload.Outcome
	// Deferred is set when items were handed to the durable queue.
	Deferred *worker.Handle
	// Cleaned counts cache files deleted after a successful batch.
	Cleaned int
}

type Pipeline struct {
	coord     *upload.Coordinator
	reports   reports.Store
	scheduler *worker.Scheduler
	janitor   *janitor.Janitor
	root      string
	logger    logging.Logger
}

func New(coord *upload.Coordinator, rep reports.Store, sched *worker.Scheduler, jan *janitor.Janitor, root string, logger logging.Logger) *Pipeline {
	return &Pipeline{
		coord:     coord,
		reports:   rep,
		scheduler: sched,
		janitor:   jan,
		root:      root,
		logger:    logger,
	}
}

func (p *Pipeline) template(req SaveRequest) objstore.Template {
	return objstore.Template{Root: p.root, ReportID: req.Scope.ReportID, Category: req.Category, Name: req.Name}
}

// Save uploads req.Paths now.
//
//   - Success: the URLs are appended to the report, then the uploaded cache
//     files are deleted. Items skipped in best-effort mode keep their files;
//     those skipped for a transient reason are also queued.
//   - Retry: completed URLs are appended and the remaining items go to the
//     durable queue. Nothing is deleted.
//   - Failure: completed URLs are appended; the rest is reported back.
//     Nothing is deleted.
//
// Appends and enqueues outlive a cancelled ctx, so a cancelled save still
// hands its remainder to the queue.
func (p *Pipeline) Save(ctx context.Context, req SaveRequest, onProgress func(int)) (SaveResult, error) {
	if err := req.validate(); err != nil {
		return SaveResult{}, err
	}
	paths, err := p.stage(ctx, req)
	if err != nil {
		return SaveResult{}, err
	}

	tpl := p.template(req)
	batch := upload.NewBatch(tpl, paths)
	out := p.coord.UploadBatch(ctx, batch, onProgress)
	res := SaveResult{Outcome: out}

	durable := context.WithoutCancel(ctx)
	log := p.logger.With("report", req.Scope.String(), "field", req.Field, "mode", p.coord.Mode().String())
	completed := completedItems(batch, out)

	// URLs that could not be appended are recovered through the queue:
	// the executor finds the objects in place and only appends.
	var toDefer []upload.Item
	appended := true
	if err := p.reports.AppendURLs(durable, req.Scope, req.Field, out.URLs); err != nil {
		log.Warn(ctx, "report append failed, deferring completed items", "urls", len(out.URLs), "err", err)
		toDefer = append(toDefer, completed...)
		appended = false
	}

	switch out.Status {
	case upload.Success:
		if !appended {
			break
		}
		res.Cleaned, err = p.janitor.CleanupAfterBatch(durable, itemPaths(completed))
		if err != nil {
			log.Warn(ctx, "cache cleanup incomplete", "deleted", res.Cleaned, "err", err)
		}
	case upload.Retry:
		toDefer = append(toDefer, out.Remaining...)
	case upload.Failure:
		log.Error(ctx, "batch failed", "remaining", len(out.Remaining), "reason", out.Reason)
	}

	// best-effort skips: transient ones get another go on the durable
	// path, the rest keep their local files for the caller
	retry := out.TransientSkips()
	toDefer = append(toDefer, retry...)
	if kept := len(out.Skipped) - len(retry); kept > 0 {
		log.Warn(ctx, "items skipped, local files kept", "skipped", kept)
	}
	slices.SortFunc(toDefer, func(a, b upload.Item) int { return a.Position - b.Position })

	if len(toDefer) > 0 {
		h, err := p.scheduler.Enqueue(durable, req.Scope, p.specs(tpl, req, toDefer))
		if err != nil {
			return res, fmt.Errorf("defer %d item(s): %w", len(toDefer), err)
		}
		res.Deferred = &h
	}

	if out.Status == upload.Failure {
		return res, fmt.Errorf("upload failed: %s", out.Reason)
	}
	return res, nil
}

// Defer skips the immediate attempt and schedules every item on the
// durable queue.
func (p *Pipeline) Defer(ctx context.Context, req SaveRequest) (worker.Handle, error) {
	if err := req.validate(); err != nil {
		return worker.Handle{}, err
	}
	paths, err := p.stage(ctx, req)
	if err != nil {
		return worker.Handle{}, err
	}

	tpl := p.template(req)
	return p.scheduler.Enqueue(ctx, req.Scope, p.specs(tpl, req, upload.NewBatch(tpl, paths).Items))
}

func (p *Pipeline) stage(ctx context.Context, req SaveRequest) ([]string, error) {
	if !req.Stage {
		return req.Paths, nil
	}

	staged := make([]string, 0, len(req.Paths))
	for _, src := range req.Paths {
		dst, err := p.janitor.Stage(src)
		if err != nil {
			// the originals are intact; drop the partial copy set
			_, cerr := p.janitor.CleanupAfterBatch(context.WithoutCancel(ctx), staged)
			return nil, errors.Join(err, cerr)
		}
		staged = append(staged, dst)
	}
	return staged, nil
}

func (p *Pipeline) specs(tpl objstore.Template, req SaveRequest, items []upload.Item) []model.TaskSpec {
	out := make([]model.TaskSpec, len(items))
	for i, it := range items {
		out[i] = model.TaskSpec{
			StoragePath: tpl.Key(it.Position),
			LocalURI:    it.LocalPath,
			FieldName:   req.Field,
			MimeType:    req.Category.ContentType(),
		}
	}
	return out
}

// completedItems are the batch items whose URL is in out.URLs, in position
// order.
func completedItems(b upload.Batch, out upload.Outcome) []upload.Item {
	open := make(map[int]bool, len(out.Remaining)+len(out.Skipped))
	for _, it := range out.Remaining {
		open[it.Position] = true
	}
	for _, it := range out.Skipped {
		open[it.Position] = true
	}

	var done []upload.Item
	for _, it := range b.Items {
		if !open[it.Position] {
			done = append(done, it)
		}
	}
	return done
}

func itemPaths(items []upload.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.LocalPath
	}
	return out
}
