package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reportsync/internal/config"
	"reportsync/internal/executor"
	"reportsync/internal/janitor"
	"reportsync/internal/logging"
	"reportsync/internal/model"
	"reportsync/internal/netcheck"
	"reportsync/internal/objstore"
	"reportsync/internal/pipeline"
	"reportsync/internal/power"
	"reportsync/internal/upload"
	"reportsync/internal/worker"
)

var scopeFlags struct {
	org, project, report string
}

var batchFlags struct {
	field, category, name, mode string
	stage                       bool
}

var runFlags struct {
	once bool
}

func bindRunFlags(fs *flag.FlagSet) {
	fs.BoolVar(&runFlags.once, "once", false, "process runnable tasks once and exit")
}

func bindScopeFlags(fs *flag.FlagSet) {
	fs.StringVar(&scopeFlags.org, "org", "", "organization id")
	fs.StringVar(&scopeFlags.project, "project", "", "project id")
	fs.StringVar(&scopeFlags.report, "report", "", "report id")
}

func bindBatchFlags(fs *flag.FlagSet) {
	bindScopeFlags(fs)
	fs.StringVar(&batchFlags.field, "field", "photos", "report field receiving the URLs")
	fs.StringVar(&batchFlags.category, "category", string(objstore.CategoryPhotos), "object category: photos or pages")
	fs.StringVar(&batchFlags.name, "name", "photo", "object base name")
	fs.StringVar(&batchFlags.mode, "mode", "strict", "failure mode: strict or best-effort")
	fs.BoolVar(&batchFlags.stage, "stage", false, "copy files into the cache before uploading")
}

func scope() model.ReportScope {
	return model.ReportScope{
		OrganizationID: scopeFlags.org,
		ProjectID:      scopeFlags.project,
		ReportID:       scopeFlags.report,
	}
}

func saveRequest(files []string) (pipeline.SaveRequest, error) {
	if len(files) == 0 {
		return pipeline.SaveRequest{}, errors.New("no files given")
	}
	cat, err := objstore.ParseCategory(batchFlags.category)
	if err != nil {
		return pipeline.SaveRequest{}, err
	}
	return pipeline.SaveRequest{
		Scope:    scope(),
		Field:    batchFlags.field,
		Category: cat,
		Name:     batchFlags.name,
		Paths:    files,
		Stage:    batchFlags.stage,
	}, nil
}

func newPipeline(cfg *config.Config, d *deps, logger logging.Logger) (*pipeline.Pipeline, error) {
	mode := upload.Strict
	switch batchFlags.mode {
	case "strict":
	case "best-effort", "best_effort":
		mode = upload.BestEffort
	default:
		return nil, fmt.Errorf("unknown mode %q", batchFlags.mode)
	}

	coord := upload.NewCoordinator(d.objects, mode, logger)
	sched := worker.NewScheduler(d.queue, logger)
	jan := janitor.New(cfg.Cache.Dir, logger)
	return pipeline.New(coord, d.reports, sched, jan, cfg.ObjectStore.Root, logger), nil
}

func runCmd(ctx context.Context, cfg *config.Config, logger logging.Logger, _ []string) error {
	d, err := open(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer d.Close()

	exec := executor.New(d.objects, d.reports, logger)
	opts := worker.Options{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		Lease:        cfg.Lease,
		BackoffBase:  cfg.Queue.BackoffBase,
		BackoffMax:   cfg.Queue.BackoffMax,
		MaxAttempts:  cfg.Queue.MaxAttempts,
	}
	online := netcheck.NewDialChecker(cfg.ProbeAddr, 3*time.Second)
	runner := worker.NewRunner(d.queue, exec, online, opts, logger)

	if runFlags.once {
		n, err := runner.Drain(ctx)
		fmt.Printf("processed %d task(s)\n", n)
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(ctx, "metrics server failed", "err", err)
			}
		}()
		defer srv.Close()
		logger.Info(ctx, "serving metrics", "addr", cfg.MetricsAddr)
	}

	jan := janitor.New(cfg.Cache.Dir, logger)
	go jan.RunSweeper(ctx, janitor.Schedule{
		InitialDelay: cfg.Cache.InitialDelay,
		Interval:     cfg.Cache.SweepInterval,
		MaxAge:       cfg.Cache.MaxAge,
		RecheckDelay: 15 * time.Minute,
	}, power.NewSysfs(cfg.BatteryThreshold))

	logger.Info(ctx, "reportsync starting",
		"queue", cfg.Queue.Backend, "store", cfg.ObjectStore.Backend, "bucket", cfg.ObjectStore.Bucket,
		"reports", cfg.Reports.Backend, "workers", cfg.Workers)
	return runner.Run(ctx)
}

func uploadCmd(ctx context.Context, cfg *config.Config, logger logging.Logger, files []string) error {
	req, err := saveRequest(files)
	if err != nil {
		return err
	}
	d, err := open(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer d.Close()

	p, err := newPipeline(cfg, d, logger)
	if err != nil {
		return err
	}

	res, err := p.Save(ctx, req, func(pct int) {
		fmt.Fprintf(os.Stderr, "\r%3d%%", pct)
	})
	fmt.Fprintln(os.Stderr)

	out := res.Outcome
	fmt.Printf("outcome: %s\n", out.Status)
	for _, u := range out.URLs {
		fmt.Println(u)
	}
	if res.Deferred != nil {
		fmt.Printf("queued %d item(s) on %s\n", len(res.Deferred.TaskIDs), res.Deferred.Chain)
	}
	for _, it := range out.Skipped {
		fmt.Printf("skipped #%d %s\n", it.Position, it.LocalPath)
	}
	return err
}

func enqueueCmd(ctx context.Context, cfg *config.Config, logger logging.Logger, files []string) error {
	req, err := saveRequest(files)
	if err != nil {
		return err
	}
	d, err := open(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer d.Close()

	// Defer never touches the object or report store
	p, err := newPipeline(cfg, d, logger)
	if err != nil {
		return err
	}
	h, err := p.Defer(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("queued %d item(s) on %s\n", len(h.TaskIDs), h.Chain)
	for _, id := range h.TaskIDs {
		fmt.Println(id)
	}
	return nil
}

func statusCmd(ctx context.Context, cfg *config.Config, _ logging.Logger, _ []string) error {
	d, err := open(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer d.Close()

	if scopeFlags.report == "" {
		chains, err := d.queue.Chains(ctx)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(chains))
		for name := range chains {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%s\t%d\n", name, chains[name])
		}
		return nil
	}

	tasks, err := d.queue.Pending(ctx, scope().Chain())
	if err != nil {
		return err
	}
	for _, t := range tasks {
		next := "now"
		if t.NextRunAt.After(time.Now()) {
			next = t.NextRunAt.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\tattempts=%d\tnext=%s\t%s\n", t.ID, t.StoragePath, t.Attempts, next, t.LastError)
	}
	return nil
}
