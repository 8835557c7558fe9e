// Package worker schedules durable retry tasks and runs them: one poller
// leases runnable chain heads and hands them to a fixed pool of workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"reportsync/internal/executor"
	"reportsync/internal/logging"
	"reportsync/internal/metrics"
	"reportsync/internal/model"
	"reportsync/internal/netcheck"
	"reportsync/internal/queue"
)

type Executor interface {
	Run(ctx context.Context, task model.RetryTask) (executor.Result, error)
}

// Options tune the runner. A running task's lease is renewed every Lease/3.
type Options struct {
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	// MaxAttempts drops a task after that many transient failures; 0 keeps
	// retrying.
	MaxAttempts int64
}

type Runner struct {
	queue  queue.TaskQueue
	exec   Executor
	online netcheck.Checker
	opts   Options
	logger logging.Logger

	host   string
	claims atomic.Int64
}

func NewRunner(q queue.TaskQueue, exec Executor, online netcheck.Checker, opts Options, logger logging.Logger) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if online == nil {
		online = netcheck.Always(true)
	}
	host, _ := os.Hostname()
	return &Runner{
		queue:  q,
		exec:   exec,
		online: online,
		opts:   opts,
		logger: logger,
		host:   fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

func workerID(i int) string {
	return fmt.Sprintf("reportsync-%d-%d", os.Getpid(), i)
}

// claimant names the owner of one lease. Every poll gets its own name, so
// a claim taken over by another poll is never mistaken for ours.
func (r *Runner) claimant() string {
	return fmt.Sprintf("%s-%d", r.host, r.claims.Add(1))
}

// Run polls until ctx is done. A task in flight at shutdown is neither
// acked nor nacked; its lease runs out and it is picked up again.
func (r *Runner) Run(ctx context.Context) error {
	jobs := make(chan *model.RetryTask, r.opts.Workers)
	free := make(chan struct{}, r.opts.Workers)
	done := make(chan struct{})

	for i := 0; i < r.opts.Workers; i++ {
		free <- struct{}{}
	}

	// workers
	for i := 0; i < r.opts.Workers; i++ {
		id := workerID(i)
		go func() {
			defer func() { done <- struct{}{} }()
			for task := range jobs {
				r.process(ctx, id, task)
				free <- struct{}{}
			}
		}()
	}

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	r.logger.Info(ctx, "queue runner started", "workers", r.opts.Workers, "poll", r.opts.PollInterval)
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			for i := 0; i < r.opts.Workers; i++ {
				<-done
			}
			r.logger.Info(context.WithoutCancel(ctx), "queue runner stopped")
			return nil
		case <-ticker.C:
			if !r.online.Online(ctx) {
				r.logger.Debug(ctx, "offline, skipping poll")
				continue
			}
			r.dispatch(ctx, jobs, free)
		}
	}
}

// dispatch leases one head per idle worker.
func (r *Runner) dispatch(ctx context.Context, jobs chan<- *model.RetryTask, free chan struct{}) {
	for {
		select {
		case <-free:
		default:
			return
		}

		task, err := r.queue.Poll(ctx, r.claimant(), r.opts.Lease)
		if err != nil {
			free <- struct{}{}
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				r.logger.Error(ctx, "poll failed", "err", err)
			}
			return
		}
		jobs <- task
	}
}

// Drain runs runnable tasks one at a time until none is left. Tasks that
// back off are not waited for.
func (r *Runner) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if !r.online.Online(ctx) {
			return n, netcheck.ErrOffline
		}
		task, err := r.queue.Poll(ctx, r.claimant(), r.opts.Lease)
		if errors.Is(err, queue.ErrEmpty) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		r.process(ctx, "drain", task)
		n++
	}
}

func (r *Runner) process(ctx context.Context, id string, task *model.RetryTask) {
	log := r.logger.With("worker", id, "task", task.ID, "chain", task.Chain, "attempt", task.Attempts+1)
	start := time.Now()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := r.keepLease(runCtx, cancel, task)
	res, runErr := r.exec.Run(runCtx, *task)
	stop()

	if ctx.Err() != nil {
		log.Warn(context.WithoutCancel(ctx), "task interrupted", "err", runErr)
		return
	}
	if cause := context.Cause(runCtx); cause != nil && res != executor.Completed {
		// another worker may own the task by now
		log.Warn(ctx, "lease not renewed, task left to expire", "cause", cause, "err", runErr)
		return
	}

	var err error
	switch res {
	case executor.Completed:
		err = r.queue.Ack(ctx, task.ID, task.ClaimedBy)
		log.Info(ctx, "task done", "dur", time.Since(start))

	case executor.Retry:
		attempts := task.Attempts + 1
		if r.opts.MaxAttempts > 0 && attempts >= r.opts.MaxAttempts {
			log.Error(ctx, "task dropped after max attempts", "attempts", attempts, "err", runErr)
			res = executor.PermanentFailure
			err = r.queue.Ack(ctx, task.ID, task.ClaimedBy)
			break
		}
		backoff := queue.Backoff(r.opts.BackoffBase, r.opts.BackoffMax, attempts)
		log.Warn(ctx, "task failed, will retry", "backoff", backoff, "err", runErr)
		err = r.queue.Nack(ctx, task.ID, task.ClaimedBy, backoff, runErr)

	default:
		log.Error(ctx, "task failed permanently", "err", runErr)
		err = r.queue.Ack(ctx, task.ID, task.ClaimedBy)
	}

	metrics.TaskResults.WithLabelValues(res.String()).Inc()
	switch {
	case errors.Is(err, queue.ErrLeaseLost):
		log.Warn(ctx, "task claimed by another worker, outcome discarded", "result", res.String())
	case err != nil:
		log.Error(ctx, "queue update failed", "err", err)
	}
}

// keepLease renews the task's claim every Lease/3 until stop is called. A
// failed renewal cancels ctx with the error as cause.
func (r *Runner) keepLease(ctx context.Context, cancel context.CancelCauseFunc, task *model.RetryTask) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(r.opts.Lease / 3)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := r.queue.Extend(ctx, task.ID, task.ClaimedBy, r.opts.Lease); err != nil {
					cancel(fmt.Errorf("renew lease: %w", err))
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
