// Package queue defines the durable task queue behind the retry scheduler.
//
// Tasks are partitioned into chains. Only the head of a chain can be
// polled, and a polled head is leased to one owner, so each chain has a
// single consumer and runs strictly in enqueue order. Different chains are
// independent.
//
// Extend, Ack and Nack only succeed for the current owner of the claim. An
// owner whose lease was taken over gets ErrLeaseLost and must stop.
package queue

import (
	"context"
	"errors"
	"time"

	"reportsync/internal/model"
)

// ErrEmpty is returned by Poll when no chain head is runnable.
var ErrEmpty = errors.New("no runnable task")

var ErrNotFound = errors.New("task not found")

// ErrLeaseLost is returned when the caller no longer holds the task's
// claim, typically because the lease ran out and another worker took it.
var ErrLeaseLost = errors.New("task lease lost")

type TaskQueue interface {
	// Enqueue appends tasks to their chains, after everything already
	// pending there. It assigns Seq and CreatedAt.
	Enqueue(ctx context.Context, tasks []model.RetryTask) error
	// Poll claims a runnable chain head for lease on behalf of owner. The
	// returned task carries owner in ClaimedBy.
	Poll(ctx context.Context, owner string, lease time.Duration) (*model.RetryTask, error)
	// Extend pushes the claim held by owner to now+lease.
	Extend(ctx context.Context, id, owner string, lease time.Duration) error
	// Ack removes a task after a terminal outcome.
	Ack(ctx context.Context, id, owner string) error
	// Nack releases the lease, counts the attempt and keeps the task at the
	// head of its chain until backoff has passed.
	Nack(ctx context.Context, id, owner string, backoff time.Duration, cause error) error
	// Pending lists a chain in execution order.
	Pending(ctx context.Context, chain string) ([]model.RetryTask, error)
	// Chains counts pending tasks per chain.
	Chains(ctx context.Context) (map[string]int, error)
	Close() error
}

// Backoff returns base*2^(attempts-1) capped at max. attempts counts the
// failure being scheduled, so the first retry waits base.
func Backoff(base, max time.Duration, attempts int64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := int64(1); i < attempts; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// TruncateError keeps stored error text bounded.
func TruncateError(cause error) string {
	if cause == nil {
		return ""
	}
	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
