// Package queuetest holds the behaviour every TaskQueue backend must share.
package queuetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportsync/internal/model"
	"reportsync/internal/queue"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds an empty queue reading time from now.
type Factory func(t *testing.T, now func() time.Time) queue.TaskQueue

// Task builds a valid task for scope with a file name.
func Task(scope model.ReportScope, name string) model.RetryTask {
	return model.RetryTask{
		OrganizationID: scope.OrganizationID,
		ProjectID:      scope.ProjectID,
		ReportID:       scope.ReportID,
		StoragePath:    "reports/" + scope.ReportID + "/photos/" + name,
		LocalURI:       "/cache/" + name,
		FieldName:      "photos",
		MimeType:       "image/jpeg",
	}
}

var (
	scopeA = model.ReportScope{OrganizationID: "org", ProjectID: "p1", ReportID: "r1"}
	scopeB = model.ReportScope{OrganizationID: "org", ProjectID: "p1", ReportID: "r2"}
)

func Run(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	lease := 30 * time.Second

	setup := func(t *testing.T) (queue.TaskQueue, *Clock) {
		clock := NewClock()
		q := newQueue(t, clock.Now)
		t.Cleanup(func() { _ = q.Close() })
		return q, clock
	}

	t.Run("enqueue fills identity", func(t *testing.T) {
		q, _ := setup(t)

		tasks := []model.RetryTask{Task(scopeA, "photo_000.jpeg")}
		require.NoError(t, q.Enqueue(ctx, tasks))
		assert.NotEmpty(t, tasks[0].ID)
		assert.Equal(t, scopeA.Chain(), tasks[0].Chain)
		assert.False(t, tasks[0].CreatedAt.IsZero())
	})

	t.Run("chain runs in enqueue order", func(t *testing.T) {
		q, _ := setup(t)

		require.NoError(t, q.Enqueue(ctx, []model.RetryTask{
			Task(scopeA, "a.jpeg"),
			Task(scopeA, "b.jpeg"),
		}))
		require.NoError(t, q.Enqueue(ctx, []model.RetryTask{Task(scopeA, "c.jpeg")}))

		var order []string
		for i := 0; i < 3; i++ {
			task, err := q.Poll(ctx, "w1", lease)
			require.NoError(t, err)

			// the head is leased, so the chain has nothing else to give
			_, err = q.Poll(ctx, "w2", lease)
			require.ErrorIs(t, err, queue.ErrEmpty)

			order = append(order, task.LocalURI)
			assert.Equal(t, "w1", task.ClaimedBy)
			require.NoError(t, q.Ack(ctx, task.ID, "w1"))
		}
		assert.Equal(t, []string{"/cache/a.jpeg", "/cache/b.jpeg", "/cache/c.jpeg"}, order)

		_, err := q.Poll(ctx, "w1", lease)
		assert.ErrorIs(t, err, queue.ErrEmpty)
	})

	t.Run("chains are independent", func(t *testing.T) {
		q, _ := setup(t)

		require.NoError(t, q.Enqueue(ctx, []model.RetryTask{
			Task(scopeA, "a.jpeg"),
			Task(scopeB, "x.jpeg"),
		}))

		first, err := q.Poll(ctx, "w1", lease)
		require.NoError(t, err)
		second, err := q.Poll(ctx, "w2", lease)
		require.NoError(t, err)

		assert.ElementsMatch(t, []string{scopeA.Chain(), scopeB.Chain()}, []string{first.Chain, second.Chain})
	})

	t.Run("nack holds the head until backoff passes", func(t *testing.T) {
		q, clock := setup(t)

		require.NoError(t, q.Enqueue(ctx, []model.RetryTask{
			Task(scopeA, "a.jpeg"),
			Task(scopeA, "b.jpeg"),
		}))

		task, err := q.Poll(ctx, "w1", lease)
		require.NoError(t, err)
		require.NoError(t, q.Nack(ctx, task.ID, "w1", time.Minute, errors.New("connection reset")))

		// b must not overtake a
		_, err = q.Poll(ctx, "w1", lease)
		require.ErrorIs(t, err, queue.ErrEmpty)

		clock.Advance(time.Minute)
		again, err := q.Poll(ctx, "w1", lease)
		require.NoError(t, err)
		assert.Equal(t, task.ID, again.ID)
		assert.Equal(t, int64(1), again.Attempts)
		assert.Equal(t, "connection reset", again.LastError)
	})

	t.Run("expired lease is reclaimed", func(t *testing.T) {
		q, clock := setup(t)

		require.NoError(t, q.Enqueue(ctx, []model.RetryTask{Task(scopeA, "a.jpeg")}))

		task, err := q.Poll(ctx, "w1", lease)
		require.NoError(t, err)

		clock.Advance(lease - time.Second)
		_, err = q.Poll(ctx, "w2", lease)
		require.ErrorIs(t, err, queue.ErrEmpty)

		clock.Advance(2 * time.Second)
		again, err := q.Poll(ctx, "w2", lease)
		require.NoError(t, err)
		assert.Equal(t, task.ID, again.ID)
		assert.Equal(t, int64(0), again.Attempts)
		assert.Equal(t, "w2", again.ClaimedBy)

		// the first owner lost the claim and can no longer settle the task
		assert.ErrorIs(t, q.Extend(ctx, task.ID, "w1", lease), queue.ErrLeaseLost)
		assert.ErrorIs(t, q.Ack(ctx, task.ID, "w1"), queue.ErrLeaseLost)
		assert.ErrorIs(t, q.Nack(ctx, task.ID, "w1", time.Minute, errors.New("x")), queue.ErrLeaseLost)

		require.NoError(t, q.Ack(ctx, task.ID, "w2"))
		_, err = q.Poll(ctx, "w1", lease)
		assert.ErrorIs(t, err, queue.ErrEmpty)
	})

	t.Run("extend keeps the head leased", func(t *testing.T) {
		q, clock := setup(t)

		require.NoError(t, q.Enqueue(ctx, []model.RetryTask{
			Task(scopeA, "a.jpeg"),
			Task(scopeA, "b.jpeg"),
		}))

		task, err := q.Poll(ctx, "w1", lease)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			clock.Advance(lease / 2)
			require.NoError(t, q.Extend(ctx, task.ID, "w1", lease))

			// neither the head nor its successor is up for grabs
			_, err = q.Poll(ctx, "w2", lease)
			require.ErrorIs(t, err, queue.ErrEmpty)
		}

		clock.Advance(lease + time.Second)
		again, err := q.Poll(ctx, "w2", lease)
		require.NoError(t, err)
		assert.Equal(t, task.ID, again.ID)
	})

	t.Run("poll needs an owner and a lease", func(t *testing.T) {
		q, _ := setup(t)
		require.NoError(t, q.Enqueue(ctx, []model.RetryTask{Task(scopeA, "a.jpeg")}))

		_, err := q.Poll(ctx, "", lease)
		assert.Error(t, err)
		_, err = q.Poll(ctx, "w1", 0)
		assert.Error(t, err)
	})

	t.Run("settling an unknown task", func(t *testing.T) {
		q, _ := setup(t)

		assert.ErrorIs(t, q.Ack(ctx, "missing", "w1"), queue.ErrNotFound)
		assert.ErrorIs(t, q.Nack(ctx, "missing", "w1", time.Second, errors.New("x")), queue.ErrNotFound)
		assert.ErrorIs(t, q.Extend(ctx, "missing", "w1", time.Second), queue.ErrNotFound)
	})

	t.Run("pending and chains", func(t *testing.T) {
		q, _ := setup(t)

		require.NoError(t, q.Enqueue(ctx, []model.RetryTask{
			Task(scopeA, "a.jpeg"),
			Task(scopeB, "x.jpeg"),
			Task(scopeA, "b.jpeg"),
		}))

		pending, err := q.Pending(ctx, scopeA.Chain())
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "/cache/a.jpeg", pending[0].LocalURI)
		assert.Equal(t, "/cache/b.jpeg", pending[1].LocalURI)
		assert.Equal(t, "r1", pending[0].ReportID)
		assert.Equal(t, "image/jpeg", pending[0].MimeType)

		none, err := q.Pending(ctx, "report-upload:none/none/none")
		require.NoError(t, err)
		assert.Empty(t, none)

		chains, err := q.Chains(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{scopeA.Chain(): 2, scopeB.Chain(): 1}, chains)
	})
}
