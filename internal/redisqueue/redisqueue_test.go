package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportsync/internal/model"
	"reportsync/internal/queue"
	"reportsync/internal/queue/queuetest"
)

func newTestQueue(t *testing.T, now func() time.Time) queue.TaskQueue {
	t.Helper()

	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return New(rdb, "test").WithClock(now)
}

func TestQueue(t *testing.T) {
	queuetest.Run(t, newTestQueue)
}

func TestDial(t *testing.T) {
	s := miniredis.RunT(t)

	q, err := Dial(context.Background(), Config{URL: "redis://" + s.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	assert.Equal(t, "reportsync:", q.prefix)

	_, err = Dial(context.Background(), Config{URL: "not a url"})
	assert.Error(t, err)
}

func TestKeysUsePrefix(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	q := New(rdb, "ns")
	t.Cleanup(func() { _ = q.Close() })

	scope := model.ReportScope{OrganizationID: "o", ProjectID: "p", ReportID: "r"}
	tasks := []model.RetryTask{queuetest.Task(scope, "a.jpeg")}
	require.NoError(t, q.Enqueue(context.Background(), tasks))

	assert.True(t, s.Exists("ns:task:"+tasks[0].ID))
	assert.True(t, s.Exists("ns:chain:"+scope.Chain()))
	assert.True(t, s.Exists("ns:ready"))
	assert.Equal(t, int64(1), tasks[0].Seq)
}

func TestPollSkipsDanglingIDs(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	q := New(rdb, "ns")
	t.Cleanup(func() { _ = q.Close() })
	ctx := context.Background()

	scope := model.ReportScope{OrganizationID: "o", ProjectID: "p", ReportID: "r"}
	tasks := []model.RetryTask{queuetest.Task(scope, "a.jpeg"), queuetest.Task(scope, "b.jpeg")}
	require.NoError(t, q.Enqueue(ctx, tasks))

	s.Del("ns:task:" + tasks[0].ID)

	task, err := q.Poll(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, tasks[1].ID, task.ID)
}
