// Package redisqueue is a TaskQueue kept in Redis, for deployments where
// several hosts drain the same retry backlog.
//
// Layout, under a key prefix:
//
//	task:<id>     hash with the task fields, including the claim owner
//	chain:<name>  list of task ids in execution order
//	ready         zset of chain names scored by the unix millis at which
//	              their head may run next; a lease or a backoff pushes the
//	              score into the future
//	seq           counter for task sequence numbers
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"reportsync/internal/model"
	"reportsync/internal/queue"
)

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

type Queue struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

var _ queue.TaskQueue = (*Queue)(nil)

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, cfg Config) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return New(rdb, cfg.Prefix), nil
}

func New(rdb *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "reportsync"
	}
	return &Queue{rdb: rdb, prefix: prefix + ":", now: time.Now}
}

// WithClock replaces the queue's time source. Used by tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) taskKey(id string) string     { return q.prefix + "task:" + id }
func (q *Queue) chainKey(chain string) string { return q.prefix + "chain:" + chain }
func (q *Queue) readyKey() string             { return q.prefix + "ready" }
func (q *Queue) seqKey() string               { return q.prefix + "seq" }

func (q *Queue) Enqueue(ctx context.Context, tasks []model.RetryTask) error {
	if len(tasks) == 0 {
		return nil
	}

	last, err := q.rdb.IncrBy(ctx, q.seqKey(), int64(len(tasks))).Result()
	if err != nil {
		return fmt.Errorf("reserve seq: %w", err)
	}
	first := last - int64(len(tasks)) + 1
	now := q.now()

	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Chain == "" {
			t.Chain = t.Scope().Chain()
		}
		t.Seq = first + int64(i)
		t.CreatedAt = time.UnixMilli(now.UnixMilli())
		t.NextRunAt = t.CreatedAt
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range tasks {
			pipe.HSet(ctx, q.taskKey(t.ID), toHash(t))
			pipe.RPush(ctx, q.chainKey(t.Chain), t.ID)
			// an existing score belongs to a leased or backing-off head
			pipe.ZAddNX(ctx, q.readyKey(), redis.Z{Score: float64(now.UnixMilli()), Member: t.Chain})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// pollScript leases the head of the first chain whose score is due.
var pollScript = redis.NewScript(`
local ready = KEYS[1]
local prefix = ARGV[1]
local now = ARGV[2]
local untilMs = ARGV[3]
local owner = ARGV[4]
for _ = 1, 16 do
	local chains = redis.call('ZRANGEBYSCORE', ready, '-inf', now, 'LIMIT', 0, 1)
	if #chains == 0 then
		return false
	end
	local chain = chains[1]
	local id = redis.call('LINDEX', prefix .. 'chain:' .. chain, 0)
	if not id then
		redis.call('ZREM', ready, chain)
	else
		local key = prefix .. 'task:' .. id
		if redis.call('EXISTS', key) == 0 then
			redis.call('LPOP', prefix .. 'chain:' .. chain)
		else
			redis.call('HSET', key, 'claimed_by', owner)
			redis.call('ZADD', ready, untilMs, chain)
			return redis.call('HGETALL', key)
		end
	end
end
return false
`)

func (q *Queue) Poll(ctx context.Context, owner string, lease time.Duration) (*model.RetryTask, error) {
	if owner == "" || lease <= 0 {
		return nil, fmt.Errorf("poll: need an owner and a positive lease, got %q %v", owner, lease)
	}
	now := q.now()
	res, err := pollScript.Run(ctx, q.rdb,
		[]string{q.readyKey()},
		q.prefix, now.UnixMilli(), now.Add(lease).UnixMilli(), owner,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("poll (owner %s): %w", owner, err)
	}

	task, err := fromPairs(res)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// The claim-guarded scripts return 1 on success, 0 for an unknown task
// and -1 when the task is claimed by another owner.

var extendScript = redis.NewScript(`
local ready = KEYS[1]
local key = ARGV[1] .. 'task:' .. ARGV[2]
local chain = redis.call('HGET', key, 'chain')
if not chain then
	return 0
end
if redis.call('HGET', key, 'claimed_by') ~= ARGV[3] then
	return -1
end
redis.call('ZADD', ready, ARGV[4], chain)
return 1
`)

func (q *Queue) Extend(ctx context.Context, id, owner string, lease time.Duration) error {
	n, err := extendScript.Run(ctx, q.rdb,
		[]string{q.readyKey()},
		q.prefix, id, owner, q.now().Add(lease).UnixMilli(),
	).Int()
	return owned("extend", id, n, err)
}

// ackScript drops a task and makes the next head runnable at once.
var ackScript = redis.NewScript(`
local ready = KEYS[1]
local prefix = ARGV[1]
local id = ARGV[2]
local chain = redis.call('HGET', prefix .. 'task:' .. id, 'chain')
if not chain then
	return 0
end
if redis.call('HGET', prefix .. 'task:' .. id, 'claimed_by') ~= ARGV[4] then
	return -1
end
local chainKey = prefix .. 'chain:' .. chain
redis.call('LREM', chainKey, 1, id)
redis.call('DEL', prefix .. 'task:' .. id)
if redis.call('LLEN', chainKey) == 0 then
	redis.call('ZREM', ready, chain)
else
	redis.call('ZADD', ready, ARGV[3], chain)
end
return 1
`)

func (q *Queue) Ack(ctx context.Context, id, owner string) error {
	n, err := ackScript.Run(ctx, q.rdb,
		[]string{q.readyKey()},
		q.prefix, id, q.now().UnixMilli(), owner,
	).Int()
	return owned("ack", id, n, err)
}

var nackScript = redis.NewScript(`
local ready = KEYS[1]
local key = ARGV[1] .. 'task:' .. ARGV[2]
local chain = redis.call('HGET', key, 'chain')
if not chain then
	return 0
end
if redis.call('HGET', key, 'claimed_by') ~= ARGV[5] then
	return -1
end
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'last_error', ARGV[4], 'next_run_at', ARGV[3], 'claimed_by', '')
redis.call('ZADD', ready, ARGV[3], chain)
return 1
`)

func (q *Queue) Nack(ctx context.Context, id, owner string, backoff time.Duration, cause error) error {
	n, err := nackScript.Run(ctx, q.rdb,
		[]string{q.readyKey()},
		q.prefix, id, q.now().Add(backoff).UnixMilli(), queue.TruncateError(cause), owner,
	).Int()
	return owned("nack", id, n, err)
}

func owned(op, id string, n int, err error) error {
	switch {
	case err != nil:
		return fmt.Errorf("%s %s: %w", op, id, err)
	case n == 0:
		return fmt.Errorf("%s %s: %w", op, id, queue.ErrNotFound)
	case n < 0:
		return fmt.Errorf("%s %s: %w", op, id, queue.ErrLeaseLost)
	}
	return nil
}

func (q *Queue) Pending(ctx context.Context, chain string) ([]model.RetryTask, error) {
	ids, err := q.rdb.LRange(ctx, q.chainKey(chain), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list chain %s: %w", chain, err)
	}

	out := make([]model.RetryTask, 0, len(ids))
	for _, id := range ids {
		fields, err := q.rdb.HGetAll(ctx, q.taskKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("get task %s: %w", id, err)
		}
		if len(fields) == 0 {
			continue
		}
		t, err := fromHash(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (q *Queue) Chains(ctx context.Context) (map[string]int, error) {
	chains, err := q.rdb.ZRange(ctx, q.readyKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}

	out := make(map[string]int, len(chains))
	for _, chain := range chains {
		n, err := q.rdb.LLen(ctx, q.chainKey(chain)).Result()
		if err != nil {
			return nil, fmt.Errorf("count chain %s: %w", chain, err)
		}
		if n > 0 {
			out[chain] = int(n)
		}
	}
	return out, nil
}

func (q *Queue) Close() error {
	return q.rdb.Close()
}

func toHash(t model.RetryTask) map[string]any {
	return map[string]any{
		"id":              t.ID,
		"chain":           t.Chain,
		"seq":             t.Seq,
		"organization_id": t.OrganizationID,
		"project_id":      t.ProjectID,
		"report_id":       t.ReportID,
		"storage_path":    t.StoragePath,
		"local_uri":       t.LocalURI,
		"field_name":      t.FieldName,
		"mime_type":       t.MimeType,
		"attempts":        t.Attempts,
		"last_error":      t.LastError,
		"claimed_by":      t.ClaimedBy,
		"next_run_at":     t.NextRunAt.UnixMilli(),
		"created_at":      t.CreatedAt.UnixMilli(),
	}
}

func fromPairs(pairs []string) (model.RetryTask, error) {
	if len(pairs)%2 != 0 {
		return model.RetryTask{}, fmt.Errorf("odd task field list (%d)", len(pairs))
	}
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		fields[pairs[i]] = pairs[i+1]
	}
	return fromHash(fields)
}

func fromHash(f map[string]string) (model.RetryTask, error) {
	t := model.RetryTask{
		ID:             f["id"],
		Chain:          f["chain"],
		OrganizationID: f["organization_id"],
		ProjectID:      f["project_id"],
		ReportID:       f["report_id"],
		StoragePath:    f["storage_path"],
		LocalURI:       f["local_uri"],
		FieldName:      f["field_name"],
		MimeType:       f["mime_type"],
		LastError:      f["last_error"],
		ClaimedBy:      f["claimed_by"],
	}

	ints := []struct {
		name string
		dst  *int64
	}{
		{"seq", &t.Seq},
		{"attempts", &t.Attempts},
	}
	for _, n := range ints {
		v, err := strconv.ParseInt(f[n.name], 10, 64)
		if err != nil {
			return model.RetryTask{}, fmt.Errorf("task %s field %s: %w", t.ID, n.name, err)
		}
		*n.dst = v
	}

	nextRun, err := strconv.ParseInt(f["next_run_at"], 10, 64)
	if err != nil {
		return model.RetryTask{}, fmt.Errorf("task %s field next_run_at: %w", t.ID, err)
	}
	created, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return model.RetryTask{}, fmt.Errorf("task %s field created_at: %w", t.ID, err)
	}
	t.NextRunAt = time.UnixMilli(nextRun)
	t.CreatedAt = time.UnixMilli(created)
	return t, nil
}
