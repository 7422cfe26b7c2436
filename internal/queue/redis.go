package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"backer-import/internal/redisclient"

	"github.com/go-redis/redis/v8"
)

const promoteBatch = 1000

type redisKeys struct {
	jobs        string
	prio        string
	wait        string
	active      string
	delayed     string
	failed      string
	completed   string
	maintenance string
}

func newRedisKeys(name string) redisKeys {
	prefix := "queue:" + name + ":"
	return redisKeys{
		jobs:        prefix + "jobs",
		prio:        prefix + "prio",
		wait:        prefix + "wait",
		active:      prefix + "active",
		delayed:     prefix + "delayed",
		failed:      prefix + "failed",
		completed:   prefix + "completed",
		maintenance: prefix + "maintenance",
	}
}

// RedisTransport stores jobs in Redis sorted sets. Waiting jobs are scored by
// priority then enqueue time; active, delayed, failed and completed jobs by a deadline.
type RedisTransport struct {
	client  *redisclient.Client
	rdb     *redis.Client
	keys    redisKeys
	lockTTL time.Duration
	now     func() time.Time
}

// NewRedisTransport creates a transport for the queue called name
func NewRedisTransport(client *redisclient.Client, name string) *RedisTransport {
	return &RedisTransport{
		client:  client,
		rdb:     client.GetClient(),
		keys:    newRedisKeys(name),
		lockTTL: 30 * time.Second,
		now:     time.Now,
	}
}

func (t *RedisTransport) Push(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	now := t.now()
	_, err = t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, t.keys.jobs, job.ID, data)
		p.HSet(ctx, t.keys.prio, job.ID, job.Options.Priority)
		if job.Options.Delay > 0 {
			p.ZAdd(ctx, t.keys.delayed, &redis.Z{Score: msScore(now.Add(job.Options.Delay)), Member: job.ID})
		} else {
			p.ZAdd(ctx, t.keys.wait, &redis.Z{Score: waitScore(job.Options.Priority, now), Member: job.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

func (t *RedisTransport) Claim(ctx context.Context, lease time.Duration) (*Job, error) {
	_, data, ok, err := t.client.ClaimJob(ctx, t.keys.wait, t.keys.active, t.keys.jobs, t.now().Add(lease))
	if err != nil || !ok {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (t *RedisTransport) Extend(ctx context.Context, job *Job, lease time.Duration) error {
	return t.rdb.ZAddXX(ctx, t.keys.active, &redis.Z{Score: msScore(t.now().Add(lease)), Member: job.ID}).Err()
}

func (t *RedisTransport) Complete(ctx context.Context, job *Job) error {
	var data []byte
	if !job.Options.RemoveOnComplete {
		var err error
		if data, err = json.Marshal(job); err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
	}

	_, err := t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		t.unqueue(ctx, p, job.ID)
		if job.Options.RemoveOnComplete {
			p.HDel(ctx, t.keys.jobs, job.ID)
			p.HDel(ctx, t.keys.prio, job.ID)
			return nil
		}
		p.HSet(ctx, t.keys.jobs, job.ID, data)
		p.ZAdd(ctx, t.keys.completed, &redis.Z{Score: msScore(t.now().Add(job.Options.Retention)), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

func (t *RedisTransport) Retry(ctx context.Context, job *Job, at time.Time) error {
	return t.settle(ctx, job, t.keys.delayed, at)
}

func (t *RedisTransport) Fail(ctx context.Context, job *Job) error {
	return t.settle(ctx, job, t.keys.failed, t.now().Add(job.Options.Retention))
}

func (t *RedisTransport) settle(ctx context.Context, job *Job, key string, score time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		t.unqueue(ctx, p, job.ID)
		p.HSet(ctx, t.keys.jobs, job.ID, data)
		p.ZAdd(ctx, key, &redis.Z{Score: msScore(score), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to move job to %s: %w", key, err)
	}
	return nil
}

// unqueue drops every pending copy of a settling job, including one that stall
// recovery put back while the job was still running.
func (t *RedisTransport) unqueue(ctx context.Context, p redis.Pipeliner, id string) {
	p.ZRem(ctx, t.keys.active, id)
	p.ZRem(ctx, t.keys.wait, id)
	p.ZRem(ctx, t.keys.delayed, id)
}

func (t *RedisTransport) Maintain(ctx context.Context, now time.Time) (int, error) {
	acquired, err := t.client.AcquireLock(ctx, t.keys.maintenance, t.lockTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire maintenance lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer t.client.ReleaseLock(context.WithoutCancel(ctx), t.keys.maintenance)

	if _, err := t.client.PromoteDue(ctx, t.keys.delayed, t.keys.wait, t.keys.prio, now, promoteBatch); err != nil {
		return 0, err
	}

	stalled, err := t.client.PromoteDue(ctx, t.keys.active, t.keys.wait, t.keys.prio, now, promoteBatch)
	if err != nil {
		return 0, err
	}
	return stalled, nil
}

func (t *RedisTransport) Failed(ctx context.Context, limit int) ([]*Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := t.rdb.ZRevRange(ctx, t.keys.failed, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	values, err := t.rdb.HMGet(ctx, t.keys.jobs, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load failed jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (t *RedisTransport) Counts(ctx context.Context) (map[string]int64, error) {
	states := map[string]string{
		StateWaiting:   t.keys.wait,
		StateActive:    t.keys.active,
		StateDelayed:   t.keys.delayed,
		StateFailed:    t.keys.failed,
		StateCompleted: t.keys.completed,
	}

	cmds := make(map[string]*redis.IntCmd, len(states))
	_, err := t.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for state, key := range states {
			cmds[state] = p.ZCard(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[string]int64, len(cmds))
	for state, cmd := range cmds {
		counts[state] = cmd.Val()
	}
	return counts, nil
}

func (t *RedisTransport) Clean(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for _, key := range []string{t.keys.failed, t.keys.completed} {
		ids, err := t.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan expired jobs: %w", err)
		}
		if len(ids) == 0 {
			continue
		}

		members := make([]interface{}, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		_, err = t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, key, members...)
			p.HDel(ctx, t.keys.jobs, ids...)
			p.HDel(ctx, t.keys.prio, ids...)
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("failed to remove expired jobs: %w", err)
		}
		removed += len(ids)
	}
	return removed, nil
}

func msScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func waitScore(priority int, t time.Time) float64 {
	return float64(priority)*1e13 + float64(t.UnixMilli())
}
