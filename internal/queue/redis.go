package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/snarg/grabadora/internal/config"
)

const keyPrefix = "grabadora"

// RedisQueue keeps job envelopes in Redis hashes so they survive the process
// and are visible to every worker. The pending list is consumed with BRPOP.
type RedisQueue struct {
	client     *redis.Client
	queueName  string
	resultTTL  time.Duration
	failureTTL time.Duration
	log        zerolog.Logger
}

// NewRedisQueue builds the client from the configured URL. Connections are
// made per command, so a down broker fails individual calls, not startup;
// callers that need reachability up front use Ping.
func NewRedisQueue(cfg *config.Config, log zerolog.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisQueue{
		client:     redis.NewClient(opts),
		queueName:  cfg.QueueName,
		resultTTL:  cfg.ResultTTL,
		failureTTL: cfg.FailureTTL,
		log:        log.With().Str("component", "redis-queue").Logger(),
	}, nil
}

// Ping checks broker reachability.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) jobKey(id string) string {
	return keyPrefix + ":job:" + id
}

func (q *RedisQueue) listKey() string {
	return keyPrefix + ":queue:" + q.queueName
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *JobSpec) error {
	if err := validateSpec(job); err != nil {
		return err
	}
	args, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	now := nowStamp()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]any{
		"func":        job.Func,
		"args":        string(args),
		MetaStatus:    StatusQueued,
		MetaProgress:  "0",
		MetaQueuedAt:  now,
		MetaUpdatedAt: now,
	})
	pipe.LPush(ctx, q.listKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue pops the next job id with BRPOP and loads its spec. Jobs whose
// envelope has expired are skipped.
func (q *RedisQueue) Dequeue(ctx context.Context) (*JobSpec, error) {
	for {
		res, err := q.client.BRPop(ctx, time.Second, q.listKey()).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("brpop: %w", err)
		}

		id := res[1]
		fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("load job %s: %w", id, err)
		}
		if len(fields) == 0 {
			q.log.Warn().Str("job_id", id).Msg("dequeued job envelope missing, skipping")
			continue
		}

		args := map[string]string{}
		if raw := fields["args"]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("unmarshal args for %s: %w", id, err)
			}
		}
		return &JobSpec{ID: id, Func: fields["func"], Args: args}, nil
	}
}

func (q *RedisQueue) Fetch(ctx context.Context, id string) (*JobState, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	delete(fields, "func")
	delete(fields, "args")
	return &JobState{ID: id, Meta: fields}, nil
}

func (q *RedisQueue) SetMeta(ctx context.Context, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	kv := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		kv[k] = v
	}
	if _, ok := fields[MetaUpdatedAt]; !ok {
		kv[MetaUpdatedAt] = nowStamp()
	}
	return q.client.HSet(ctx, q.jobKey(id), kv).Err()
}

func (q *RedisQueue) SetStatus(ctx context.Context, id, status, errMsg string) error {
	if err := q.SetMeta(ctx, id, statusFields(status, errMsg)); err != nil {
		return err
	}
	// Terminal envelopes expire so the keyspace stays bounded.
	switch status {
	case StatusCompleted:
		return q.client.Expire(ctx, q.jobKey(id), q.resultTTL).Err()
	case StatusFailed:
		return q.client.Expire(ctx, q.jobKey(id), q.failureTTL).Err()
	}
	return nil
}

func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.listKey()).Result()
	return int(n), err
}

func (q *RedisQueue) Backend() string { return "redis" }

func (q *RedisQueue) Close() error { return q.client.Close() }
