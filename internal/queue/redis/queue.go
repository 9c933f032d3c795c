// Package redis provides the durable Redis-backed job queue.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortai/legalcrawl/internal/crawler"
)

const (
	pendingKey    = "legalcrawl:queue:jobs"
	processingKey = "legalcrawl:processing:jobs"
	leasePrefix   = "legalcrawl:lease:"
)

// renewScript extends a lease only while the caller still holds it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return -1
`)

// releaseScript drops the lease and the processing marker atomically.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  redis.call("LREM", KEYS[2], 1, ARGV[2])
  return 1
end
return 0
`)

// Queue implements crawler.JobQueue over Redis lists with lease keys.
// Claim moves a token from the pending list to a processing list
// atomically; a lease key with TTL marks ownership. Jobs whose lease
// expired are swept back to pending by the reaper.
type Queue struct {
	client   *redis.Client
	leaseTTL time.Duration
	logger   *zap.Logger
}

// New connects to Redis and pings it.
func New(ctx context.Context, url string, poolSize int, leaseTTL time.Duration, logger *zap.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Queue{client: client, leaseTTL: leaseTTL, logger: logger}, nil
}

// Close releases the connection pool.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Push enqueues a job token.
func (q *Queue) Push(ctx context.Context, jobID uuid.UUID) error {
	if err := q.client.LPush(ctx, pendingKey, jobID.String()).Err(); err != nil {
		return fmt.Errorf("lpush job: %w", err)
	}
	return nil
}

// Claim blocks up to timeout for a job and grants a lease.
func (q *Queue) Claim(ctx context.Context, timeout time.Duration) (crawler.JobClaim, error) {
	raw, err := q.client.BRPopLPush(ctx, pendingKey, processingKey, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return crawler.JobClaim{}, nil
	}
	if err != nil {
		return crawler.JobClaim{}, fmt.Errorf("brpoplpush: %w", err)
	}

	jobID, err := uuid.Parse(raw)
	if err != nil {
		// Poisoned entry; drop it rather than wedging the queue.
		q.logger.Warn("discarding malformed queue entry", zap.String("raw", raw))
		q.client.LRem(ctx, processingKey, 1, raw)
		return crawler.JobClaim{}, nil
	}

	token := uuid.NewString()
	if err := q.client.Set(ctx, leasePrefix+raw, token, q.leaseTTL).Err(); err != nil {
		return crawler.JobClaim{}, fmt.Errorf("set lease: %w", err)
	}
	return crawler.JobClaim{JobID: jobID, Lease: token}, nil
}

// Renew extends the claim's lease; ErrLeaseLost when it already expired.
func (q *Queue) Renew(ctx context.Context, claim crawler.JobClaim, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, q.client,
		[]string{leasePrefix + claim.JobID.String()},
		claim.Lease, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if res < 0 {
		return crawler.ErrLeaseLost
	}
	return nil
}

// Release drops the lease and the processing marker. The final status is
// recorded by the job repository; the queue only needs to forget the claim.
func (q *Queue) Release(ctx context.Context, claim crawler.JobClaim, _ crawler.JobStatus) error {
	err := releaseScript.Run(ctx, q.client,
		[]string{leasePrefix + claim.JobID.String(), processingKey},
		claim.Lease, claim.JobID.String(),
	).Err()
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// Reap returns jobs with expired leases to the pending list. Run it
// periodically from one process; sweeping is idempotent.
func (q *Queue) Reap(ctx context.Context) (int, error) {
	entries, err := q.client.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange processing: %w", err)
	}

	reclaimed := 0
	for _, raw := range entries {
		exists, err := q.client.Exists(ctx, leasePrefix+raw).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("check lease: %w", err)
		}
		if exists > 0 {
			continue
		}
		if err := q.client.LRem(ctx, processingKey, 1, raw).Err(); err != nil {
			return reclaimed, fmt.Errorf("lrem processing: %w", err)
		}
		if err := q.client.RPush(ctx, pendingKey, raw).Err(); err != nil {
			return reclaimed, fmt.Errorf("rpush pending: %w", err)
		}
		reclaimed++
	}
	return reclaimed, nil
}

// RunReaper sweeps expired leases until the context finishes.
func (q *Queue) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Reap(ctx)
			if err != nil {
				q.logger.Error("queue reap failed", zap.Error(err))
				continue
			}
			if n > 0 {
				q.logger.Info("requeued expired claims", zap.Int("count", n))
			}
		}
	}
}
