// Package memory provides an in-process job queue for tests and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fortai/legalcrawl/internal/crawler"
)

// Queue implements crawler.JobQueue with channel-backed delivery and
// time-bounded leases. Expired leases are swept back onto the queue on the
// next Claim.
type Queue struct {
	jobs  chan uuid.UUID
	clock crawler.Clock

	mu     sync.Mutex
	leases map[string]lease
}

type lease struct {
	jobID   uuid.UUID
	expires time.Time
}

// New creates a queue with the given buffer capacity.
func New(capacity int, clock crawler.Clock) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{
		jobs:   make(chan uuid.UUID, capacity),
		clock:  clock,
		leases: make(map[string]lease),
	}
}

// Push enqueues a job token.
func (q *Queue) Push(ctx context.Context, jobID uuid.UUID) error {
	select {
	case q.jobs <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Claim dequeues the next job and grants a lease. A zero claim with nil
// error means the timeout elapsed.
func (q *Queue) Claim(ctx context.Context, timeout time.Duration) (crawler.JobClaim, error) {
	q.sweepExpired(ctx)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case jobID := <-q.jobs:
		token := uuid.NewString()
		q.mu.Lock()
		q.leases[token] = lease{jobID: jobID, expires: q.clock.Now().Add(time.Minute)}
		q.mu.Unlock()
		return crawler.JobClaim{JobID: jobID, Lease: token}, nil
	case <-timer.C:
		return crawler.JobClaim{}, nil
	case <-ctx.Done():
		return crawler.JobClaim{}, ctx.Err()
	}
}

// Renew extends the claim's lease by ttl.
func (q *Queue) Renew(_ context.Context, claim crawler.JobClaim, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.leases[claim.Lease]
	if !ok || q.clock.Now().After(l.expires) {
		delete(q.leases, claim.Lease)
		return crawler.ErrLeaseLost
	}
	l.expires = q.clock.Now().Add(ttl)
	q.leases[claim.Lease] = l
	return nil
}

// Release drops the lease; the final status is accepted for interface
// parity with durable queues.
func (q *Queue) Release(_ context.Context, claim crawler.JobClaim, _ crawler.JobStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leases, claim.Lease)
	return nil
}

func (q *Queue) sweepExpired(ctx context.Context) {
	q.mu.Lock()
	now := q.clock.Now()
	var requeue []uuid.UUID
	for token, l := range q.leases {
		if now.After(l.expires) {
			requeue = append(requeue, l.jobID)
			delete(q.leases, token)
		}
	}
	q.mu.Unlock()

	for _, id := range requeue {
		select {
		case q.jobs <- id:
		case <-ctx.Done():
			return
		}
	}
}
