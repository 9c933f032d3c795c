package crawler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobClaim identifies a leased job handed out by the queue.
type JobClaim struct {
	JobID uuid.UUID
	Lease string
}

// JobQueue provides durable, at-least-once claim semantics over pending jobs.
type JobQueue interface {
	Push(ctx context.Context, jobID uuid.UUID) error
	// Claim blocks up to timeout for a job. A zero claim and nil error means
	// the timeout elapsed with nothing to do.
	Claim(ctx context.Context, timeout time.Duration) (JobClaim, error)
	// Renew extends the lease. ErrLeaseLost is returned when the lease has
	// already expired and the job became re-claimable.
	Renew(ctx context.Context, claim JobClaim, ttl time.Duration) error
	Release(ctx context.Context, claim JobClaim, final JobStatus) error
}

// TransitionFields are the columns written alongside a status transition.
type TransitionFields struct {
	WorkerID      *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ErrorMessage  *string
	ClearWorkerID bool
}

// JobRepository persists jobs. TransitionJob is a compare-and-set on status
// and returns ErrTransitionConflict when the expected state does not hold.
type JobRepository interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID uuid.UUID) (Job, error)
	TransitionJob(ctx context.Context, jobID uuid.UUID, from, to JobStatus, fields TransitionFields) error
	UpdateJobCounters(ctx context.Context, jobID uuid.UUID, delta CounterDelta) error
	// ReclaimJob takes over a running job whose previous lease expired. It
	// records the new worker and returns how many times the job has been
	// reclaimed; callers fail the job past their reclaim budget.
	ReclaimJob(ctx context.Context, jobID uuid.UUID, workerID string) (int, error)
}

// PageRepository persists per-page records, idempotent on
// (job_id, normalized_url).
type PageRepository interface {
	// InsertPage returns false when a record for the same job and
	// normalized URL already exists; the new record is dropped.
	InsertPage(ctx context.Context, page Page) (bool, error)
	ListPagesByJob(ctx context.Context, jobID uuid.UUID, cursor string, limit int) ([]Page, string, error)
	// FindMarkdownKeyByHash returns a markdown storage key already recorded
	// for the same content hash within the job, enabling blob reuse.
	FindMarkdownKeyByHash(ctx context.Context, jobID uuid.UUID, hash string) (string, bool, error)
}

// ConfigRepository reads scraper configurations. The engine consumes them
// read-only.
type ConfigRepository interface {
	GetConfig(ctx context.Context, configID uuid.UUID) (ScraperConfig, error)
	// ListScheduled returns active configs carrying a cron schedule.
	ListScheduled(ctx context.Context) ([]ScraperConfig, error)
	SetNextRun(ctx context.Context, configID uuid.UUID, next time.Time) error
}

// WebhookRepository persists subscriptions and the delivery ledger.
type WebhookRepository interface {
	ListActiveByEvent(ctx context.Context, event EventType) ([]Webhook, error)
	InsertDelivery(ctx context.Context, d WebhookDelivery) error
	UpdateDelivery(ctx context.Context, d WebhookDelivery) error
}

// PutOutcome reports how a blob write concluded.
type PutOutcome int

// Put outcomes.
const (
	PutStored PutOutcome = iota
	PutExists
)

// BlobMetadata describes a stored object.
type BlobMetadata struct {
	Key         string
	Size        int64
	ContentType string
}

// BlobStore writes raw artifacts by opaque, content-addressed keys.
// Objects are immutable; a put against an existing key is skipped.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (PutOutcome, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (BlobMetadata, error)
}

// MarkdownConverter renders HTML to Markdown via the external service.
type MarkdownConverter interface {
	Convert(ctx context.Context, html []byte, sourceURL string) ([]byte, error)
}

// EventSink receives lifecycle events for fan-out.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// Publisher pushes events to a broker topic (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication and content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
