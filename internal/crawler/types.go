// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition may occur from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ScraperConfig is an immutable-once-published crawl policy.
type ScraperConfig struct {
	ID                    uuid.UUID         `json:"id"`
	Name                  string            `json:"name"`
	Description           string            `json:"description,omitempty"`
	BaseURL               string            `json:"base_url"`
	IncludePatterns       []string          `json:"include_patterns"`
	ExcludePatterns       []string          `json:"exclude_patterns"`
	MaxDepth              int               `json:"max_depth"`
	MaxPagesPerJob        int               `json:"max_pages_per_job"` // 0 = unbounded
	RespectRobots         bool              `json:"respect_robots_txt"`
	UserAgent             string            `json:"user_agent"`
	RequestDelayMs        int               `json:"request_delay_ms"`
	MaxConcurrentRequests int               `json:"max_concurrent_requests"`
	Schedule              string            `json:"schedule,omitempty"`
	Headers               map[string]string `json:"headers,omitempty"`
	Active                bool              `json:"active"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Job represents one crawl execution of a configuration.
type Job struct {
	ID           uuid.UUID      `json:"id"`
	ConfigID     uuid.UUID      `json:"config_id"`
	Status       JobStatus      `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	PagesCrawled int            `json:"pages_crawled"`
	PagesFailed  int            `json:"pages_failed"`
	PagesSkipped int            `json:"pages_skipped"`
	NextRunAt    *time.Time     `json:"next_run_at,omitempty"`
	WorkerID     string         `json:"worker_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewJob creates a pending job for the given configuration.
func NewJob(configID uuid.UUID, now time.Time) Job {
	return Job{
		ID:        uuid.New(),
		ConfigID:  configID,
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CounterDelta carries increments applied to a job's page counters.
type CounterDelta struct {
	Crawled int
	Failed  int
	Skipped int
}

// Page is one fetched URL within a job.
type Page struct {
	ID            uuid.UUID         `json:"id"`
	JobID         uuid.UUID         `json:"job_id"`
	URL           string            `json:"url"`
	NormalizedURL string            `json:"normalized_url"`
	ContentHash   string            `json:"content_hash,omitempty"`
	HTTPStatus    int               `json:"http_status"`
	HTTPHeaders   map[string]string `json:"http_headers,omitempty"`
	CrawledAt     time.Time         `json:"crawled_at"`
	HTMLKey       string            `json:"html_storage_key,omitempty"`
	MarkdownKey   string            `json:"markdown_storage_key,omitempty"`
	Title         string            `json:"title,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	Depth         int               `json:"depth"`
	ParentURL     string            `json:"parent_url,omitempty"`
}

// EventType identifies a lifecycle event emitted by the engine.
type EventType string

// Event types dispatched to webhook subscribers.
const (
	EventJobCreated   EventType = "job.created"
	EventJobStarted   EventType = "job.started"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"
	EventPageCrawled  EventType = "page.crawled"
	EventPageFailed   EventType = "page.failed"
)

// Event is the engine-side representation of a lifecycle notification.
type Event struct {
	Type      EventType      `json:"event"`
	JobID     uuid.UUID      `json:"job_id"`
	ConfigID  uuid.UUID      `json:"config_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Webhook is a subscription to engine events.
type Webhook struct {
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	EventTypes []EventType       `json:"event_types"`
	Secret     string            `json:"secret,omitempty"`
	Active     bool              `json:"active"`
	Headers    map[string]string `json:"headers,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// SubscribedTo reports whether the webhook wants events of type t.
func (w Webhook) SubscribedTo(t EventType) bool {
	for _, et := range w.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// DeliveryStatus tracks a webhook delivery ledger entry.
type DeliveryStatus string

// Delivery status values.
const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// WebhookDelivery is one dispatch ledger row. The delivery ID is the
// receiver-visible idempotency key.
type WebhookDelivery struct {
	ID             uuid.UUID      `json:"id"`
	WebhookID      uuid.UUID      `json:"webhook_id"`
	EventType      EventType      `json:"event_type"`
	Payload        []byte         `json:"payload"`
	Status         DeliveryStatus `json:"status"`
	ResponseStatus int            `json:"response_status,omitempty"`
	ResponseBody   string         `json:"response_body,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	RetryCount     int            `json:"retry_count"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
}
