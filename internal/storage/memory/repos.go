package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fortai/legalcrawl/internal/crawler"
)

// Store implements the job, page, config, and webhook repositories in
// memory with the same semantics as the Postgres stores: compare-and-set
// job transitions, idempotent page insertion, monotonic counters.
type Store struct {
	clock crawler.Clock

	mu         sync.RWMutex
	jobs       map[uuid.UUID]crawler.Job
	pages      map[uuid.UUID][]crawler.Page
	pageIndex  map[uuid.UUID]map[string]struct{} // jobID -> normalized URLs
	configs    map[uuid.UUID]crawler.ScraperConfig
	webhooks   map[uuid.UUID]crawler.Webhook
	deliveries map[uuid.UUID]crawler.WebhookDelivery
}

// NewStore creates an empty store.
func NewStore(clock crawler.Clock) *Store {
	return &Store{
		clock:      clock,
		jobs:       make(map[uuid.UUID]crawler.Job),
		pages:      make(map[uuid.UUID][]crawler.Page),
		pageIndex:  make(map[uuid.UUID]map[string]struct{}),
		configs:    make(map[uuid.UUID]crawler.ScraperConfig),
		webhooks:   make(map[uuid.UUID]crawler.Webhook),
		deliveries: make(map[uuid.UUID]crawler.WebhookDelivery),
	}
}

// CreateJob inserts a job record.
func (s *Store) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID uuid.UUID) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrNotFound
	}
	return job, nil
}

// TransitionJob performs a compare-and-set status transition.
func (s *Store) TransitionJob(
	_ context.Context,
	jobID uuid.UUID,
	from, to crawler.JobStatus,
	fields crawler.TransitionFields,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.ErrNotFound
	}
	if job.Status != from || !crawler.CanTransition(from, to) {
		return crawler.ErrTransitionConflict
	}

	job.Status = to
	job.UpdatedAt = s.clock.Now()
	if fields.WorkerID != nil {
		job.WorkerID = *fields.WorkerID
	}
	if fields.ClearWorkerID {
		job.WorkerID = ""
	}
	if fields.StartedAt != nil {
		job.StartedAt = fields.StartedAt
	}
	if fields.CompletedAt != nil {
		job.CompletedAt = fields.CompletedAt
	}
	if fields.ErrorMessage != nil {
		job.ErrorMessage = *fields.ErrorMessage
	}
	s.jobs[jobID] = job
	return nil
}

// UpdateJobCounters applies non-negative deltas to the job's counters.
func (s *Store) UpdateJobCounters(_ context.Context, jobID uuid.UUID, delta crawler.CounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.ErrNotFound
	}
	job.PagesCrawled += delta.Crawled
	job.PagesFailed += delta.Failed
	job.PagesSkipped += delta.Skipped
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	return nil
}

// ReclaimJob reassigns a running job to a new worker and counts the
// takeover in the job's metadata.
func (s *Store) ReclaimJob(_ context.Context, jobID uuid.UUID, workerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return 0, crawler.ErrNotFound
	}
	if job.Status != crawler.JobStatusRunning {
		return 0, crawler.ErrTransitionConflict
	}
	if job.Metadata == nil {
		job.Metadata = make(map[string]any)
	}
	count := 1
	if prev, ok := job.Metadata["reclaims"].(int); ok {
		count = prev + 1
	}
	job.Metadata["reclaims"] = count
	job.WorkerID = workerID
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	return count, nil
}

// InsertPage appends a page unless (job_id, normalized_url) already exists.
func (s *Store) InsertPage(_ context.Context, page crawler.Page) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.pageIndex[page.JobID]
	if !ok {
		idx = make(map[string]struct{})
		s.pageIndex[page.JobID] = idx
	}
	if _, dup := idx[page.NormalizedURL]; dup {
		return false, nil
	}
	idx[page.NormalizedURL] = struct{}{}
	s.pages[page.JobID] = append(s.pages[page.JobID], page)
	return true, nil
}

// ListPagesByJob returns pages in insertion order with cursor pagination.
func (s *Store) ListPagesByJob(_ context.Context, jobID uuid.UUID, cursor string, limit int) ([]crawler.Page, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.pages[jobID]
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", crawler.Validationf("bad cursor %q", cursor)
		}
		start = n
	}
	if start >= len(all) {
		return nil, "", nil
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	next := ""
	if end < len(all) {
		next = strconv.Itoa(end)
	} else {
		end = len(all)
	}
	out := make([]crawler.Page, end-start)
	copy(out, all[start:end])
	return out, next, nil
}

// FindMarkdownKeyByHash returns a markdown key recorded for the hash within
// the job.
func (s *Store) FindMarkdownKeyByHash(_ context.Context, jobID uuid.UUID, hash string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.pages[jobID] {
		if p.ContentHash == hash && p.MarkdownKey != "" {
			return p.MarkdownKey, true, nil
		}
	}
	return "", false, nil
}

// PutConfig stores a scraper configuration.
func (s *Store) PutConfig(cfg crawler.ScraperConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ID] = cfg
}

// GetConfig fetches a configuration by ID.
func (s *Store) GetConfig(_ context.Context, configID uuid.UUID) (crawler.ScraperConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[configID]
	if !ok {
		return crawler.ScraperConfig{}, crawler.ErrNotFound
	}
	return cfg, nil
}

// ListScheduled returns active configs carrying a schedule, ordered by ID
// for determinism.
func (s *Store) ListScheduled(_ context.Context) ([]crawler.ScraperConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []crawler.ScraperConfig
	for _, cfg := range s.configs {
		if cfg.Active && cfg.Schedule != "" {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// SetNextRun only checks that the config exists; the memory store does not
// record next run times.
func (s *Store) SetNextRun(_ context.Context, configID uuid.UUID, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[configID]; !ok {
		return crawler.ErrNotFound
	}
	return nil
}

// PutWebhook stores a subscription.
func (s *Store) PutWebhook(w crawler.Webhook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[w.ID] = w
}

// ListActiveByEvent returns active webhooks subscribed to the event type.
func (s *Store) ListActiveByEvent(_ context.Context, event crawler.EventType) ([]crawler.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []crawler.Webhook
	for _, w := range s.webhooks {
		if w.Active && w.SubscribedTo(event) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// InsertDelivery records a new delivery ledger row.
func (s *Store) InsertDelivery(_ context.Context, d crawler.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d
	return nil
}

// UpdateDelivery replaces a delivery ledger row.
func (s *Store) UpdateDelivery(_ context.Context, d crawler.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		return crawler.ErrNotFound
	}
	s.deliveries[d.ID] = d
	return nil
}

// Deliveries returns a snapshot of the delivery ledger.
func (s *Store) Deliveries() []crawler.WebhookDelivery {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]crawler.WebhookDelivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Pages returns a snapshot of a job's pages.
func (s *Store) Pages(jobID uuid.UUID) []crawler.Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Page, len(s.pages[jobID]))
	copy(out, s.pages[jobID])
	return out
}
