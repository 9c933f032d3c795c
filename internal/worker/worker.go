// Package worker implements the crawl execution loop: claiming jobs from
// the queue, driving the frontier under politeness constraints, and
// accounting for every page.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortai/legalcrawl/internal/crawler"
	"github.com/fortai/legalcrawl/internal/metrics"
)

// Config controls Worker behavior. Zero-valued crawl defaults fall back to
// the engine-wide constants.
type Config struct {
	WorkerID         string
	LeaseTTL         time.Duration
	ClaimTimeout     time.Duration
	MaxReclaims      int
	CancelPoll       time.Duration
	DefaultUserAgent string
	DefaultDelayMs   int
	MaxRetries       int
	ConnectTimeout   time.Duration
	TotalTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 60 * time.Second
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Second
	}
	if c.MaxReclaims <= 0 {
		c.MaxReclaims = 2
	}
	if c.CancelPoll <= 0 {
		c.CancelPoll = time.Second
	}
	if c.DefaultUserAgent == "" {
		c.DefaultUserAgent = "legalcrawl-bot/1.0"
	}
	if c.DefaultDelayMs <= 0 {
		c.DefaultDelayMs = 1000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = crawler.DefaultMaxRetries
	}
	return c
}

// Worker claims jobs and executes their crawl loops one at a time. Run
// several Workers (see the dispatcher) for concurrent job executions.
type Worker struct {
	queue    crawler.JobQueue
	jobs     crawler.JobRepository
	pages    crawler.PageRepository
	configs  crawler.ConfigRepository
	blobs    crawler.BlobStore
	markdown crawler.MarkdownConverter
	robots   *crawler.RobotsCache
	events   crawler.EventSink
	hasher   crawler.Hasher
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// Deps bundles the worker's collaborators.
type Deps struct {
	Queue    crawler.JobQueue
	Jobs     crawler.JobRepository
	Pages    crawler.PageRepository
	Configs  crawler.ConfigRepository
	Blobs    crawler.BlobStore
	Markdown crawler.MarkdownConverter
	Robots   *crawler.RobotsCache
	Events   crawler.EventSink
	Hasher   crawler.Hasher
	Clock    crawler.Clock
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	return &Worker{
		queue:    deps.Queue,
		jobs:     deps.Jobs,
		pages:    deps.Pages,
		configs:  deps.Configs,
		blobs:    deps.Blobs,
		markdown: deps.Markdown,
		robots:   deps.Robots,
		events:   deps.Events,
		hasher:   deps.Hasher,
		clock:    deps.Clock,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(zap.String("worker_id", cfg.WorkerID)),
	}
}

// Run blocks, claiming and executing jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		claim, err := w.queue.Claim(ctx, w.cfg.ClaimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue claim failed", zap.Error(err))
			w.pause(ctx, time.Second)
			continue
		}
		if claim.JobID == uuid.Nil {
			continue
		}
		w.processJob(ctx, claim)
	}
}

// jobState is the mutable coordination state of one job execution.
type jobState struct {
	job      crawler.Job
	cfg      crawler.ScraperConfig
	filter   *crawler.Filter
	frontier *crawler.Frontier
	gate     *crawler.Gate
	fetcher  *crawler.Fetcher

	inflight atomic.Int64

	mu        sync.Mutex
	fatalErr  error
	cancelled bool
	leaseLost bool
}

func (st *jobState) fail(err error) {
	st.mu.Lock()
	if st.fatalErr == nil {
		st.fatalErr = err
	}
	st.mu.Unlock()
}

func (w *Worker) processJob(parent context.Context, claim crawler.JobClaim) {
	logger := w.logger.With(zap.String("job_id", claim.JobID.String()))

	job, err := w.jobs.GetJob(parent, claim.JobID)
	if err != nil {
		logger.Error("load job failed", zap.Error(err))
		w.release(parent, claim, crawler.JobStatusFailed)
		return
	}
	if job.Status.Terminal() {
		w.release(parent, claim, job.Status)
		return
	}

	resume := false
	switch job.Status {
	case crawler.JobStatusPending:
		started := w.clock.Now()
		fields := crawler.TransitionFields{WorkerID: &w.cfg.WorkerID, StartedAt: &started}
		if err := w.jobs.TransitionJob(parent, claim.JobID, crawler.JobStatusPending, crawler.JobStatusRunning, fields); err != nil {
			// Raced an external cancel; nothing to run.
			logger.Info("claim lost to concurrent transition", zap.Error(err))
			w.release(parent, claim, crawler.JobStatusCancelled)
			return
		}
	case crawler.JobStatusRunning:
		// The previous owner's lease expired mid-crawl.
		count, err := w.jobs.ReclaimJob(parent, claim.JobID, w.cfg.WorkerID)
		if err != nil {
			logger.Error("reclaim failed", zap.Error(err))
			w.release(parent, claim, crawler.JobStatusFailed)
			return
		}
		if count > w.cfg.MaxReclaims {
			w.finishJob(parent, claim, job, crawler.JobStatusFailed,
				fmt.Sprintf("job lease lost %d times", count))
			return
		}
		resume = true
		logger.Info("resuming job after lease expiry", zap.Int("reclaims", count))
	}

	job, err = w.jobs.GetJob(parent, claim.JobID)
	if err != nil {
		logger.Error("reload job failed", zap.Error(err))
		w.release(parent, claim, crawler.JobStatusFailed)
		return
	}
	if !resume {
		w.emit(parent, crawler.EventJobStarted, job, nil)
	}

	metrics.JobStarted()
	defer metrics.JobDone()

	w.crawlJob(parent, claim, job, resume, logger)
}

func (w *Worker) crawlJob(parent context.Context, claim crawler.JobClaim, job crawler.Job, resume bool, logger *zap.Logger) {
	cfg, err := w.configs.GetConfig(parent, job.ConfigID)
	if err != nil {
		w.finishJob(parent, claim, job, crawler.JobStatusFailed,
			fmt.Sprintf("load config %s: %v", job.ConfigID, err))
		return
	}
	w.applyDefaults(&cfg)

	filter, err := crawler.NewFilter(cfg)
	if err != nil {
		w.finishJob(parent, claim, job, crawler.JobStatusFailed, err.Error())
		return
	}
	seed, err := crawler.NormalizeURL(cfg.BaseURL)
	if err != nil {
		w.finishJob(parent, claim, job, crawler.JobStatusFailed, err.Error())
		return
	}

	st := &jobState{
		job:      job,
		cfg:      cfg,
		filter:   filter,
		frontier: crawler.NewFrontier(cfg.MaxPagesPerJob),
		gate:     crawler.NewGate(cfg.MaxConcurrentRequests, time.Duration(cfg.RequestDelayMs)*time.Millisecond),
		fetcher: crawler.NewFetcher(crawler.FetchConfig{
			ConnectTimeout: w.cfg.ConnectTimeout,
			TotalTimeout:   w.cfg.TotalTimeout,
			MaxRetries:     w.cfg.MaxRetries,
			UserAgent:      cfg.UserAgent,
			Headers:        cfg.Headers,
		}, filter, logger),
	}

	jobCtx, cancelJob := context.WithCancel(parent)
	defer cancelJob()

	var watchers sync.WaitGroup
	watchers.Add(2)
	go func() {
		defer watchers.Done()
		w.renewLease(jobCtx, claim, st, cancelJob, logger)
	}()
	go func() {
		defer watchers.Done()
		w.watchCancellation(jobCtx, st, cancelJob, logger)
	}()

	if resume {
		w.seedFromPersistedPages(jobCtx, st, logger)
	}
	st.frontier.Enqueue(seed, 0, "")

	concurrency := cfg.MaxConcurrentRequests
	if concurrency < 1 {
		concurrency = 1
	}
	var crawlers sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		crawlers.Add(1)
		go func() {
			defer crawlers.Done()
			w.crawlLoop(jobCtx, st)
		}()
	}
	crawlers.Wait()
	cancelJob()
	watchers.Wait()

	w.finalize(parent, claim, st, logger)
}

// crawlLoop pulls frontier entries until exhaustion or cancellation. The
// inflight counter is raised before dequeueing so sibling loops never
// observe an empty frontier while outlinks are still being discovered.
func (w *Worker) crawlLoop(ctx context.Context, st *jobState) {
	for {
		if ctx.Err() != nil {
			return
		}
		st.inflight.Add(1)
		entry, ok := st.frontier.Dequeue()
		if !ok {
			st.inflight.Add(-1)
			if st.inflight.Load() == 0 && st.frontier.Len() == 0 {
				return
			}
			w.pause(ctx, 25*time.Millisecond)
			continue
		}
		w.crawlOne(ctx, st, entry)
		st.inflight.Add(-1)
	}
}

func (w *Worker) crawlOne(ctx context.Context, st *jobState, entry crawler.FrontierEntry) {
	logger := w.logger.With(
		zap.String("job_id", st.job.ID.String()),
		zap.String("url", entry.URL),
	)

	host, err := crawler.HostOf(entry.URL)
	if err != nil {
		return
	}

	if st.cfg.RespectRobots && w.robots != nil && !w.robots.Allowed(ctx, st.cfg.UserAgent, entry.URL) {
		w.bumpCounters(ctx, st, crawler.CounterDelta{Skipped: 1})
		metrics.PageOutcome("skipped")
		logger.Debug("skipped by robots.txt")
		return
	}

	gateStart := time.Now()
	release, err := st.gate.Acquire(ctx, host)
	if err != nil {
		return
	}
	defer release()
	metrics.GateWait(time.Since(gateStart))

	if ctx.Err() != nil {
		return
	}

	result, err := st.fetcher.Fetch(ctx, entry.URL)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return
	case errors.Is(err, crawler.ErrFiltered):
		// A redirect left the admissible URL space.
		w.bumpCounters(ctx, st, crawler.CounterDelta{Skipped: 1})
		metrics.PageOutcome("skipped")
		return
	default:
		w.recordFailedPage(ctx, st, entry, 0, nil, err.Error())
		return
	}

	metrics.FetchObserved(statusClass(result.StatusCode), result.Duration)
	metrics.BytesFetched(host, len(result.Body))

	if result.StatusCode >= 400 {
		w.recordFailedPage(ctx, st, entry, result.StatusCode, result.Headers.Clone(),
			fmt.Sprintf("HTTP error: %d", result.StatusCode))
		return
	}

	w.recordCrawledPage(ctx, st, entry, result)
}

// recordCrawledPage stores blobs, enqueues outlinks, and persists the page
// record. Outlinks are enqueued before the insert so a crash replays them
// via the idempotent page insertion.
func (w *Worker) recordCrawledPage(ctx context.Context, st *jobState, entry crawler.FrontierEntry, result crawler.FetchResult) {
	hash, err := w.hasher.Hash(result.Body)
	if err != nil {
		st.fail(crawler.Fatal(fmt.Errorf("hash body: %w", err)))
		return
	}

	htmlKey := fmt.Sprintf("%s/%s.html", st.job.ID, hash)
	contentType := result.ContentType
	if contentType == "" {
		contentType = "text/html"
	}
	if _, err := w.blobs.Put(ctx, htmlKey, result.Body, contentType); err != nil {
		// Storage retries are exhausted inside the adapter; the page fails
		// but the job continues.
		w.recordFailedPage(ctx, st, entry, result.StatusCode, result.Headers.Clone(),
			fmt.Sprintf("store html: %v", err))
		return
	}

	markdownKey := w.renderMarkdown(ctx, st, hash, result)

	if result.Parseable() && entry.Depth < st.cfg.MaxDepth {
		w.enqueueOutlinks(ctx, st, entry, result)
	}

	var title string
	if result.Parseable() {
		title = crawler.ExtractTitle(result.Body)
	}

	page := crawler.Page{
		ID:            uuid.New(),
		JobID:         st.job.ID,
		URL:           entry.URL,
		NormalizedURL: entry.URL,
		ContentHash:   hash,
		HTTPStatus:    result.StatusCode,
		HTTPHeaders:   flattenHeaders(result.Headers),
		CrawledAt:     w.clock.Now(),
		HTMLKey:       htmlKey,
		MarkdownKey:   markdownKey,
		Title:         title,
		Metadata: map[string]any{
			"content_length": len(result.Body),
			"content_type":   result.ContentType,
		},
		Depth:     entry.Depth,
		ParentURL: entry.ParentURL,
	}

	inserted, err := w.pages.InsertPage(ctx, page)
	if err != nil {
		st.fail(crawler.Fatal(fmt.Errorf("insert page: %w", err)))
		return
	}
	if !inserted {
		return
	}

	w.bumpCounters(ctx, st, crawler.CounterDelta{Crawled: 1})
	metrics.PageOutcome("crawled")
	w.emit(ctx, crawler.EventPageCrawled, st.job, map[string]any{
		"page_id":     page.ID.String(),
		"url":         page.URL,
		"depth":       page.Depth,
		"http_status": page.HTTPStatus,
	})
}

// renderMarkdown converts the body best effort, reusing a blob already
// recorded for the same content hash within the job.
func (w *Worker) renderMarkdown(ctx context.Context, st *jobState, hash string, result crawler.FetchResult) string {
	if w.markdown == nil || !result.Parseable() {
		return ""
	}

	if key, ok, err := w.pages.FindMarkdownKeyByHash(ctx, st.job.ID, hash); err == nil && ok {
		return key
	}

	md, err := w.markdown.Convert(ctx, result.Body, result.FinalURL)
	if err != nil {
		w.logger.Warn("markdown conversion failed",
			zap.String("job_id", st.job.ID.String()),
			zap.String("url", result.FinalURL),
			zap.Error(err))
		return ""
	}

	key := fmt.Sprintf("%s/%s.md", st.job.ID, hash)
	if _, err := w.blobs.Put(ctx, key, md, "text/markdown"); err != nil {
		w.logger.Warn("store markdown failed",
			zap.String("job_id", st.job.ID.String()), zap.Error(err))
		return ""
	}
	return key
}

func (w *Worker) enqueueOutlinks(ctx context.Context, st *jobState, entry crawler.FrontierEntry, result crawler.FetchResult) {
	base, err := url.Parse(result.FinalURL)
	if err != nil {
		return
	}

	filtered := 0
	for _, link := range crawler.ExtractLinks(result.Body, base) {
		normalized, err := crawler.NormalizeURL(link)
		if err != nil {
			continue
		}
		if !st.filter.Admissible(normalized) {
			filtered++
			continue
		}
		st.frontier.Enqueue(normalized, entry.Depth+1, entry.URL)
	}
	if filtered > 0 {
		w.bumpCounters(ctx, st, crawler.CounterDelta{Skipped: filtered})
	}
}

func (w *Worker) recordFailedPage(ctx context.Context, st *jobState, entry crawler.FrontierEntry, status int, headers map[string][]string, message string) {
	page := crawler.Page{
		ID:            uuid.New(),
		JobID:         st.job.ID,
		URL:           entry.URL,
		NormalizedURL: entry.URL,
		HTTPStatus:    status,
		HTTPHeaders:   flattenHeaders(headers),
		CrawledAt:     w.clock.Now(),
		ErrorMessage:  message,
		Depth:         entry.Depth,
		ParentURL:     entry.ParentURL,
	}
	inserted, err := w.pages.InsertPage(ctx, page)
	if err != nil {
		st.fail(crawler.Fatal(fmt.Errorf("insert page: %w", err)))
		return
	}
	if !inserted {
		return
	}
	w.bumpCounters(ctx, st, crawler.CounterDelta{Failed: 1})
	metrics.PageOutcome("failed")
	w.emit(ctx, crawler.EventPageFailed, st.job, map[string]any{
		"page_id": page.ID.String(),
		"url":     page.URL,
		"error":   message,
	})
}

// seedFromPersistedPages rebuilds the visited set after a lease takeover
// and re-derives outlinks from stored HTML; replays of already-recorded
// pages are no-ops thanks to idempotent insertion.
func (w *Worker) seedFromPersistedPages(ctx context.Context, st *jobState, logger *zap.Logger) {
	cursor := ""
	for {
		pages, next, err := w.pages.ListPagesByJob(ctx, st.job.ID, cursor, 200)
		if err != nil {
			logger.Warn("list persisted pages failed", zap.Error(err))
			return
		}
		for _, p := range pages {
			st.frontier.MarkVisited(p.NormalizedURL)
		}
		for _, p := range pages {
			if p.ErrorMessage != "" || p.HTMLKey == "" || p.Depth >= st.cfg.MaxDepth {
				continue
			}
			body, err := w.blobs.Get(ctx, p.HTMLKey)
			if err != nil {
				continue
			}
			base, err := url.Parse(p.NormalizedURL)
			if err != nil {
				continue
			}
			for _, link := range crawler.ExtractLinks(body, base) {
				normalized, err := crawler.NormalizeURL(link)
				if err != nil || !st.filter.Admissible(normalized) {
					continue
				}
				st.frontier.Enqueue(normalized, p.Depth+1, p.NormalizedURL)
			}
		}
		if next == "" {
			return
		}
		cursor = next
	}
}

func (w *Worker) renewLease(ctx context.Context, claim crawler.JobClaim, st *jobState, cancelJob context.CancelFunc, logger *zap.Logger) {
	interval := w.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.Renew(ctx, claim, w.cfg.LeaseTTL)
			if err == nil {
				misses = 0
				continue
			}
			if ctx.Err() != nil {
				return
			}
			misses++
			logger.Warn("lease renewal failed", zap.Int("misses", misses), zap.Error(err))
			if errors.Is(err, crawler.ErrLeaseLost) || misses >= 2 {
				// Another worker may already own the job; abandon without
				// transitioning.
				st.mu.Lock()
				st.leaseLost = true
				st.mu.Unlock()
				cancelJob()
				return
			}
		}
	}
}

// watchCancellation polls the job row so an external cancel stops the
// crawl within one gate tick.
func (w *Worker) watchCancellation(ctx context.Context, st *jobState, cancelJob context.CancelFunc, logger *zap.Logger) {
	ticker := time.NewTicker(w.cfg.CancelPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.jobs.GetJob(ctx, st.job.ID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("cancellation poll failed", zap.Error(err))
				continue
			}
			if job.Status == crawler.JobStatusCancelled {
				st.mu.Lock()
				st.cancelled = true
				st.mu.Unlock()
				cancelJob()
				return
			}
		}
	}
}

func (w *Worker) finalize(parent context.Context, claim crawler.JobClaim, st *jobState, logger *zap.Logger) {
	st.mu.Lock()
	fatalErr := st.fatalErr
	cancelled := st.cancelled
	leaseLost := st.leaseLost
	st.mu.Unlock()

	if leaseLost {
		// The queue will hand the job to another worker; leave the row as
		// is and do not release the claim we no longer hold.
		logger.Warn("abandoning job after lease loss")
		return
	}
	if parent.Err() != nil && !cancelled {
		// Process shutdown: let the lease expire so the reaper requeues
		// the job.
		return
	}

	switch {
	case fatalErr != nil:
		w.finishJob(parent, claim, st.job, crawler.JobStatusFailed, fatalErr.Error())
	case cancelled:
		// The cancellation path already performed the transition and
		// emitted the event; just drop the claim.
		metrics.JobFinished(string(crawler.JobStatusCancelled))
		w.release(parent, claim, crawler.JobStatusCancelled)
	default:
		w.finishJob(parent, claim, st.job, crawler.JobStatusCompleted, "")
	}
}

// finishJob transitions running -> terminal, emits the matching event, and
// releases the queue claim.
func (w *Worker) finishJob(ctx context.Context, claim crawler.JobClaim, job crawler.Job, final crawler.JobStatus, errMsg string) {
	completed := w.clock.Now()
	fields := crawler.TransitionFields{CompletedAt: &completed, ClearWorkerID: true}
	if errMsg != "" {
		fields.ErrorMessage = &errMsg
	}

	err := w.jobs.TransitionJob(ctx, job.ID, crawler.JobStatusRunning, final, fields)
	switch {
	case err == nil:
		event := crawler.EventJobCompleted
		switch final {
		case crawler.JobStatusFailed:
			event = crawler.EventJobFailed
		case crawler.JobStatusCancelled:
			event = crawler.EventJobCancelled
		}
		if fresh, gerr := w.jobs.GetJob(ctx, job.ID); gerr == nil {
			job = fresh
		}
		w.emit(ctx, event, job, map[string]any{
			"pages_crawled": job.PagesCrawled,
			"pages_failed":  job.PagesFailed,
			"pages_skipped": job.PagesSkipped,
			"error":         errMsg,
		})
		metrics.JobFinished(string(final))
	case errors.Is(err, crawler.ErrTransitionConflict):
		// An external transition (cancel) won the race.
		w.logger.Info("terminal transition already applied",
			zap.String("job_id", job.ID.String()), zap.String("wanted", string(final)))
	default:
		w.logger.Error("terminal transition failed",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	w.release(ctx, claim, final)
}

func (w *Worker) release(ctx context.Context, claim crawler.JobClaim, final crawler.JobStatus) {
	if err := w.queue.Release(ctx, claim, final); err != nil {
		w.logger.Error("queue release failed",
			zap.String("job_id", claim.JobID.String()), zap.Error(err))
	}
}

func (w *Worker) bumpCounters(ctx context.Context, st *jobState, delta crawler.CounterDelta) {
	if err := w.jobs.UpdateJobCounters(ctx, st.job.ID, delta); err != nil && ctx.Err() == nil {
		w.logger.Error("update counters failed",
			zap.String("job_id", st.job.ID.String()), zap.Error(err))
	}
}

func (w *Worker) emit(ctx context.Context, event crawler.EventType, job crawler.Job, data map[string]any) {
	if w.events == nil {
		return
	}
	w.events.Emit(ctx, crawler.Event{
		Type:      event,
		JobID:     job.ID,
		ConfigID:  job.ConfigID,
		Timestamp: w.clock.Now(),
		Data:      data,
	})
}

func (w *Worker) applyDefaults(cfg *crawler.ScraperConfig) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = w.cfg.DefaultUserAgent
	}
	if cfg.RequestDelayMs <= 0 {
		cfg.RequestDelayMs = w.cfg.DefaultDelayMs
	}
	if cfg.MaxConcurrentRequests < 1 {
		cfg.MaxConcurrentRequests = 1
	}
}

func (w *Worker) pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func flattenHeaders(h map[string][]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
