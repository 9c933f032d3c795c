package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fortai/legalcrawl/internal/clock/system"
	"github.com/fortai/legalcrawl/internal/crawler"
	sha256hash "github.com/fortai/legalcrawl/internal/hash/sha256"
	queuememory "github.com/fortai/legalcrawl/internal/queue/memory"
	storagememory "github.com/fortai/legalcrawl/internal/storage/memory"
)

type recordingSink struct {
	mu     sync.Mutex
	events []crawler.Event
}

func (s *recordingSink) Emit(_ context.Context, event crawler.Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordingSink) byType(t crawler.EventType) []crawler.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeMarkdown struct {
	calls atomic.Int64
}

func (f *fakeMarkdown) Convert(_ context.Context, html []byte, _ string) ([]byte, error) {
	f.calls.Add(1)
	return append([]byte("# converted\n\n"), html...), nil
}

type harness struct {
	store  *storagememory.Store
	blobs  *storagememory.BlobStore
	queue  *queuememory.Queue
	sink   *recordingSink
	md     *fakeMarkdown
	worker *Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := system.New()
	store := storagememory.NewStore(clock)
	blobs := storagememory.NewBlobStore()
	queue := queuememory.New(16, clock)
	sink := &recordingSink{}
	md := &fakeMarkdown{}

	w := New(Deps{
		Queue:    queue,
		Jobs:     store,
		Pages:    store,
		Configs:  store,
		Blobs:    blobs,
		Markdown: md,
		Robots:   crawler.NewRobotsCache(clock, zap.NewNop()),
		Events:   sink,
		Hasher:   sha256hash.New(),
		Clock:    clock,
	}, Config{
		WorkerID:     "worker-test",
		ClaimTimeout: 50 * time.Millisecond,
		CancelPoll:   20 * time.Millisecond,
		LeaseTTL:     time.Minute,
	}, zap.NewNop())

	return &harness{store: store, blobs: blobs, queue: queue, sink: sink, md: md, worker: w}
}

func (h *harness) launch(t *testing.T, cfg crawler.ScraperConfig) crawler.Job {
	t.Helper()
	h.store.PutConfig(cfg)
	job := crawler.NewJob(cfg.ID, time.Now().UTC())
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	require.NoError(t, h.queue.Push(context.Background(), job.ID))
	return job
}

func (h *harness) waitTerminal(t *testing.T, jobID uuid.UUID, want crawler.JobStatus) crawler.Job {
	t.Helper()
	var final crawler.Job
	require.Eventually(t, func() bool {
		got, err := h.store.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		final = got
		return got.Status == want
	}, 10*time.Second, 25*time.Millisecond, "job should reach %s", want)
	return final
}

func testConfig(baseURL string) crawler.ScraperConfig {
	return crawler.ScraperConfig{
		ID:                    uuid.New(),
		Name:                  "test-config",
		BaseURL:               baseURL,
		IncludePatterns:       []string{".*"},
		MaxDepth:              0,
		UserAgent:             "legalcrawl-test/1.0",
		RequestDelayMs:        1,
		MaxConcurrentRequests: 1,
		Active:                true,
	}
}

func TestWorker_SinglePageCrawl(t *testing.T) {
	t.Parallel()

	const body = "<html><head><title>Hello</title></head><body>Hello</body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t)
	job := h.launch(t, testConfig(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.worker.Run(ctx)

	final := h.waitTerminal(t, job.ID, crawler.JobStatusCompleted)
	require.Equal(t, 1, final.PagesCrawled)
	require.Zero(t, final.PagesFailed)
	require.Empty(t, final.WorkerID, "worker_id clears on terminal")
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)

	pages := h.store.Pages(job.ID)
	require.Len(t, pages, 1)
	page := pages[0]
	require.Equal(t, 0, page.Depth)
	require.Equal(t, http.StatusOK, page.HTTPStatus)
	require.Equal(t, "Hello", page.Title)
	require.Empty(t, page.ErrorMessage)

	sum := sha256.Sum256([]byte(body))
	require.Equal(t, hex.EncodeToString(sum[:]), page.ContentHash)

	stored, err := h.blobs.Get(context.Background(), page.HTMLKey)
	require.NoError(t, err)
	require.Equal(t, body, string(stored))
	require.NotEmpty(t, page.MarkdownKey)

	require.Len(t, h.sink.byType(crawler.EventJobStarted), 1)
	require.Len(t, h.sink.byType(crawler.EventPageCrawled), 1)
	require.Eventually(t, func() bool {
		return len(h.sink.byType(crawler.EventJobCompleted)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWorker_DepthBoundedOutlinks(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><body><a href="/a">a</a><a href="/b">b</a></body></html>`)
		case "/a":
			fmt.Fprint(w, `<html><body><a href="/c">c</a></body></html>`)
		case "/b", "/c":
			fmt.Fprint(w, `<html><body>leaf</body></html>`)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h := newHarness(t)
	cfg := testConfig(srv.URL)
	cfg.MaxDepth = 1
	job := h.launch(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.worker.Run(ctx)

	final := h.waitTerminal(t, job.ID, crawler.JobStatusCompleted)
	require.Equal(t, 3, final.PagesCrawled)

	pages := h.store.Pages(job.ID)
	byPath := make(map[string]crawler.Page)
	for _, p := range pages {
		byPath[p.NormalizedURL] = p
	}
	require.Contains(t, byPath, srv.URL+"/")
	require.Contains(t, byPath, srv.URL+"/a")
	require.Contains(t, byPath, srv.URL+"/b")
	require.NotContains(t, byPath, srv.URL+"/c", "depth 2 is past max_depth 1")

	require.Equal(t, srv.URL+"/", byPath[srv.URL+"/a"].ParentURL)
	require.Equal(t, srv.URL+"/", byPath[srv.URL+"/b"].ParentURL)
	require.Equal(t, 1, byPath[srv.URL+"/a"].Depth)
}

func TestWorker_RobotsSkip(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><body><a href="/public">p</a><a href="/private/x">x</a></body></html>`)
		default:
			fmt.Fprint(w, `<html><body>page</body></html>`)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h := newHarness(t)
	cfg := testConfig(srv.URL)
	cfg.MaxDepth = 1
	cfg.RespectRobots = true
	job := h.launch(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.worker.Run(ctx)

	final := h.waitTerminal(t, job.ID, crawler.JobStatusCompleted)
	require.Equal(t, 2, final.PagesCrawled)
	require.GreaterOrEqual(t, final.PagesSkipped, 1)

	for _, p := range h.store.Pages(job.ID) {
		require.NotContains(t, p.NormalizedURL, "/private/")
	}
}

func TestWorker_FailedPageDoesNotFailJob(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><body><a href="/missing">m</a></body></html>`)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h := newHarness(t)
	cfg := testConfig(srv.URL)
	cfg.MaxDepth = 1
	job := h.launch(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.worker.Run(ctx)

	final := h.waitTerminal(t, job.ID, crawler.JobStatusCompleted)
	require.Equal(t, 1, final.PagesCrawled)
	require.Equal(t, 1, final.PagesFailed)

	var failed crawler.Page
	for _, p := range h.store.Pages(job.ID) {
		if p.ErrorMessage != "" {
			failed = p
		}
	}
	require.Equal(t, http.StatusNotFound, failed.HTTPStatus)
	require.Empty(t, failed.HTMLKey, "failed pages carry no blob")
	require.Eventually(t, func() bool {
		return len(h.sink.byType(crawler.EventPageFailed)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWorker_InvalidPatternFailsFast(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	cfg := testConfig("http://site.test")
	cfg.IncludePatterns = []string{"("}
	job := h.launch(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.worker.Run(ctx)

	final := h.waitTerminal(t, job.ID, crawler.JobStatusFailed)
	require.Contains(t, final.ErrorMessage, "include pattern")
	require.Zero(t, final.PagesCrawled)
	require.Empty(t, h.store.Pages(job.ID))
	require.Eventually(t, func() bool {
		return len(h.sink.byType(crawler.EventJobFailed)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWorker_MarkdownReusedForDuplicateContent(t *testing.T) {
	t.Parallel()

	const identical = `<html><body>same body</body></html>`
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><body><a href="/a">a</a><a href="/b">b</a></body></html>`)
		default:
			fmt.Fprint(w, identical)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h := newHarness(t)
	cfg := testConfig(srv.URL)
	cfg.MaxDepth = 1
	job := h.launch(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.worker.Run(ctx)

	final := h.waitTerminal(t, job.ID, crawler.JobStatusCompleted)
	require.Equal(t, 3, final.PagesCrawled)

	var dupKeys []string
	for _, p := range h.store.Pages(job.ID) {
		if p.NormalizedURL != srv.URL+"/" {
			dupKeys = append(dupKeys, p.MarkdownKey)
		}
	}
	require.Len(t, dupKeys, 2)
	require.Equal(t, dupKeys[0], dupKeys[1], "identical content shares one markdown blob")
	require.Equal(t, int64(2), h.md.calls.Load(), "one conversion per distinct body")
}

func TestWorker_MaxPagesCap(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>`)
		for i := 0; i < 10; i++ {
			fmt.Fprintf(w, `<a href="/page/%d">%d</a>`, i, i)
		}
		fmt.Fprint(w, `</body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h := newHarness(t)
	cfg := testConfig(srv.URL)
	cfg.MaxDepth = 3
	cfg.MaxPagesPerJob = 4
	job := h.launch(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.worker.Run(ctx)

	final := h.waitTerminal(t, job.ID, crawler.JobStatusCompleted)
	require.Equal(t, 4, final.PagesCrawled)
	require.Len(t, h.store.Pages(job.ID), 4)
}

func TestWorker_Cancellation(t *testing.T) {
	t.Parallel()

	var served atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		time.Sleep(30 * time.Millisecond)
		fmt.Fprint(w, `<html><body>`)
		prefix := r.URL.Path
		if prefix == "/" {
			prefix = ""
		}
		for i := 0; i < 50; i++ {
			fmt.Fprintf(w, `<a href="%s/%d">x</a>`, prefix, i)
		}
		fmt.Fprint(w, `</body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h := newHarness(t)
	cfg := testConfig(srv.URL)
	cfg.MaxDepth = 5
	job := h.launch(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.worker.Run(ctx)

	require.Eventually(t, func() bool {
		j, err := h.store.GetJob(context.Background(), job.ID)
		return err == nil && j.PagesCrawled >= 1
	}, 10*time.Second, 10*time.Millisecond)

	// External cancellation path: terminal row written by the control
	// plane, observed by the worker's poll.
	now := time.Now().UTC()
	require.NoError(t, h.store.TransitionJob(context.Background(), job.ID,
		crawler.JobStatusRunning, crawler.JobStatusCancelled,
		crawler.TransitionFields{CompletedAt: &now, ClearWorkerID: true}))

	require.Eventually(t, func() bool {
		return len(h.store.Pages(job.ID)) > 0 && served.Load() > 0
	}, time.Second, 10*time.Millisecond)

	// The crawl must quiesce shortly after cancellation.
	time.Sleep(300 * time.Millisecond)
	countAfterQuiesce := len(h.store.Pages(job.ID))
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, countAfterQuiesce, len(h.store.Pages(job.ID)),
		"no new pages after the cancelled crawl quiesces")

	j, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCancelled, j.Status)
}

func TestWorker_DuplicateURLsCrawledOnce(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			fmt.Fprint(w, `<html><body><a href="/a">1</a><a href="/a">2</a><a href="/a#frag">3</a></body></html>`)
			return
		}
		hits.Add(1)
		fmt.Fprint(w, `<html><body>a</body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h := newHarness(t)
	cfg := testConfig(srv.URL)
	cfg.MaxDepth = 1
	job := h.launch(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.worker.Run(ctx)

	final := h.waitTerminal(t, job.ID, crawler.JobStatusCompleted)
	require.Equal(t, 2, final.PagesCrawled)
	require.Equal(t, int64(1), hits.Load(), "a URL is fetched at most once per job")
}
