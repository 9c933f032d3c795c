package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fortai/legalcrawl/internal/clock/system"
	"github.com/fortai/legalcrawl/internal/crawler"
)

func newJob(t *testing.T, store *Store) crawler.Job {
	t.Helper()
	job := crawler.NewJob(uuid.New(), time.Now().UTC())
	require.NoError(t, store.CreateJob(context.Background(), job))
	return job
}

func TestStore_TransitionJobCAS(t *testing.T) {
	t.Parallel()

	store := NewStore(system.New())
	job := newJob(t, store)
	ctx := context.Background()

	workerID := "worker-1"
	started := time.Now().UTC()
	require.NoError(t, store.TransitionJob(ctx, job.ID,
		crawler.JobStatusPending, crawler.JobStatusRunning,
		crawler.TransitionFields{WorkerID: &workerID, StartedAt: &started}))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusRunning, got.Status)
	require.Equal(t, workerID, got.WorkerID)
	require.NotNil(t, got.StartedAt)

	// Stale expectation conflicts.
	require.ErrorIs(t,
		store.TransitionJob(ctx, job.ID, crawler.JobStatusPending, crawler.JobStatusRunning, crawler.TransitionFields{}),
		crawler.ErrTransitionConflict)

	// Illegal edge conflicts even with the right expectation.
	require.ErrorIs(t,
		store.TransitionJob(ctx, job.ID, crawler.JobStatusRunning, crawler.JobStatusPending, crawler.TransitionFields{}),
		crawler.ErrTransitionConflict)

	completed := time.Now().UTC()
	require.NoError(t, store.TransitionJob(ctx, job.ID,
		crawler.JobStatusRunning, crawler.JobStatusCompleted,
		crawler.TransitionFields{CompletedAt: &completed, ClearWorkerID: true}))

	got, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, got.Status)
	require.Empty(t, got.WorkerID)
	require.NotNil(t, got.CompletedAt)
}

func TestStore_InsertPageIdempotent(t *testing.T) {
	t.Parallel()

	store := NewStore(system.New())
	job := newJob(t, store)
	ctx := context.Background()

	page := crawler.Page{
		ID:            uuid.New(),
		JobID:         job.ID,
		URL:           "http://site.test/a",
		NormalizedURL: "http://site.test/a",
		HTTPStatus:    200,
		CrawledAt:     time.Now().UTC(),
	}
	inserted, err := store.InsertPage(ctx, page)
	require.NoError(t, err)
	require.True(t, inserted)

	dup := page
	dup.ID = uuid.New()
	inserted, err = store.InsertPage(ctx, dup)
	require.NoError(t, err)
	require.False(t, inserted, "same (job_id, normalized_url) drops the new record")
	require.Len(t, store.Pages(job.ID), 1)

	otherJob := newJob(t, store)
	other := page
	other.ID = uuid.New()
	other.JobID = otherJob.ID
	inserted, err = store.InsertPage(ctx, other)
	require.NoError(t, err)
	require.True(t, inserted, "uniqueness is scoped per job")
}

func TestStore_CountersOnlyIncrease(t *testing.T) {
	t.Parallel()

	store := NewStore(system.New())
	job := newJob(t, store)
	ctx := context.Background()

	require.NoError(t, store.UpdateJobCounters(ctx, job.ID, crawler.CounterDelta{Crawled: 2, Skipped: 1}))
	require.NoError(t, store.UpdateJobCounters(ctx, job.ID, crawler.CounterDelta{Failed: 1}))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.PagesCrawled)
	require.Equal(t, 1, got.PagesFailed)
	require.Equal(t, 1, got.PagesSkipped)
}

func TestStore_ListPagesByJobPagination(t *testing.T) {
	t.Parallel()

	store := NewStore(system.New())
	job := newJob(t, store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.InsertPage(ctx, crawler.Page{
			ID:            uuid.New(),
			JobID:         job.ID,
			NormalizedURL: uuid.NewString(),
			CrawledAt:     time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	first, cursor, err := store.ListPagesByJob(ctx, job.ID, "", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NotEmpty(t, cursor)

	rest, cursor, err := store.ListPagesByJob(ctx, job.ID, cursor, 10)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	require.Empty(t, cursor)
}

func TestStore_FindMarkdownKeyByHash(t *testing.T) {
	t.Parallel()

	store := NewStore(system.New())
	job := newJob(t, store)
	ctx := context.Background()

	_, err := store.InsertPage(ctx, crawler.Page{
		ID:            uuid.New(),
		JobID:         job.ID,
		NormalizedURL: "http://site.test/a",
		ContentHash:   "abc",
		MarkdownKey:   job.ID.String() + "/abc.md",
	})
	require.NoError(t, err)

	key, ok, err := store.FindMarkdownKeyByHash(ctx, job.ID, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID.String()+"/abc.md", key)

	_, ok, err = store.FindMarkdownKeyByHash(ctx, job.ID, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_ReclaimJobCountsTakeovers(t *testing.T) {
	t.Parallel()

	store := NewStore(system.New())
	job := newJob(t, store)
	ctx := context.Background()

	workerID := "worker-1"
	started := time.Now().UTC()
	require.NoError(t, store.TransitionJob(ctx, job.ID,
		crawler.JobStatusPending, crawler.JobStatusRunning,
		crawler.TransitionFields{WorkerID: &workerID, StartedAt: &started}))

	count, err := store.ReclaimJob(ctx, job.ID, "worker-2")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = store.ReclaimJob(ctx, job.ID, "worker-3")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "worker-3", got.WorkerID)
}

func TestBlobStore_PutExistsSkips(t *testing.T) {
	t.Parallel()

	blobs := NewBlobStore()
	ctx := context.Background()

	outcome, err := blobs.Put(ctx, "job/abc.html", []byte("first"), "text/html")
	require.NoError(t, err)
	require.Equal(t, crawler.PutStored, outcome)

	outcome, err = blobs.Put(ctx, "job/abc.html", []byte("second"), "text/html")
	require.NoError(t, err)
	require.Equal(t, crawler.PutExists, outcome)

	data, err := blobs.Get(ctx, "job/abc.html")
	require.NoError(t, err)
	require.Equal(t, "first", string(data), "objects are immutable")

	meta, err := blobs.Head(ctx, "job/abc.html")
	require.NoError(t, err)
	require.Equal(t, int64(5), meta.Size)
	require.Equal(t, "text/html", meta.ContentType)

	_, err = blobs.Get(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = blobs.Head(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
