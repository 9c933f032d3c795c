package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRobotsServer(t *testing.T, robotsBody string, robotsStatus int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fetches.Add(1)
			w.WriteHeader(robotsStatus)
			_, _ = w.Write([]byte(robotsBody))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &fetches
}

func TestRobotsCache_DisallowRules(t *testing.T) {
	t.Parallel()

	srv, _ := newRobotsServer(t, "User-agent: *\nDisallow: /private/\n", http.StatusOK)
	cache := NewRobotsCache(&fakeClock{now: time.Unix(1000, 0)}, zap.NewNop())

	ctx := context.Background()
	require.True(t, cache.Allowed(ctx, "testbot/1.0", srv.URL+"/public"))
	require.False(t, cache.Allowed(ctx, "testbot/1.0", srv.URL+"/private/x"))
}

func TestRobotsCache_AgentSpecificGroup(t *testing.T) {
	t.Parallel()

	body := "User-agent: legalbot\nDisallow: /cases/\n\nUser-agent: *\nDisallow:\n"
	srv, _ := newRobotsServer(t, body, http.StatusOK)
	cache := NewRobotsCache(&fakeClock{now: time.Unix(1000, 0)}, zap.NewNop())

	ctx := context.Background()
	require.False(t, cache.Allowed(ctx, "legalbot", srv.URL+"/cases/2024"))
	require.True(t, cache.Allowed(ctx, "otherbot", srv.URL+"/cases/2024"))
}

func TestRobotsCache_NotFoundAllowsAll(t *testing.T) {
	t.Parallel()

	srv, _ := newRobotsServer(t, "", http.StatusNotFound)
	cache := NewRobotsCache(&fakeClock{now: time.Unix(1000, 0)}, zap.NewNop())

	require.True(t, cache.Allowed(context.Background(), "testbot/1.0", srv.URL+"/anything"))
}

func TestRobotsCache_ServerErrorDisallowsWithNegativeTTL(t *testing.T) {
	t.Parallel()

	srv, fetches := newRobotsServer(t, "", http.StatusInternalServerError)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache := NewRobotsCache(clock, zap.NewNop())

	ctx := context.Background()
	require.False(t, cache.Allowed(ctx, "testbot/1.0", srv.URL+"/x"))
	require.False(t, cache.Allowed(ctx, "testbot/1.0", srv.URL+"/y"))
	require.Equal(t, int64(1), fetches.Load(), "negative entry must be cached")

	clock.Advance(robotsNegativeTTL + time.Second)
	require.False(t, cache.Allowed(ctx, "testbot/1.0", srv.URL+"/z"))
	require.Equal(t, int64(2), fetches.Load(), "negative entry expires after the short TTL")
}

func TestRobotsCache_PositiveEntryCachedAcrossCalls(t *testing.T) {
	t.Parallel()

	srv, fetches := newRobotsServer(t, "User-agent: *\nDisallow: /private/\n", http.StatusOK)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache := NewRobotsCache(clock, zap.NewNop())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.True(t, cache.Allowed(ctx, "testbot/1.0", srv.URL+"/public"))
	}
	require.Equal(t, int64(1), fetches.Load())

	clock.Advance(robotsPositiveTTL + time.Minute)
	require.True(t, cache.Allowed(ctx, "testbot/1.0", srv.URL+"/public"))
	require.Equal(t, int64(2), fetches.Load(), "positive entry expires after 24h")
}

func TestRobotsCache_UnreachableHostDisallows(t *testing.T) {
	t.Parallel()

	cache := NewRobotsCache(&fakeClock{now: time.Unix(1000, 0)}, zap.NewNop())
	// Port 1 is almost certainly closed; the fetch fails fast.
	require.False(t, cache.Allowed(context.Background(), "testbot/1.0", "http://127.0.0.1:1/x"))
}
