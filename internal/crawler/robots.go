package crawler

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// Robots cache TTLs. A host that answered 5xx or timed out is treated as
// disallow-all for the negative TTL; parsed rules (and 4xx allow-all) live
// for the positive TTL.
const (
	robotsPositiveTTL  = 24 * time.Hour
	robotsNegativeTTL  = 5 * time.Minute
	robotsFetchTimeout = 10 * time.Second
	robotsMaxBody      = 1 << 20
)

// RobotsCache fetches, parses, and caches robots.txt per host. The cache is
// process-wide and shared across jobs; the first request to a host holds an
// entry-level lock so concurrent jobs do not stampede the fetch.
type RobotsCache struct {
	client      *http.Client
	clock       Clock
	logger      *zap.Logger
	positiveTTL time.Duration
	negativeTTL time.Duration

	mu      sync.Mutex
	entries map[string]*robotsEntry
}

type robotsEntry struct {
	mu      sync.Mutex
	data    *robotstxt.RobotsData
	expires time.Time
}

// NewRobotsCache builds a cache with default TTLs.
func NewRobotsCache(clock Clock, logger *zap.Logger) *RobotsCache {
	return &RobotsCache{
		client:      &http.Client{Timeout: robotsFetchTimeout},
		clock:       clock,
		logger:      logger,
		positiveTTL: robotsPositiveTTL,
		negativeTTL: robotsNegativeTTL,
		entries:     make(map[string]*robotsEntry),
	}
}

// Allowed reports whether the user agent may fetch rawURL per the host's
// robots.txt. Callers with respect_robots_txt disabled bypass the cache
// entirely and never reach here.
func (c *RobotsCache) Allowed(ctx context.Context, userAgent, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	entry := c.entry(strings.ToLower(parsed.Host))
	entry.mu.Lock()
	if entry.data == nil || !c.clock.Now().Before(entry.expires) {
		c.refresh(ctx, entry, parsed, userAgent)
	}
	data := entry.data
	entry.mu.Unlock()

	p := parsed.Path
	if p == "" {
		p = "/"
	}
	// TestAgent honors the allow-all and disallow-all states before looking
	// up the agent's group.
	return data.TestAgent(p, userAgent)
}

func (c *RobotsCache) entry(hostKey string) *robotsEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hostKey]
	if !ok {
		e = &robotsEntry{}
		c.entries[hostKey] = e
	}
	return e
}

// refresh fetches and parses robots.txt for the entry's host. Caller holds
// the entry lock.
func (c *RobotsCache) refresh(ctx context.Context, entry *robotsEntry, parsed *url.URL, userAgent string) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}

	status, body, err := c.fetch(ctx, robotsURL.String(), userAgent)
	if err != nil {
		c.logger.Warn("robots fetch failed; disallowing host",
			zap.String("host", parsed.Host), zap.Error(err))
		entry.data = denyAllRobots()
		entry.expires = c.clock.Now().Add(c.negativeTTL)
		return
	}

	data, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		c.logger.Warn("robots parse failed; allowing host",
			zap.String("host", parsed.Host), zap.Error(err))
		data = allowAllRobots()
	}
	entry.data = data

	if status >= http.StatusInternalServerError {
		entry.expires = c.clock.Now().Add(c.negativeTTL)
	} else {
		entry.expires = c.clock.Now().Add(c.positiveTTL)
	}
}

func (c *RobotsCache) fetch(ctx context.Context, robotsURL, userAgent string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBody))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func allowAllRobots() *robotstxt.RobotsData {
	data, _ := robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
	return data
}

func denyAllRobots() *robotstxt.RobotsData {
	data, _ := robotstxt.FromStatusAndBytes(http.StatusServiceUnavailable, nil)
	return data
}
