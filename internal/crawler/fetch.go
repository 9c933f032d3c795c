package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Fetch pipeline defaults per the crawl policy.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultTotalTimeout   = 30 * time.Second
	DefaultMaxRedirects   = 5
	DefaultMaxBodyBytes   = 10 << 20
	DefaultMaxRetries     = 3
	DefaultBackoffBase    = 500 * time.Millisecond

	maxRetryAfter = 60 * time.Second
)

var (
	errRedirectFiltered = errors.New("redirect target not admissible")
	errTooManyRedirects = errors.New("too many redirects")
)

// FetchConfig tunes the HTTP pipeline.
type FetchConfig struct {
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	MaxRedirects   int
	MaxBodyBytes   int64
	MaxRetries     int
	BackoffBase    time.Duration
	UserAgent      string
	Headers        map[string]string
}

func (c FetchConfig) withDefaults() FetchConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.TotalTimeout <= 0 {
		c.TotalTimeout = DefaultTotalTimeout
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	return c
}

// FetchResult is a completed HTTP exchange. StatusCode may be any status;
// callers decide what counts as a page failure.
type FetchResult struct {
	FinalURL    string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	Duration    time.Duration
}

// Parseable reports whether the body should be parsed for outlinks.
func (r FetchResult) Parseable() bool {
	return r.ContentType == "text/html" || r.ContentType == "application/xhtml+xml"
}

// Fetcher performs GETs with redirect re-filtering, a body size cap, and
// jittered retries on transient failures. One Fetcher serves one job; the
// filter bound at construction re-checks every redirect hop.
type Fetcher struct {
	client *http.Client
	cfg    FetchConfig
	logger *zap.Logger
}

// NewFetcher builds a job-scoped fetcher.
func NewFetcher(cfg FetchConfig, filter *Filter, logger *zap.Logger) *Fetcher {
	cfg = cfg.withDefaults()

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		ForceAttemptHTTP2:   true,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.TotalTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > cfg.MaxRedirects {
				return errTooManyRedirects
			}
			if filter == nil {
				return nil
			}
			normalized, err := NormalizeURL(req.URL.String())
			if err != nil {
				return errRedirectFiltered
			}
			if !filter.Admissible(normalized) {
				return errRedirectFiltered
			}
			return nil
		},
	}

	return &Fetcher{client: client, cfg: cfg, logger: logger}
}

// Fetch GETs the URL. Transient failures (transport errors, 5xx, 429) are
// retried with exponential backoff; a 429 Retry-After of at most 60s
// overrides the computed backoff. A completed exchange is returned with nil
// error regardless of status, so callers can persist the page record.
// ErrFiltered is returned when a redirect leaves the admissible URL space.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (FetchResult, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		result, retryAfter, err := f.once(ctx, rawURL)
		if err == nil {
			if isTransientStatus(result.StatusCode) && attempt < f.cfg.MaxRetries {
				f.sleep(ctx, f.backoff(attempt, retryAfter))
				continue
			}
			return result, nil
		}
		if errors.Is(err, errRedirectFiltered) {
			return FetchResult{}, ErrFiltered
		}
		var fe *FetchError
		if errors.As(err, &fe) && !fe.Transient {
			return FetchResult{}, err
		}
		if ctx.Err() != nil {
			return FetchResult{}, ctx.Err()
		}
		lastErr = err
		if attempt >= f.cfg.MaxRetries {
			break
		}
		f.logger.Debug("transient fetch failure; retrying",
			zap.String("url", rawURL), zap.Int("attempt", attempt+1), zap.Error(err))
		f.sleep(ctx, f.backoff(attempt, 0))
	}
	return FetchResult{}, lastErr
}

func (f *Fetcher) once(ctx context.Context, rawURL string) (FetchResult, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FetchResult{}, 0, &FetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, errRedirectFiltered) {
			return FetchResult{}, 0, errRedirectFiltered
		}
		if errors.Is(err, errTooManyRedirects) {
			return FetchResult{}, 0, &FetchError{URL: rawURL, Err: err}
		}
		return FetchResult{}, 0, &FetchError{URL: rawURL, Transient: true, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return FetchResult{}, 0, &FetchError{URL: rawURL, Transient: true, Err: err}
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return FetchResult{}, 0, &FetchError{
			URL: rawURL,
			Err: fmt.Errorf("response body exceeds %d bytes", f.cfg.MaxBodyBytes),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, merr := mime.ParseMediaType(contentType); merr == nil {
		contentType = mediaType
	}

	result := FetchResult{
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		Headers:     resp.Header,
		Body:        body,
		ContentType: strings.ToLower(contentType),
		Duration:    time.Since(start),
	}
	return result, parseRetryAfter(resp.Header), nil
}

func isTransientStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}

func parseRetryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs < 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		return 0
	}
	return d
}

// backoff doubles the base per attempt with ±30% jitter; a server-provided
// Retry-After wins when present.
func (f *Fetcher) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	d := f.cfg.BackoffBase << uint(attempt)
	return jitter(d, 0.30)
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// jitter spreads d by ±frac using crypto/rand.
func jitter(d time.Duration, frac float64) time.Duration {
	span := int64(float64(d) * frac * 2)
	if span <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return d
	}
	return d - time.Duration(span/2) + time.Duration(n.Int64())
}
