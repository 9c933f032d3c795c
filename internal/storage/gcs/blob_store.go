// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/fortai/legalcrawl/internal/crawler"
)

// Write retry policy: content is content-addressed, so replaying a failed
// put is safe.
const (
	putAttempts    = 4 // the first write plus three retries
	putBackoffBase = 200 * time.Millisecond
)

// Config captures the parameters required to address a bucket.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore writes crawl artifacts to a GCS bucket. Objects are immutable:
// a put against an existing key is skipped, which deduplicates identical
// content across jobs.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *BlobStore) object(key string) *storage.ObjectHandle {
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return s.client.Bucket(s.bucket).Object(key)
}

// Put uploads data under key unless the object already exists. Transient
// write failures are retried with jittered exponential backoff.
func (s *BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (crawler.PutOutcome, error) {
	if strings.TrimSpace(key) == "" {
		return crawler.PutStored, fmt.Errorf("key is required")
	}

	var lastErr error
	for attempt := 0; attempt < putAttempts; attempt++ {
		if attempt > 0 {
			sleepCtx(ctx, jitter(putBackoffBase<<uint(attempt-1), 0.20))
		}

		outcome, err := s.putOnce(ctx, key, data, contentType)
		if err == nil {
			return outcome, nil
		}
		if ctx.Err() != nil {
			return crawler.PutStored, ctx.Err()
		}
		lastErr = err
	}
	return crawler.PutStored, fmt.Errorf("put %s after %d attempts: %w", key, putAttempts, lastErr)
}

func (s *BlobStore) putOnce(ctx context.Context, key string, data []byte, contentType string) (crawler.PutOutcome, error) {
	obj := s.object(key)
	if _, err := obj.Attrs(ctx); err == nil {
		return crawler.PutExists, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return crawler.PutStored, fmt.Errorf("head object: %w", err)
	}

	writer := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return crawler.PutStored, fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return crawler.PutStored, fmt.Errorf("close writer: %w", err)
	}
	return crawler.PutStored, nil
}

// Get reads the object at key.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, crawler.ErrNotFound
		}
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Head returns object metadata without reading the body.
func (s *BlobStore) Head(ctx context.Context, key string) (crawler.BlobMetadata, error) {
	attrs, err := s.object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return crawler.BlobMetadata{}, crawler.ErrNotFound
		}
		return crawler.BlobMetadata{}, fmt.Errorf("stat object %s: %w", key, err)
	}
	return crawler.BlobMetadata{
		Key:         key,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

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
