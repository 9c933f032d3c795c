// Package memory stores blob content in-memory for tests and development.
package memory

import (
	"context"
	"sync"

	"github.com/fortai/legalcrawl/internal/crawler"
)

// BlobStore keeps objects in a map with the same immutability contract as
// the GCS store: a put against an existing key is skipped.
type BlobStore struct {
	mu           sync.RWMutex
	data         map[string][]byte
	contentTypes map[string]string
}

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data:         make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

// Put stores data unless the key already exists.
func (s *BlobStore) Put(_ context.Context, key string, data []byte, contentType string) (crawler.PutOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return crawler.PutExists, nil
	}
	s.data[key] = append([]byte(nil), data...)
	s.contentTypes[key] = contentType
	return crawler.PutStored, nil
}

// Get returns the stored bytes for key.
func (s *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[key]
	if !ok {
		return nil, crawler.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Head returns metadata for key.
func (s *BlobStore) Head(_ context.Context, key string) (crawler.BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[key]
	if !ok {
		return crawler.BlobMetadata{}, crawler.ErrNotFound
	}
	return crawler.BlobMetadata{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: s.contentTypes[key],
	}, nil
}

// Len reports the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
