// Package blob provides workflow.BlobStore implementations backed by
// Google Cloud Storage, Amazon S3 or process memory.
package blob

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/georgepadayatti/signflow/workflow"
)

// Memory keeps blobs in a map. Presigned URLs use the memory:// scheme and
// are not served by anything.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
	clock func() time.Time
}

type memoryBlob struct {
	data        []byte
	contentType string
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string]memoryBlob), clock: time.Now}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, workflow.ErrBlobNotFound)
	}
	return append([]byte(nil), b.data...), nil
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = memoryBlob{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (m *Memory) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	_, ok := m.blobs[key]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%s: %w", key, workflow.ErrBlobNotFound)
	}
	u := url.URL{
		Scheme:   "memory",
		Path:     "/" + key,
		RawQuery: url.Values{"expires": {m.clock().Add(ttl).UTC().Format(time.RFC3339)}}.Encode(),
	}
	return u.String(), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

// ContentType returns the content type key was stored with.
func (m *Memory) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blobs[key].contentType
}

var _ workflow.BlobStore = (*Memory)(nil)
