// Package cache provides workflow.ContextCache implementations: an
// in-memory TTL map and a DynamoDB table with a TTL attribute.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/georgepadayatti/signflow/workflow"
)

// Memory is an in-process ContextCache. Expired entries are dropped on
// access.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

type memoryEntry struct {
	sc      workflow.SigningContext
	expires time.Time
}

// NewMemory creates an empty cache. A nil clock uses time.Now.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{entries: make(map[string]memoryEntry), clock: clock}
}

func (m *Memory) Set(ctx context.Context, key string, sc *workflow.SigningContext, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("invalid ttl %s", ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{sc: *sc, expires: m.clock().Add(ttl)}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (*workflow.SigningContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, workflow.ErrContextMissing)
	}
	if !m.clock().Before(e.expires) {
		delete(m.entries, key)
		return nil, fmt.Errorf("%s: %w", key, workflow.ErrContextMissing)
	}
	sc := e.sc
	return &sc, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	n := 0
	for _, e := range m.entries {
		if now.Before(e.expires) {
			n++
		}
	}
	return n
}

var _ workflow.ContextCache = (*Memory)(nil)
