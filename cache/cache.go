// Package cache records where the artifact for a (template, cache key) pair lives.
//
// Entries are never evicted here; retention belongs to the backing store.
// Two concurrent misses may both Put, and the last write wins.
package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrLocked is returned by Locker.Lock when another request holds the lock.
var ErrLocked = errors.New("render lock held")

// Cache maps (templateID, key) to an artifact URL.
type Cache interface {
	Get(ctx context.Context, templateID, key string) (string, bool, error)
	Put(ctx context.Context, templateID, key, url string) error
}

// Locker is implemented by backends that can hold a short-lived render lock.
type Locker interface {
	Lock(ctx context.Context, templateID, key string, ttl time.Duration) (unlock func(), err error)
}

// Purger is implemented by backends that can drop every entry of a template.
type Purger interface {
	Purge(ctx context.Context, templateID string) (int, error)
}

// Entry is the stored form of a cache record.
type Entry struct {
	CreatedAt  time.Time `json:"created_at"`
	TemplateID string    `json:"template_id"`
	Key        string    `json:"key"`
	URL        string    `json:"url"`
}

// Memory is an in-process cache for local development and tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

func memoryKey(templateID, key string) string {
	return templateID + "\x00" + key
}

// Get returns the cached URL, if any.
func (m *Memory) Get(_ context.Context, templateID, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	url, ok := m.entries[memoryKey(templateID, key)]
	return url, ok, nil
}

// Put stores url, replacing any previous entry.
func (m *Memory) Put(_ context.Context, templateID, key, url string) error {
	m.mu.Lock()
	m.entries[memoryKey(templateID, key)] = url
	m.mu.Unlock()
	return nil
}

// Purge deletes every entry for templateID.
func (m *Memory) Purge(_ context.Context, templateID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := memoryKey(templateID, "")
	var removed int
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
