package signaling

import (
	"sync"
	"time"
)

// Memory is an in-process, map-backed Port. It is used by tests and by
// single-host two-process demos where both sides share nothing but a
// pointer (SPEC_FULL.md §5).
type Memory struct {
	mu    sync.Mutex
	blobs map[string]string
	now   func() time.Time
}

// NewMemory constructs an empty in-memory signaling store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string]string), now: time.Now}
}

// Upload idempotently overwrites the blob at key.
func (m *Memory) Upload(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = value
	return nil
}

// Download returns the latest blob for key, rejecting stale ones
// (spec.md §6).
func (m *Memory) Download(key string) (string, error) {
	m.mu.Lock()
	value, ok := m.blobs[key]
	m.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}

	_, _, ts, err := ParsePayload(value)
	if err != nil {
		return "", err
	}
	if err := CheckFresh(ts, m.now()); err != nil {
		return "", err
	}
	return value, nil
}
