// Package idempotency deduplicates mint requests so a retried request replays
// the first outcome instead of minting again.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInFlight is returned by Reserve while another request holds the key
var ErrInFlight = errors.New("idempotency: request already in flight")

// Outcome is what a completed request produced
type Outcome struct {
	PostID    string `json:"post_id,omitempty"`
	TxRef     string `json:"tx_ref"`
	AnchorRef string `json:"anchor_ref"`
}

// Store reserves keys for the duration of one request.
//
// Reserve returns (nil, nil) when the caller now owns the key, the stored
// Outcome when an earlier request completed, or ErrInFlight.
type Store interface {
	Reserve(ctx context.Context, key string) (*Outcome, error)
	Complete(ctx context.Context, key string, out Outcome) error
	Release(ctx context.Context, key string) error
}

type memoryEntry struct {
	outcome   *Outcome
	expiresAt time.Time
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

// NewMemoryStore creates a MemoryStore whose entries live for ttl
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

// Reserve claims key unless a live entry holds it
func (m *MemoryStore) Reserve(_ context.Context, key string) (*Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expiresAt) {
		if e.outcome == nil {
			return nil, ErrInFlight
		}
		out := *e.outcome
		return &out, nil
	}
	m.entries[key] = memoryEntry{expiresAt: now.Add(m.ttl)}
	return nil, nil
}

// Complete stores the outcome for later replays
func (m *MemoryStore) Complete(_ context.Context, key string, out Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{outcome: &out, expiresAt: m.now().Add(m.ttl)}
	return nil
}

// Release drops the key so the request can be retried
func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
