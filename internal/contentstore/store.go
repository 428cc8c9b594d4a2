// Package contentstore keeps post bodies under content-derived references.
package contentstore

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/zeebo/blake3"
)

// refPrefix marks references produced by this package
const refPrefix = "b3-"

var ErrEmptyContent = errors.New("contentstore: empty content")

// Store persists a blob and returns its stable content reference.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// Ref derives the content reference of data. Equal blobs share a reference.
func Ref(data []byte) string {
	sum := blake3.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyContent
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := Ref(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[ref]; !ok {
		m.blobs[ref] = append([]byte(nil), data...)
	}
	return ref, nil
}

// Get returns a stored blob.
func (m *MemoryStore) Get(ref string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[ref]
	return b, ok
}
