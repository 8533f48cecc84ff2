package storage

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when no snapshot exists for a document
var ErrNotFound = errors.New("snapshot not found")

// Store defines the interface for snapshot storage
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Load retrieves the latest snapshot of a document
	// Returns ErrNotFound if nothing was saved under id
	Load(id string) ([]byte, error)

	// Save stores a snapshot for a document
	// Replaces any earlier snapshot
	Save(id string, snapshot []byte) error

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Documents int    `json:"documents"` // Number of stored documents
	Bytes     int    `json:"bytes"`     // Total size of all snapshots in bytes
	Saves     uint64 `json:"saves"`     // Number of Save calls since creation
}

// MemoryStore implements Store with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	data  map[string][]byte // Snapshots by document id
	saves uint64
	mu    sync.RWMutex // Protects data and saves
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Load returns a copy of the stored snapshot
func (m *MemoryStore) Load(id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot, exists := m.data[id]
	if !exists {
		return nil, ErrNotFound
	}

	result := make([]byte, len(snapshot))
	copy(result, snapshot)
	return result, nil
}

// Save keeps a copy of snapshot so later changes by the caller are not visible
func (m *MemoryStore) Save(id string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(snapshot))
	copy(stored, snapshot)
	m.data[id] = stored
	m.saves++

	return nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, snapshot := range m.data {
		totalBytes += len(snapshot)
	}

	return StoreStats{
		Documents: len(m.data),
		Bytes:     totalBytes,
		Saves:     m.saves,
	}
}
