package statestore

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. Thread-safe; suitable for development,
// testing, and single-instance deployments. For anything distributed, use
// RedisStore.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*SessionSnapshot
}

// NewMemoryStore creates an in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string]*SessionSnapshot),
	}
}

// Load retrieves a snapshot by session ID. Returns a deep copy to prevent
// external mutations.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*SessionSnapshot, error) {
	if sessionID == "" {
		return nil, ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, exists := s.snaps[sessionID]
	if !exists {
		return nil, ErrNotFound
	}
	return deepCopySnapshot(snap), nil
}

// Save persists a snapshot, replacing any previous one.
func (s *MemoryStore) Save(ctx context.Context, snap *SessionSnapshot) error {
	if snap == nil {
		return ErrInvalidSnapshot
	}
	if snap.SessionID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapCopy := deepCopySnapshot(snap)
	snapCopy.UpdatedAt = time.Now()
	s.snaps[snap.SessionID] = snapCopy
	return nil
}

// Delete removes a snapshot by session ID.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.snaps[sessionID]; !exists {
		return ErrNotFound
	}
	delete(s.snaps, sessionID)
	return nil
}

// deepCopySnapshot copies via JSON; snapshots are small and already
// JSON-serializable.
func deepCopySnapshot(snap *SessionSnapshot) *SessionSnapshot {
	data, err := json.Marshal(snap)
	if err != nil {
		return snap
	}
	var out SessionSnapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return snap
	}
	return &out
}
