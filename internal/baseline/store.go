package baseline

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when no baseline exists for an organization.
	ErrNotFound = errors.New("baseline not found")
	// ErrVersionConflict is returned when a Put loses a compare-and-swap
	// race; the caller must re-read and retry.
	ErrVersionConflict = errors.New("baseline version conflict")
)

// Store persists versioned baseline snapshots keyed by organization id.
// Put succeeds only when the stored version equals expectedVersion
// (0 for a first write), making lost updates impossible.
type Store interface {
	Get(ctx context.Context, orgID string) (*OrganizationBaseline, error)
	Put(ctx context.Context, snap *OrganizationBaseline, expectedVersion uint64) error
}

// MemoryStore is an in-process Store, used in tests and single-node
// deployments without Redis.
type MemoryStore struct {
	mu        sync.RWMutex
	baselines map[string]*OrganizationBaseline
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{baselines: make(map[string]*OrganizationBaseline)}
}

// Get returns a deep copy of the stored baseline for an organization.
func (s *MemoryStore) Get(ctx context.Context, orgID string) (*OrganizationBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.baselines[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	return snap.Clone(), nil
}

// Put stores a baseline if the current version matches expectedVersion.
// The stored snapshot's version becomes expectedVersion+1.
func (s *MemoryStore) Put(ctx context.Context, snap *OrganizationBaseline, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.baselines[snap.OrgID]
	currentVersion := uint64(0)
	if ok {
		currentVersion = current.Version
	}
	if currentVersion != expectedVersion {
		return ErrVersionConflict
	}

	stored := snap.Clone()
	stored.Version = expectedVersion + 1
	s.baselines[snap.OrgID] = stored
	return nil
}
