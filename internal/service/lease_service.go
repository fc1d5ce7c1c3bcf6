package service

import (
	"context"
	"sync"

	mergeerrors "github.com/devrev/pairdb/splitbrain/internal/errors"
)

// Lease is exclusive write ownership of one structure
type Lease interface {
	Release(ctx context.Context) error
}

// LeaseManager hands out structure leases. Acquire blocks until the lease is
// free or ctx is done.
type LeaseManager interface {
	Acquire(ctx context.Context, structureID string) (Lease, error)
}

// LocalLeaseManager serializes structures within one process
type LocalLeaseManager struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLeaseManager creates an empty in-process lease manager
func NewLocalLeaseManager() *LocalLeaseManager {
	return &LocalLeaseManager{slots: make(map[string]chan struct{})}
}

func (m *LocalLeaseManager) slot(structureID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[structureID]
	if !ok {
		s = make(chan struct{}, 1)
		m.slots[structureID] = s
	}
	return s
}

// Acquire implements LeaseManager
func (m *LocalLeaseManager) Acquire(ctx context.Context, structureID string) (Lease, error) {
	if structureID == "" {
		return nil, mergeerrors.InvalidArgument("structure ID is required", nil)
	}
	s := m.slot(structureID)
	select {
	case s <- struct{}{}:
		return &localLease{slot: s}, nil
	case <-ctx.Done():
		return nil, mergeerrors.Cancelled(ctx.Err()).WithDetail("structure_id", structureID)
	}
}

type localLease struct {
	once sync.Once
	slot chan struct{}
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() { <-l.slot })
	return nil
}
