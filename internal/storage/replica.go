// Package storage defines what the merge engine needs from a backing data
// structure. Implementations return a StructureUnavailable error once the
// structure has been destroyed.
package storage

import (
	"context"

	"github.com/devrev/pairdb/splitbrain/internal/model"
)

// Replica is read access to one side of a structure
type Replica[K comparable, V any] interface {
	// Get returns the stored record without touching its statistics
	Get(ctx context.Context, key K) (model.Record[V], bool, error)
}

// MergingReplica is the side whose entries are merged in
type MergingReplica[K comparable, V any] interface {
	Replica[K, V]
	// Keys enumerates the keys that need reconciliation
	Keys(ctx context.Context) ([]K, error)
}

// ExistingReplica is the surviving side that receives merge writes
type ExistingReplica[K comparable, V any] interface {
	Replica[K, V]
	Put(ctx context.Context, key K, value model.Value[V]) error
	Remove(ctx context.Context, key K) error
}
