package policy

import "github.com/devrev/pairdb/splitbrain/internal/model"

const (
	PassThroughName    = "pass_through"
	PutIfAbsentName    = "put_if_absent"
	DiscardName        = "discard"
	HigherHitsName     = "higher_hits"
	LatestAccessName   = "latest_access"
	LatestUpdateName   = "latest_update"
	HigherVersionName  = "higher_version"
	ExpirationTimeName = "expiration_time"
)

// PassThrough always keeps the merging value
type PassThrough[K comparable, V any] struct{}

func (PassThrough[K, V]) Merge(_, _ *model.EntryView[K, V]) (model.Decision[V], error) {
	return model.KeepMerging[V](), nil
}

func (PassThrough[K, V]) String() string { return PassThroughName }

// PutIfAbsent keeps the existing value and only inserts missing keys
type PutIfAbsent[K comparable, V any] struct{}

func (PutIfAbsent[K, V]) Merge(_, existing *model.EntryView[K, V]) (model.Decision[V], error) {
	if existing.IsPresent() {
		return model.KeepExisting[V](), nil
	}
	return model.KeepMerging[V](), nil
}

func (PutIfAbsent[K, V]) String() string { return PutIfAbsentName }

// Discard drops every merging entry
type Discard[K comparable, V any] struct{}

func (Discard[K, V]) Merge(_, _ *model.EntryView[K, V]) (model.Decision[V], error) {
	return model.KeepExisting[V](), nil
}

func (Discard[K, V]) String() string { return DiscardName }

// HigherHits keeps the entry that was read more often
type HigherHits[K comparable, V any] struct{}

func (HigherHits[K, V]) Merge(merging, existing *model.EntryView[K, V]) (model.Decision[V], error) {
	if !existing.IsPresent() || merging.Hits() > existing.Hits() {
		return model.KeepMerging[V](), nil
	}
	return model.KeepExisting[V](), nil
}

func (HigherHits[K, V]) String() string { return HigherHitsName }

// LatestAccess keeps the entry that was read most recently. Ties keep the
// existing entry, as in every built-in policy.
type LatestAccess[K comparable, V any] struct{}

func (LatestAccess[K, V]) Merge(merging, existing *model.EntryView[K, V]) (model.Decision[V], error) {
	if !existing.IsPresent() || merging.LastAccessTime().After(existing.LastAccessTime()) {
		return model.KeepMerging[V](), nil
	}
	return model.KeepExisting[V](), nil
}

func (LatestAccess[K, V]) String() string { return LatestAccessName }

// LatestUpdate keeps the entry that was written most recently
type LatestUpdate[K comparable, V any] struct{}

func (LatestUpdate[K, V]) Merge(merging, existing *model.EntryView[K, V]) (model.Decision[V], error) {
	if !existing.IsPresent() || merging.LastUpdateTime().After(existing.LastUpdateTime()) {
		return model.KeepMerging[V](), nil
	}
	return model.KeepExisting[V](), nil
}

func (LatestUpdate[K, V]) String() string { return LatestUpdateName }

// ExpirationTime keeps the entry that expires last; an entry without TTL
// never expires and wins over one with a TTL.
type ExpirationTime[K comparable, V any] struct{}

func (ExpirationTime[K, V]) Merge(merging, existing *model.EntryView[K, V]) (model.Decision[V], error) {
	if !existing.IsPresent() {
		return model.KeepMerging[V](), nil
	}
	m, e := merging.ExpirationTime(), existing.ExpirationTime()
	switch {
	case e.IsZero():
		return model.KeepExisting[V](), nil
	case m.IsZero(), m.After(e):
		return model.KeepMerging[V](), nil
	default:
		return model.KeepExisting[V](), nil
	}
}

func (ExpirationTime[K, V]) String() string { return ExpirationTimeName }

// HigherVersion keeps the entry with the higher per-key version
type HigherVersion[K comparable, V any] struct{}

func (HigherVersion[K, V]) Merge(merging, existing *model.EntryView[K, V]) (model.Decision[V], error) {
	if !existing.IsPresent() || merging.Version() > existing.Version() {
		return model.KeepMerging[V](), nil
	}
	return model.KeepExisting[V](), nil
}

func (HigherVersion[K, V]) String() string { return HigherVersionName }
