// Package policy defines the split-brain merge policy contract.
//
// A policy sees the merging side's entry and the existing side's entry for one
// key and decides which value survives. The existing view is nil when the key
// has no entry on the existing side; that is the plain insert case. Values
// arrive in the backing store's in-memory format and are only deserialized if
// the policy calls MaterializedValue, so policies that decide on metadata
// (hits, timestamps, versions) never pay for deserialization.
//
// One policy instance serves every key of every concurrent run, so
// implementations must not keep per-call state. Collaborators are obtained by
// declaring capabilities (see package capability).
package policy

import (
	"fmt"

	"github.com/devrev/pairdb/splitbrain/internal/model"
)

// MergePolicy decides the surviving value for one key
type MergePolicy[K comparable, V any] interface {
	Merge(merging, existing *model.EntryView[K, V]) (model.Decision[V], error)
}

// Func adapts a function to MergePolicy
type Func[K comparable, V any] func(merging, existing *model.EntryView[K, V]) (model.Decision[V], error)

// Merge implements MergePolicy
func (f Func[K, V]) Merge(merging, existing *model.EntryView[K, V]) (model.Decision[V], error) {
	return f(merging, existing)
}

// ValueFunc adapts the nil-means-delete form: a nil result removes the key,
// otherwise the pointed-to value is written. It cannot express "leave the
// existing entry alone"; use Func for that.
type ValueFunc[K comparable, V any] func(merging, existing *model.EntryView[K, V]) (*V, error)

// Merge implements MergePolicy
func (f ValueFunc[K, V]) Merge(merging, existing *model.EntryView[K, V]) (model.Decision[V], error) {
	v, err := f(merging, existing)
	if err != nil {
		return model.Decision[V]{}, err
	}
	if v == nil {
		return model.Remove[V](), nil
	}
	return model.NewValue(*v), nil
}

// Name returns a printable name for a policy
func Name(p any) string {
	if s, ok := p.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", p)
}
