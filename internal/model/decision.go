package model

import "fmt"

// DecisionKind is the outcome category of one merge call
type DecisionKind int

const (
	// DecisionKeepMerging writes the merging side's value as stored
	DecisionKeepMerging DecisionKind = iota
	// DecisionKeepExisting leaves the existing side untouched
	DecisionKeepExisting
	// DecisionNewValue writes a value synthesized by the policy
	DecisionNewValue
	// DecisionRemove deletes the key from the existing side
	DecisionRemove
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionKeepMerging:
		return "keep_merging"
	case DecisionKeepExisting:
		return "keep_existing"
	case DecisionNewValue:
		return "new_value"
	case DecisionRemove:
		return "remove"
	default:
		return fmt.Sprintf("DecisionKind(%d)", int(k))
	}
}

// Decision is the result of one MergePolicy.Merge call
type Decision[V any] struct {
	kind  DecisionKind
	value V
}

// KeepMerging keeps the merging side's value
func KeepMerging[V any]() Decision[V] {
	return Decision[V]{kind: DecisionKeepMerging}
}

// KeepExisting leaves the existing entry as it is
func KeepExisting[V any]() Decision[V] {
	return Decision[V]{kind: DecisionKeepExisting}
}

// NewValue writes v, a value the policy synthesized
func NewValue[V any](v V) Decision[V] {
	return Decision[V]{kind: DecisionNewValue, value: v}
}

// Remove deletes the key from the existing side
func Remove[V any]() Decision[V] {
	return Decision[V]{kind: DecisionRemove}
}

// Kind returns the decision category
func (d Decision[V]) Kind() DecisionKind {
	return d.kind
}

// Value returns the synthesized value of a DecisionNewValue
func (d Decision[V]) Value() (V, bool) {
	return d.value, d.kind == DecisionNewValue
}
