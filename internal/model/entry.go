package model

import (
	"sync"
	"time"

	mergeerrors "github.com/devrev/pairdb/splitbrain/internal/errors"
)

// Deserializer turns an encoded value into its object form
type Deserializer[V any] interface {
	Deserialize(raw []byte) (V, error)
}

// DeserializerFunc adapts a function to Deserializer
type DeserializerFunc[V any] func(raw []byte) (V, error)

// Deserialize implements Deserializer
func (f DeserializerFunc[V]) Deserialize(raw []byte) (V, error) {
	return f(raw)
}

// Value is an entry value in the backing store's in-memory format: either an
// encoded blob or an already materialized object.
type Value[V any] struct {
	raw     []byte
	obj     V
	encoded bool
}

// EncodedValue wraps a serialized value
func EncodedValue[V any](raw []byte) Value[V] {
	return Value[V]{raw: raw, encoded: true}
}

// ObjectValue wraps a materialized value
func ObjectValue[V any](v V) Value[V] {
	return Value[V]{obj: v}
}

// IsEncoded reports whether the value is held as bytes
func (v Value[V]) IsEncoded() bool {
	return v.encoded
}

// Raw returns the encoded bytes, nil for object values
func (v Value[V]) Raw() []byte {
	return v.raw
}

// Object returns the object form if the value is not encoded
func (v Value[V]) Object() (V, bool) {
	return v.obj, !v.encoded
}

// Metadata holds the statistics a backing store keeps per entry
type Metadata struct {
	CreationTime   time.Time
	LastAccessTime time.Time
	LastUpdateTime time.Time
	Hits           uint64
	TTL            time.Duration // zero means no expiry
	Version        uint64
}

// ExpirationTime returns the instant the entry expires, zero if it has no TTL
func (m Metadata) ExpirationTime() time.Time {
	if m.TTL <= 0 {
		return time.Time{}
	}
	base := m.LastUpdateTime
	if base.IsZero() {
		base = m.CreationTime
	}
	return base.Add(m.TTL)
}

// Record is a stored value together with its metadata
type Record[V any] struct {
	Value    Value[V]
	Metadata Metadata
}

// EntryView is a read-only snapshot of one entry on one side of a merge.
// The value is deserialized only when MaterializedValue is called, at most once.
// A nil *EntryView stands for "no entry on this side".
type EntryView[K comparable, V any] struct {
	key       K
	value     Value[V]
	meta      Metadata
	decoder   Deserializer[V]
	once      sync.Once
	obj       V
	decodeErr error
}

// NewEntryView builds a view over a record. decoder may be nil when the
// record holds an object value.
func NewEntryView[K comparable, V any](key K, record Record[V], decoder Deserializer[V]) *EntryView[K, V] {
	return &EntryView[K, V]{
		key:     key,
		value:   record.Value,
		meta:    record.Metadata,
		decoder: decoder,
	}
}

// IsPresent reports whether the view stands for an existing entry
func (e *EntryView[K, V]) IsPresent() bool {
	return e != nil
}

// Key returns the entry key
func (e *EntryView[K, V]) Key() K { return e.key }

// RawValue returns the value in the store's in-memory format, without decoding
func (e *EntryView[K, V]) RawValue() Value[V] { return e.value }

// Metadata returns all entry statistics at once
func (e *EntryView[K, V]) Metadata() Metadata { return e.meta }

// CreationTime returns when the entry was first written
func (e *EntryView[K, V]) CreationTime() time.Time { return e.meta.CreationTime }

// LastAccessTime returns the time of the last client read
func (e *EntryView[K, V]) LastAccessTime() time.Time { return e.meta.LastAccessTime }

// LastUpdateTime returns the time of the last write
func (e *EntryView[K, V]) LastUpdateTime() time.Time { return e.meta.LastUpdateTime }

// Hits returns the number of client reads
func (e *EntryView[K, V]) Hits() uint64 { return e.meta.Hits }

// TTL returns the time to live, zero when the entry never expires
func (e *EntryView[K, V]) TTL() time.Duration { return e.meta.TTL }

// ExpirationTime returns when the entry expires, zero without a TTL
func (e *EntryView[K, V]) ExpirationTime() time.Time { return e.meta.ExpirationTime() }

// Version returns the write counter of the entry
func (e *EntryView[K, V]) Version() uint64 { return e.meta.Version }

// MaterializedValue returns the value in object form, deserializing it on the
// first call. The outcome, including a failure, is cached on the view.
func (e *EntryView[K, V]) MaterializedValue() (V, error) {
	if obj, ok := e.value.Object(); ok {
		return obj, nil
	}
	e.once.Do(func() {
		if e.decoder == nil {
			e.decodeErr = mergeerrors.Deserialization("no deserializer configured for encoded value", nil)
			return
		}
		obj, err := e.decoder.Deserialize(e.value.Raw())
		if err != nil {
			if !mergeerrors.IsDeserialization(err) {
				err = mergeerrors.Deserialization("cannot deserialize value", err)
			}
			e.decodeErr = err
			return
		}
		e.obj = obj
	})
	return e.obj, e.decodeErr
}
