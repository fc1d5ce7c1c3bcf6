package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	mergeerrors "github.com/devrev/pairdb/splitbrain/internal/errors"
	"github.com/devrev/pairdb/splitbrain/internal/model"
	"github.com/devrev/pairdb/splitbrain/internal/serialization"
	"go.uber.org/zap"
)

// InMemoryFormat selects how values are held in memory
type InMemoryFormat string

const (
	FormatObject InMemoryFormat = "object"
	FormatBinary InMemoryFormat = "binary"
)

// Config holds store configuration
type Config[V any] struct {
	Name   string
	Format InMemoryFormat
	// Codec is required for FormatBinary
	Codec  serialization.Codec[V]
	Logger *zap.Logger
	// Now overrides the clock, for tests
	Now func() time.Time
}

// Store is an in-memory key/value structure that tracks per-entry
// statistics and can serve as either side of a merge
type Store[K comparable, V any] struct {
	name      string
	format    InMemoryFormat
	codec     serialization.Codec[V]
	now       func() time.Time
	logger    *zap.Logger
	mu        sync.RWMutex
	data      map[K]*model.Record[V]
	destroyed bool
}

// New creates a store
func New[K comparable, V any](cfg Config[V]) (*Store[K, V], error) {
	if cfg.Format == "" {
		cfg.Format = FormatObject
	}
	if cfg.Format != FormatObject && cfg.Format != FormatBinary {
		return nil, mergeerrors.InvalidArgument(fmt.Sprintf("unknown in-memory format %q", cfg.Format), nil)
	}
	if cfg.Format == FormatBinary && cfg.Codec == nil {
		return nil, mergeerrors.InvalidArgument("binary in-memory format requires a codec", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store[K, V]{
		name:   cfg.Name,
		format: cfg.Format,
		codec:  cfg.Codec,
		now:    cfg.Now,
		logger: cfg.Logger,
		data:   make(map[K]*model.Record[V]),
	}, nil
}

// Name returns the structure name
func (s *Store[K, V]) Name() string {
	return s.name
}

// Format returns the in-memory format
func (s *Store[K, V]) Format() InMemoryFormat {
	return s.format
}

// Deserializer returns the decoder merge views should use, nil for object stores
func (s *Store[K, V]) Deserializer() model.Deserializer[V] {
	if s.codec == nil {
		return nil
	}
	return s.codec
}

// Set is a client write: it stores v and bumps update time and version
func (s *Store[K, V]) Set(ctx context.Context, key K, v V, ttl time.Duration) error {
	value, err := s.toStoreFormat(model.ObjectValue(v))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return mergeerrors.StructureUnavailable(s.name, nil)
	}
	rec := s.touchForWrite(key, value)
	rec.Metadata.TTL = ttl
	return nil
}

// Load is a client read: it returns the object value and counts a hit
func (s *Store[K, V]) Load(ctx context.Context, key K) (V, bool, error) {
	var zero V

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return zero, false, mergeerrors.StructureUnavailable(s.name, nil)
	}
	rec, ok := s.data[key]
	if !ok {
		s.mu.Unlock()
		return zero, false, nil
	}
	rec.Metadata.Hits++
	rec.Metadata.LastAccessTime = s.now()
	value := rec.Value
	s.mu.Unlock()

	if obj, ok := value.Object(); ok {
		return obj, true, nil
	}
	obj, err := s.codec.Deserialize(value.Raw())
	if err != nil {
		return zero, false, err
	}
	return obj, true, nil
}

// Restore installs a record as-is, used when rebuilding a replica snapshot
func (s *Store[K, V]) Restore(key K, rec model.Record[V]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return mergeerrors.StructureUnavailable(s.name, nil)
	}
	copied := rec
	s.data[key] = &copied
	return nil
}

// Import installs a record received from another node. Unlike Restore it
// converts the value to this store's in-memory format; metadata is kept.
func (s *Store[K, V]) Import(key K, rec model.Record[V]) error {
	value, err := s.toStoreFormat(rec.Value)
	if err != nil {
		return err
	}
	rec.Value = value
	return s.Restore(key, rec)
}

// Sibling returns an empty store with the same name, format and codec
func (s *Store[K, V]) Sibling() *Store[K, V] {
	return &Store[K, V]{
		name:   s.name,
		format: s.format,
		codec:  s.codec,
		now:    s.now,
		logger: s.logger,
		data:   make(map[K]*model.Record[V]),
	}
}

// Get implements storage.Replica
func (s *Store[K, V]) Get(ctx context.Context, key K) (model.Record[V], bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		return model.Record[V]{}, false, mergeerrors.StructureUnavailable(s.name, nil)
	}
	rec, ok := s.data[key]
	if !ok {
		return model.Record[V]{}, false, nil
	}
	return *rec, true, nil
}

// Keys implements storage.MergingReplica
func (s *Store[K, V]) Keys(ctx context.Context) ([]K, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		return nil, mergeerrors.StructureUnavailable(s.name, nil)
	}
	keys := make([]K, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// Put implements storage.ExistingReplica. Object values are encoded when the
// store keeps the binary format.
func (s *Store[K, V]) Put(ctx context.Context, key K, value model.Value[V]) error {
	value, err := s.toStoreFormat(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return mergeerrors.StructureUnavailable(s.name, nil)
	}
	s.touchForWrite(key, value)
	return nil
}

// Remove implements storage.ExistingReplica
func (s *Store[K, V]) Remove(ctx context.Context, key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return mergeerrors.StructureUnavailable(s.name, nil)
	}
	delete(s.data, key)
	return nil
}

// Len returns the number of entries
func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Destroy drops all data; every later call fails with StructureUnavailable
func (s *Store[K, V]) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.data = nil
	s.logger.Info("Structure destroyed", zap.String("structure_id", s.name))
}

// touchForWrite must be called with mu held
func (s *Store[K, V]) touchForWrite(key K, value model.Value[V]) *model.Record[V] {
	now := s.now()
	rec, ok := s.data[key]
	if !ok {
		rec = &model.Record[V]{Metadata: model.Metadata{CreationTime: now}}
		s.data[key] = rec
	}
	rec.Value = value
	rec.Metadata.LastUpdateTime = now
	rec.Metadata.Version++
	return rec
}

func (s *Store[K, V]) toStoreFormat(value model.Value[V]) (model.Value[V], error) {
	obj, isObject := value.Object()
	switch {
	case s.format == FormatBinary && isObject:
		raw, err := s.codec.Serialize(obj)
		if err != nil {
			return value, fmt.Errorf("failed to encode value for %s: %w", s.name, err)
		}
		return model.EncodedValue[V](raw), nil
	case s.format == FormatObject && !isObject:
		if s.codec == nil {
			return value, mergeerrors.Deserialization(
				fmt.Sprintf("object store %s received encoded value without codec", s.name), nil)
		}
		decoded, err := s.codec.Deserialize(value.Raw())
		if err != nil {
			return value, err
		}
		return model.ObjectValue(decoded), nil
	default:
		return value, nil
	}
}
