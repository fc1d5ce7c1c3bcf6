package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/devrev/pairdb/splitbrain/internal/capability"
	mergeerrors "github.com/devrev/pairdb/splitbrain/internal/errors"
	"github.com/devrev/pairdb/splitbrain/internal/metrics"
	"github.com/devrev/pairdb/splitbrain/internal/model"
	"github.com/devrev/pairdb/splitbrain/internal/policy"
	"github.com/devrev/pairdb/splitbrain/internal/storage"
	"github.com/devrev/pairdb/splitbrain/internal/storage/memstore"
	"go.uber.org/zap"
)

// StructureSetConfig wires a StructureSet
type StructureSetConfig[K comparable, V any] struct {
	Provider *policy.Provider[K, V]
	// PolicyFor selects the policy config of a structure
	PolicyFor func(structure string) policy.Config
	Injector  *capability.Injector
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// StructureSet holds the surviving replica of each local structure and the
// merging replicas staged for them. It is a UnitSource: every call builds one
// fresh coordinator per staged structure. A staged replica is dropped only
// once its unit reaches a terminal state, so a unit left PENDING by a
// cancelled run is offered again on the next call.
type StructureSet[K comparable, V any] struct {
	cfg      StructureSetConfig[K, V]
	mu       sync.Mutex
	existing map[string]*memstore.Store[K, V]
	staged   map[string]stagedReplica[K, V]
	gen      uint64
}

type stagedReplica[K comparable, V any] struct {
	replica storage.MergingReplica[K, V]
	gen     uint64
}

// NewStructureSet creates an empty set
func NewStructureSet[K comparable, V any](cfg StructureSetConfig[K, V]) *StructureSet[K, V] {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &StructureSet[K, V]{
		cfg:      cfg,
		existing: make(map[string]*memstore.Store[K, V]),
		staged:   make(map[string]stagedReplica[K, V]),
	}
}

// Register adds the surviving replica of a structure
func (s *StructureSet[K, V]) Register(store *memstore.Store[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existing[store.Name()] = store
}

// Existing returns the surviving replica of a structure
func (s *StructureSet[K, V]) Existing(name string) (*memstore.Store[K, V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.existing[name]
	return st, ok
}

// Names returns the registered structures, sorted
func (s *StructureSet[K, V]) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.existing))
	for n := range s.existing {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StageMerging queues a merging replica for the next run. Staging again
// before a run replaces the earlier replica.
func (s *StructureSet[K, V]) StageMerging(name string, merging storage.MergingReplica[K, V]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.existing[name]; !ok {
		return mergeerrors.StructureUnavailable(name, nil)
	}
	s.gen++
	s.staged[name] = stagedReplica[K, V]{replica: merging, gen: s.gen}
	return nil
}

// StageRecords builds a merging replica from records received from another
// node and stages it. Values are converted to the surviving replica's format.
func (s *StructureSet[K, V]) StageRecords(name string, records map[K]model.Record[V]) error {
	existing, ok := s.Existing(name)
	if !ok {
		return mergeerrors.StructureUnavailable(name, nil)
	}
	merging := existing.Sibling()
	for key, rec := range records {
		if err := merging.Import(key, rec); err != nil {
			return mergeerrors.InvalidArgument("failed to import merging entry", err).
				WithDetail("structure_id", name).
				WithDetail("key", fmt.Sprint(key))
		}
	}
	if err := s.StageMerging(name, merging); err != nil {
		return err
	}
	s.cfg.Logger.Info("Staged merging replica",
		zap.String("structure_id", name),
		zap.Int("entries", len(records)))
	return nil
}

// StageSnapshot stages a replica snapshot received from another node into a
// set of JSON-valued structures
func StageSnapshot(set *StructureSet[string, json.RawMessage], name string, snapshot *model.ReplicaSnapshot) error {
	records, err := snapshot.Records()
	if err != nil {
		return err
	}
	return set.StageRecords(name, records)
}

// Staged returns the structures with a merging replica waiting, sorted
func (s *StructureSet[K, V]) Staged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.staged))
	for n := range s.staged {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// unstage drops a staged replica unless it was replaced since gen
func (s *StructureSet[K, V]) unstage(name string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.staged[name]; ok && cur.gen == gen {
		delete(s.staged, name)
	}
}

// Units implements UnitSource. A structure whose policy cannot be resolved
// yields a unit that reports ABORTED instead of failing the whole run.
func (s *StructureSet[K, V]) Units(context.Context) ([]Unit, error) {
	s.mu.Lock()
	staged := make(map[string]stagedReplica[K, V], len(s.staged))
	for n, r := range s.staged {
		staged[n] = r
	}
	s.mu.Unlock()

	names := make([]string, 0, len(staged))
	for n := range staged {
		names = append(names, n)
	}
	sort.Strings(names)

	units := make([]Unit, 0, len(names))
	for _, name := range names {
		entry := staged[name]
		unit, err := s.build(name, entry.replica)
		if err != nil {
			s.cfg.Logger.Error("Failed to build merge unit",
				zap.String("structure_id", name),
				zap.Error(err))
			unit = failedUnit{structureID: name, err: err}
		}
		units = append(units, &stagedUnit[K, V]{Unit: unit, set: s, gen: entry.gen})
	}
	return units, nil
}

// stagedUnit releases its staged replica once the wrapped unit finishes
type stagedUnit[K comparable, V any] struct {
	Unit
	set *StructureSet[K, V]
	gen uint64
}

func (u *stagedUnit[K, V]) Run(ctx context.Context) *model.RunResult {
	result := u.Unit.Run(ctx)
	if result != nil && result.FinalState.IsTerminal() {
		u.set.unstage(u.StructureID(), u.gen)
	}
	return result
}

func (s *StructureSet[K, V]) build(name string, merging storage.MergingReplica[K, V]) (Unit, error) {
	existing, ok := s.Existing(name)
	if !ok {
		return nil, mergeerrors.StructureUnavailable(name, nil)
	}
	if s.cfg.Provider == nil || s.cfg.PolicyFor == nil {
		return nil, mergeerrors.InvalidArgument("structure set has no policy provider", nil)
	}
	p, err := s.cfg.Provider.Get(s.cfg.PolicyFor(name))
	if err != nil {
		return nil, err
	}
	c, err := NewCoordinator(CoordinatorConfig[K, V]{
		StructureID:  name,
		Merging:      merging,
		Existing:     existing,
		Policy:       p,
		Deserializer: existing.Deserializer(),
		Injector:     s.cfg.Injector,
		Metrics:      s.cfg.Metrics,
		Logger:       s.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// failedUnit reports a unit that could not be built
type failedUnit struct {
	structureID string
	err         error
}

func (u failedUnit) StructureID() string { return u.structureID }

func (u failedUnit) Run(context.Context) *model.RunResult {
	return abortedResult(u.structureID, u.err)
}
