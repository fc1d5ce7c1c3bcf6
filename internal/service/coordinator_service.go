package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/splitbrain/internal/capability"
	mergeerrors "github.com/devrev/pairdb/splitbrain/internal/errors"
	"github.com/devrev/pairdb/splitbrain/internal/metrics"
	"github.com/devrev/pairdb/splitbrain/internal/model"
	"github.com/devrev/pairdb/splitbrain/internal/policy"
	"github.com/devrev/pairdb/splitbrain/internal/storage"
	"go.uber.org/zap"
)

// CoordinatorConfig holds everything one structure merge needs
type CoordinatorConfig[K comparable, V any] struct {
	StructureID string
	Merging     storage.MergingReplica[K, V]
	Existing    storage.ExistingReplica[K, V]
	Policy      policy.MergePolicy[K, V]
	// Deserializer decodes encoded values on demand; nil for object-format structures
	Deserializer model.Deserializer[V]
	Injector     *capability.Injector
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Coordinator merges one structure's merging replica into its existing
// replica, one key at a time
type Coordinator[K comparable, V any] struct {
	structureID string
	merging     storage.MergingReplica[K, V]
	existing    storage.ExistingReplica[K, V]
	policy      policy.MergePolicy[K, V]
	policyName  string
	decoder     model.Deserializer[V]
	injector    *capability.Injector
	metrics     *metrics.Metrics
	logger      *zap.Logger
	state       atomic.Value // model.RunState
	started     atomic.Bool
}

// NewCoordinator creates a coordinator in PENDING state
func NewCoordinator[K comparable, V any](cfg CoordinatorConfig[K, V]) (*Coordinator[K, V], error) {
	if cfg.StructureID == "" {
		return nil, mergeerrors.InvalidArgument("structure ID is required", nil)
	}
	if cfg.Merging == nil || cfg.Existing == nil {
		return nil, mergeerrors.InvalidArgument("both replicas are required", nil).
			WithDetail("structure_id", cfg.StructureID)
	}
	if cfg.Policy == nil {
		return nil, mergeerrors.InvalidArgument("merge policy is required", nil).
			WithDetail("structure_id", cfg.StructureID)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Injector == nil {
		cfg.Injector = capability.NewInjector(nil, cfg.Logger)
	}

	c := &Coordinator[K, V]{
		structureID: cfg.StructureID,
		merging:     cfg.Merging,
		existing:    cfg.Existing,
		policy:      cfg.Policy,
		policyName:  policy.Name(cfg.Policy),
		injector:    cfg.Injector,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With(zap.String("structure_id", cfg.StructureID)),
	}
	if cfg.Deserializer != nil {
		c.decoder = countingDeserializer[V]{inner: cfg.Deserializer, metrics: cfg.Metrics}
	}
	c.state.Store(model.RunStatePending)
	return c, nil
}

// StructureID returns the structure this coordinator merges
func (c *Coordinator[K, V]) StructureID() string {
	return c.structureID
}

// State returns the current run state
func (c *Coordinator[K, V]) State() model.RunState {
	return c.state.Load().(model.RunState)
}

// Run merges every enumerated key. Per-key failures are recorded in the
// result; only capability injection failure or loss of the structure abort.
// Cancelling ctx does not interrupt a run in progress.
func (c *Coordinator[K, V]) Run(ctx context.Context) *model.RunResult {
	result := &model.RunResult{
		StructureID: c.structureID,
		Policy:      c.policyName,
		StartedAt:   time.Now(),
		FinalState:  model.RunStatePending,
	}
	if !c.started.CompareAndSwap(false, true) {
		err := mergeerrors.InvalidArgument("coordinator has already run", nil)
		result.FinalState = model.RunStateAborted
		result.Cause = err.Error()
		result.CauseKind = mergeerrors.Kind(err)
		return result
	}

	ctx = context.WithoutCancel(ctx)
	c.state.Store(model.RunStateRunning)
	c.metrics.UnitStarted()
	defer func() {
		result.Duration = time.Since(result.StartedAt)
		c.metrics.UnitFinished(string(result.FinalState), result.Duration)
	}()

	c.logger.Info("Structure merge started", zap.String("policy", c.policyName))

	if err := c.injector.Inject(ctx, c.policy); err != nil {
		return c.abort(result, err)
	}

	keys, err := c.merging.Keys(ctx)
	if err != nil {
		if !mergeerrors.IsStructureUnavailable(err) {
			err = mergeerrors.StructureUnavailable(c.structureID, err)
		}
		return c.abort(result, err)
	}

	seen := make(map[K]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		err := c.mergeKey(ctx, key)
		if err == nil {
			result.KeysProcessed++
			continue
		}
		if mergeerrors.IsStructureUnavailable(err) {
			return c.abort(result, err)
		}

		result.KeysFailed++
		kind := mergeerrors.Kind(err)
		result.Errors = append(result.Errors, model.KeyError{
			Key:     fmt.Sprint(key),
			Kind:    kind,
			Message: err.Error(),
		})
		c.metrics.KeyFailed(c.structureID, kind)
		c.logger.Warn("Key merge failed",
			zap.Any("key", key),
			zap.String("kind", kind),
			zap.Error(err))
	}

	result.FinalState = model.RunStateCompleted
	if result.KeysFailed > 0 {
		result.FinalState = model.RunStateCompletedWithErrors
	}
	c.state.Store(result.FinalState)

	c.logger.Info("Structure merge finished",
		zap.String("state", string(result.FinalState)),
		zap.Int("keys_processed", result.KeysProcessed),
		zap.Int("keys_failed", result.KeysFailed))
	return result
}

// mergeKey runs view construction, the policy call and write-back for one key
func (c *Coordinator[K, V]) mergeKey(ctx context.Context, key K) error {
	mergingRec, ok, err := c.merging.Get(ctx, key)
	if err != nil {
		return c.storeError("read merging entry", err)
	}
	if !ok {
		c.logger.Debug("Merging entry vanished after enumeration", zap.Any("key", key))
		return nil
	}
	mergingView := model.NewEntryView(key, mergingRec, c.decoder)

	var existingView *model.EntryView[K, V]
	existingRec, ok, err := c.existing.Get(ctx, key)
	if err != nil {
		return c.storeError("read existing entry", err)
	}
	if ok {
		existingView = model.NewEntryView(key, existingRec, c.decoder)
	}

	start := time.Now()
	decision, err := c.invokePolicy(mergingView, existingView)
	elapsed := time.Since(start)
	if err != nil {
		return err
	}

	if err := c.apply(ctx, key, mergingView, decision); err != nil {
		return err
	}

	c.metrics.KeyProcessed(c.structureID, elapsed)
	c.logger.Debug("Key merged",
		zap.Any("key", key),
		zap.Stringer("decision", decision.Kind()),
		zap.Bool("existing_present", existingView.IsPresent()))
	return nil
}

func (c *Coordinator[K, V]) invokePolicy(merging, existing *model.EntryView[K, V]) (decision model.Decision[V], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = mergeerrors.PolicyExecution(c.policyName, fmt.Errorf("panic: %v", r))
		}
	}()

	decision, err = c.policy.Merge(merging, existing)
	switch mergeerrors.GetCode(err) {
	case mergeerrors.ErrCodeOK, mergeerrors.ErrCodeDeserialization, mergeerrors.ErrCodePolicyExecution:
	default:
		err = mergeerrors.PolicyExecution(c.policyName, err)
	}
	return decision, err
}

func (c *Coordinator[K, V]) apply(ctx context.Context, key K, merging *model.EntryView[K, V], decision model.Decision[V]) error {
	switch decision.Kind() {
	case model.DecisionKeepMerging:
		if err := c.existing.Put(ctx, key, merging.RawValue()); err != nil {
			return c.storeError("write merging value", err)
		}
	case model.DecisionKeepExisting:
		// The existing side already holds the surviving state.
	case model.DecisionNewValue:
		v, _ := decision.Value()
		if err := c.existing.Put(ctx, key, model.ObjectValue(v)); err != nil {
			return c.storeError("write policy value", err)
		}
	case model.DecisionRemove:
		if err := c.existing.Remove(ctx, key); err != nil {
			return c.storeError("remove entry", err)
		}
	default:
		return mergeerrors.PolicyExecution(c.policyName,
			fmt.Errorf("unknown decision %s", decision.Kind()))
	}
	return nil
}

func (c *Coordinator[K, V]) storeError(op string, err error) error {
	if mergeerrors.IsMergeError(err) {
		return err
	}
	return mergeerrors.Internal(fmt.Sprintf("failed to %s", op), err)
}

func (c *Coordinator[K, V]) abort(result *model.RunResult, err error) *model.RunResult {
	result.FinalState = model.RunStateAborted
	result.Cause = err.Error()
	result.CauseKind = mergeerrors.Kind(err)
	c.state.Store(model.RunStateAborted)

	c.logger.Error("Structure merge aborted",
		zap.Int("keys_processed", result.KeysProcessed),
		zap.Int("keys_failed", result.KeysFailed),
		zap.Error(err))
	return result
}

// countingDeserializer records each real deserialization in metrics
type countingDeserializer[V any] struct {
	inner   model.Deserializer[V]
	metrics *metrics.Metrics
}

func (d countingDeserializer[V]) Deserialize(raw []byte) (V, error) {
	d.metrics.Deserialized()
	return d.inner.Deserialize(raw)
}
