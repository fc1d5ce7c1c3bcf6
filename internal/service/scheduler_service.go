package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mergeerrors "github.com/devrev/pairdb/splitbrain/internal/errors"
	"github.com/devrev/pairdb/splitbrain/internal/metrics"
	"github.com/devrev/pairdb/splitbrain/internal/model"
	"github.com/devrev/pairdb/splitbrain/internal/util/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Unit is one structure's merge. *Coordinator satisfies it for any K and V.
type Unit interface {
	StructureID() string
	Run(ctx context.Context) *model.RunResult
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	Workers   int
	QueueSize int
	// Leases defaults to a LocalLeaseManager
	Leases  LeaseManager
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Scheduler distributes units over a bounded worker pool. Units of the same
// structure never run concurrently.
type Scheduler struct {
	pool    *workerpool.WorkerPool
	leases  LeaseManager
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewScheduler creates a scheduler and starts its workers
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Leases == nil {
		cfg.Leases = NewLocalLeaseManager()
	}
	return &Scheduler{
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "merge-scheduler",
			MaxWorkers: cfg.Workers,
			QueueSize:  cfg.QueueSize,
			Logger:     cfg.Logger,
		}),
		leases:  cfg.Leases,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// structureGroup is the units of one structure in input order
type structureGroup struct {
	structureID string
	indexes     []int
}

// Run merges every unit and returns the aggregated report. Cancelling ctx
// stops dispatch; units already running finish and the rest stay PENDING.
func (s *Scheduler) Run(ctx context.Context, units []Unit) *model.Report {
	report := &model.Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Units:     make([]*model.RunResult, len(units)),
	}
	logger := s.logger.With(zap.String("run_id", report.RunID))
	s.metrics.RunStarted()

	logger.Info("Merge run started", zap.Int("units", len(units)))

	var cancelled atomic.Bool
	var wg sync.WaitGroup
	for _, group := range groupByStructure(units) {
		if ctx.Err() != nil {
			s.skipGroup(ctx, report, units, group)
			cancelled.Store(true)
			continue
		}

		group := group
		wg.Add(1)
		err := s.pool.Submit(ctx, workerpool.Job{
			ID: fmt.Sprintf("%s/%s", report.RunID, group.structureID),
			Fn: func(context.Context) error {
				defer wg.Done()
				if !s.runGroup(ctx, logger, report, units, group) {
					cancelled.Store(true)
				}
				return nil
			},
		})
		if err != nil {
			wg.Done()
			if ctx.Err() != nil {
				s.skipGroup(ctx, report, units, group)
				cancelled.Store(true)
				continue
			}
			s.abortGroup(report, units, group, mergeerrors.Internal("scheduler is stopped", err))
		}
	}
	wg.Wait()

	report.Cancelled = cancelled.Load()
	report.Duration = time.Since(report.StartedAt)

	processed, failed := report.TotalKeys()
	counts := report.CountByState()
	logger.Info("Merge run finished",
		zap.Bool("cancelled", report.Cancelled),
		zap.Int("keys_processed", processed),
		zap.Int("keys_failed", failed),
		zap.Int("completed", counts[model.RunStateCompleted]),
		zap.Int("completed_with_errors", counts[model.RunStateCompletedWithErrors]),
		zap.Int("aborted", counts[model.RunStateAborted]),
		zap.Int("pending", counts[model.RunStatePending]),
		zap.Duration("duration", report.Duration))
	return report
}

// runGroup runs one structure's units serially under its lease. It returns
// false when cancellation left units undispatched.
func (s *Scheduler) runGroup(ctx context.Context, logger *zap.Logger, report *model.Report, units []Unit, group structureGroup) bool {
	logger = logger.With(zap.String("structure_id", group.structureID))

	lease, err := s.leases.Acquire(ctx, group.structureID)
	if err != nil {
		if ctx.Err() != nil {
			s.skipGroup(ctx, report, units, group)
			return false
		}
		s.metrics.LeaseFailed()
		logger.Error("Failed to acquire structure lease", zap.Error(err))
		s.abortGroup(report, units, group, mergeerrors.Internal("failed to acquire structure lease", err))
		return true
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to release structure lease", zap.Error(err))
		}
	}()

	complete := true
	for _, idx := range group.indexes {
		if ctx.Err() != nil {
			report.Units[idx] = s.cancelledResult(ctx, units[idx])
			complete = false
			continue
		}
		report.Units[idx] = s.runUnit(ctx, logger, units[idx])
	}
	return complete
}

func (s *Scheduler) runUnit(ctx context.Context, logger *zap.Logger, unit Unit) (result *model.RunResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Merge unit panicked", zap.Any("panic", r))
			result = abortedResult(unit.StructureID(),
				mergeerrors.Internal("merge unit panicked", fmt.Errorf("%v", r)))
		}
	}()

	result = unit.Run(ctx)
	if result == nil {
		result = abortedResult(unit.StructureID(), mergeerrors.Internal("merge unit returned no result", nil))
	}
	return result
}

func (s *Scheduler) skipGroup(ctx context.Context, report *model.Report, units []Unit, group structureGroup) {
	for _, idx := range group.indexes {
		report.Units[idx] = s.cancelledResult(ctx, units[idx])
	}
}

func (s *Scheduler) abortGroup(report *model.Report, units []Unit, group structureGroup, err error) {
	for _, idx := range group.indexes {
		report.Units[idx] = abortedResult(units[idx].StructureID(), err)
	}
}

func (s *Scheduler) cancelledResult(ctx context.Context, unit Unit) *model.RunResult {
	s.metrics.UnitCancelled()
	err := mergeerrors.Cancelled(ctx.Err())
	return &model.RunResult{
		StructureID: unit.StructureID(),
		FinalState:  model.RunStatePending,
		Cause:       err.Error(),
		CauseKind:   mergeerrors.Kind(err),
	}
}

func abortedResult(structureID string, err error) *model.RunResult {
	return &model.RunResult{
		StructureID: structureID,
		FinalState:  model.RunStateAborted,
		Cause:       err.Error(),
		CauseKind:   mergeerrors.Kind(err),
		StartedAt:   time.Now(),
	}
}

func groupByStructure(units []Unit) []structureGroup {
	var groups []structureGroup
	pos := make(map[string]int)
	for i, u := range units {
		id := u.StructureID()
		g, ok := pos[id]
		if !ok {
			g = len(groups)
			pos[id] = g
			groups = append(groups, structureGroup{structureID: id})
		}
		groups[g].indexes = append(groups[g].indexes, i)
	}
	return groups
}

// Stats returns worker pool statistics
func (s *Scheduler) Stats() workerpool.Stats {
	return s.pool.Stats()
}

// Stop stops the worker pool, waiting up to timeout for running units
func (s *Scheduler) Stop(timeout time.Duration) error {
	return s.pool.Stop(timeout)
}
