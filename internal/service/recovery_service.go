package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/devrev/pairdb/splitbrain/internal/metrics"
	"github.com/devrev/pairdb/splitbrain/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UnitSource supplies the units a merge run should process
type UnitSource interface {
	Units(ctx context.Context) ([]Unit, error)
}

// ReportStore persists merge reports
type ReportStore interface {
	Save(ctx context.Context, report *model.Report) error
	Get(ctx context.Context, runID string) (*model.Report, error)
	List(ctx context.Context, limit int) ([]*model.Report, error)
}

// UnitSourceFunc adapts a function to UnitSource
type UnitSourceFunc func(ctx context.Context) ([]Unit, error)

// Units calls f(ctx)
func (f UnitSourceFunc) Units(ctx context.Context) ([]Unit, error) {
	return f(ctx)
}

// Sources merges several sources into one. Sources are queried
// concurrently; units keep source order. Any failing source fails the call.
func Sources(sources ...UnitSource) UnitSource {
	return UnitSourceFunc(func(ctx context.Context) ([]Unit, error) {
		collected := make([][]Unit, len(sources))
		g, gctx := errgroup.WithContext(ctx)
		for i, src := range sources {
			i, src := i, src
			g.Go(func() error {
				units, err := src.Units(gctx)
				if err != nil {
					return err
				}
				collected[i] = units
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		var units []Unit
		for _, u := range collected {
			units = append(units, u...)
		}
		return units, nil
	})
}

// RecoveryConfig wires the recovery service
type RecoveryConfig struct {
	Scheduler *Scheduler
	Source    UnitSource
	// Reports may be nil, in which case reports are only logged
	Reports ReportStore
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// RecoveryService runs split-brain merges when a partition heals or on demand
type RecoveryService struct {
	scheduler *Scheduler
	source    UnitSource
	reports   ReportStore
	metrics   *metrics.Metrics
	logger    *zap.Logger

	runMu  sync.Mutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRecoveryService creates a new recovery service
func NewRecoveryService(cfg RecoveryConfig) *RecoveryService {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &RecoveryService{
		scheduler: cfg.Scheduler,
		source:    cfg.Source,
		reports:   cfg.Reports,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// TriggerMerge runs one merge over every unit the source supplies. Runs are
// serialized. The report is returned even when persisting it fails.
func (s *RecoveryService) TriggerMerge(ctx context.Context, reason string) (*model.Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	units, err := s.source.Units(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect merge units: %w", err)
	}

	s.logger.Info("Split-brain merge triggered",
		zap.String("reason", reason),
		zap.Int("units", len(units)))

	report := s.scheduler.Run(ctx, units)
	report.Reason = reason

	if !report.Succeeded() {
		counts := report.CountByState()
		s.logger.Warn("Split-brain merge finished with problems",
			zap.String("run_id", report.RunID),
			zap.Bool("cancelled", report.Cancelled),
			zap.Int("aborted", counts[model.RunStateAborted]),
			zap.Int("completed_with_errors", counts[model.RunStateCompletedWithErrors]),
			zap.Int("pending", counts[model.RunStatePending]))
	}

	if s.reports == nil {
		return report, nil
	}
	if err := s.reports.Save(context.WithoutCancel(ctx), report); err != nil {
		s.logger.Error("Failed to persist merge report",
			zap.String("run_id", report.RunID),
			zap.Error(err))
		return report, fmt.Errorf("failed to persist merge report: %w", err)
	}
	s.metrics.ReportPersisted()
	return report, nil
}

// Start consumes merge signals until Stop is called or ctx is done
func (s *RecoveryService) Start(ctx context.Context, signals <-chan MergeSignal) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Recovery service started")
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Recovery service stopped")
				return
			case signal := <-signals:
				reason := fmt.Sprintf("node %s rejoined after %s", signal.NodeID, signal.DownFor)
				if _, err := s.TriggerMerge(ctx, reason); err != nil {
					s.logger.Error("Signalled merge failed",
						zap.String("node_id", signal.NodeID),
						zap.Error(err))
				}
			}
		}
	}()
}

// Stop cancels the signal loop and waits for an in-flight merge to finish
func (s *RecoveryService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
