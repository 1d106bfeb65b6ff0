package syncengine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/basemirror/basemirror-api/internal/metastore"
	"github.com/basemirror/basemirror-api/internal/models"
	"github.com/basemirror/basemirror-api/pkg/apperrors"
	"github.com/basemirror/basemirror-api/pkg/logger"
	"github.com/basemirror/basemirror-api/pkg/metrics"
	"go.uber.org/zap"
)

// Source fetches complete table contents from the upstream base.
type Source interface {
	FetchAll(ctx context.Context, tables []string) (map[string][]*models.Record, error)
}

// SlotWriter mutates and reads the record tables of one mirror slot.
type SlotWriter interface {
	Reset(ctx context.Context, slot string) error
	BulkInsert(ctx context.Context, slot string, records []*models.Record) (int, error)
	ApplyMutations(ctx context.Context, slot string, mutations []*models.RecordMutation) error
}

// Metadata tracks the active slot pointer and refresh cycle history.
type Metadata interface {
	CachedActiveSlot() string
	SwapActiveSlot(ctx context.Context) (string, error)
	InsertCycle(ctx context.Context, cycle *models.RefreshCycle) error
	UpdateCycleStatus(ctx context.Context, cycleID, status string) error
	FinishCycle(ctx context.Context, cycle *models.RefreshCycle) error
}

// Archiver stores a snapshot of the freshly rebuilt data set.
type Archiver interface {
	Archive(ctx context.Context, cycleID string, data map[string][]*models.Record) error
}

// Invalidator drops cached read results after the mirror changes.
type Invalidator interface {
	Invalidate()
}

// Engine owns all mutations of the mirror. FullRebuild writes only to the
// standby slot and swaps the pointer on success; IncrementalApply patches the
// active slot in place. Callers must serialize access through the worker;
// the in-flight guard here is a safety net, not a queue.
type Engine struct {
	source      Source
	slots       SlotWriter
	meta        Metadata
	archiver    Archiver
	invalidator Invalidator

	tables     []string
	knownTable map[string]bool

	rebuildInFlight atomic.Bool
}

// NewEngine creates a sync engine for the configured set of mirrored tables.
// Archiver and invalidator are optional.
func NewEngine(source Source, slots SlotWriter, meta Metadata, tables []string) *Engine {
	known := make(map[string]bool, len(tables))
	for _, t := range tables {
		known[t] = true
	}
	return &Engine{
		source:     source,
		slots:      slots,
		meta:       meta,
		tables:     tables,
		knownTable: known,
	}
}

// WithArchiver attaches a snapshot archiver invoked after successful rebuilds
func (e *Engine) WithArchiver(a Archiver) *Engine {
	e.archiver = a
	return e
}

// WithInvalidator attaches a read cache invalidated after every applied cycle
func (e *Engine) WithInvalidator(inv Invalidator) *Engine {
	e.invalidator = inv
	return e
}

// FullRebuild fetches the complete upstream data set, writes it into the
// standby slot and atomically swaps the active pointer. On any failure the
// active slot is left untouched and the cycle is marked failed; there is no
// automatic retry beyond the per-request retry inside the source.
func (e *Engine) FullRebuild(ctx context.Context, cycle *models.RefreshCycle) error {
	if !e.rebuildInFlight.CompareAndSwap(false, true) {
		return apperrors.ErrRebuildInProgress
	}
	defer e.rebuildInFlight.Store(false)

	start := time.Now()
	cycle.Mode = models.CycleModeFull
	cycle.Status = models.CycleStatusPending
	cycle.StartedAt = start

	if err := e.meta.InsertCycle(ctx, cycle); err != nil {
		return fmt.Errorf("failed to record refresh cycle: %w", err)
	}
	if err := e.meta.UpdateCycleStatus(ctx, cycle.ID, models.CycleStatusInProgress); err != nil {
		return fmt.Errorf("failed to start refresh cycle: %w", err)
	}
	cycle.Status = models.CycleStatusInProgress

	err := e.fullRebuild(ctx, cycle)

	duration := metrics.MeasureDuration(start)
	metrics.RefreshCycleDuration.WithLabelValues(models.CycleModeFull).Observe(duration)

	if err != nil {
		metrics.RefreshCycleTotal.WithLabelValues(models.CycleModeFull, "failed").Inc()
		e.finishCycle(ctx, cycle, models.CycleStatusFailed, err)
		logger.Error("Full rebuild failed",
			zap.String("cycle_id", cycle.ID),
			zap.Float64("duration_seconds", duration),
			zap.Error(err))
		return fmt.Errorf("%w: %v", apperrors.ErrRebuildFailed, err)
	}

	metrics.RefreshCycleTotal.WithLabelValues(models.CycleModeFull, "succeeded").Inc()
	e.finishCycle(ctx, cycle, models.CycleStatusSucceeded, nil)
	logger.Info("Full rebuild succeeded",
		zap.String("cycle_id", cycle.ID),
		zap.String("active_slot", e.meta.CachedActiveSlot()),
		zap.Int("record_count", cycle.RecordCount),
		zap.Float64("duration_seconds", duration))
	return nil
}

func (e *Engine) fullRebuild(ctx context.Context, cycle *models.RefreshCycle) error {
	data, err := e.source.FetchAll(ctx, e.tables)
	if err != nil {
		return fmt.Errorf("upstream fetch failed: %w", err)
	}

	standby := metastore.OtherSlot(e.meta.CachedActiveSlot())

	if err := e.slots.Reset(ctx, standby); err != nil {
		return fmt.Errorf("failed to reset standby slot %s: %w", standby, err)
	}

	total := 0
	for table, records := range data {
		inserted, err := e.slots.BulkInsert(ctx, standby, records)
		if err != nil {
			return fmt.Errorf("failed to load table %s into slot %s: %w", table, standby, err)
		}
		total += inserted
		metrics.MirroredRecords.WithLabelValues(table).Set(float64(len(records)))
	}
	cycle.RecordCount = total
	cycle.Applied = total

	newSlot, err := e.meta.SwapActiveSlot(ctx)
	if err != nil {
		return fmt.Errorf("failed to swap active slot: %w", err)
	}
	metrics.SlotSwapTotal.WithLabelValues(newSlot).Inc()

	if e.invalidator != nil {
		e.invalidator.Invalidate()
	}
	if e.archiver != nil {
		// Snapshot failures are logged inside the archiver and never fail
		// the cycle; the swap already happened.
		go func(cycleID string, data map[string][]*models.Record) {
			archiveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := e.archiver.Archive(archiveCtx, cycleID, data); err != nil {
				logger.Warn("Snapshot archive failed",
					zap.String("cycle_id", cycleID), zap.Error(err))
			}
		}(cycle.ID, data)
	}

	return nil
}

// IncrementalApply applies a batch of record mutations to the active slot in
// a single transaction, in arrival order. Mutations against tables outside
// the mirrored set are skipped and counted, never failed.
func (e *Engine) IncrementalApply(ctx context.Context, cycle *models.RefreshCycle, mutations []*models.RecordMutation) error {
	start := time.Now()
	cycle.Mode = models.CycleModeIncremental
	cycle.Status = models.CycleStatusPending
	cycle.StartedAt = start

	if err := e.meta.InsertCycle(ctx, cycle); err != nil {
		return fmt.Errorf("failed to record refresh cycle: %w", err)
	}
	if err := e.meta.UpdateCycleStatus(ctx, cycle.ID, models.CycleStatusInProgress); err != nil {
		return fmt.Errorf("failed to start refresh cycle: %w", err)
	}
	cycle.Status = models.CycleStatusInProgress

	applicable := make([]*models.RecordMutation, 0, len(mutations))
	for _, m := range mutations {
		if !e.knownTable[m.Table] {
			cycle.Skipped++
			metrics.MutationsSkipped.WithLabelValues(m.Table).Inc()
			logger.Warn("Skipping mutation for unknown table",
				zap.String("cycle_id", cycle.ID),
				zap.String("table", m.Table),
				zap.String("record_id", m.RecordID),
				zap.String("op", m.Op))
			continue
		}
		applicable = append(applicable, m)
	}

	err := e.slots.ApplyMutations(ctx, e.meta.CachedActiveSlot(), applicable)

	duration := metrics.MeasureDuration(start)
	metrics.RefreshCycleDuration.WithLabelValues(models.CycleModeIncremental).Observe(duration)

	if err != nil {
		metrics.RefreshCycleTotal.WithLabelValues(models.CycleModeIncremental, "failed").Inc()
		e.finishCycle(ctx, cycle, models.CycleStatusFailed, err)
		logger.Error("Incremental apply failed",
			zap.String("cycle_id", cycle.ID),
			zap.Int("mutations", len(mutations)),
			zap.Error(err))
		return err
	}

	cycle.Applied = len(applicable)
	cycle.RecordCount = len(mutations)

	metrics.RefreshCycleTotal.WithLabelValues(models.CycleModeIncremental, "succeeded").Inc()
	e.finishCycle(ctx, cycle, models.CycleStatusSucceeded, nil)

	if e.invalidator != nil {
		e.invalidator.Invalidate()
	}

	logger.Info("Incremental apply succeeded",
		zap.String("cycle_id", cycle.ID),
		zap.Int("applied", cycle.Applied),
		zap.Int("skipped", cycle.Skipped),
		zap.Float64("duration_seconds", duration))
	return nil
}

// RebuildInProgress reports whether a full rebuild currently holds the guard
func (e *Engine) RebuildInProgress() bool {
	return e.rebuildInFlight.Load()
}

func (e *Engine) finishCycle(ctx context.Context, cycle *models.RefreshCycle, status string, cause error) {
	cycle.Status = status
	if cause != nil {
		cycle.Error = cause.Error()
	}
	if err := e.meta.FinishCycle(ctx, cycle); err != nil {
		logger.Error("Failed to persist refresh cycle result",
			zap.String("cycle_id", cycle.ID),
			zap.String("status", status),
			zap.Error(err))
	}
}
