package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/basemirror/basemirror-api/internal/models"
	"github.com/basemirror/basemirror-api/pkg/apperrors"
	"github.com/basemirror/basemirror-api/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine is the mutation executor driven by the worker.
type Engine interface {
	FullRebuild(ctx context.Context, cycle *models.RefreshCycle) error
	IncrementalApply(ctx context.Context, cycle *models.RefreshCycle, mutations []*models.RecordMutation) error
}

type taskKind int

const (
	taskFullRebuild taskKind = iota + 1
	taskIncremental
)

type task struct {
	kind      taskKind
	cycle     *models.RefreshCycle
	mutations []*models.RecordMutation
	result    *Result
}

// Result tracks the outcome of a queued refresh cycle. Wait blocks until the
// worker finishes the cycle or the context expires.
type Result struct {
	CycleID string
	done    chan struct{}
	err     error
}

func newResult(cycleID string) *Result {
	return &Result{CycleID: cycleID, done: make(chan struct{})}
}

func (r *Result) finish(err error) {
	r.err = err
	close(r.done)
}

// Wait blocks until the cycle completes and returns its error
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return r.err
	}
}

// Worker serializes all mirror mutations onto a single goroutine. Triggers
// arriving while the queue is full or after shutdown are rejected with
// ErrWorkerUnavailable rather than blocking the caller.
type Worker struct {
	engine Engine
	queue  chan *task
	quit   chan struct{}
	wg     sync.WaitGroup

	stopped atomic.Bool

	mu             sync.Mutex
	pendingRebuild *Result
}

// NewWorker creates a worker with the given queue capacity
func NewWorker(engine Engine, queueSize int) *Worker {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Worker{
		engine: engine,
		queue:  make(chan *task, queueSize),
		quit:   make(chan struct{}),
	}
}

// Start launches the worker goroutine
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
	logger.Info("Sync worker started", zap.Int("queue_capacity", cap(w.queue)))
}

// Stop rejects further triggers and waits for the worker goroutine to exit.
// A cycle already being processed runs to completion; queued cycles are
// abandoned, which the failsafe rebuild compensates for on next start.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(w.quit)

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-finished:
		logger.Info("Sync worker stopped")
		return nil
	}
}

// Ready reports whether the worker accepts triggers
func (w *Worker) Ready() bool {
	return !w.stopped.Load()
}

// TriggerFullRebuild queues a full rebuild cycle. While a rebuild is queued
// or running, further triggers coalesce into it and receive the same Result;
// a new cycle can only start after the current one completes.
func (w *Worker) TriggerFullRebuild(ctx context.Context) (*Result, error) {
	if w.stopped.Load() {
		return nil, apperrors.ErrWorkerUnavailable
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingRebuild != nil {
		logger.Debug("Full rebuild trigger coalesced",
			zap.String("cycle_id", w.pendingRebuild.CycleID))
		return w.pendingRebuild, nil
	}

	result := newResult(uuid.NewString())
	t := &task{
		kind:   taskFullRebuild,
		cycle:  &models.RefreshCycle{ID: result.CycleID},
		result: result,
	}

	select {
	case w.queue <- t:
		w.pendingRebuild = result
		return result, nil
	default:
		return nil, fmt.Errorf("%w: queue saturated", apperrors.ErrWorkerUnavailable)
	}
}

// TriggerIncremental queues a batch of mutations. Batches are applied in the
// order they were accepted; they are never coalesced or reordered.
func (w *Worker) TriggerIncremental(ctx context.Context, mutations []*models.RecordMutation) (*Result, error) {
	if w.stopped.Load() {
		return nil, apperrors.ErrWorkerUnavailable
	}

	result := newResult(uuid.NewString())
	t := &task{
		kind:      taskIncremental,
		cycle:     &models.RefreshCycle{ID: result.CycleID},
		mutations: mutations,
		result:    result,
	}

	select {
	case w.queue <- t:
		return result, nil
	default:
		return nil, fmt.Errorf("%w: queue saturated", apperrors.ErrWorkerUnavailable)
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.quit:
			return
		case t := <-w.queue:
			t.result.finish(w.handle(t))
		}
	}
}

func (w *Worker) handle(t *task) error {
	// Cycles run detached from the triggering request context; a webhook
	// caller disconnecting must not abort a half-applied cycle.
	ctx := context.Background()

	switch t.kind {
	case taskFullRebuild:
		// pendingRebuild stays set until the cycle finishes, so triggers
		// arriving mid-rebuild coalesce into this cycle's Result instead
		// of queueing a back-to-back rebuild.
		err := w.engine.FullRebuild(ctx, t.cycle)
		w.mu.Lock()
		if w.pendingRebuild != nil && w.pendingRebuild.CycleID == t.cycle.ID {
			w.pendingRebuild = nil
		}
		w.mu.Unlock()
		return err
	case taskIncremental:
		return w.engine.IncrementalApply(ctx, t.cycle, t.mutations)
	default:
		err := fmt.Errorf("unknown worker task kind %d", t.kind)
		logger.Error("Dropping unknown worker task",
			zap.String("cycle_id", t.cycle.ID), zap.Error(err))
		return err
	}
}
