package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/basemirror/basemirror-api/config"
	"github.com/basemirror/basemirror-api/internal/worker"
	"github.com/basemirror/basemirror-api/pkg/logger"
	"go.uber.org/zap"
)

// Trigger queues full rebuilds. Triggers made while one is already queued
// coalesce inside the worker, so a slow rebuild never stacks up cycles.
type Trigger interface {
	TriggerFullRebuild(ctx context.Context) (*worker.Result, error)
}

// Scheduler drives time-based full rebuilds. In periodic mode it rebuilds on
// every interval; in webhook mode it only runs the failsafe rebuild that
// compensates for lost notifications; in manual mode it does nothing.
type Scheduler struct {
	trigger  Trigger
	mode     string
	interval time.Duration

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewScheduler picks the rebuild cadence for the configured sync mode
func NewScheduler(trigger Trigger, mode string, periodicInterval, failsafeInterval time.Duration) *Scheduler {
	interval := time.Duration(0)
	switch mode {
	case config.SyncModePeriodic:
		interval = periodicInterval
	case config.SyncModeWebhook:
		interval = failsafeInterval
	case config.SyncModeManual:
		// No timer; rebuilds happen only through the internal refresh endpoint
	}
	return &Scheduler{
		trigger:  trigger,
		mode:     mode,
		interval: interval,
		quit:     make(chan struct{}),
	}
}

// Start launches the rebuild timer loop. A no-op in manual mode.
func (s *Scheduler) Start() {
	if s.interval <= 0 {
		logger.Info("Scheduler idle", zap.String("sync_mode", s.mode))
		return
	}

	s.wg.Add(1)
	go s.run()
	logger.Info("Scheduler started",
		zap.String("sync_mode", s.mode),
		zap.Duration("interval", s.interval))
}

// Stop halts the timer loop and waits for it to exit
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.fire()
		}
	}
}

func (s *Scheduler) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := s.trigger.TriggerFullRebuild(ctx)
	if err != nil {
		logger.Warn("Scheduled rebuild trigger rejected",
			zap.String("sync_mode", s.mode), zap.Error(err))
		return
	}
	logger.Debug("Scheduled rebuild queued",
		zap.String("sync_mode", s.mode),
		zap.String("cycle_id", result.CycleID))
}
