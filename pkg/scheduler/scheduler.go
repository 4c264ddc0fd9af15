package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"consensus_health/pkg/config"
	"consensus_health/pkg/report"
)

// RunStatus represents the current state of the scheduled refresh
type RunStatus string

const (
	RunStatusIdle     RunStatus = "idle"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunFunc executes one diagnostic round and returns its report.
type RunFunc func(context.Context) (*report.DiagnosticsReport, error)

// ReportSink receives each completed report (the rendering layer).
type ReportSink func(*report.DiagnosticsReport)

// Scheduler triggers engine refresh runs on a cron schedule, retrying failed
// runs, and keeps the most recent report for consumers.
type Scheduler struct {
	cron    *cron.Cron
	run     RunFunc
	sink    ReportSink
	config  *config.SchedConfig
	logger  *zap.Logger
	metrics *Metrics

	status     RunStatus
	lastReport *report.DiagnosticsReport
	lastError  error
	entryID    cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// Metrics tracks scheduler performance
type Metrics struct {
	RunsTriggered  int64
	RunsCompleted  int64
	RunsFailed     int64
	AverageLatency time.Duration
	LastUpdate     time.Time
	mu             sync.RWMutex
}

// NewScheduler creates a refresh scheduler around the given run function.
// sink may be nil when no consumer wants push delivery.
func NewScheduler(run RunFunc, sink ReportSink, cfg *config.SchedConfig, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		run:     run,
		sink:    sink,
		config:  cfg,
		logger:  logger,
		metrics: &Metrics{},
		status:  RunStatusIdle,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start registers the refresh job and begins the cron scheduler.
func (s *Scheduler) Start() error {
	entryID, err := s.cron.AddFunc(s.config.RefreshSpec, func() {
		s.executeRun(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling refresh: %w", err)
	}

	s.mu.Lock()
	s.entryID = entryID
	s.mu.Unlock()

	s.cron.Start()

	s.logger.Info("Refresh scheduler started",
		zap.String("schedule", s.config.RefreshSpec),
		zap.Time("nextRun", s.cron.Entry(entryID).Next))

	return nil
}

// Stop gracefully shuts down the scheduler, waiting for a running refresh.
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping refresh scheduler")

	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()

	return nil
}

// RunNow triggers an immediate refresh outside the cron schedule.
func (s *Scheduler) RunNow(ctx context.Context) (*report.DiagnosticsReport, error) {
	s.executeRun(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport, s.lastError
}

// LastReport returns the most recent completed report, or nil.
func (s *Scheduler) LastReport() *report.DiagnosticsReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport
}

// Status returns the current run status.
func (s *Scheduler) Status() RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Private methods

func (s *Scheduler) executeRun(ctx context.Context) {
	s.mu.Lock()
	if s.status == RunStatusRunning {
		s.mu.Unlock()
		s.logger.Warn("Refresh already running, skipping trigger")
		return
	}
	s.status = RunStatusRunning
	s.mu.Unlock()

	s.metrics.mu.Lock()
	s.metrics.RunsTriggered++
	s.metrics.mu.Unlock()

	start := time.Now()
	diagnostics, err := s.runWithRetries(ctx)

	s.mu.Lock()
	if err != nil {
		s.status = RunStatusFailed
		s.lastError = err
	} else {
		s.status = RunStatusComplete
		s.lastReport = diagnostics
		s.lastError = nil
	}
	s.mu.Unlock()

	s.metrics.mu.Lock()
	if err != nil {
		s.metrics.RunsFailed++
	} else {
		s.metrics.RunsCompleted++
	}
	s.metrics.AverageLatency = (s.metrics.AverageLatency*9 + time.Since(start)) / 10
	s.metrics.LastUpdate = time.Now()
	s.metrics.mu.Unlock()

	if err != nil {
		s.logger.Error("Refresh run failed",
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}

	s.logger.Info("Refresh run completed",
		zap.Duration("duration", time.Since(start)),
		zap.Int("nodes", len(diagnostics.Nodes)))

	if s.sink != nil {
		s.sink(diagnostics)
	}
}

func (s *Scheduler) runWithRetries(ctx context.Context) (*report.DiagnosticsReport, error) {
	var lastErr error

	for attempt := 0; attempt <= s.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.config.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		diagnostics, err := s.run(ctx)
		if err != nil {
			lastErr = err
			s.logger.Warn("Refresh attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		return diagnostics, nil
	}

	return nil, fmt.Errorf("refresh failed after %d retries: %w", s.config.RetryAttempts, lastErr)
}

// GetStats returns current scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()

	return Stats{
		RunsTriggered:  s.metrics.RunsTriggered,
		RunsCompleted:  s.metrics.RunsCompleted,
		RunsFailed:     s.metrics.RunsFailed,
		AverageLatency: s.metrics.AverageLatency,
		LastUpdate:     s.metrics.LastUpdate,
	}
}

// Stats represents scheduler statistics
type Stats struct {
	RunsTriggered  int64
	RunsCompleted  int64
	RunsFailed     int64
	AverageLatency time.Duration
	LastUpdate     time.Time
}
