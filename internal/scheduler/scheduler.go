package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"lead-nurture-go/internal/config"
	"lead-nurture-go/internal/orchestrator"
)

// Runner executes one lifecycle run for the given day
type Runner interface {
	Run(ctx context.Context, today time.Time) (orchestrator.Report, error)
}

// Scheduler triggers the lifecycle run on a cron schedule
type Scheduler struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	config    *config.SchedulerConfig
	runner    Runner
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex

	// reportMu guards lastReport and lastErr
	reportMu   sync.Mutex
	lastReport *orchestrator.Report
	lastErr    error
	now        func() time.Time
}

// NewScheduler creates a new scheduler evaluating cron expressions in loc
func NewScheduler(cfg *config.SchedulerConfig, runner Runner, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		config: cfg,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	if s.entryID == 0 {
		entryID, err := s.cron.AddFunc(s.config.Cron, s.runScheduled)
		if err != nil {
			return fmt.Errorf("failed to add cron job: %w", err)
		}
		s.entryID = entryID
	}

	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}

	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started with schedule: %s", s.config.Cron)
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	// Cancel context to stop any running operations
	s.cancel()

	ctx := s.cron.Stop()

	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}

	s.isRunning = false
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) runScheduled() {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.RLock()
	if !s.isRunning {
		s.mu.RUnlock()
		logrus.Info("Scheduler not running, skipping lifecycle run")
		return
	}
	ctx := s.ctx
	s.mu.RUnlock()

	if _, err := s.run(orchestrator.WithTrigger(ctx, orchestrator.TriggerScheduled)); err != nil {
		logrus.Errorf("Scheduled lifecycle run failed: %v", err)
	}
}

// RunOnce runs the lifecycle once (for manual triggering)
func (s *Scheduler) RunOnce(ctx context.Context) (orchestrator.Report, error) {
	logrus.Info("Running lifecycle once")
	s.wg.Add(1)
	defer s.wg.Done()
	return s.run(orchestrator.WithTrigger(ctx, orchestrator.TriggerManual))
}

func (s *Scheduler) run(ctx context.Context) (orchestrator.Report, error) {
	report, err := s.runner.Run(ctx, s.now())

	s.reportMu.Lock()
	s.lastReport = &report
	s.lastErr = err
	s.reportMu.Unlock()
	return report, err
}

// LastReport returns the outcome of the most recent run, if any
func (s *Scheduler) LastReport() (*orchestrator.Report, error) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	return s.lastReport, s.lastErr
}

// GetNextRun returns the time of the next scheduled run
func (s *Scheduler) GetNextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// GetLastRun returns the time of the last scheduled run
func (s *Scheduler) GetLastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Prev
}

// Wait waits for in-flight runs to finish
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
