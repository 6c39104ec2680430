package worker

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/usda-monitor/internal/registry"
)

// Job is an auxiliary periodic task run alongside the report pollers
// (market-data refreshes and the like).
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// RunnerFactory builds a runner for one report config. The scheduler
// calls it per dispatch so every run sees the current registry snapshot.
type RunnerFactory func(cfg registry.ReportConfig) *Runner

type schedulingState struct {
	nextDue    time.Time
	errorCount int
}

type runResult struct {
	reportID string
	success  bool
}

// Scheduler owns the tick loop. All SchedulingState lives on the loop
// goroutine: dispatch decisions and completion results are applied
// there, so there is a single writer and no locking.
type Scheduler struct {
	registry  *registry.Registry
	newRunner RunnerFactory
	tick      time.Duration
	loc       *time.Location
	jobs      []Job

	state   map[string]*schedulingState
	results chan runResult
	sem     chan struct{}

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	now     func() time.Time
}

// NewScheduler builds the scheduler. maxConcurrency bounds how many
// report runs may be in flight at once.
func NewScheduler(reg *registry.Registry, newRunner RunnerFactory, tick time.Duration, maxConcurrency int, loc *time.Location, jobs []Job) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Scheduler{
		registry:  reg,
		newRunner: newRunner,
		tick:      tick,
		loc:       loc,
		jobs:      jobs,
		state:     make(map[string]*schedulingState),
		results:   make(chan runResult),
		sem:       make(chan struct{}, maxConcurrency),
		now:       time.Now,
	}
}

// Start launches the tick loop and the auxiliary jobs.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runJob(ctx, job)
	}
	s.running.Store(true)
	log.Printf("[Scheduler] Started: tick %s, %d slots, %d aux jobs", s.tick, cap(s.sem), len(s.jobs))
}

// Stop stops dispatching and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
	log.Printf("[Scheduler] Stopped")
}

// Running reports whether the tick loop is live.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case res := <-s.results:
			s.applyResult(res)
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

// dispatchDue walks the registry in order and dispatches every due
// report. next_due is advanced before dispatch, so a long run cannot be
// dispatched again on the next tick.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.now().In(s.loc)
	for _, cfg := range s.registry.Current().Reports {
		st, ok := s.state[cfg.ReportID]
		if !ok {
			st = &schedulingState{nextDue: now}
			s.state[cfg.ReportID] = st
		}
		if now.Before(st.nextDue) {
			continue
		}
		st.nextDue = s.nextDue(cfg, now, st.errorCount)

		s.wg.Add(1)
		go s.runReport(ctx, cfg)
	}
}

// nextDue computes the next dispatch instant: inside/outside cadence by
// window, raised to the capped exponential backoff while the report is
// failing, plus uniform jitter.
func (s *Scheduler) nextDue(cfg registry.ReportConfig, now time.Time, errorCount int) time.Time {
	base := cfg.Polling.OutsideCadenceSec
	if cfg.InWindow(now) {
		base = cfg.Polling.InsideCadenceSec
	}
	if errorCount > 0 {
		exp := cfg.Polling.ErrorBackoffBaseSec
		for i := 1; i < errorCount; i++ {
			exp *= 2
			if exp > cfg.Polling.ErrorBackoffMaxSec {
				break
			}
		}
		if exp > base {
			base = exp
		}
		if base > cfg.Polling.ErrorBackoffMaxSec {
			base = cfg.Polling.ErrorBackoffMaxSec
		}
	}
	jitter := 0
	if cfg.Polling.JitterSec > 0 {
		jitter = rand.Intn(cfg.Polling.JitterSec + 1)
	}
	return now.Add(time.Duration(base+jitter) * time.Second)
}

func (s *Scheduler) runReport(ctx context.Context, cfg registry.ReportConfig) {
	defer s.wg.Done()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	success := s.newRunner(cfg).Run(ctx)
	select {
	case s.results <- runResult{reportID: cfg.ReportID, success: success}:
	case <-ctx.Done():
	}
}

func (s *Scheduler) applyResult(res runResult) {
	st, ok := s.state[res.reportID]
	if !ok {
		return
	}
	if res.success {
		st.errorCount = 0
		return
	}
	st.errorCount++
	log.Printf("[Scheduler] %s failed, error count %d", res.reportID, st.errorCount)
}

// RunNow executes one report immediately, outside the tick cadence.
// An optional forced date pins the fetch to that calendar date.
func (s *Scheduler) RunNow(ctx context.Context, reportID string, forced *time.Time) (bool, error) {
	cfg, ok := s.registry.Current().Get(reportID)
	if !ok {
		return false, fmt.Errorf("unknown report %s", reportID)
	}
	runner := s.newRunner(cfg)
	if forced != nil {
		runner.ForceReportDate(*forced)
	}
	return runner.Run(ctx), nil
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil {
				log.Printf("[Scheduler] Job %s failed: %v", job.Name(), err)
			}
		}
	}
}
