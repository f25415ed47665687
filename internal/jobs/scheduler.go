package jobs

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/config"
	"github.com/oddside/backend/internal/engagement"
	"github.com/oddside/backend/internal/store"
)

// Handler executes one claimed job and returns a result summary.
type Handler func(ctx context.Context, job store.Doc) (string, error)

type loop struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
}

// Scheduler owns the periodic loops: near-threshold enqueue scans, the
// priority dispatcher, weekly digests, and any registered proactive
// scans. Loops start with a few minutes of jitter so a fleet of
// instances does not tick in lockstep.
type Scheduler struct {
	queue    *Queue
	store    store.Store
	clock    clock.Clock
	cfg      config.SchedulerConfig
	detector *engagement.Detector

	mu       sync.Mutex
	handlers map[string]Handler
	loops    []loop

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *log.Logger
}

func NewScheduler(q *Queue, st store.Store, ck clock.Clock, cfg config.SchedulerConfig, detector *engagement.Detector) *Scheduler {
	return &Scheduler{
		queue:    q,
		store:    st,
		clock:    ck,
		cfg:      cfg,
		detector: detector,
		handlers: map[string]Handler{},
		stopCh:   make(chan struct{}),
		logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
}

// RegisterHandler binds a job type to its dispatch handler.
func (s *Scheduler) RegisterHandler(jobType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = h
}

// RegisterLoop adds an independent proactive scan loop, e.g. the game
// suggestion or stale poll scans.
func (s *Scheduler) RegisterLoop(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loops = append(s.loops, loop{name: name, interval: interval, fn: fn})
}

// Start launches every loop. Call Stop to drain them; an in-flight
// iteration completes before the worker exits.
func (s *Scheduler) Start(ctx context.Context) {
	s.startLoop(ctx, loop{"enqueue", time.Duration(s.cfg.EnqueueIntervalHours) * time.Hour, s.enqueueScan})
	s.startLoop(ctx, loop{"dispatch", time.Duration(s.cfg.DispatchIntervalMinutes) * time.Minute, s.dispatchTick})
	s.startLoop(ctx, loop{"digest", time.Duration(s.cfg.DigestIntervalDays) * 24 * time.Hour, s.digestScan})

	s.mu.Lock()
	extra := append([]loop(nil), s.loops...)
	s.mu.Unlock()
	for _, l := range extra {
		s.startLoop(ctx, l)
	}
	s.logger.Printf("✅ Scheduler started (%d loops)", 3+len(extra))
}

// Stop signals every loop and waits for in-flight iterations.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Printf("🛑 Scheduler stopped")
}

func (s *Scheduler) startLoop(ctx context.Context, l loop) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		jitter := s.startupJitter()
		timer := time.NewTimer(jitter)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			s.safeRun(ctx, l)
			select {
			case <-ticker.C:
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// safeRun keeps a panicking iteration from taking the worker down; the
// loop logs and waits for its next tick.
func (s *Scheduler) safeRun(ctx context.Context, l loop) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("❌ Loop %s panicked: %v", l.name, r)
		}
	}()
	l.fn(ctx)
}

func (s *Scheduler) startupJitter() time.Duration {
	lo, hi := s.cfg.StartupJitterMinMinutes, s.cfg.StartupJitterMaxMinutes
	if hi <= lo {
		return time.Duration(lo) * time.Minute
	}
	return time.Duration(lo)*time.Minute + time.Duration(rand.Intn((hi-lo)*60))*time.Second
}

// enqueueScan upserts group and user inactivity checks for candidates
// inside the near-threshold windows.
func (s *Scheduler) enqueueScan(ctx context.Context) {
	now := s.clock.Now()

	groups, err := s.detector.FindInactiveGroups(ctx, s.cfg.InactiveGroupThresholdDays)
	if err != nil {
		s.logger.Printf("❌ Inactive group scan failed: %v", err)
	}
	for _, f := range groups {
		prio := PriorityFor(f.DaysIdle, s.cfg.InactiveGroupThresholdDays)
		if _, err := s.queue.Enqueue(ctx, TypeGroupCheck, f.GroupID, "", prio, now); err != nil {
			s.logger.Printf("❌ Enqueue group_check %s failed: %v", f.GroupID, err)
		}
	}

	users, err := s.detector.FindInactiveUsers(ctx, s.cfg.InactiveUserThresholdDays)
	if err != nil {
		s.logger.Printf("❌ Inactive user scan failed: %v", err)
	}
	for _, f := range users {
		prio := PriorityFor(f.DaysIdle, s.cfg.InactiveUserThresholdDays)
		if _, err := s.queue.Enqueue(ctx, TypeUserCheck, "", f.UserID, prio, now); err != nil {
			s.logger.Printf("❌ Enqueue user_check %s failed: %v", f.UserID, err)
		}
	}
	if len(groups)+len(users) > 0 {
		s.logger.Printf("📤 Enqueued %d group and %d user checks", len(groups), len(users))
	}
}

// dispatchTick claims a batch and runs each job through its handler.
func (s *Scheduler) dispatchTick(ctx context.Context) {
	batch := s.cfg.DispatchBatchSize
	if batch <= 0 {
		batch = 20
	}
	jobs, err := s.queue.Claim(ctx, batch)
	if err != nil {
		s.logger.Printf("❌ Claim failed: %v", err)
		return
	}
	for _, job := range jobs {
		s.runJob(ctx, job)
	}
	if _, err := s.queue.PendingDepth(ctx); err != nil {
		s.logger.Printf("⚠️  Depth check failed: %v", err)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job store.Doc) {
	jobType := strField(job, "job_type")
	jobID := strField(job, "job_id")

	s.mu.Lock()
	h, ok := s.handlers[jobType]
	s.mu.Unlock()
	if !ok {
		_ = s.queue.Fail(ctx, job, fmt.Sprintf("no handler for %s", jobType))
		jobsFinished.WithLabelValues(jobType, "failed").Inc()
		return
	}

	result, err := h(ctx, job)
	if err != nil {
		if ferr := s.queue.Fail(ctx, job, err.Error()); ferr != nil {
			s.logger.Printf("❌ Failing job %s also failed: %v", jobID, ferr)
		}
		jobsFinished.WithLabelValues(jobType, "failed").Inc()
		return
	}
	if cerr := s.queue.Complete(ctx, jobID, result); cerr != nil {
		s.logger.Printf("❌ Completing job %s failed: %v", jobID, cerr)
		return
	}
	jobsFinished.WithLabelValues(jobType, "completed").Inc()
}

// digestScan enqueues one weekly digest job per group that has played
// at least once.
func (s *Scheduler) digestScan(ctx context.Context) {
	now := s.clock.Now()
	groups, err := s.store.Find(ctx, store.ColGroups, store.Filter{
		"last_game_at": store.Doc{"$exists": true},
	}, store.FindOptions{Limit: 500})
	if err != nil {
		s.logger.Printf("❌ Digest scan failed: %v", err)
		return
	}
	for _, g := range groups {
		gid := strField(g, "group_id")
		if gid == "" {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, TypeDigest, gid, "", 1, now); err != nil {
			s.logger.Printf("❌ Enqueue digest %s failed: %v", gid, err)
		}
	}
}
