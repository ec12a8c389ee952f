// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Scheduler

// Package scheduler implements the cooperative job queue of spec.md
// §4.S: one-shot jobs run in a bounded worker pool, cron jobs tick on
// their own interval, and jobs touching the same event_id are
// serialized while different events proceed in parallel (callers take
// EventLock). Each cron job runs in a single goroutine that waits on its
// own time.Ticker and runs the job inline; there is no separate
// processing goroutine.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

// EventID identifies an event contract by its on-chain address, as a
// string so it can key a map without needing common.Address to be
// comparable-by-value everywhere (it already is, but the scheduler
// package has no reason to import go-ethereum/common just for this).
type EventID = string

// Job is a fire-once unit of work.
type Job func(ctx context.Context) error

// CronJob is a job that should run on a fixed interval until the
// scheduler is stopped.
type CronJob struct {
	Name     string
	Interval time.Duration
	Run      Job
}

// Scheduler is the process-wide job runner. One Scheduler is created at
// startup and threaded through every component constructor (see the
// design note in spec.md §9 against global singletons).
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	group   *errgroup.Group
	groupCtx context.Context

	crons []*CronJob
	wg    sync.WaitGroup

	locksMu sync.Mutex
	locks   map[EventID]*sync.Mutex
}

// New creates a Scheduler bounded to maxConcurrentJobs in-flight
// one-shot jobs at a time (errgroup.SetLimit), mirroring the teacher's
// bounded worker usage elsewhere in the go-equa family of binaries.
func New(ctx context.Context, maxConcurrentJobs int) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentJobs)

	return &Scheduler{
		ctx:      ctx,
		cancel:   cancel,
		group:    g,
		groupCtx: gctx,
		locks:    make(map[EventID]*sync.Mutex),
	}
}

// AddJob enqueues a fire-once job. It may run concurrently with other
// jobs already in flight, up to the scheduler's concurrency limit.
// Errors are logged, not propagated — spec.md §7: "no error causes the
// node to refuse further work for other events."
func (s *Scheduler) AddJob(name string, job Job) {
	s.group.Go(func() error {
		if err := job(s.groupCtx); err != nil {
			log.Error("scheduled job failed", "job", name, "error", err)
		}
		return nil
	})
}

// AddCron registers a job to run every interval until Stop is called.
// The first tick fires after one interval has elapsed, matching
// time.Ticker semantics.
func (s *Scheduler) AddCron(cron CronJob) {
	s.crons = append(s.crons, &cron)
	s.wg.Add(1)
	go s.runCron(&cron)
}

func (s *Scheduler) runCron(cron *CronJob) {
	defer s.wg.Done()

	ticker := time.NewTicker(cron.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := cron.Run(s.ctx); err != nil {
				log.Error("cron job failed", "job", cron.Name, "error", err)
			}
		}
	}
}

// EventLock returns the mutex serializing jobs for a single event_id,
// creating it on first use. Different event ids never block each
// other (spec.md §5).
func (s *Scheduler) EventLock(eventID EventID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[eventID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[eventID] = l
	}
	return l
}

// Stop cancels all cron loops and waits for in-flight one-shot jobs to
// drain. Scheduled jobs have no cancellation of their own (spec.md §5);
// idempotence on restart is what makes this safe.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	_ = s.group.Wait()
}
