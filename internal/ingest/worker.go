package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
)

// WorkerPool runs Engine.Process for queued job IDs with bounded
// concurrency, mirroring the donor gateway's "independent task per unit
// of work, no shared request-scoped state" shape applied to ingestion
// jobs instead of HTTP requests.
type WorkerPool struct {
	engine *Engine
	sem    *semaphore.Weighted
	log    *slog.Logger
	jobs   chan int
	done   chan struct{}
}

// NewWorkerPool builds a pool bounded to concurrency simultaneous jobs.
func NewWorkerPool(engine *Engine, concurrency int, log *slog.Logger) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &WorkerPool{
		engine: engine,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		log:    log,
		jobs:   make(chan int, 256),
		done:   make(chan struct{}),
	}
}

// Enqueue schedules jobID for processing. Non-blocking up to the channel
// buffer; callers past that block briefly, applying natural backpressure
// to the job-creation path.
func (p *WorkerPool) Enqueue(jobID int) {
	p.jobs <- jobID
}

// Run drains the queue until ctx is cancelled, dispatching each job to
// its own goroutine once the semaphore admits it.
func (p *WorkerPool) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-p.jobs:
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return
			}
			go func(id int) {
				defer p.sem.Release(1)
				if err := p.engine.Process(ctx, id); err != nil {
					p.log.ErrorContext(ctx, "ingestion_job_failed", slog.Int("job_id", id), slog.String("error", err.Error()))
				}
			}(jobID)
		}
	}
}

// Wait blocks until Run has returned (ctx cancelled).
func (p *WorkerPool) Wait() { <-p.done }

// StaleSweeper periodically requeues jobs stuck in StatusProcessing past
// a staleness deadline, back onto a WorkerPool.
type StaleSweeper struct {
	engine     *Engine
	pool       *WorkerPool
	staleAfter time.Duration
	log        *slog.Logger
	cron       *cron.Cron
}

// NewStaleSweeper builds a sweeper that, on every tick of schedule (a
// standard five-field cron expression), requeues jobs idle in
// StatusProcessing for longer than staleAfter.
func NewStaleSweeper(engine *Engine, pool *WorkerPool, staleAfter time.Duration, schedule string, log *slog.Logger) (*StaleSweeper, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &StaleSweeper{engine: engine, pool: pool, staleAfter: staleAfter, log: log, cron: cron.New()}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the cron schedule. Stop must be called to release it.
func (s *StaleSweeper) Start() { s.cron.Start() }

// Stop halts the cron schedule, waiting for any in-flight sweep.
func (s *StaleSweeper) Stop() { <-s.cron.Stop().Done() }

func (s *StaleSweeper) sweep() {
	ctx := context.Background()
	ids, err := s.engine.RequeueStuck(ctx, s.staleAfter)
	if err != nil {
		s.log.Error("stale_job_sweep_failed", slog.String("error", err.Error()))
		return
	}
	for _, id := range ids {
		s.pool.Enqueue(id)
	}
	if len(ids) > 0 {
		s.log.Info("stale_jobs_requeued", slog.Int("count", len(ids)))
	}
}
