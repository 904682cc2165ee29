package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"price-alert-engine/internal/metrics"
)

// Job is one unit of work, typically the evaluation of a single rule.
type Job struct {
	Key string
	Run func(ctx context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Workers int
	Logger  zerolog.Logger
}

// Pool runs batches of jobs over a fixed number of workers.
// A failing or panicking job never affects the others.
type Pool struct {
	workers int
	logger  zerolog.Logger

	processed atomic.Uint64
	failed    atomic.Uint64
}

// Stats holds worker pool counters
type Stats struct {
	Processed uint64
	Failed    uint64
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Pool{
		workers: cfg.Workers,
		logger:  cfg.Logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Workers returns the configured concurrency.
func (p *Pool) Workers() int { return p.workers }

// Run executes jobs and blocks until every started job has returned. Jobs not yet
// started when ctx is cancelled are skipped and reported as failed with ctx.Err().
// The returned slice holds one error per job, in input order.
func (p *Pool) Run(ctx context.Context, jobs []Job) []error {
	errs := make([]error, len(jobs))
	if len(jobs) == 0 {
		return errs
	}

	queue := make(chan int, len(jobs))
	for i := range jobs {
		queue <- i
	}
	close(queue)
	metrics.WorkerQueueSize.Set(float64(len(jobs)))

	workers := p.workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for idx := range queue {
				metrics.WorkerQueueSize.Dec()
				if err := ctx.Err(); err != nil {
					errs[idx] = err
					p.failed.Add(1)
					continue
				}
				errs[idx] = p.runJob(ctx, id, jobs[idx])
				if errs[idx] != nil {
					p.failed.Add(1)
				} else {
					p.processed.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	return errs
}

func (p *Pool) runJob(ctx context.Context, workerID int, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Int("worker_id", workerID).
				Str("job", job.Key).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			err = fmt.Errorf("job %s panicked: %v", job.Key, r)
		}
	}()
	return job.Run(ctx)
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}
