// Package worker runs queued jobs: transcription, exports, and the optional
// watch-folder ingest. Job progress is written back to the queue envelope so
// the HTTP layer can stream it without touching worker state.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/grabadora/internal/config"
	"github.com/snarg/grabadora/internal/metrics"
	"github.com/snarg/grabadora/internal/queue"
)

// Handler executes one job. Returning an error marks the job failed.
type Handler func(ctx context.Context, job *queue.JobSpec) error

// Stats reports pool counters for the health endpoint.
type Stats struct {
	Workers   int   `json:"workers"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Pool consumes the queue with a fixed set of worker goroutines and
// dispatches to registered handlers by job func name.
type Pool struct {
	cfg      *config.Config
	log      zerolog.Logger
	q        queue.Queue
	handlers map[string]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64
}

func NewPool(cfg *config.Config, q queue.Queue, log zerolog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		log:      log.With().Str("component", "worker").Logger(),
		q:        q,
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register binds a job func name to its handler. Must be called before Start.
func (p *Pool) Register(name string, h Handler) {
	p.handlers[name] = h
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info().Int("workers", p.cfg.Workers).Str("backend", p.q.Backend()).Msg("worker pool started")
}

// Stop cancels in-flight jobs and waits for the workers to exit.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.log.Info().
		Int64("processed", p.processed.Load()).
		Int64("failed", p.failed.Load()).
		Msg("worker pool stopped")
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()

	for {
		job, err := p.q.Dequeue(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("dequeue failed")
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.observeQueueLength()

		start := time.Now()
		if err := p.dispatch(job); err != nil {
			p.failed.Add(1)
			metrics.JobsTotal.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Str("job_id", job.ID).Str("func", job.Func).Msg("job failed")
		} else {
			p.processed.Add(1)
			metrics.JobsTotal.WithLabelValues("completed").Inc()
			log.Info().
				Str("job_id", job.ID).
				Str("func", job.Func).
				Dur("elapsed", time.Since(start)).
				Msg("job done")
		}
		metrics.JobDuration.Observe(time.Since(start).Seconds())
	}
}

// dispatch runs the handler under the job timeout, converting panics into
// job failures so one bad job never takes a worker down.
func (p *Pool) dispatch(job *queue.JobSpec) (err error) {
	h, ok := p.handlers[job.Func]
	if !ok {
		err = fmt.Errorf("unknown job func %q", job.Func)
		p.setFailed(job.ID, err)
		return err
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
			p.log.Error().Str("job_id", job.ID).Bytes("stack", debug.Stack()).Msgf("job panic: %v", r)
			p.setFailed(job.ID, err)
		}
	}()

	return h(ctx, job)
}

func (p *Pool) setFailed(jobID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.q.SetStatus(ctx, jobID, queue.StatusFailed, cause.Error()); err != nil {
		p.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to record job failure")
	}
}

func (p *Pool) observeQueueLength() {
	n, err := p.q.Length(p.ctx)
	if err != nil {
		return
	}
	metrics.QueueLength.WithLabelValues(p.q.Backend()).Set(float64(n))
}
