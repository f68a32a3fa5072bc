package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// memoryQueueSize bounds the pending backlog of the in-process queue.
const memoryQueueSize = 1024

// MemoryQueue is the brokerless fallback. Envelopes live in a map for the
// process lifetime; the pending backlog is a buffered channel.
type MemoryQueue struct {
	pending chan *JobSpec
	log     zerolog.Logger

	mu   sync.RWMutex
	jobs map[string]map[string]string
}

func NewMemoryQueue(log zerolog.Logger) *MemoryQueue {
	return &MemoryQueue{
		pending: make(chan *JobSpec, memoryQueueSize),
		jobs:    make(map[string]map[string]string),
		log:     log.With().Str("component", "memory-queue").Logger(),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *JobSpec) error {
	if err := validateSpec(job); err != nil {
		return err
	}

	now := nowStamp()
	q.mu.Lock()
	q.jobs[job.ID] = map[string]string{
		MetaStatus:    StatusQueued,
		MetaProgress:  "0",
		MetaQueuedAt:  now,
		MetaUpdatedAt: now,
	}
	q.mu.Unlock()

	select {
	case q.pending <- job:
		return nil
	default:
		q.mu.Lock()
		delete(q.jobs, job.ID)
		q.mu.Unlock()
		return fmt.Errorf("queue full (%d pending)", memoryQueueSize)
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*JobSpec, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case job := <-q.pending:
		return job, nil
	}
}

func (q *MemoryQueue) Fetch(ctx context.Context, id string) (*JobState, error) {
	q.mu.RLock()
	meta, ok := q.jobs[id]
	if !ok {
		q.mu.RUnlock()
		return nil, ErrJobNotFound
	}
	// Copy so callers never see concurrent writes.
	snapshot := make(map[string]string, len(meta))
	for k, v := range meta {
		snapshot[k] = v
	}
	q.mu.RUnlock()
	return &JobState{ID: id, Meta: snapshot}, nil
}

func (q *MemoryQueue) SetMeta(ctx context.Context, id string, fields map[string]string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	meta, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	for k, v := range fields {
		meta[k] = v
	}
	if _, ok := fields[MetaUpdatedAt]; !ok {
		meta[MetaUpdatedAt] = nowStamp()
	}
	return nil
}

func (q *MemoryQueue) SetStatus(ctx context.Context, id, status, errMsg string) error {
	return q.SetMeta(ctx, id, statusFields(status, errMsg))
}

func (q *MemoryQueue) Length(ctx context.Context) (int, error) {
	return len(q.pending), nil
}

func (q *MemoryQueue) Backend() string { return "memory" }

func (q *MemoryQueue) Close() error { return nil }
