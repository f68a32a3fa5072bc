// Package queue provides the job queue behind the transcription pipeline.
// Two backends implement the same contract: a Redis-backed queue whose job
// envelopes survive the process, and an in-process fallback that keeps a dev
// box working without a broker. Progress is shared between workers and the
// HTTP layer exclusively through envelope meta, so subscribers never touch
// worker internals.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/grabadora/internal/config"
)

// Job statuses stored in envelope meta.
const (
	StatusQueued       = "queued"
	StatusTranscribing = "transcribing"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

// Envelope meta keys. Values are strings; structured values are JSON.
const (
	MetaStatus          = "status"
	MetaProgress        = "progress"
	MetaSegment         = "segment"
	MetaLastToken       = "last_token"
	MetaTranscriptSoFar = "transcript_so_far"
	MetaSegmentsPartial = "segments_partial"
	MetaSegments        = "segments"
	MetaTranscriptKey   = "transcript_key"
	MetaLanguage        = "language"
	MetaDuration        = "duration"
	MetaQualityProfile  = "quality_profile"
	MetaUserID          = "user_id"
	MetaTranscriptID    = "transcript_id"
	MetaErrorMessage    = "error_message"
	MetaExportKey       = "export_key"
	MetaDestination     = "destination"
	MetaNote            = "note"
	MetaQueuedAt        = "queued_at"
	MetaUpdatedAt       = "updated_at"
)

// ErrJobNotFound is returned by Fetch for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// JobSpec describes a job to run: which registered function, with which
// string arguments.
type JobSpec struct {
	ID   string
	Func string
	Args map[string]string
}

// JobState is a point-in-time snapshot of an envelope.
type JobState struct {
	ID   string
	Meta map[string]string
}

// Status returns the envelope status, defaulting to queued.
func (s *JobState) Status() string {
	if v := s.Meta[MetaStatus]; v != "" {
		return v
	}
	return StatusQueued
}

// Progress returns the integer progress, 0 when absent or malformed.
func (s *JobState) Progress() int {
	n, err := strconv.Atoi(s.Meta[MetaProgress])
	if err != nil {
		return 0
	}
	return n
}

// Terminal reports whether the job will never change again.
func (s *JobState) Terminal() bool {
	st := s.Status()
	return st == StatusCompleted || st == StatusFailed
}

// Queue is the contract both backends satisfy. Dequeue blocks until a job is
// available or ctx is done.
type Queue interface {
	Enqueue(ctx context.Context, job *JobSpec) error
	Dequeue(ctx context.Context) (*JobSpec, error)
	Fetch(ctx context.Context, id string) (*JobState, error)
	SetMeta(ctx context.Context, id string, fields map[string]string) error
	SetStatus(ctx context.Context, id, status, errMsg string) error
	Length(ctx context.Context) (int, error)
	Backend() string
	Close() error
}

// New selects a queue backend per config. Backend "auto" pings Redis with a
// short timeout and falls back to the in-process queue for the process
// lifetime when the broker is unreachable. Backend "redis" starts even when
// the broker is down; enqueues fail until it comes back.
func New(cfg *config.Config, log zerolog.Logger) (Queue, error) {
	switch cfg.QueueBackend {
	case "memory":
		return NewMemoryQueue(log), nil
	case "redis":
		rq, err := NewRedisQueue(cfg, log)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rq.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unreachable at startup, continuing in broker mode")
		} else {
			log.Info().Str("queue", cfg.QueueName).Msg("redis queue connected")
		}
		return rq, nil
	}

	// auto
	rq, err := NewRedisQueue(cfg, log)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = rq.Ping(ctx)
		cancel()
		if err == nil {
			log.Info().Str("queue", cfg.QueueName).Msg("redis queue connected")
			return rq, nil
		}
		rq.Close()
	}
	log.Warn().Err(err).Msg("redis unreachable, using in-process queue for this run")
	return NewMemoryQueue(log), nil
}

// nowStamp is the timestamp format stored in envelope meta.
func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// statusFields builds the meta update for a status change.
func statusFields(status, errMsg string) map[string]string {
	fields := map[string]string{
		MetaStatus:    status,
		MetaUpdatedAt: nowStamp(),
	}
	if status == StatusFailed {
		if errMsg == "" {
			errMsg = "job failed"
		}
		fields[MetaErrorMessage] = errMsg
	}
	if status == StatusCompleted {
		fields[MetaProgress] = "100"
	}
	return fields
}

func validateSpec(job *JobSpec) error {
	if job.ID == "" {
		return fmt.Errorf("job id required")
	}
	if job.Func == "" {
		return fmt.Errorf("job func required")
	}
	return nil
}
