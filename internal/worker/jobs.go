package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/grabadora/internal/config"
	"github.com/snarg/grabadora/internal/database"
	"github.com/snarg/grabadora/internal/engine"
	"github.com/snarg/grabadora/internal/queue"
	"github.com/snarg/grabadora/internal/render"
	"github.com/snarg/grabadora/internal/storage"
)

// timeSlack is the boundary tolerance when deduping consecutive segments.
const timeSlack = 0.5

// transcriber is the slice of the engine service the jobs need.
type transcriber interface {
	Transcribe(ctx context.Context, path string, req engine.Request, sink engine.TokenSink) (*engine.Result, error)
}

// catalog is the slice of the database the jobs need.
type catalog interface {
	MarkRunning(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID, transcriptKey, language string, duration float64, segments []engine.Segment) error
	MarkFailed(ctx context.Context, jobID, errMsg string) error
	GetTranscript(ctx context.Context, ownerID int, id string) (*database.Transcript, error)
	CreateTranscript(ctx context.Context, t *database.Transcript) error
	AddUsage(ctx context.Context, userID int, month string, seconds float64) error
}

// Jobs holds the dependencies shared by all job handlers.
type Jobs struct {
	cfg    *config.Config
	log    zerolog.Logger
	db     catalog
	store  storage.BlobStore
	engine transcriber
	q      queue.Queue
}

func NewJobs(cfg *config.Config, db catalog, store storage.BlobStore, eng transcriber, q queue.Queue, log zerolog.Logger) *Jobs {
	return &Jobs{
		cfg:    cfg,
		log:    log.With().Str("component", "jobs").Logger(),
		db:     db,
		store:  store,
		engine: eng,
		q:      q,
	}
}

// Register binds the job handlers to their queue func names.
func (j *Jobs) Register(p *Pool) {
	p.Register("transcribe_job", j.Transcribe)
	p.Register("export_transcript", j.Export)
}

// Transcribe runs one transcription job end to end: fetch the audio,
// decode it streaming progress into the envelope, store the transcript,
// and settle the catalog row. The job runs once; retries live inside the
// engine adapter.
func (j *Jobs) Transcribe(ctx context.Context, job *queue.JobSpec) error {
	audioKey := job.Args["audio_key"]
	if audioKey == "" {
		return j.fail(ctx, job.ID, fmt.Errorf("transcribe_job: audio_key missing"))
	}
	userID, _ := strconv.Atoi(job.Args["user_id"])

	if err := j.q.SetStatus(ctx, job.ID, queue.StatusTranscribing, ""); err != nil {
		return err
	}
	if err := j.db.MarkRunning(ctx, job.ID); err != nil {
		return j.fail(ctx, job.ID, fmt.Errorf("mark running: %w", err))
	}

	audioPath, cleanup, err := j.fetchAudio(ctx, audioKey)
	if err != nil {
		return j.fail(ctx, job.ID, err)
	}
	defer cleanup()

	duration := wavDuration(audioPath)
	sink := newProgressSink(ctx, j.q, job.ID, duration)

	res, err := j.engine.Transcribe(ctx, audioPath, engine.Request{
		Language:       job.Args["language"],
		Profile:        job.Args["profile"],
		Diarization:    job.Args["diarization"] == "true",
		WordTimestamps: job.Args["word_timestamps"] == "true",
	}, sink.accept)
	if err != nil {
		return j.fail(ctx, job.ID, fmt.Errorf("transcribe: %w", err))
	}

	transcriptKey := audioKey + ".txt"
	text := strings.TrimSpace(res.Text)
	if err := j.store.Put(ctx, j.cfg.TranscriptBucket, transcriptKey,
		strings.NewReader(text), int64(len(text)), "text/plain; charset=utf-8"); err != nil {
		return j.fail(ctx, job.ID, fmt.Errorf("store transcript: %w", err))
	}

	segs := res.Segments
	if segs == nil {
		segs = []engine.Segment{}
	}
	segsJSON, _ := json.Marshal(segs)
	if err := j.q.SetMeta(ctx, job.ID, map[string]string{
		queue.MetaTranscriptKey:   transcriptKey,
		queue.MetaLanguage:        res.Language,
		queue.MetaDuration:        strconv.FormatFloat(res.Duration, 'f', 3, 64),
		queue.MetaSegments:        string(segsJSON),
		queue.MetaTranscriptSoFar: text,
	}); err != nil {
		return j.fail(ctx, job.ID, err)
	}
	if err := j.q.SetStatus(ctx, job.ID, queue.StatusCompleted, ""); err != nil {
		return err
	}
	if err := j.db.MarkCompleted(ctx, job.ID, transcriptKey, res.Language, res.Duration, segs); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	if userID > 0 && res.Duration > 0 {
		month := time.Now().UTC().Format("2006-01")
		if err := j.db.AddUsage(ctx, userID, month, res.Duration); err != nil {
			j.log.Warn().Err(err).Int("user", userID).Msg("usage not recorded")
		}
	}
	return nil
}

// Export renders a completed transcript into the requested format and
// stores the document under exports/.
func (j *Jobs) Export(ctx context.Context, job *queue.JobSpec) error {
	userID, _ := strconv.Atoi(job.Args["user_id"])
	transcriptID := job.Args["transcript_id"]
	format := job.Args["format"]
	if format == "" {
		format = render.FormatTxt
	}

	if err := j.q.SetStatus(ctx, job.ID, queue.StatusTranscribing, ""); err != nil {
		return err
	}

	tr, err := j.db.GetTranscript(ctx, userID, transcriptID)
	if err != nil {
		return j.fail(ctx, job.ID, fmt.Errorf("load transcript: %w", err))
	}
	if tr.Status != database.StatusCompleted {
		return j.fail(ctx, job.ID, fmt.Errorf("transcript %s is %s, not completed", tr.ID, tr.Status))
	}

	text, err := j.LoadText(ctx, tr)
	if err != nil {
		return j.fail(ctx, job.ID, err)
	}

	body, contentType, err := render.Render(format, tr, text, tr.Segments)
	if err != nil {
		return j.fail(ctx, job.ID, err)
	}

	exportKey := fmt.Sprintf("exports/%s.%s", tr.ID, format)
	if err := j.store.Put(ctx, j.cfg.TranscriptBucket, exportKey,
		bytes.NewReader(body), int64(len(body)), contentType); err != nil {
		return j.fail(ctx, job.ID, fmt.Errorf("store export: %w", err))
	}

	if err := j.q.SetMeta(ctx, job.ID, map[string]string{
		queue.MetaExportKey:   exportKey,
		queue.MetaDestination: job.Args["destination"],
		queue.MetaNote:        job.Args["note"],
	}); err != nil {
		return j.fail(ctx, job.ID, err)
	}
	return j.q.SetStatus(ctx, job.ID, queue.StatusCompleted, "")
}

// LoadText fetches the stored transcript text for a completed row. Segment
// timing lives on the row itself.
func (j *Jobs) LoadText(ctx context.Context, tr *database.Transcript) (string, error) {
	rc, err := j.store.Get(ctx, j.cfg.TranscriptBucket, tr.TranscriptKey)
	if err != nil {
		return "", fmt.Errorf("load transcript text: %w", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// fail records the failure on both the envelope and the catalog row and
// returns the cause for the pool to count.
func (j *Jobs) fail(ctx context.Context, jobID string, cause error) error {
	msg := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		msg = "timeout"
	}
	if ctx.Err() != nil {
		// The job context may already be past its deadline; settle on a fresh one.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := j.q.SetStatus(ctx, jobID, queue.StatusFailed, msg); err != nil {
		j.log.Warn().Err(err).Str("job_id", jobID).Msg("failure meta not recorded")
	}
	if err := j.db.MarkFailed(ctx, jobID, msg); err != nil && !errors.Is(err, database.ErrNotFound) {
		j.log.Warn().Err(err).Str("job_id", jobID).Msg("failure row not recorded")
	}
	return cause
}

// fetchAudio copies the stored object to a temp file the engine can read.
func (j *Jobs) fetchAudio(ctx context.Context, audioKey string) (string, func(), error) {
	rc, err := j.store.Get(ctx, j.cfg.AudioBucket, audioKey)
	if err != nil {
		return "", nil, fmt.Errorf("load audio %s: %w", audioKey, err)
	}
	defer rc.Close()

	dir, err := os.MkdirTemp("", "grabadora-job-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	path := filepath.Join(dir, filepath.Base(audioKey))
	f, err := os.Create(path)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	_, err = io.Copy(f, rc)
	f.Close()
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("copy audio: %w", err)
	}
	return path, cleanup, nil
}

// progressSink turns engine token events into envelope meta updates.
// Progress is derived from the segment end against the known audio duration,
// capped at 99 until the job settles, and only ever moves forward.
type progressSink struct {
	ctx      context.Context
	q        queue.Queue
	jobID    string
	duration float64

	progress int
	prev     *engine.TokenEvent
	partial  []engine.Segment
	text     strings.Builder
}

func newProgressSink(ctx context.Context, q queue.Queue, jobID string, duration float64) *progressSink {
	return &progressSink{ctx: ctx, q: q, jobID: jobID, duration: duration}
}

func (s *progressSink) accept(ev engine.TokenEvent) {
	if s.isDuplicate(ev) {
		return
	}
	s.prev = &ev
	s.partial = append(s.partial, engine.Segment{
		ID:    ev.Segment,
		Start: ev.Start,
		End:   ev.End,
		Text:  strings.TrimSpace(ev.Text),
	})
	if s.text.Len() > 0 {
		s.text.WriteByte(' ')
	}
	s.text.WriteString(strings.TrimSpace(ev.Text))

	if p := s.estimate(ev); p > s.progress {
		s.progress = p
	}

	token, _ := json.Marshal(ev)
	partial, _ := json.Marshal(s.partial)
	fields := map[string]string{
		queue.MetaProgress:        strconv.Itoa(s.progress),
		queue.MetaSegment:         strconv.Itoa(ev.Segment),
		queue.MetaLastToken:       string(token),
		queue.MetaTranscriptSoFar: s.text.String(),
		queue.MetaSegmentsPartial: string(partial),
	}
	if err := s.q.SetMeta(s.ctx, s.jobID, fields); err != nil && s.ctx.Err() == nil {
		// Progress is advisory; the job itself keeps going.
		return
	}
}

// isDuplicate drops a re-emission of the previous segment: same text with
// both boundaries within the slack.
func (s *progressSink) isDuplicate(ev engine.TokenEvent) bool {
	if s.prev == nil {
		return false
	}
	return strings.TrimSpace(ev.Text) == strings.TrimSpace(s.prev.Text) &&
		absDelta(ev.Start, s.prev.Start) < timeSlack &&
		absDelta(ev.End, s.prev.End) < timeSlack
}

func (s *progressSink) estimate(ev engine.TokenEvent) int {
	if s.duration > 0 {
		p := int(ev.End / s.duration * 100)
		if p > 99 {
			p = 99
		}
		return p
	}
	// Unknown duration: creep forward per segment.
	p := len(s.partial) * 5
	if p > 99 {
		p = 99
	}
	return p
}

func absDelta(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
