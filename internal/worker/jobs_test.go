package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/grabadora/internal/config"
	"github.com/snarg/grabadora/internal/database"
	"github.com/snarg/grabadora/internal/engine"
	"github.com/snarg/grabadora/internal/queue"
	"github.com/snarg/grabadora/internal/storage"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []engine.Request
	res   engine.Result
	err   error
}

func (f *fakeEngine) Transcribe(ctx context.Context, path string, req engine.Request, sink engine.TokenSink) (*engine.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if sink != nil {
		for i, seg := range f.res.Segments {
			sink(engine.TokenEvent{Text: seg.Text, Start: seg.Start, End: seg.End, Segment: i})
		}
	}
	res := f.res
	return &res, nil
}

type fakeCatalog struct {
	mu      sync.Mutex
	rows    map[string]*database.Transcript // by id
	byJob   map[string]*database.Transcript
	usage   map[int]float64
	markErr error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		rows:  make(map[string]*database.Transcript),
		byJob: make(map[string]*database.Transcript),
		usage: make(map[int]float64),
	}
}

func (f *fakeCatalog) CreateTranscript(ctx context.Context, t *database.Transcript) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Status = database.StatusQueued
	f.rows[t.ID] = t
	f.byJob[t.JobID] = t
	return nil
}

func (f *fakeCatalog) GetTranscript(ctx context.Context, ownerID int, id string) (*database.Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok || t.OwnerID != ownerID {
		return nil, database.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeCatalog) MarkRunning(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	t, ok := f.byJob[jobID]
	if !ok {
		return database.ErrNotFound
	}
	t.Status = database.StatusRunning
	return nil
}

func (f *fakeCatalog) MarkCompleted(ctx context.Context, jobID, transcriptKey, language string, duration float64, segments []engine.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byJob[jobID]
	if !ok {
		return database.ErrNotFound
	}
	now := time.Now()
	t.Status = database.StatusCompleted
	t.TranscriptKey = transcriptKey
	t.Language = language
	t.DurationSeconds = duration
	t.Segments = segments
	t.CompletedAt = &now
	return nil
}

func (f *fakeCatalog) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byJob[jobID]
	if !ok {
		return database.ErrNotFound
	}
	t.Status = database.StatusFailed
	t.ErrorMessage = errMsg
	return nil
}

func (f *fakeCatalog) AddUsage(ctx context.Context, userID int, month string, seconds float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[userID] += seconds
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		AudioBucket:      "audio",
		TranscriptBucket: "transcripts",
		Workers:          2,
		JobTimeout:       5 * time.Second,
		Language:         "es",
	}
}

func newJobsFixture(t *testing.T) (*Jobs, *fakeEngine, *fakeCatalog, *storage.MemoryStore, *queue.MemoryQueue) {
	t.Helper()
	eng := &fakeEngine{res: engine.Result{
		Text:     "hola qué tal",
		Language: "es",
		Duration: 4,
		Segments: []engine.Segment{
			{ID: 0, Start: 0, End: 2, Text: "hola"},
			{ID: 1, Start: 2, End: 4, Text: "qué tal"},
		},
	}}
	cat := newFakeCatalog()
	store := storage.NewMemoryStore()
	q := queue.NewMemoryQueue(zerolog.Nop())
	j := NewJobs(testConfig(t), cat, store, eng, q, zerolog.Nop())
	return j, eng, cat, store, q
}

// seedJob stores the audio, creates the catalog row, and enqueues the job the
// way the upload path does.
func seedJob(t *testing.T, cat *fakeCatalog, store *storage.MemoryStore, q *queue.MemoryQueue) *queue.JobSpec {
	t.Helper()
	ctx := context.Background()

	audio := silentWAVBytes(2 * 16000) // 2s at 16kHz
	audioKey := "7/abc-reunion.wav"
	if err := store.Put(ctx, "audio", audioKey, bytes.NewReader(audio), int64(len(audio)), "audio/wav"); err != nil {
		t.Fatalf("seed audio: %v", err)
	}

	tr := &database.Transcript{ID: "t-1", OwnerID: 7, JobID: "job-1", Title: "reunion", AudioKey: audioKey}
	if err := cat.CreateTranscript(ctx, tr); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	spec := &queue.JobSpec{
		ID:   "job-1",
		Func: "transcribe_job",
		Args: map[string]string{
			"audio_key":     audioKey,
			"language":      "es",
			"profile":       engine.ProfileBalanced,
			"user_id":       "7",
			"transcript_id": "t-1",
		},
	}
	if err := q.Enqueue(ctx, spec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return spec
}

func silentWAVBytes(samples int) []byte {
	data := make([]byte, 44+samples*2)
	copy(data[0:4], "RIFF")
	binary.LittleEndian.PutUint32(data[4:8], uint32(36+samples*2))
	copy(data[8:12], "WAVE")
	copy(data[12:16], "fmt ")
	binary.LittleEndian.PutUint32(data[16:20], 16)
	binary.LittleEndian.PutUint16(data[20:22], 1)
	binary.LittleEndian.PutUint16(data[22:24], 1)
	binary.LittleEndian.PutUint32(data[24:28], 16000)
	binary.LittleEndian.PutUint32(data[28:32], 32000)
	binary.LittleEndian.PutUint16(data[32:34], 2)
	binary.LittleEndian.PutUint16(data[34:36], 16)
	copy(data[36:40], "data")
	binary.LittleEndian.PutUint32(data[40:44], uint32(samples*2))
	return data
}

func TestTranscribeJobSuccess(t *testing.T) {
	j, eng, cat, store, q := newJobsFixture(t)
	spec := seedJob(t, cat, store, q)
	ctx := context.Background()

	if err := j.Transcribe(ctx, spec); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	state, err := q.Fetch(ctx, "job-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if state.Status() != queue.StatusCompleted {
		t.Errorf("status = %q, want completed", state.Status())
	}
	if state.Progress() != 100 {
		t.Errorf("progress = %d, want 100", state.Progress())
	}
	if state.Meta[queue.MetaTranscriptKey] != "7/abc-reunion.wav.txt" {
		t.Errorf("transcript_key = %q", state.Meta[queue.MetaTranscriptKey])
	}
	if state.Meta[queue.MetaLanguage] != "es" {
		t.Errorf("language = %q", state.Meta[queue.MetaLanguage])
	}
	if !strings.Contains(state.Meta[queue.MetaSegments], "qué tal") {
		t.Errorf("segments meta = %q", state.Meta[queue.MetaSegments])
	}

	rc, err := store.Get(ctx, "transcripts", "7/abc-reunion.wav.txt")
	if err != nil {
		t.Fatalf("stored transcript: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "hola qué tal" {
		t.Errorf("transcript = %q", body)
	}

	row, _ := cat.GetTranscript(ctx, 7, "t-1")
	if row.Status != database.StatusCompleted {
		t.Errorf("row status = %q", row.Status)
	}
	if row.DurationSeconds != 4 {
		t.Errorf("row duration = %v", row.DurationSeconds)
	}
	if len(row.Segments) != 2 || row.Segments[1].Text != "qué tal" {
		t.Errorf("row segments = %+v", row.Segments)
	}
	if cat.usage[7] != 4 {
		t.Errorf("usage = %v, want 4", cat.usage[7])
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.calls) != 1 || eng.calls[0].Profile != engine.ProfileBalanced {
		t.Errorf("engine calls = %+v", eng.calls)
	}
}

func TestTranscribeJobEngineFailure(t *testing.T) {
	j, eng, cat, store, q := newJobsFixture(t)
	eng.err = fmt.Errorf("decoder exploded")
	spec := seedJob(t, cat, store, q)
	ctx := context.Background()

	if err := j.Transcribe(ctx, spec); err == nil {
		t.Fatal("expected error")
	}

	state, _ := q.Fetch(ctx, "job-1")
	if state.Status() != queue.StatusFailed {
		t.Errorf("status = %q, want failed", state.Status())
	}
	if !strings.Contains(state.Meta[queue.MetaErrorMessage], "decoder exploded") {
		t.Errorf("error_message = %q", state.Meta[queue.MetaErrorMessage])
	}

	row, _ := cat.GetTranscript(ctx, 7, "t-1")
	if row.Status != database.StatusFailed {
		t.Errorf("row status = %q", row.Status)
	}
	if cat.usage[7] != 0 {
		t.Errorf("usage recorded on failure: %v", cat.usage[7])
	}
}

func TestTranscribeJobMissingAudio(t *testing.T) {
	j, _, cat, store, q := newJobsFixture(t)
	spec := seedJob(t, cat, store, q)
	ctx := context.Background()
	if err := store.Delete(ctx, "audio", spec.Args["audio_key"]); err != nil {
		t.Fatal(err)
	}

	if err := j.Transcribe(ctx, spec); err == nil {
		t.Fatal("expected error")
	}
	state, _ := q.Fetch(ctx, "job-1")
	if state.Status() != queue.StatusFailed {
		t.Errorf("status = %q, want failed", state.Status())
	}
}

func TestProgressSink(t *testing.T) {
	q := queue.NewMemoryQueue(zerolog.Nop())
	ctx := context.Background()
	if err := q.Enqueue(ctx, &queue.JobSpec{ID: "p-1", Func: "transcribe_job"}); err != nil {
		t.Fatal(err)
	}

	sink := newProgressSink(ctx, q, "p-1", 10)

	sink.accept(engine.TokenEvent{Text: "uno", Start: 0, End: 2, Segment: 0})
	state, _ := q.Fetch(ctx, "p-1")
	if state.Progress() != 20 {
		t.Errorf("progress = %d, want 20", state.Progress())
	}
	if state.Meta[queue.MetaSegment] != "0" {
		t.Errorf("segment = %q, want 0", state.Meta[queue.MetaSegment])
	}

	// Re-emission of the same segment with nudged boundaries is dropped:
	// the partial list does not grow.
	sink.accept(engine.TokenEvent{Text: " uno ", Start: 0.2, End: 2.3, Segment: 0})
	state, _ = q.Fetch(ctx, "p-1")
	var partial []engine.Segment
	if err := json.Unmarshal([]byte(state.Meta[queue.MetaSegmentsPartial]), &partial); err != nil {
		t.Fatalf("segments_partial: %v", err)
	}
	if len(partial) != 1 || partial[0].Text != "uno" {
		t.Errorf("partial after duplicate = %+v", partial)
	}

	sink.accept(engine.TokenEvent{Text: "dos", Start: 2, End: 9.8, Segment: 1})
	state, _ = q.Fetch(ctx, "p-1")
	if state.Progress() != 98 {
		t.Errorf("progress = %d, want 98", state.Progress())
	}
	if state.Meta[queue.MetaTranscriptSoFar] != "uno dos" {
		t.Errorf("transcript_so_far = %q", state.Meta[queue.MetaTranscriptSoFar])
	}
	if state.Meta[queue.MetaSegment] != "1" {
		t.Errorf("segment = %q, want 1", state.Meta[queue.MetaSegment])
	}

	// Beyond the duration the estimate caps at 99 and never regresses.
	sink.accept(engine.TokenEvent{Text: "tres", Start: 9.8, End: 12, Segment: 2})
	sink.accept(engine.TokenEvent{Text: "cuatro", Start: 1, End: 2, Segment: 3})
	state, _ = q.Fetch(ctx, "p-1")
	if state.Progress() != 99 {
		t.Errorf("progress = %d, want 99", state.Progress())
	}
}

func TestProgressSinkUnknownDuration(t *testing.T) {
	q := queue.NewMemoryQueue(zerolog.Nop())
	ctx := context.Background()
	if err := q.Enqueue(ctx, &queue.JobSpec{ID: "p-2", Func: "transcribe_job"}); err != nil {
		t.Fatal(err)
	}
	sink := newProgressSink(ctx, q, "p-2", 0)

	for i := 0; i < 3; i++ {
		sink.accept(engine.TokenEvent{Text: fmt.Sprintf("seg%d", i), Start: float64(i), End: float64(i + 1), Segment: i})
	}
	state, _ := q.Fetch(ctx, "p-2")
	if state.Progress() != 15 {
		t.Errorf("progress = %d, want 15", state.Progress())
	}
}

func TestExportJob(t *testing.T) {
	j, _, cat, store, q := newJobsFixture(t)
	ctx := context.Background()

	tr := &database.Transcript{
		ID: "t-9", OwnerID: 7, JobID: "job-9", Title: "Reunión",
		AudioKey: "7/x.wav", Language: "es", QualityProfile: "balanced",
	}
	if err := cat.CreateTranscript(ctx, tr); err != nil {
		t.Fatal(err)
	}
	segs := []engine.Segment{{ID: 0, Start: 0, End: 4, Text: "hola qué tal"}}
	if err := cat.MarkCompleted(ctx, "job-9", "7/x.wav.txt", "es", 4, segs); err != nil {
		t.Fatal(err)
	}
	text := "hola qué tal"
	if err := store.Put(ctx, "transcripts", "7/x.wav.txt", strings.NewReader(text), int64(len(text)), "text/plain"); err != nil {
		t.Fatal(err)
	}

	spec := &queue.JobSpec{
		ID:   "exp-1",
		Func: "export_transcript",
		Args: map[string]string{"transcript_id": "t-9", "user_id": "7", "format": "srt", "destination": "webhook", "note": "para revisar"},
	}
	if err := q.Enqueue(ctx, spec); err != nil {
		t.Fatal(err)
	}

	if err := j.Export(ctx, spec); err != nil {
		t.Fatalf("Export: %v", err)
	}

	state, _ := q.Fetch(ctx, "exp-1")
	if state.Status() != queue.StatusCompleted {
		t.Errorf("status = %q", state.Status())
	}
	if state.Meta[queue.MetaExportKey] != "exports/t-9.srt" {
		t.Errorf("export_key = %q", state.Meta[queue.MetaExportKey])
	}
	if state.Meta[queue.MetaDestination] != "webhook" || state.Meta[queue.MetaNote] != "para revisar" {
		t.Errorf("meta = %v", state.Meta)
	}

	rc, err := store.Get(ctx, "transcripts", "exports/t-9.srt")
	if err != nil {
		t.Fatalf("stored export: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if !strings.Contains(string(body), "00:00:00,000 --> 00:00:04,000") {
		t.Errorf("srt body = %q", body)
	}
}

func TestExportJobNotCompleted(t *testing.T) {
	j, _, cat, store, q := newJobsFixture(t)
	_ = store
	ctx := context.Background()

	tr := &database.Transcript{ID: "t-q", OwnerID: 7, JobID: "job-q", AudioKey: "7/y.wav"}
	if err := cat.CreateTranscript(ctx, tr); err != nil {
		t.Fatal(err)
	}
	spec := &queue.JobSpec{
		ID:   "exp-2",
		Func: "export_transcript",
		Args: map[string]string{"transcript_id": "t-q", "user_id": "7", "format": "txt"},
	}
	if err := q.Enqueue(ctx, spec); err != nil {
		t.Fatal(err)
	}

	if err := j.Export(ctx, spec); err == nil {
		t.Fatal("expected error for queued transcript")
	}
	state, _ := q.Fetch(ctx, "exp-2")
	if state.Status() != queue.StatusFailed {
		t.Errorf("status = %q, want failed", state.Status())
	}
}

func TestPoolRunsJobs(t *testing.T) {
	j, _, cat, store, q := newJobsFixture(t)
	spec := seedJob(t, cat, store, q)
	_ = spec

	p := NewPool(testConfig(t), q, zerolog.Nop())
	j.Register(p)
	p.Start()
	defer p.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		state, err := q.Fetch(context.Background(), "job-1")
		if err == nil && state.Terminal() {
			if state.Status() != queue.StatusCompleted {
				t.Fatalf("job ended %q: %s", state.Status(), state.Meta[queue.MetaErrorMessage])
			}
			stats := p.Stats()
			if stats.Processed != 1 || stats.Failed != 0 {
				t.Errorf("stats = %+v", stats)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never finished")
}

func TestPoolUnknownFunc(t *testing.T) {
	_, _, _, _, q := newJobsFixture(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, &queue.JobSpec{ID: "weird-1", Func: "no_such_job"}); err != nil {
		t.Fatal(err)
	}

	p := NewPool(testConfig(t), q, zerolog.Nop())
	p.Start()
	defer p.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		state, err := q.Fetch(ctx, "weird-1")
		if err == nil && state.Terminal() {
			if state.Status() != queue.StatusFailed {
				t.Fatalf("status = %q, want failed", state.Status())
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never settled")
}

func TestWAVDuration(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "a.wav")
	if err := os.WriteFile(path, silentWAVBytes(2*16000), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := wavDuration(path); got != 2 {
		t.Errorf("wavDuration = %v, want 2", got)
	}

	bad := filepath.Join(dir, "b.mp3")
	if err := os.WriteFile(bad, []byte("not a wav at all, just bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := wavDuration(bad); got != 0 {
		t.Errorf("wavDuration(non-wav) = %v, want 0", got)
	}

	if got := wavDuration(filepath.Join(dir, "missing.wav")); got != 0 {
		t.Errorf("wavDuration(missing) = %v, want 0", got)
	}
}
