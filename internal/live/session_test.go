package live

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/grabadora/internal/config"
	"github.com/snarg/grabadora/internal/database"
	"github.com/snarg/grabadora/internal/engine"
	"github.com/snarg/grabadora/internal/storage"
)

type fakeTranscriber struct {
	mu    sync.Mutex
	calls []engine.Request
	res   engine.Result
	err   error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, path string, req engine.Request, sink engine.TokenSink) (*engine.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	res := f.res
	return &res, nil
}

type fakeCatalog struct {
	mu   sync.Mutex
	rows []*database.Transcript
}

func (f *fakeCatalog) InsertCompleted(ctx context.Context, t *database.Transcript) error {
	t.Status = database.StatusCompleted
	f.mu.Lock()
	f.rows = append(f.rows, t)
	f.mu.Unlock()
	return nil
}

func liveConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StorageDir:       t.TempDir(),
		AudioBucket:      "audio",
		TranscriptBucket: "transcripts",
		VADMode:          "auto",
		LiveWindow:       5 * time.Second,
		LiveOverlap:      time.Second,
		LiveRepeatWindow: 2 * time.Second,
		LiveRepeatMax:    3,
		LiveSessionTTL:   time.Hour,
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeTranscriber, *fakeCatalog, *storage.MemoryStore) {
	t.Helper()
	eng := &fakeTranscriber{res: engine.Result{
		Text:     "hola mundo",
		Language: "es",
		Duration: 1.5,
		Segments: []engine.Segment{{Start: 0, End: 1.5, Text: "hola mundo"}},
	}}
	cat := &fakeCatalog{}
	store := storage.NewMemoryStore()
	m := NewManager(liveConfig(t), eng, cat, store, zerolog.Nop())
	return m, eng, cat, store
}

func loudChunk(samples int) []byte {
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = 8000
	}
	return samplesToBytes(pcm)
}

func TestSessionChunkDecodes(t *testing.T) {
	m, eng, _, _ := newTestManager(t)
	s, err := m.Create(1, "ES", 16000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Language != "es" {
		t.Errorf("language = %q, want lowercased es", s.Language)
	}

	res, err := m.Chunk(context.Background(), 1, s.ID, loudChunk(16000))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if res.Skipped || res.Dropped {
		t.Fatalf("loud chunk skipped=%v dropped=%v", res.Skipped, res.Dropped)
	}
	if res.ChunkCount != 1 || res.DroppedCount != 0 {
		t.Errorf("counts = %d/%d, want 1/0", res.ChunkCount, res.DroppedCount)
	}
	if res.WindowEnd != 1.0 {
		t.Errorf("window end = %v, want 1.0", res.WindowEnd)
	}
	if len(res.Segments) != 1 || res.Segments[0].Text != "hola mundo" {
		t.Fatalf("segments = %+v", res.Segments)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.calls) != 1 {
		t.Fatalf("engine calls = %d, want 1", len(eng.calls))
	}
	req := eng.calls[0]
	if !req.Live || req.Profile != engine.ProfileFast || req.Language != "es" {
		t.Errorf("live chunk request = %+v", req)
	}
}

func TestSessionChunkDropsUndecodable(t *testing.T) {
	m, eng, _, _ := newTestManager(t)
	s, _ := m.Create(1, "", 16000)

	// An empty chunk and a RIFF payload that is not WAVE are both dropped;
	// the session keeps going.
	for i, bad := range [][]byte{nil, []byte("RIFFxxxxJUNKgarbage-payload")} {
		res, err := m.Chunk(context.Background(), 1, s.ID, bad)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if !res.Dropped {
			t.Errorf("chunk %d not dropped", i)
		}
		if res.WindowStart != res.WindowEnd {
			t.Errorf("chunk %d window = [%v, %v]", i, res.WindowStart, res.WindowEnd)
		}
	}

	res, err := m.Chunk(context.Background(), 1, s.ID, loudChunk(16000))
	if err != nil {
		t.Fatalf("good chunk after drops: %v", err)
	}
	if res.Dropped || res.ChunkCount != 3 || res.DroppedCount != 2 {
		t.Errorf("result = %+v", res)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.calls) != 1 {
		t.Errorf("engine calls = %d, want 1", len(eng.calls))
	}
}

func TestSessionChunkAcceptsWAV(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	s, _ := m.Create(1, "", 16000)

	// One second of loud stereo audio at 32 kHz arrives as a WAV blob and
	// is downmixed and resampled to the session rate.
	frames := 32000
	pcm := make([]int16, frames*2)
	for i := range pcm {
		pcm[i] = 8000
	}
	res, err := m.Chunk(context.Background(), 1, s.ID, wavBlob(pcm, 2, 32000))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if res.Dropped || res.Skipped {
		t.Fatalf("result = %+v", res)
	}
	if res.WindowEnd != 1.0 {
		t.Errorf("window end = %v, want 1.0", res.WindowEnd)
	}
}

func TestSessionChunkCorruptFileAborts(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	s, _ := m.Create(1, "", 16000)

	if _, err := m.Chunk(context.Background(), 1, s.ID, loudChunk(1600)); err != nil {
		t.Fatalf("Chunk: %v", err)
	}

	// Clobber the session file past the header so the riff check fails.
	if err := os.WriteFile(s.wavPath, bytes.Repeat([]byte("x"), 100), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := m.Chunk(context.Background(), 1, s.ID, loudChunk(1600))
	if !errors.Is(err, ErrCorruptAudio) {
		t.Fatalf("err = %v, want ErrCorruptAudio", err)
	}
	if m.Active() != 0 {
		t.Errorf("corrupted session still active")
	}
}

func TestSessionSilentChunkSkipsEngine(t *testing.T) {
	m, eng, _, _ := newTestManager(t)
	s, _ := m.Create(1, "", 16000)

	res, err := m.Chunk(context.Background(), 1, s.ID, samplesToBytes(make([]int16, 16000)))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if !res.Skipped {
		t.Error("silent chunk not skipped")
	}
	if res.SilenceRatio != 1.0 {
		t.Errorf("silence ratio = %v, want 1.0", res.SilenceRatio)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.calls) != 0 {
		t.Errorf("engine called %d times for silence", len(eng.calls))
	}
}

func TestSessionOwnership(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	s, _ := m.Create(1, "", 16000)

	if _, err := m.Chunk(context.Background(), 2, s.ID, loudChunk(100)); err != ErrSessionNotFound {
		t.Errorf("foreign chunk err = %v, want ErrSessionNotFound", err)
	}
	if _, err := m.Finalize(context.Background(), 2, s.ID); err != ErrSessionNotFound {
		t.Errorf("foreign finalize err = %v, want ErrSessionNotFound", err)
	}
	if err := m.Discard(2, s.ID); err != ErrSessionNotFound {
		t.Errorf("foreign discard err = %v, want ErrSessionNotFound", err)
	}
	if _, err := m.Chunk(context.Background(), 1, "no-such-session", loudChunk(100)); err != ErrSessionNotFound {
		t.Errorf("unknown session err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionFinalize(t *testing.T) {
	m, eng, cat, store := newTestManager(t)
	s, _ := m.Create(7, "es", 16000)

	if _, err := m.Chunk(context.Background(), 7, s.ID, loudChunk(16000)); err != nil {
		t.Fatalf("Chunk: %v", err)
	}

	res, err := m.Finalize(context.Background(), 7, s.ID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Text != "hola mundo" {
		t.Errorf("text = %q", res.Text)
	}

	tr := res.Transcript
	if tr.JobID != "live-"+s.ID {
		t.Errorf("job id = %q", tr.JobID)
	}
	if tr.Status != database.StatusCompleted {
		t.Errorf("status = %q, want completed", tr.Status)
	}
	if tr.TranscriptKey != tr.AudioKey+".txt" {
		t.Errorf("transcript key = %q, audio key = %q", tr.TranscriptKey, tr.AudioKey)
	}
	if len(tr.Segments) != 1 || tr.Segments[0].Text != "hola mundo" {
		t.Errorf("row segments = %+v", tr.Segments)
	}

	cat.mu.Lock()
	rows := len(cat.rows)
	cat.mu.Unlock()
	if rows != 1 {
		t.Fatalf("catalog rows = %d, want 1", rows)
	}

	rc, err := store.Get(context.Background(), "transcripts", tr.TranscriptKey)
	if err != nil {
		t.Fatalf("stored transcript: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "hola mundo" {
		t.Errorf("stored transcript = %q", body)
	}
	if _, err := store.Get(context.Background(), "audio", tr.AudioKey); err != nil {
		t.Fatalf("stored audio: %v", err)
	}

	// The final decode uses the balanced profile on the whole file.
	eng.mu.Lock()
	last := eng.calls[len(eng.calls)-1]
	eng.mu.Unlock()
	if last.Live || last.Profile != engine.ProfileBalanced {
		t.Errorf("final decode request = %+v", last)
	}

	if m.Active() != 0 {
		t.Errorf("active sessions = %d after finalize", m.Active())
	}
	if _, err := m.Finalize(context.Background(), 7, s.ID); err != ErrSessionNotFound {
		t.Errorf("second finalize err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionFinalizeWithoutAudio(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	s, _ := m.Create(1, "", 16000)
	if _, err := m.Finalize(context.Background(), 1, s.ID); err == nil {
		t.Fatal("finalize of empty session succeeded")
	}
	if m.Active() != 0 {
		t.Errorf("empty session not removed, active = %d", m.Active())
	}
}

func TestSessionFinalizeRetriesAfterError(t *testing.T) {
	m, eng, cat, _ := newTestManager(t)
	s, _ := m.Create(1, "es", 16000)
	if _, err := m.Chunk(context.Background(), 1, s.ID, loudChunk(16000)); err != nil {
		t.Fatalf("Chunk: %v", err)
	}

	// A failed finalize leaves the session open; a later attempt can
	// still close it.
	eng.mu.Lock()
	eng.err = fmt.Errorf("model crashed")
	eng.mu.Unlock()
	if _, err := m.Finalize(context.Background(), 1, s.ID); err == nil {
		t.Fatal("finalize succeeded despite engine error")
	}
	if m.Active() != 1 {
		t.Fatalf("session removed after failed finalize, active = %d", m.Active())
	}

	eng.mu.Lock()
	eng.err = nil
	eng.mu.Unlock()
	res, err := m.Finalize(context.Background(), 1, s.ID)
	if err != nil {
		t.Fatalf("retry Finalize: %v", err)
	}
	if res.Text != "hola mundo" {
		t.Errorf("text = %q", res.Text)
	}
	if len(cat.rows) != 1 {
		t.Errorf("catalog rows = %d, want 1", len(cat.rows))
	}
}

func TestSessionDiscard(t *testing.T) {
	m, _, cat, _ := newTestManager(t)
	s, _ := m.Create(1, "", 16000)
	if _, err := m.Chunk(context.Background(), 1, s.ID, loudChunk(100)); err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if err := m.Discard(1, s.ID); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if m.Active() != 0 {
		t.Errorf("active = %d after discard", m.Active())
	}
	if len(cat.rows) != 0 {
		t.Errorf("discard wrote %d catalog rows", len(cat.rows))
	}
}

func TestSessionTTLPurge(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	m.cfg.LiveSessionTTL = 10 * time.Millisecond

	stale, _ := m.Create(1, "", 16000)
	stale.lastActivity.Store(time.Now().Add(-time.Minute).UnixNano())

	// Any live request triggers the purge scan.
	fresh, _ := m.Create(1, "", 16000)
	if _, err := m.get(1, stale.ID); err != ErrSessionNotFound {
		t.Errorf("stale session err = %v, want ErrSessionNotFound", err)
	}
	if _, err := m.get(1, fresh.ID); err != nil {
		t.Errorf("fresh session purged: %v", err)
	}
}
