package live

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/grabadora/internal/config"
	"github.com/snarg/grabadora/internal/database"
	"github.com/snarg/grabadora/internal/engine"
	"github.com/snarg/grabadora/internal/metrics"
	"github.com/snarg/grabadora/internal/storage"
)

const (
	defaultSampleRate = 16000

	// silenceFloor is the 16-bit amplitude below which a sample counts as
	// quiet; silenceGate is the quiet ratio that skips decoding a chunk.
	silenceFloor = int16(300)
	silenceGate  = 0.30
)

// ErrSessionNotFound covers unknown, expired, and non-owned sessions alike.
var ErrSessionNotFound = errors.New("live session not found")

// transcriber is the slice of the engine service the live manager needs.
type transcriber interface {
	Transcribe(ctx context.Context, path string, req engine.Request, sink engine.TokenSink) (*engine.Result, error)
}

// catalog is the slice of the database the live manager needs.
type catalog interface {
	InsertCompleted(ctx context.Context, t *database.Transcript) error
}

// Session is one live transcription in progress. All access goes through
// its mutex; chunk handling for one session is serialized.
type Session struct {
	ID         string
	OwnerID    int
	Language   string
	SampleRate int

	mu        sync.Mutex
	ring      *Ring
	promoter  *promoter
	dir       string
	wavPath   string
	finalized bool
	chunks    int
	dropped   int

	// lastActivity is unix nanos, read by the purge scan without the
	// session mutex.
	lastActivity atomic.Int64
}

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// ChunkResult is what one ingested chunk produced.
type ChunkResult struct {
	Segments     []engine.Segment `json:"segments"`
	WindowStart  float64          `json:"window_start"`
	WindowEnd    float64          `json:"window_end"`
	SilenceRatio float64          `json:"silence_ratio"`
	Skipped      bool             `json:"skipped"`
	Dropped      bool             `json:"dropped"`
	ChunkCount   int              `json:"chunk_count"`
	DroppedCount int              `json:"dropped_count"`
}

// FinalizeResult is the outcome of closing a session.
type FinalizeResult struct {
	Transcript *database.Transcript `json:"transcript"`
	Text       string               `json:"text"`
}

// Manager owns all live sessions. Idle sessions are purged on any live
// request once they pass the TTL.
type Manager struct {
	cfg    *config.Config
	log    zerolog.Logger
	engine transcriber
	db     catalog
	store  storage.BlobStore
	dir    string

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg *config.Config, eng transcriber, db catalog, store storage.BlobStore, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      log.With().Str("component", "live").Logger(),
		engine:   eng,
		db:       db,
		store:    store,
		dir:      filepath.Join(cfg.StorageDir, "live-sessions"),
		sessions: make(map[string]*Session),
	}
}

// Create opens a new session for ownerID.
func (m *Manager) Create(ownerID int, language string, sampleRate int) (*Session, error) {
	m.purgeExpired()

	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	id := uuid.NewString()
	dir := filepath.Join(m.dir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session dir: %w", err)
	}

	windowSamples := int((m.cfg.LiveWindow + m.cfg.LiveOverlap).Seconds() * float64(sampleRate))
	s := &Session{
		ID:         id,
		OwnerID:    ownerID,
		Language:   sanitizeLanguage(language),
		SampleRate: sampleRate,
		ring:       NewRing(windowSamples, sampleRate),
		promoter:   newPromoter(m.cfg.LiveRepeatWindow.Seconds(), m.cfg.LiveRepeatMax),
		dir:        dir,
		wavPath:    filepath.Join(dir, "session.wav"),
	}
	s.touch()

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	metrics.LiveSessionsActive.Inc()

	m.log.Info().Str("session_id", id).Int("owner", ownerID).Msg("live session opened")
	return s, nil
}

// get returns the session if it exists and belongs to ownerID.
func (m *Manager) get(ownerID int, id string) (*Session, error) {
	m.purgeExpired()
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok || s.OwnerID != ownerID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Chunk ingests one audio chunk and decodes the advancing window. The chunk
// may be a WAV blob or raw little-endian 16-bit mono PCM at the session
// rate; whatever cannot be decoded is dropped and counted, not fatal. A
// mostly silent window skips the engine entirely.
func (m *Manager) Chunk(ctx context.Context, ownerID int, id string, chunk []byte) (*ChunkResult, error) {
	s, err := m.get(ownerID, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return nil, ErrSessionNotFound
	}
	s.touch()
	s.chunks++

	result := &ChunkResult{Segments: []engine.Segment{}}

	samples, err := normalizeChunk(chunk, s.SampleRate)
	if err != nil {
		s.dropped++
		m.log.Debug().Err(err).Str("session_id", s.ID).Msg("chunk dropped")
	} else {
		s.ring.Append(samples)
		if aerr := appendWAV(s.wavPath, samples, s.SampleRate); aerr != nil {
			if errors.Is(aerr, ErrCorruptAudio) {
				m.remove(s)
				return nil, aerr
			}
			return nil, fmt.Errorf("append session wav: %w", aerr)
		}
	}

	result.ChunkCount = s.chunks
	result.DroppedCount = s.dropped
	result.WindowEnd = s.ring.TotalSeconds()

	if err != nil {
		result.Dropped = true
		result.WindowStart = result.WindowEnd
		return result, nil
	}

	// Re-decode from just before the promoted timeline so segments cut at
	// a window edge get a second chance, without re-reading the whole ring.
	windowStart, window := s.ring.ExportFrom(s.promoter.lastEnd - m.cfg.LiveOverlap.Seconds())
	result.WindowStart = windowStart
	result.SilenceRatio = silenceRatio(window, silenceFloor)

	if len(window) == 0 || (m.cfg.VADMode == "auto" && result.SilenceRatio >= silenceGate) {
		result.Skipped = true
		return result, nil
	}

	windowPath := filepath.Join(s.dir, "window.wav")
	if err := writeWAV(windowPath, window, s.SampleRate); err != nil {
		return nil, fmt.Errorf("write window wav: %w", err)
	}

	res, err := m.engine.Transcribe(ctx, windowPath, engine.Request{
		Language: s.Language,
		Profile:  engine.ProfileFast,
		Live:     true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("live decode: %w", err)
	}

	result.Segments = s.promoter.promote(windowStart, res.Segments)
	return result, nil
}

// Finalize decodes the whole session, stores the audio and transcript, and
// writes a completed catalog row.
func (m *Manager) Finalize(ctx context.Context, ownerID int, id string) (*FinalizeResult, error) {
	s, err := m.get(ownerID, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return nil, ErrSessionNotFound
	}

	if _, err := os.Stat(s.wavPath); err != nil {
		m.remove(s)
		return nil, fmt.Errorf("session has no audio")
	}

	// Any failure below leaves the session open so the caller can retry.
	res, err := m.engine.Transcribe(ctx, s.wavPath, engine.Request{
		Language: s.Language,
		Profile:  engine.ProfileBalanced,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("final decode: %w", err)
	}

	audioKey := fmt.Sprintf("%d/%s-live.wav", ownerID, s.ID)
	transcriptKey := audioKey + ".txt"

	f, err := os.Open(s.wavPath)
	if err != nil {
		return nil, err
	}
	info, _ := f.Stat()
	err = m.store.Put(ctx, m.cfg.AudioBucket, audioKey, f, info.Size(), "audio/wav")
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("store session audio: %w", err)
	}

	text := res.Text
	if err := m.store.Put(ctx, m.cfg.TranscriptBucket, transcriptKey,
		bytes.NewReader([]byte(text)), int64(len(text)), "text/plain; charset=utf-8"); err != nil {
		return nil, fmt.Errorf("store transcript: %w", err)
	}

	segs := res.Segments
	if segs == nil {
		segs = []engine.Segment{}
	}
	t := &database.Transcript{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		JobID:           "live-" + s.ID,
		Title:           "Sesión en vivo " + time.Now().Format("2006-01-02 15:04"),
		Language:        res.Language,
		QualityProfile:  engine.ProfileBalanced,
		AudioKey:        audioKey,
		TranscriptKey:   transcriptKey,
		DurationSeconds: res.Duration,
		Segments:        segs,
	}
	if err := m.db.InsertCompleted(ctx, t); err != nil {
		return nil, fmt.Errorf("catalog row: %w", err)
	}

	m.remove(s)
	m.log.Info().Str("session_id", s.ID).Float64("duration", res.Duration).Msg("live session finalized")
	return &FinalizeResult{Transcript: t, Text: text}, nil
}

// Discard drops a session without storing anything.
func (m *Manager) Discard(ownerID int, id string) error {
	s, err := m.get(ownerID, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.remove(s)
	m.log.Info().Str("session_id", s.ID).Msg("live session discarded")
	return nil
}

// Active reports the number of open sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// remove deletes the session map entry and its working directory. Callers
// hold the session mutex; marking the session finalized here stops any
// goroutine still holding the stale pointer from writing to a removed dir.
func (m *Manager) remove(s *Session) {
	s.finalized = true
	m.mu.Lock()
	if _, ok := m.sessions[s.ID]; ok {
		delete(m.sessions, s.ID)
		metrics.LiveSessionsActive.Dec()
	}
	m.mu.Unlock()
	if err := os.RemoveAll(s.dir); err != nil {
		m.log.Warn().Err(err).Str("dir", s.dir).Msg("session cleanup failed")
	}
}

// purgeExpired drops sessions idle past the TTL. Runs on every live
// request, so expiry needs no background goroutine.
func (m *Manager) purgeExpired() {
	cutoff := time.Now().Add(-m.cfg.LiveSessionTTL).UnixNano()

	m.mu.Lock()
	var expired []*Session
	for _, s := range m.sessions {
		if s.lastActivity.Load() < cutoff {
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.mu.Lock()
		m.remove(s)
		s.mu.Unlock()
		m.log.Info().Str("session_id", s.ID).Msg("live session expired")
	}
}

// sanitizeLanguage keeps only short language codes; anything else is
// treated as auto-detect.
func sanitizeLanguage(lang string) string {
	lang = strings.TrimSpace(strings.ToLower(lang))
	if len(lang) > 8 {
		return ""
	}
	return lang
}
