package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/grabadora/internal/config"
	"github.com/snarg/grabadora/internal/database"
	"github.com/snarg/grabadora/internal/engine"
	"github.com/snarg/grabadora/internal/queue"
	"github.com/snarg/grabadora/internal/storage"
)

// audioExtensions are the file types the watch folder accepts.
var audioExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".ogg":  true,
	".opus": true,
	".flac": true,
	".webm": true,
}

// settleDelay coalesces rapid Create+Write events and lets the file finish
// writing before ingest.
const settleDelay = 500 * time.Millisecond

// Watcher submits audio files dropped into the watch folder as transcription
// jobs owned by the system user, mirroring the upload path. Ingested files
// are removed from the folder once they are safely in the artifact store.
type Watcher struct {
	cfg     *config.Config
	log     zerolog.Logger
	db      catalog
	store   storage.BlobStore
	q       queue.Queue
	ownerID int

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Coalesce rapid events on the same file.
	settleMu     sync.Mutex
	settleTimers map[string]*time.Timer

	ingested atomic.Int64
	skipped  atomic.Int64
}

func NewWatcher(cfg *config.Config, db catalog, store storage.BlobStore, q queue.Queue, ownerID int, log zerolog.Logger) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		cfg:          cfg,
		log:          log.With().Str("component", "watcher").Logger(),
		db:           db,
		store:        store,
		q:            q,
		ownerID:      ownerID,
		ctx:          ctx,
		cancel:       cancel,
		settleTimers: make(map[string]*time.Timer),
	}
}

// Start begins watching the folder. Files already present are ingested once
// at startup.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.cfg.WatchDir); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", w.cfg.WatchDir, err)
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.loop()

	entries, err := os.ReadDir(w.cfg.WatchDir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				w.schedule(filepath.Join(w.cfg.WatchDir, e.Name()))
			}
		}
	}

	w.log.Info().Str("dir", w.cfg.WatchDir).Msg("watch folder active")
	return nil
}

// Stop closes the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
	w.log.Info().
		Int64("ingested", w.ingested.Load()).
		Int64("skipped", w.skipped.Load()).
		Msg("watch folder stopped")
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.schedule(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// schedule debounces ingest per path by the settle delay.
func (w *Watcher) schedule(path string) {
	if !audioExtensions[strings.ToLower(filepath.Ext(path))] {
		return
	}

	w.settleMu.Lock()
	defer w.settleMu.Unlock()

	if t, ok := w.settleTimers[path]; ok {
		t.Reset(settleDelay)
		return
	}
	w.settleTimers[path] = time.AfterFunc(settleDelay, func() {
		w.settleMu.Lock()
		delete(w.settleTimers, path)
		w.settleMu.Unlock()

		if err := w.ingest(path); err != nil {
			w.skipped.Add(1)
			w.log.Warn().Err(err).Str("path", path).Msg("watch ingest failed")
		}
	})
}

// ingest stores the dropped file, creates the catalog row, and enqueues the
// transcription job. The source file is removed on success.
func (w *Watcher) ingest(path string) error {
	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if info.Size() == 0 {
		f.Close()
		return fmt.Errorf("empty file")
	}

	name := filepath.Base(path)
	audioKey := fmt.Sprintf("%d/%s-%s", w.ownerID, uuid.NewString(), name)
	err = w.store.Put(ctx, w.cfg.AudioBucket, audioKey, f, info.Size(), "application/octet-stream")
	f.Close()
	if err != nil {
		return fmt.Errorf("store audio: %w", err)
	}

	jobID := uuid.NewString()
	tr := &database.Transcript{
		ID:             uuid.NewString(),
		OwnerID:        w.ownerID,
		JobID:          jobID,
		Title:          name,
		Language:       w.cfg.Language,
		QualityProfile: engine.ProfileBalanced,
		AudioKey:       audioKey,
		Tags:           []string{"watch-folder"},
	}
	if err := w.db.CreateTranscript(ctx, tr); err != nil {
		return err
	}

	if err := w.q.Enqueue(ctx, &queue.JobSpec{
		ID:   jobID,
		Func: "transcribe_job",
		Args: map[string]string{
			"audio_key":     audioKey,
			"language":      w.cfg.Language,
			"profile":       engine.ProfileBalanced,
			"user_id":       strconv.Itoa(w.ownerID),
			"transcript_id": tr.ID,
		},
	}); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := w.q.SetMeta(ctx, jobID, map[string]string{
		queue.MetaUserID:         strconv.Itoa(w.ownerID),
		queue.MetaTranscriptID:   tr.ID,
		queue.MetaQualityProfile: engine.ProfileBalanced,
	}); err != nil {
		w.log.Warn().Err(err).Str("job_id", jobID).Msg("envelope meta not recorded")
	}

	if err := os.Remove(path); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("ingested file not removed")
	}
	w.ingested.Add(1)
	w.log.Info().Str("file", name).Str("job_id", jobID).Msg("watch file submitted")
	return nil
}
