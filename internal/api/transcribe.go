package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/grabadora/internal/database"
	"github.com/snarg/grabadora/internal/engine"
	"github.com/snarg/grabadora/internal/metrics"
	"github.com/snarg/grabadora/internal/queue"
)

const (
	// ssePollInterval is how often the envelope is re-read while streaming.
	ssePollInterval = 500 * time.Millisecond

	// sseHeartbeat is the max quiet time before a heartbeat event.
	sseHeartbeat = 10 * time.Second

	// snapshotStride re-sends the accumulated transcript every time progress
	// advances this much, so late subscribers and lossy clients recover.
	snapshotStride = 25
)

// mediaExtensions are accepted when the declared MIME type is not audio/*
// or video/*.
var mediaExtensions = map[string]bool{
	".aac": true, ".flac": true, ".m4a": true, ".m4v": true,
	".mkv": true, ".mov": true, ".mp3": true, ".mp4": true,
	".ogg": true, ".wav": true, ".webm": true, ".wma": true,
}

func supportedMedia(filename, contentType string) bool {
	ct := strings.ToLower(contentType)
	if strings.HasPrefix(ct, "audio/") || strings.HasPrefix(ct, "video/") {
		return true
	}
	return mediaExtensions[strings.ToLower(filepath.Ext(filename))]
}

// submit accepts a multipart audio upload and queues the transcription.
func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	ownerID := UserID(r.Context())
	// The limit applies to the file itself; the body cap adds headroom so
	// multipart framing never counts against it.
	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxUploadBytes()+1<<20)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			WriteError(w, http.StatusRequestEntityTooLarge, KindTooLarge,
				fmt.Sprintf("upload exceeds %d MB", h.Config.MaxUploadMB))
			return
		}
		WriteError(w, http.StatusBadRequest, KindBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, KindBadRequest, "file field required")
		return
	}
	defer file.Close()
	if header.Size == 0 {
		WriteError(w, http.StatusBadRequest, KindBadRequest, "empty file")
		return
	}
	if header.Size > h.Config.MaxUploadBytes() {
		WriteError(w, http.StatusRequestEntityTooLarge, KindTooLarge,
			fmt.Sprintf("upload exceeds %d MB", h.Config.MaxUploadMB))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if !supportedMedia(header.Filename, contentType) {
		WriteError(w, http.StatusBadRequest, KindBadRequest,
			"unsupported media type: upload an audio or video file")
		return
	}

	profile := r.FormValue("profile")
	if profile == "" {
		profile = h.Config.DefaultProfile
	}
	if !engine.ValidProfile(profile) {
		WriteError(w, http.StatusBadRequest, KindBadRequest,
			fmt.Sprintf("invalid profile %q: must be fast, balanced, or precise", profile))
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		title = header.Filename
	}
	var tags []string
	for _, t := range strings.Split(r.FormValue("tags"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}

	audioKey := fmt.Sprintf("%d/%s-%s", ownerID, uuid.NewString(), filepath.Base(header.Filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := h.Blobs.Put(r.Context(), h.Config.AudioBucket, audioKey, file, header.Size, contentType); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("audio upload failed")
		WriteError(w, http.StatusInternalServerError, KindInternal, "could not store audio")
		return
	}

	jobID := uuid.NewString()
	tr := &database.Transcript{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		JobID:          jobID,
		Title:          title,
		Language:       r.FormValue("language"),
		QualityProfile: profile,
		AudioKey:       audioKey,
		Tags:           tags,
	}
	if err := h.DB.CreateTranscript(r.Context(), tr); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("catalog insert failed")
		WriteError(w, http.StatusInternalServerError, KindInternal, "could not create transcript")
		return
	}

	err = h.Queue.Enqueue(r.Context(), &queue.JobSpec{
		ID:   jobID,
		Func: "transcribe_job",
		Args: map[string]string{
			"audio_key":       audioKey,
			"language":        r.FormValue("language"),
			"profile":         profile,
			"diarization":     strconv.FormatBool(FormBool(r, "diarization")),
			"word_timestamps": strconv.FormatBool(FormBool(r, "word_timestamps")),
			"user_id":         strconv.Itoa(ownerID),
			"transcript_id":   tr.ID,
		},
	})
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("enqueue failed")
		h.DB.DeleteTranscript(r.Context(), ownerID, tr.ID)
		h.Blobs.Delete(r.Context(), h.Config.AudioBucket, audioKey)
		WriteError(w, http.StatusServiceUnavailable, KindUnavailable, "queue unavailable")
		return
	}
	if err := h.Queue.SetMeta(r.Context(), jobID, map[string]string{
		queue.MetaUserID:         strconv.Itoa(ownerID),
		queue.MetaTranscriptID:   tr.ID,
		queue.MetaQualityProfile: profile,
	}); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("envelope meta not recorded")
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id":        jobID,
		"transcript_id": tr.ID,
		"status":        "queued",
	})
}

// streamProgress serves the SSE progress stream for one job.
func (h *handlers) streamProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	ownerID := UserID(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	stream := &sseStream{w: w, rc: http.NewResponseController(w), lastAt: time.Now()}

	state, err := h.Queue.Fetch(r.Context(), jobID)
	if err != nil || !ownsEnvelope(state, ownerID) {
		stream.send("error", map[string]string{"job_id": jobID, "detail": "job-not-found"})
		return
	}

	log := hlog.FromRequest(r)
	log.Info().Str("job_id", jobID).Msg("progress stream opened")

	lastProgress := -1
	lastSnapshot := -1000 // force a snapshot check on first poll

	ticker := time.NewTicker(ssePollInterval)
	defer ticker.Stop()

	for {
		state, err := h.Queue.Fetch(r.Context(), jobID)
		if err != nil {
			stream.send("error", map[string]string{"job_id": jobID, "detail": "job-not-found"})
			return
		}
		progress := state.Progress()

		switch state.Status() {
		case queue.StatusCompleted:
			duration, _ := strconv.ParseFloat(state.Meta[queue.MetaDuration], 64)
			stream.send("completed", map[string]any{
				"job_id":          jobID,
				"transcript_key":  state.Meta[queue.MetaTranscriptKey],
				"language":        state.Meta[queue.MetaLanguage],
				"duration":        duration,
				"quality_profile": state.Meta[queue.MetaQualityProfile],
			})
			log.Info().Str("job_id", jobID).Msg("progress stream completed")
			return
		case queue.StatusFailed:
			stream.send("error", map[string]string{
				"job_id": jobID,
				"detail": state.Meta[queue.MetaErrorMessage],
			})
			return
		}

		if soFar := state.Meta[queue.MetaTranscriptSoFar]; soFar != "" && progress-lastSnapshot >= snapshotStride {
			snap := map[string]any{
				"job_id":   jobID,
				"text":     soFar,
				"progress": progress,
			}
			if partial := state.Meta[queue.MetaSegmentsPartial]; partial != "" {
				snap["segments"] = json.RawMessage(partial)
			}
			stream.send("snapshot", snap)
			lastSnapshot = progress
		}

		// A heartbeat never advances lastProgress; only a delta does.
		if token := state.Meta[queue.MetaLastToken]; token != "" && progress > lastProgress {
			stream.sendRaw("delta", []byte(token))
			lastProgress = progress
		}

		if stream.quietFor(sseHeartbeat) {
			stream.send("heartbeat", map[string]any{
				"job_id":   jobID,
				"status":   state.Status(),
				"progress": progress,
			})
		}

		select {
		case <-r.Context().Done():
			log.Info().Str("job_id", jobID).Msg("progress stream closed by client")
			return
		case <-ticker.C:
		}
	}
}

// jobSnapshot serves the point-in-time job view backed by the envelope, with
// the catalog row standing in once the envelope has been evicted.
func (h *handlers) jobSnapshot(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	ownerID := UserID(r.Context())

	state, err := h.Queue.Fetch(r.Context(), jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		h.jobSnapshotFromCatalog(w, r, jobID, ownerID)
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("job_id", jobID).Msg("envelope fetch failed")
		WriteError(w, http.StatusInternalServerError, KindInternal, "could not load job")
		return
	}
	if !ownsEnvelope(state, ownerID) {
		WriteError(w, http.StatusNotFound, KindNotFound, "job not found")
		return
	}

	segment, _ := strconv.Atoi(state.Meta[queue.MetaSegment])
	resp := map[string]any{
		"job_id":          jobID,
		"status":          state.Status(),
		"progress":        state.Progress(),
		"segment":         segment,
		"quality_profile": state.Meta[queue.MetaQualityProfile],
		"updated_at":      state.Meta[queue.MetaUpdatedAt],
	}
	if v := state.Meta[queue.MetaTranscriptID]; v != "" {
		resp["transcript_id"] = v
	}
	if v := state.Meta[queue.MetaErrorMessage]; v != "" {
		resp["error_message"] = v
	}
	if key := state.Meta[queue.MetaTranscriptKey]; key != "" {
		if url, err := h.Blobs.PresignGet(r.Context(), h.Config.TranscriptBucket, key, h.Config.PresignTTL); err == nil {
			resp["transcript_url"] = url
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// jobSnapshotFromCatalog rebuilds the snapshot from the catalog row after the
// envelope TTL has expired. Misses and foreign rows 404 alike.
func (h *handlers) jobSnapshotFromCatalog(w http.ResponseWriter, r *http.Request, jobID string, ownerID int) {
	tr, err := h.DB.GetTranscriptByJobID(r.Context(), jobID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && tr.OwnerID != ownerID) {
		WriteError(w, http.StatusNotFound, KindNotFound, "job not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("job_id", jobID).Msg("catalog fetch failed")
		WriteError(w, http.StatusInternalServerError, KindInternal, "could not load job")
		return
	}

	status := tr.Status
	progress := 0
	if status == database.StatusRunning {
		status = queue.StatusTranscribing
	}
	if status == database.StatusCompleted {
		progress = 100
	}
	resp := map[string]any{
		"job_id":          jobID,
		"status":          status,
		"progress":        progress,
		"segment":         len(tr.Segments),
		"transcript_id":   tr.ID,
		"quality_profile": tr.QualityProfile,
		"updated_at":      tr.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if tr.ErrorMessage != "" {
		resp["error_message"] = tr.ErrorMessage
	}
	if tr.TranscriptKey != "" {
		if url, err := h.Blobs.PresignGet(r.Context(), h.Config.TranscriptBucket, tr.TranscriptKey, h.Config.PresignTTL); err == nil {
			resp["transcript_url"] = url
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// ownsEnvelope checks stream authorization: an envelope that names an owner
// is visible only to that owner. Unowned envelopes (folder ingests before
// meta lands) stay visible.
func ownsEnvelope(state *queue.JobState, ownerID int) bool {
	owner := state.Meta[queue.MetaUserID]
	return owner == "" || owner == strconv.Itoa(ownerID)
}

// sseStream writes server-sent events and tracks when the last one went out.
type sseStream struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	lastAt time.Time
}

func (s *sseStream) send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.sendRaw(event, data)
}

// sendRaw writes one pre-serialized frame. data must not contain newlines.
func (s *sseStream) sendRaw(event string, data []byte) {
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.rc.Flush()
	s.lastAt = time.Now()
	metrics.SSEEventsTotal.WithLabelValues(event).Inc()
}

func (s *sseStream) quietFor(d time.Duration) bool {
	return time.Since(s.lastAt) >= d
}
