package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/grabadora/internal/live"
)

type liveCreateRequest struct {
	Language   string `json:"language"`
	SampleRate int    `json:"sample_rate"`
}

func (h *handlers) liveCreate(w http.ResponseWriter, r *http.Request) {
	var req liveCreateRequest
	if r.ContentLength > 0 {
		if err := DecodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, KindBadRequest, "invalid JSON body")
			return
		}
	}

	s, err := h.Live.Create(UserID(r.Context()), req.Language, req.SampleRate)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("live session create failed")
		WriteError(w, http.StatusInternalServerError, KindInternal, "could not open session")
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{
		"session_id":  s.ID,
		"language":    s.Language,
		"sample_rate": s.SampleRate,
	})
}

// liveChunk appends one PCM chunk and returns the newly promoted segments.
func (h *handlers) liveChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxUploadBytes())

	var pcm []byte
	if err := r.ParseMultipartForm(8 << 20); err == nil {
		file, _, ferr := r.FormFile("chunk")
		if ferr != nil {
			WriteError(w, http.StatusBadRequest, KindBadRequest, "chunk field required")
			return
		}
		pcm, ferr = io.ReadAll(file)
		file.Close()
		if ferr != nil {
			WriteError(w, http.StatusBadRequest, KindBadRequest, "unreadable chunk")
			return
		}
	} else {
		// Raw body fallback for clients that stream without multipart.
		var rerr error
		pcm, rerr = io.ReadAll(r.Body)
		if rerr != nil {
			WriteError(w, http.StatusBadRequest, KindBadRequest, "unreadable body")
			return
		}
	}
	res, err := h.Live.Chunk(r.Context(), UserID(r.Context()), id, pcm)
	if errors.Is(err, live.ErrSessionNotFound) {
		WriteError(w, http.StatusNotFound, KindNotFound, "session not found")
		return
	}
	if errors.Is(err, live.ErrCorruptAudio) {
		WriteError(w, http.StatusBadRequest, KindBadRequest, "session audio corrupted, session aborted")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("session_id", id).Msg("live chunk failed")
		WriteError(w, http.StatusInternalServerError, KindInternal, "could not process chunk")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"segments":      res.Segments,
		"dropped":       res.Dropped,
		"chunk_count":   res.ChunkCount,
		"dropped_count": res.DroppedCount,
		"window": map[string]any{
			"start":         res.WindowStart,
			"end":           res.WindowEnd,
			"silence_ratio": res.SilenceRatio,
			"skipped":       res.Skipped,
		},
	})
}

func (h *handlers) liveFinalize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.Live.Finalize(r.Context(), UserID(r.Context()), id)
	if errors.Is(err, live.ErrSessionNotFound) {
		WriteError(w, http.StatusNotFound, KindNotFound, "session not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("session_id", id).Msg("live finalize failed")
		WriteError(w, http.StatusInternalServerError, KindInternal, "could not finalize session")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"transcript_id": res.Transcript.ID,
		"text":          res.Text,
		"duration":      res.Transcript.DurationSeconds,
		"language":      res.Transcript.Language,
	})
}

func (h *handlers) liveDiscard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.Live.Discard(UserID(r.Context()), id)
	if errors.Is(err, live.ErrSessionNotFound) {
		WriteError(w, http.StatusNotFound, KindNotFound, "session not found")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}
