package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/grabadora/internal/database"
	"github.com/snarg/grabadora/internal/queue"
	"github.com/snarg/grabadora/internal/render"
)

var exportDestinations = map[string]bool{
	"notion":  true,
	"trello":  true,
	"webhook": true,
}

var knownStatuses = map[string]bool{
	database.StatusQueued:    true,
	database.StatusRunning:   true,
	database.StatusCompleted: true,
	database.StatusFailed:    true,
}

func (h *handlers) listTranscripts(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, KindBadRequest, err.Error())
		return
	}

	filter := database.TranscriptFilter{Limit: p.Limit, Offset: p.Offset}
	if v, ok := QueryString(r, "search"); ok {
		filter.Search = v
	}
	if v, ok := QueryString(r, "status"); ok {
		if !knownStatuses[v] {
			WriteError(w, http.StatusBadRequest, KindBadRequest, fmt.Sprintf("unknown status %q", v))
			return
		}
		filter.Status = v
	}

	rows, total, err := h.DB.ListTranscripts(r.Context(), UserID(r.Context()), filter)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list transcripts failed")
		WriteError(w, http.StatusInternalServerError, KindInternal, "could not list transcripts")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"transcripts": rows,
		"total":       total,
		"limit":       p.Limit,
		"offset":      p.Offset,
	})
}

func (h *handlers) getTranscript(w http.ResponseWriter, r *http.Request) {
	tr, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	resp := map[string]any{"transcript": tr}
	if url, err := h.Blobs.PresignGet(r.Context(), h.Config.AudioBucket, tr.AudioKey, h.Config.PresignTTL); err == nil {
		resp["audio_url"] = url
	}
	if tr.TranscriptKey != "" {
		if url, err := h.Blobs.PresignGet(r.Context(), h.Config.TranscriptBucket, tr.TranscriptKey, h.Config.PresignTTL); err == nil {
			resp["transcript_url"] = url
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) downloadTranscript(w http.ResponseWriter, r *http.Request) {
	tr, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	if tr.Status != database.StatusCompleted {
		WriteError(w, http.StatusConflict, KindConflict,
			fmt.Sprintf("transcript is %s, not completed", tr.Status))
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = render.FormatTxt
	}

	text, err := h.loadText(r, tr)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("transcript", tr.ID).Msg("artifact load failed")
		WriteError(w, http.StatusInternalServerError, KindInternal, "could not load transcript")
		return
	}

	body, contentType, err := render.Render(format, tr, text, tr.Segments)
	if errors.Is(err, render.ErrUnknownFormat) {
		WriteError(w, http.StatusBadRequest, KindBadRequest, err.Error())
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, KindInternal, "could not render transcript")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("transcript-%s.%s", tr.ID, format)))
	w.Write(body)
}

func (h *handlers) deleteTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tr, err := h.DB.DeleteTranscript(r.Context(), UserID(r.Context()), id)
	if errors.Is(err, database.ErrNotFound) {
		WriteError(w, http.StatusNotFound, KindNotFound, "transcript not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("delete transcript failed")
		WriteError(w, http.StatusInternalServerError, KindInternal, "could not delete transcript")
		return
	}

	// Artifact cleanup is best effort; the row is already gone.
	ctx := r.Context()
	h.Blobs.Delete(ctx, h.Config.AudioBucket, tr.AudioKey)
	if tr.TranscriptKey != "" {
		h.Blobs.Delete(ctx, h.Config.TranscriptBucket, tr.TranscriptKey)
	}
	exports, err := h.Blobs.List(ctx, h.Config.TranscriptBucket, "exports/"+tr.ID+".")
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("transcript_id", tr.ID).Msg("export listing failed")
	}
	for _, obj := range exports {
		h.Blobs.Delete(ctx, h.Config.TranscriptBucket, obj.Key)
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": tr.ID})
}

type exportRequest struct {
	Destination string `json:"destination"`
	Format      string `json:"format"`
	Note        string `json:"note"`
}

func (h *handlers) exportTranscript(w http.ResponseWriter, r *http.Request) {
	tr, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	var req exportRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, KindBadRequest, "invalid JSON body")
		return
	}
	if !exportDestinations[req.Destination] {
		WriteError(w, http.StatusBadRequest, KindBadRequest,
			fmt.Sprintf("unknown destination %q: must be notion, trello, or webhook", req.Destination))
		return
	}
	if req.Format == "" {
		req.Format = render.FormatTxt
	}
	if req.Format != render.FormatTxt && req.Format != render.FormatMd && req.Format != render.FormatSrt {
		WriteError(w, http.StatusBadRequest, KindBadRequest, fmt.Sprintf("unknown format %q", req.Format))
		return
	}
	if tr.Status != database.StatusCompleted {
		WriteError(w, http.StatusConflict, KindConflict,
			fmt.Sprintf("transcript is %s, not completed", tr.Status))
		return
	}

	jobID := uuid.NewString()
	ownerID := UserID(r.Context())
	err := h.Queue.Enqueue(r.Context(), &queue.JobSpec{
		ID:   jobID,
		Func: "export_transcript",
		Args: map[string]string{
			"transcript_id": tr.ID,
			"user_id":       strconv.Itoa(ownerID),
			"format":        req.Format,
			"destination":   req.Destination,
			"note":          req.Note,
		},
	})
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, KindUnavailable, "queue unavailable")
		return
	}
	if err := h.Queue.SetMeta(r.Context(), jobID, map[string]string{
		queue.MetaUserID:       strconv.Itoa(ownerID),
		queue.MetaTranscriptID: tr.ID,
	}); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("envelope meta not recorded")
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"job_id": jobID,
	})
}

// loadOwned fetches the row for the path id, writing 404 for missing or
// foreign rows.
func (h *handlers) loadOwned(w http.ResponseWriter, r *http.Request) (*database.Transcript, bool) {
	id := chi.URLParam(r, "id")
	tr, err := h.DB.GetTranscript(r.Context(), UserID(r.Context()), id)
	if errors.Is(err, database.ErrNotFound) {
		WriteError(w, http.StatusNotFound, KindNotFound, "transcript not found")
		return nil, false
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("load transcript failed")
		WriteError(w, http.StatusInternalServerError, KindInternal, "could not load transcript")
		return nil, false
	}
	return tr, true
}

// loadText reads the stored transcript text. Segment timing lives on the row.
func (h *handlers) loadText(r *http.Request, tr *database.Transcript) (string, error) {
	rc, err := h.Blobs.Get(r.Context(), h.Config.TranscriptBucket, tr.TranscriptKey)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
