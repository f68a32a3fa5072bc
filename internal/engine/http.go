package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// capability tables: the form-field keys each HTTP variant accepts. Declared
// here rather than discovered, so a drop is decided before the request.
var (
	alignedKeys = keySet(
		"language", "device", "compute_type", "beam_size", "batch_size",
		"diarization", "word_timestamps", "vad_filter", "initial_prompt",
	)
	fasterKeys = keySet(
		"language", "device", "compute_type", "beam_size",
		"word_timestamps", "vad_filter", "initial_prompt",
	)
)

func keySet(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// HTTPEngine calls a whisper-style transcription server over multipart HTTP.
// The aligned variant speaks to a server with alignment and diarization; the
// faster variant to a plain faster-whisper server.
type HTTPEngine struct {
	url      string
	model    string
	variant  string
	accepted map[string]bool
	client   *http.Client
	onDrop   func(key string) // notified for each dropped option key
}

// NewAlignedEngine creates the primary engine client.
func NewAlignedEngine(url, model string, timeout time.Duration, onDrop func(string)) *HTTPEngine {
	return &HTTPEngine{
		url:      url,
		model:    model,
		variant:  "aligned",
		accepted: alignedKeys,
		client:   &http.Client{Timeout: timeout},
		onDrop:   onDrop,
	}
}

// NewFasterEngine creates the fallback engine client. It accepts no
// diarization options.
func NewFasterEngine(url, model string, timeout time.Duration, onDrop func(string)) *HTTPEngine {
	return &HTTPEngine{
		url:      url,
		model:    model,
		variant:  "faster",
		accepted: fasterKeys,
		client:   &http.Client{Timeout: timeout},
		onDrop:   onDrop,
	}
}

func (e *HTTPEngine) Variant() string { return e.variant }

// httpResponse is the server's verbose JSON payload.
type httpResponse struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// Transcribe posts the audio and options as multipart/form-data. Options not
// in the variant's capability table are dropped, not sent. The server
// answers in one shot; token events are synthesized per segment so callers
// observe the same stream shape as with an incremental engine.
func (e *HTTPEngine) Transcribe(ctx context.Context, path string, opts Options, sink TokenSink) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}

	if e.model != "" {
		w.WriteField("model", e.model)
	}
	w.WriteField("response_format", "verbose_json")

	fields := optionFields(opts)
	// Deterministic field order keeps request logs and tests stable.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !e.accepted[k] {
			if e.onDrop != nil {
				e.onDrop(k)
			}
			continue
		}
		w.WriteField(k, fields[k])
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/v1/transcribe", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed httpResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &Result{
		Text:     strings.TrimSpace(parsed.Text),
		Language: parsed.Language,
		Duration: parsed.Duration,
		Segments: parsed.Segments,
	}
	if result.Text == "" && len(result.Segments) > 0 {
		parts := make([]string, 0, len(result.Segments))
		for _, seg := range result.Segments {
			parts = append(parts, strings.TrimSpace(seg.Text))
		}
		result.Text = strings.Join(parts, " ")
	}

	if sink != nil {
		for i, seg := range result.Segments {
			sink(TokenEvent{Text: seg.Text, Start: seg.Start, End: seg.End, Segment: i})
		}
	}
	return result, nil
}
