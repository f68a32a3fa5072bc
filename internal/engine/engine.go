// Package engine adapts external speech-to-text servers behind one
// interface. Variants declare the option keys they accept up front, so
// unsupported options are dropped before a request instead of bounced by the
// server. Device selection, accelerator failure fallback, and VAD retries
// all live here: a job runs once, the engine is the only place that retries.
package engine

import (
	"context"
	"fmt"
)

// Quality profiles and the compute type each maps to.
const (
	ProfileFast     = "fast"
	ProfileBalanced = "balanced"
	ProfilePrecise  = "precise"
)

// computeTypes maps quality profile to engine compute type.
var computeTypes = map[string]string{
	ProfileFast:     "int8",
	ProfileBalanced: "float16",
	ProfilePrecise:  "float32",
}

// ValidProfile reports whether p is a known quality profile.
func ValidProfile(p string) bool {
	_, ok := computeTypes[p]
	return ok
}

// TokenEvent is one streamed decoding token. Segment is the index of the
// segment the token belongs to.
type TokenEvent struct {
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Segment int     `json:"segment"`
}

// TokenSink receives token events as decoding advances. May be nil.
type TokenSink func(TokenEvent)

// Segment is one span of transcribed speech.
type Segment struct {
	ID      int     `json:"id"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// Result is a completed transcription.
type Result struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// Options are the per-request engine options after device resolution.
// String form-field names are produced by optionFields; the capability table
// of each variant decides which ones are actually sent.
type Options struct {
	Language       string
	Device         string
	ComputeType    string
	Beam           int
	BatchSize      int
	Diarization    bool
	WordTimestamps bool
	VAD            bool
	InitialPrompt  string
}

// Transcriber is one engine variant.
type Transcriber interface {
	// Transcribe decodes the WAV file at path. sink may be nil.
	Transcribe(ctx context.Context, path string, opts Options, sink TokenSink) (*Result, error)
	// Variant returns "aligned", "faster", or "stub".
	Variant() string
}

// optionFields flattens Options into form fields keyed by wire name.
func optionFields(opts Options) map[string]string {
	fields := map[string]string{}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	if opts.Device != "" {
		fields["device"] = opts.Device
	}
	if opts.ComputeType != "" {
		fields["compute_type"] = opts.ComputeType
	}
	if opts.Beam > 0 {
		fields["beam_size"] = fmt.Sprintf("%d", opts.Beam)
	}
	if opts.BatchSize > 0 {
		fields["batch_size"] = fmt.Sprintf("%d", opts.BatchSize)
	}
	if opts.Diarization {
		fields["diarization"] = "true"
	}
	if opts.WordTimestamps {
		fields["word_timestamps"] = "true"
	}
	if opts.VAD {
		fields["vad_filter"] = "true"
	}
	if opts.InitialPrompt != "" {
		fields["initial_prompt"] = opts.InitialPrompt
	}
	return fields
}
