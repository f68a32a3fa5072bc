package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// StubEngine is a deterministic in-process engine for tests and engineless
// dev runs. Output depends only on the input size, so the same file always
// yields the same transcript.
type StubEngine struct {
	Lang string
	// Fail forces every call to return this error.
	Fail error
}

func NewStubEngine() *StubEngine {
	return &StubEngine{Lang: "es"}
}

func (e *StubEngine) Variant() string { return "stub" }

func (e *StubEngine) Transcribe(ctx context.Context, path string, opts Options, sink TokenSink) (*Result, error) {
	if e.Fail != nil {
		return nil, e.Fail
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat audio file: %w", err)
	}

	// One segment per 64 KiB of audio, at least one.
	n := int(info.Size()/(64<<10)) + 1
	if n > 8 {
		n = 8
	}

	lang := opts.Language
	if lang == "" {
		lang = e.Lang
	}

	segments := make([]Segment, 0, n)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		seg := Segment{
			ID:    i,
			Start: float64(i) * 2.0,
			End:   float64(i)*2.0 + 2.0,
			Text:  fmt.Sprintf("segmento %d de prueba", i+1),
		}
		segments = append(segments, seg)
		parts = append(parts, seg.Text)
		if sink != nil {
			sink(TokenEvent{Text: seg.Text, Start: seg.Start, End: seg.End, Segment: i})
		}
	}

	return &Result{
		Text:     strings.Join(parts, " "),
		Language: lang,
		Duration: float64(n) * 2.0,
		Segments: segments,
	}, nil
}
