package render

import (
	"errors"
	"strings"
	"testing"

	"github.com/snarg/grabadora/internal/database"
	"github.com/snarg/grabadora/internal/engine"
)

func testRow() *database.Transcript {
	return &database.Transcript{
		Title:           "Reunión semanal",
		Language:        "es",
		QualityProfile:  "balanced",
		DurationSeconds: 8,
	}
}

func TestRenderTxt(t *testing.T) {
	body, ct, err := Render(FormatTxt, testRow(), "hola mundo", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if string(body) != "hola mundo" {
		t.Errorf("body = %q", body)
	}
	if ct != "text/plain; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
}

func TestRenderMarkdownHeader(t *testing.T) {
	body, ct, err := Render(FormatMd, testRow(), "hola mundo", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "# Reunión semanal\n\n- Idioma: es\n- Perfil: balanced\n\nhola mundo\n"
	if string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	if ct != "text/markdown; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
}

func TestRenderSRTFromSegments(t *testing.T) {
	segs := []engine.Segment{
		{Start: 0, End: 1.5, Text: " hola "},
		{Start: 1.5, End: 62.25, Text: "mundo"},
	}
	body, _, err := Render(FormatSrt, testRow(), "hola mundo", segs)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "1\n00:00:00,000 --> 00:00:01,500\nhola\n\n" +
		"2\n00:00:01,500 --> 00:01:02,250\nmundo\n\n"
	if string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestRenderSRTSynthesizesCues(t *testing.T) {
	words := make([]string, 25)
	for i := range words {
		words[i] = "palabra"
	}
	body, _, err := Render(FormatSrt, testRow(), strings.Join(words, " "), nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	// 25 words at 10 per cue is 3 cues over 8 seconds.
	if !strings.HasPrefix(string(body), "1\n00:00:00,000 --> ") {
		t.Errorf("body = %q", body)
	}
	if !strings.Contains(string(body), "\n3\n") {
		t.Errorf("expected 3 cues, got %q", body)
	}
	if strings.Contains(string(body), "\n4\n") {
		t.Errorf("too many cues: %q", body)
	}
	if !strings.Contains(string(body), "00:00:08,000\n") {
		t.Errorf("last cue should end at duration: %q", body)
	}
}

func TestRenderUnknownFormat(t *testing.T) {
	_, _, err := Render("pdf", testRow(), "x", nil)
	if !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("err = %v, want ErrUnknownFormat", err)
	}
}

func TestSRTTimestamp(t *testing.T) {
	cases := []struct {
		sec  float64
		want string
	}{
		{0, "00:00:00,000"},
		{1.5, "00:00:01,500"},
		{61.042, "00:01:01,042"},
		{3661.999, "01:01:01,999"},
		{-2, "00:00:00,000"},
	}
	for _, tc := range cases {
		if got := srtTimestamp(tc.sec); got != tc.want {
			t.Errorf("srtTimestamp(%v) = %q, want %q", tc.sec, got, tc.want)
		}
	}
}
