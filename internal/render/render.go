// Package render turns a finished transcription into downloadable document
// formats.
package render

import (
	"fmt"
	"strings"

	"github.com/snarg/grabadora/internal/database"
	"github.com/snarg/grabadora/internal/engine"
)

const (
	FormatTxt = "txt"
	FormatMd  = "md"
	FormatSrt = "srt"
)

// ErrUnknownFormat is returned for formats outside txt, md, and srt.
var ErrUnknownFormat = fmt.Errorf("unknown format")

// wordsPerCue sizes the synthesized subtitle cues when no segment timing
// survived.
const wordsPerCue = 10

// Render produces the document body and its content type.
func Render(format string, tr *database.Transcript, text string, segs []engine.Segment) ([]byte, string, error) {
	switch format {
	case FormatTxt:
		return []byte(text), "text/plain; charset=utf-8", nil
	case FormatMd:
		return renderMarkdown(tr, text), "text/markdown; charset=utf-8", nil
	case FormatSrt:
		return renderSRT(tr, text, segs), "application/x-subrip", nil
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

func renderMarkdown(tr *database.Transcript, text string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", tr.Title)
	fmt.Fprintf(&b, "- Idioma: %s\n", tr.Language)
	fmt.Fprintf(&b, "- Perfil: %s\n\n", tr.QualityProfile)
	b.WriteString(text)
	b.WriteString("\n")
	return []byte(b.String())
}

func renderSRT(tr *database.Transcript, text string, segs []engine.Segment) []byte {
	if len(segs) == 0 {
		segs = synthesizeCues(text, tr.DurationSeconds)
	}
	var b strings.Builder
	for i, seg := range segs {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", srtTimestamp(seg.Start), srtTimestamp(seg.End))
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteString("\n\n")
	}
	return []byte(b.String())
}

// synthesizeCues spreads the text evenly across the known duration when the
// per-segment timing was not kept.
func synthesizeCues(text string, duration float64) []engine.Segment {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	cues := (len(words) + wordsPerCue - 1) / wordsPerCue
	if duration <= 0 {
		duration = float64(cues) * 4
	}
	per := duration / float64(cues)

	segs := make([]engine.Segment, 0, cues)
	for i := 0; i < cues; i++ {
		lo := i * wordsPerCue
		hi := lo + wordsPerCue
		if hi > len(words) {
			hi = len(words)
		}
		segs = append(segs, engine.Segment{
			Start: float64(i) * per,
			End:   float64(i+1) * per,
			Text:  strings.Join(words[lo:hi], " "),
		})
	}
	return segs
}

// srtTimestamp formats seconds as HH:MM:SS,mmm.
func srtTimestamp(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	ms := int(sec*1000 + 0.5)
	h := ms / 3600000
	ms -= h * 3600000
	m := ms / 60000
	ms -= m * 60000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
