package live

import (
	"strings"

	"github.com/snarg/grabadora/internal/engine"
)

// timeSlack is the tolerance when comparing segment boundaries for
// duplicate detection.
const timeSlack = 0.5

// promoter decides which window segments enter the session transcript.
// Windows overlap, so the same speech is decoded more than once; a segment
// is promoted only when it advances the timeline and is not a repeat.
type promoter struct {
	repeatWindow float64 // seconds
	repeatMax    int
	capacity     int

	lastEnd float64
	prev    *promoted
	recent  []promoted
}

type promoted struct {
	text string
	at   float64 // absolute end time
}

func newPromoter(repeatWindow float64, repeatMax int) *promoter {
	capacity := repeatMax * 4
	if capacity < 8 {
		capacity = 8
	}
	return &promoter{
		repeatWindow: repeatWindow,
		repeatMax:    repeatMax,
		capacity:     capacity,
	}
}

// promote maps window-relative segments to absolute time and filters them.
// Accepted segments come back with absolute Start/End.
func (p *promoter) promote(windowStart float64, segs []engine.Segment) []engine.Segment {
	accepted := []engine.Segment{}
	for _, seg := range segs {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		absStart := windowStart + seg.Start
		absEnd := windowStart + seg.End

		// Already covered by the promoted timeline.
		if absEnd <= p.lastEnd+1e-3 {
			continue
		}

		// Re-decode of the previous segment with nudged boundaries.
		if p.prev != nil && p.prev.text == text &&
			abs(absEnd-p.prev.at) < timeSlack &&
			abs(absStart-(p.prev.at-(seg.End-seg.Start))) < timeSlack {
			continue
		}

		// Hallucination loop: same text repeating within the repeat window.
		if p.repeatMax > 0 && p.repeatCount(text, absStart) >= p.repeatMax {
			continue
		}

		out := seg
		out.Start = absStart
		out.End = absEnd
		out.Text = text
		accepted = append(accepted, out)

		p.lastEnd = absEnd
		p.prev = &promoted{text: text, at: absEnd}
		p.recent = append(p.recent, promoted{text: text, at: absEnd})
		if len(p.recent) > p.capacity {
			p.recent = p.recent[len(p.recent)-p.capacity:]
		}
	}
	return accepted
}

func (p *promoter) repeatCount(text string, since float64) int {
	count := 0
	for _, r := range p.recent {
		if r.text == text && r.at >= since-p.repeatWindow {
			count++
		}
	}
	return count
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
