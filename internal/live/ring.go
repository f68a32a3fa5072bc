// Package live implements chunked live transcription sessions: a rolling
// PCM window decoded incrementally, with duplicate suppression so the
// overlap between windows never yields repeated text.
package live

// Ring is a bounded rolling buffer of 16-bit PCM samples. It keeps the most
// recent capacity samples and tracks the absolute sample count, so window
// exports can be placed on the session timeline.
type Ring struct {
	samples    []int16
	capacity   int
	sampleRate int
	total      int64 // absolute samples ever appended
}

// NewRing creates a ring holding windowSamples samples.
func NewRing(windowSamples, sampleRate int) *Ring {
	if windowSamples < 1 {
		windowSamples = 1
	}
	return &Ring{capacity: windowSamples, sampleRate: sampleRate}
}

// Append adds samples, evicting the oldest beyond capacity.
func (r *Ring) Append(pcm []int16) {
	r.total += int64(len(pcm))
	r.samples = append(r.samples, pcm...)
	if over := len(r.samples) - r.capacity; over > 0 {
		r.samples = append(r.samples[:0], r.samples[over:]...)
	}
}

// TotalSeconds returns the absolute session duration appended so far.
func (r *Ring) TotalSeconds() float64 {
	return float64(r.total) / float64(r.sampleRate)
}

// ExportFrom returns the buffered samples from the absolute session time
// fromSec through the newest sample, along with the absolute start time of
// the first returned sample. fromSec is clamped to what is still buffered,
// so callers can ask for "last promoted end minus overlap" without caring
// whether that audio has already been evicted.
func (r *Ring) ExportFrom(fromSec float64) (startSec float64, samples []int16) {
	ringStart := r.total - int64(len(r.samples))
	from := int64(fromSec * float64(r.sampleRate))
	if from < ringStart {
		from = ringStart
	}
	if from > r.total {
		from = r.total
	}
	out := make([]int16, r.total-from)
	copy(out, r.samples[from-ringStart:])
	return float64(from) / float64(r.sampleRate), out
}

// silenceRatio returns the fraction of samples whose amplitude is below
// floor.
func silenceRatio(samples []int16, floor int16) float64 {
	if len(samples) == 0 {
		return 1.0
	}
	quiet := 0
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s < floor {
			quiet++
		}
	}
	return float64(quiet) / float64(len(samples))
}
