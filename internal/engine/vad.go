package engine

import (
	"encoding/binary"
	"io"
	"os"
)

// Silence classification for the auto VAD mode. An int16 sample under the
// amplitude floor counts as silent; the filter turns on when the silent share
// of the input exceeds the threshold.
const (
	vadSilenceFloor     = 300
	vadSilenceThreshold = 0.30
)

// wavSilenceRatio returns the silent share of a 16-bit PCM WAV in [0,1].
// Inputs it cannot parse report 0, which leaves the VAD filter off.
func wavSilenceRatio(path string) float64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return 0
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return 0
	}

	bits := 0
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			return 0
		}
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))
		switch string(hdr[0:4]) {
		case "fmt ":
			body := make([]byte, size)
			if size < 16 {
				return 0
			}
			if _, err := io.ReadFull(f, body); err != nil {
				return 0
			}
			bits = int(binary.LittleEndian.Uint16(body[14:16]))
		case "data":
			if bits != 16 {
				return 0
			}
			return pcm16SilenceRatio(io.LimitReader(f, size))
		default:
			if _, err := io.CopyN(io.Discard, f, size); err != nil {
				return 0
			}
		}
	}
}

func pcm16SilenceRatio(r io.Reader) float64 {
	var silent, total int
	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		for i := 0; i+1 < n; i += 2 {
			v := int(int16(binary.LittleEndian.Uint16(buf[i : i+2])))
			if v < 0 {
				v = -v
			}
			if v < vadSilenceFloor {
				silent++
			}
			total++
		}
		if err != nil {
			break
		}
	}
	if total == 0 {
		return 0
	}
	return float64(silent) / float64(total)
}
