package worker

import (
	"encoding/binary"
	"os"
)

// wavDuration reads the duration of a PCM WAV file from its header.
// Returns 0 for anything it cannot parse; progress estimation then falls
// back to per-segment increments.
func wavDuration(path string) float64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	header := make([]byte, 44)
	if _, err := f.Read(header); err != nil {
		return 0
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return 0
	}

	byteRate := binary.LittleEndian.Uint32(header[28:32])
	if byteRate == 0 {
		return 0
	}

	info, err := f.Stat()
	if err != nil {
		return 0
	}
	dataBytes := info.Size() - 44
	if dataBytes <= 0 {
		return 0
	}
	return float64(dataBytes) / float64(byteRate)
}
