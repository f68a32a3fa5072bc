package engine

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"time"
)

const warmupSampleRate = 16000

// Warmup pushes a half-second of silence through the engine so model load
// and first-request costs are paid at startup, not on the first user job.
// Best effort: failures are recorded and ignored.
func (s *Service) Warmup(ctx context.Context) {
	dir, err := os.MkdirTemp("", "warmup-*")
	if err != nil {
		s.log.Debug().Err(err).Msg("warmup skipped")
		return
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "silence.wav")
	if err := writeSilentWAV(path, 500*time.Millisecond); err != nil {
		s.log.Debug().Err(err).Msg("warmup skipped")
		return
	}

	start := time.Now()
	_, err = s.Transcribe(ctx, path, Request{Profile: ProfileFast}, nil)
	if err != nil {
		s.Debug.Add("warmup_failed", err.Error())
		s.log.Warn().Err(err).Msg("engine warmup failed")
		return
	}
	s.log.Info().Dur("took", time.Since(start)).Msg("engine warmed up")
}

// writeSilentWAV writes a 16 kHz mono 16-bit PCM WAV of silence.
func writeSilentWAV(path string, d time.Duration) error {
	samples := int(float64(warmupSampleRate) * d.Seconds())
	dataSize := samples * 2

	buf := make([]byte, 44+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], warmupSampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], warmupSampleRate*2)
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	return os.WriteFile(path, buf, 0o644)
}
