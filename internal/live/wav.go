package live

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

const wavHeaderSize = 44

// ErrCorruptAudio means the session WAV no longer starts with a valid RIFF
// header. The session cannot be appended to and is aborted.
var ErrCorruptAudio = errors.New("session audio corrupted")

// pcmBytesToSamples converts little-endian 16-bit PCM bytes to samples. A
// trailing odd byte is dropped.
func pcmBytesToSamples(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}
	return out
}

// normalizeChunk converts one uploaded chunk to canonical session audio:
// mono 16-bit PCM at targetRate. A RIFF container is parsed, downmixed, and
// resampled; any other payload is taken as raw little-endian 16-bit mono
// PCM already at the session rate.
func normalizeChunk(data []byte, targetRate int) ([]int16, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty chunk")
	}
	var samples []int16
	if len(data) >= 12 && string(data[0:4]) == "RIFF" {
		if string(data[8:12]) != "WAVE" {
			return nil, fmt.Errorf("riff payload is not wave audio")
		}
		var err error
		samples, err = decodeWAV(data, targetRate)
		if err != nil {
			return nil, err
		}
	} else {
		samples = pcmBytesToSamples(data)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("chunk decoded to no samples")
	}
	return samples, nil
}

// decodeWAV extracts 16-bit PCM from a WAV blob, averaging channels down to
// mono and resampling to targetRate.
func decodeWAV(data []byte, targetRate int) ([]int16, error) {
	var (
		channels int
		rate     int
		pcm      []byte
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			// A data chunk written before its final size is known may
			// claim more than is present; clamp to what we have.
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("wav fmt chunk truncated")
			}
			format := int(binary.LittleEndian.Uint16(data[body : body+2]))
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			rate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits := int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			if format != 1 || bits != 16 || channels < 1 {
				return nil, fmt.Errorf("unsupported wav encoding: format=%d bits=%d channels=%d", format, bits, channels)
			}
		case "data":
			pcm = data[body : body+size]
		}
		off = body + size
		if size%2 == 1 {
			off++ // chunks are word aligned
		}
	}
	if pcm == nil || rate == 0 {
		return nil, fmt.Errorf("wav missing fmt or data chunk")
	}

	samples := pcmBytesToSamples(pcm)
	if channels > 1 {
		samples = downmix(samples, channels)
	}
	if rate != targetRate {
		samples = resample(samples, rate, targetRate)
	}
	return samples, nil
}

// downmix averages interleaved channels into mono.
func downmix(samples []int16, channels int) []int16 {
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// resample converts between rates by linear interpolation, which is plenty
// for speech headed into a 16 kHz model.
func resample(samples []int16, from, to int) []int16 {
	if from == to || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	if n < 1 {
		n = 1
	}
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(samples[j])*(1-frac) + float64(samples[j+1])*frac)
	}
	return out
}

// samplesToBytes converts samples back to little-endian PCM bytes.
func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

// writeWAV writes a mono 16-bit PCM WAV file in one shot.
func writeWAV(path string, samples []int16, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := writeWAVHeader(f, len(samples)*2, sampleRate); err != nil {
		return err
	}
	_, err = f.Write(samplesToBytes(samples))
	return err
}

// appendWAV appends samples to a growing session WAV. The file is created
// with a header on first call; afterwards the PCM is appended and the RIFF
// chunk size (offset 4) and data chunk size (offset 40) are rewritten in
// place so the file stays a valid WAV after every chunk.
func appendWAV(path string, samples []int16, sampleRate int) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	if info.Size() < wavHeaderSize {
		if err := f.Truncate(0); err != nil {
			return err
		}
		if _, err := f.Seek(0, 0); err != nil {
			return err
		}
		if err := writeWAVHeader(f, 0, sampleRate); err != nil {
			return err
		}
		info, err = f.Stat()
		if err != nil {
			return err
		}
	} else {
		var magic [12]byte
		if _, err := f.ReadAt(magic[:], 0); err != nil {
			return err
		}
		if string(magic[0:4]) != "RIFF" || string(magic[8:12]) != "WAVE" {
			return fmt.Errorf("%w: missing riff markers", ErrCorruptAudio)
		}
	}

	if _, err := f.Seek(0, 2); err != nil {
		return err
	}
	if _, err := f.Write(samplesToBytes(samples)); err != nil {
		return err
	}

	dataSize := int(info.Size()) - wavHeaderSize + len(samples)*2
	var sizes [4]byte

	binary.LittleEndian.PutUint32(sizes[:], uint32(36+dataSize))
	if _, err := f.WriteAt(sizes[:], 4); err != nil {
		return fmt.Errorf("rewrite riff size: %w", err)
	}
	binary.LittleEndian.PutUint32(sizes[:], uint32(dataSize))
	if _, err := f.WriteAt(sizes[:], 40); err != nil {
		return fmt.Errorf("rewrite data size: %w", err)
	}
	return nil
}

func writeWAVHeader(f *os.File, dataSize, sampleRate int) error {
	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataSize))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], 1) // mono
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(header[32:34], 2)
	binary.LittleEndian.PutUint16(header[34:36], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataSize))
	_, err := f.Write(header)
	return err
}
