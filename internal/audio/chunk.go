// Package audio holds the PCM primitives shared by capture, recognition and
// recording: fixed-size chunks, the framer that produces them and WAV I/O.
package audio

import (
	"encoding/binary"
	"time"
)

// BytesPerSample is the width of one 16-bit signed little-endian sample.
const BytesPerSample = 2

// Chunk is a fixed-size block of interleaved PCM16 samples. Sequence is the
// arrival order assigned by the producer. Chunks are treated as immutable once
// handed off.
type Chunk struct {
	Sequence   uint64
	SampleRate int
	Channels   int
	PCM        []byte
}

// Frames returns the number of sample frames (one sample per channel).
func (c Chunk) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.PCM) / (BytesPerSample * c.Channels)
}

// Duration returns the audio time covered by the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// Samples decodes the chunk payload.
func (c Chunk) Samples() []int16 {
	return DecodePCM16(c.PCM)
}

// Silent reports whether every sample in the chunk is zero.
func (c Chunk) Silent() bool {
	for _, b := range c.PCM {
		if b != 0 {
			return false
		}
	}
	return true
}

// EncodePCM16 packs samples as little-endian 16-bit PCM.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s))
	}
	return out
}

// DecodePCM16 unpacks little-endian 16-bit PCM. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
	}
	return samples
}
