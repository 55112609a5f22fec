package audio

import "fmt"

// Framer re-slices an arbitrary stream of PCM buffers into chunks of exactly
// chunkFrames frames. Drivers deliver periods whose size rarely matches the
// recognizer block size, so every capture backend pushes through one.
//
// A Framer is not safe for concurrent use; it lives on the capture thread.
type Framer struct {
	sampleRate int
	channels   int
	chunkBytes int
	buf        []byte
	next       uint64
}

func NewFramer(sampleRate, channels, chunkFrames int) (*Framer, error) {
	if sampleRate <= 0 || channels <= 0 || chunkFrames <= 0 {
		return nil, fmt.Errorf("invalid framer geometry: rate=%d channels=%d frames=%d", sampleRate, channels, chunkFrames)
	}
	chunkBytes := chunkFrames * channels * BytesPerSample
	return &Framer{
		sampleRate: sampleRate,
		channels:   channels,
		chunkBytes: chunkBytes,
		buf:        make([]byte, 0, chunkBytes),
	}, nil
}

// Write appends p and calls emit once for every chunk completed by it, in
// order. p is copied; emitted chunks own their payload.
func (f *Framer) Write(p []byte, emit func(Chunk)) {
	for len(p) > 0 {
		n := f.chunkBytes - len(f.buf)
		if n > len(p) {
			n = len(p)
		}
		f.buf = append(f.buf, p[:n]...)
		p = p[n:]
		if len(f.buf) == f.chunkBytes {
			emit(Chunk{
				Sequence:   f.next,
				SampleRate: f.sampleRate,
				Channels:   f.channels,
				PCM:        f.buf,
			})
			f.next++
			f.buf = make([]byte, 0, f.chunkBytes)
		}
	}
}

// Pending returns the number of buffered bytes not yet emitted.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// ChunkBytes returns the payload size of every emitted chunk.
func (f *Framer) ChunkBytes() int {
	return f.chunkBytes
}
