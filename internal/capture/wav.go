package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
)

// WAVSource replays a WAV file as a capture stream. The tail is padded with
// silence to a whole chunk. With realtime set, chunks are paced at their
// playback duration.
type WAVSource struct {
	path     string
	format   Format
	realtime bool

	done      chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewWAVSource(path string, format Format, realtime bool) *WAVSource {
	return &WAVSource{
		path:     path,
		format:   format,
		realtime: realtime,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

func (s *WAVSource) Open(handler Handler) error {
	clip, err := audio.LoadWAV(s.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if clip.SampleRate != s.format.SampleRate || clip.Channels != s.format.Channels {
		return fmt.Errorf("%w: %s is %d Hz/%d ch, stream expects %d Hz/%d ch", ErrDeviceUnavailable,
			s.path, clip.SampleRate, clip.Channels, s.format.SampleRate, s.format.Channels)
	}
	framer, err := audio.NewFramer(s.format.SampleRate, s.format.Channels, s.format.ChunkFrames)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.done)
		s.replay(clip.PCM, framer, handler)
	}()
	return nil
}

func (s *WAVSource) replay(pcm []byte, framer *audio.Framer, handler Handler) {
	var pending []audio.Chunk
	collect := func(c audio.Chunk) { pending = append(pending, c) }

	step := framer.ChunkBytes()
	for off := 0; off < len(pcm); off += step {
		end := off + step
		if end > len(pcm) {
			end = len(pcm)
		}
		framer.Write(pcm[off:end], collect)
	}
	if n := framer.Pending(); n > 0 {
		framer.Write(make([]byte, step-n), collect)
	}

	var tick <-chan time.Time
	if s.realtime && len(pending) > 0 {
		ticker := time.NewTicker(pending[0].Duration())
		defer ticker.Stop()
		tick = ticker.C
	}
	for i, chunk := range pending {
		select {
		case <-s.stop:
			return
		default:
		}
		handler(chunk, 0)
		if tick == nil || i == len(pending)-1 {
			continue
		}
		// The next chunk is due one chunk duration after this one.
		select {
		case <-s.stop:
			return
		case <-tick:
		}
	}
}

// Done is closed after the last chunk has been delivered.
func (s *WAVSource) Done() <-chan struct{} {
	return s.done
}

func (s *WAVSource) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	return nil
}
