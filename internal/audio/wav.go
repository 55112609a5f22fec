package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Clip is a whole recording held in memory.
type Clip struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	return Chunk{SampleRate: c.SampleRate, Channels: c.Channels, PCM: c.PCM}.Duration()
}

// WriteWAV encodes pcm as a 16-bit PCM WAV stream.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%BytesPerSample != 0 {
		return errors.New("pcm payload not aligned")
	}
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("invalid wav format: rate=%d channels=%d", sampleRate, channels)
	}
	samples := DecodePCM16(pcm)
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		buffer.Data[i] = int(s)
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// SaveWAV writes clip to path, replacing any existing file.
func SaveWAV(path string, clip Clip) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	if err := WriteWAV(file, clip.PCM, clip.SampleRate, clip.Channels); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ReadWAV decodes a 16-bit PCM WAV stream.
func ReadWAV(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, errors.New("invalid wav file")
	}
	if dec.BitDepth != 16 {
		return Clip{}, fmt.Errorf("unsupported bit depth %d (only 16-bit PCM)", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return Clip{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		PCM:        EncodePCM16(samples),
	}, nil
}

// LoadWAV reads the WAV file at path.
func LoadWAV(path string) (Clip, error) {
	file, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("open wav file: %w", err)
	}
	defer file.Close()
	return ReadWAV(file)
}
