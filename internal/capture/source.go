// Package capture opens audio inputs and delivers fixed-size PCM chunks to a
// handler on the input's own execution context.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
)

var (
	// ErrDeviceUnavailable is returned by Open when the input cannot be
	// started: missing device, bad index, unsupported format.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrDeviceLost reports a device that stopped mid-stream.
	ErrDeviceLost = errors.New("audio device lost")
	// ErrCaptureStatus reports an overflow/underflow under the fatal policy.
	ErrCaptureStatus = errors.New("audio capture status error")
)

// Status carries the driver flags observed while a chunk was captured.
type Status uint8

const (
	StatusInputOverflow Status = 1 << iota
	StatusInputUnderflow
	// StatusDeviceLost is delivered with an empty chunk when the driver stops
	// the stream without Close being called.
	StatusDeviceLost
)

// Has reports whether every bit of flag is set.
func (s Status) Has(flag Status) bool {
	return s&flag == flag
}

func (s Status) String() string {
	if s == 0 {
		return "ok"
	}
	var parts []string
	if s.Has(StatusInputOverflow) {
		parts = append(parts, "input_overflow")
	}
	if s.Has(StatusInputUnderflow) {
		parts = append(parts, "input_underflow")
	}
	if s.Has(StatusDeviceLost) {
		parts = append(parts, "device_lost")
	}
	return strings.Join(parts, "|")
}

// Handler receives every filled chunk exactly once and in order. It runs on
// the capture thread and must not block.
type Handler func(chunk audio.Chunk, status Status)

// Source is an audio input producing fixed-size chunks.
type Source interface {
	// Open starts delivery to handler. Failures wrap ErrDeviceUnavailable and
	// happen before any chunk is delivered.
	Open(handler Handler) error
	// Close stops capture and releases the device. Safe to call repeatedly.
	Close() error
}

// Finite is implemented by sources that end on their own, such as file replay.
type Finite interface {
	Done() <-chan struct{}
}

// Format is the capture geometry shared by all backends.
type Format struct {
	Device      int
	SampleRate  int
	Channels    int
	ChunkFrames int
}

// Device describes one capture device as reported by a backend.
type Device struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	Default           bool
}

// New builds the source selected by cfg.Backend.
func New(cfg config.AudioConfig, log *slog.Logger) (Source, error) {
	format := Format{
		Device:      cfg.Device,
		SampleRate:  cfg.SampleRate,
		Channels:    cfg.Channels,
		ChunkFrames: cfg.ChunkFrames,
	}
	log = log.With(slog.String("component", "capture"), slog.String("backend", cfg.Backend))
	switch cfg.Backend {
	case "malgo":
		return newMalgoSource(format, log), nil
	case "portaudio":
		return newPortAudioSource(format, log), nil
	case "wav":
		return NewWAVSource(cfg.Input, format, cfg.Realtime), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", cfg.Backend)
	}
}

// ListDevices enumerates capture devices for a hardware backend.
func ListDevices(backend string) ([]Device, error) {
	switch backend {
	case "malgo":
		return listMalgoDevices()
	case "portaudio":
		return listPortAudioDevices()
	default:
		return nil, fmt.Errorf("backend %q has no devices", backend)
	}
}
