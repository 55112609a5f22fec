//go:build !portaudio

package capture

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-listen/internal/audio"
)

func TestPortAudioStubFailsFast(t *testing.T) {
	src := newPortAudioSource(Format{Device: 1, SampleRate: 16000, Channels: 1, ChunkFrames: 8000}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := src.Open(func(audio.Chunk, Status) { t.Error("handler must not run") })
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if _, err := ListDevices("portaudio"); err == nil {
		t.Fatal("expected listing error without portaudio support")
	}
}
