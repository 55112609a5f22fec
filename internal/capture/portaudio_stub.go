//go:build !portaudio

package capture

import (
	"errors"
	"fmt"
	"log/slog"
)

var errNoPortAudio = errors.New("built without portaudio support (rebuild with -tags portaudio)")

type noPortAudio struct{}

func newPortAudioSource(_ Format, _ *slog.Logger) Source {
	return noPortAudio{}
}

func (noPortAudio) Open(_ Handler) error {
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, errNoPortAudio)
}

func (noPortAudio) Close() error { return nil }

func listPortAudioDevices() ([]Device, error) {
	return nil, errNoPortAudio
}
