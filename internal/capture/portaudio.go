//go:build portaudio

package capture

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-listen/internal/audio"
)

// portAudioSource captures through PortAudio with FramesPerBuffer set to the
// chunk size. PortAudio reports overflow/underflow per callback; the flags are
// attached to the next chunk emitted.
type portAudioSource struct {
	format Format
	log    *slog.Logger
	mu     sync.Mutex
	stream *portaudio.Stream
}

func newPortAudioSource(format Format, log *slog.Logger) Source {
	return &portAudioSource{format: format, log: log}
}

func (s *portAudioSource) Open(handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return fmt.Errorf("capture already open")
	}

	framer, err := audio.NewFramer(s.format.SampleRate, s.format.Channels, s.format.ChunkFrames)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: initialize portaudio: %v", ErrDeviceUnavailable, err)
	}

	dev, err := s.selectDevice()
	if err != nil {
		portaudio.Terminate()
		return err
	}
	if dev.MaxInputChannels < s.format.Channels {
		portaudio.Terminate()
		return fmt.Errorf("%w: %s supports %d input channels, need %d", ErrDeviceUnavailable, dev.Name, dev.MaxInputChannels, s.format.Channels)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = s.format.Channels
	params.SampleRate = float64(s.format.SampleRate)
	params.FramesPerBuffer = s.format.ChunkFrames

	var pending Status
	callback := func(in []int16, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		if flags&portaudio.InputOverflow != 0 {
			pending |= StatusInputOverflow
		}
		if flags&portaudio.InputUnderflow != 0 {
			pending |= StatusInputUnderflow
		}
		framer.Write(audio.EncodePCM16(in), func(c audio.Chunk) {
			handler(c, pending)
			pending = 0
		})
	}

	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("%w: open stream on %s: %v", ErrDeviceUnavailable, dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("%w: start stream on %s: %v", ErrDeviceUnavailable, dev.Name, err)
	}

	s.stream = stream
	s.log.Info("capture started",
		slog.String("device_name", dev.Name),
		slog.Int("sample_rate", s.format.SampleRate),
		slog.Int("channels", s.format.Channels),
		slog.Int("chunk_frames", s.format.ChunkFrames))
	return nil
}

func (s *portAudioSource) selectDevice() (*portaudio.DeviceInfo, error) {
	if s.format.Device < 0 {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device: %v", ErrDeviceUnavailable, err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate devices: %v", ErrDeviceUnavailable, err)
	}
	if s.format.Device >= len(devices) {
		return nil, fmt.Errorf("%w: device index %d out of range (%d devices)", ErrDeviceUnavailable, s.format.Device, len(devices))
	}
	return devices[s.format.Device], nil
}

func (s *portAudioSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	s.stream = nil
	portaudio.Terminate()
	s.log.Info("capture stopped")
	if stopErr != nil {
		return fmt.Errorf("stop stream: %w", stopErr)
	}
	return closeErr
}

func listPortAudioDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()
	var devices []Device
	for i, info := range infos {
		if info.MaxInputChannels == 0 {
			continue
		}
		devices = append(devices, Device{
			Index:             i,
			Name:              info.Name,
			MaxInputChannels:  info.MaxInputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
			Default:           def != nil && def.Name == info.Name,
		})
	}
	return devices, nil
}
