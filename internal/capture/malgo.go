package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/loqalabs/loqa-listen/internal/audio"
)

// malgoSource captures through miniaudio. The driver picks its own period
// size, so a Framer cuts the stream into fixed chunks on the callback thread.
type malgoSource struct {
	format  Format
	log     *slog.Logger
	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	closing atomic.Bool
}

func newMalgoSource(format Format, log *slog.Logger) *malgoSource {
	return &malgoSource{format: format, log: log}
}

func (s *malgoSource) Open(handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return fmt.Errorf("capture already open")
	}

	framer, err := audio.NewFramer(s.format.SampleRate, s.format.Channels, s.format.ChunkFrames)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: init audio context: %v", ErrDeviceUnavailable, err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(s.format.Channels)
	deviceConfig.SampleRate = uint32(s.format.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if s.format.Device >= 0 {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			releaseContext(mctx)
			return fmt.Errorf("%w: enumerate capture devices: %v", ErrDeviceUnavailable, err)
		}
		if s.format.Device >= len(infos) {
			releaseContext(mctx)
			return fmt.Errorf("%w: device index %d out of range (%d capture devices)", ErrDeviceUnavailable, s.format.Device, len(infos))
		}
		deviceConfig.Capture.DeviceID = infos[s.format.Device].ID.Pointer()
	}

	s.closing.Store(false)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			framer.Write(input, func(c audio.Chunk) { handler(c, 0) })
		},
		Stop: func() {
			if !s.closing.Load() {
				handler(audio.Chunk{}, StatusDeviceLost)
			}
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		releaseContext(mctx)
		return fmt.Errorf("%w: init capture device: %v", ErrDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		releaseContext(mctx)
		return fmt.Errorf("%w: start capture device: %v", ErrDeviceUnavailable, err)
	}

	s.ctx = mctx
	s.device = device
	s.log.Info("capture started",
		slog.Int("device", s.format.Device),
		slog.Int("sample_rate", s.format.SampleRate),
		slog.Int("channels", s.format.Channels),
		slog.Int("chunk_frames", s.format.ChunkFrames))
	return nil
}

func (s *malgoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	s.closing.Store(true)
	s.device.Uninit()
	s.device = nil
	releaseContext(s.ctx)
	s.ctx = nil
	s.log.Info("capture stopped")
	return nil
}

func releaseContext(mctx *malgo.AllocatedContext) {
	if mctx == nil {
		return
	}
	_ = mctx.Uninit()
	mctx.Free()
}

func listMalgoDevices() ([]Device, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer releaseContext(mctx)

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	devices := make([]Device, 0, len(infos))
	for i, info := range infos {
		devices = append(devices, Device{
			Index:   i,
			Name:    info.Name(),
			Default: info.IsDefault != 0,
		})
	}
	return devices, nil
}
