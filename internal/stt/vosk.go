//go:build vosk

package stt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
)

type voskRecognizer struct {
	model *vosk.VoskModel
	rec   *vosk.VoskRecognizer
	rate  int
	mu    sync.Mutex
}

func newVoskRecognizer(cfg config.RecognizerConfig, sampleRate int, log *slog.Logger) (Recognizer, error) {
	info, err := os.Stat(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a model directory", ErrModelLoad, cfg.ModelPath)
	}

	vosk.SetLogLevel(cfg.EngineLogLevel)
	model, err := vosk.NewModel(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModelLoad, cfg.ModelPath, err)
	}
	rec, err := vosk.NewRecognizer(model, float64(sampleRate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("%w: create recognizer at %d Hz: %v", ErrModelLoad, sampleRate, err)
	}
	if cfg.Words {
		rec.SetWords(1)
	}
	log.Info("vosk model loaded", slog.String("model_path", cfg.ModelPath), slog.Int("sample_rate", sampleRate))
	return &voskRecognizer{model: model, rec: rec, rate: sampleRate}, nil
}

func (v *voskRecognizer) Accept(ctx context.Context, chunk audio.Chunk) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if chunk.Channels != 1 || chunk.SampleRate != v.rate {
		return Result{}, fmt.Errorf("vosk expects mono %d Hz audio, got %d ch at %d Hz", v.rate, chunk.Channels, chunk.SampleRate)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.rec == nil {
		return Result{}, fmt.Errorf("recognizer closed")
	}
	switch v.rec.AcceptWaveform(chunk.PCM) {
	case 1:
		return DecodeKaldi([]byte(v.rec.Result()))
	case 0:
		return DecodeKaldi([]byte(v.rec.PartialResult()))
	default:
		return Result{}, fmt.Errorf("vosk rejected chunk %d", chunk.Sequence)
	}
}

func (v *voskRecognizer) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.rec != nil {
		v.rec.Free()
		v.rec = nil
	}
	if v.model != nil {
		v.model.Free()
		v.model = nil
	}
	return nil
}
