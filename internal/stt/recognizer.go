package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
)

// ErrModelLoad is returned when a recognizer cannot load its model.
var ErrModelLoad = errors.New("recognizer model load failed")

// Kind tags a recognition result.
type Kind int

const (
	// Partial is a revisable guess for the utterance in progress.
	Partial Kind = iota
	// Final commits a completed utterance. The recognizer resets afterwards.
	Final
)

func (k Kind) String() string {
	if k == Final {
		return "final"
	}
	return "partial"
}

// Result is the outcome of feeding one chunk. Empty text is valid for both
// kinds.
type Result struct {
	Kind Kind
	Text string
}

func PartialResult(text string) Result { return Result{Kind: Partial, Text: text} }

func FinalResult(text string) Result { return Result{Kind: Final, Text: text} }

// IsFinal reports whether the chunk completed an utterance.
func (r Result) IsFinal() bool { return r.Kind == Final }

// Recognizer abstracts streaming STT backends. Every Accept yields exactly one
// Result; utterance boundaries are the recognizer's decision.
type Recognizer interface {
	Accept(ctx context.Context, chunk audio.Chunk) (Result, error)
	Close() error
}

// New builds the recognizer selected by cfg.Mode for the given stream rate.
func New(cfg config.RecognizerConfig, sampleRate int, log *slog.Logger) (Recognizer, error) {
	log = log.With(slog.String("component", "recognizer"), slog.String("mode", cfg.Mode))
	switch cfg.Mode {
	case "vosk":
		return newVoskRecognizer(cfg, sampleRate, log)
	case "exec":
		return NewExecRecognizer(cfg, log)
	case "mock":
		return NewMockRecognizer(cfg.UtteranceChunks), nil
	default:
		return nil, fmt.Errorf("unknown recognizer mode %q", cfg.Mode)
	}
}
