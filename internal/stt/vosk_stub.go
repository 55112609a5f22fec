//go:build !vosk

package stt

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-listen/internal/config"
)

func newVoskRecognizer(_ config.RecognizerConfig, _ int, _ *slog.Logger) (Recognizer, error) {
	return nil, fmt.Errorf("%w: built without vosk support (rebuild with -tags vosk)", ErrModelLoad)
}
