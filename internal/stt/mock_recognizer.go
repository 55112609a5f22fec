package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-listen/internal/audio"
)

// mockRecognizer stands in for a real engine. Silence yields empty partials;
// voiced chunks grow a partial until either a silent chunk or utteranceChunks
// voiced chunks end the utterance.
type mockRecognizer struct {
	utteranceChunks int
	voiced          int
	bytes           int
}

func NewMockRecognizer(utteranceChunks int) Recognizer {
	if utteranceChunks <= 0 {
		utteranceChunks = 1
	}
	return &mockRecognizer{utteranceChunks: utteranceChunks}
}

func (m *mockRecognizer) Accept(ctx context.Context, chunk audio.Chunk) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if chunk.Silent() {
		if m.voiced == 0 {
			return PartialResult(""), nil
		}
		return m.finish(), nil
	}
	m.voiced++
	m.bytes += len(chunk.PCM)
	if m.voiced >= m.utteranceChunks {
		return m.finish(), nil
	}
	return PartialResult(m.describe("partial")), nil
}

func (m *mockRecognizer) finish() Result {
	res := FinalResult(m.describe("final"))
	m.voiced = 0
	m.bytes = 0
	return res
}

func (m *mockRecognizer) describe(mode string) string {
	return fmt.Sprintf("[%s transcript chunks=%d length=%d]", mode, m.voiced, m.bytes)
}

func (m *mockRecognizer) Close() error { return nil }
