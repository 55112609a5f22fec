// Package transcribe drains captured chunks through a recognizer and emits one
// transcript line per chunk.
package transcribe

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/stt"
)

// Transcript is the recognition result for a single chunk.
type Transcript struct {
	SessionID string
	Sequence  uint64
	Kind      stt.Kind
	Text      string
	Timestamp time.Time
}

// Partial reports whether the transcript may still be revised.
func (t Transcript) Partial() bool { return t.Kind == stt.Partial }

// Sink receives every transcript in chunk order.
type Sink interface {
	Name() string
	Emit(ctx context.Context, t Transcript) error
}

// SessionObserver is implemented by sinks that track session boundaries.
type SessionObserver interface {
	SessionStarted(ctx context.Context, sessionID string, startedAt time.Time) error
	SessionEnded(ctx context.Context, summary Summary) error
}

// Summary describes a finished session.
type Summary struct {
	SessionID string
	StartedAt time.Time
	EndedAt   time.Time
	Chunks    uint64
	Finals    uint64
	Err       error
}

// ConsoleSink writes the bare text of every transcript as one line.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

func (c *ConsoleSink) Name() string { return "console" }

func (c *ConsoleSink) Emit(_ context.Context, t Transcript) error {
	line := strings.ReplaceAll(t.Text, "\n", " ")
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.w, line)
	return err
}
