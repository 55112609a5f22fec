package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/queue"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Loop feeds queued chunks to a recognizer one at a time. The console sink is
// mandatory and its failures end the loop; extra sinks are best effort.
type Loop struct {
	sessionID string
	rec       stt.Recognizer
	console   Sink
	sinks     []Sink
	log       *slog.Logger
	metrics   *metrics
	clock     func() time.Time

	chunks uint64
	finals uint64
}

func NewLoop(sessionID string, rec stt.Recognizer, console Sink, sinks []Sink, log *slog.Logger) *Loop {
	return &Loop{
		sessionID: sessionID,
		rec:       rec,
		console:   console,
		sinks:     sinks,
		log:       log,
		metrics:   newMetrics(log),
		clock:     time.Now,
	}
}

// Run blocks until the queue is closed and drained (nil), ctx is done (ctx
// error), or recognition or console output fails.
func (l *Loop) Run(ctx context.Context, frames *queue.Queue[audio.Chunk]) error {
	span := trace.SpanFromContext(ctx)
	for {
		chunk, err := frames.Get(ctx)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		start := l.clock()
		res, err := l.rec.Accept(ctx, chunk)
		if err != nil {
			return fmt.Errorf("recognize chunk %d: %w", chunk.Sequence, err)
		}
		l.metrics.recordResult(ctx, res.Kind.String(), l.clock().Sub(start))
		l.chunks++

		t := Transcript{
			SessionID: l.sessionID,
			Sequence:  chunk.Sequence,
			Kind:      res.Kind,
			Text:      res.Text,
			Timestamp: l.clock().UTC(),
		}
		if res.IsFinal() {
			l.finals++
			span.AddEvent("utterance", trace.WithAttributes(
				attribute.Int64("sequence", int64(chunk.Sequence)),
				attribute.Int("text_length", len(res.Text)),
			))
		}

		if err := l.console.Emit(ctx, t); err != nil {
			return fmt.Errorf("write transcript: %w", err)
		}
		for _, sink := range l.sinks {
			if err := sink.Emit(ctx, t); err != nil {
				l.metrics.recordSinkError(ctx, sink.Name())
				l.log.Warn("transcript sink failed",
					slog.String("sink", sink.Name()),
					slog.Uint64("sequence", chunk.Sequence),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Processed returns how many chunks produced a transcript and how many of
// those were final.
func (l *Loop) Processed() (chunks, finals uint64) {
	return l.chunks, l.finals
}
