package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/queue"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	StatusPolicyLog   = "log"
	StatusPolicyFatal = "fatal"
)

// Options wires a session together. Source, Recognizer and Console are
// required.
type Options struct {
	Source       capture.Source
	Recognizer   stt.Recognizer
	Console      io.Writer
	Sinks        []Sink
	StatusPolicy string
	Logger       *slog.Logger
}

// Session owns one capture stream, its queue and its recognizer.
type Session struct {
	id      string
	source  capture.Source
	rec     stt.Recognizer
	frames  *queue.Queue[audio.Chunk]
	loop    *Loop
	sinks   []Sink
	policy  string
	log     *slog.Logger
	metrics *metrics
	tracer  trace.Tracer
}

func NewSession(opts Options) (*Session, error) {
	if opts.Source == nil {
		return nil, errors.New("session requires a capture source")
	}
	if opts.Recognizer == nil {
		return nil, errors.New("session requires a recognizer")
	}
	if opts.Console == nil {
		return nil, errors.New("session requires a console writer")
	}
	policy := opts.StatusPolicy
	if policy == "" {
		policy = StatusPolicyLog
	}
	if policy != StatusPolicyLog && policy != StatusPolicyFatal {
		return nil, fmt.Errorf("unknown status policy %q", policy)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	id := uuid.NewString()
	log = log.With(slog.String("component", "transcribe"), slog.String("session_id", id))
	return &Session{
		id:      id,
		source:  opts.Source,
		rec:     opts.Recognizer,
		frames:  queue.New[audio.Chunk](),
		loop:    NewLoop(id, opts.Recognizer, NewConsoleSink(opts.Console), opts.Sinks, log),
		sinks:   opts.Sinks,
		policy:  policy,
		log:     log,
		metrics: newMetrics(log),
		tracer:  otel.Tracer(instrumentationName),
	}, nil
}

func (s *Session) ID() string { return s.id }

// Run captures and transcribes until the source is exhausted, ctx is
// cancelled, or a fatal error occurs. The source and recognizer are closed on
// every path. Cancellation of ctx is a clean stop and returns nil.
func (s *Session) Run(ctx context.Context) (err error) {
	parent := ctx
	ctx, span := s.tracer.Start(ctx, "transcribe.session", trace.WithAttributes(attribute.String("session.id", s.id)))
	started := time.Now().UTC()
	opened := false
	defer func() {
		chunks, finals := s.loop.Processed()
		span.SetAttributes(attribute.Int64("chunks", int64(chunks)), attribute.Int64("finals", int64(finals)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if !opened {
			return
		}
		s.notifyEnded(context.WithoutCancel(parent), Summary{
			SessionID: s.id,
			StartedAt: started,
			EndedAt:   time.Now().UTC(),
			Chunks:    chunks,
			Finals:    finals,
			Err:       err,
		})
	}()

	defer func() {
		if cerr := s.rec.Close(); cerr != nil {
			s.log.Warn("recognizer close failed", slog.String("error", cerr.Error()))
		}
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if err := s.source.Open(s.handle(ctx, cancel)); err != nil {
		return fmt.Errorf("open capture source: %w", err)
	}
	defer func() {
		if cerr := s.source.Close(); cerr != nil {
			s.log.Warn("capture close failed", slog.String("error", cerr.Error()))
		}
		s.frames.Close()
	}()
	opened = true
	s.log.Info("session started", slog.String("status_policy", s.policy))
	s.notifyStarted(ctx, started)

	unobserve, oerr := s.metrics.observeQueue(s.id, s.frames.Len)
	if oerr != nil {
		s.log.Warn("failed to observe queue depth", slog.String("error", oerr.Error()))
	}
	defer unobserve()

	if fin, ok := s.source.(capture.Finite); ok {
		go func() {
			select {
			case <-fin.Done():
				s.frames.Close()
			case <-ctx.Done():
			}
		}()
	}

	runErr := s.loop.Run(ctx, s.frames)
	switch {
	case parent.Err() != nil:
		s.log.Info("session interrupted")
		return nil
	case ctx.Err() != nil:
		return context.Cause(ctx)
	case runErr != nil:
		return runErr
	}
	chunks, finals := s.loop.Processed()
	s.log.Info("session finished", slog.Uint64("chunks", chunks), slog.Uint64("finals", finals))
	return nil
}

// handle is the capture callback. It runs on the device thread and only
// enqueues or cancels.
func (s *Session) handle(ctx context.Context, cancel context.CancelCauseFunc) capture.Handler {
	return func(chunk audio.Chunk, status capture.Status) {
		if status != 0 {
			s.metrics.recordStatus(ctx, status.String())
			if status.Has(capture.StatusDeviceLost) {
				cancel(fmt.Errorf("%w: %s", capture.ErrDeviceLost, status))
				return
			}
			if s.policy == StatusPolicyFatal {
				cancel(fmt.Errorf("%w: %s at chunk %d", capture.ErrCaptureStatus, status, chunk.Sequence))
				return
			}
			s.log.Warn("capture status", slog.String("status", status.String()), slog.Uint64("sequence", chunk.Sequence))
		}
		s.frames.Put(chunk)
	}
}

func (s *Session) notifyStarted(ctx context.Context, started time.Time) {
	for _, sink := range s.sinks {
		obs, ok := sink.(SessionObserver)
		if !ok {
			continue
		}
		if err := obs.SessionStarted(ctx, s.id, started); err != nil {
			s.metrics.recordSinkError(ctx, sink.Name())
			s.log.Warn("session start hook failed", slog.String("sink", sink.Name()), slog.String("error", err.Error()))
		}
	}
}

func (s *Session) notifyEnded(ctx context.Context, summary Summary) {
	for _, sink := range s.sinks {
		obs, ok := sink.(SessionObserver)
		if !ok {
			continue
		}
		if err := obs.SessionEnded(ctx, summary); err != nil {
			s.metrics.recordSinkError(ctx, sink.Name())
			s.log.Warn("session end hook failed", slog.String("sink", sink.Name()), slog.String("error", err.Error()))
		}
	}
}
