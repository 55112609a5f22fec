package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func silent(seq uint64) audio.Chunk {
	return audio.Chunk{Sequence: seq, SampleRate: 16000, Channels: 1, PCM: make([]byte, 320)}
}

// streamSource delivers its chunks from a goroutine and then stays open, like
// a live device.
type streamSource struct {
	chunks   []audio.Chunk
	statuses map[int]capture.Status
	openErr  error

	mu      sync.Mutex
	closed  int
	emitted chan struct{}
}

func (s *streamSource) Open(handler capture.Handler) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.emitted = make(chan struct{})
	go func() {
		defer close(s.emitted)
		for i, c := range s.chunks {
			handler(c, s.statuses[i])
		}
	}()
	return nil
}

func (s *streamSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *streamSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fileSource is a streamSource that reports end of input.
type fileSource struct {
	*streamSource
}

func (f fileSource) Done() <-chan struct{} { return f.emitted }

type scriptedRecognizer struct {
	results []stt.Result
	failAt  int
	calls   int
	closed  bool
}

func (r *scriptedRecognizer) Accept(ctx context.Context, chunk audio.Chunk) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}
	r.calls++
	if r.failAt > 0 && r.calls == r.failAt {
		return stt.Result{}, errors.New("engine crashed")
	}
	if len(r.results) == 0 {
		return stt.PartialResult(strconv.FormatUint(chunk.Sequence, 10)), nil
	}
	return r.results[(r.calls-1)%len(r.results)], nil
}

func (r *scriptedRecognizer) Close() error {
	r.closed = true
	return nil
}

type recordingSink struct {
	mu       sync.Mutex
	got      []Transcript
	started  []string
	summary  *Summary
	failWith error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Emit(_ context.Context, t Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, t)
	return r.failWith
}

func (r *recordingSink) SessionStarted(_ context.Context, id string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
	return nil
}

func (r *recordingSink) SessionEnded(_ context.Context, summary Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = &summary
	return nil
}

func runSession(t *testing.T, opts Options) (*Session, string, error) {
	t.Helper()
	var out bytes.Buffer
	opts.Console = &out
	if opts.Logger == nil {
		opts.Logger = newLogger()
	}
	sess, err := NewSession(opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runErr := sess.Run(ctx)
	if ctx.Err() != nil {
		t.Fatalf("session did not finish in time")
	}
	return sess, out.String(), runErr
}

func TestSilenceProducesEmptyLines(t *testing.T) {
	src := fileSource{&streamSource{chunks: []audio.Chunk{silent(0), silent(1), silent(2)}}}
	_, out, err := runSession(t, Options{Source: src, Recognizer: stt.NewMockRecognizer(4)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "\n\n\n" {
		t.Fatalf("expected three empty lines, got %q", out)
	}
}

func TestUtterancePrintsPartialsThenFinal(t *testing.T) {
	rec := &scriptedRecognizer{results: []stt.Result{
		stt.PartialResult("hel"),
		stt.PartialResult("hello wor"),
		stt.FinalResult("hello world"),
	}}
	src := fileSource{&streamSource{chunks: []audio.Chunk{silent(0), silent(1), silent(2)}}}
	_, out, err := runSession(t, Options{Source: src, Recognizer: rec})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "hel\nhello wor\nhello world\n" {
		t.Fatalf("unexpected output %q", out)
	}
	if !rec.closed || src.closeCount() != 1 {
		t.Fatalf("expected recognizer and source closed once (rec=%v source=%d)", rec.closed, src.closeCount())
	}
}

func TestEveryChunkYieldsOneLineInOrder(t *testing.T) {
	const n = 300
	chunks := make([]audio.Chunk, n)
	for i := range chunks {
		chunks[i] = silent(uint64(i))
	}
	sink := &recordingSink{}
	src := fileSource{&streamSource{chunks: chunks}}
	_, out, err := runSession(t, Options{Source: src, Recognizer: &scriptedRecognizer{}, Sinks: []Sink{sink}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != n {
		t.Fatalf("expected %d lines, got %d", n, len(lines))
	}
	for i, line := range lines {
		if line != strconv.Itoa(i) {
			t.Fatalf("line %d out of order: %q", i, line)
		}
	}
	if len(sink.got) != n {
		t.Fatalf("sink saw %d transcripts", len(sink.got))
	}
}

func TestOpenFailurePrintsNothing(t *testing.T) {
	src := &streamSource{openErr: fmt.Errorf("%w: device index 42 out of range", capture.ErrDeviceUnavailable)}
	rec := &scriptedRecognizer{}
	sink := &recordingSink{}
	_, out, err := runSession(t, Options{Source: src, Recognizer: rec, Sinks: []Sink{sink}})
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if out != "" {
		t.Fatalf("expected no output, got %q", out)
	}
	if rec.calls != 0 || !rec.closed {
		t.Fatalf("recognizer should be closed without use (calls=%d closed=%v)", rec.calls, rec.closed)
	}
	if sink.summary != nil || len(sink.started) != 0 {
		t.Fatal("session hooks should not fire for a session that never opened")
	}
}

func TestDeviceLostIsFatal(t *testing.T) {
	src := &streamSource{
		chunks:   []audio.Chunk{silent(0), silent(1), {}},
		statuses: map[int]capture.Status{2: capture.StatusDeviceLost},
	}
	rec := &scriptedRecognizer{}
	_, _, err := runSession(t, Options{Source: src, Recognizer: rec})
	if !errors.Is(err, capture.ErrDeviceLost) {
		t.Fatalf("expected ErrDeviceLost, got %v", err)
	}
	if src.closeCount() != 1 || !rec.closed {
		t.Fatal("expected source and recognizer closed")
	}
}

func TestStatusPolicyLogKeepsChunk(t *testing.T) {
	src := fileSource{&streamSource{
		chunks:   []audio.Chunk{silent(0), silent(1), silent(2)},
		statuses: map[int]capture.Status{1: capture.StatusInputOverflow},
	}}
	_, out, err := runSession(t, Options{Source: src, Recognizer: &scriptedRecognizer{}, StatusPolicy: StatusPolicyLog})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "0\n1\n2\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestStatusPolicyFatalStopsSession(t *testing.T) {
	src := &streamSource{
		chunks:   []audio.Chunk{silent(0), silent(1)},
		statuses: map[int]capture.Status{1: capture.StatusInputUnderflow},
	}
	_, _, err := runSession(t, Options{Source: src, Recognizer: &scriptedRecognizer{}, StatusPolicy: StatusPolicyFatal})
	if !errors.Is(err, capture.ErrCaptureStatus) {
		t.Fatalf("expected ErrCaptureStatus, got %v", err)
	}
}

func TestRecognizerErrorEndsSession(t *testing.T) {
	src := fileSource{&streamSource{chunks: []audio.Chunk{silent(0), silent(1), silent(2)}}}
	rec := &scriptedRecognizer{failAt: 2}
	_, out, err := runSession(t, Options{Source: src, Recognizer: rec})
	if err == nil || !strings.Contains(err.Error(), "engine crashed") {
		t.Fatalf("expected recognizer error, got %v", err)
	}
	if out != "0\n" {
		t.Fatalf("expected only the first line, got %q", out)
	}
	if !rec.closed {
		t.Fatal("expected recognizer closed")
	}
}

func TestInterruptIsCleanStop(t *testing.T) {
	src := &streamSource{}
	rec := &scriptedRecognizer{}
	sess, err := NewSession(Options{Source: src, Recognizer: rec, Console: io.Discard, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	if err := sess.Run(ctx); err != nil {
		t.Fatalf("expected nil on interrupt, got %v", err)
	}
	if src.closeCount() != 1 || !rec.closed {
		t.Fatal("expected source and recognizer closed after interrupt")
	}
}

func TestInterruptReleasesStubbornExecRecognizer(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "helper.sh")
	if err := os.WriteFile(script, []byte("trap '' TERM\nwhile true; do sleep 1; done\n"), 0o644); err != nil {
		t.Fatalf("write helper: %v", err)
	}
	rec, err := stt.NewExecRecognizer(config.RecognizerConfig{Command: "sh " + script}, newLogger())
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	src := &streamSource{}
	sess, err := NewSession(Options{Source: src, Recognizer: rec, Console: io.Discard, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("session still running after interrupt")
	}
	if src.closeCount() != 1 {
		t.Fatal("expected source closed after interrupt")
	}
}

func TestSinkFailuresAreNotFatal(t *testing.T) {
	failing := &recordingSink{failWith: errors.New("broker down")}
	src := fileSource{&streamSource{chunks: []audio.Chunk{silent(0), silent(1)}}}
	sess, out, err := runSession(t, Options{
		Source:     src,
		Recognizer: &scriptedRecognizer{results: []stt.Result{stt.PartialResult("a"), stt.FinalResult("ab")}},
		Sinks:      []Sink{failing},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "a\nab\n" {
		t.Fatalf("unexpected output %q", out)
	}
	if len(failing.got) != 2 || failing.got[1].Partial() {
		t.Fatalf("sink should still see every transcript: %+v", failing.got)
	}
	if len(failing.started) != 1 || failing.started[0] != sess.ID() {
		t.Fatalf("expected session start hook for %s, got %v", sess.ID(), failing.started)
	}
	if failing.summary == nil || failing.summary.Chunks != 2 || failing.summary.Finals != 1 {
		t.Fatalf("unexpected summary %+v", failing.summary)
	}
}

func TestNewSessionValidatesOptions(t *testing.T) {
	if _, err := NewSession(Options{Recognizer: &scriptedRecognizer{}, Console: io.Discard}); err == nil {
		t.Fatal("expected error without source")
	}
	if _, err := NewSession(Options{Source: &streamSource{}, Recognizer: &scriptedRecognizer{}, Console: io.Discard, StatusPolicy: "ignore"}); err == nil {
		t.Fatal("expected error for unknown status policy")
	}
}

func TestConsoleSinkKeepsOneLinePerTranscript(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf)
	if err := sink.Emit(context.Background(), Transcript{Text: "two\nlines"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if buf.String() != "two lines\n" {
		t.Fatalf("unexpected console output %q", buf.String())
	}
}
