package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/mattn/go-shellwords"
)

// closeGrace bounds how long Close waits for the helper to exit on EOF before
// killing it.
const closeGrace = 2 * time.Second

// execRecognizer drives a long-lived helper process. Each chunk is written as
// one JSON line on stdin and answered by one Kaldi-style JSON line on stdout.
type execRecognizer struct {
	cmd     *exec.Cmd
	kill    context.CancelFunc
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	stderr  *lockedBuffer
	log     *slog.Logger
	grace   time.Duration
	mu      sync.Mutex
	closed  bool
}

type execRequest struct {
	Sequence   uint64 `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCMBase64  string `json:"pcm_base64"`
}

func NewExecRecognizer(cfg config.RecognizerConfig, log *slog.Logger) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	if cfg.ModelPath != "" {
		args = append(args, "--model", cfg.ModelPath)
	}

	procCtx, kill := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, args[0], args[1:]...)
	// Grandchildren may hold stderr open after the helper dies.
	cmd.WaitDelay = closeGrace
	stdin, err := cmd.StdinPipe()
	if err != nil {
		kill()
		return nil, fmt.Errorf("recognizer stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		kill()
		return nil, fmt.Errorf("recognizer stdout: %w", err)
	}
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		kill()
		return nil, fmt.Errorf("%w: start %s: %v", ErrModelLoad, args[0], err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	log.Info("recognizer process started", slog.String("command", args[0]), slog.Int("pid", cmd.Process.Pid))
	return &execRecognizer{
		cmd:     cmd,
		kill:    kill,
		stdin:   stdin,
		scanner: scanner,
		stderr:  stderr,
		log:     log,
		grace:   closeGrace,
	}, nil
}

func (r *execRecognizer) Accept(ctx context.Context, chunk audio.Chunk) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Result{}, errors.New("recognizer closed")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	// A cancelled context kills the helper, which unblocks the read below.
	stop := context.AfterFunc(ctx, r.kill)
	defer stop()

	req := execRequest{
		Sequence:   chunk.Sequence,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		PCMBase64:  base64.StdEncoding.EncodeToString(chunk.PCM),
	}
	line, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	line = append(line, '\n')
	if _, err := r.stdin.Write(line); err != nil {
		return Result{}, fmt.Errorf("write to recognizer: %w", r.withStderr(err))
	}

	for r.scanner.Scan() {
		resp := bytes.TrimSpace(r.scanner.Bytes())
		if len(resp) == 0 {
			continue
		}
		return DecodeKaldi(resp)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	if err := r.scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("read from recognizer: %w", r.withStderr(err))
	}
	return Result{}, fmt.Errorf("recognizer exited: %w", r.withStderr(io.ErrUnexpectedEOF))
}

func (r *execRecognizer) withStderr(err error) error {
	if msg := bytes.TrimSpace(r.stderr.Snapshot()); len(msg) > 0 {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

// Close signals EOF on stdin and waits for the helper. A helper still running
// after the grace period is killed.
func (r *execRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	_ = r.stdin.Close()
	deadline := time.AfterFunc(r.grace, func() {
		r.log.Warn("recognizer process ignored EOF, killing", slog.Duration("grace", r.grace))
		r.kill()
	})
	err := r.cmd.Wait()
	deadline.Stop()
	r.kill()

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		r.log.Warn("recognizer process exited", slog.Int("code", exitErr.ExitCode()))
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, exec.ErrWaitDelay):
		return nil
	}
	return err
}

// lockedBuffer collects helper stderr; exec copies into it from its own
// goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
