package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func silentChunk(seq uint64) audio.Chunk {
	return audio.Chunk{Sequence: seq, SampleRate: 16000, Channels: 1, PCM: make([]byte, 16)}
}

func voicedChunk(seq uint64) audio.Chunk {
	return audio.Chunk{Sequence: seq, SampleRate: 16000, Channels: 1, PCM: audio.EncodePCM16([]int16{100, -200, 300, -400, 500, -600, 700, -800})}
}

func TestDecodeKaldi(t *testing.T) {
	res, err := DecodeKaldi([]byte(`{"text" : "hello world"}`))
	if err != nil || res != FinalResult("hello world") {
		t.Fatalf("unexpected final decode %+v (%v)", res, err)
	}
	res, err = DecodeKaldi([]byte(`{"partial" : ""}`))
	if err != nil || res != PartialResult("") {
		t.Fatalf("unexpected partial decode %+v (%v)", res, err)
	}
	res, err = DecodeKaldi([]byte(`{"result": [{"word": "hi", "conf": 1.0}], "text": " hi "}`))
	if err != nil || res.Text != "hi" || !res.IsFinal() {
		t.Fatalf("unexpected word-level decode %+v (%v)", res, err)
	}
	if _, err := DecodeKaldi([]byte(`{"alternatives": []}`)); err == nil {
		t.Fatal("expected error for unknown document")
	}
	if _, err := DecodeKaldi([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed document")
	}
}

func TestMockRecognizerSilenceIsIdempotent(t *testing.T) {
	rec := NewMockRecognizer(3)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		res, err := rec.Accept(ctx, silentChunk(uint64(i)))
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		if res != PartialResult("") {
			t.Fatalf("silence produced %+v", res)
		}
	}
}

func TestMockRecognizerUtteranceLifecycle(t *testing.T) {
	rec := NewMockRecognizer(3)
	ctx := context.Background()

	first, _ := rec.Accept(ctx, voicedChunk(0))
	second, _ := rec.Accept(ctx, voicedChunk(1))
	if first.IsFinal() || second.IsFinal() {
		t.Fatalf("expected partials, got %+v %+v", first, second)
	}
	if first.Text == second.Text {
		t.Fatalf("expected partial to grow, got %q twice", first.Text)
	}
	final, _ := rec.Accept(ctx, silentChunk(2))
	if !final.IsFinal() || !strings.Contains(final.Text, "chunks=2") {
		t.Fatalf("expected final after trailing silence, got %+v", final)
	}
	next, _ := rec.Accept(ctx, silentChunk(3))
	if next != PartialResult("") {
		t.Fatalf("expected fresh utterance after final, got %+v", next)
	}

	for i := 0; i < 2; i++ {
		rec.Accept(ctx, voicedChunk(uint64(4+i)))
	}
	capped, _ := rec.Accept(ctx, voicedChunk(6))
	if !capped.IsFinal() {
		t.Fatalf("expected final at utterance cap, got %+v", capped)
	}
}

func TestNewUnknownMode(t *testing.T) {
	if _, err := New(config.RecognizerConfig{Mode: "whisper"}, 16000, newLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestExecRecognizerRoundTrip(t *testing.T) {
	t.Setenv("LOQA_STT_HELPER", "1")
	cfg := config.RecognizerConfig{
		Mode:    "exec",
		Command: fmt.Sprintf("%q -test.run=TestExecHelperProcess --", os.Args[0]),
	}
	rec, err := New(cfg, 16000, newLogger())
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })

	want := []Result{PartialResult("hel"), PartialResult("hello wor"), FinalResult("hello world")}
	for i, w := range want {
		got, err := rec.Accept(context.Background(), voicedChunk(uint64(i)))
		if err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
		if got != w {
			t.Fatalf("chunk %d: expected %+v, got %+v", i, w, got)
		}
	}
}

func TestExecRecognizerHelperExit(t *testing.T) {
	t.Setenv("LOQA_STT_HELPER", "exit")
	cfg := config.RecognizerConfig{
		Mode:    "exec",
		Command: fmt.Sprintf("%q -test.run=TestExecHelperProcess --", os.Args[0]),
	}
	rec, err := New(cfg, 16000, newLogger())
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })
	if _, err := rec.Accept(context.Background(), voicedChunk(0)); err == nil {
		t.Fatal("expected error when helper exits")
	}
}

func TestExecRecognizerCloseKillsHelperIgnoringEOF(t *testing.T) {
	t.Setenv("LOQA_STT_HELPER", "hang")
	cfg := config.RecognizerConfig{
		Mode:    "exec",
		Command: fmt.Sprintf("%q -test.run=TestExecHelperProcess --", os.Args[0]),
	}
	rec, err := New(cfg, 16000, newLogger())
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	rec.(*execRecognizer).grace = 100 * time.Millisecond

	closed := make(chan error, 1)
	go func() { closed <- rec.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("close blocked on a helper that ignores EOF")
	}
}

func TestExecRecognizerEmptyCommand(t *testing.T) {
	if _, err := NewExecRecognizer(config.RecognizerConfig{Command: "   "}, newLogger()); err == nil {
		t.Fatal("expected error for empty command")
	}
}

// TestExecHelperProcess is the recognizer helper used by the exec tests. It
// only runs when re-executed with LOQA_STT_HELPER set.
func TestExecHelperProcess(t *testing.T) {
	mode := os.Getenv("LOQA_STT_HELPER")
	if mode == "" {
		return
	}
	switch mode {
	case "exit":
		fmt.Fprintln(os.Stderr, "model missing")
		os.Exit(3)
	case "hang":
		for {
			time.Sleep(time.Second)
		}
	}
	script := []string{`{"partial": "hel"}`, `{"partial": "hello wor"}`, `{"text": "hello world"}`}
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var req execRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		idx := int(req.Sequence) % len(script)
		fmt.Println(script[idx])
	}
	os.Exit(0)
}

func TestKindString(t *testing.T) {
	if Partial.String() != "partial" || Final.String() != "final" {
		t.Fatal("unexpected kind names")
	}
	if !errors.Is(fmt.Errorf("wrap: %w", ErrModelLoad), ErrModelLoad) {
		t.Fatal("expected ErrModelLoad to unwrap")
	}
}
